package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postbot/internal/domain"
	"postbot/internal/task/engine"
	logx "postbot/pkg/logx"
)

type call struct {
	id domain.PostID
	at time.Time
}

type recordingExecutor struct {
	mu    sync.Mutex
	calls []call
	hold  chan struct{}
}

func (r *recordingExecutor) Execute(ctx context.Context, id domain.PostID) error {
	r.mu.Lock()
	r.calls = append(r.calls, call{id: id, at: time.Now()})
	hold := r.hold
	r.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
		}
	}
	return nil
}

func (r *recordingExecutor) snapshot() []call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]call(nil), r.calls...)
}

func (r *recordingExecutor) countFor(id domain.PostID) int {
	n := 0
	for _, c := range r.snapshot() {
		if c.id == id {
			n++
		}
	}
	return n
}

func newScheduler(t *testing.T, exec Executor) *Service {
	t.Helper()
	eng := engine.New(engine.Config{Workers: 4}, logx.Nop(), nil)
	eng.Start(context.Background())
	s := New(Config{}, exec, eng, logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
		_ = eng.Stop(ctx)
	})
	return s
}

func TestOverdueFiresImmediately(t *testing.T) {
	exec := &recordingExecutor{}
	s := newScheduler(t, exec)

	s.Register(1, time.Now().Add(-5*time.Minute))
	require.Eventually(t, func() bool { return exec.countFor(1) == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, s.Pending())
}

func TestReRegisterKeepsOnlyLatestTime(t *testing.T) {
	exec := &recordingExecutor{}
	s := newScheduler(t, exec)

	start := time.Now()
	s.Register(1, start.Add(40*time.Millisecond))
	s.Register(1, start.Add(150*time.Millisecond))
	assert.Equal(t, 1, s.Pending())

	require.Eventually(t, func() bool { return exec.countFor(1) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	calls := exec.snapshot()
	require.Len(t, calls, 1)
	assert.GreaterOrEqual(t, calls[0].at.Sub(start), 150*time.Millisecond)
}

func TestCancelBeforeFireNeverExecutes(t *testing.T) {
	exec := &recordingExecutor{}
	s := newScheduler(t, exec)

	s.Register(1, time.Now().Add(50*time.Millisecond))
	s.Register(2, time.Now().Add(60*time.Millisecond))
	assert.True(t, s.Cancel(1))
	assert.False(t, s.Cancel(1))
	assert.False(t, s.Cancel(99))

	require.Eventually(t, func() bool { return exec.countFor(2) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, exec.countFor(1))
}

func TestFiresInDeadlineOrder(t *testing.T) {
	exec := &recordingExecutor{}
	eng := engine.New(engine.Config{Workers: 1}, logx.Nop(), nil)
	eng.Start(context.Background())
	s := New(Config{}, exec, eng, logx.Nop())

	now := time.Now()
	s.Register(3, now.Add(30*time.Millisecond))
	s.Register(1, now.Add(10*time.Millisecond))
	s.Register(2, now.Add(20*time.Millisecond))
	next, ok := s.Next()
	require.True(t, ok)
	assert.True(t, next.Equal(now.Add(10*time.Millisecond)))

	s.Start(context.Background())
	defer func() {
		_ = s.Stop(context.Background())
		_ = eng.Stop(context.Background())
	}()

	require.Eventually(t, func() bool { return len(exec.snapshot()) == 3 }, time.Second, 5*time.Millisecond)
	calls := exec.snapshot()
	assert.Equal(t, []domain.PostID{1, 2, 3}, []domain.PostID{calls[0].id, calls[1].id, calls[2].id})
}

func TestNoSecondExecutionWhileInFlight(t *testing.T) {
	exec := &recordingExecutor{hold: make(chan struct{})}
	s := newScheduler(t, exec)

	s.Register(1, time.Now())
	require.Eventually(t, func() bool { return exec.countFor(1) == 1 }, time.Second, 5*time.Millisecond)

	// A re-registration while the first run is still going must not start
	// a parallel execution.
	s.Register(1, time.Now())
	require.Eventually(t, func() bool { return s.Snapshot().Skipped == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, exec.countFor(1))
	close(exec.hold)
}

type fullDispatcher struct {
	mu    sync.Mutex
	calls int
	inner Dispatcher
}

func (f *fullDispatcher) Enqueue(t engine.Task) error {
	f.mu.Lock()
	f.calls++
	first := f.calls == 1
	f.mu.Unlock()
	if first {
		return engine.ErrQueueFull
	}
	return f.inner.Enqueue(t)
}

func TestQueueFullDefersFiring(t *testing.T) {
	exec := &recordingExecutor{}
	eng := engine.New(engine.Config{Workers: 1}, logx.Nop(), nil)
	eng.Start(context.Background())
	s := New(Config{RequeueDelay: 20 * time.Millisecond}, exec, &fullDispatcher{inner: eng}, logx.Nop())
	s.Start(context.Background())
	defer func() {
		_ = s.Stop(context.Background())
		_ = eng.Stop(context.Background())
	}()

	s.Register(5, time.Now())
	require.Eventually(t, func() bool { return exec.countFor(5) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), s.Snapshot().Requeued)
}

func TestStopDiscardsPending(t *testing.T) {
	exec := &recordingExecutor{}
	s := newScheduler(t, exec)
	s.Register(1, time.Now().Add(time.Hour))

	require.NoError(t, s.Stop(context.Background()))
	assert.Zero(t, s.Pending())
	assert.False(t, s.Snapshot().Running)
}

// deferringExecutor returns domain.ErrDeferred for the first n calls.
type deferringExecutor struct {
	recordingExecutor
	mu   sync.Mutex
	left int
}

func (d *deferringExecutor) Execute(ctx context.Context, id domain.PostID) error {
	_ = d.recordingExecutor.Execute(ctx, id)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.left > 0 {
		d.left--
		return fmt.Errorf("%w: %w", domain.ErrDeferred, domain.ErrStore)
	}
	return nil
}

func startWithConfig(t *testing.T, cfg Config, exec Executor) *Service {
	t.Helper()
	eng := engine.New(engine.Config{Workers: 2}, logx.Nop(), nil)
	eng.Start(context.Background())
	s := New(cfg, exec, eng, logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
		_ = eng.Stop(ctx)
	})
	return s
}

func TestDeferredExecutionFiresAgain(t *testing.T) {
	exec := &deferringExecutor{left: 3}
	s := startWithConfig(t, Config{RetryDelay: 10 * time.Millisecond, MaxRetries: 5}, exec)

	s.Register(7, time.Now())
	require.Eventually(t, func() bool { return exec.countFor(7) == 4 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return s.Pending() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(3), s.Snapshot().Retried)

	calls := exec.snapshot()
	assert.GreaterOrEqual(t, calls[3].at.Sub(calls[2].at), 40*time.Millisecond, "delay doubles per attempt")
}

func TestDeferredRetriesAreBounded(t *testing.T) {
	exec := &deferringExecutor{left: 100}
	s := startWithConfig(t, Config{RetryDelay: 5 * time.Millisecond, MaxRetries: 2}, exec)

	s.Register(8, time.Now())
	require.Eventually(t, func() bool { return exec.countFor(8) == 3 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 3, exec.countFor(8), "initial run plus two retries")
	assert.Zero(t, s.Pending())
}

func TestCancelStopsDeferredRetry(t *testing.T) {
	exec := &deferringExecutor{left: 1}
	s := startWithConfig(t, Config{RetryDelay: 80 * time.Millisecond}, exec)

	s.Register(9, time.Now())
	require.Eventually(t, func() bool { return s.Snapshot().Retried == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, s.Cancel(9))
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, exec.countFor(9))
}
