package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kit "postbot/internal/transport"
	logx "postbot/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	calls map[int64]int
	fail  map[int64]int // chat -> failures before success, -1 forever
}

func (f *fakeSender) SendText(_ context.Context, to kit.ChatTarget, _ string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[to.ChatID]++
	switch n := f.fail[to.ChatID]; {
	case n < 0:
		return kit.MessageRef{}, errors.New("forbidden")
	case n > 0:
		f.fail[to.ChatID] = n - 1
		return kit.MessageRef{}, errors.New("flaky")
	}
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (f *fakeSender) count(chat int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[chat]
}

func targets(ids ...int64) []kit.ChatTarget {
	out := make([]kit.ChatTarget, 0, len(ids))
	for _, id := range ids {
		out = append(out, kit.ChatTarget{ChatID: id})
	}
	return out
}

func TestBroadcastDeliversAndReports(t *testing.T) {
	snd := &fakeSender{calls: map[int64]int{}, fail: map[int64]int{2: -1, 3: 1}}
	s := New(Config{Workers: 1, RatePerSec: 100, RetryMax: 1}, snd, logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	done := make(chan JobStatus, 1)
	id, err := s.Submit(Job{Name: "news", Targets: targets(1, 2, 3), Text: "hi", OnDone: func(_ context.Context, st JobStatus) { done <- st }})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	var st JobStatus
	select {
	case st = <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not finish")
	}
	assert.Equal(t, id, st.ID)
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 3, st.Done)
	assert.Equal(t, 1, st.Failed)
	assert.Equal(t, targets(2), st.Failures)
	assert.False(t, st.Running)

	assert.Equal(t, 1, snd.count(1))
	assert.Equal(t, 2, snd.count(2))
	assert.Equal(t, 2, snd.count(3))

	got, ok := s.Status(id)
	require.True(t, ok)
	assert.Equal(t, st.Failed, got.Failed)
}

func TestSubmitRejections(t *testing.T) {
	snd := &fakeSender{calls: map[int64]int{}, fail: map[int64]int{}}
	s := New(Config{Workers: 1, QueueSize: 1}, snd, logx.Nop())

	_, err := s.Submit(Job{Targets: targets(1)})
	assert.ErrorIs(t, err, ErrNotRunning)

	s.mu.Lock()
	s.running = true // accept without workers so the queue fills up
	s.mu.Unlock()

	_, err = s.Submit(Job{})
	assert.ErrorIs(t, err, ErrNoTargets)

	_, err = s.Submit(Job{Targets: targets(1)})
	require.NoError(t, err)
	_, err = s.Submit(Job{Targets: targets(2)})
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestPruneStatusKeepsRunningJobs(t *testing.T) {
	s := New(Config{StatusMax: 2, StatusTTL: time.Hour}, nil, logx.Nop())
	now := time.Now()
	s.status = map[string]*JobStatus{
		"old":     {ID: "old", DoneAt: now.Add(-2 * time.Hour)},
		"a":       {ID: "a", DoneAt: now.Add(-3 * time.Minute)},
		"b":       {ID: "b", DoneAt: now.Add(-2 * time.Minute)},
		"c":       {ID: "c", DoneAt: now.Add(-time.Minute)},
		"running": {ID: "running", Running: true},
	}
	s.pruneStatus(now)

	keys := make([]string, 0, len(s.status))
	for k := range s.status {
		keys = append(keys, k)
	}
	assert.ElementsMatch(t, []string{"c", "running"}, keys)
}
