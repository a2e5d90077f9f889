package notifier

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
	sent  []string
	failN int
	calls int
	block chan struct{}
}

func (f *fakeSender) SendText(ctx context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return kit.MessageRef{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failN {
		return kit.MessageRef{}, errors.New("flood wait")
	}
	f.sent = append(f.sent, text)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: f.calls}, nil
}

func (f *fakeSender) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func startNotifier(t *testing.T, cfg Config, sender kit.TextSender) *Service {
	t.Helper()
	cfg.Enabled = true
	s := New(cfg, sender, logx.Nop(), nil)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestNotifySends(t *testing.T) {
	snd := &fakeSender{}
	s := startNotifier(t, Config{RatePerSec: 100}, snd)

	require.NoError(t, s.Notify(context.Background(), kit.Notification{Target: kit.ChatTarget{ChatID: 1}, Text: "post 7 published"}))
	require.Eventually(t, func() bool { return len(snd.texts()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, s.Snapshot(), 1)
}

func TestNotifyRetries(t *testing.T) {
	snd := &fakeSender{failN: 2}
	s := startNotifier(t, Config{RatePerSec: 100, RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}, snd)

	require.NoError(t, s.Notify(context.Background(), kit.Notification{Target: kit.ChatTarget{ChatID: 1}, Text: "hello"}))
	require.Eventually(t, func() bool { return len(snd.texts()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestNotifyDedup(t *testing.T) {
	snd := &fakeSender{}
	s := startNotifier(t, Config{RatePerSec: 100, DedupWindow: time.Minute}, snd)

	n := kit.Notification{Target: kit.ChatTarget{ChatID: 1}, Text: "same"}
	require.NoError(t, s.Notify(context.Background(), n))
	require.NoError(t, s.Notify(context.Background(), n))
	require.NoError(t, s.Notify(context.Background(), kit.Notification{Target: kit.ChatTarget{ChatID: 2}, Text: "same"}))

	require.Eventually(t, func() bool { return len(snd.texts()) == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, snd.texts(), 2)
}

func TestNotifyQueueFull(t *testing.T) {
	snd := &fakeSender{block: make(chan struct{})}
	s := startNotifier(t, Config{Workers: 1, QueueSize: 1, RatePerSec: 100}, snd)
	defer close(snd.block)

	ctx := context.Background()
	require.NoError(t, s.Notify(ctx, kit.Notification{Target: kit.ChatTarget{ChatID: 1}, Text: "a"}))
	var err error
	require.Eventually(t, func() bool {
		err = s.Notify(ctx, kit.Notification{Target: kit.ChatTarget{ChatID: 1}, Text: time.Now().String()})
		return errors.Is(err, ErrQueueFull)
	}, time.Second, time.Millisecond)
}

func TestNotifyDisabledAndStopped(t *testing.T) {
	s := New(Config{}, &fakeSender{}, logx.Nop(), nil)
	assert.ErrorIs(t, s.Notify(context.Background(), kit.Notification{Text: "x"}), ErrDisabled)

	s = New(Config{Enabled: true}, &fakeSender{}, logx.Nop(), nil)
	assert.ErrorIs(t, s.Notify(context.Background(), kit.Notification{Text: "x"}), ErrStopped)
}

func TestRetryDelayBounds(t *testing.T) {
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 8; attempt++ {
		d := retryDelay(cfg, attempt)
		assert.GreaterOrEqual(t, d, 70*time.Millisecond)
		assert.LessOrEqual(t, d, time.Second)
	}
}
