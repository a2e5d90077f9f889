package sdnotify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "postbot/pkg/logx"
)

type recorder struct {
	mu     sync.Mutex
	states []string
}

func (r *recorder) notify(state string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
	return true, nil
}

func (r *recorder) count(state string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.states {
		if s == state {
			n++
		}
	}
	return n
}

func newTestNotifier(rec *recorder, every time.Duration, err error) *Notifier {
	n := New(logx.Nop())
	n.notify = rec.notify
	n.watchdog = func() (time.Duration, error) { return every, err }
	return n
}

func TestReadyAndStopping(t *testing.T) {
	rec := &recorder{}
	n := newTestNotifier(rec, 0, nil)
	n.Ready()
	n.Status("3 pending")
	n.Stopping()
	assert.Equal(t, []string{daemon.SdNotifyReady, "STATUS=3 pending", daemon.SdNotifyStopping}, rec.states)
}

func TestWatchdogPings(t *testing.T) {
	rec := &recorder{}
	n := newTestNotifier(rec, 20*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		n.Watchdog(ctx)
	}()
	require.Eventually(t, func() bool { return rec.count(daemon.SdNotifyWatchdog) >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestWatchdogDisabled(t *testing.T) {
	for _, tc := range []struct {
		every time.Duration
		err   error
	}{{0, nil}, {time.Second, errors.New("bad WATCHDOG_USEC")}} {
		rec := &recorder{}
		n := newTestNotifier(rec, tc.every, tc.err)
		n.Watchdog(context.Background())
		assert.Empty(t, rec.states)
	}
}
