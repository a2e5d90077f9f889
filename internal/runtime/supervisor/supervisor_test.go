package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestGoRecordsFirstErrorAndCancels(t *testing.T) {
	s := New(context.Background(), WithCancelOnError(true))
	s.Go("bad", func(context.Context) error { return errors.New("boom") })
	s.Go("waiter", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	err := s.Wait(waitCtx(t))
	require.EqualError(t, err, "bad: boom")
	assert.Error(t, s.Context().Err(), "first error cancels siblings")
	assert.Equal(t, uint64(2), s.Counters().Started)
	assert.Zero(t, s.Counters().Active)
}

func TestGoRecoversPanics(t *testing.T) {
	s := New(context.Background())
	s.Go0("panicky", func(context.Context) { panic("kaboom") })
	err := s.Wait(waitCtx(t))
	assert.ErrorContains(t, err, "panic in panicky: kaboom")
	assert.Equal(t, uint64(1), s.Counters().Panics)
	assert.NoError(t, s.Context().Err(), "cancel on error is off by default")
	s.Cancel()
}

func TestCanceledIsNotAnError(t *testing.T) {
	s := New(context.Background(), WithCancelOnError(true))
	s.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, s.Stop(waitCtx(t)))
	assert.NoError(t, s.Err())
}

func TestGoRestartRestartsUntilLimit(t *testing.T) {
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("flaky", func(context.Context) error {
		runs.Add(1)
		return errors.New("again")
	},
		WithRestartBackoff(time.Millisecond, 2*time.Millisecond),
		WithMaxRestarts(3),
		WithPublishFirstError(true),
	)

	require.EqualError(t, s.Wait(waitCtx(t)), "flaky: again", "first failure is published")
	assert.Equal(t, int32(4), runs.Load(), "initial run plus three restarts")
	assert.Equal(t, uint64(4), s.Counters().Restarts)
}

func TestGoRestartRecoversPanicAndStopsOnCleanExit(t *testing.T) {
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("once", func(context.Context) error {
		if runs.Add(1) == 1 {
			panic("first run")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, time.Millisecond))

	require.NoError(t, s.Wait(waitCtx(t)))
	assert.Equal(t, int32(2), runs.Load())
	assert.Equal(t, uint64(1), s.Counters().Panics)
}

func TestWaitHonorsContext(t *testing.T) {
	s := New(context.Background())
	s.Go0("stuck", func(ctx context.Context) { <-ctx.Done() })
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Wait(ctx), context.DeadlineExceeded)
	require.NoError(t, s.Stop(waitCtx(t)))
}

func TestRegistry(t *testing.T) {
	var nilReg *Registry
	nilReg.Set("x", nil)
	assert.Nil(t, nilReg.Snapshot())

	r := NewRegistry()
	s := New(context.Background())
	t.Cleanup(s.Cancel)
	s.Go0("idle", func(ctx context.Context) { <-ctx.Done() })

	r.Set("a", s)
	require.Contains(t, r.Counters(), "a")
	assert.Equal(t, uint64(1), r.Counters()["a"].Started)

	r.Set("a", nil)
	assert.Empty(t, r.Snapshot())
	r.Set("b", s)
	r.Delete("b")
	assert.Empty(t, r.Counters())
}
