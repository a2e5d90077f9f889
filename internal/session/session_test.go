package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postbot/internal/domain"
	logx "postbot/pkg/logx"
)

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewMemory(30 * time.Minute)
	s.now = func() time.Time { return now }

	require.NoError(t, s.Put(ctx, 1, Draft{Step: StepContent, Text: "hi"}))
	require.NoError(t, s.Put(ctx, 2, Draft{Step: StepTime}))

	d, ok, err := s.Get(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hi", d.Text)
	assert.Equal(t, now, d.UpdatedAt)

	now = now.Add(20 * time.Minute)
	require.NoError(t, s.Put(ctx, 2, Draft{Step: StepChannel}))

	now = now.Add(15 * time.Minute)
	_, ok, _ = s.Get(ctx, 1)
	assert.False(t, ok)
	_, ok, _ = s.Get(ctx, 2)
	assert.True(t, ok)

	now = now.Add(time.Hour)
	assert.Equal(t, 1, s.Sweep())
	assert.Zero(t, s.Len())
}

func TestMemoryDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(time.Minute)
	require.NoError(t, s.Put(ctx, 1, Draft{Step: StepContent}))
	require.NoError(t, s.Delete(ctx, 1))
	_, ok, err := s.Get(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func newRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, 30*time.Minute, ""), mr
}

func TestRedisRoundTripAndExpiry(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedis(t)

	fireAt := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	in := Draft{Step: StepChannel, Text: "caption", MediaRef: "AgACAgIAAx", MediaKind: domain.MediaPhoto, FireAt: fireAt}
	require.NoError(t, s.Put(ctx, 42, in))
	assert.True(t, mr.Exists("postbot:session:42"))

	out, ok, err := s.Get(ctx, 42)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StepChannel, out.Step)
	assert.Equal(t, domain.MediaPhoto, out.MediaKind)
	assert.True(t, out.FireAt.Equal(fireAt))

	mr.FastForward(31 * time.Minute)
	_, ok, err = s.Get(ctx, 42)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisCorruptPayload(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedis(t)
	require.NoError(t, mr.Set("postbot:session:7", "{not json"))

	_, ok, err := s.Get(ctx, 7)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, mr.Exists("postbot:session:7"))
}

func TestOpenDrivers(t *testing.T) {
	ctx := context.Background()
	st, err := Open(ctx, Config{}, logx.Nop())
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, st)

	mr := miniredis.RunT(t)
	st, err = Open(ctx, Config{Driver: "redis", RedisURL: "redis://" + mr.Addr() + "/0"}, logx.Nop())
	require.NoError(t, err)
	assert.IsType(t, &Redis{}, st)
	require.NoError(t, st.Close())

	_, err = Open(ctx, Config{Driver: "etcd"}, logx.Nop())
	assert.ErrorIs(t, err, ErrUnknownDriver)
}

func TestDraftContentTrims(t *testing.T) {
	d := Draft{Text: "  hello \n"}
	assert.Equal(t, domain.Content{Text: "hello"}, d.Content())
}
