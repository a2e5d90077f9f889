package quota

import (
	"context"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postbot/internal/domain"
	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

type fixture struct {
	store   storage.Store
	ledger  *Ledger
	channel domain.Channel
	now     time.Time
	mu      sync.Mutex
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newFixture(t *testing.T, tier string) *fixture {
	t.Helper()
	ctx := context.Background()
	loc, err := time.LoadLocation("Europe/Moscow")
	require.NoError(t, err)

	f := &fixture{
		store: storage.NewMemory(),
		now:   time.Date(2026, 3, 10, 12, 0, 0, 0, loc),
	}
	f.ledger = New(f.store, loc, logx.Nop(), WithClock(f.clock))

	_, err = f.store.UpsertUser(ctx, domain.User{ID: 1, Username: "a"})
	require.NoError(t, err)
	if tier != "" {
		require.NoError(t, f.store.SetUserTier(ctx, 1, tier))
	}
	f.channel, err = f.store.AddChannel(ctx, domain.Channel{UserID: 1, ExternalID: -1001}, 0)
	require.NoError(t, err)
	return f
}

func (f *fixture) post() domain.Post {
	return domain.Post{UserID: 1, ChannelID: f.channel.ID, Content: domain.Content{Text: "x"}, FireAt: f.clock().Add(time.Hour)}
}

func TestAdmitEnforcesDailyLimit(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		_, usage, err := f.ledger.Admit(ctx, f.post())
		require.NoError(t, err)
		assert.Equal(t, i, usage.Used)
	}

	ok, usage, err := f.ledger.CanCreatePost(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, domain.Usage{Tier: "free", Used: 3, Limit: 3}, usage)

	_, _, err = f.ledger.Admit(ctx, f.post())
	require.ErrorIs(t, err, domain.ErrQuotaExceeded)
	var qe *domain.QuotaExceededError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, 3, qe.Usage.Used)
}

func TestQuotaResetsAtLocalMidnight(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, _, err := f.ledger.Admit(ctx, f.post())
		require.NoError(t, err)
	}

	// 12:00 -> 23:59 Moscow time is still the same day.
	f.advance(11*time.Hour + 59*time.Minute)
	ok, _, err := f.ledger.CanCreatePost(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	f.advance(2 * time.Minute)
	ok, usage, err := f.ledger.CanCreatePost(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, usage.Used)
}

func TestTierLimits(t *testing.T) {
	tests := []struct {
		tier  string
		limit int
	}{
		{"free", 3},
		{"standard", 6},
		{"vip", 12},
	}
	for _, tt := range tests {
		t.Run(tt.tier, func(t *testing.T) {
			f := newFixture(t, tt.tier)
			ok, usage, err := f.ledger.CanCreatePost(context.Background(), 1)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, tt.limit, usage.Limit)
		})
	}
}

func TestUnknownUser(t *testing.T) {
	f := newFixture(t, "")
	_, _, err := f.ledger.CanCreatePost(context.Background(), 42)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	p := f.post()
	p.UserID = 42
	_, _, err = f.ledger.Admit(context.Background(), p)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAdmitConcurrent(t *testing.T) {
	f := newFixture(t, "standard")
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		rejected int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := f.ledger.Admit(ctx, f.post())
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				accepted++
			} else if assert.ErrorIs(t, err, domain.ErrQuotaExceeded) {
				rejected++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 6, accepted)
	assert.Equal(t, 14, rejected)
	assert.Zero(t, f.ledger.locks.size())
}
