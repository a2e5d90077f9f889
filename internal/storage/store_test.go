package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postbot/internal/domain"
	logx "postbot/pkg/logx"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := Open(context.Background(), Config{Driver: "sqlite", Path: ":memory:"}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": sqlite,
	}
}

func eachStore(t *testing.T, fn func(t *testing.T, st Store)) {
	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) { fn(t, st) })
	}
}

func seedOwner(t *testing.T, st Store, userID int64) domain.Channel {
	t.Helper()
	ctx := context.Background()
	_, err := st.UpsertUser(ctx, domain.User{ID: userID, Username: "owner", FullName: "Owner"})
	require.NoError(t, err)
	ch, err := st.AddChannel(ctx, domain.Channel{UserID: userID, ExternalID: -100 - userID, Title: "News"}, 0)
	require.NoError(t, err)
	return ch
}

func newPost(userID, channelID int64, fireAt time.Time) domain.Post {
	return domain.Post{
		UserID:    userID,
		ChannelID: channelID,
		Content:   domain.Content{Text: "hello"},
		FireAt:    fireAt,
	}
}

func TestPostLifecycle(t *testing.T) {
	eachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		ch := seedOwner(t, st, 1)
		fireAt := time.Now().Add(time.Hour).Truncate(time.Millisecond)

		id, err := st.CreatePost(ctx, newPost(1, ch.ID, fireAt))
		require.NoError(t, err)

		p, err := st.GetPost(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.StateScheduled, p.State)
		assert.True(t, p.FireAt.Equal(fireAt))
		assert.False(t, p.Attempted())

		require.NoError(t, st.MarkAttempted(ctx, id, time.Now()))
		assert.ErrorIs(t, st.MarkAttempted(ctx, id, time.Now()), domain.ErrInvalidTransition)

		publishedAt := time.Now()
		require.NoError(t, st.MarkPublished(ctx, id, publishedAt))
		assert.ErrorIs(t, st.MarkFailed(ctx, id, "late"), domain.ErrInvalidTransition)
		assert.ErrorIs(t, st.MarkPublished(ctx, id, publishedAt), domain.ErrInvalidTransition)
		assert.ErrorIs(t, st.CancelPost(ctx, id), domain.ErrInvalidTransition)

		p, err = st.GetPost(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.StatePublished, p.State)
		assert.False(t, p.PublishedAt.IsZero())
		assert.Empty(t, p.Error)
	})
}

func TestFailedCarriesDetail(t *testing.T) {
	eachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		ch := seedOwner(t, st, 1)
		id, err := st.CreatePost(ctx, newPost(1, ch.ID, time.Now()))
		require.NoError(t, err)

		require.NoError(t, st.MarkFailed(ctx, id, "forbidden: bot is not an admin"))
		p, err := st.GetPost(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.StateFailed, p.State)
		assert.Equal(t, "forbidden: bot is not an admin", p.Error)
		assert.True(t, p.PublishedAt.IsZero())
	})
}

func TestMissingPost(t *testing.T) {
	eachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		_, err := st.GetPost(ctx, 404)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		assert.ErrorIs(t, st.MarkPublished(ctx, 404, time.Now()), domain.ErrNotFound)
		assert.ErrorIs(t, st.CancelPost(ctx, 404), domain.ErrNotFound)
	})
}

func TestCancelRefusesAttemptedPost(t *testing.T) {
	eachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		ch := seedOwner(t, st, 1)
		id, err := st.CreatePost(ctx, newPost(1, ch.ID, time.Now()))
		require.NoError(t, err)

		require.NoError(t, st.MarkAttempted(ctx, id, time.Now()))
		assert.ErrorIs(t, st.CancelPost(ctx, id), domain.ErrInvalidTransition)
		require.NoError(t, st.MarkPublished(ctx, id, time.Now()))
	})
}

func TestListPendingIncludesOverdue(t *testing.T) {
	eachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		ch := seedOwner(t, st, 1)
		now := time.Now()

		future, err := st.CreatePost(ctx, newPost(1, ch.ID, now.Add(time.Hour)))
		require.NoError(t, err)
		past, err := st.CreatePost(ctx, newPost(1, ch.ID, now.Add(-5*time.Minute)))
		require.NoError(t, err)
		done, err := st.CreatePost(ctx, newPost(1, ch.ID, now.Add(-time.Hour)))
		require.NoError(t, err)
		require.NoError(t, st.CancelPost(ctx, done))

		pending, err := st.ListPending(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, past, pending[0].ID)
		assert.Equal(t, future, pending[1].ID)
	})
}

func TestCreatePostWithinLimit(t *testing.T) {
	eachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		ch := seedOwner(t, st, 1)
		since := time.Now().Add(-time.Hour)

		var ids []domain.PostID
		for i := 1; i <= 3; i++ {
			id, used, err := st.CreatePostWithinLimit(ctx, newPost(1, ch.ID, time.Now().Add(time.Hour)), since, 3)
			require.NoError(t, err)
			assert.Equal(t, i, used)
			ids = append(ids, id)
		}

		_, used, err := st.CreatePostWithinLimit(ctx, newPost(1, ch.ID, time.Now().Add(time.Hour)), since, 3)
		assert.ErrorIs(t, err, domain.ErrQuotaExceeded)
		assert.Equal(t, 3, used)

		require.NoError(t, st.CancelPost(ctx, ids[0]))
		_, _, err = st.CreatePostWithinLimit(ctx, newPost(1, ch.ID, time.Now().Add(time.Hour)), since, 3)
		assert.ErrorIs(t, err, domain.ErrQuotaExceeded)

		_, _, err = st.CreatePostWithinLimit(ctx, newPost(99, ch.ID, time.Now()), since, 3)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestCreatePostWithinLimitConcurrent(t *testing.T) {
	eachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		ch := seedOwner(t, st, 1)
		since := time.Now().Add(-time.Hour)

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			accepted int
		)
		for i := 0; i < 12; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _, err := st.CreatePostWithinLimit(ctx, newPost(1, ch.ID, time.Now().Add(time.Hour)), since, 3)
				if err == nil {
					mu.Lock()
					accepted++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 3, accepted)
		n, err := st.CountPostsSince(ctx, 1, since)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	})
}

func TestCountPostsSinceCountsEveryState(t *testing.T) {
	eachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		ch := seedOwner(t, st, 1)
		since := time.Now().Add(-time.Minute)

		ids := make([]domain.PostID, 4)
		for i := range ids {
			id, err := st.CreatePost(ctx, newPost(1, ch.ID, time.Now().Add(time.Hour)))
			require.NoError(t, err)
			ids[i] = id
		}
		require.NoError(t, st.CancelPost(ctx, ids[0]))
		require.NoError(t, st.MarkFailed(ctx, ids[1], "forbidden: bot was kicked"))
		require.NoError(t, st.MarkAttempted(ctx, ids[2], time.Now()))
		require.NoError(t, st.MarkPublished(ctx, ids[2], time.Now()))

		n, err := st.CountPostsSince(ctx, 1, since)
		require.NoError(t, err)
		assert.Equal(t, 4, n)

		n, err = st.CountPostsSince(ctx, 1, time.Now().Add(time.Minute))
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestListPostsByUserFilter(t *testing.T) {
	eachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		ch := seedOwner(t, st, 1)
		other := seedOwner(t, st, 2)

		a, _ := st.CreatePost(ctx, newPost(1, ch.ID, time.Now().Add(time.Hour)))
		b, _ := st.CreatePost(ctx, newPost(1, ch.ID, time.Now().Add(2*time.Hour)))
		_, _ = st.CreatePost(ctx, newPost(2, other.ID, time.Now().Add(time.Hour)))
		require.NoError(t, st.MarkFailed(ctx, b, "rejected: too long"))

		all, err := st.ListPostsByUser(ctx, 1, PostFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 2)

		failed, err := st.ListPostsByUser(ctx, 1, PostFilter{States: []domain.PostState{domain.StateFailed}})
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Equal(t, b, failed[0].ID)

		limited, err := st.ListPostsByUser(ctx, 1, PostFilter{Limit: 1})
		require.NoError(t, err)
		require.Len(t, limited, 1)
		assert.Equal(t, a, limited[0].ID)
	})
}

func TestAddChannelRules(t *testing.T) {
	eachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		for _, id := range []int64{1, 2} {
			_, err := st.UpsertUser(ctx, domain.User{ID: id})
			require.NoError(t, err)
		}

		ch, err := st.AddChannel(ctx, domain.Channel{UserID: 1, ExternalID: -1001, Title: "A"}, 1)
		require.NoError(t, err)
		assert.True(t, ch.Active)

		again, err := st.AddChannel(ctx, domain.Channel{UserID: 1, ExternalID: -1001, Title: "A"}, 1)
		require.NoError(t, err)
		assert.Equal(t, ch.ID, again.ID)

		_, err = st.AddChannel(ctx, domain.Channel{UserID: 1, ExternalID: -1002, Title: "B"}, 1)
		assert.ErrorIs(t, err, domain.ErrChannelLimit)

		_, err = st.AddChannel(ctx, domain.Channel{UserID: 2, ExternalID: -1001, Title: "A"}, 1)
		assert.ErrorIs(t, err, domain.ErrChannelTaken)

		require.NoError(t, st.DeactivateChannel(ctx, ch.ID))
		n, err := st.CountActiveChannels(ctx, 1)
		require.NoError(t, err)
		assert.Zero(t, n)

		reactivated, err := st.AddChannel(ctx, domain.Channel{UserID: 1, ExternalID: -1001, Title: "A2"}, 1)
		require.NoError(t, err)
		assert.Equal(t, ch.ID, reactivated.ID)
		assert.Equal(t, "A2", reactivated.Title)

		list, err := st.ListChannels(ctx, 1)
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})
}

func TestCancelPendingForChannel(t *testing.T) {
	eachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		ch := seedOwner(t, st, 1)

		a, _ := st.CreatePost(ctx, newPost(1, ch.ID, time.Now().Add(time.Hour)))
		b, _ := st.CreatePost(ctx, newPost(1, ch.ID, time.Now().Add(time.Hour)))
		inFlight, _ := st.CreatePost(ctx, newPost(1, ch.ID, time.Now()))
		require.NoError(t, st.MarkAttempted(ctx, inFlight, time.Now()))

		ids, err := st.CancelPendingForChannel(ctx, ch.ID)
		require.NoError(t, err)
		assert.ElementsMatch(t, []domain.PostID{a, b}, ids)

		p, err := st.GetPost(ctx, inFlight)
		require.NoError(t, err)
		assert.Equal(t, domain.StateScheduled, p.State)
	})
}

func TestUsersAndTiers(t *testing.T) {
	eachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		u, err := st.UpsertUser(ctx, domain.User{ID: 7, Username: "ann"})
		require.NoError(t, err)
		assert.Equal(t, domain.DefaultTier, u.Tier)

		require.NoError(t, st.SetUserTier(ctx, 7, "vip"))
		u, err = st.UpsertUser(ctx, domain.User{ID: 7, Username: "ann2", IsAdmin: true})
		require.NoError(t, err)
		assert.Equal(t, "vip", u.Tier)
		assert.Equal(t, "ann2", u.Username)
		assert.True(t, u.IsAdmin)

		assert.ErrorIs(t, st.SetUserTier(ctx, 7, "platinum"), domain.ErrNotFound)
		assert.ErrorIs(t, st.SetUserTier(ctx, 8, "vip"), domain.ErrNotFound)

		tiers, err := st.ListTiers(ctx)
		require.NoError(t, err)
		require.Len(t, tiers, 3)
		assert.Equal(t, "free", tiers[0].Name)
		assert.Equal(t, 3, tiers[0].PostsPerDay)
		assert.Equal(t, 12, tiers[2].PostsPerDay)

		users, err := st.ListUsers(ctx, 10)
		require.NoError(t, err)
		assert.Len(t, users, 1)
	})
}

func TestStats(t *testing.T) {
	eachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		ch := seedOwner(t, st, 1)
		a, _ := st.CreatePost(ctx, newPost(1, ch.ID, time.Now()))
		_, _ = st.CreatePost(ctx, newPost(1, ch.ID, time.Now()))
		require.NoError(t, st.MarkPublished(ctx, a, time.Now()))

		s, err := st.Stats(ctx, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, s.Users)
		assert.Equal(t, 1, s.Channels)
		assert.Equal(t, 2, s.PostsToday)
		assert.Equal(t, 1, s.PostsByState[domain.StatePublished])
		assert.Equal(t, 1, s.PostsByState[domain.StateScheduled])
	})
}
