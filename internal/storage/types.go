package storage

import (
	"context"
	"time"

	"postbot/internal/domain"
)

// Config configures storage.
//
// Driver values are "sqlite" (default), "postgres" and "memory".
type Config struct {
	Driver      string
	Path        string // sqlite file path, ":memory:" allowed
	DSN         string // postgres connection string
	BusyTimeout time.Duration
}

// PostFilter narrows ListPostsByUser. Empty States means every state.
type PostFilter struct {
	States []domain.PostState
	Limit  int
}

type UserStore interface {
	// UpsertUser inserts or refreshes profile fields. Tier is preserved for
	// existing users.
	UpsertUser(ctx context.Context, u domain.User) (domain.User, error)
	GetUser(ctx context.Context, id int64) (domain.User, error)
	ListUsers(ctx context.Context, limit int) ([]domain.User, error)
	SetUserTier(ctx context.Context, id int64, tier string) error
}

type TierStore interface {
	ListTiers(ctx context.Context) ([]domain.Tier, error)
	GetTier(ctx context.Context, name string) (domain.Tier, error)
}

type ChannelStore interface {
	// AddChannel registers ch for ch.UserID, reactivating an inactive row
	// with the same external id. maxActive <= 0 disables the limit check.
	AddChannel(ctx context.Context, ch domain.Channel, maxActive int) (domain.Channel, error)
	GetChannel(ctx context.Context, id int64) (domain.Channel, error)
	ListChannels(ctx context.Context, userID int64) ([]domain.Channel, error)
	CountActiveChannels(ctx context.Context, userID int64) (int, error)
	DeactivateChannel(ctx context.Context, id int64) error
}

type PostStore interface {
	CreatePost(ctx context.Context, p domain.Post) (domain.PostID, error)
	// CreatePostWithinLimit counts the user's posts created since `since`
	// and inserts p only when the count is below limit, in one transaction.
	// It returns the count including p, or domain.ErrQuotaExceeded with the
	// count that caused the rejection.
	CreatePostWithinLimit(ctx context.Context, p domain.Post, since time.Time, limit int) (domain.PostID, int, error)
	GetPost(ctx context.Context, id domain.PostID) (domain.Post, error)
	// ListPending returns every scheduled post ordered by fire time,
	// overdue or not.
	ListPending(ctx context.Context) ([]domain.Post, error)
	ListPostsByUser(ctx context.Context, userID int64, f PostFilter) ([]domain.Post, error)
	// CountPostsSince counts posts the user created at or after since, in
	// every state. Cancelled and failed posts keep their quota slot.
	CountPostsSince(ctx context.Context, userID int64, since time.Time) (int, error)

	MarkAttempted(ctx context.Context, id domain.PostID, at time.Time) error
	MarkPublished(ctx context.Context, id domain.PostID, at time.Time) error
	MarkFailed(ctx context.Context, id domain.PostID, detail string) error
	CancelPost(ctx context.Context, id domain.PostID) error
	// CancelPendingForChannel cancels every scheduled, unattempted post
	// targeting the channel and returns their ids.
	CancelPendingForChannel(ctx context.Context, channelID int64) ([]domain.PostID, error)
}

type Store interface {
	UserStore
	TierStore
	ChannelStore
	PostStore

	Stats(ctx context.Context, since time.Time) (domain.Stats, error)
	Ping(ctx context.Context) error
	Close() error
}

// DefaultTiers is the reference data seeded into every store.
func DefaultTiers() []domain.Tier {
	return []domain.Tier{
		{Name: "free", PriceCents: 0, MaxChannels: 1, PostsPerDay: 3, Description: "Free plan"},
		{Name: "standard", PriceCents: 500, MaxChannels: 2, PostsPerDay: 6, Description: "2 channels, 6 posts a day"},
		{Name: "vip", PriceCents: 800, MaxChannels: 3, PostsPerDay: 12, Description: "3 channels, 12 posts a day"},
	}
}
