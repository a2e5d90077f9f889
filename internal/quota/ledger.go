// Package quota decides whether a user may create another post today and
// serializes creation per user so the decision and the insert happen
// together.
package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"postbot/internal/domain"
	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

// Store is the subset of storage the ledger reads and writes.
type Store interface {
	GetUser(ctx context.Context, id int64) (domain.User, error)
	GetTier(ctx context.Context, name string) (domain.Tier, error)
	CountPostsSince(ctx context.Context, userID int64, since time.Time) (int, error)
	CreatePostWithinLimit(ctx context.Context, p domain.Post, since time.Time, limit int) (domain.PostID, int, error)
}

var _ Store = (storage.Store)(nil)

type Ledger struct {
	store Store
	loc   *time.Location
	log   logx.Logger
	now   func() time.Time

	locks keyedMutex
}

type Option func(*Ledger)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

func New(store Store, loc *time.Location, log logx.Logger, opts ...Option) *Ledger {
	if loc == nil {
		loc = time.UTC
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	l := &Ledger{
		store: store,
		loc:   loc,
		log:   log.With(logx.String("comp", "quota")),
		now:   time.Now,
		locks: keyedMutex{m: map[int64]*refMutex{}},
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// DayStart returns the start of the current calendar day in the ledger's
// timezone.
func (l *Ledger) DayStart() time.Time {
	now := l.now().In(l.loc)
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, l.loc)
}

func (l *Ledger) limitFor(ctx context.Context, userID int64) (domain.Tier, error) {
	u, err := l.store.GetUser(ctx, userID)
	if err != nil {
		return domain.Tier{}, err
	}
	t, err := l.store.GetTier(ctx, u.Tier)
	if err != nil {
		return domain.Tier{}, err
	}
	return t, nil
}

// Usage reports today's count against the user's tier limit.
func (l *Ledger) Usage(ctx context.Context, userID int64) (domain.Usage, error) {
	t, err := l.limitFor(ctx, userID)
	if err != nil {
		return domain.Usage{}, err
	}
	n, err := l.store.CountPostsSince(ctx, userID, l.DayStart())
	if err != nil {
		return domain.Usage{}, err
	}
	return domain.Usage{Tier: t.Name, Used: n, Limit: t.PostsPerDay}, nil
}

// CanCreatePost is a pure read. The answer is advisory; Admit is the
// authoritative check.
func (l *Ledger) CanCreatePost(ctx context.Context, userID int64) (bool, domain.Usage, error) {
	u, err := l.Usage(ctx, userID)
	if err != nil {
		return false, domain.Usage{}, err
	}
	return u.Used < u.Limit, u, nil
}

// Admit inserts p if the user still has quota left today. The per-user lock
// and the store transaction together keep concurrent requests from
// overshooting the limit.
func (l *Ledger) Admit(ctx context.Context, p domain.Post) (domain.PostID, domain.Usage, error) {
	unlock := l.locks.lock(p.UserID)
	defer unlock()

	t, err := l.limitFor(ctx, p.UserID)
	if err != nil {
		return 0, domain.Usage{}, err
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = l.now()
	}
	id, used, err := l.store.CreatePostWithinLimit(ctx, p, l.DayStart(), t.PostsPerDay)
	usage := domain.Usage{Tier: t.Name, Used: used, Limit: t.PostsPerDay}
	if errors.Is(err, domain.ErrQuotaExceeded) {
		l.log.Info("quota exceeded", logx.Int64("user", p.UserID), logx.Int("used", used), logx.Int("limit", t.PostsPerDay))
		return 0, usage, &domain.QuotaExceededError{Usage: usage}
	}
	if err != nil {
		return 0, usage, fmt.Errorf("quota: admit: %w", err)
	}
	return id, usage, nil
}

type refMutex struct {
	mu   sync.Mutex
	refs int
}

// keyedMutex hands out one mutex per user and forgets it once nobody holds
// or waits on it.
type keyedMutex struct {
	mu sync.Mutex
	m  map[int64]*refMutex
}

func (k *keyedMutex) lock(key int64) func() {
	k.mu.Lock()
	rm, ok := k.m[key]
	if !ok {
		rm = &refMutex{}
		k.m[key] = rm
	}
	rm.refs++
	k.mu.Unlock()

	rm.mu.Lock()
	return func() {
		rm.mu.Unlock()
		k.mu.Lock()
		rm.refs--
		if rm.refs == 0 {
			delete(k.m, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.m)
}
