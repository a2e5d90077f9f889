package storage

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"postbot/internal/domain"
)

// memoryStore keeps everything in maps behind one mutex. It honours the
// same conditional-update contract as the SQL store.
type memoryStore struct {
	mu sync.Mutex

	users    map[int64]domain.User
	tiers    map[string]domain.Tier
	channels map[int64]domain.Channel
	posts    map[domain.PostID]domain.Post

	nextChannel int64
	nextPost    domain.PostID
	now         func() time.Time
}

// NewMemory returns an empty in-memory store seeded with DefaultTiers.
func NewMemory() Store { return newMemoryStore() }

func newMemoryStore() *memoryStore {
	m := &memoryStore{
		users:    map[int64]domain.User{},
		tiers:    map[string]domain.Tier{},
		channels: map[int64]domain.Channel{},
		posts:    map[domain.PostID]domain.Post{},
		now:      time.Now,
	}
	for _, t := range DefaultTiers() {
		m.tiers[t.Name] = t
	}
	return m
}

func (m *memoryStore) Ping(context.Context) error { return nil }
func (m *memoryStore) Close() error               { return nil }

func (m *memoryStore) stamp() time.Time { return fromMillis(toMillis(m.now())) }

func (m *memoryStore) UpsertUser(_ context.Context, u domain.User) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.users[u.ID]; ok {
		cur.Username, cur.FullName, cur.IsAdmin = u.Username, u.FullName, u.IsAdmin
		m.users[u.ID] = cur
		return cur, nil
	}
	if u.Tier == "" {
		u.Tier = domain.DefaultTier
	}
	u.CreatedAt = m.stamp()
	m.users[u.ID] = u
	return u, nil
}

func (m *memoryStore) GetUser(_ context.Context, id int64) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return domain.User{}, fmt.Errorf("user %d: %w", id, domain.ErrNotFound)
	}
	return u, nil
}

func (m *memoryStore) ListUsers(_ context.Context, limit int) ([]domain.User, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.Lock()
	out := make([]domain.User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryStore) SetUserTier(_ context.Context, id int64, tier string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tiers[tier]; !ok {
		return fmt.Errorf("tier %q: %w", tier, domain.ErrNotFound)
	}
	u, ok := m.users[id]
	if !ok {
		return fmt.Errorf("user %d: %w", id, domain.ErrNotFound)
	}
	u.Tier = tier
	m.users[id] = u
	return nil
}

func (m *memoryStore) ListTiers(context.Context) ([]domain.Tier, error) {
	m.mu.Lock()
	out := make([]domain.Tier, 0, len(m.tiers))
	for _, t := range m.tiers {
		out = append(out, t)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].PriceCents != out[j].PriceCents {
			return out[i].PriceCents < out[j].PriceCents
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (m *memoryStore) GetTier(_ context.Context, name string) (domain.Tier, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tiers[name]
	if !ok {
		return domain.Tier{}, fmt.Errorf("tier %q: %w", name, domain.ErrNotFound)
	}
	return t, nil
}

func (m *memoryStore) AddChannel(_ context.Context, ch domain.Channel, maxActive int) (domain.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var existing *domain.Channel
	for _, c := range m.channels {
		if c.ExternalID == ch.ExternalID {
			c := c
			existing = &c
			break
		}
	}
	if existing != nil && existing.Active {
		if existing.UserID != ch.UserID {
			return domain.Channel{}, domain.ErrChannelTaken
		}
		return *existing, nil
	}
	if maxActive > 0 && m.activeChannelsLocked(ch.UserID) >= maxActive {
		return domain.Channel{}, domain.ErrChannelLimit
	}

	if existing != nil {
		ch.ID = existing.ID
	} else {
		m.nextChannel++
		ch.ID = m.nextChannel
	}
	ch.AddedAt = m.stamp()
	ch.Active = true
	m.channels[ch.ID] = ch
	return ch, nil
}

func (m *memoryStore) activeChannelsLocked(userID int64) int {
	n := 0
	for _, c := range m.channels {
		if c.UserID == userID && c.Active {
			n++
		}
	}
	return n
}

func (m *memoryStore) GetChannel(_ context.Context, id int64) (domain.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.channels[id]
	if !ok {
		return domain.Channel{}, fmt.Errorf("channel %d: %w", id, domain.ErrNotFound)
	}
	return c, nil
}

func (m *memoryStore) ListChannels(_ context.Context, userID int64) ([]domain.Channel, error) {
	m.mu.Lock()
	out := make([]domain.Channel, 0)
	for _, c := range m.channels {
		if c.UserID == userID && c.Active {
			out = append(out, c)
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memoryStore) CountActiveChannels(_ context.Context, userID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeChannelsLocked(userID), nil
}

func (m *memoryStore) DeactivateChannel(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.channels[id]
	if !ok {
		return fmt.Errorf("channel %d: %w", id, domain.ErrNotFound)
	}
	c.Active = false
	m.channels[id] = c
	return nil
}

func (m *memoryStore) insertLocked(p domain.Post) domain.PostID {
	m.nextPost++
	p.ID = m.nextPost
	p.State = domain.StateScheduled
	if p.CreatedAt.IsZero() {
		p.CreatedAt = m.stamp()
	}
	p.FireAt = fromMillis(toMillis(p.FireAt))
	p.AttemptedAt, p.PublishedAt, p.Error = time.Time{}, time.Time{}, ""
	m.posts[p.ID] = p
	return p.ID
}

func (m *memoryStore) CreatePost(_ context.Context, p domain.Post) (domain.PostID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(p), nil
}

func (m *memoryStore) CreatePostWithinLimit(_ context.Context, p domain.Post, since time.Time, limit int) (domain.PostID, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[p.UserID]; !ok {
		return 0, 0, fmt.Errorf("user %d: %w", p.UserID, domain.ErrNotFound)
	}
	used := m.countSinceLocked(p.UserID, since)
	if used >= limit {
		return 0, used, domain.ErrQuotaExceeded
	}
	return m.insertLocked(p), used + 1, nil
}

func (m *memoryStore) countSinceLocked(userID int64, since time.Time) int {
	n := 0
	for _, p := range m.posts {
		if p.UserID == userID && !p.CreatedAt.Before(since) {
			n++
		}
	}
	return n
}

func (m *memoryStore) GetPost(_ context.Context, id domain.PostID) (domain.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[id]
	if !ok {
		return domain.Post{}, fmt.Errorf("post %d: %w", id, domain.ErrNotFound)
	}
	return p, nil
}

func sortByFireTime(ps []domain.Post) {
	sort.Slice(ps, func(i, j int) bool {
		if !ps[i].FireAt.Equal(ps[j].FireAt) {
			return ps[i].FireAt.Before(ps[j].FireAt)
		}
		return ps[i].ID < ps[j].ID
	})
}

func (m *memoryStore) ListPending(context.Context) ([]domain.Post, error) {
	m.mu.Lock()
	out := make([]domain.Post, 0)
	for _, p := range m.posts {
		if p.State == domain.StateScheduled {
			out = append(out, p)
		}
	}
	m.mu.Unlock()
	sortByFireTime(out)
	return out, nil
}

func (m *memoryStore) ListPostsByUser(_ context.Context, userID int64, f PostFilter) ([]domain.Post, error) {
	m.mu.Lock()
	out := make([]domain.Post, 0)
	for _, p := range m.posts {
		if p.UserID != userID {
			continue
		}
		if len(f.States) > 0 && !slices.Contains(f.States, p.State) {
			continue
		}
		out = append(out, p)
	}
	m.mu.Unlock()
	sortByFireTime(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// CountPostsSince counts every state, cancelled and failed included.
func (m *memoryStore) CountPostsSince(_ context.Context, userID int64, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countSinceLocked(userID, since), nil
}

func (m *memoryStore) transition(op string, id domain.PostID, allow func(domain.Post) bool, apply func(*domain.Post)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[id]
	if !ok {
		return fmt.Errorf("post %d: %w", id, domain.ErrNotFound)
	}
	if p.State != domain.StateScheduled || (allow != nil && !allow(p)) {
		return fmt.Errorf("%s post %d: %w", op, id, domain.ErrInvalidTransition)
	}
	apply(&p)
	m.posts[id] = p
	return nil
}

func notAttempted(p domain.Post) bool { return !p.Attempted() }

func (m *memoryStore) MarkAttempted(_ context.Context, id domain.PostID, at time.Time) error {
	return m.transition("attempt", id, notAttempted, func(p *domain.Post) {
		p.AttemptedAt = fromMillis(toMillis(at))
	})
}

func (m *memoryStore) MarkPublished(_ context.Context, id domain.PostID, at time.Time) error {
	return m.transition("publish", id, nil, func(p *domain.Post) {
		p.State = domain.StatePublished
		p.PublishedAt = fromMillis(toMillis(at))
	})
}

func (m *memoryStore) MarkFailed(_ context.Context, id domain.PostID, detail string) error {
	if strings.TrimSpace(detail) == "" {
		detail = "unknown error"
	}
	return m.transition("fail", id, nil, func(p *domain.Post) {
		p.State = domain.StateFailed
		p.Error = detail
	})
}

func (m *memoryStore) CancelPost(_ context.Context, id domain.PostID) error {
	return m.transition("cancel", id, notAttempted, func(p *domain.Post) {
		p.State = domain.StateCancelled
	})
}

func (m *memoryStore) CancelPendingForChannel(_ context.Context, channelID int64) ([]domain.PostID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []domain.PostID
	for id, p := range m.posts {
		if p.ChannelID == channelID && p.State == domain.StateScheduled && !p.Attempted() {
			p.State = domain.StateCancelled
			m.posts[id] = p
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (m *memoryStore) Stats(_ context.Context, since time.Time) (domain.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := domain.Stats{
		Users:        len(m.users),
		PostsByState: map[domain.PostState]int{},
	}
	for _, c := range m.channels {
		if c.Active {
			st.Channels++
		}
	}
	for _, p := range m.posts {
		st.PostsByState[p.State]++
		if !p.CreatedAt.Before(since) {
			st.PostsToday++
		}
	}
	return st, nil
}
