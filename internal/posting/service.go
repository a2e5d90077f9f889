// Package posting is the entry point for everything a user can do with
// scheduled posts: create, cancel and list them, plus the account and
// channel operations the bot needs around that.
//
// Initialize must run before requests are accepted. It reloads scheduled
// posts from the store and starts the dispatch engine and the timeline.
package posting

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"postbot/internal/domain"
	"postbot/internal/eventbus"
	"postbot/internal/quota"
	"postbot/internal/recovery"
	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

// Scheduler is the in-memory timeline.
type Scheduler interface {
	Register(id domain.PostID, fireAt time.Time)
	Cancel(id domain.PostID) bool
	Pending() int
	Start(ctx context.Context)
	Stop(ctx context.Context) error
}

// Runner is a component with a start/stop lifecycle, such as the dispatch
// engine.
type Runner interface {
	Start(ctx context.Context)
	Stop(ctx context.Context) error
}

type Config struct {
	// ListLimit caps ListPosts results. Zero means 50.
	ListLimit int
	// MinLead is how far in the future a new post must fire.
	MinLead time.Duration
}

type Deps struct {
	Store     storage.Store
	Ledger    *quota.Ledger
	Scheduler Scheduler
	Engine    Runner
	Bus       eventbus.Bus
	Location  *time.Location
	Logger    logx.Logger
	Now       func() time.Time
}

type gateState int

const (
	gateClosed gateState = iota
	gateOpen
	gateShut
)

type Service struct {
	cfg    Config
	store  storage.Store
	ledger *quota.Ledger
	sched  Scheduler
	engine Runner
	bus    eventbus.Bus
	loc    *time.Location
	log    logx.Logger
	now    func() time.Time

	// gate is held for reading by every request and for writing by
	// Initialize and Shutdown.
	gate  sync.RWMutex
	state gateState

	amu    sync.RWMutex
	admins map[int64]struct{}
}

func New(cfg Config, d Deps) *Service {
	if cfg.ListLimit <= 0 {
		cfg.ListLimit = 50
	}
	if d.Location == nil {
		d.Location = time.UTC
	}
	if d.Logger.IsZero() {
		d.Logger = logx.Nop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Service{
		cfg:    cfg,
		store:  d.Store,
		ledger: d.Ledger,
		sched:  d.Scheduler,
		engine: d.Engine,
		bus:    d.Bus,
		loc:    d.Location,
		log:    d.Logger.With(logx.String("comp", "posting")),
		now:    d.Now,
		admins: map[int64]struct{}{},
	}
}

// Initialize runs recovery, starts the engine and the timeline, then opens
// the request gate. Calling it twice is a no-op.
func (s *Service) Initialize(ctx context.Context) error {
	s.gate.Lock()
	defer s.gate.Unlock()
	switch s.state {
	case gateOpen:
		return nil
	case gateShut:
		return fmt.Errorf("posting: initialize after shutdown: %w", domain.ErrNotReady)
	}

	if _, err := recovery.Run(ctx, s.store, s.sched, s.now(), s.log); err != nil {
		return err
	}
	runCtx := context.WithoutCancel(ctx)
	if s.engine != nil {
		s.engine.Start(runCtx)
	}
	s.sched.Start(runCtx)
	s.state = gateOpen
	s.log.Info("posting ready", logx.Int("pending", s.sched.Pending()))
	return nil
}

// Shutdown refuses new requests, stops the timeline and waits for running
// executions until ctx expires.
func (s *Service) Shutdown(ctx context.Context) error {
	s.gate.Lock()
	was := s.state
	s.state = gateShut
	s.gate.Unlock()
	if was != gateOpen {
		return nil
	}

	var errs []error
	if err := s.sched.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("scheduler: %w", err))
	}
	if s.engine != nil {
		if err := s.engine.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("engine: %w", err))
		}
	}
	s.log.Info("posting stopped")
	return errors.Join(errs...)
}

func (s *Service) Ready() bool {
	s.gate.RLock()
	defer s.gate.RUnlock()
	return s.state == gateOpen
}

// Pending is the number of posts waiting on the timeline.
func (s *Service) Pending() int { return s.sched.Pending() }

// enter holds the gate open for the duration of one request.
func (s *Service) enter() (func(), error) {
	s.gate.RLock()
	if s.state != gateOpen {
		s.gate.RUnlock()
		return nil, domain.ErrNotReady
	}
	return s.gate.RUnlock, nil
}

// SetAdmins replaces the admin id set.
func (s *Service) SetAdmins(ids []int64) {
	m := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	s.amu.Lock()
	s.admins = m
	s.amu.Unlock()
}

func (s *Service) IsAdmin(userID int64) bool {
	s.amu.RLock()
	defer s.amu.RUnlock()
	_, ok := s.admins[userID]
	return ok
}

// Location is the timezone quota days and user-facing times use.
func (s *Service) Location() *time.Location { return s.loc }

// RequestCreate validates the request, admits it against today's quota and
// registers the new post with the timeline.
func (s *Service) RequestCreate(ctx context.Context, userID, channelID int64, content domain.Content, fireAt time.Time) (domain.PostID, error) {
	leave, err := s.enter()
	if err != nil {
		return 0, err
	}
	defer leave()

	if content.Empty() {
		return 0, domain.ErrEmptyContent
	}
	if !content.MediaKind.Valid() || (content.MediaKind == domain.MediaNone) != (content.MediaRef == "") {
		return 0, fmt.Errorf("media %q without matching reference: %w", content.MediaKind, domain.ErrEmptyContent)
	}
	if err := content.CheckLength(); err != nil {
		return 0, err
	}
	if !fireAt.After(s.now().Add(s.cfg.MinLead)) {
		return 0, domain.ErrFireTimeInPast
	}
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return 0, err
	}
	ch, err := s.store.GetChannel(ctx, channelID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return 0, domain.ErrInvalidChannel
	case err != nil:
		return 0, err
	case ch.UserID != userID || !ch.Active:
		return 0, domain.ErrInvalidChannel
	}

	id, usage, err := s.ledger.Admit(ctx, domain.Post{
		UserID:    userID,
		ChannelID: ch.ID,
		Content:   content,
		FireAt:    fireAt,
		CreatedAt: s.now(),
	})
	if err != nil {
		return 0, err
	}
	s.sched.Register(id, fireAt)

	s.log.Info("post created",
		logx.Int64("post", int64(id)),
		logx.Int64("user", userID),
		logx.Int64("channel", ch.ID),
		logx.Time("fire_at", fireAt),
		logx.Int("used", usage.Used),
		logx.Int("limit", usage.Limit),
	)
	s.publish(eventbus.PostCreated, id)
	return id, nil
}

// RequestCancel cancels a scheduled post. Owners may cancel their own
// posts, admins any post.
func (s *Service) RequestCancel(ctx context.Context, userID int64, id domain.PostID) error {
	leave, err := s.enter()
	if err != nil {
		return err
	}
	defer leave()

	p, err := s.store.GetPost(ctx, id)
	if err != nil {
		return err
	}
	if p.UserID != userID && !s.IsAdmin(userID) {
		return domain.ErrNotOwner
	}
	if p.State.Terminal() || p.Attempted() {
		return domain.ErrAlreadyTerminal
	}
	if err := s.store.CancelPost(ctx, id); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			// fired or cancelled after our read
			return domain.ErrAlreadyTerminal
		}
		return err
	}
	s.sched.Cancel(id)

	s.log.Info("post cancelled", logx.Int64("post", int64(id)), logx.Int64("by", userID))
	s.publish(eventbus.PostCancelled, id)
	return nil
}

// ListPosts returns the user's posts ordered by fire time. No states
// means every state.
func (s *Service) ListPosts(ctx context.Context, userID int64, states ...domain.PostState) ([]domain.Post, error) {
	leave, err := s.enter()
	if err != nil {
		return nil, err
	}
	defer leave()

	return s.store.ListPostsByUser(ctx, userID, storage.PostFilter{States: states, Limit: s.cfg.ListLimit})
}

func (s *Service) publish(typ string, id domain.PostID) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: id})
}

// Plan summarizes a user's tier and today's usage.
type Plan struct {
	User     domain.User
	Tier     domain.Tier
	Usage    domain.Usage
	Channels int
}

// EnsureUser records the user on first contact and refreshes the profile
// afterwards. The admin flag follows the configured admin ids.
func (s *Service) EnsureUser(ctx context.Context, u domain.User) (domain.User, error) {
	u.IsAdmin = s.IsAdmin(u.ID)
	return s.store.UpsertUser(ctx, u)
}

func (s *Service) Plan(ctx context.Context, userID int64) (Plan, error) {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return Plan{}, err
	}
	t, err := s.store.GetTier(ctx, u.Tier)
	if err != nil {
		return Plan{}, err
	}
	_, usage, err := s.ledger.CanCreatePost(ctx, userID)
	if err != nil {
		return Plan{}, err
	}
	n, err := s.store.CountActiveChannels(ctx, userID)
	if err != nil {
		return Plan{}, err
	}
	return Plan{User: u, Tier: t, Usage: usage, Channels: n}, nil
}

// CanCreatePost is the advisory check the bot runs before opening a draft.
func (s *Service) CanCreatePost(ctx context.Context, userID int64) (bool, domain.Usage, error) {
	return s.ledger.CanCreatePost(ctx, userID)
}

func (s *Service) Tiers(ctx context.Context) ([]domain.Tier, error) {
	return s.store.ListTiers(ctx)
}

// AddChannel registers a channel the caller has already proven to
// administer. The tier's channel limit applies.
func (s *Service) AddChannel(ctx context.Context, userID int64, ch domain.Channel) (domain.Channel, error) {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return domain.Channel{}, err
	}
	t, err := s.store.GetTier(ctx, u.Tier)
	if err != nil {
		return domain.Channel{}, err
	}
	ch.UserID = userID
	out, err := s.store.AddChannel(ctx, ch, t.MaxChannels)
	if err != nil {
		return domain.Channel{}, err
	}
	s.log.Info("channel added", logx.Int64("user", userID), logx.Int64("channel", out.ID), logx.Int64("chat", out.ExternalID))
	return out, nil
}

// RemoveChannel deactivates the channel and cancels its scheduled posts.
// It returns the cancelled post ids.
func (s *Service) RemoveChannel(ctx context.Context, userID, channelID int64) ([]domain.PostID, error) {
	ch, err := s.store.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if ch.UserID != userID && !s.IsAdmin(userID) {
		return nil, domain.ErrNotOwner
	}
	if !ch.Active {
		return nil, domain.ErrInvalidChannel
	}
	if err := s.store.DeactivateChannel(ctx, ch.ID); err != nil {
		return nil, err
	}
	ids, err := s.store.CancelPendingForChannel(ctx, ch.ID)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		s.sched.Cancel(id)
		s.publish(eventbus.PostCancelled, id)
	}
	s.log.Info("channel removed", logx.Int64("user", userID), logx.Int64("channel", ch.ID), logx.Int("cancelled", len(ids)))
	return ids, nil
}

// Channels lists the user's active channels.
func (s *Service) Channels(ctx context.Context, userID int64) ([]domain.Channel, error) {
	all, err := s.store.ListChannels(ctx, userID)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(all, func(c domain.Channel) bool { return !c.Active }), nil
}

type Stats struct {
	domain.Stats
	Pending int
}

func (s *Service) Stats(ctx context.Context) (Stats, error) {
	st, err := s.store.Stats(ctx, s.ledger.DayStart())
	if err != nil {
		return Stats{}, err
	}
	return Stats{Stats: st, Pending: s.sched.Pending()}, nil
}

func (s *Service) Users(ctx context.Context, limit int) ([]domain.User, error) {
	return s.store.ListUsers(ctx, limit)
}

// SetTier moves a user to another tier. Only admins may call it.
func (s *Service) SetTier(ctx context.Context, actor, userID int64, tier string) error {
	if !s.IsAdmin(actor) {
		return domain.ErrForbidden
	}
	if _, err := s.store.GetTier(ctx, tier); err != nil {
		return err
	}
	if err := s.store.SetUserTier(ctx, userID, tier); err != nil {
		return err
	}
	s.log.Info("tier changed", logx.Int64("user", userID), logx.String("tier", tier), logx.Int64("by", actor))
	return nil
}
