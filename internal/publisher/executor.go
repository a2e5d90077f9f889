// Package publisher performs one publication attempt for a scheduled post
// and records the outcome.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"postbot/internal/domain"
	"postbot/internal/eventbus"
	kit "postbot/internal/transport"
	logx "postbot/pkg/logx"
)

// Deliverer sends content to a channel. Failures should be
// *domain.DeliveryError; anything else is treated as unreachable.
type Deliverer interface {
	Deliver(ctx context.Context, chatID int64, content domain.Content) error
}

// Store is the part of the post store the executor writes through.
type Store interface {
	GetPost(ctx context.Context, id domain.PostID) (domain.Post, error)
	GetChannel(ctx context.Context, id int64) (domain.Channel, error)
	MarkAttempted(ctx context.Context, id domain.PostID, at time.Time) error
	MarkPublished(ctx context.Context, id domain.PostID, at time.Time) error
	MarkFailed(ctx context.Context, id domain.PostID, detail string) error
}

type Notifier interface {
	Notify(ctx context.Context, n kit.Notification) error
}

type Config struct {
	DeliveryTimeout time.Duration
	// OutcomeTimeout bounds the outcome write. It runs detached from the
	// task context so a delivery cut short still gets recorded.
	OutcomeTimeout time.Duration
	StoreRetries   int
	RetryBase      time.Duration
	NotifyOwner    bool
}

func (c Config) withDefaults() Config {
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 30 * time.Second
	}
	if c.OutcomeTimeout <= 0 {
		c.OutcomeTimeout = 10 * time.Second
	}
	if c.StoreRetries <= 0 {
		c.StoreRetries = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 200 * time.Millisecond
	}
	return c
}

// retryBudget is the longest total backoff of one retried store call.
func (c Config) retryBudget() time.Duration {
	var total time.Duration
	delay := c.RetryBase
	for i := 1; i < c.StoreRetries; i++ {
		total += delay * 13 / 10
		delay *= 2
	}
	return total
}

// Budget is the worst-case duration of one Execute: three retried store
// reads and writes before delivery, the delivery and the outcome write.
// Task timeouts and shutdown waits must be longer.
func (c Config) Budget() time.Duration {
	c = c.withDefaults()
	return 3*c.retryBudget() + c.DeliveryTimeout + c.OutcomeTimeout
}

// Outcome is the Data of post.published and post.failed events.
type Outcome struct {
	PostID    domain.PostID
	UserID    int64
	ChannelID int64
	Detail    string
}

type Executor struct {
	store     Store
	deliverer Deliverer
	bus       eventbus.Bus
	notifier  Notifier
	log       logx.Logger
	now       func() time.Time

	mu  sync.RWMutex
	cfg Config
}

// New builds an executor. bus and notifier may be nil.
func New(cfg Config, store Store, deliverer Deliverer, bus eventbus.Bus, notifier Notifier, log logx.Logger) *Executor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Executor{
		store:     store,
		deliverer: deliverer,
		bus:       bus,
		notifier:  notifier,
		log:       log.With(logx.String("comp", "publisher")),
		now:       time.Now,
		cfg:       cfg.withDefaults(),
	}
}

// Apply swaps timeouts and retry counts for later executions.
func (e *Executor) Apply(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg.withDefaults()
	e.mu.Unlock()
}

func (e *Executor) config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Execute makes one delivery attempt for id. A post that is missing, no
// longer scheduled or already attempted is left alone. The returned error
// only reports store failures; delivery failures end up in the post row.
// Failures before the attempt marker is written wrap domain.ErrDeferred.
func (e *Executor) Execute(ctx context.Context, id domain.PostID) error {
	cfg := e.config()
	log := e.log.With(logx.Int64("post", int64(id)))

	var p domain.Post
	err := e.retry(ctx, cfg, "get post", func(ctx context.Context) error {
		var err error
		p, err = e.store.GetPost(ctx, id)
		return err
	})
	switch {
	case errors.Is(err, domain.ErrNotFound):
		log.Debug("post vanished before firing")
		return nil
	case err != nil:
		log.Error("load post failed", logx.Err(err))
		return fmt.Errorf("%w: %w", domain.ErrDeferred, err)
	case p.State != domain.StateScheduled || p.Attempted():
		log.Debug("post not eligible", logx.String("state", string(p.State)), logx.Bool("attempted", p.Attempted()))
		return nil
	}

	err = e.retry(ctx, cfg, "mark attempted", func(ctx context.Context) error {
		return e.store.MarkAttempted(ctx, id, e.now())
	})
	switch {
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrNotFound):
		// cancelled or claimed between the read and the write
		log.Debug("post claimed elsewhere", logx.Err(err))
		return nil
	case err != nil:
		log.Error("mark attempted failed; post left scheduled", logx.Err(err))
		return fmt.Errorf("%w: %w", domain.ErrDeferred, err)
	}

	start := e.now()
	derr := e.deliver(ctx, cfg, p)
	if derr == nil {
		log.Info("post published", logx.Int64("channel", p.ChannelID), logx.Duration("took", e.now().Sub(start)))
		return e.finish(ctx, cfg, log, p, "", func(ctx context.Context) error {
			return e.store.MarkPublished(ctx, id, e.now())
		})
	}

	detail := derr.Error()
	log.Warn("post delivery failed", logx.String("reason", string(derr.Reason)), logx.Err(derr.Err))
	return e.finish(ctx, cfg, log, p, detail, func(ctx context.Context) error {
		return e.store.MarkFailed(ctx, id, detail)
	})
}

func (e *Executor) deliver(ctx context.Context, cfg Config, p domain.Post) *domain.DeliveryError {
	var ch domain.Channel
	err := e.retry(ctx, cfg, "get channel", func(ctx context.Context) error {
		var err error
		ch, err = e.store.GetChannel(ctx, p.ChannelID)
		return err
	})
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return &domain.DeliveryError{Reason: domain.ReasonRejected, Err: domain.ErrInvalidChannel}
	case err != nil:
		return &domain.DeliveryError{Reason: domain.ReasonUnreachable, Err: err}
	case !ch.Active:
		return &domain.DeliveryError{Reason: domain.ReasonRejected, Err: fmt.Errorf("channel %d removed: %w", ch.ExternalID, domain.ErrInvalidChannel)}
	}

	dctx, cancel := context.WithTimeout(ctx, cfg.DeliveryTimeout)
	defer cancel()
	err = e.deliverer.Deliver(dctx, ch.ExternalID, p.Content)
	if err == nil {
		return nil
	}
	switch {
	case ctx.Err() != nil:
		return &domain.DeliveryError{Reason: domain.ReasonUnreachable, Err: fmt.Errorf("delivery interrupted: %w", ctx.Err())}
	case errors.Is(err, context.DeadlineExceeded) || dctx.Err() != nil:
		return &domain.DeliveryError{Reason: domain.ReasonUnreachable, Err: fmt.Errorf("delivery timed out after %s", cfg.DeliveryTimeout)}
	}
	return domain.AsDeliveryError(err)
}

// finish writes the outcome, then publishes the event and notifies the
// owner. An outcome lost to a race is not an error. The write survives
// cancellation of the task context.
func (e *Executor) finish(ctx context.Context, cfg Config, log logx.Logger, p domain.Post, detail string, write func(context.Context) error) error {
	state := domain.StatePublished
	if detail != "" {
		state = domain.StateFailed
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.OutcomeTimeout)
	defer cancel()
	err := e.retry(ctx, cfg, "record outcome", write)
	switch {
	case errors.Is(err, domain.ErrInvalidTransition):
		log.Debug("outcome already recorded", logx.String("state", string(state)))
		return nil
	case err != nil:
		log.Error("outcome not recorded; recovery will mark the post interrupted",
			logx.String("intended_state", string(state)), logx.Err(err))
		return err
	}

	if e.bus != nil {
		typ := eventbus.PostPublished
		if state == domain.StateFailed {
			typ = eventbus.PostFailed
		}
		e.bus.Publish(eventbus.Event{Type: typ, Time: e.now(), Data: Outcome{PostID: p.ID, UserID: p.UserID, ChannelID: p.ChannelID, Detail: detail}})
	}
	if e.notifier != nil && cfg.NotifyOwner {
		if err := e.notifier.Notify(ctx, kit.Notification{Target: kit.ChatTarget{ChatID: p.UserID}, Text: outcomeText(p, detail)}); err != nil {
			log.Debug("owner notification not queued", logx.Err(err))
		}
	}
	return nil
}

func outcomeText(p domain.Post, detail string) string {
	if detail == "" {
		return fmt.Sprintf("Post #%d has been published.", p.ID)
	}
	return fmt.Sprintf("Post #%d could not be published (%s).", p.ID, detail)
}

// retry runs fn up to StoreRetries times while it fails with domain.ErrStore.
// Domain outcomes such as ErrNotFound return at once.
func (e *Executor) retry(ctx context.Context, cfg Config, op string, fn func(context.Context) error) error {
	delay := cfg.RetryBase
	var err error
	for attempt := 1; attempt <= cfg.StoreRetries; attempt++ {
		err = fn(ctx)
		if err == nil || !errors.Is(err, domain.ErrStore) {
			return err
		}
		if attempt == cfg.StoreRetries {
			break
		}
		wait := time.Duration(float64(delay) * (0.7 + rand.Float64()*0.6))
		e.log.Debug("store call failed; retrying", logx.String("op", op), logx.Int("attempt", attempt), logx.Duration("backoff", wait), logx.Err(err))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("%s: %w", op, errors.Join(err, ctx.Err()))
		case <-t.C:
		}
		delay *= 2
	}
	return fmt.Errorf("%s: %w", op, err)
}
