package scheduler

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"postbot/internal/domain"
	rtsup "postbot/internal/runtime/supervisor"
	"postbot/internal/task/engine"
	logx "postbot/pkg/logx"
)

const TaskName = "post.publish"

// Executor performs one publication attempt.
type Executor interface {
	Execute(ctx context.Context, id domain.PostID) error
}

// Dispatcher accepts tasks without blocking. *engine.Service implements it.
type Dispatcher interface {
	Enqueue(t engine.Task) error
}

type Config struct {
	// ExecTimeout bounds one execution including store writes.
	ExecTimeout time.Duration
	// RequeueDelay is how long a firing waits after the engine queue was full.
	RequeueDelay time.Duration
	// RetryDelay is the first wait before re-firing an execution that
	// returned domain.ErrDeferred; it doubles per attempt. MaxRetries caps
	// the re-firings, after which the post waits for recovery.
	RetryDelay time.Duration
	MaxRetries int
}

const (
	DefaultExecTimeout = 2 * time.Minute
	maxRetryDelay      = 5 * time.Minute
)

type Service struct {
	mu       sync.Mutex
	cfg      Config
	tl       *timeline
	wake     chan struct{}
	sup      *rtsup.Supervisor
	exec     Executor
	dispatch Dispatcher
	log      logx.Logger
	now      func() time.Time

	// deferred counts consecutive ErrDeferred executions per post
	deferred map[domain.PostID]int

	fired    atomic.Uint64
	skipped  atomic.Uint64
	requeued atomic.Uint64
	retried  atomic.Uint64
}

type Snapshot struct {
	Running  bool
	Pending  int
	Next     time.Time
	Fired    uint64
	Skipped  uint64
	Requeued uint64
	Retried  uint64
}

func New(cfg Config, exec Executor, dispatch Dispatcher, log logx.Logger) *Service {
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = DefaultExecTimeout
	}
	if cfg.RequeueDelay <= 0 {
		cfg.RequeueDelay = time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 10
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg,
		tl:       newTimeline(),
		wake:     make(chan struct{}, 1),
		exec:     exec,
		dispatch: dispatch,
		log:      log.With(logx.String("comp", "scheduler")),
		now:      time.Now,
		deferred: map[domain.PostID]int{},
	}
}

// Register schedules one firing for id at fireAt, replacing any earlier
// registration. A fireAt in the past fires on the next loop iteration.
func (s *Service) Register(id domain.PostID, fireAt time.Time) {
	s.mu.Lock()
	replaced := s.tl.upsert(id, fireAt)
	s.mu.Unlock()
	s.poke()
	s.log.Debug("post registered", logx.Int64("post", int64(id)), logx.Time("fire_at", fireAt), logx.Bool("replaced", replaced))
}

// Cancel drops a pending registration. It reports whether one existed; a
// post already handed to the engine is not affected.
func (s *Service) Cancel(id domain.PostID) bool {
	s.mu.Lock()
	removed := s.tl.remove(id)
	delete(s.deferred, id)
	s.mu.Unlock()
	if removed {
		s.poke()
		s.log.Debug("post unregistered", logx.Int64("post", int64(id)))
	}
	return removed
}

func (s *Service) Has(id domain.PostID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tl.byID[id]
	return ok
}

func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tl.Len()
}

func (s *Service) Next() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tl.peek()
	if !ok {
		return time.Time{}, false
	}
	return e.at, true
}

func (s *Service) Snapshot() Snapshot {
	next, _ := s.Next()
	s.mu.Lock()
	running := s.sup != nil
	s.mu.Unlock()
	return Snapshot{
		Running:  running,
		Pending:  s.Pending(),
		Next:     next,
		Fired:    s.fired.Load(),
		Skipped:  s.skipped.Load(),
		Requeued: s.requeued.Load(),
		Retried:  s.retried.Load(),
	}
}

func (s *Service) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Start runs the timeline loop under a supervisor. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	s.sup.GoRestart("timeline", s.loop,
		rtsup.WithRestartBackoff(100*time.Millisecond, 5*time.Second),
		rtsup.WithPublishFirstError(true),
	)
	s.log.Info("scheduler started", logx.Int("pending", s.tl.Len()))
}

// Stop ends the loop and forgets pending registrations. They are still
// scheduled in the store and come back through recovery.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	dropped := s.tl.Len()
	s.tl.reset()
	clear(s.deferred)
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	err := sup.Stop(ctx)
	s.log.Info("scheduler stopped", logx.Int("discarded", dropped))
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Service) loop(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.mu.Lock()
		due := s.tl.popDue(s.now())
		s.mu.Unlock()

		for _, id := range due {
			s.fire(id)
		}

		s.mu.Lock()
		next, hasNext := s.tl.peek()
		var wait time.Duration
		if hasNext {
			wait = max(next.at.Sub(s.now()), 0)
		}
		s.mu.Unlock()

		timer.Stop()
		var timerC <-chan time.Time
		if hasNext {
			timer.Reset(wait)
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
		case <-timerC:
		}
	}
}

func (s *Service) fire(id domain.PostID) {
	err := s.dispatch.Enqueue(engine.Task{
		Key:     strconv.FormatInt(int64(id), 10),
		Name:    TaskName,
		Timeout: s.cfg.ExecTimeout,
		Run: func(ctx context.Context) error {
			err := s.exec.Execute(ctx, id)
			s.settle(id, err)
			return err
		},
	})
	switch {
	case err == nil:
		s.fired.Add(1)
	case errors.Is(err, engine.ErrOverlapSkip):
		// An execution for this post is already queued or running.
		s.skipped.Add(1)
		s.log.Debug("firing skipped: post already in flight", logx.Int64("post", int64(id)))
		// a deferred retry can race the release of its own previous run
		s.mu.Lock()
		if _, exists := s.tl.byID[id]; !exists && s.deferred[id] > 0 {
			s.tl.upsert(id, s.now().Add(s.cfg.RequeueDelay))
		}
		s.mu.Unlock()
	case errors.Is(err, engine.ErrQueueFull):
		s.requeued.Add(1)
		s.log.Warn("engine queue full; firing deferred", logx.Int64("post", int64(id)), logx.Duration("delay", s.cfg.RequeueDelay))
		s.mu.Lock()
		if _, exists := s.tl.byID[id]; !exists {
			s.tl.upsert(id, s.now().Add(s.cfg.RequeueDelay))
		}
		s.mu.Unlock()
	default:
		s.log.Warn("firing dropped", logx.Int64("post", int64(id)), logx.Err(err))
	}
}

// settle re-registers a post whose execution was deferred, with a doubling
// delay, until MaxRetries is reached. Any other result resets the count.
func (s *Service) settle(id domain.PostID, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !errors.Is(err, domain.ErrDeferred) {
		delete(s.deferred, id)
		return
	}
	if s.sup == nil {
		return
	}
	n := s.deferred[id] + 1
	if n > s.cfg.MaxRetries {
		delete(s.deferred, id)
		s.log.Error("post left scheduled after repeated deferrals; recovery picks it up on restart",
			logx.Int64("post", int64(id)), logx.Int("attempts", n), logx.Err(err))
		return
	}
	s.deferred[id] = n
	if _, exists := s.tl.byID[id]; exists {
		return
	}
	delay := s.cfg.RetryDelay
	for i := 1; i < n && delay < maxRetryDelay; i++ {
		delay *= 2
	}
	delay = min(delay, maxRetryDelay)
	s.tl.upsert(id, s.now().Add(delay))
	s.retried.Add(1)
	s.log.Warn("execution deferred; firing again later",
		logx.Int64("post", int64(id)), logx.Int("attempt", n), logx.Duration("delay", delay), logx.Err(err))
	s.poke()
}
