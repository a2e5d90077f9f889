package broadcast

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	rtsup "postbot/internal/runtime/supervisor"
	kit "postbot/internal/transport"
	logx "postbot/pkg/logx"
)

func New(cfg Config, sender kit.TextSender, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sender: sender,
		log:    log.With(logx.String("comp", "broadcast")),
		status: map[string]*JobStatus{},
	}
	s.applyLocked(cfg)
	s.queue = make(chan queued, s.cfg.QueueSize)
	return s
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 10
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.StatusMax <= 0 {
		cfg.StatusMax = 200
	}
	if cfg.StatusTTL <= 0 {
		cfg.StatusTTL = 24 * time.Hour
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Apply updates rate and retry settings. Worker count and queue size take
// effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(cfg)
}

func (s *Service) SetSender(sender kit.TextSender) {
	s.mu.Lock()
	s.sender = sender
	s.mu.Unlock()
}

// Supervisor returns the worker supervisor, or nil when not started.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	queue := s.queue
	for i := range s.cfg.Workers {
		idx := i
		s.sup.GoRestart("broadcast.worker."+strconv.Itoa(idx), func(c context.Context) error {
			s.worker(c, queue)
			return nil
		}, rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}
	s.log.Info("service started", logx.Int("workers", s.cfg.Workers), logx.Int("rps", s.cfg.RatePerSec))
}

// Stop cancels running jobs and waits for the workers, bounded by ctx.
// Queued jobs stay queued for the next Start.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.running = false
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	start := time.Now()
	sup.Cancel()
	if err := sup.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
	return nil
}

// Submit queues a job and returns its id. It never blocks.
func (s *Service) Submit(j Job) (string, error) {
	if len(j.Targets) == 0 {
		return "", ErrNoTargets
	}
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return "", ErrNotRunning
	}

	now := time.Now()
	id := uuid.NewString()
	s.pruneStatus(now)
	s.statusMu.Lock()
	s.status[id] = &JobStatus{ID: id, Name: j.Name, Total: len(j.Targets), CreatedAt: now}
	s.statusMu.Unlock()

	select {
	case s.queue <- queued{id: id, Job: j}:
		s.log.Debug("job queued", logx.String("job", id), logx.String("name", j.Name), logx.Int("total", len(j.Targets)))
		return id, nil
	default:
		s.statusMu.Lock()
		delete(s.status, id)
		s.statusMu.Unlock()
		s.log.Warn("queue full, job rejected", logx.String("name", j.Name), logx.Int("queue_cap", cap(s.queue)))
		return "", ErrQueueFull
	}
}

func (s *Service) Status(id string) (JobStatus, bool) {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	st, ok := s.status[id]
	if !ok {
		return JobStatus{}, false
	}
	cp := *st
	cp.Failures = append([]kit.ChatTarget(nil), st.Failures...)
	return cp, true
}

// pruneStatus drops finished statuses older than StatusTTL, then the oldest
// finished ones until at most StatusMax remain.
func (s *Service) pruneStatus(now time.Time) {
	s.mu.Lock()
	ttl, maxN := s.cfg.StatusTTL, s.cfg.StatusMax
	s.mu.Unlock()

	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	for id, st := range s.status {
		if !st.DoneAt.IsZero() && now.Sub(st.DoneAt) > ttl {
			delete(s.status, id)
		}
	}
	for len(s.status) > maxN {
		oldest := ""
		var at time.Time
		for id, st := range s.status {
			if st.DoneAt.IsZero() {
				continue
			}
			if oldest == "" || st.DoneAt.Before(at) {
				oldest, at = id, st.DoneAt
			}
		}
		if oldest == "" {
			return
		}
		delete(s.status, oldest)
	}
}
