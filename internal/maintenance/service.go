// Package maintenance runs the periodic housekeeping jobs of the bot on a
// cron timetable: expiring abandoned drafts and the daily admin digest.
//
// Specs use the standard five cron fields with an optional leading seconds
// field, plus descriptors such as "@hourly" or "@every 1m". They are
// evaluated in the configured time zone.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "postbot/pkg/logx"
)

var ErrUnknownJob = errors.New("maintenance: unknown job")

// Job is one periodic task. Runs of the same job never overlap.
type Job struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

type HistoryItem struct {
	Name     string
	Started  time.Time
	Duration time.Duration
	Error    string
}

type JobInfo struct {
	Name string
	Spec string
	Next time.Time
	Prev time.Time
}

type Config struct {
	// DefaultTimeout applies to jobs without their own timeout.
	DefaultTimeout time.Duration
	HistorySize    int
}

type entry struct {
	job Job
	id  cron.EntryID
	mu  sync.Mutex // held while the job runs
}

type Service struct {
	mu      sync.Mutex
	cfg     Config
	log     logx.Logger
	loc     *time.Location
	parser  cron.Parser
	c       *cron.Cron
	entries []*entry
	runCtx  context.Context

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, loc *time.Location, log logx.Logger) *Service {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = time.Minute
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}
	if loc == nil {
		loc = time.UTC
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log.With(logx.String("comp", "maintenance")),
		loc: loc,
		// SecondOptional allows both 5-field and 6-field (with seconds) specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Add registers a job, replacing any job with the same name. Jobs added
// while running are scheduled immediately.
func (s *Service) Add(j Job) error {
	j.Name = strings.TrimSpace(j.Name)
	j.Spec = strings.TrimSpace(j.Spec)
	if j.Name == "" {
		return errors.New("maintenance: job name required")
	}
	if j.Run == nil {
		return fmt.Errorf("maintenance: job %q has no func", j.Name)
	}
	if _, err := s.parser.Parse(j.Spec); err != nil {
		return fmt.Errorf("maintenance: job %q: bad spec %q: %w", j.Name, j.Spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(j.Name)
	e := &entry{job: j}
	s.entries = append(s.entries, e)
	if s.c != nil {
		return s.scheduleLocked(e)
	}
	return nil
}

func (s *Service) removeLocked(name string) {
	s.entries = slices.DeleteFunc(s.entries, func(e *entry) bool {
		if e.job.Name != name {
			return false
		}
		if s.c != nil && e.id != 0 {
			s.c.Remove(e.id)
		}
		return true
	})
}

func (s *Service) scheduleLocked(e *entry) error {
	sched, err := s.parser.Parse(e.job.Spec)
	if err != nil {
		return err
	}
	ctx := s.runCtx
	e.id = s.c.Schedule(sched, cron.FuncJob(func() { s.exec(ctx, e) }))
	s.log.Debug("job scheduled", logx.String("job", e.job.Name), logx.String("spec", e.job.Spec), logx.Time("next", sched.Next(time.Now().In(s.loc))))
	return nil
}

// Start begins firing jobs. Calling Start on a running service is a no-op.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.runCtx = ctx
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc), cron.WithLogger(cronLogger{s.log}))
	for _, e := range s.entries {
		if err := s.scheduleLocked(e); err != nil {
			s.log.Error("job register failed", logx.String("job", e.job.Name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("maintenance started", logx.Int("jobs", len(s.entries)), logx.String("tz", s.loc.String()))
}

// Stop halts the timetable and waits for running jobs until ctx expires.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.c
	s.c = nil
	for _, e := range s.entries {
		e.id = 0
	}
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		s.log.Info("maintenance stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow runs the named job synchronously, honoring the overlap guard.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	var found *entry
	for _, e := range s.entries {
		if e.job.Name == name {
			found = e
			break
		}
	}
	s.mu.Unlock()
	if found == nil {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.exec(ctx, found)
}

func (s *Service) exec(ctx context.Context, e *entry) (err error) {
	if !e.mu.TryLock() {
		s.log.Debug("job still running, skipped", logx.String("job", e.job.Name))
		return nil
	}
	defer e.mu.Unlock()

	timeout := e.job.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in job", logx.String("job", e.job.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
		s.record(e.job.Name, start, err)
	}()
	return e.job.Run(runCtx)
}

func (s *Service) record(name string, start time.Time, err error) {
	item := HistoryItem{Name: name, Started: start, Duration: time.Since(start)}
	if err != nil {
		item.Error = err.Error()
		s.log.Warn("job failed", logx.String("job", name), logx.Err(err), logx.Duration("dur", item.Duration))
	} else {
		s.log.Debug("job completed", logx.String("job", name), logx.Duration("dur", item.Duration))
	}

	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, item)
	if over := len(s.history) - s.cfg.HistorySize; over > 0 {
		s.history = slices.Delete(s.history, 0, over)
	}
}

// History returns the most recent runs, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return slices.Clone(s.history)
}

// Jobs lists the registered jobs with their next run when started.
func (s *Service) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.entries))
	for _, e := range s.entries {
		info := JobInfo{Name: e.job.Name, Spec: e.job.Spec}
		if s.c != nil && e.id != 0 {
			ce := s.c.Entry(e.id)
			info.Next, info.Prev = ce.Next, ce.Prev
		}
		out = append(out, info)
	}
	return out
}

// cronLogger routes cron's own diagnostics into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Trace("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
