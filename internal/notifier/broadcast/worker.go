package broadcast

import (
	"context"
	"time"

	kit "postbot/internal/transport"
	logx "postbot/pkg/logx"
)

func (s *Service) worker(ctx context.Context, queue <-chan queued) {
	for {
		// stop wins over queued work
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case j := <-queue:
			s.exec(ctx, j)
		}
	}
}

func (s *Service) exec(ctx context.Context, j queued) {
	start := time.Now()
	s.update(j.id, func(st *JobStatus) {
		st.StartedAt = start
		st.Running = true
	})
	s.log.Info("job started", logx.String("job", j.id), logx.String("name", j.Name), logx.Int("total", len(j.Targets)))

	for _, t := range j.Targets {
		if ctx.Err() != nil {
			break
		}
		err := s.sendOne(ctx, j.id, t, j.Text, j.Opt)
		s.update(j.id, func(st *JobStatus) {
			st.Done++
			if err != nil {
				st.Failed++
				if len(st.Failures) < 200 {
					st.Failures = append(st.Failures, t)
				}
			}
		})
	}
	s.update(j.id, func(st *JobStatus) {
		st.DoneAt = time.Now()
		st.Running = false
	})

	st, _ := s.Status(j.id)
	fields := []logx.Field{
		logx.String("job", j.id),
		logx.String("name", j.Name),
		logx.Int("total", st.Total),
		logx.Int("done", st.Done),
		logx.Int("failed", st.Failed),
		logx.Duration("dur", time.Since(start)),
	}
	if st.Failed > 0 || st.Done < st.Total {
		s.log.Warn("job finished with failures", fields...)
	} else {
		s.log.Info("job finished", fields...)
	}
	if j.OnDone != nil {
		j.OnDone(context.WithoutCancel(ctx), st)
	}
}

func (s *Service) sendOne(ctx context.Context, jobID string, t kit.ChatTarget, text string, opt *kit.SendOptions) error {
	s.mu.Lock()
	lim := s.limiter
	retry := s.cfg.RetryMax
	sender := s.sender
	s.mu.Unlock()

	var last error
	for i := 0; i <= retry; i++ {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
		_, err := sender.SendText(ctx, t, text, opt)
		if err == nil {
			return nil
		}
		last = err
		if i == retry {
			break
		}
		delay := time.Duration(200+100*i) * time.Millisecond
		s.log.Debug("send retry scheduled", logx.String("job", jobID), logx.Int64("chat_id", t.ChatID), logx.Int("attempt", i+2), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return ctx.Err()
		case <-tmr.C:
		}
	}
	s.log.Warn("send failed", logx.String("job", jobID), logx.Int64("chat_id", t.ChatID), logx.Err(last))
	return last
}

func (s *Service) update(id string, fn func(*JobStatus)) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if st := s.status[id]; st != nil {
		fn(st)
	}
}
