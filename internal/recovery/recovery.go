// Package recovery reloads scheduled work from the store into the timeline
// at start-up.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"postbot/internal/domain"
	logx "postbot/pkg/logx"
)

// InterruptedDetail is recorded on posts whose delivery started before a
// crash and never reported back.
const InterruptedDetail = "interrupted: delivery outcome unknown"

type Store interface {
	ListPending(ctx context.Context) ([]domain.Post, error)
	MarkFailed(ctx context.Context, id domain.PostID, detail string) error
}

type Registrar interface {
	Register(id domain.PostID, fireAt time.Time)
}

type Report struct {
	Pending     int
	Registered  int
	Overdue     int
	Interrupted int
}

// Run registers every scheduled post that was never attempted and fails
// the attempted ones, since their delivery may or may not have happened.
// A failed listing aborts; a failed MarkFailed is logged and skipped.
func Run(ctx context.Context, store Store, reg Registrar, now time.Time, log logx.Logger) (Report, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "recovery"))

	posts, err := store.ListPending(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("recovery: list pending: %w", err)
	}

	rep := Report{Pending: len(posts)}
	for _, p := range posts {
		if p.Attempted() {
			err := store.MarkFailed(ctx, p.ID, InterruptedDetail)
			switch {
			case err == nil:
				rep.Interrupted++
				log.Warn("post interrupted mid-delivery", logx.Int64("post", int64(p.ID)), logx.Time("attempted_at", p.AttemptedAt))
			case errors.Is(err, domain.ErrInvalidTransition):
			default:
				log.Error("mark interrupted post failed", logx.Int64("post", int64(p.ID)), logx.Err(err))
			}
			continue
		}
		if !p.FireAt.After(now) {
			rep.Overdue++
		}
		reg.Register(p.ID, p.FireAt)
		rep.Registered++
	}

	log.Info("recovery complete",
		logx.Int("pending", rep.Pending),
		logx.Int("registered", rep.Registered),
		logx.Int("overdue", rep.Overdue),
		logx.Int("interrupted", rep.Interrupted),
	)
	return rep, nil
}
