package maintenance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"postbot/internal/domain"
	"postbot/internal/posting"
	kit "postbot/internal/transport"
	logx "postbot/pkg/logx"
	"postbot/pkg/tgui"
)

const (
	SweepJobName  = "session-sweep"
	DigestJobName = "admin-digest"

	DefaultSweepSpec  = "@every 1m"
	DefaultDigestSpec = "0 9 * * *"
)

// Sweeper is a session store that drops expired entries on demand.
type Sweeper interface {
	Sweep() int
}

// SweepJob expires abandoned drafts.
func SweepJob(spec string, s Sweeper, log logx.Logger) Job {
	if spec == "" {
		spec = DefaultSweepSpec
	}
	return Job{
		Name:    SweepJobName,
		Spec:    spec,
		Timeout: 10 * time.Second,
		Run: func(context.Context) error {
			if n := s.Sweep(); n > 0 {
				log.Debug("expired drafts removed", logx.Int("count", n))
			}
			return nil
		},
	}
}

type StatsSource interface {
	Stats(ctx context.Context) (posting.Stats, error)
}

// DigestJob sends yesterday-to-now statistics to every admin id.
func DigestJob(spec string, src StatsSource, sender kit.TextSender, admins func() []int64) Job {
	if spec == "" {
		spec = DefaultDigestSpec
	}
	return Job{
		Name:    DigestJobName,
		Spec:    spec,
		Timeout: 30 * time.Second,
		Run: func(ctx context.Context) error {
			ids := admins()
			if len(ids) == 0 {
				return nil
			}
			st, err := src.Stats(ctx)
			if err != nil {
				return fmt.Errorf("digest stats: %w", err)
			}
			msg := DigestMessage(st)
			var errs []error
			for _, id := range ids {
				if _, err := msg.Send(ctx, sender, kit.ChatTarget{ChatID: id}); err != nil {
					errs = append(errs, fmt.Errorf("admin %d: %w", id, err))
				}
			}
			return errors.Join(errs...)
		},
	}
}

func DigestMessage(st posting.Stats) tgui.Message {
	return tgui.New().
		Title("🗓", "Daily digest").
		KV("Users", strconv.Itoa(st.Users)).
		KV("Active channels", strconv.Itoa(st.Channels)).
		KV("Posts created today", strconv.Itoa(st.PostsToday)).
		KV("Waiting to publish", strconv.Itoa(st.Pending)).
		Blank().
		KV("Published", strconv.Itoa(st.PostsByState[domain.StatePublished])).
		KV("Failed", strconv.Itoa(st.PostsByState[domain.StateFailed])).
		KV("Cancelled", strconv.Itoa(st.PostsByState[domain.StateCancelled])).
		Build()
}
