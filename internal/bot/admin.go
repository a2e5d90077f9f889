package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"postbot/internal/domain"
	"postbot/internal/notifier/broadcast"
	kit "postbot/internal/transport"
	"postbot/internal/transport/telegram/router"
	logx "postbot/pkg/logx"
	"postbot/pkg/tgui"
)

const defaultUsersLimit = 20

func (b *Bot) cmdStats(ctx context.Context, req *router.Request) error {
	st, err := b.posting.Stats(ctx)
	if err != nil {
		return explain(err)
	}
	_, err = tgui.New().
		Title("📊", "Statistics").
		KV("Users", strconv.Itoa(st.Users)).
		KV("Active channels", strconv.Itoa(st.Channels)).
		KV("Posts today", strconv.Itoa(st.PostsToday)).
		KV("Pending timers", strconv.Itoa(st.Pending)).
		Blank().
		Section("Posts by state").
		KV("Scheduled", strconv.Itoa(st.PostsByState[domain.StateScheduled])).
		KV("Published", strconv.Itoa(st.PostsByState[domain.StatePublished])).
		KV("Failed", strconv.Itoa(st.PostsByState[domain.StateFailed])).
		KV("Cancelled", strconv.Itoa(st.PostsByState[domain.StateCancelled])).
		Build().Send(ctx, req.Adapter, req.Chat)
	return err
}

func (b *Bot) cmdUsers(ctx context.Context, req *router.Request) error {
	limit := defaultUsersLimit
	if len(req.Args) > 0 {
		n, err := strconv.Atoi(req.Args[0])
		if err != nil || n <= 0 {
			return userError("Usage: /users [limit]")
		}
		limit = n
	}
	users, err := b.posting.Users(ctx, limit)
	if err != nil {
		return explain(err)
	}
	ub := tgui.New().Title("👥", fmt.Sprintf("Users (%d)", len(users)))
	for _, u := range users {
		line := fmt.Sprintf("• %s %s [%s]", tgui.Code(strconv.FormatInt(u.ID, 10)), tgui.Esc(u.DisplayName()), tgui.Esc(u.Tier))
		if u.IsAdmin {
			line += " 👑"
		}
		ub.RawLine(line)
	}
	_, err = ub.Build().Send(ctx, req.Adapter, req.Chat)
	return err
}

func (b *Bot) cmdSetTier(ctx context.Context, req *router.Request) error {
	if len(req.Args) < 2 {
		return userError("Usage: /settier <user_id> <tier>")
	}
	uid, err := strconv.ParseInt(req.Args[0], 10, 64)
	if err != nil {
		return userError("The user id must be a number.")
	}
	tier := strings.ToLower(req.Args[1])
	if err := b.posting.SetTier(ctx, req.FromID, uid, tier); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return &replyError{msg: "❌ Unknown user or plan. Plans are listed by /tariffs.", err: err}
		}
		return explain(err)
	}
	_, err = req.Reply(ctx, fmt.Sprintf("✅ User %d moved to %s.", uid, strings.ToUpper(tier)), nil)
	return err
}

// cmdBroadcast queues a plain text message to every known user and reports
// the outcome to the sender when the job finishes.
func (b *Bot) cmdBroadcast(ctx context.Context, req *router.Request) error {
	text := broadcastText(req)
	if text == "" {
		return userError("Usage: /broadcast <text>")
	}
	if b.bcast == nil {
		return userError("Broadcasting is disabled.")
	}
	users, err := b.posting.Users(ctx, b.cfg.BroadcastLimit)
	if err != nil {
		return explain(err)
	}
	targets := make([]kit.ChatTarget, 0, len(users))
	for _, u := range users {
		targets = append(targets, kit.ChatTarget{ChatID: u.ID})
	}

	admin := req.Chat
	sender := req.Adapter
	log := b.log
	id, err := b.bcast.Submit(broadcast.Job{
		Name:    "broadcast",
		Targets: targets,
		Text:    text,
		OnDone: func(ctx context.Context, st broadcast.JobStatus) {
			msg := fmt.Sprintf("📣 Broadcast finished: %d delivered, %d failed.", st.Done-st.Failed, st.Failed)
			if _, err := sender.SendText(ctx, admin, msg, nil); err != nil {
				log.Warn("broadcast report failed", logx.String("job", st.ID), logx.Err(err))
			}
		},
	})
	if err != nil {
		if errors.Is(err, broadcast.ErrNoTargets) {
			return userError("There are no users to message.")
		}
		if errors.Is(err, broadcast.ErrNotRunning) {
			return userError("Broadcasting is stopped.")
		}
		if errors.Is(err, broadcast.ErrQueueFull) {
			return userError("Too many broadcasts queued, try again later.")
		}
		return err
	}
	_, err = req.Reply(ctx, fmt.Sprintf("📣 Broadcast queued for %d users (job %s).", len(targets), id), nil)
	return err
}

// broadcastText keeps the message's own line breaks, unlike the tokenized
// args.
func broadcastText(req *router.Request) string {
	if req.Message == nil {
		return strings.Join(req.Args, " ")
	}
	text := strings.TrimSpace(req.Message.Text)
	i := strings.IndexFunc(text, func(r rune) bool { return r == ' ' || r == '\n' || r == '\t' })
	if i < 0 {
		return ""
	}
	return strings.TrimSpace(text[i:])
}
