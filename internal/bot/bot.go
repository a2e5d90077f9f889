// Package bot implements the user-facing Telegram commands and the post
// composition dialog on top of the posting service.
package bot

import (
	"context"
	"time"

	"postbot/internal/domain"
	"postbot/internal/notifier/broadcast"
	"postbot/internal/posting"
	"postbot/internal/session"
	kit "postbot/internal/transport"
	"postbot/internal/transport/telegram/router"
	logx "postbot/pkg/logx"
)

// Posting is the slice of posting.Service the bot drives.
type Posting interface {
	EnsureUser(ctx context.Context, u domain.User) (domain.User, error)
	Plan(ctx context.Context, userID int64) (posting.Plan, error)
	CanCreatePost(ctx context.Context, userID int64) (bool, domain.Usage, error)
	Tiers(ctx context.Context) ([]domain.Tier, error)

	AddChannel(ctx context.Context, userID int64, ch domain.Channel) (domain.Channel, error)
	RemoveChannel(ctx context.Context, userID, channelID int64) ([]domain.PostID, error)
	Channels(ctx context.Context, userID int64) ([]domain.Channel, error)

	RequestCreate(ctx context.Context, userID, channelID int64, content domain.Content, fireAt time.Time) (domain.PostID, error)
	RequestCancel(ctx context.Context, userID int64, id domain.PostID) error
	ListPosts(ctx context.Context, userID int64, states ...domain.PostState) ([]domain.Post, error)

	Stats(ctx context.Context) (posting.Stats, error)
	Users(ctx context.Context, limit int) ([]domain.User, error)
	SetTier(ctx context.Context, actor, userID int64, tier string) error
}

type Broadcaster interface {
	Submit(j broadcast.Job) (string, error)
}

var (
	_ Posting     = (*posting.Service)(nil)
	_ Broadcaster = (*broadcast.Service)(nil)
)

type Config struct {
	// PageSize is the number of posts per /schedule page.
	PageSize int
	// Support is shown under /tariffs as the contact for plan changes.
	Support string
	// BroadcastLimit caps the recipients of one /broadcast.
	BroadcastLimit int
}

type Deps struct {
	Posting   Posting
	Sessions  session.Store
	Channels  kit.ChannelVerifier
	Broadcast Broadcaster
	Location  *time.Location
	Logger    logx.Logger
	Now       func() time.Time
}

type Bot struct {
	cfg      Config
	posting  Posting
	sessions session.Store
	channels kit.ChannelVerifier
	bcast    Broadcaster
	loc      *time.Location
	log      logx.Logger
	now      func() time.Time
}

func New(cfg Config, d Deps) *Bot {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 10
	}
	if cfg.BroadcastLimit <= 0 {
		cfg.BroadcastLimit = 10000
	}
	if d.Location == nil {
		d.Location = time.UTC
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Logger.IsZero() {
		d.Logger = logx.Nop()
	}
	return &Bot{
		cfg:      cfg,
		posting:  d.Posting,
		sessions: d.Sessions,
		channels: d.Channels,
		bcast:    d.Broadcast,
		loc:      d.Location,
		log:      d.Logger.With(logx.String("comp", "bot")),
		now:      d.Now,
	}
}

// Register installs the bot's commands, callbacks and dialog handler.
func (b *Bot) Register(m *router.CommandManager) {
	m.SetRegistry(b.Commands(), b.Callbacks())
	m.SetFallback(b.HandleMessage)
}

func (b *Bot) Commands() []router.Command {
	return []router.Command{
		{Route: "start", Description: "Register and show your plan", Handle: b.cmdStart},
		{Route: "tariffs", Description: "Available plans", Handle: b.cmdTariffs},
		{Route: "myplan", Description: "Your plan and today's usage", Handle: b.cmdMyPlan},

		{Route: "newpost", Aliases: []string{"np"}, Description: "Compose and schedule a post", Handle: b.cmdNewPost},
		{Route: "done", Description: "Finish the post content", Handle: b.cmdDone},
		{Route: "cancel", Description: "Drop the post being composed", Handle: b.cmdCancel},

		{Route: "mychannels", Description: "Your channels", Handle: b.cmdMyChannels},
		{Route: "addchannel", Description: "Link a channel", Usage: "/addchannel <@username|id>", Timeout: 20 * time.Second, Handle: b.cmdAddChannel},
		{Route: "removechannel", Description: "Unlink a channel and cancel its posts", Usage: "/removechannel <id>", Handle: b.cmdRemoveChannel},

		{Route: "schedule", Description: "Your posts", Usage: "/schedule [all|scheduled|published|failed|cancelled]", Handle: b.cmdSchedule},
		{Route: "cancelpost", Description: "Cancel a scheduled post", Usage: "/cancelpost <id> [-y]", Handle: b.cmdCancelPost},

		{Route: "stats", Description: "Bot statistics", Access: router.AccessAdminOnly, Handle: b.cmdStats},
		{Route: "users", Description: "Recent users", Usage: "/users [limit]", Access: router.AccessAdminOnly, Handle: b.cmdUsers},
		{Route: "settier", Description: "Change a user's plan", Usage: "/settier <user_id> <tier>", Access: router.AccessAdminOnly, Handle: b.cmdSetTier},
		{Route: "broadcast", Description: "Message every user", Usage: "/broadcast <text>", Access: router.AccessAdminOnly, Handle: b.cmdBroadcast},
	}
}

func (b *Bot) Callbacks() []router.CallbackRoute {
	return []router.CallbackRoute{
		{Namespace: nsDraft, Action: "channel", Description: "pick the target channel", Handle: b.cbDraftChannel},
		{Namespace: nsPost, Action: "cancel", Description: "confirm post cancellation", Handle: b.cbCancelPost},
		{Namespace: nsPost, Action: "keep", Description: "dismiss cancellation", Handle: b.cbKeepPost},
		{Namespace: nsSchedule, Action: "page", Description: "page through posts", Handle: b.cbSchedulePage},
	}
}

const (
	nsDraft    = "draft"
	nsPost     = "post"
	nsSchedule = "sched"
)

// ensureUser records the sender so that later operations find them.
func (b *Bot) ensureUser(ctx context.Context, req *router.Request) (domain.User, error) {
	u := domain.User{ID: req.FromID}
	if req.Message != nil {
		u.Username = req.Message.FromUsername
		u.FullName = req.Message.FromName
	}
	return b.posting.EnsureUser(ctx, u)
}

func (b *Bot) formatTime(t time.Time) string {
	return t.In(b.loc).Format("2006-01-02 15:04")
}
