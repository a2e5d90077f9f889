// Package transport holds the platform-neutral types shared by the Telegram
// adapter, the command router and the components that talk to users.
package transport

import (
	"context"
	"errors"
)

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

// MediaKind mirrors the media_type column of a scheduled post.
type MediaKind string

const (
	MediaNone     MediaKind = ""
	MediaPhoto    MediaKind = "photo"
	MediaVideo    MediaKind = "video"
	MediaDocument MediaKind = "document"
)

// Media references an attachment either by Telegram file id or by local path.
type Media struct {
	Kind   MediaKind
	FileID string
	Path   string
}

func (m Media) IsZero() bool { return m.Kind == MediaNone || (m.FileID == "" && m.Path == "") }

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int
	FromID       int64
	FromUsername string
	FromName     string
	Text         string // caption for media messages
	Media        Media
	IsPrivate    bool
}

type Callback struct {
	ID        string
	FromID    int64
	ChatID    int64
	ThreadID  int
	MessageID int
	Data      string
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode          string
	DisablePreview     bool
	ReplyMarkupAdapter any // *telebot.ReplyMarkup for the Telegram adapter
}

type Notification struct {
	Target  ChatTarget
	Text    string
	Options *SendOptions
	// DedupKey overrides the text-derived dedup key when set.
	DedupKey string
}

// TextSender is the narrow sending surface used by the log sink and the
// notifier.
type TextSender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

type Adapter interface {
	TextSender

	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}

// BotCommand is one entry of the bot command menu.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is implemented by adapters that can publish a command
// menu to the platform.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}

// ChannelInfo describes a chat resolved through the platform API.
type ChannelInfo struct {
	ID       int64
	Username string
	Title    string
	Type     string
}

var (
	ErrNotChannel    = errors.New("chat is not a channel")
	ErrBotNotAdmin   = errors.New("bot is not an administrator with post rights")
	ErrUserNotAdmin  = errors.New("user is not an administrator of the channel")
	ErrBadChannelRef = errors.New("expected @username or numeric channel id")
)

// ChannelVerifier resolves channels and checks posting rights. Failures use
// the errors above or domain.ErrInvalidChannel.
type ChannelVerifier interface {
	ResolveChannel(ctx context.Context, ref string) (ChannelInfo, error)
	// CheckPostingRights fails unless the bot may post to chatID and userID
	// administers it.
	CheckPostingRights(ctx context.Context, chatID, userID int64) error
}
