package bot

import (
	"errors"
	"fmt"

	"postbot/internal/domain"
	kit "postbot/internal/transport"
)

// replyError carries the text shown to the user alongside the cause.
type replyError struct {
	msg string
	err error
}

func (e *replyError) Error() string {
	if e.err == nil {
		return e.msg
	}
	return e.msg + ": " + e.err.Error()
}

func (e *replyError) Unwrap() error       { return e.err }
func (e *replyError) UserMessage() string { return e.msg }

func userError(format string, args ...any) error {
	return &replyError{msg: fmt.Sprintf(format, args...)}
}

// explain attaches a user-facing message to known errors. Unknown errors
// pass through and are answered with a generic reply by the router.
func explain(err error) error {
	if err == nil {
		return nil
	}
	var re *replyError
	if errors.As(err, &re) {
		return err
	}
	msg := ""
	var qe *domain.QuotaExceededError
	var tl *domain.ContentTooLongError
	switch {
	case errors.As(err, &qe):
		msg = fmt.Sprintf("❌ Daily post limit reached: %d/%d on the %s plan. See /tariffs for more.", qe.Usage.Used, qe.Usage.Limit, qe.Usage.Tier)
	case errors.Is(err, domain.ErrQuotaExceeded):
		msg = "❌ Daily post limit reached. See /tariffs for more."
	case errors.Is(err, domain.ErrInvalidChannel):
		msg = "❌ That channel is not available. Check /mychannels."
	case errors.Is(err, domain.ErrNotFound):
		msg = "❌ Not found."
	case errors.Is(err, domain.ErrNotOwner):
		msg = "❌ That belongs to another user."
	case errors.Is(err, domain.ErrAlreadyTerminal):
		msg = "❌ That post is already published, failed or cancelled."
	case errors.Is(err, domain.ErrChannelLimit):
		msg = "❌ Your plan's channel limit is reached. See /tariffs."
	case errors.Is(err, domain.ErrChannelTaken):
		msg = "❌ This channel is already linked by another user."
	case errors.As(err, &tl):
		what := "Posts"
		if tl.Caption {
			what = "Captions"
		}
		msg = fmt.Sprintf("❌ %s are limited to %d characters; yours has %d. Send /cancel and start again with a shorter text.", what, tl.Limit, tl.Length)
	case errors.Is(err, domain.ErrContentTooLong):
		msg = "❌ The post is too long for a single message."
	case errors.Is(err, domain.ErrEmptyContent):
		msg = "❌ The post is empty."
	case errors.Is(err, domain.ErrFireTimeInPast):
		msg = "❌ That time is already in the past."
	case errors.Is(err, domain.ErrNotReady):
		msg = "⏳ The bot is starting up, try again in a moment."
	case errors.Is(err, domain.ErrForbidden):
		msg = "❌ Administrators only."
	case errors.Is(err, kit.ErrBadChannelRef):
		msg = "❌ Send the channel as @username or its numeric id."
	case errors.Is(err, kit.ErrNotChannel):
		msg = "❌ That chat is not a channel."
	case errors.Is(err, kit.ErrBotNotAdmin):
		msg = "❌ Add the bot to the channel as an administrator allowed to post messages, then try again."
	case errors.Is(err, kit.ErrUserNotAdmin):
		msg = "❌ Only administrators of the channel can link it."
	default:
		return err
	}
	return &replyError{msg: msg, err: err}
}
