package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"postbot/internal/domain"
	"postbot/internal/session"
	kit "postbot/internal/transport"
	"postbot/internal/transport/telegram/router"
	logx "postbot/pkg/logx"
	"postbot/pkg/tgui"
)

func (b *Bot) cmdNewPost(ctx context.Context, req *router.Request) error {
	if _, err := b.ensureUser(ctx, req); err != nil {
		return explain(err)
	}
	ok, usage, err := b.posting.CanCreatePost(ctx, req.FromID)
	if err != nil {
		return explain(err)
	}
	if !ok {
		return explain(&domain.QuotaExceededError{Usage: usage})
	}
	chans, err := b.posting.Channels(ctx, req.FromID)
	if err != nil {
		return explain(err)
	}
	if len(chans) == 0 {
		return userError("📢 Link a channel first: add the bot to it as an administrator, then send /addchannel @channel.")
	}

	if err := b.sessions.Put(ctx, req.FromID, session.Draft{Step: session.StepContent, UpdatedAt: b.now()}); err != nil {
		return err
	}
	_, err = tgui.New().
		Title("📝", "New post").
		Line(fmt.Sprintf("Posts left today: %d of %d.", usage.Remaining(), usage.Limit)).
		Blank().
		Line("Send the text, or a photo, video or document with a caption. Several text messages are joined.").
		Blank().
		RawLine(tgui.I("Send /done when finished, /cancel to drop the draft.").String()).
		Build().Send(ctx, req.Adapter, req.Chat)
	return err
}

func (b *Bot) cmdDone(ctx context.Context, req *router.Request) error {
	d, ok, err := b.sessions.Get(ctx, req.FromID)
	if err != nil {
		return err
	}
	if !ok || d.Step != session.StepContent {
		return userError("Nothing to finish. Start with /newpost.")
	}
	c := d.Content()
	if c.Empty() {
		return userError("The post is still empty. Send some text or media first.")
	}
	if err := c.CheckLength(); err != nil {
		return explain(err)
	}
	d.Step = session.StepTime
	d.UpdatedAt = b.now()
	if err := b.sessions.Put(ctx, req.FromID, d); err != nil {
		return err
	}
	return b.askTime(ctx, req)
}

func (b *Bot) askTime(ctx context.Context, req *router.Request) error {
	_, err := tgui.New().
		Title("⏰", "When should it be published?").
		Line("Time zone: "+b.loc.String()).
		Bullets(
			"2026-03-01 18:30",
			"18:30 (today, or tomorrow if already past)",
			"+30m, +2h, +1d",
		).
		Build().Send(ctx, req.Adapter, req.Chat)
	return err
}

func (b *Bot) cmdCancel(ctx context.Context, req *router.Request) error {
	_, ok, err := b.sessions.Get(ctx, req.FromID)
	if err != nil {
		return err
	}
	if !ok {
		_, err = req.Reply(ctx, "There is no draft to cancel. To cancel a scheduled post use /cancelpost <id>.", nil)
		return err
	}
	if err := b.sessions.Delete(ctx, req.FromID); err != nil {
		return err
	}
	_, err = req.Reply(ctx, "🗑 Draft dropped.", nil)
	return err
}

// HandleMessage advances the composition dialog with a non-command
// private message.
func (b *Bot) HandleMessage(ctx context.Context, req *router.Request) error {
	msg := req.Message
	if msg == nil {
		return nil
	}
	d, ok, err := b.sessions.Get(ctx, req.FromID)
	if err != nil {
		return err
	}
	if !ok {
		_, err := req.Reply(ctx, "Send /newpost to schedule a post or /help for all commands.", nil)
		return err
	}

	switch d.Step {
	case session.StepContent:
		return b.addContent(ctx, req, d, msg)
	case session.StepTime:
		return b.setTime(ctx, req, d, msg.Text)
	case session.StepChannel:
		ch, err := b.matchChannel(ctx, req.FromID, msg.Text)
		if err != nil {
			return err
		}
		return b.finish(ctx, req, d, ch)
	}
	// unknown step, e.g. written by a newer version
	_ = b.sessions.Delete(ctx, req.FromID)
	return userError("Your draft could not be restored. Start again with /newpost.")
}

func (b *Bot) addContent(ctx context.Context, req *router.Request, d session.Draft, msg *kit.Message) error {
	text := strings.TrimSpace(msg.Text)
	if !msg.Media.IsZero() {
		d.MediaRef = msg.Media.FileID
		if d.MediaRef == "" {
			d.MediaRef = msg.Media.Path
		}
		d.MediaKind = domain.MediaKind(msg.Media.Kind)
	}
	if text != "" {
		if d.Text != "" {
			d.Text += "\n\n"
		}
		d.Text += text
	}
	d.UpdatedAt = b.now()
	if err := b.sessions.Put(ctx, req.FromID, d); err != nil {
		return err
	}

	what := "Text added"
	if !msg.Media.IsZero() {
		what = "Media attached"
	}
	_, err := req.Reply(ctx, "✅ "+what+". Send more or /done.", nil)
	return err
}

func (b *Bot) setTime(ctx context.Context, req *router.Request, d session.Draft, input string) error {
	now := b.now()
	at, err := ParseFireTime(input, now, b.loc)
	if err != nil {
		return userError("I could not read that time. Use 2026-03-01 18:30, 18:30 or +2h.")
	}
	if !at.After(now) {
		return explain(domain.ErrFireTimeInPast)
	}
	chans, err := b.posting.Channels(ctx, req.FromID)
	if err != nil {
		return explain(err)
	}
	if len(chans) == 0 {
		_ = b.sessions.Delete(ctx, req.FromID)
		return userError("You have no linked channels any more. Link one with /addchannel and start again.")
	}

	d.FireAt = at
	d.Step = session.StepChannel
	d.UpdatedAt = now
	if err := b.sessions.Put(ctx, req.FromID, d); err != nil {
		return err
	}

	kb := tgui.NewInline()
	ub := tgui.New().Title("📢", "Which channel?").Line("Publish at " + b.formatTime(at) + ".").Blank()
	for i, ch := range chans {
		label := channelLabel(ch)
		ub.Line(fmt.Sprintf("%d. %s", i+1, label))
		kb.Row(tgui.Btn(label, tgui.Data(nsDraft, "channel", strconv.FormatInt(ch.ID, 10))))
	}
	ub.Blank().Line("Tap a button or send the number.")
	_, err = ub.Inline(kb).Build().Send(ctx, req.Adapter, req.Chat)
	return err
}

// matchChannel resolves the user's answer in the channel step: a list
// number, the channel's Telegram id or its @username.
func (b *Bot) matchChannel(ctx context.Context, userID int64, answer string) (domain.Channel, error) {
	chans, err := b.posting.Channels(ctx, userID)
	if err != nil {
		return domain.Channel{}, explain(err)
	}
	answer = strings.TrimSpace(answer)
	if n, err := strconv.ParseInt(answer, 10, 64); err == nil {
		if n >= 1 && int(n) <= len(chans) {
			return chans[n-1], nil
		}
		for _, ch := range chans {
			if ch.ExternalID == n {
				return ch, nil
			}
		}
	}
	name := strings.TrimPrefix(answer, "@")
	for _, ch := range chans {
		if name != "" && strings.EqualFold(ch.Username, name) {
			return ch, nil
		}
	}
	return domain.Channel{}, userError("Pick one of the listed channels by its number.")
}

func (b *Bot) cbDraftChannel(ctx context.Context, req *router.Request, payload string) error {
	d, ok, err := b.sessions.Get(ctx, req.FromID)
	if err != nil {
		return err
	}
	if !ok || d.Step != session.StepChannel {
		return userError("That draft has expired. Start again with /newpost.")
	}
	id, err := strconv.ParseInt(payload, 10, 64)
	if err != nil {
		return nil
	}
	chans, err := b.posting.Channels(ctx, req.FromID)
	if err != nil {
		return explain(err)
	}
	for _, ch := range chans {
		if ch.ID == id {
			return b.finish(ctx, req, d, ch)
		}
	}
	return explain(domain.ErrInvalidChannel)
}

// finish submits the draft. Quota rejection ends the dialog; a fire time
// that passed while the user was choosing sends them back to the time step.
func (b *Bot) finish(ctx context.Context, req *router.Request, d session.Draft, ch domain.Channel) error {
	id, err := b.posting.RequestCreate(ctx, req.FromID, ch.ID, d.Content(), d.FireAt)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrFireTimeInPast):
		d.Step = session.StepTime
		d.UpdatedAt = b.now()
		if perr := b.sessions.Put(ctx, req.FromID, d); perr != nil {
			return perr
		}
		return userError("That time has passed in the meantime. Send a new time.")
	case errors.Is(err, domain.ErrQuotaExceeded), errors.Is(err, domain.ErrEmptyContent):
		_ = b.sessions.Delete(ctx, req.FromID)
		return explain(err)
	default:
		return explain(err)
	}

	if err := b.sessions.Delete(ctx, req.FromID); err != nil {
		req.Logger.Warn("draft not cleared", logx.Err(err))
	}
	_, err = tgui.New().
		Title("✅", fmt.Sprintf("Post #%d scheduled", id)).
		KV("Channel", channelLabel(ch)).
		KV("Publish at", b.formatTime(d.FireAt)+" ("+b.loc.String()+")").
		Blank().
		Line("See /schedule, or /cancelpost " + strconv.FormatInt(int64(id), 10) + " to cancel.").
		Build().Send(ctx, req.Adapter, req.Chat)
	return err
}

func channelLabel(ch domain.Channel) string {
	switch {
	case ch.Title != "" && ch.Username != "":
		return ch.Title + " (@" + ch.Username + ")"
	case ch.Title != "":
		return ch.Title
	case ch.Username != "":
		return "@" + ch.Username
	}
	return strconv.FormatInt(ch.ExternalID, 10)
}
