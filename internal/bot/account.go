package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"postbot/internal/domain"
	"postbot/internal/transport/telegram/router"
	logx "postbot/pkg/logx"
	"postbot/pkg/tgui"
)

func (b *Bot) cmdStart(ctx context.Context, req *router.Request) error {
	u, err := b.ensureUser(ctx, req)
	if err != nil {
		return explain(err)
	}
	plan, err := b.posting.Plan(ctx, u.ID)
	if err != nil {
		return explain(err)
	}

	ub := tgui.New()
	if u.IsAdmin {
		ub.Title("👑", "Hello, admin!")
	} else {
		ub.Title("🤖", "Hello, "+u.DisplayName()+"!").
			Line("I publish your posts to Telegram channels at the time you choose.")
	}
	ub.Blank().
		KV("Plan", strings.ToUpper(plan.Tier.Name)).
		KV("Channels", fmt.Sprintf("%d of %d", plan.Channels, plan.Tier.MaxChannels)).
		KV("Posts per day", strconv.Itoa(plan.Tier.PostsPerDay)).
		Blank().
		Section("Commands").
		Bullets(
			"/newpost - compose and schedule a post",
			"/mychannels - your channels",
			"/addchannel - link a channel",
			"/schedule - your posts",
			"/tariffs - plans",
			"/help - everything else",
		)
	if u.IsAdmin {
		ub.Section("Admin").Bullets("/stats", "/users", "/settier", "/broadcast")
	}
	_, err = ub.Build().Send(ctx, req.Adapter, req.Chat)
	return err
}

func tierEmoji(t domain.Tier) string {
	switch {
	case t.PriceCents == 0:
		return "🆓"
	case t.PriceCents < 800:
		return "💎"
	}
	return "👑"
}

func formatPrice(cents int64) string {
	if cents == 0 {
		return "free"
	}
	return fmt.Sprintf("$%d.%02d / month", cents/100, cents%100)
}

func (b *Bot) cmdTariffs(ctx context.Context, req *router.Request) error {
	tiers, err := b.posting.Tiers(ctx)
	if err != nil {
		return explain(err)
	}
	ub := tgui.New().Title("💎", "Plans").Blank()
	for _, t := range tiers {
		ub.Title(tierEmoji(t), strings.ToUpper(t.Name)).
			KV("Price", formatPrice(t.PriceCents)).
			KV("Channels", strconv.Itoa(t.MaxChannels)).
			KV("Posts per day", strconv.Itoa(t.PostsPerDay))
		if t.Description != "" {
			ub.Line(t.Description)
		}
		ub.Blank()
	}
	if b.cfg.Support != "" {
		ub.RawLine(tgui.I("To change your plan contact " + b.cfg.Support + ".").String())
	}
	_, err = ub.Build().Send(ctx, req.Adapter, req.Chat)
	return err
}

func (b *Bot) cmdMyPlan(ctx context.Context, req *router.Request) error {
	if _, err := b.ensureUser(ctx, req); err != nil {
		return explain(err)
	}
	plan, err := b.posting.Plan(ctx, req.FromID)
	if err != nil {
		return explain(err)
	}
	_, err = tgui.New().
		Title(tierEmoji(plan.Tier), "Plan "+strings.ToUpper(plan.Tier.Name)).
		KV("Price", formatPrice(plan.Tier.PriceCents)).
		KV("Channels", fmt.Sprintf("%d of %d", plan.Channels, plan.Tier.MaxChannels)).
		KV("Posts today", fmt.Sprintf("%d of %d (%d left)", plan.Usage.Used, plan.Usage.Limit, plan.Usage.Remaining())).
		Blank().
		Line("More posts or channels: /tariffs").
		Build().Send(ctx, req.Adapter, req.Chat)
	return err
}

func (b *Bot) cmdMyChannels(ctx context.Context, req *router.Request) error {
	chans, err := b.posting.Channels(ctx, req.FromID)
	if err != nil {
		return explain(err)
	}
	if len(chans) == 0 {
		_, err := req.Reply(ctx, "You have no channels yet. Add the bot to your channel as an administrator, then send /addchannel @channel.", nil)
		return err
	}
	ub := tgui.New().Title("📢", "Your channels")
	for _, ch := range chans {
		ub.RawLine(fmt.Sprintf("• %s %s", tgui.Code(strconv.FormatInt(ch.ID, 10)), tgui.Esc(channelLabel(ch))))
	}
	ub.Blank().Line("Unlink with /removechannel <id>.")
	_, err = ub.Build().Send(ctx, req.Adapter, req.Chat)
	return err
}

// cmdAddChannel links a channel after checking through the Telegram API
// that the bot can post there and that the caller administers it.
func (b *Bot) cmdAddChannel(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		return userError("Usage: /addchannel @channel\n\nFirst add the bot to the channel as an administrator allowed to post messages.")
	}
	if _, err := b.ensureUser(ctx, req); err != nil {
		return explain(err)
	}
	info, err := b.channels.ResolveChannel(ctx, req.Args[0])
	if err != nil {
		return explain(err)
	}
	if err := b.channels.CheckPostingRights(ctx, info.ID, req.FromID); err != nil {
		return explain(err)
	}
	ch, err := b.posting.AddChannel(ctx, req.FromID, domain.Channel{
		ExternalID: info.ID,
		Username:   info.Username,
		Title:      info.Title,
	})
	if err != nil {
		return explain(err)
	}
	req.Logger.Info("channel linked", logx.Int64("channel", ch.ID), logx.Int64("chat", ch.ExternalID))
	_, err = req.Reply(ctx, fmt.Sprintf("✅ Channel %s linked (id %d). Schedule a post with /newpost.", channelLabel(ch), ch.ID), nil)
	return err
}

func (b *Bot) cmdRemoveChannel(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		return userError("Usage: /removechannel <id>. The ids are listed by /mychannels.")
	}
	id, err := strconv.ParseInt(req.Args[0], 10, 64)
	if err != nil {
		return userError("The channel id must be a number, see /mychannels.")
	}
	cancelled, err := b.posting.RemoveChannel(ctx, req.FromID, id)
	if err != nil {
		return explain(err)
	}
	text := "✅ Channel unlinked."
	if n := len(cancelled); n > 0 {
		text += fmt.Sprintf(" %d scheduled post(s) were cancelled.", n)
	}
	_, err = req.Reply(ctx, text, nil)
	return err
}
