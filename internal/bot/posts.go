package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"

	"postbot/internal/domain"
	kit "postbot/internal/transport"
	"postbot/internal/transport/telegram/router"
	"postbot/pkg/tgui"
)

const previewRunes = 60

var stateIcon = map[domain.PostState]string{
	domain.StateScheduled: "⏰",
	domain.StatePublished: "✅",
	domain.StateFailed:    "❌",
	domain.StateCancelled: "🚫",
}

// schedulePos is the /schedule view encoded into page buttons.
type schedulePos struct {
	Filter string `json:"f"`
	Page   int    `json:"p"`
}

func parseFilter(arg string) (string, []domain.PostState, error) {
	arg = strings.ToLower(strings.TrimSpace(arg))
	switch arg {
	case "", string(domain.StateScheduled):
		return string(domain.StateScheduled), []domain.PostState{domain.StateScheduled}, nil
	case "all":
		return "all", nil, nil
	}
	st, ok := domain.ParseState(arg)
	if !ok {
		return "", nil, userError("Unknown filter %q. Use all, scheduled, published, failed or cancelled.", arg)
	}
	return string(st), []domain.PostState{st}, nil
}

func (b *Bot) cmdSchedule(ctx context.Context, req *router.Request) error {
	arg := ""
	if len(req.Args) > 0 {
		arg = req.Args[0]
	}
	msg, err := b.renderSchedule(ctx, req.FromID, arg, 0)
	if err != nil {
		return err
	}
	_, err = msg.Send(ctx, req.Adapter, req.Chat)
	return err
}

func (b *Bot) cbSchedulePage(ctx context.Context, req *router.Request, payload string) error {
	var pos schedulePos
	if err := tgui.UnpackJSON(payload, &pos); err != nil {
		return nil
	}
	msg, err := b.renderSchedule(ctx, req.FromID, pos.Filter, pos.Page)
	if err != nil {
		return err
	}
	cb := req.Update.Callback
	ref := kit.MessageRef{ChatID: cb.ChatID, ThreadID: cb.ThreadID, MessageID: cb.MessageID}
	return msg.Edit(ctx, req.Adapter, ref)
}

func (b *Bot) renderSchedule(ctx context.Context, userID int64, filter string, page int) (tgui.Message, error) {
	name, states, err := parseFilter(filter)
	if err != nil {
		return tgui.Message{}, err
	}
	posts, err := b.posting.ListPosts(ctx, userID, states...)
	if err != nil {
		return tgui.Message{}, explain(err)
	}
	chans, err := b.posting.Channels(ctx, userID)
	if err != nil {
		return tgui.Message{}, explain(err)
	}
	names := make(map[int64]string, len(chans))
	for _, ch := range chans {
		names[ch.ID] = channelLabel(ch)
	}

	ub := tgui.New().Title("📋", "Your posts ("+name+")")
	if len(posts) == 0 {
		ub.Blank().Line("Nothing here. Create a post with /newpost.")
		return ub.Build(), nil
	}

	pg := tgui.Paginate(posts, page, b.cfg.PageSize)
	ub.Line(pg.Label()).Blank()
	for _, p := range pg.Items {
		chName, ok := names[p.ChannelID]
		if !ok {
			chName = "unlinked channel"
		}
		ub.RawLine(fmt.Sprintf("%s %s %s → %s",
			stateIcon[p.State],
			tgui.Code("#"+strconv.FormatInt(int64(p.ID), 10)),
			tgui.Esc(b.formatTime(p.FireAt)),
			tgui.Esc(chName),
		))
		ub.Line("   " + postPreview(p.Content))
		if p.State == domain.StateFailed && p.Error != "" {
			ub.RawLine("   " + tgui.I(tgui.TruncRunes(p.Error, previewRunes)).String())
		}
	}

	if pg.HasPrev || pg.HasNext {
		var row []tele.Btn
		if pg.HasPrev {
			row = append(row, tgui.Btn("◀️ Back", scheduleData(name, pg.Index-1)))
		}
		if pg.HasNext {
			row = append(row, tgui.Btn("Next ▶️", scheduleData(name, pg.Index+1)))
		}
		ub.Inline(tgui.NewInline().Row(row...))
	}
	return ub.Build(), nil
}

func scheduleData(filter string, page int) string {
	payload, _ := tgui.PackJSON(schedulePos{Filter: filter, Page: page})
	return tgui.Data(nsSchedule, "page", payload)
}

func postPreview(c domain.Content) string {
	text := strings.Join(strings.Fields(c.Text), " ")
	if text == "" {
		text = "(no text)"
	}
	text = tgui.TruncRunes(text, previewRunes)
	if c.MediaKind != domain.MediaNone {
		text = "[" + string(c.MediaKind) + "] " + text
	}
	return text
}

func parsePostID(s string) (domain.PostID, error) {
	n, err := strconv.ParseInt(strings.TrimPrefix(strings.TrimSpace(s), "#"), 10, 64)
	if err != nil || n <= 0 {
		return 0, userError("The post id must be a positive number, see /schedule.")
	}
	return domain.PostID(n), nil
}

// cmdCancelPost asks for confirmation unless -y is given.
func (b *Bot) cmdCancelPost(ctx context.Context, req *router.Request) error {
	raw := ""
	switch {
	case len(req.Args) > 0:
		raw = req.Args[0]
	case req.Flags["y"] != "":
		// "-y 12" parses as a valued flag
		raw = req.Flags["y"]
	default:
		return userError("Usage: /cancelpost <id> [-y]. The ids are listed by /schedule.")
	}
	id, err := parsePostID(raw)
	if err != nil {
		return err
	}
	_, valued := req.Flags["y"]
	if req.BoolFlags["y"] || valued {
		if err := b.posting.RequestCancel(ctx, req.FromID, id); err != nil {
			return explain(err)
		}
		_, err := req.Reply(ctx, fmt.Sprintf("🚫 Post #%d cancelled.", id), nil)
		return err
	}

	ub := tgui.New().Title("❓", fmt.Sprintf("Cancel post #%d?", id))
	if p, ok, err := b.findPost(ctx, req.FromID, id); err != nil {
		return explain(err)
	} else if ok {
		if p.State != domain.StateScheduled {
			return explain(domain.ErrAlreadyTerminal)
		}
		ub.KV("Publish at", b.formatTime(p.FireAt)).Line(postPreview(p.Content))
	} else if !req.Admin {
		return explain(domain.ErrNotFound)
	}

	pid := strconv.FormatInt(int64(id), 10)
	kb := tgui.ConfirmInline(
		tgui.Btn("🚫 Cancel it", tgui.Data(nsPost, "cancel", pid)),
		tgui.Btn("Keep", tgui.Data(nsPost, "keep", pid)),
	)
	_, err = ub.Inline(kb).Build().Send(ctx, req.Adapter, req.Chat)
	return err
}

func (b *Bot) findPost(ctx context.Context, userID int64, id domain.PostID) (domain.Post, bool, error) {
	posts, err := b.posting.ListPosts(ctx, userID)
	if err != nil {
		return domain.Post{}, false, err
	}
	for _, p := range posts {
		if p.ID == id {
			return p, true, nil
		}
	}
	return domain.Post{}, false, nil
}

func (b *Bot) cbCancelPost(ctx context.Context, req *router.Request, payload string) error {
	id, err := parsePostID(payload)
	if err != nil {
		return nil
	}
	text := fmt.Sprintf("🚫 Post #%d cancelled.", id)
	if err := b.posting.RequestCancel(ctx, req.FromID, id); err != nil {
		perr := explain(err)
		ue, ok := perr.(*replyError)
		if !ok {
			return perr
		}
		text = ue.msg
	}
	return b.editCallback(ctx, req, text)
}

func (b *Bot) cbKeepPost(ctx context.Context, req *router.Request, payload string) error {
	id, err := parsePostID(payload)
	if err != nil {
		return nil
	}
	return b.editCallback(ctx, req, fmt.Sprintf("👍 Post #%d stays scheduled.", id))
}

// editCallback replaces the message carrying the pressed button, dropping
// its keyboard.
func (b *Bot) editCallback(ctx context.Context, req *router.Request, text string) error {
	cb := req.Update.Callback
	if cb == nil {
		_, err := req.Reply(ctx, text, nil)
		return err
	}
	ref := kit.MessageRef{ChatID: cb.ChatID, ThreadID: cb.ThreadID, MessageID: cb.MessageID}
	return req.Adapter.EditText(ctx, ref, text, &kit.SendOptions{DisablePreview: true})
}
