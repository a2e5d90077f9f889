package tgui

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	kit "postbot/internal/transport"
)

func TestBuilderEscapesAndAttachesKeyboard(t *testing.T) {
	msg := New().
		Title("📋", "Posts <mine>").
		Blank().
		Line("a & b").
		KV("Publish at", "18:30").
		KV("", "skipped").
		Bullets("one", " ", "two").
		RawLine(I("note").String()).
		Inline(ConfirmInline(Btn("Yes", Data("post", "cancel", "7")), Btn("No", Data("post", "keep", "7")))).
		Build()

	want := "📋 <b>Posts &lt;mine&gt;</b>\n\n" +
		"a &amp; b\n" +
		"• <b>Publish at</b>: 18:30\n" +
		"• one\n• two\n" +
		"<i>note</i>"
	assert.Equal(t, want, msg.Text)
	require.NotNil(t, msg.Opt)
	assert.Equal(t, "HTML", msg.Opt.ParseMode)
	assert.True(t, msg.Opt.DisablePreview)

	rm, ok := msg.Opt.ReplyMarkupAdapter.(*tele.ReplyMarkup)
	require.True(t, ok)
	require.Len(t, rm.InlineKeyboard, 1)
	assert.Equal(t, "post:cancel:7", rm.InlineKeyboard[0][0].Data)
}

func TestEmptyKeyboardIsDropped(t *testing.T) {
	msg := New().Line("x").Inline(NewInline().Row()).Build()
	assert.Nil(t, msg.Opt.ReplyMarkupAdapter)
}

type recordingSender struct {
	text string
	opt  *kit.SendOptions
}

func (r *recordingSender) SendText(_ context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	r.text, r.opt = text, opt
	return kit.MessageRef{ChatID: to.ChatID, MessageID: 1}, nil
}

func TestMessageSendDefaultsToHTML(t *testing.T) {
	rec := &recordingSender{}
	ref, err := Message{Text: "<b>hi</b>"}.Send(context.Background(), rec, kit.ChatTarget{ChatID: 5})
	require.NoError(t, err)
	assert.Equal(t, int64(5), ref.ChatID)
	assert.Equal(t, "<b>hi</b>", rec.text)
	assert.Equal(t, "HTML", rec.opt.ParseMode)
}

func TestCallbackData(t *testing.T) {
	assert.Equal(t, "draft:done", Data(" draft ", "done", ""))

	type pos struct {
		Filter string `json:"f"`
		Page   int    `json:"p"`
	}
	payload, err := PackJSON(pos{Filter: "scheduled", Page: 3})
	require.NoError(t, err)
	data := Data("sched", "page", payload)
	assert.LessOrEqual(t, len(data), MaxCallbackDataLen)

	ns, action, got := ParseData(data)
	assert.Equal(t, "sched", ns)
	assert.Equal(t, "page", action)
	var back pos
	require.NoError(t, UnpackJSON(got, &back))
	assert.Equal(t, pos{Filter: "scheduled", Page: 3}, back)

	ns, action, got = ParseData("x:y:a:b")
	assert.Equal(t, []string{"x", "y", "a:b"}, []string{ns, action, got})
	_, action, _ = ParseData("bare")
	assert.Empty(t, action)

	assert.Error(t, UnpackJSON("!!", &back))
}

func TestPaginate(t *testing.T) {
	items := make([]int, 27)
	for i := range items {
		items[i] = i
	}

	pg := Paginate(items, 1, 10)
	assert.Equal(t, items[10:20], pg.Items)
	assert.True(t, pg.HasPrev)
	assert.True(t, pg.HasNext)
	assert.Equal(t, "Page 2/3 • 11-20 of 27", pg.Label())

	last := Paginate(items, 99, 10)
	assert.Equal(t, 2, last.Index)
	assert.Len(t, last.Items, 7)
	assert.False(t, last.HasNext)
	assert.Equal(t, "Page 3/3 • 21-27 of 27", last.Label())

	empty := Paginate([]int(nil), -1, 0)
	assert.Empty(t, empty.Items)
	assert.Equal(t, 10, empty.Size)
	assert.Equal(t, "Page 1/1", empty.Label())
}

func TestTruncRunes(t *testing.T) {
	assert.Equal(t, "привет", TruncRunes("привет", 6))
	assert.Equal(t, "при…", TruncRunes("привет", 4))
	assert.Equal(t, "", TruncRunes("abc", 0))
	assert.Equal(t, "…", TruncRunes("abc", 1))
}
