package tgui

import (
	"context"
	"strings"

	kit "postbot/internal/transport"
)

// Message is rendered HTML plus the options it is sent with.
type Message struct {
	Text string
	Opt  *kit.SendOptions
}

func (m Message) options() *kit.SendOptions {
	if m.Opt == nil {
		return &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}
	}
	return m.Opt
}

func (m Message) Send(ctx context.Context, to kit.TextSender, chat kit.ChatTarget) (kit.MessageRef, error) {
	return to.SendText(ctx, chat, m.Text, m.options())
}

// Edit replaces the text and keyboard of ref in place.
func (m Message) Edit(ctx context.Context, ad kit.Adapter, ref kit.MessageRef) error {
	return ad.EditText(ctx, ref, m.Text, m.options())
}

// Builder assembles a Message line by line. Text passed to Title, Section,
// Line, Bullets and KV is escaped; RawLine takes H values verbatim.
type Builder struct {
	lines []string
	kb    *Inline
}

func New() *Builder { return &Builder{} }

func (b *Builder) Title(emoji, title string) *Builder {
	title = strings.TrimSpace(title)
	if title == "" {
		return b
	}
	line := B(title).String()
	if e := strings.TrimSpace(emoji); e != "" {
		line = Esc(e).String() + " " + line
	}
	b.lines = append(b.lines, line)
	return b
}

func (b *Builder) Section(title string) *Builder {
	if t := strings.TrimSpace(title); t != "" {
		b.lines = append(b.lines, B(t).String())
	}
	return b
}

func (b *Builder) Line(s string) *Builder {
	b.lines = append(b.lines, Esc(s).String())
	return b
}

func (b *Builder) RawLine(s string) *Builder {
	b.lines = append(b.lines, s)
	return b
}

func (b *Builder) Blank() *Builder { return b.RawLine("") }

func (b *Builder) Bullets(items ...string) *Builder {
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			b.Line("• " + it)
		}
	}
	return b
}

// KV renders "• <b>key</b>: value". Empty keys are skipped.
func (b *Builder) KV(key, value string) *Builder {
	key = strings.TrimSpace(key)
	if key == "" {
		return b
	}
	return b.RawLine("• " + B(key).String() + ": " + Esc(strings.TrimSpace(value)).String())
}

// Inline attaches a keyboard; nil or empty removes it.
func (b *Builder) Inline(kb *Inline) *Builder {
	b.kb = kb
	return b
}

func (b *Builder) Build() Message {
	opt := &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}
	if b.kb != nil && b.kb.Len() > 0 {
		opt.ReplyMarkupAdapter = b.kb.Markup()
	}
	return Message{
		Text: strings.Trim(strings.Join(b.lines, "\n"), "\n"),
		Opt:  opt,
	}
}
