package tgui

import (
	"context"
	"strings"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	kit "pricebot/internal/transport"
)

// Message is one rendered reply: the text plus its send options. More
// carries overflow parts that go out as separate messages, since
// Telegram caps message length and wants balanced HTML per message.
type Message struct {
	Text string
	Opt  *kit.SendOptions

	More []string
}

// Send delivers the message and then its More parts. Only the first
// message carries reply markup.
func (m Message) Send(ctx context.Context, ad kit.Adapter, to kit.ChatTarget) (kit.MessageRef, error) {
	if m.Opt == nil {
		m.Opt = &kit.SendOptions{}
	}
	ref, err := ad.SendText(ctx, to, m.Text, m.Opt)
	if err != nil {
		return ref, err
	}
	return ref, m.sendFollowUps(ctx, ad, to)
}

// Edit rewrites the message behind ref. More parts cannot be edited in
// place; they are sent as fresh messages after the edit.
func (m Message) Edit(ctx context.Context, ad kit.Adapter, ref kit.MessageRef, to kit.ChatTarget) error {
	if m.Opt == nil {
		m.Opt = &kit.SendOptions{}
	}
	if err := ad.EditText(ctx, ref, m.Text, m.Opt); err != nil {
		return err
	}
	return m.sendFollowUps(ctx, ad, to)
}

func (m Message) sendFollowUps(ctx context.Context, ad kit.Adapter, to kit.ChatTarget) error {
	if len(m.More) == 0 {
		return nil
	}
	opt := *m.Opt
	opt.ReplyMarkupAdapter = nil
	for _, t := range m.More {
		if strings.TrimSpace(t) == "" {
			continue
		}
		if _, err := ad.SendText(ctx, to, t, &opt); err != nil {
			return err
		}
	}
	return nil
}

// Builder assembles a reply line by line. It defaults to HTML parse
// mode with link previews off; in HTML mode every text input is
// escaped on the way in.
type Builder struct {
	parseMode      string
	disablePreview bool
	rm             *tele.ReplyMarkup
	lines          []string
	more           []string
}

func New() *Builder {
	return &Builder{parseMode: "HTML", disablePreview: true}
}

func (b *Builder) html() bool { return strings.EqualFold(b.parseMode, "HTML") }

// ParseMode switches to "HTML", "Markdown" or plain (empty).
func (b *Builder) ParseMode(mode string) *Builder {
	b.parseMode = strings.TrimSpace(mode)
	return b
}

func (b *Builder) DisablePreview(v bool) *Builder {
	b.disablePreview = v
	return b
}

// Inline attaches an inline keyboard to the first message.
func (b *Builder) Inline(kb *Inline) *Builder {
	if kb == nil {
		b.rm = nil
		return b
	}
	b.rm = kb.Markup()
	return b
}

// Title adds a bold headline, optionally led by an emoji.
func (b *Builder) Title(emoji, title string) *Builder {
	e := strings.TrimSpace(emoji)
	t := strings.TrimSpace(title)
	if t == "" {
		return b
	}
	head := t
	if b.html() {
		head = B(t).String()
		if e != "" {
			head = Esc(e).String() + " " + head
		}
	} else if e != "" {
		head = e + " " + t
	}
	b.lines = append(b.lines, head)
	return b
}

// Section adds a bold intermediate header.
func (b *Builder) Section(title string) *Builder {
	t := strings.TrimSpace(title)
	if t == "" {
		return b
	}
	if b.html() {
		t = B(t).String()
	}
	b.lines = append(b.lines, t)
	return b
}

// Line adds one line of body text, escaped in HTML mode. Blank input
// becomes an empty line.
func (b *Builder) Line(s string) *Builder {
	switch {
	case strings.TrimSpace(s) == "":
		b.lines = append(b.lines, "")
	case b.html():
		b.lines = append(b.lines, Esc(s).String())
	default:
		b.lines = append(b.lines, s)
	}
	return b
}

// RawLine appends s with no escaping. The caller owns tag balance.
func (b *Builder) RawLine(s string) *Builder {
	b.lines = append(b.lines, s)
	return b
}

// Blank inserts an empty line.
func (b *Builder) Blank() *Builder { return b.Line("") }

// Bullets adds one "• item" line per non-blank item.
func (b *Builder) Bullets(items ...string) *Builder {
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			b.Line("• " + it)
		}
	}
	return b
}

// KV adds a "• Key: value" row, with the key bold in HTML mode.
func (b *Builder) KV(key, value string) *Builder {
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)
	if key == "" {
		return b
	}
	if b.html() {
		b.lines = append(b.lines, "• "+B(key).String()+": "+Esc(value).String())
		return b
	}
	row := "• " + key
	if value != "" {
		row += ": " + value
	}
	b.lines = append(b.lines, row)
	return b
}

// Code adds an inline code line; plain text when not in HTML mode.
func (b *Builder) Code(s string) *Builder {
	s = strings.TrimSpace(s)
	if s == "" {
		return b
	}
	if b.html() {
		s = Code(s).String()
	}
	b.lines = append(b.lines, s)
	return b
}

// Pre adds one preformatted block. Content that can outgrow a single
// Telegram message belongs in PreMulti.
func (b *Builder) Pre(code string) *Builder {
	code = strings.TrimRight(code, "\n")
	if code == "" {
		return b
	}
	if b.html() {
		code = Pre(code).String()
	}
	b.lines = append(b.lines, code)
	return b
}

// PreMulti renders long preformatted content as a chain of messages,
// each wrapped in its own balanced pre block. chunkLimit overrides the
// per-message budget, mainly for tests.
func (b *Builder) PreMulti(code string, chunkLimit ...int) *Builder {
	code = strings.TrimRight(code, "\n")
	if code == "" {
		return b
	}
	if !b.html() {
		b.lines = append(b.lines, code)
		return b
	}

	limit := 3500
	if len(chunkLimit) > 0 && chunkLimit[0] > 0 {
		limit = chunkLimit[0]
	}
	// Telegram hard-caps a message at 4096 characters and the wrapper
	// tags count against that.
	eff := limit - len("<pre><code></code></pre>")
	if eff < 128 {
		eff = 128
	}

	for n, chunk := range splitPreChunks(code, eff) {
		if n == 0 {
			b.lines = append(b.lines, Pre(chunk).String())
		} else {
			b.more = append(b.more, Pre(chunk).String())
		}
	}
	return b
}

// splitPreChunks cuts code into windows of at most eff runes, breaking
// on a newline when one falls in the last two thirds of the window.
// Boundary newlines are consumed, so rejoining the chunks with "\n"
// restores the original text.
func splitPreChunks(code string, eff int) []string {
	var chunks []string
	start := 0
	for start < len(code) {
		runes := 0
		end := start
		nlEnd := -1
		nlRunes := 0
		for end < len(code) && runes < eff {
			r, size := utf8.DecodeRuneInString(code[end:])
			if r == '\n' {
				nlEnd = end + size
				nlRunes = runes + 1
			}
			runes++
			end += size
		}
		if end < len(code) && nlEnd != -1 && nlRunes >= eff/3 {
			end = nlEnd
		}
		chunks = append(chunks, strings.TrimRight(code[start:end], "\n"))
		start = end
		for start < len(code) && code[start] == '\n' {
			start++
		}
	}
	return chunks
}

// Build renders the accumulated lines into a ready-to-send Message.
func (b *Builder) Build() Message {
	opt := &kit.SendOptions{ParseMode: b.parseMode, DisablePreview: b.disablePreview}
	if b.rm != nil {
		opt.ReplyMarkupAdapter = b.rm
	}
	text := strings.Trim(strings.Join(b.lines, "\n"), "\n")
	return Message{Text: text, Opt: opt, More: append([]string(nil), b.more...)}
}
