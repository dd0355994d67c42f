package tgui

import (
	"fmt"
	"html"
	"strings"
)

// H is HTML already safe for Telegram's ParseMode="HTML". Everything in
// this package produces or consumes H, so escaping happens exactly once,
// at the boundary where plain text comes in.
type H string

func (h H) String() string { return string(h) }

// Esc escapes plain text into H.
func Esc(s string) H { return H(html.EscapeString(s)) }

// Raw asserts that s is already valid Telegram HTML.
func Raw(s string) H { return H(s) }

func wrap(tag string, inner H) H { return H("<" + tag + ">" + inner.String() + "</" + tag + ">") }

func B(s string) H    { return wrap("b", Esc(s)) }
func I(s string) H    { return wrap("i", Esc(s)) }
func Code(s string) H { return wrap("code", Esc(s)) }

// Pre renders one preformatted block. Telegram wants tags balanced per
// message, so long content belongs in the builder's PreMulti rather than
// a single giant Pre.
func Pre(s string) H {
	return H("<pre><code>" + html.EscapeString(s) + "</code></pre>")
}

// Link builds an anchor with both the text and the href escaped.
func Link(text, url string) H {
	return H(fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(url), html.EscapeString(text)))
}

// Mention links a display name to a Telegram user ID.
func Mention(name string, userID int64) H {
	return Link(name, fmt.Sprintf("tg://user?id=%d", userID))
}

// JoinH joins parts with sep, skipping blank ones.
func JoinH(sep string, parts ...H) H {
	var ss []string
	for _, p := range parts {
		if strings.TrimSpace(p.String()) != "" {
			ss = append(ss, p.String())
		}
	}
	return H(strings.Join(ss, sep))
}
