// Package tgui builds Telegram HTML messages. Every text argument is escaped;
// only values of type H pass through unchanged.
package tgui

import (
	"html"
	"strings"
)

// H is HTML that is already safe for ParseMode=HTML.
type H string

func (h H) String() string { return string(h) }

func Esc(s string) H { return H(html.EscapeString(s)) }

func wrap(tag string, inner H) H { return H("<" + tag + ">" + inner.String() + "</" + tag + ">") }

func B(s string) H { return wrap("b", Esc(s)) }
func I(s string) H { return wrap("i", Esc(s)) }
func U(s string) H { return wrap("u", Esc(s)) }
func S(s string) H { return wrap("s", Esc(s)) }

// Join concatenates parts with sep, skipping blank ones.
func Join(sep string, parts ...H) H {
	ss := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p.String()) == "" {
			continue
		}
		ss = append(ss, p.String())
	}
	return H(strings.Join(ss, sep))
}
