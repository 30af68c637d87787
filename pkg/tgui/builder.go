package tgui

import "strings"

// Builder collects message lines. The zero value is ready to use.
type Builder struct {
	lines []string
}

// Title adds a bold line; blank titles are skipped.
func (b *Builder) Title(title string) *Builder {
	if t := strings.TrimSpace(title); t != "" {
		b.lines = append(b.lines, B(t).String())
	}
	return b
}

// Section starts a block: an empty line followed by an underlined header.
func (b *Builder) Section(title string) *Builder {
	t := strings.TrimSpace(title)
	if t == "" {
		return b
	}
	if len(b.lines) > 0 {
		b.lines = append(b.lines, "")
	}
	b.lines = append(b.lines, U(t).String())
	return b
}

func (b *Builder) Line(s string) *Builder {
	b.lines = append(b.lines, Esc(s).String())
	return b
}

// HTML appends a line that is already safe.
func (b *Builder) HTML(h H) *Builder {
	b.lines = append(b.lines, h.String())
	return b
}

func (b *Builder) Blank() *Builder {
	b.lines = append(b.lines, "")
	return b
}

// Bullet adds "• <i>label</i> text"; an empty label is left out.
func (b *Builder) Bullet(label, text string) *Builder {
	parts := []H{"•"}
	if l := strings.TrimSpace(label); l != "" {
		parts = append(parts, I(l))
	}
	return b.HTML(Join(" ", append(parts, Esc(text))...))
}

// Struck adds an indented, struck-through line.
func (b *Builder) Struck(text string) *Builder {
	return b.HTML("  " + S(text))
}

// KV adds "key: value" with the value in bold.
func (b *Builder) KV(key, value string) *Builder {
	return b.HTML(Esc(key) + ": " + B(value))
}

func (b *Builder) Len() int { return len(b.lines) }

// String joins the lines and trims surrounding newlines.
func (b *Builder) String() string {
	return strings.Trim(strings.Join(b.lines, "\n"), "\n")
}
