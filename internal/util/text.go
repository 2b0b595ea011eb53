package util

import (
	"strings"
	"unicode"
)

var blockTags = []string{"br", "br/", "br /", "/p", "/div", "/tr", "/li", "/h1", "/h2", "/h3", "/h4", "/h5", "/h6"}

var entities = strings.NewReplacer(
	"&amp;", "&",
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", "\"",
	"&#39;", "'",
	"&apos;", "'",
	"&nbsp;", " ",
)

// HTMLToText drops tags, turns block-level closers into line breaks and
// decodes the common entities. It is meant for previews, not rendering.
func HTMLToText(html string) string {
	var b strings.Builder
	var tag strings.Builder
	inTag := false
	for _, r := range html {
		switch {
		case r == '<':
			inTag = true
			tag.Reset()
		case r == '>' && inTag:
			inTag = false
			if isBlockTag(tag.String()) {
				b.WriteByte('\n')
			}
		case inTag:
			tag.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	out := entities.Replace(b.String())
	for strings.Contains(out, "\n\n\n") {
		out = strings.ReplaceAll(out, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(out)
}

func isBlockTag(t string) bool {
	t = strings.ToLower(strings.TrimSpace(t))
	for _, bt := range blockTags {
		if t == bt {
			return true
		}
	}
	return false
}

// Snippet collapses whitespace and truncates s to at most n runes, adding
// an ellipsis when it cut.
func Snippet(s string, n int) string {
	fields := strings.FieldsFunc(s, unicode.IsSpace)
	joined := strings.Join(fields, " ")
	r := []rune(joined)
	if n <= 0 || len(r) <= n {
		return joined
	}
	return strings.TrimSpace(string(r[:n])) + "…"
}
