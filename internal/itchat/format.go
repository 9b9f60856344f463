package itchat

import (
	"html"
	"regexp"
	"strconv"
	"strings"
)

var emojiSpanRe = regexp.MustCompile(`<span class="emoji emoji([0-9a-f]+)"></span>`)

// formatContent turns web markup into plain text: emoji spans become runes,
// <br/> becomes a newline and HTML entities are unescaped.
func formatContent(s string) string {
	s = emojiSpanRe.ReplaceAllStringFunc(s, func(span string) string {
		code := emojiSpanRe.FindStringSubmatch(span)[1]
		if r, ok := emojiRunes(code); ok {
			return r
		}
		return span
	})
	s = strings.ReplaceAll(s, "<br/>", "\n")
	return html.UnescapeString(s)
}

// emojiRunes decodes a span code. Flags and keycaps pack two 5-digit code
// points into one class name.
func emojiRunes(code string) (string, bool) {
	var parts []string
	if len(code) > 5 && len(code)%5 == 0 {
		for i := 0; i < len(code); i += 5 {
			parts = append(parts, code[i:i+5])
		}
	} else {
		parts = []string{code}
	}
	var b strings.Builder
	for _, p := range parts {
		n, err := strconv.ParseUint(p, 16, 32)
		if err != nil || n > 0x10FFFF {
			return "", false
		}
		b.WriteRune(rune(n))
	}
	return b.String(), true
}

// submatch returns capture group n of the first match.
func submatch(re *regexp.Regexp, s string, n int) (string, bool) {
	m := re.FindStringSubmatch(s)
	if m == nil || n >= len(m) {
		return "", false
	}
	return m[n], true
}

// submatchOr is submatch with an explicit fallback for no match.
func submatchOr(re *regexp.Regexp, s string, n int, fallback string) string {
	if v, ok := submatch(re, s, n); ok {
		return v
	}
	return fallback
}
