package adapter

import (
	"strings"

	tele "gopkg.in/telebot.v4"
)

// maxMessageRunes stays below Telegram's 4096 limit to leave room for
// entities the server counts differently.
const maxMessageRunes = 4000

// splitText cuts s into parts of at most limit runes. Whole lines are kept
// together where possible; a line longer than limit is hard cut, and in HTML
// mode never inside a tag.
func splitText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = maxMessageRunes
	}
	if len([]rune(s)) <= limit {
		return []string{s}
	}
	html := strings.EqualFold(parseMode, tele.ModeHTML)

	var parts []string
	var cur []rune
	flush := func() {
		if p := strings.Trim(string(cur), "\n"); p != "" {
			parts = append(parts, p)
		}
		cur = cur[:0]
	}
	for _, line := range strings.SplitAfter(s, "\n") {
		rs := []rune(line)
		if len(cur)+len(rs) <= limit {
			cur = append(cur, rs...)
			continue
		}
		flush()
		for len(rs) > limit {
			cut := hardCut(rs, limit, html)
			parts = append(parts, string(rs[:cut]))
			rs = rs[cut:]
		}
		cur = append(cur, rs...)
	}
	flush()
	if len(parts) == 0 {
		return []string{s}
	}
	return parts
}

// hardCut returns where to cut rs so the head is at most limit runes. In
// HTML mode it backs off to the start of an unclosed tag.
func hardCut(rs []rune, limit int, html bool) int {
	if !html {
		return limit
	}
	for i := limit - 1; i > 0; i-- {
		switch rs[i] {
		case '>':
			return limit
		case '<':
			return i
		}
	}
	return limit
}
