package oliver

import (
	"strings"
	"unicode/utf8"
)

// truncate shortens the input string to a specified number of characters.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

// shortenReply reduces the input to at most max runes. Replies longer than
// max are cut at limit runes and the continuation notice is appended; the
// result never exceeds max.
func shortenReply(s string, limit int, max int, notice string) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	cut := limit - utf8.RuneCountInString(notice)
	if cut < 0 {
		cut = 0
	}
	out := string([]rune(s)[:cut]) + notice
	if utf8.RuneCountInString(out) > max {
		out = truncate(out, max)
	}
	return strings.TrimSpace(out)
}

// stripPrefix removes the first matching command prefix from raw and trims
// the remainder. The boolean reports whether any prefix matched.
func stripPrefix(raw string, prefixes []string) (string, bool) {
	for _, p := range prefixes {
		if strings.HasPrefix(raw, p) {
			return strings.TrimSpace(strings.TrimPrefix(raw, p)), true
		}
	}
	return "", false
}

// containsFold reports whether substr occurs in s, case-insensitively.
func containsFold(s string, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
