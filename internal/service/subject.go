package service

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// replyPrefix matches one reply or forward marker in the languages mail
// clients commonly emit, e.g. "Re:", "Fwd:", "AW:", "Re[2]:"
var replyPrefix = regexp.MustCompile(`(?i)^\s*(re|fwd|fw|r|i|sv|vs|aw|antw|odp|enc)\s*(\[\d+\])?\s*:\s*`)

// NormalizeSubject strips leading reply markers, lower-cases and collapses
// whitespace, and truncates the result to maxLen runes
func NormalizeSubject(subject string, maxLen int) string {
	s := subject
	for {
		loc := replyPrefix.FindStringIndex(s)
		if loc == nil {
			break
		}
		s = s[loc[1]:]
	}
	s = strings.Join(strings.Fields(strings.ToLower(s)), " ")
	return truncateRunes(s, maxLen)
}

func truncateRunes(s string, maxLen int) string {
	if maxLen <= 0 || utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:maxLen]))
}
