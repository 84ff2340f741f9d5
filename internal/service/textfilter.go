package service

import (
	"regexp"
	"strings"
)

// NewTermFilter masks whole-word, case-insensitive matches of terms with asterisks.
// It returns nil when there is nothing to filter.
func NewTermFilter(terms []string) TextFilter {
	var quoted []string
	for _, t := range terms {
		if t = strings.TrimSpace(t); t != "" {
			quoted = append(quoted, regexp.QuoteMeta(t))
		}
	}
	if len(quoted) == 0 {
		return nil
	}
	re := regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`)
	return func(s string) string {
		return re.ReplaceAllStringFunc(s, func(m string) string {
			return strings.Repeat("*", len([]rune(m)))
		})
	}
}
