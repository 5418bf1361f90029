// Package sanitize normalizes user-supplied message content before it is
// persisted or fanned out.
package sanitize

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxContentLength is the hard cap on message content after cleaning.
const MaxContentLength = 2000

var (
	tagPattern       = regexp.MustCompile(`<[^>]*>`)
	scriptURIPattern = regexp.MustCompile(`(?i)(javascript|data|vbscript):[^\s]*`)
	multiSpace       = regexp.MustCompile(`[ \t]{2,}`)
)

// Words flagged by the advisory profanity check. Kept deliberately small;
// the trust & safety service runs the full moderation pipeline offline.
var profanity = map[string]struct{}{
	"bastard": {},
	"bitch":   {},
	"fuck":    {},
	"shit":    {},
	"slut":    {},
	"whore":   {},
}

// Clean strips markup and script URIs, collapses runs of spaces, trims, and
// truncates to MaxContentLength.
func Clean(s string) string {
	s = tagPattern.ReplaceAllString(s, "")
	s = scriptURIPattern.ReplaceAllString(s, "")
	s = multiSpace.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)

	if len(s) > MaxContentLength {
		s = truncate(s, MaxContentLength)
	}

	return s
}

// truncate cuts s to at most n bytes without splitting a rune; a multi-byte
// rune straddling the cap is dropped whole so the result stays valid UTF-8.
func truncate(s string, n int) string {
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// Flagged reports whether the content trips the profanity list. A hit marks
// the message for moderation review; it never blocks delivery.
func Flagged(s string) bool {
	for _, word := range strings.Fields(strings.ToLower(s)) {
		word = strings.Trim(word, ".,!?;:'\"()[]{}")
		if _, ok := profanity[word]; ok {
			return true
		}
	}

	return false
}
