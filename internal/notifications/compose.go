package notifications

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxSMSLength keeps messages inside one segment with room for carrier
// prefixes.
const MaxSMSLength = 140

// TestMessage is sent by the test-SMS path
const TestMessage = "This is a test SMS from your AI assistant! 🤖"

var (
	httpURL = regexp.MustCompile(`https?://\S+`)
	wwwURL  = regexp.MustCompile(`www\.\S+`)
)

// CleanSMS makes model output SMS-safe: drops wrapping quotes and links,
// collapses whitespace and truncates to MaxSMSLength runes.
func CleanSMS(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && strings.HasPrefix(s, `"`) && strings.HasSuffix(s, `"`) {
		s = s[1 : len(s)-1]
	}
	s = httpURL.ReplaceAllString(s, "")
	s = wwwURL.ReplaceAllString(s, "")
	s = strings.Join(strings.Fields(s), " ")

	if utf8.RuneCountInString(s) > MaxSMSLength {
		r := []rune(s)
		s = string(r[:MaxSMSLength-3]) + "..."
	}
	return s
}
