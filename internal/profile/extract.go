// Package profile pulls contact details out of user messages and keeps the
// stored profile current.
package profile

import (
	"regexp"
	"strings"
	"unicode"
)

// Confidence ranks how sure an extraction is
type Confidence int

const (
	ConfidenceNone Confidence = iota
	ConfidencePartial
	ConfidenceExact
)

// Match is one extracted value
type Match struct {
	Value      string
	Confidence Confidence
}

// Found reports whether anything was extracted
func (m Match) Found() bool { return m.Confidence > ConfidenceNone }

// Contact is everything Extract found in one message
type Contact struct {
	Phone     Match
	Email     Match
	FirstName Match
	Carrier   Match
}

// Empty reports whether no contact detail was found
func (c Contact) Empty() bool {
	return !c.Phone.Found() && !c.Email.Found() && !c.FirstName.Found() && !c.Carrier.Found()
}

var (
	phonePattern    = regexp.MustCompile(`(\+?1?[-.\s]?)?\(?([0-9]{3})\)?[-.\s]?([0-9]{3})[-.\s]?([0-9]{4})`)
	tenDigitPattern = regexp.MustCompile(`\b\d{10}\b`)
	digitsPattern   = regexp.MustCompile(`\d+`)
	emailPattern    = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
	spokenEmail     = regexp.MustCompile(`(?i)\b([a-z0-9._%+-]+)\s+at\s+([a-z0-9-]+(?:\s+dot\s+[a-z0-9-]+)*)\s+dot\s+([a-z]{2,})\b`)
	carrierPattern  = regexp.MustCompile(`(?i)\b(verizon|at&t|att|t-mobile|tmobile|sprint)\b`)
)

var phoneKeywords = []string{"phone", "number", "cell", "mobile", "tel"}

// Longer phrases come first so "i'm called sam" is not read as "Called".
var namePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bmy name is ([a-z]+)`),
	regexp.MustCompile(`\bmy name's ([a-z]+)`),
	regexp.MustCompile(`\bi'm called ([a-z]+)`),
	regexp.MustCompile(`\bcall me ([a-z]+)`),
	regexp.MustCompile(`\bi go by ([a-z]+)`),
	regexp.MustCompile(`\bi'm ([a-z]+)`),
	regexp.MustCompile(`\bi am ([a-z]+)`),
}

// nameStopwords are words that follow "i'm" or "i am" but are not names
var nameStopwords = map[string]bool{
	"the": true, "and": true, "but": true, "for": true, "you": true, "are": true,
	"was": true, "had": true, "her": true, "his": true, "its": true, "our": true,
	"out": true, "day": true, "get": true, "has": true, "him": true, "how": true,
	"man": true, "new": true, "now": true, "old": true, "see": true, "two": true,
	"way": true, "who": true, "boy": true, "did": true, "let": true, "put": true,
	"say": true, "she": true, "too": true, "use": true,
	"not": true, "so": true, "very": true, "really": true, "just": true, "still": true,
	"feeling": true, "going": true, "trying": true, "having": true, "doing": true,
	"here": true, "fine": true, "okay": true, "ok": true, "good": true, "great": true,
	"sad": true, "tired": true, "anxious": true, "stressed": true, "scared": true,
	"worried": true, "depressed": true, "alone": true, "lonely": true, "happy": true,
	"sorry": true, "sure": true, "back": true, "done": true, "ready": true, "in": true,
	"at": true, "on": true, "a": true, "an": true, "all": true, "also": true,
}

// Extract scans text for contact details
func Extract(text string) Contact {
	return Contact{
		Phone:     extractPhone(text),
		Email:     extractEmail(text),
		FirstName: extractName(text),
		Carrier:   extractCarrier(text),
	}
}

func extractPhone(text string) Match {
	if m := phonePattern.FindString(text); m != "" {
		if phone, ok := NormalizePhone(m); ok {
			return Match{Value: phone, Confidence: ConfidenceExact}
		}
	}
	if m := tenDigitPattern.FindString(text); m != "" {
		return Match{Value: m, Confidence: ConfidenceExact}
	}

	// digits scattered after a phone keyword, e.g. "my cell is 555 12 34 567"
	lower := strings.ToLower(text)
	for _, kw := range phoneKeywords {
		if !strings.Contains(lower, kw) {
			continue
		}
		joined := strings.Join(digitsPattern.FindAllString(text, -1), "")
		if phone, ok := NormalizePhone(joined); ok {
			return Match{Value: phone, Confidence: ConfidencePartial}
		}
		break
	}
	return Match{}
}

func extractEmail(text string) Match {
	if m := emailPattern.FindString(text); m != "" {
		return Match{Value: strings.ToLower(m), Confidence: ConfidenceExact}
	}
	if m := spokenEmail.FindStringSubmatch(text); m != nil {
		domain := strings.Join(strings.Fields(strings.ReplaceAll(strings.ToLower(m[2]), " dot ", ".")), "")
		addr := strings.ToLower(m[1]) + "@" + domain + "." + strings.ToLower(m[3])
		if ValidEmail(addr) {
			return Match{Value: addr, Confidence: ConfidencePartial}
		}
	}
	return Match{}
}

func extractName(text string) Match {
	lower := strings.ReplaceAll(strings.ToLower(text), "’", "'")
	for _, p := range namePatterns {
		m := p.FindStringSubmatch(lower)
		if m == nil {
			continue
		}
		name := m[1]
		if len(name) < 2 || nameStopwords[name] {
			continue
		}
		return Match{Value: capitalize(name), Confidence: ConfidencePartial}
	}
	return Match{}
}

func extractCarrier(text string) Match {
	m := carrierPattern.FindString(text)
	if m == "" {
		return Match{}
	}
	carrier := strings.ToLower(m)
	switch carrier {
	case "at&t":
		carrier = "att"
	case "t-mobile":
		carrier = "tmobile"
	}
	return Match{Value: carrier, Confidence: ConfidencePartial}
}

// NormalizePhone reduces a US number to its 10 digits
func NormalizePhone(s string) (string, bool) {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) == 11 && digits[0] == '1' {
		digits = digits[1:]
	}
	if len(digits) != 10 {
		return "", false
	}
	return digits, true
}

// ValidPhone reports whether s is a normalised 10-digit number
func ValidPhone(s string) bool {
	if len(s) != 10 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// ValidEmail reports whether s looks like a deliverable address
func ValidEmail(s string) bool {
	return s != "" && emailPattern.FindString(s) == s
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}
