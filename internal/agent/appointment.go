package agent

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mindflora/mindflora/internal/core"
)

// DefaultAppointmentDuration is used when the message names no length
const DefaultAppointmentDuration = 50 * time.Minute

var (
	clockPattern    = regexp.MustCompile(`(?i)\b(?:at\s+)?(\d{1,2})(?::(\d{2}))?\s*(am|pm|a\.m\.|p\.m\.)`)
	clock24Pattern  = regexp.MustCompile(`(?i)\bat\s+(\d{1,2}):(\d{2})\b`)
	noonPattern     = regexp.MustCompile(`(?i)\b(noon|midday)\b`)
	durationPattern = regexp.MustCompile(`(?i)\bfor\s+(\d+|an|a|half an)\s*(minutes?|mins?|hours?|hrs?)\b`)
	nextDayPattern  = regexp.MustCompile(`(?i)\b(?:(next|this)\s+)?(monday|tuesday|wednesday|thursday|friday|saturday|sunday)\b`)
	titlePattern    = regexp.MustCompile(`(?i)\b(?:book|schedule|set up|make)\s+(?:me\s+)?(?:a|an|my)?\s*([a-z][a-z ]{1,40}?)\s+(appointment|session|meeting|call|check-in)\b`)
)

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday, "friday": time.Friday,
	"saturday": time.Saturday,
}

// ParseAppointment reads a booking request out of free text. It returns
// nil when no time of day can be found. Times are in now's location.
func ParseAppointment(text string, now time.Time) *core.Appointment {
	hour, minute, ok := parseClock(text)
	if !ok {
		return nil
	}

	day := parseDay(text, now)
	start := time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, now.Location())
	// a bare time that already passed today means tomorrow
	if !start.After(now) && !mentionsDay(text) {
		start = start.AddDate(0, 0, 1)
	}

	return &core.Appointment{
		Title:       parseTitle(text),
		Description: strings.TrimSpace(text),
		Start:       start,
		Duration:    parseDuration(text),
	}
}

func parseClock(text string) (hour, minute int, ok bool) {
	if m := clockPattern.FindStringSubmatch(text); m != nil {
		hour, _ = strconv.Atoi(m[1])
		if m[2] != "" {
			minute, _ = strconv.Atoi(m[2])
		}
		if hour < 1 || hour > 12 || minute > 59 {
			return 0, 0, false
		}
		pm := strings.HasPrefix(strings.ToLower(m[3]), "p")
		switch {
		case pm && hour != 12:
			hour += 12
		case !pm && hour == 12:
			hour = 0
		}
		return hour, minute, true
	}
	if m := clock24Pattern.FindStringSubmatch(text); m != nil {
		hour, _ = strconv.Atoi(m[1])
		minute, _ = strconv.Atoi(m[2])
		if hour > 23 || minute > 59 {
			return 0, 0, false
		}
		return hour, minute, true
	}
	if noonPattern.MatchString(text) {
		return 12, 0, true
	}
	return 0, 0, false
}

func mentionsDay(text string) bool {
	lower := strings.ToLower(text)
	return strings.Contains(lower, "today") || strings.Contains(lower, "tomorrow") || nextDayPattern.MatchString(text)
}

func parseDay(text string, now time.Time) time.Time {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "day after tomorrow"):
		return now.AddDate(0, 0, 2)
	case strings.Contains(lower, "tomorrow"):
		return now.AddDate(0, 0, 1)
	case strings.Contains(lower, "today"), strings.Contains(lower, "tonight"):
		return now
	}
	if m := nextDayPattern.FindStringSubmatch(lower); m != nil {
		// naming today's weekday means a week out
		ahead := (int(weekdays[m[2]]) - int(now.Weekday()) + 7) % 7
		if ahead == 0 {
			ahead = 7
		}
		return now.AddDate(0, 0, ahead)
	}
	return now
}

func parseDuration(text string) time.Duration {
	m := durationPattern.FindStringSubmatch(text)
	if m == nil {
		return DefaultAppointmentDuration
	}
	unit := time.Minute
	if strings.HasPrefix(strings.ToLower(m[2]), "h") {
		unit = time.Hour
	}
	switch strings.ToLower(m[1]) {
	case "a", "an":
		return unit
	case "half an":
		return unit / 2
	}
	n, _ := strconv.Atoi(m[1])
	return time.Duration(n) * unit
}

func parseTitle(text string) string {
	m := titlePattern.FindStringSubmatch(text)
	if m == nil {
		return "MindFlora session"
	}
	title := strings.TrimSpace(m[1]) + " " + strings.ToLower(m[2])
	return strings.ToUpper(title[:1]) + title[1:]
}
