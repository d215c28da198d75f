package actions

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/mindflora/mindflora/internal/core"
	"github.com/mindflora/mindflora/internal/logging"
	"github.com/mindflora/mindflora/internal/notifications"
)

// Chatter is the slice of the LLM router the composer needs
type Chatter interface {
	Chat(ctx context.Context, system, prompt string) (string, error)
}

// CrisisSMS is sent instead of a composed message when the user is in crisis
const CrisisSMS = "You're not alone. Call or text 988 any time, or text HOME to 741741. We're here for you 💙"

const composeSystem = `You write short, warm SMS messages for a mental wellness assistant.
Rules:
- At most 140 characters
- No URLs or links
- Plain text, at most one emoji
- Address the user by first name when known
Reply with the message text only.`

// Composer writes the body of an outgoing SMS
type Composer struct {
	llm Chatter
}

// NewComposer creates a composer. With a nil llm every message uses the
// fixed template.
func NewComposer(llm Chatter) *Composer {
	return &Composer{llm: llm}
}

// Compose returns an SMS-safe body for task. It never fails: model errors
// fall back to the template.
func (c *Composer) Compose(ctx context.Context, task Task) string {
	if task.Intent.UrgencyLevel == core.UrgencyCrisis {
		return CrisisSMS
	}
	name := task.Profile.FirstName
	if name == "" {
		name = task.Contact.FirstName.Value
	}

	if c.llm != nil {
		prompt := fmt.Sprintf("User's name: %s\nUser's request: %s\n\nWrite the SMS.", orThere(name), task.Message)
		out, err := c.llm.Chat(ctx, composeSystem, prompt)
		if err == nil {
			if body := notifications.CleanSMS(out); body != "" {
				return body
			}
		} else {
			logging.WithField("request_id", task.RequestID).Debug("SMS compose fell back to template: %v", err)
		}
	}
	return notifications.CleanSMS(templateSMS(name, task.Message))
}

func templateSMS(name, request string) string {
	if utf8.RuneCountInString(request) > 100 {
		request = string([]rune(request)[:100])
	}
	return fmt.Sprintf("Hi %s! 🌟 Here's your personalized message: %s... Keep shining! ✨", orThere(name), strings.TrimSpace(request))
}

func orThere(name string) string {
	if name == "" {
		return "there"
	}
	return name
}
