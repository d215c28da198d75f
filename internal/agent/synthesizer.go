package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/mindflora/mindflora/internal/actions"
	"github.com/mindflora/mindflora/internal/core"
	"github.com/mindflora/mindflora/internal/logging"
)

// Fixed reply texts
const (
	// ChatFallback answers plain chat when no model is available
	ChatFallback = "I'm here for you. Tell me a little more about what's on your mind."
	// CrisisPreamble leads every crisis reply
	CrisisPreamble = "If you're in immediate danger or thinking about harming yourself, please call or text 988 (Suicide & Crisis Lifeline) right now. You don't have to go through this alone."
	// SetupConfirmation acknowledges a newly saved phone number
	SetupConfirmation = "Perfect! I've saved your phone number. Now I can send you SMS messages when needed."
)

// SynthesisInput is everything the reply is built from
type SynthesisInput struct {
	Message        string
	Intent         core.Intent
	Results        actions.Results
	ProfileUpdated bool
	Profile        core.UserProfile
}

// Synthesizer composes the final reply
type Synthesizer struct {
	llm Chatter
}

// NewSynthesizer creates a synthesizer. With a nil llm replies are built
// from fixed texts.
func NewSynthesizer(llm Chatter) *Synthesizer {
	return &Synthesizer{llm: llm}
}

// Compose builds the response. Setup confirmations are left out of
// ToolActions and action items come only from handler follow-ups.
func (s *Synthesizer) Compose(ctx context.Context, in SynthesisInput) core.AgentResponse {
	resp := core.AgentResponse{
		Success:            in.Results.Succeeded(in.Intent),
		Intent:             in.Intent,
		ToolActions:        make(map[core.ActionName]core.ToolActionResult, len(in.Results)),
		ActionItems:        []core.ActionItem{},
		UserProfileUpdated: in.ProfileUpdated,
	}

	for _, action := range actions.Plan(in.Intent) {
		res, ok := in.Results[action]
		if !ok {
			continue
		}
		resp.ActionItems = append(resp.ActionItems, res.FollowUps...)
		if res.Confirmation {
			continue
		}
		resp.ToolActions[action] = res
	}

	resp.Response = s.reply(ctx, in)
	if in.Intent.UrgencyLevel == core.UrgencyCrisis && !strings.Contains(resp.Response, "988") {
		resp.Response = CrisisPreamble + "\n\n" + resp.Response
	}
	return resp
}

func (s *Synthesizer) reply(ctx context.Context, in SynthesisInput) string {
	outcomes := describe(in)
	if s.llm != nil {
		text, err := s.llm.Chat(ctx, replySystem(in), replyPrompt(in, outcomes))
		if err == nil && strings.TrimSpace(text) != "" {
			return strings.TrimSpace(text)
		}
		if err != nil {
			logging.Debug("Reply generation fell back to fixed text: %v", err)
		}
	}
	if len(outcomes) == 0 {
		if in.Intent.UrgencyLevel == core.UrgencyCrisis {
			return "I'm here with you."
		}
		return ChatFallback
	}
	return strings.Join(outcomes, " ")
}

// describe states each outcome in one sentence, in plan order
func describe(in SynthesisInput) []string {
	var out []string
	for _, action := range actions.Plan(in.Intent) {
		res, ok := in.Results[action]
		if !ok {
			continue
		}
		if line := describeResult(action, res, in.ProfileUpdated); line != "" {
			out = append(out, line)
		}
	}
	return out
}

func describeResult(action core.ActionName, res core.ToolActionResult, profileUpdated bool) string {
	if action == core.ActionNameSMSSetup {
		if res.OK() && profileUpdated {
			return SetupConfirmation
		}
		if !res.OK() {
			return res.Error
		}
		return "That's the number I already have for you."
	}

	switch res.Status {
	case core.StatusSuccess:
		switch action {
		case core.ActionNameSMS:
			return "Great! I've sent you an SMS."
		case core.ActionNameEmail:
			return fmt.Sprintf("I've emailed you at %v.", res.Payload["to"])
		case core.ActionNameCalendar:
			return fmt.Sprintf("Your %v is booked.", res.Payload["title"])
		}
	case core.StatusSimulated:
		return fmt.Sprintf("%s isn't connected yet, so I didn't actually send anything.", displayName(action))
	case core.StatusServiceUnavailable:
		return fmt.Sprintf("I couldn't reach any %s provider right now. Please try again in a little while.", displayName(action))
	case core.StatusError:
		return res.Error
	}
	return ""
}

func displayName(action core.ActionName) string {
	switch action {
	case core.ActionNameSMS:
		return "SMS"
	case core.ActionNameEmail:
		return "Email"
	case core.ActionNameCalendar:
		return "Calendar"
	}
	return string(action)
}

func replySystem(in SynthesisInput) string {
	name := orDefault(in.Profile.FirstName, "there")
	return fmt.Sprintf(`You are MindFlora, a warm and supportive mental wellness assistant. The user's name is %s.

Guidelines:
- Address %s by name in a friendly, personal way
- Report what was actually done using the outcomes given; never claim something was sent if it was not
- If a phone number is missing, ask for it like "My phone number is 1234567890"
- Keep it short and conversational, with emojis used sparingly
- For any sign of crisis, always mention the 988 Suicide & Crisis Lifeline`, name, name)
}

func replyPrompt(in SynthesisInput, outcomes []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "User message: %s\n\n", truncate(in.Message, 2000))
	fmt.Fprintf(&b, "Intent: %s (urgency %s, therapy related %v)\n", in.Intent.PrimaryAction, in.Intent.UrgencyLevel, in.Intent.TherapyRelated)
	if len(outcomes) > 0 {
		b.WriteString("\nOutcomes:\n")
		for _, o := range outcomes {
			fmt.Fprintf(&b, "- %s\n", o)
		}
	}
	b.WriteString("\nWrite the reply.")
	return b.String()
}
