package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/mindflora/mindflora/internal/core"
	"github.com/mindflora/mindflora/internal/logging"
	"github.com/mindflora/mindflora/internal/profile"
)

// Inferencer turns an utterance into an intent
type Inferencer interface {
	Infer(ctx context.Context, text string, session core.SessionContext) (core.Intent, error)
}

// Classifier produces exactly one intent per utterance. It never fails:
// when inference is unavailable it degrades to plain chat.
type Classifier struct {
	inferencer Inferencer
	timeout    time.Duration
}

// NewClassifier creates a classifier. A nil inferencer means keyword rules.
func NewClassifier(inferencer Inferencer, timeout time.Duration) *Classifier {
	if inferencer == nil {
		inferencer = KeywordInferencer{}
	}
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &Classifier{inferencer: inferencer, timeout: timeout}
}

// Mode is "keywords" when only rules are used and "model" otherwise
func (c *Classifier) Mode() string {
	if _, ok := c.inferencer.(KeywordInferencer); ok {
		return "keywords"
	}
	return "model"
}

var testSMSPattern = regexp.MustCompile(`(?i)\btest[\s-]*(sms|text)\b`)

// Classify returns the intent for text
func (c *Classifier) Classify(ctx context.Context, text string, session core.SessionContext) core.Intent {
	var intent core.Intent
	if testSMSPattern.MatchString(text) {
		intent = core.Intent{
			PrimaryAction:  core.ActionTestSMS,
			ToolsRequested: core.NewToolSet(core.ToolSMS),
			UrgencyLevel:   core.UrgencyNormal,
		}
	} else {
		intent = c.infer(ctx, text, session)
	}
	return applyCrisis(intent, text)
}

func (c *Classifier) infer(ctx context.Context, text string, session core.SessionContext) core.Intent {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	intent, err := c.inferencer.Infer(ctx, text, session)
	if err != nil {
		logging.Warn("Intent inference unavailable, falling back to chat: %v", err)
		return core.ChatIntent()
	}
	if intent.ToolsRequested == nil {
		intent.ToolsRequested = core.ToolSet{}
	}
	if intent.UrgencyLevel == "" {
		intent.UrgencyLevel = core.UrgencyNormal
	}
	return intent
}

var crisisPhrases = []string{
	"suicide", "suicidal", "kill myself", "killing myself", "end my life",
	"ending my life", "want to die", "wanna die", "self harm", "self-harm",
	"hurt myself", "hurting myself", "no reason to live", "better off dead",
	"can't go on", "cant go on", "overdose", "in crisis",
}

// IsCrisis reports whether text contains crisis vocabulary
func IsCrisis(text string) bool {
	lower := strings.ToLower(strings.ReplaceAll(text, "’", "'"))
	for _, p := range crisisPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// applyCrisis forces crisis urgency and an immediate notification whenever
// crisis vocabulary appears, whatever the inferencer said.
func applyCrisis(intent core.Intent, text string) core.Intent {
	if !IsCrisis(text) {
		return intent
	}
	intent.UrgencyLevel = core.UrgencyCrisis
	intent.TherapyRelated = true
	intent.ToolsRequested = intent.ToolsRequested.Add(core.ToolSMS)
	intent.Priority = core.PriorityImmediate
	switch intent.PrimaryAction {
	case core.ActionChat, core.ActionSetupSMS, "":
		intent.PrimaryAction = core.ActionCrisisSupport
	}
	return intent
}

// PromoteSetup turns an utterance that supplies a phone number into an SMS
// setup when no valid number is stored yet.
func PromoteSetup(intent core.Intent, found profile.Contact, stored core.UserProfile) core.Intent {
	if intent.UrgencyLevel == core.UrgencyCrisis || !found.Phone.Found() || profile.ValidPhone(stored.Phone) {
		return intent
	}
	switch intent.PrimaryAction {
	case core.ActionChat, core.ActionSendSMS:
		intent.PrimaryAction = core.ActionSetupSMS
		intent.ToolsRequested = intent.ToolsRequested.Add(core.ToolSMS)
	}
	return intent
}

// ==================== Keyword rules ====================

// KeywordInferencer classifies with fixed vocabularies. It needs no model
// and never fails.
type KeywordInferencer struct{}

type rule struct {
	pattern *regexp.Regexp
	tool    core.Tool
	action  core.ActionType
}

func words(ws ...string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)\b(` + strings.Join(ws, "|") + `)\b`)
}

// later rules take the primary action
var rules = []rule{
	{words("sms", "text", "texts", "message", "send text", "send sms", "send me", "reminder", "remind me", "notify"), core.ToolSMS, core.ActionSendSMS},
	{words("email", "e-mail", "mail", "send email", "gmail", "hotmail"), core.ToolEmail, core.ActionSendEmail},
	{words("appointment", "book", "schedule", "calendar", "session with"), core.ToolCalendar, core.ActionBookAppointment},
}

var (
	therapyWords = words("anxiety", "anxious", "depression", "depressed", "stress", "stressed", "therapy", "therapist", "help", "feeling", "mood", "panic", "lonely")
	urgentWords  = words("urgent", "emergency", "crisis", "help now", "immediate", "immediately", "asap")
)

// Infer applies the keyword rules
func (KeywordInferencer) Infer(ctx context.Context, text string, session core.SessionContext) (core.Intent, error) {
	intent := core.ChatIntent()
	for _, r := range rules {
		if r.pattern.MatchString(text) {
			intent.ToolsRequested = intent.ToolsRequested.Add(r.tool)
			intent.PrimaryAction = r.action
		}
	}
	intent.TherapyRelated = therapyWords.MatchString(text)
	if urgentWords.MatchString(text) {
		intent.UrgencyLevel = core.UrgencyHigh
	}
	return intent, nil
}

// ==================== Model inference ====================

// Chatter is the slice of the LLM router inference needs
type Chatter interface {
	Chat(ctx context.Context, system, prompt string) (string, error)
}

// LLMInferencer asks a language model for a JSON intent
type LLMInferencer struct {
	llm Chatter
}

// NewLLMInferencer creates a model-backed inferencer
func NewLLMInferencer(llm Chatter) *LLMInferencer {
	return &LLMInferencer{llm: llm}
}

const classifySystem = `You are the MindFlora intent classifier. A user of a mental wellness assistant sent a message. Decide what they want the assistant to do.

Respond with ONLY a JSON object (no markdown, no explanation):
{
    "primary_action": one of "chat", "send_sms", "send_email", "book_appointment", "setup_sms", "test_sms", "crisis_support",
    "tools_requested": any of "sms", "email", "calendar",
    "urgency_level": "normal", "high" or "crisis",
    "therapy_related": true or false
}

Use "setup_sms" when the user is only giving their phone number. Use "crisis_support" and "crisis" urgency for any sign of self-harm or suicidal thinking.`

// intentReply is the raw model output
type intentReply struct {
	PrimaryAction  string   `json:"primary_action"`
	ToolsRequested []string `json:"tools_requested"`
	UrgencyLevel   string   `json:"urgency_level"`
	TherapyRelated bool     `json:"therapy_related"`
}

// Infer asks the model
func (l *LLMInferencer) Infer(ctx context.Context, text string, session core.SessionContext) (core.Intent, error) {
	if l.llm == nil {
		return core.Intent{}, core.ErrClassificationUnavailable
	}

	prompt := fmt.Sprintf("Session type: %s\n\nMessage:\n%s", orDefault(session.SessionType, "chat"), truncate(text, 2000))
	response, err := l.llm.Chat(ctx, classifySystem, prompt)
	if err != nil {
		return core.Intent{}, fmt.Errorf("%w: %v", core.ErrClassificationUnavailable, err)
	}
	return ParseIntent(response)
}

// ParseIntent decodes a model reply. Unknown tools are dropped; an unknown
// primary action is an error.
func ParseIntent(response string) (core.Intent, error) {
	response = strings.TrimSpace(response)
	response = strings.TrimPrefix(response, "```json")
	response = strings.TrimPrefix(response, "```")
	response = strings.TrimSuffix(response, "```")
	response = strings.TrimSpace(response)

	var reply intentReply
	if err := json.Unmarshal([]byte(response), &reply); err != nil {
		return core.Intent{}, fmt.Errorf("%w: %v", core.ErrUnparseableIntent, err)
	}

	action, ok := core.ParseActionType(strings.ToLower(strings.TrimSpace(reply.PrimaryAction)))
	if !ok {
		return core.Intent{}, fmt.Errorf("%w: unknown action %q", core.ErrUnparseableIntent, reply.PrimaryAction)
	}

	intent := core.Intent{
		PrimaryAction:  action,
		ToolsRequested: core.ToolSet{},
		UrgencyLevel:   parseUrgency(reply.UrgencyLevel),
		TherapyRelated: reply.TherapyRelated,
	}
	for _, name := range reply.ToolsRequested {
		if t, ok := core.ParseTool(strings.ToLower(strings.TrimSpace(name))); ok {
			intent.ToolsRequested = intent.ToolsRequested.Add(t)
		}
	}
	return intent, nil
}

func parseUrgency(s string) core.Urgency {
	switch core.Urgency(strings.ToLower(strings.TrimSpace(s))) {
	case core.UrgencyHigh:
		return core.UrgencyHigh
	case core.UrgencyCrisis:
		return core.UrgencyCrisis
	}
	return core.UrgencyNormal
}

// FallbackInferencer tries the model first and uses keyword rules when it
// is unavailable.
type FallbackInferencer struct {
	Primary  Inferencer
	Fallback Inferencer
}

// Infer runs Primary, then Fallback on error
func (f FallbackInferencer) Infer(ctx context.Context, text string, session core.SessionContext) (core.Intent, error) {
	intent, err := f.Primary.Infer(ctx, text, session)
	if err == nil {
		return intent, nil
	}
	if f.Fallback == nil || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return core.Intent{}, err
	}
	logging.Debug("Model inference failed, using keyword rules: %v", err)
	return f.Fallback.Infer(ctx, text, session)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
