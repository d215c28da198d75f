// Package core defines the fundamental types and errors for MindFlora.
package core

import (
	"time"
)

// UserID identifies the person a request belongs to
type UserID string

// ActionType is the closed set of primary actions an utterance can resolve to
type ActionType string

const (
	ActionChat            ActionType = "chat"
	ActionSendSMS         ActionType = "send_sms"
	ActionSendEmail       ActionType = "send_email"
	ActionBookAppointment ActionType = "book_appointment"
	ActionSetupSMS        ActionType = "setup_sms"
	ActionTestSMS         ActionType = "test_sms"
	ActionCrisisSupport   ActionType = "crisis_support"
)

var actionTypes = map[ActionType]bool{
	ActionChat:            true,
	ActionSendSMS:         true,
	ActionSendEmail:       true,
	ActionBookAppointment: true,
	ActionSetupSMS:        true,
	ActionTestSMS:         true,
	ActionCrisisSupport:   true,
}

// ParseActionType maps a raw name onto the closed action set.
func ParseActionType(s string) (ActionType, bool) {
	a := ActionType(s)
	return a, actionTypes[a]
}

// Tool is a side-effecting capability the dispatcher can invoke
type Tool string

const (
	ToolSMS      Tool = "sms"
	ToolEmail    Tool = "email"
	ToolCalendar Tool = "calendar"
)

// AllTools lists the capability set in canonical order
var AllTools = []Tool{ToolSMS, ToolEmail, ToolCalendar}

// ParseTool maps a raw tool name onto the closed capability set.
// Common aliases produced by language models are accepted.
func ParseTool(s string) (Tool, bool) {
	switch s {
	case "sms", "text", "notification", "push":
		return ToolSMS, true
	case "email", "mail":
		return ToolEmail, true
	case "calendar", "schedule", "appointment":
		return ToolCalendar, true
	}
	return "", false
}

// ToolSet is a duplicate-free set of tools kept in canonical order
type ToolSet []Tool

// NewToolSet builds a set from the given tools.
func NewToolSet(tools ...Tool) ToolSet {
	var s ToolSet
	for _, t := range tools {
		s = s.Add(t)
	}
	return s
}

// Has reports membership.
func (s ToolSet) Has(t Tool) bool {
	for _, x := range s {
		if x == t {
			return true
		}
	}
	return false
}

// Add returns the set with t included.
func (s ToolSet) Add(t Tool) ToolSet {
	if s.Has(t) {
		return s
	}
	out := make(ToolSet, 0, len(s)+1)
	for _, c := range AllTools {
		if c == t || s.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

// Urgency of an utterance
type Urgency string

const (
	UrgencyNormal Urgency = "normal"
	UrgencyHigh   Urgency = "high"
	UrgencyCrisis Urgency = "crisis"
)

// Priority controls whether dispatch waits in the per-user lane
type Priority int

const (
	PriorityQueued Priority = iota
	PriorityImmediate
)

// Intent is the structured classification of one utterance
type Intent struct {
	PrimaryAction  ActionType `json:"primary_action"`
	ToolsRequested ToolSet    `json:"tools_requested"`
	UrgencyLevel   Urgency    `json:"urgency_level"`
	TherapyRelated bool       `json:"therapy_related"`
	Priority       Priority   `json:"-"`
}

// ChatIntent is the degraded intent used whenever inference is unavailable.
func ChatIntent() Intent {
	return Intent{
		PrimaryAction:  ActionChat,
		ToolsRequested: ToolSet{},
		UrgencyLevel:   UrgencyNormal,
	}
}

// PrimaryTool returns the tool the primary action depends on, if any.
func (i Intent) PrimaryTool() (Tool, bool) {
	switch i.PrimaryAction {
	case ActionSendSMS, ActionTestSMS, ActionSetupSMS, ActionCrisisSupport:
		return ToolSMS, true
	case ActionSendEmail:
		return ToolEmail, true
	case ActionBookAppointment:
		return ToolCalendar, true
	}
	return "", false
}

// SessionContext carries the prior session state sent with a request
type SessionContext struct {
	SessionType string    `json:"session_type"`
	Timestamp   time.Time `json:"timestamp"`
}

// AgentRequest is the primary inbound request
type AgentRequest struct {
	UserID  UserID         `json:"user_id"`
	Message string         `json:"message"`
	Context SessionContext `json:"context"`
}

// ActionName keys tool results in a response
type ActionName string

const (
	ActionNameSMS      ActionName = "sms"
	ActionNameEmail    ActionName = "email"
	ActionNameCalendar ActionName = "calendar"
	ActionNameSMSSetup ActionName = "sms_setup"
)

// ActionNameFor returns the canonical result key for a tool.
func ActionNameFor(t Tool) ActionName {
	return ActionName(t)
}

// ResultStatus is the outcome of one tool action
type ResultStatus string

const (
	StatusSuccess            ResultStatus = "success"
	StatusError              ResultStatus = "error"
	StatusServiceUnavailable ResultStatus = "service_unavailable"
	StatusSimulated          ResultStatus = "simulated"
)

// AttemptOutcome records what happened to one provider attempt
type AttemptOutcome string

const (
	OutcomeDelivered AttemptOutcome = "delivered"
	OutcomeFailed    AttemptOutcome = "failed"
)

// DeliveryAttempt is one call to one provider
type DeliveryAttempt struct {
	ProviderID string         `json:"provider_id"`
	Outcome    AttemptOutcome `json:"outcome"`
	Kind       ErrorKind      `json:"kind,omitempty"`
	Error      string         `json:"error,omitempty"`
	At         time.Time      `json:"at"`
}

// ToolActionResult is the single outcome of one requested tool. Build it
// through the constructors below so exactly one status is set.
type ToolActionResult struct {
	Status   ResultStatus      `json:"status"`
	Payload  map[string]any    `json:"payload,omitempty"`
	Error    string            `json:"error,omitempty"`
	Provider string            `json:"provider,omitempty"`
	Attempts []DeliveryAttempt `json:"attempts,omitempty"`

	// FollowUps are tasks the handler wants surfaced as action items.
	FollowUps []ActionItem `json:"-"`
	// Confirmation marks a pure setup acknowledgement with no further effect.
	Confirmation bool `json:"-"`
}

// Succeeded builds a success result.
func Succeeded(provider string, payload map[string]any) ToolActionResult {
	return ToolActionResult{Status: StatusSuccess, Provider: provider, Payload: payload}
}

// Failed builds an error result.
func Failed(err error) ToolActionResult {
	r := ToolActionResult{Status: StatusError}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

// Unavailable builds a service_unavailable result.
func Unavailable(err error, attempts []DeliveryAttempt) ToolActionResult {
	r := ToolActionResult{Status: StatusServiceUnavailable, Attempts: attempts}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

// Simulated builds an explicitly non-delivered result.
func Simulated(payload map[string]any) ToolActionResult {
	return ToolActionResult{Status: StatusSimulated, Payload: payload}
}

// OK reports whether the action had its intended effect.
func (r ToolActionResult) OK() bool {
	switch r.Status {
	case StatusSuccess:
		return true
	case StatusSimulated:
		// nothing was sent, but nothing failed either
		return true
	default:
		return false
	}
}

// QuotaStatus is a provider's budget within its current window
type QuotaStatus struct {
	ProviderID string    `json:"provider_id"`
	Used       int       `json:"used"`
	Limit      int       `json:"limit"` // 0 means unlimited
	Exhausted  bool      `json:"exhausted"`
	ResetsAt   time.Time `json:"resets_at"`
}

// Remaining returns the sends left in the window, or -1 when unlimited.
func (q QuotaStatus) Remaining() int {
	if q.Exhausted {
		return 0
	}
	if q.Limit <= 0 {
		return -1
	}
	if q.Used >= q.Limit {
		return 0
	}
	return q.Limit - q.Used
}

// WindowStart returns the start of the quota window containing t.
func WindowStart(t time.Time, window time.Duration) time.Time {
	return t.UTC().Truncate(window)
}

// UserProfile holds the contact details the assistant may use
type UserProfile struct {
	UserID      UserID         `json:"user_id"`
	FirstName   string         `json:"first_name,omitempty"`
	Phone       string         `json:"phone,omitempty"`
	Email       string         `json:"email,omitempty"`
	Carrier     string         `json:"carrier,omitempty"`
	Preferences map[string]any `json:"preferences,omitempty"`
	Version     int64          `json:"version"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Appointment is a booking request for the calendar
type Appointment struct {
	Title       string        `json:"title"`
	Description string        `json:"description,omitempty"`
	Start       time.Time     `json:"start"`
	Duration    time.Duration `json:"duration"`
	Attendees   []string      `json:"attendees,omitempty"`
}

// End returns when the appointment finishes.
func (a Appointment) End() time.Time { return a.Start.Add(a.Duration) }

// CalendarEvent is an entry on the user's calendar
type CalendarEvent struct {
	ID    string    `json:"id"`
	Title string    `json:"title"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Link  string    `json:"link,omitempty"`
}

// ActionItemType classifies a follow-up task
type ActionItemType string

const (
	ItemAppointment ActionItemType = "appointment"
	ItemCrisis      ActionItemType = "crisis_follow_up"
	ItemReminder    ActionItemType = "reminder"
)

// ActionItem is a follow-up task produced by a handler
type ActionItem struct {
	ID          string         `json:"id"`
	Type        ActionItemType `json:"type"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Deadline    *time.Time     `json:"deadline,omitempty"`
}

// AgentResponse is the primary outbound response
type AgentResponse struct {
	Success            bool                            `json:"success"`
	Response           string                          `json:"response"`
	Intent             Intent                          `json:"intent"`
	ToolActions        map[ActionName]ToolActionResult `json:"tool_actions"`
	ActionItems        []ActionItem                    `json:"action_items"`
	UserProfileUpdated bool                            `json:"user_profile_updated"`
}
