package actions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mindflora/mindflora/internal/core"
	"github.com/mindflora/mindflora/internal/email"
	"github.com/mindflora/mindflora/internal/logging"
	"github.com/mindflora/mindflora/internal/notifications"
	"github.com/mindflora/mindflora/internal/profile"
)

// User-facing errors for missing contact details
var (
	ErrNoPhone = errors.New("No phone number found. Please provide your phone number first. " +
		"You can say something like 'My phone number is 1234567890' or just type your 10-digit number.")
	ErrNoEmail = errors.New("No email address found. Please provide your email first.")
)

// MaxAppointmentDuration bounds a single booking
const MaxAppointmentDuration = 8 * time.Hour

// ==================== Calendar Handler ====================

// CalendarProvider books and reads calendar entries
type CalendarProvider interface {
	Name() string
	IsConfigured() bool
	Book(ctx context.Context, appt core.Appointment) (*core.CalendarEvent, error)
	List(ctx context.Context, start, end time.Time) ([]core.CalendarEvent, error)
	CheckAvailability(ctx context.Context, start, end time.Time) (bool, error)
}

// CalendarHandler books appointments
type CalendarHandler struct {
	calendar CalendarProvider
	now      func() time.Time
}

// NewCalendarHandler creates a calendar handler. cal may be nil, in which
// case bookings are simulated.
func NewCalendarHandler(cal CalendarProvider) *CalendarHandler {
	return &CalendarHandler{calendar: cal, now: time.Now}
}

// Tool returns the capability
func (h *CalendarHandler) Tool() core.Tool { return core.ToolCalendar }

// Backend names the calendar bookings go to
func (h *CalendarHandler) Backend() (string, bool) {
	if h.calendar == nil || !h.calendar.IsConfigured() {
		return "", false
	}
	return h.calendar.Name(), true
}

// Validate checks title, start and duration
func (h *CalendarHandler) Validate(ctx context.Context, task Task) error {
	appt := task.Appointment
	switch {
	case appt == nil:
		return core.NewValidationError("calendar", "appointment", "no appointment time was given")
	case appt.Title == "":
		return core.NewValidationError("calendar", "title", "required")
	case appt.Start.IsZero():
		return core.NewValidationError("calendar", "start", "required")
	case !appt.Start.After(h.now()):
		return core.NewValidationError("calendar", "start", "must be in the future")
	case appt.Duration <= 0 || appt.Duration > MaxAppointmentDuration:
		return core.NewValidationError("calendar", "duration", fmt.Sprintf("must be between 1m and %v", MaxAppointmentDuration))
	}
	return nil
}

// Execute checks availability then books
func (h *CalendarHandler) Execute(ctx context.Context, task Task) core.ToolActionResult {
	return h.Book(ctx, *task.Appointment)
}

// Book books appt if the slot is free
func (h *CalendarHandler) Book(ctx context.Context, appt core.Appointment) core.ToolActionResult {
	payload := map[string]any{
		"title": appt.Title,
		"start": appt.Start.Format(time.RFC3339),
		"end":   appt.End().Format(time.RFC3339),
	}
	if h.calendar == nil || !h.calendar.IsConfigured() {
		return core.Simulated(payload)
	}

	free, err := h.calendar.CheckAvailability(ctx, appt.Start, appt.End())
	if err != nil {
		return core.Failed(fmt.Errorf("check availability: %w", err))
	}
	if !free {
		return core.Failed(fmt.Errorf("%s is already booked", appt.Start.Format("Mon Jan 2 3:04 PM")))
	}

	event, err := h.calendar.Book(ctx, appt)
	if err != nil {
		return core.Failed(fmt.Errorf("book appointment: %w", err))
	}

	payload["event_id"] = event.ID
	if event.Link != "" {
		payload["link"] = event.Link
	}
	res := core.Succeeded(h.calendar.Name(), payload)
	deadline := appt.Start
	res.FollowUps = []core.ActionItem{{
		ID:          uuid.New().String(),
		Type:        core.ItemAppointment,
		Title:       appt.Title,
		Description: fmt.Sprintf("Scheduled for %s (%v)", appt.Start.Format("Mon Jan 2 3:04 PM"), appt.Duration),
		Deadline:    &deadline,
	}}
	return res
}

// ==================== Email Handler ====================

// TemplateMailer renders and sends templated email; email.TemplatedSender
// implements it.
type TemplateMailer interface {
	IsConfigured() bool
	HasTemplate(name string) bool
	Render(to, templateName string, data any) (*email.Message, error)
	SendTemplate(ctx context.Context, to, templateName string, data any) error
}

// EmailHandler sends templated email to the user
type EmailHandler struct {
	mailer TemplateMailer
}

// NewEmailHandler creates an email handler
func NewEmailHandler(mailer TemplateMailer) *EmailHandler {
	return &EmailHandler{mailer: mailer}
}

// Tool returns the capability
func (h *EmailHandler) Tool() core.Tool { return core.ToolEmail }

// Backend reports whether mail leaves the process
func (h *EmailHandler) Backend() (string, bool) {
	if h.mailer == nil || !h.mailer.IsConfigured() {
		return "", false
	}
	return "email", true
}

// TemplateFor picks the template an intent calls for
func TemplateFor(intent core.Intent) string {
	if intent.UrgencyLevel == core.UrgencyCrisis {
		return email.TemplateCrisisResources
	}
	return email.TemplateAssistantUpdate
}

// Validate checks the template and recipient
func (h *EmailHandler) Validate(ctx context.Context, task Task) error {
	name := TemplateFor(task.Intent)
	if h.mailer == nil || !h.mailer.HasTemplate(name) {
		return core.NewValidationError("email", "template", fmt.Sprintf("unknown template %q", name))
	}
	to := task.RecipientEmail()
	if to == "" {
		return ErrNoEmail
	}
	if !profile.ValidEmail(to) {
		return core.NewValidationError("email", "recipient", fmt.Sprintf("%q is not a valid address", to))
	}
	return nil
}

// Execute renders and sends the template
func (h *EmailHandler) Execute(ctx context.Context, task Task) core.ToolActionResult {
	return h.Send(ctx, TemplateFor(task.Intent), task.RecipientEmail(), email.TemplateData{
		FirstName: task.Profile.FirstName,
		Body:      task.Body,
		Subject:   task.Subject,
	})
}

// Send delivers one template to one recipient
func (h *EmailHandler) Send(ctx context.Context, template, to string, data email.TemplateData) core.ToolActionResult {
	msg, err := h.mailer.Render(to, template, data)
	if err != nil {
		return core.Failed(err)
	}
	payload := map[string]any{
		"to":       to,
		"template": template,
		"subject":  msg.Subject,
		"message":  msg.TextBody,
	}
	if !h.mailer.IsConfigured() {
		return core.Simulated(payload)
	}
	if err := h.mailer.SendTemplate(ctx, to, template, data); err != nil {
		return core.Failed(fmt.Errorf("send email: %w", err))
	}
	return core.Succeeded("email", payload)
}

// ==================== Notification Handler ====================

// Deliverer sends one SMS through the provider fallback chain
type Deliverer interface {
	Deliver(ctx context.Context, to notifications.Recipient, body string) core.ToolActionResult
}

// AttemptRecorder persists the provider attempts of a request
type AttemptRecorder interface {
	Record(ctx context.Context, requestID string, userID core.UserID, attempts []core.DeliveryAttempt) error
}

// Inbox raises in-app notifications about action outcomes
type Inbox interface {
	NotifyResult(ctx context.Context, userID core.UserID, action core.ActionName, res core.ToolActionResult, urgency core.Urgency) (*notifications.Notification, error)
}

// NotificationHandler sends SMS and confirms SMS setup
type NotificationHandler struct {
	chain    Deliverer
	composer *Composer
	attempts AttemptRecorder
	inbox    Inbox
}

// NotificationOption configures a NotificationHandler
type NotificationOption func(*NotificationHandler)

// WithAttemptLog persists every provider attempt
func WithAttemptLog(r AttemptRecorder) NotificationOption {
	return func(h *NotificationHandler) { h.attempts = r }
}

// WithInbox raises an in-app notification for each outcome
func WithInbox(i Inbox) NotificationOption {
	return func(h *NotificationHandler) { h.inbox = i }
}

// NewNotificationHandler creates a notification handler
func NewNotificationHandler(chain Deliverer, composer *Composer, opts ...NotificationOption) *NotificationHandler {
	if composer == nil {
		composer = NewComposer(nil)
	}
	h := &NotificationHandler{chain: chain, composer: composer}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Tool returns the capability
func (h *NotificationHandler) Tool() core.Tool { return core.ToolSMS }

// Backend lists the chain's providers in the order they are tried
func (h *NotificationHandler) Backend() (string, bool) {
	if h.chain == nil {
		return "", false
	}
	lister, ok := h.chain.(interface {
		Providers() []notifications.SMSProvider
	})
	if !ok {
		return "sms", true
	}
	var ids []string
	for _, p := range lister.Providers() {
		ids = append(ids, p.ID())
	}
	return strings.Join(ids, ","), len(ids) > 0
}

// Validate requires a usable phone number
func (h *NotificationHandler) Validate(ctx context.Context, task Task) error {
	phone := task.RecipientPhone()
	if phone == "" {
		return ErrNoPhone
	}
	normalized, ok := profile.NormalizePhone(phone)
	if !ok || !profile.ValidPhone(normalized) {
		return core.NewValidationError("sms", "phone", fmt.Sprintf("%q is not a 10-digit number", phone))
	}
	return nil
}

// Execute confirms setup or composes and delivers a message
func (h *NotificationHandler) Execute(ctx context.Context, task Task) core.ToolActionResult {
	phone, _ := profile.NormalizePhone(task.RecipientPhone())

	if task.Action == core.ActionNameSMSSetup {
		res := core.Succeeded("profile", map[string]any{"phone": maskPhone(phone)})
		res.Confirmation = true
		return res
	}

	body := task.Body
	switch {
	case body != "":
	case task.Intent.PrimaryAction == core.ActionTestSMS:
		body = notifications.TestMessage
	default:
		body = h.composer.Compose(ctx, task)
	}
	res := h.Send(ctx, task, notifications.Recipient{Phone: phone, Carrier: task.Carrier()}, body)

	if task.Intent.UrgencyLevel == core.UrgencyCrisis {
		res.FollowUps = append(res.FollowUps, core.ActionItem{
			ID:          uuid.New().String(),
			Type:        core.ItemCrisis,
			Title:       "Reach out for support",
			Description: "Call or text 988 (Suicide & Crisis Lifeline) or text HOME to 741741 any time.",
		})
	}
	return res
}

// Send delivers body and records the outcome
func (h *NotificationHandler) Send(ctx context.Context, task Task, to notifications.Recipient, body string) core.ToolActionResult {
	if h.chain == nil {
		return core.Simulated(map[string]any{"to": to.Phone, "message": body})
	}
	res := h.chain.Deliver(ctx, to, body)

	// bookkeeping must outlive a cancelled request
	bg := context.WithoutCancel(ctx)
	log := logging.WithFields(map[string]interface{}{
		"request_id": task.RequestID,
		"user_id":    task.UserID,
	})
	if h.attempts != nil && len(res.Attempts) > 0 {
		if err := h.attempts.Record(bg, task.RequestID, task.UserID, res.Attempts); err != nil {
			log.Warn("Failed to record delivery attempts: %v", err)
		}
	}
	if h.inbox != nil {
		if _, err := h.inbox.NotifyResult(bg, task.UserID, task.Action, res, task.Intent.UrgencyLevel); err != nil {
			log.Warn("Failed to create notification: %v", err)
		}
	}
	return res
}

func maskPhone(p string) string {
	if len(p) < 4 {
		return p
	}
	return "******" + p[len(p)-4:]
}

// RegisterAllHandlers registers the calendar, email and notification
// handlers.
func RegisterAllHandlers(d *Dispatcher, cal CalendarProvider, mailer TemplateMailer, sms *NotificationHandler) {
	d.RegisterHandler(NewCalendarHandler(cal))
	d.RegisterHandler(NewEmailHandler(mailer))
	if sms == nil {
		sms = NewNotificationHandler(nil, nil)
	}
	d.RegisterHandler(sms)
}
