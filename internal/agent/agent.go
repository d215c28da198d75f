// Package agent runs one user utterance through classification, tool
// dispatch and reply synthesis.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mindflora/mindflora/internal/actions"
	"github.com/mindflora/mindflora/internal/core"
	"github.com/mindflora/mindflora/internal/logging"
	"github.com/mindflora/mindflora/internal/notifications"
	"github.com/mindflora/mindflora/internal/profile"
)

const instrumentation = "github.com/mindflora/mindflora/internal/agent"

// ProfileReader reads the stored profile at request start
type ProfileReader interface {
	Get(ctx context.Context, userID core.UserID) (*core.UserProfile, error)
}

// Config wires the agent's collaborators
type Config struct {
	Classifier  *Classifier
	Dispatcher  *actions.Dispatcher
	Profiles    ProfileReader
	Updater     *profile.Updater
	Synthesizer *Synthesizer
	// SMS serves the direct test path
	SMS *actions.NotificationHandler
	Now func() time.Time
}

// Agent is the per-request orchestrator
type Agent struct {
	classifier  *Classifier
	dispatcher  *actions.Dispatcher
	profiles    ProfileReader
	updater     *profile.Updater
	synthesizer *Synthesizer
	sms         *actions.NotificationHandler
	now         func() time.Time

	tracer   trace.Tracer
	requests metric.Int64Counter
}

// New creates an agent. Missing parts get working defaults: keyword
// classification, no handlers, fixed-text replies.
func New(cfg Config) *Agent {
	a := &Agent{
		classifier:  cfg.Classifier,
		dispatcher:  cfg.Dispatcher,
		profiles:    cfg.Profiles,
		updater:     cfg.Updater,
		synthesizer: cfg.Synthesizer,
		sms:         cfg.SMS,
		now:         cfg.Now,
		tracer:      otel.Tracer(instrumentation),
	}
	if a.classifier == nil {
		a.classifier = NewClassifier(nil, 0)
	}
	if a.dispatcher == nil {
		a.dispatcher = actions.NewDispatcher(actions.DefaultConfig())
	}
	if a.synthesizer == nil {
		a.synthesizer = NewSynthesizer(nil)
	}
	if a.sms == nil {
		a.sms = actions.NewNotificationHandler(nil, nil)
	}
	if a.now == nil {
		a.now = time.Now
	}

	var err error
	a.requests, err = otel.Meter(instrumentation).Int64Counter("mindflora.agent.requests",
		metric.WithDescription("Agent requests by primary action"))
	if err != nil {
		logging.Warn("agent: request counter unavailable: %v", err)
	}
	return a
}

// Process handles one chat request. Partial failure is reported per tool
// in the response; an error is returned only for invalid input or when ctx
// ends before the handlers finish.
func (a *Agent) Process(ctx context.Context, req core.AgentRequest) (*core.AgentResponse, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user_id", core.ErrMissingRequired)
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("%w: message", core.ErrMissingRequired)
	}

	requestID := uuid.New().String()
	ctx, span := a.tracer.Start(ctx, "agent.process", trace.WithAttributes(
		attribute.String("mindflora.request_id", requestID),
		attribute.String("mindflora.user_id", string(req.UserID)),
	))
	defer span.End()

	log := logging.WithFields(map[string]interface{}{
		"request_id": requestID,
		"user_id":    req.UserID,
	})

	stored := a.loadProfile(ctx, req.UserID)
	found := profile.Extract(req.Message)

	intent := a.classifier.Classify(ctx, req.Message, req.Context)
	intent = PromoteSetup(intent, found, stored)
	span.SetAttributes(
		attribute.String("mindflora.primary_action", string(intent.PrimaryAction)),
		attribute.String("mindflora.urgency", string(intent.UrgencyLevel)),
	)
	if a.requests != nil {
		a.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("action", string(intent.PrimaryAction))))
	}

	task := actions.Task{
		RequestID: requestID,
		UserID:    req.UserID,
		Message:   req.Message,
		Profile:   stored,
		Contact:   found,
	}
	if intent.PrimaryAction == core.ActionBookAppointment || intent.ToolsRequested.Has(core.ToolCalendar) {
		task.Appointment = ParseAppointment(req.Message, a.now())
	}

	var (
		results actions.Results
		updated bool
	)
	var g errgroup.Group
	g.Go(func() error {
		var err error
		results, err = a.dispatcher.Dispatch(ctx, intent, task)
		return err
	})
	g.Go(func() error {
		if a.updater == nil {
			return nil
		}
		changed, err := a.updater.Apply(ctx, req.UserID, found, &stored)
		if err != nil {
			// a lost profile write never fails the request
			if errors.Is(err, core.ErrProfileWriteConflict) {
				log.Warn("Profile write conflict, last write wins: %v", err)
			} else {
				log.Error("Profile update failed: %v", err)
			}
			return nil
		}
		updated = changed
		return nil
	})
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request abandoned")
		return nil, err
	}

	if updated {
		stored = a.loadProfile(ctx, req.UserID)
	}
	resp := a.synthesizer.Compose(ctx, SynthesisInput{
		Message:        req.Message,
		Intent:         intent,
		Results:        results,
		ProfileUpdated: updated,
		Profile:        stored,
	})

	log.WithFields(map[string]interface{}{
		"action":  intent.PrimaryAction,
		"tools":   len(results),
		"success": resp.Success,
	}).Info("Request processed")
	if resp.Success {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, "primary action failed")
	}
	return &resp, nil
}

func (a *Agent) loadProfile(ctx context.Context, userID core.UserID) core.UserProfile {
	if a.profiles == nil {
		return core.UserProfile{UserID: userID}
	}
	p, err := a.profiles.Get(ctx, userID)
	if err != nil {
		if !errors.Is(err, core.ErrProfileNotFound) {
			logging.WithField("user_id", userID).Warn("Profile read failed, continuing without it: %v", err)
		}
		return core.UserProfile{UserID: userID}
	}
	return *p
}

// TestSMSRequest is the direct test entry point input
type TestSMSRequest struct {
	UserID  core.UserID `json:"user_id"`
	Phone   string      `json:"phone,omitempty"`
	Message string      `json:"message,omitempty"`
}

// TestSMSResult reports a direct test send
type TestSMSResult struct {
	Message      string                 `json:"message"`
	ProviderUsed string                 `json:"provider_used,omitempty"`
	Simulated    bool                   `json:"simulated"`
	Status       core.ResultStatus      `json:"status"`
	Error        string                 `json:"error,omitempty"`
	Attempts     []core.DeliveryAttempt `json:"attempts,omitempty"`
}

// TestSMS sends one message straight through the provider chain, skipping
// classification. Without a phone the stored number is used.
func (a *Agent) TestSMS(ctx context.Context, req TestSMSRequest) (*TestSMSResult, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user_id", core.ErrMissingRequired)
	}
	body := strings.TrimSpace(req.Message)
	if body == "" {
		body = notifications.TestMessage
	}

	ctx, span := a.tracer.Start(ctx, "agent.test_sms")
	defer span.End()

	task := actions.Task{
		RequestID: uuid.New().String(),
		Action:    core.ActionNameSMS,
		UserID:    req.UserID,
		Message:   body,
		Intent: core.Intent{
			PrimaryAction:  core.ActionTestSMS,
			ToolsRequested: core.NewToolSet(core.ToolSMS),
			UrgencyLevel:   core.UrgencyNormal,
		},
		Profile: a.loadProfile(ctx, req.UserID),
		Phone:   req.Phone,
		Body:    notifications.CleanSMS(body),
	}
	if err := a.sms.Validate(ctx, task); err != nil {
		return nil, err
	}

	res := a.sms.Execute(ctx, task)
	return &TestSMSResult{
		Message:      task.Body,
		ProviderUsed: res.Provider,
		Simulated:    res.Status == core.StatusSimulated,
		Status:       res.Status,
		Error:        res.Error,
		Attempts:     res.Attempts,
	}, nil
}

// DirectRequest sends one message to the user without classification
type DirectRequest struct {
	UserID  core.UserID   `json:"user_id"`
	Message string        `json:"message"`
	Context DirectContext `json:"context,omitempty"`
}

// DirectContext carries optional delivery details
type DirectContext struct {
	Subject string `json:"subject,omitempty"`
}

// DirectResult is the outcome of a direct send
type DirectResult struct {
	Success   bool                  `json:"success"`
	RequestID string                `json:"request_id"`
	Action    core.ActionName       `json:"action"`
	Result    core.ToolActionResult `json:"result"`
}

// SendSMS texts req.Message to the stored phone number
func (a *Agent) SendSMS(ctx context.Context, req DirectRequest) (*DirectResult, error) {
	intent := core.Intent{
		PrimaryAction:  core.ActionSendSMS,
		ToolsRequested: core.NewToolSet(core.ToolSMS),
		UrgencyLevel:   core.UrgencyNormal,
	}
	return a.direct(ctx, "agent.send_sms", intent, req, notifications.CleanSMS)
}

// SendEmail emails req.Message to the stored address. The subject comes
// from the request context or the template.
func (a *Agent) SendEmail(ctx context.Context, req DirectRequest) (*DirectResult, error) {
	intent := core.Intent{
		PrimaryAction:  core.ActionSendEmail,
		ToolsRequested: core.NewToolSet(core.ToolEmail),
		UrgencyLevel:   core.UrgencyNormal,
	}
	return a.direct(ctx, "agent.send_email", intent, req, strings.TrimSpace)
}

func (a *Agent) direct(ctx context.Context, name string, intent core.Intent, req DirectRequest, clean func(string) string) (*DirectResult, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user_id", core.ErrMissingRequired)
	}
	body := clean(strings.TrimSpace(req.Message))
	if body == "" {
		return nil, fmt.Errorf("%w: message", core.ErrMissingRequired)
	}

	requestID := uuid.New().String()
	ctx, span := a.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("mindflora.request_id", requestID),
		attribute.String("mindflora.user_id", string(req.UserID)),
	))
	defer span.End()

	action, res, err := a.dispatcher.Direct(ctx, intent, actions.Task{
		RequestID: requestID,
		UserID:    req.UserID,
		Message:   req.Message,
		Profile:   a.loadProfile(ctx, req.UserID),
		Body:      body,
		Subject:   strings.TrimSpace(req.Context.Subject),
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !res.OK() {
		span.SetStatus(codes.Error, res.Error)
	}
	return &DirectResult{
		Success:   res.OK(),
		RequestID: requestID,
		Action:    action,
		Result:    res,
	}, nil
}

// IntentAnalysis is what classification alone makes of a message
type IntentAnalysis struct {
	Intent     core.Intent       `json:"intent"`
	Actions    []core.ActionName `json:"actions"`
	Classifier string            `json:"classifier"`
}

// AnalyzeIntent classifies req.Message and lists the actions a chat turn
// would dispatch. Nothing is sent and the profile is not written.
func (a *Agent) AnalyzeIntent(ctx context.Context, req core.AgentRequest) (*IntentAnalysis, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("%w: message", core.ErrMissingRequired)
	}
	ctx, span := a.tracer.Start(ctx, "agent.analyze_intent")
	defer span.End()

	stored := core.UserProfile{UserID: req.UserID}
	if req.UserID != "" {
		stored = a.loadProfile(ctx, req.UserID)
	}
	intent := a.classifier.Classify(ctx, req.Message, req.Context)
	intent = PromoteSetup(intent, profile.Extract(req.Message), stored)

	return &IntentAnalysis{
		Intent:     intent,
		Actions:    actions.Plan(intent),
		Classifier: a.classifier.Mode(),
	}, nil
}

// Capabilities describes what the agent can reach right now
type Capabilities struct {
	Classifier string               `json:"classifier"`
	Tools      []actions.Capability `json:"tools"`
}

// Capabilities reports the classifier mode and each tool's backend
func (a *Agent) Capabilities() Capabilities {
	return Capabilities{
		Classifier: a.classifier.Mode(),
		Tools:      a.dispatcher.Capabilities(),
	}
}

// Recent returns the latest dispatched actions
func (a *Agent) Recent(limit int) []actions.Record {
	return a.dispatcher.Recent(limit)
}
