// Package actions routes a classified intent to the tool handlers it needs
// and runs them side by side.
package actions

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mindflora/mindflora/internal/core"
	"github.com/mindflora/mindflora/internal/lanes"
	"github.com/mindflora/mindflora/internal/logging"
	"github.com/mindflora/mindflora/internal/profile"
)

const instrumentation = "github.com/mindflora/mindflora/internal/actions"

// Handler executes one tool
type Handler interface {
	// Tool returns the capability this handler provides
	Tool() core.Tool

	// Validate rejects a task before any external call is made
	Validate(ctx context.Context, task Task) error

	// Execute performs the action. Failures are reported in the result.
	Execute(ctx context.Context, task Task) core.ToolActionResult
}

// Task is everything a handler needs for one action of one request
type Task struct {
	RequestID string
	Action    core.ActionName
	UserID    core.UserID
	Message   string
	Intent    core.Intent

	// Profile is the snapshot read at request start
	Profile core.UserProfile
	// Contact holds details found in this message
	Contact profile.Contact

	Appointment *core.Appointment

	// Phone and Body override the profile number and the composed text.
	// Subject replaces an email template's subject.
	Phone   string
	Body    string
	Subject string
}

// RecipientPhone picks the explicit number, then a valid stored one, then
// one given in the message.
func (t Task) RecipientPhone() string {
	if t.Phone != "" {
		return t.Phone
	}
	if profile.ValidPhone(t.Profile.Phone) {
		return t.Profile.Phone
	}
	if t.Contact.Phone.Confidence == profile.ConfidenceExact {
		return t.Contact.Phone.Value
	}
	return t.Profile.Phone
}

// RecipientEmail picks a valid stored address, then one given in the message.
func (t Task) RecipientEmail() string {
	if profile.ValidEmail(t.Profile.Email) {
		return t.Profile.Email
	}
	if t.Contact.Email.Confidence == profile.ConfidenceExact {
		return t.Contact.Email.Value
	}
	return t.Profile.Email
}

// Carrier returns the stored carrier or one named in the message.
func (t Task) Carrier() string {
	if t.Profile.Carrier != "" {
		return t.Profile.Carrier
	}
	return t.Contact.Carrier.Value
}

// Results maps each dispatched action to its single outcome
type Results map[core.ActionName]core.ToolActionResult

// Succeeded reports overall success: the primary action's tool worked, or no
// tool was needed. Without a primary tool every dispatched action must work.
func (r Results) Succeeded(intent core.Intent) bool {
	if tool, ok := intent.PrimaryTool(); ok {
		res, ok := r[actionName(intent, tool)]
		return ok && res.OK()
	}
	for _, res := range r {
		if !res.OK() {
			return false
		}
	}
	return true
}

// Plan lists the actions an intent needs in canonical tool order. The
// primary action's tool is always included.
func Plan(intent core.Intent) []core.ActionName {
	tools := intent.ToolsRequested
	if t, ok := intent.PrimaryTool(); ok {
		tools = tools.Add(t)
	}
	out := make([]core.ActionName, 0, len(tools))
	for _, t := range tools {
		out = append(out, actionName(intent, t))
	}
	return out
}

func actionName(intent core.Intent, t core.Tool) core.ActionName {
	if t == core.ToolSMS && intent.PrimaryAction == core.ActionSetupSMS {
		return core.ActionNameSMSSetup
	}
	return core.ActionNameFor(t)
}

// toolFor maps an action name back to its tool
func toolFor(a core.ActionName) core.Tool {
	if a == core.ActionNameSMSSetup {
		return core.ToolSMS
	}
	return core.Tool(a)
}

// Config configures the dispatcher
type Config struct {
	HandlerTimeout time.Duration // bounds lane wait plus execution
	// HandlerGrace is how long a timed-out handler may take to report the
	// outcome it already has
	HandlerGrace time.Duration
	HistorySize  int // dispatch records kept for inspection
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		HandlerTimeout: 40 * time.Second,
		HandlerGrace:   2 * time.Second,
		HistorySize:    100,
	}
}

type laneKey struct {
	tool core.Tool
	user core.UserID
}

// Dispatcher runs handlers from a static registry
type Dispatcher struct {
	config   Config
	handlers map[core.Tool]Handler
	lanes    *lanes.Lanes[laneKey]
	history  *History
	mu       sync.RWMutex

	tracer     trace.Tracer
	dispatched metric.Int64Counter
}

// NewDispatcher creates a dispatcher with no handlers
func NewDispatcher(cfg Config) *Dispatcher {
	def := DefaultConfig()
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = def.HandlerTimeout
	}
	if cfg.HandlerGrace <= 0 {
		cfg.HandlerGrace = def.HandlerGrace
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}

	d := &Dispatcher{
		config:   cfg,
		handlers: make(map[core.Tool]Handler),
		lanes:    lanes.New[laneKey](),
		history:  NewHistory(cfg.HistorySize),
		tracer:   otel.Tracer(instrumentation),
	}
	var err error
	d.dispatched, err = otel.Meter(instrumentation).Int64Counter("mindflora.actions.dispatched",
		metric.WithDescription("Tool actions dispatched by outcome"))
	if err != nil {
		logging.Warn("actions: dispatch counter unavailable: %v", err)
	}
	return d
}

// RegisterHandler registers a handler for its tool
func (d *Dispatcher) RegisterHandler(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[h.Tool()] = h
}

// Tools lists the registered tools in canonical order
func (d *Dispatcher) Tools() []core.Tool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]core.Tool, 0, len(d.handlers))
	for _, t := range core.AllTools {
		if _, ok := d.handlers[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

// Capability reports whether a tool reaches a real backend. Unconfigured
// tools return simulated results.
type Capability struct {
	Tool       core.Tool `json:"tool"`
	Configured bool      `json:"configured"`
	Backend    string    `json:"backend,omitempty"`
}

// backender is implemented by handlers that can name their backend
type backender interface {
	Backend() (name string, configured bool)
}

// Capabilities reports every registered tool in canonical order
func (d *Dispatcher) Capabilities() []Capability {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Capability, 0, len(d.handlers))
	for _, t := range core.AllTools {
		h, ok := d.handlers[t]
		if !ok {
			continue
		}
		c := Capability{Tool: t, Configured: true}
		if b, ok := h.(backender); ok {
			c.Backend, c.Configured = b.Backend()
		}
		out = append(out, c)
	}
	return out
}

func (d *Dispatcher) handler(t core.Tool) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[t]
	return h, ok
}

// Dispatch runs every action the intent needs in parallel and returns one
// result per action. Handlers run detached from ctx: if ctx ends first,
// Dispatch returns ctx.Err() and their results are dropped, but calls
// already made are not repeated or cut short.
func (d *Dispatcher) Dispatch(ctx context.Context, intent core.Intent, task Task) (Results, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	plan := Plan(intent)
	results := make(Results, len(plan))
	if len(plan) == 0 {
		return results, nil
	}

	detached := context.WithoutCancel(ctx)
	var mu sync.Mutex
	var g errgroup.Group
	for _, action := range plan {
		t := task
		t.Action = action
		t.Intent = intent
		g.Go(func() error {
			res := d.run(detached, t)
			mu.Lock()
			results[action] = res
			mu.Unlock()
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		g.Wait()
		close(done)
	}()

	select {
	case <-done:
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return results, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Direct runs only the intent's primary action. Unlike Dispatch, invalid
// input is returned as an error before any lane is taken.
func (d *Dispatcher) Direct(ctx context.Context, intent core.Intent, task Task) (core.ActionName, core.ToolActionResult, error) {
	tool, ok := intent.PrimaryTool()
	if !ok {
		return "", core.ToolActionResult{}, fmt.Errorf("%w: %s", core.ErrUnknownAction, intent.PrimaryAction)
	}
	h, ok := d.handler(tool)
	if !ok {
		return "", core.ToolActionResult{}, fmt.Errorf("%w: %s", core.ErrUnknownAction, tool)
	}

	intent.ToolsRequested = core.NewToolSet(tool)
	action := actionName(intent, tool)
	task.Action = action
	task.Intent = intent
	if err := h.Validate(ctx, task); err != nil {
		return action, core.ToolActionResult{}, err
	}

	results, err := d.Dispatch(ctx, intent, task)
	if err != nil {
		return action, core.ToolActionResult{}, err
	}
	return action, results[action], nil
}

// run executes one action in its own failure domain
func (d *Dispatcher) run(ctx context.Context, task Task) core.ToolActionResult {
	tool := toolFor(task.Action)
	start := time.Now()

	ctx, span := d.tracer.Start(ctx, "actions.run", trace.WithAttributes(
		attribute.String("mindflora.action", string(task.Action)),
		attribute.String("mindflora.request_id", task.RequestID),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, d.config.HandlerTimeout)
	defer cancel()

	res := d.runHandler(ctx, tool, task)

	if res.OK() {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, res.Error)
	}
	if d.dispatched != nil {
		d.dispatched.Add(ctx, 1, metric.WithAttributes(
			attribute.String("action", string(task.Action)),
			attribute.String("status", string(res.Status)),
		))
	}
	d.history.Add(Record{
		ID:        uuid.New().String(),
		RequestID: task.RequestID,
		UserID:    task.UserID,
		Action:    task.Action,
		Status:    res.Status,
		Provider:  res.Provider,
		Error:     res.Error,
		Duration:  time.Since(start),
		At:        start,
	})
	return res
}

func (d *Dispatcher) runHandler(ctx context.Context, tool core.Tool, task Task) core.ToolActionResult {
	h, ok := d.handler(tool)
	if !ok {
		return core.Failed(fmt.Errorf("%w: %s", core.ErrUnknownAction, task.Action))
	}

	// crisis work never queues behind routine work for the same user
	release := func() {}
	if task.Intent.Priority != core.PriorityImmediate {
		var err error
		release, err = d.lanes.Acquire(ctx, laneKey{tool: tool, user: task.UserID})
		if err != nil {
			return timedOut(tool, fmt.Errorf("%s handler: waiting for earlier requests: %w", tool, err))
		}
	}

	// the lane is held until the handler returns, even past the deadline
	out := make(chan core.ToolActionResult, 1)
	go func() {
		defer release()
		out <- d.guarded(ctx, h, task)
	}()

	select {
	case res := <-out:
		return res
	case <-ctx.Done():
	}

	// a handler that honours ctx reports its own outcome, with any
	// delivery attempts, shortly after the deadline
	grace := time.NewTimer(d.config.HandlerGrace)
	defer grace.Stop()
	select {
	case res := <-out:
		return res
	case <-grace.C:
		return timedOut(tool, fmt.Errorf("%s handler: %w", tool, ctx.Err()))
	}
}

// timedOut is the result for a handler that never reported. SMS always ends
// in one of its delivery outcomes.
func timedOut(tool core.Tool, err error) core.ToolActionResult {
	if tool == core.ToolSMS {
		return core.Unavailable(fmt.Errorf("%w: %v", core.ErrChainExhausted, err), nil)
	}
	return core.Failed(err)
}

// guarded validates then executes, turning a panic into a failed result
func (d *Dispatcher) guarded(ctx context.Context, h Handler, task Task) (res core.ToolActionResult) {
	defer func() {
		if r := recover(); r != nil {
			logging.WithFields(map[string]interface{}{
				"action":     task.Action,
				"request_id": task.RequestID,
			}).Error("Handler panicked: %v", r)
			res = core.Failed(fmt.Errorf("%w: %v", core.ErrHandlerPanic, r))
		}
	}()

	if err := h.Validate(ctx, task); err != nil {
		return core.Failed(err)
	}
	return h.Execute(ctx, task)
}

// Recent returns the latest dispatch records, newest first
func (d *Dispatcher) Recent(limit int) []Record {
	return d.history.Recent(limit)
}

// Record is one finished action
type Record struct {
	ID        string            `json:"id"`
	RequestID string            `json:"request_id"`
	UserID    core.UserID       `json:"user_id"`
	Action    core.ActionName   `json:"action"`
	Status    core.ResultStatus `json:"status"`
	Provider  string            `json:"provider,omitempty"`
	Error     string            `json:"error,omitempty"`
	Duration  time.Duration     `json:"duration"`
	At        time.Time         `json:"at"`
}

// History keeps the most recent dispatch records
type History struct {
	records map[string]Record
	order   []string
	maxSize int
	mu      sync.RWMutex
}

// NewHistory creates a history holding up to maxSize records
func NewHistory(maxSize int) *History {
	return &History{
		records: make(map[string]Record),
		order:   make([]string, 0),
		maxSize: maxSize,
	}
}

// Add appends a record, evicting the oldest at capacity
func (h *History) Add(r Record) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.order) >= h.maxSize {
		oldest := h.order[0]
		delete(h.records, oldest)
		h.order = h.order[1:]
	}

	h.records[r.ID] = r
	h.order = append(h.order, r.ID)
}

// Get returns a record by ID
func (h *History) Get(id string) (Record, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.records[id]
	return r, ok
}

// ByRequest returns the records of one request ordered by action name
func (h *History) ByRequest(requestID string) []Record {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []Record
	for _, id := range h.order {
		if r := h.records[id]; r.RequestID == requestID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Action < out[j].Action })
	return out
}

// Recent returns the most recent records, newest first
func (h *History) Recent(limit int) []Record {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if limit <= 0 || limit > len(h.order) {
		limit = len(h.order)
	}
	out := make([]Record, 0, limit)
	for i := len(h.order) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, h.records[h.order[i]])
	}
	return out
}

// Size returns the number of records held
func (h *History) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.order)
}
