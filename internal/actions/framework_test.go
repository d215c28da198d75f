package actions

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mindflora/mindflora/internal/core"
	"github.com/mindflora/mindflora/internal/notifications"
	"github.com/mindflora/mindflora/internal/profile"
	"github.com/mindflora/mindflora/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// idle keep-alive conns to the mock SMS servers wind down on their own
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

// funcHandler adapts closures to Handler
type funcHandler struct {
	tool     core.Tool
	validate func(ctx context.Context, task Task) error
	execute  func(ctx context.Context, task Task) core.ToolActionResult
	calls    atomic.Int32
}

func (f *funcHandler) Tool() core.Tool { return f.tool }

func (f *funcHandler) Validate(ctx context.Context, task Task) error {
	if f.validate != nil {
		return f.validate(ctx, task)
	}
	return nil
}

func (f *funcHandler) Execute(ctx context.Context, task Task) core.ToolActionResult {
	f.calls.Add(1)
	if f.execute != nil {
		return f.execute(ctx, task)
	}
	return core.Succeeded(string(f.tool), nil)
}

func okHandler(tool core.Tool) *funcHandler { return &funcHandler{tool: tool} }

func sendSMS() core.Intent {
	return core.Intent{
		PrimaryAction:  core.ActionSendSMS,
		ToolsRequested: core.NewToolSet(core.ToolSMS),
		UrgencyLevel:   core.UrgencyNormal,
	}
}

func TestPlan(t *testing.T) {
	tests := []struct {
		name   string
		intent core.Intent
		want   []core.ActionName
	}{
		{"chat needs nothing", core.ChatIntent(), []core.ActionName{}},
		{"primary tool is added", core.Intent{PrimaryAction: core.ActionBookAppointment}, []core.ActionName{core.ActionNameCalendar}},
		{
			name: "canonical order",
			intent: core.Intent{
				PrimaryAction:  core.ActionSendEmail,
				ToolsRequested: core.ToolSet{core.ToolCalendar, core.ToolSMS},
			},
			want: []core.ActionName{core.ActionNameSMS, core.ActionNameEmail, core.ActionNameCalendar},
		},
		{"setup renames sms", core.Intent{PrimaryAction: core.ActionSetupSMS}, []core.ActionName{core.ActionNameSMSSetup}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Plan(tt.intent))
		})
	}
}

func TestResults_Succeeded(t *testing.T) {
	intent := core.Intent{PrimaryAction: core.ActionSendSMS, ToolsRequested: core.NewToolSet(core.ToolSMS, core.ToolEmail)}

	r := Results{
		core.ActionNameSMS:   core.Succeeded("twilio", nil),
		core.ActionNameEmail: core.Failed(errors.New("smtp down")),
	}
	assert.True(t, r.Succeeded(intent), "primary worked, secondary failure is tolerated")

	r[core.ActionNameSMS] = core.Unavailable(core.ErrChainExhausted, nil)
	assert.False(t, r.Succeeded(intent))

	chat := core.ChatIntent()
	assert.True(t, Results{}.Succeeded(chat))
	assert.False(t, Results{core.ActionNameEmail: core.Failed(nil)}.Succeeded(chat))
}

func TestDispatch_OneResultPerAction(t *testing.T) {
	d := NewDispatcher(DefaultConfig())
	handlers := []*funcHandler{okHandler(core.ToolSMS), okHandler(core.ToolEmail), okHandler(core.ToolCalendar)}
	for _, h := range handlers {
		d.RegisterHandler(h)
	}

	intent := core.Intent{
		PrimaryAction:  core.ActionSendSMS,
		ToolsRequested: core.NewToolSet(core.ToolSMS, core.ToolEmail, core.ToolCalendar, core.ToolSMS),
	}
	results, err := d.Dispatch(context.Background(), intent, Task{RequestID: "r1", UserID: "u1"})
	require.NoError(t, err)

	assert.Len(t, results, 3)
	for _, h := range handlers {
		assert.EqualValues(t, 1, h.calls.Load(), "tool %s", h.tool)
	}
	assert.Len(t, d.history.ByRequest("r1"), 3)
	assert.Equal(t, []core.Tool{core.ToolSMS, core.ToolEmail, core.ToolCalendar}, d.Tools())
}

func TestDispatch_TaskCarriesActionAndIntent(t *testing.T) {
	d := NewDispatcher(DefaultConfig())
	var got Task
	d.RegisterHandler(&funcHandler{tool: core.ToolSMS, execute: func(ctx context.Context, task Task) core.ToolActionResult {
		got = task
		return core.Succeeded("test", nil)
	}})

	intent := core.Intent{PrimaryAction: core.ActionSetupSMS}
	_, err := d.Dispatch(context.Background(), intent, Task{UserID: "u1"})
	require.NoError(t, err)

	assert.Equal(t, core.ActionNameSMSSetup, got.Action)
	assert.Equal(t, intent, got.Intent)
}

func TestDispatch_UnknownAction(t *testing.T) {
	d := NewDispatcher(DefaultConfig())
	d.RegisterHandler(okHandler(core.ToolSMS))

	intent := core.Intent{PrimaryAction: core.ActionSendSMS, ToolsRequested: core.NewToolSet(core.ToolSMS, core.ToolEmail)}
	results, err := d.Dispatch(context.Background(), intent, Task{UserID: "u1"})
	require.NoError(t, err)

	assert.Equal(t, core.StatusSuccess, results[core.ActionNameSMS].Status)
	assert.Equal(t, core.StatusError, results[core.ActionNameEmail].Status)
	assert.Contains(t, results[core.ActionNameEmail].Error, core.ErrUnknownAction.Error())
}

func TestDispatch_PanicIsIsolated(t *testing.T) {
	d := NewDispatcher(DefaultConfig())
	d.RegisterHandler(okHandler(core.ToolSMS))
	d.RegisterHandler(&funcHandler{tool: core.ToolCalendar, execute: func(ctx context.Context, task Task) core.ToolActionResult {
		panic("boom")
	}})

	intent := core.Intent{PrimaryAction: core.ActionSendSMS, ToolsRequested: core.NewToolSet(core.ToolCalendar)}
	results, err := d.Dispatch(context.Background(), intent, Task{UserID: "u1"})
	require.NoError(t, err)

	assert.True(t, results[core.ActionNameSMS].OK())
	assert.Equal(t, core.StatusError, results[core.ActionNameCalendar].Status)
	assert.Contains(t, results[core.ActionNameCalendar].Error, "boom")
}

func TestDispatch_ValidationStopsExecute(t *testing.T) {
	d := NewDispatcher(DefaultConfig())
	h := &funcHandler{tool: core.ToolSMS, validate: func(ctx context.Context, task Task) error {
		return ErrNoPhone
	}}
	d.RegisterHandler(h)

	results, err := d.Dispatch(context.Background(), sendSMS(), Task{UserID: "u1"})
	require.NoError(t, err)

	assert.Equal(t, ErrNoPhone.Error(), results[core.ActionNameSMS].Error)
	assert.Zero(t, h.calls.Load())
}

func TestDispatch_HandlerTimeout(t *testing.T) {
	d := NewDispatcher(Config{HandlerTimeout: 50 * time.Millisecond})
	d.RegisterHandler(&funcHandler{tool: core.ToolSMS, execute: func(ctx context.Context, task Task) core.ToolActionResult {
		<-ctx.Done()
		return core.Failed(ctx.Err())
	}})

	results, err := d.Dispatch(context.Background(), sendSMS(), Task{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, core.StatusError, results[core.ActionNameSMS].Status)
	assert.Contains(t, results[core.ActionNameSMS].Error, context.DeadlineExceeded.Error())
}

func TestDispatcher_Direct(t *testing.T) {
	d := NewDispatcher(DefaultConfig())
	sms := &funcHandler{tool: core.ToolSMS, validate: func(ctx context.Context, task Task) error {
		if task.Body == "" {
			return core.NewValidationError("sms", "body", "empty")
		}
		return nil
	}}
	d.RegisterHandler(sms)

	action, res, err := d.Direct(context.Background(), sendSMS(), Task{UserID: "u1", Body: "hi"})
	require.NoError(t, err)
	assert.Equal(t, core.ActionNameSMS, action)
	assert.True(t, res.OK())
	assert.Equal(t, int32(1), sms.calls.Load())

	_, _, err = d.Direct(context.Background(), sendSMS(), Task{UserID: "u1"})
	assert.ErrorIs(t, err, core.ErrHandlerValidation)
	assert.Equal(t, int32(1), sms.calls.Load(), "invalid input never executes")

	_, _, err = d.Direct(context.Background(), core.Intent{PrimaryAction: core.ActionChat}, Task{UserID: "u1"})
	assert.ErrorIs(t, err, core.ErrUnknownAction)

	_, _, err = d.Direct(context.Background(), core.Intent{PrimaryAction: core.ActionSendEmail}, Task{UserID: "u1"})
	assert.ErrorIs(t, err, core.ErrUnknownAction, "no email handler registered")
	assert.Equal(t, 1, d.history.Size())
}

func TestDispatcher_Capabilities(t *testing.T) {
	d := NewDispatcher(DefaultConfig())
	assert.Empty(t, d.Capabilities())

	d.RegisterHandler(okHandler(core.ToolEmail))
	d.RegisterHandler(NewNotificationHandler(nil, nil))
	d.RegisterHandler(NewCalendarHandler(&testutil.MockCalendar{}))

	assert.Equal(t, []Capability{
		{Tool: core.ToolSMS, Configured: false},
		{Tool: core.ToolEmail, Configured: true},
		{Tool: core.ToolCalendar, Configured: true, Backend: "mock_calendar"},
	}, d.Capabilities())
}

// stalledSMS is a provider that never answers before its deadline
type stalledSMS struct {
	id    string
	calls atomic.Int32
}

func (s *stalledSMS) ID() string                         { return s.id }
func (s *stalledSMS) Class() notifications.ProviderClass { return notifications.ClassPaidReliable }
func (s *stalledSMS) Quota() notifications.QuotaPolicy   { return notifications.QuotaPolicy{} }
func (s *stalledSMS) IsConfigured() bool                 { return true }
func (s *stalledSMS) Send(ctx context.Context, to notifications.Recipient, body string) (notifications.Receipt, error) {
	s.calls.Add(1)
	<-ctx.Done()
	return notifications.Receipt{}, ctx.Err()
}

func TestDispatch_SMSTimeoutEndsInChainOutcome(t *testing.T) {
	providers := []*stalledSMS{{id: "a"}, {id: "b"}, {id: "c"}}
	chain := notifications.NewChain(notifications.ChainConfig{
		Providers: []notifications.SMSProvider{providers[0], providers[1], providers[2]},
		Timeout:   10 * time.Millisecond,
	})
	attempts := &recordedAttempts{}

	d := NewDispatcher(Config{HandlerTimeout: 20 * time.Millisecond})
	d.RegisterHandler(NewNotificationHandler(chain, nil, WithAttemptLog(attempts)))

	intent := core.Intent{PrimaryAction: core.ActionTestSMS, ToolsRequested: core.NewToolSet(core.ToolSMS)}
	results, err := d.Dispatch(context.Background(), intent, Task{
		RequestID: "r1",
		UserID:    "u1",
		Profile:   testutil.ProfileFixture("u1"),
	})
	require.NoError(t, err)

	res := results[core.ActionNameSMS]
	require.Equal(t, core.StatusServiceUnavailable, res.Status, res.Error)
	assert.Contains(t, res.Error, core.ErrChainExhausted.Error())
	require.NotEmpty(t, res.Attempts)
	for _, a := range res.Attempts {
		assert.Equal(t, core.KindNetwork, a.Kind)
	}
	assert.Len(t, attempts.attempts, len(res.Attempts))
	for _, p := range providers {
		assert.LessOrEqual(t, p.calls.Load(), int32(1))
	}
}

func TestDispatch_UnresponsiveSMSHandlerIsUnavailable(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	d := NewDispatcher(Config{HandlerTimeout: 10 * time.Millisecond, HandlerGrace: 10 * time.Millisecond})
	d.RegisterHandler(&funcHandler{tool: core.ToolSMS, execute: func(ctx context.Context, task Task) core.ToolActionResult {
		<-block
		return core.Succeeded("late", nil)
	}})

	results, err := d.Dispatch(context.Background(), sendSMS(), Task{UserID: "u1"})
	require.NoError(t, err)
	res := results[core.ActionNameSMS]
	assert.Equal(t, core.StatusServiceUnavailable, res.Status)
	assert.Contains(t, res.Error, context.DeadlineExceeded.Error())
}

func TestDispatch_LaneHeldUntilHandlerReturns(t *testing.T) {
	d := NewDispatcher(Config{HandlerTimeout: 30 * time.Millisecond, HandlerGrace: 10 * time.Millisecond})
	g := newGated(core.ToolSMS)
	d.RegisterHandler(g)

	first, err := d.Dispatch(context.Background(), sendSMS(), Task{RequestID: "first", UserID: "u1"})
	require.NoError(t, err)
	require.Equal(t, "first", <-g.started)
	assert.Equal(t, core.StatusServiceUnavailable, first[core.ActionNameSMS].Status)

	// "first" is still running, so "second" cannot get the lane in time
	second, err := d.Dispatch(context.Background(), sendSMS(), Task{RequestID: "second", UserID: "u1"})
	require.NoError(t, err)
	assert.Contains(t, second[core.ActionNameSMS].Error, "waiting for earlier requests")
	select {
	case id := <-g.started:
		t.Fatalf("%s started while the lane was held", id)
	default:
	}

	close(g.release)
	require.Eventually(t, func() bool { return len(g.finished()) == 1 }, time.Second, 5*time.Millisecond)

	third, err := d.Dispatch(context.Background(), sendSMS(), Task{RequestID: "third", UserID: "u1"})
	require.NoError(t, err)
	assert.True(t, third[core.ActionNameSMS].OK())
	assert.Equal(t, []string{"first", "third"}, g.finished())
}

// gatedHandler blocks the first call until release is closed
type gatedHandler struct {
	tool    core.Tool
	started chan string
	release chan struct{}
	first   sync.Once

	mu    sync.Mutex
	order []string
}

func newGated(tool core.Tool) *gatedHandler {
	return &gatedHandler{tool: tool, started: make(chan string, 8), release: make(chan struct{})}
}

func (g *gatedHandler) Tool() core.Tool                               { return g.tool }
func (g *gatedHandler) Validate(ctx context.Context, task Task) error { return nil }
func (g *gatedHandler) Execute(ctx context.Context, task Task) core.ToolActionResult {
	g.started <- task.RequestID
	block := false
	g.first.Do(func() { block = true })
	if block {
		<-g.release
	}
	g.mu.Lock()
	g.order = append(g.order, task.RequestID)
	g.mu.Unlock()
	return core.Succeeded("gated", nil)
}

func (g *gatedHandler) finished() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.order...)
}

func TestDispatch_SameUserRunsInArrivalOrder(t *testing.T) {
	d := NewDispatcher(DefaultConfig())
	g := newGated(core.ToolSMS)
	d.RegisterHandler(g)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.Dispatch(context.Background(), sendSMS(), Task{RequestID: "first", UserID: "u1"})
	}()
	require.Equal(t, "first", <-g.started)

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.Dispatch(context.Background(), sendSMS(), Task{RequestID: "second", UserID: "u1"})
	}()

	require.Eventually(t, func() bool {
		return d.lanes.Waiting(laneKey{tool: core.ToolSMS, user: "u1"}) == 2
	}, time.Second, 5*time.Millisecond)
	select {
	case id := <-g.started:
		t.Fatalf("%s started while the lane was held", id)
	default:
	}

	close(g.release)
	wg.Wait()
	assert.Equal(t, []string{"first", "second"}, g.finished())
}

func TestDispatch_OtherUsersDoNotWait(t *testing.T) {
	d := NewDispatcher(DefaultConfig())
	g := newGated(core.ToolSMS)
	d.RegisterHandler(g)

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Dispatch(context.Background(), sendSMS(), Task{RequestID: "blocked", UserID: "u1"})
	}()
	<-g.started

	results, err := d.Dispatch(context.Background(), sendSMS(), Task{RequestID: "free", UserID: "u2"})
	require.NoError(t, err)
	assert.True(t, results[core.ActionNameSMS].OK())

	close(g.release)
	<-done
}

func TestDispatch_CrisisSkipsTheLane(t *testing.T) {
	d := NewDispatcher(DefaultConfig())
	g := newGated(core.ToolSMS)
	d.RegisterHandler(g)

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Dispatch(context.Background(), sendSMS(), Task{RequestID: "routine", UserID: "u1"})
	}()
	<-g.started

	crisis := core.Intent{
		PrimaryAction: core.ActionCrisisSupport,
		UrgencyLevel:  core.UrgencyCrisis,
		Priority:      core.PriorityImmediate,
	}
	results, err := d.Dispatch(context.Background(), crisis, Task{RequestID: "crisis", UserID: "u1"})
	require.NoError(t, err)
	assert.True(t, results[core.ActionNameSMS].OK())
	assert.Equal(t, []string{"crisis"}, g.finished())

	close(g.release)
	<-done
}

func TestDispatch_CallerCancellation(t *testing.T) {
	d := NewDispatcher(DefaultConfig())
	g := newGated(core.ToolSMS)
	d.RegisterHandler(g)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := d.Dispatch(ctx, sendSMS(), Task{RequestID: "r1", UserID: "u1"})
		errs <- err
	}()
	<-g.started
	cancel()
	assert.ErrorIs(t, <-errs, context.Canceled)

	// the handler was not cut short and still completes once
	close(g.release)
	require.Eventually(t, func() bool { return d.history.Size() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"r1"}, g.finished())
	assert.Equal(t, core.StatusSuccess, d.Recent(1)[0].Status)
}

func TestHistory_EvictsOldest(t *testing.T) {
	h := NewHistory(2)
	for _, id := range []string{"a", "b", "c"} {
		h.Add(Record{ID: id, RequestID: "r"})
	}

	assert.Equal(t, 2, h.Size())
	_, ok := h.Get("a")
	assert.False(t, ok)

	recent := h.Recent(0)
	require.Len(t, recent, 2)
	assert.Equal(t, "c", recent[0].ID)
	assert.Equal(t, "b", recent[1].ID)
}

func TestTask_Recipients(t *testing.T) {
	exact := func(v string) profile.Match { return profile.Match{Value: v, Confidence: profile.ConfidenceExact} }
	partial := func(v string) profile.Match { return profile.Match{Value: v, Confidence: profile.ConfidencePartial} }

	tests := []struct {
		name      string
		task      Task
		wantPhone string
		wantEmail string
	}{
		{
			name:      "stored wins",
			task:      Task{Profile: core.UserProfile{Phone: "5551234567", Email: "a@example.com"}, Contact: profile.Contact{Phone: exact("5559999999")}},
			wantPhone: "5551234567",
			wantEmail: "a@example.com",
		},
		{
			name:      "message fills missing",
			task:      Task{Contact: profile.Contact{Phone: exact("5559999999"), Email: exact("b@example.com")}},
			wantPhone: "5559999999",
			wantEmail: "b@example.com",
		},
		{
			name:      "partial is not trusted",
			task:      Task{Contact: profile.Contact{Phone: partial("5559999999")}},
			wantPhone: "",
		},
		{
			name:      "explicit phone overrides",
			task:      Task{Phone: "5550000000", Profile: core.UserProfile{Phone: "5551234567"}},
			wantPhone: "5550000000",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantPhone, tt.task.RecipientPhone())
			assert.Equal(t, tt.wantEmail, tt.task.RecipientEmail())
		})
	}
}
