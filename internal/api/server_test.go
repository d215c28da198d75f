package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mindflora/mindflora/internal/actions"
	"github.com/mindflora/mindflora/internal/agent"
	"github.com/mindflora/mindflora/internal/core"
	"github.com/mindflora/mindflora/internal/email"
	"github.com/mindflora/mindflora/internal/notifications"
	"github.com/mindflora/mindflora/internal/profile"
	"github.com/mindflora/mindflora/internal/storage"
	"github.com/mindflora/mindflora/internal/testutil"
	"github.com/mindflora/mindflora/internal/testutil/mockservers"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

// stack is a fully wired server over in-memory storage and mock providers
type stack struct {
	server   *Server
	profiles *storage.ProfileStore
	attempts *storage.AttemptStore
	notifs   *notifications.Service
	textbelt *mockservers.TextBeltMockServer
	calendar *testutil.MockCalendar
	mailer   *testutil.MockTransport
}

func newStack(t *testing.T) *stack {
	t.Helper()
	stores := testutil.TestStores(t, nil)
	st := &stack{
		profiles: stores.Profiles,
		attempts: stores.Attempts,
		notifs:   notifications.NewService(stores.DB),
		textbelt: mockservers.NewTextBeltMockServer(t, 50),
		calendar: &testutil.MockCalendar{},
		mailer:   &testutil.MockTransport{},
	}

	chain := notifications.NewChain(notifications.ChainConfig{
		Providers: []notifications.SMSProvider{
			notifications.NewTextBelt(notifications.TextBeltConfig{URL: st.textbelt.Server.URL}),
		},
		Quota:   stores.Quota,
		Timeout: 2 * time.Second,
	})
	notifier := actions.NewNotificationHandler(chain, nil,
		actions.WithAttemptLog(st.attempts),
		actions.WithInbox(st.notifs),
	)
	d := actions.NewDispatcher(actions.Config{HandlerTimeout: 5 * time.Second})
	actions.RegisterAllHandlers(d, st.calendar, email.NewTemplatedSender(st.mailer), notifier)

	a := agent.New(agent.Config{
		Dispatcher: d,
		Profiles:   st.profiles,
		Updater:    profile.NewUpdater(st.profiles),
		SMS:        notifier,
	})

	st.server = New(Config{
		Agent:               a,
		Profiles:            st.profiles,
		Providers:           chain,
		Attempts:            st.attempts,
		NotificationService: st.notifs,
		RequestTimeout:      10 * time.Second,
	})
	t.Cleanup(func() { st.server.wsHub.Close() })
	return st
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

// --- Chat ---

func TestAPI_Chat_SetupThenTestSMS(t *testing.T) {
	st := newStack(t)
	h := st.server.Handler()

	rr := doJSON(t, h, "POST", "/api/v1/agent/chat", map[string]interface{}{
		"user_id": "u1",
		"message": "my phone number is 555-123-4567",
		"context": map[string]interface{}{"session_type": "new"},
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	resp := decode(t, rr)
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, true, resp["user_profile_updated"])
	assert.Empty(t, resp["tool_actions"])

	p, err := st.profiles.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "5551234567", p.Phone)

	rr = doJSON(t, h, "POST", "/api/v1/agent/chat", map[string]interface{}{
		"user_id": "u1",
		"message": "test sms",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	resp = decode(t, rr)
	sms := resp["tool_actions"].(map[string]interface{})["sms"].(map[string]interface{})
	assert.Equal(t, "success", sms["status"])
	assert.Equal(t, "textbelt", sms["provider"])
	require.Len(t, st.textbelt.Sent(), 1)
}

func TestAPI_Chat_BadInput(t *testing.T) {
	st := newStack(t)
	h := st.server.Handler()

	tests := []struct {
		name string
		body string
		code int
	}{
		{"invalid json", "{nope", http.StatusBadRequest},
		{"missing user", `{"message":"hi"}`, http.StatusBadRequest},
		{"missing message", `{"user_id":"u1"}`, http.StatusBadRequest},
		{"blank message", `{"user_id":"u1","message":"   "}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/api/v1/agent/chat", strings.NewReader(tt.body))
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			assert.Equal(t, tt.code, rr.Code)
			assert.Contains(t, decode(t, rr), "error")
		})
	}
}

func TestAPI_Chat_PlainChatHasNoToolActions(t *testing.T) {
	st := newStack(t)
	rr := doJSON(t, st.server.Handler(), "POST", "/api/v1/agent/chat", map[string]interface{}{
		"user_id": "u2",
		"message": "I had a long day",
	})
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decode(t, rr)
	assert.Equal(t, agent.ChatFallback, resp["response"])
	assert.Empty(t, resp["tool_actions"])
	assert.Empty(t, resp["action_items"])
	assert.Zero(t, st.textbelt.Hits())
}

// --- Test SMS ---

func TestAPI_TestSMS(t *testing.T) {
	st := newStack(t)
	h := st.server.Handler()

	t.Run("explicit phone", func(t *testing.T) {
		rr := doJSON(t, h, "POST", "/api/v1/agent/test-sms", map[string]interface{}{
			"user_id": "u1",
			"phone":   "5559876543",
			"message": "hello from the api",
		})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		resp := decode(t, rr)
		assert.Equal(t, "textbelt", resp["provider_used"])
		assert.Equal(t, false, resp["simulated"])
		assert.Equal(t, "hello from the api", resp["message"])
		assert.Len(t, resp["attempts"], 1)
	})

	t.Run("no phone anywhere", func(t *testing.T) {
		rr := doJSON(t, h, "POST", "/api/v1/agent/test-sms", map[string]interface{}{"user_id": "nobody"})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, actions.ErrNoPhone.Error(), decode(t, rr)["error"])
	})

	t.Run("bad phone", func(t *testing.T) {
		rr := doJSON(t, h, "POST", "/api/v1/agent/test-sms", map[string]interface{}{"user_id": "u1", "phone": "12"})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

// --- Direct actions ---

func TestAPI_SendSMS(t *testing.T) {
	st := newStack(t)
	h := st.server.Handler()
	testutil.SeedProfile(t, st.profiles, testutil.ProfileFixture("u1"))

	t.Run("stored phone", func(t *testing.T) {
		rr := doJSON(t, h, "POST", "/api/v1/agent/send-sms", map[string]interface{}{
			"user_id": "u1",
			"message": "  time for   your walk ",
		})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		resp := decode(t, rr)
		assert.Equal(t, true, resp["success"])
		assert.Equal(t, "sms", resp["action"])
		result := resp["result"].(map[string]interface{})
		assert.Equal(t, "success", result["status"])
		assert.Equal(t, "textbelt", result["provider"])

		require.Len(t, st.textbelt.Sent(), 1)
		assert.Equal(t, "time for your walk", st.textbelt.Sent()[0].Body)
	})

	t.Run("no phone on file", func(t *testing.T) {
		rr := doJSON(t, h, "POST", "/api/v1/agent/send-sms", map[string]interface{}{"user_id": "nobody", "message": "hi"})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, actions.ErrNoPhone.Error(), decode(t, rr)["error"])
	})

	t.Run("empty message", func(t *testing.T) {
		rr := doJSON(t, h, "POST", "/api/v1/agent/send-sms", map[string]interface{}{"user_id": "u1", "message": " "})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	assert.Len(t, st.textbelt.Sent(), 1, "rejected requests send nothing")
}

func TestAPI_SendEmail(t *testing.T) {
	st := newStack(t)
	h := st.server.Handler()
	testutil.SeedProfile(t, st.profiles, testutil.ProfileFixture("u1"))

	rr := doJSON(t, h, "POST", "/api/v1/agent/send-email", map[string]interface{}{
		"user_id": "u1",
		"message": "Here is the summary of this week.",
		"context": map[string]interface{}{"subject": "Weekly check-in"},
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	resp := decode(t, rr)
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, "email", resp["action"])

	require.Len(t, st.mailer.Sent, 1)
	msg := st.mailer.Sent[0]
	assert.Equal(t, []string{"sam@example.com"}, msg.To)
	assert.Equal(t, "Weekly check-in", msg.Subject)
	assert.Contains(t, msg.TextBody, "Here is the summary of this week.")

	t.Run("template subject by default", func(t *testing.T) {
		rr := doJSON(t, h, "POST", "/api/v1/agent/send-email", map[string]interface{}{"user_id": "u1", "message": "hello"})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		require.Len(t, st.mailer.Sent, 2)
		assert.Equal(t, "Your AI Assistant Update", st.mailer.Sent[1].Subject)
	})

	t.Run("no address on file", func(t *testing.T) {
		rr := doJSON(t, h, "POST", "/api/v1/agent/send-email", map[string]interface{}{"user_id": "nobody", "message": "hello"})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, actions.ErrNoEmail.Error(), decode(t, rr)["error"])
	})
}

func TestAPI_AnalyzeIntent(t *testing.T) {
	st := newStack(t)
	h := st.server.Handler()

	rr := doJSON(t, h, "POST", "/api/v1/agent/analyze-intent", map[string]interface{}{
		"user_id": "u1",
		"message": "text me a reminder to drink water",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	resp := decode(t, rr)
	assert.Equal(t, "keywords", resp["classifier"])
	assert.Equal(t, "send_sms", resp["intent"].(map[string]interface{})["primary_action"])
	assert.Equal(t, []interface{}{"sms"}, resp["actions"])

	// a phone number in the message is noticed but not stored
	rr = doJSON(t, h, "POST", "/api/v1/agent/analyze-intent", map[string]interface{}{
		"user_id": "u9",
		"message": "my number is 555-123-4567",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "setup_sms", decode(t, rr)["intent"].(map[string]interface{})["primary_action"])

	_, err := st.profiles.Get(context.Background(), "u9")
	assert.ErrorIs(t, err, core.ErrProfileNotFound)
	assert.Zero(t, st.textbelt.Hits())
	assert.Empty(t, st.server.agent.Recent(10), "analysis dispatches nothing")

	rr = doJSON(t, h, "POST", "/api/v1/agent/analyze-intent", map[string]interface{}{"user_id": "u1"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAPI_Capabilities(t *testing.T) {
	st := newStack(t)

	rr := doJSON(t, st.server.Handler(), "GET", "/api/v1/agent/capabilities", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	resp := decode(t, rr)
	assert.Equal(t, "keywords", resp["classifier"])

	byTool := map[string]map[string]interface{}{}
	for _, c := range resp["tools"].([]interface{}) {
		row := c.(map[string]interface{})
		byTool[row["tool"].(string)] = row
	}
	require.Len(t, byTool, 3)
	assert.Equal(t, "textbelt", byTool["sms"]["backend"])
	assert.Equal(t, true, byTool["sms"]["configured"])
	assert.Equal(t, true, byTool["email"]["configured"])
	assert.Equal(t, "mock_calendar", byTool["calendar"]["backend"])
	assert.Len(t, resp["providers"], 1)

	t.Run("nothing configured", func(t *testing.T) {
		d := actions.NewDispatcher(actions.DefaultConfig())
		actions.RegisterAllHandlers(d, nil, email.NewTemplatedSender(&testutil.MockTransport{Unconfigured: true}), nil)
		s := New(Config{Agent: agent.New(agent.Config{Dispatcher: d})})

		rr := doJSON(t, s.Handler(), "GET", "/api/v1/agent/capabilities", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		resp := decode(t, rr)
		for _, c := range resp["tools"].([]interface{}) {
			assert.Equal(t, false, c.(map[string]interface{})["configured"])
		}
		assert.NotContains(t, resp, "providers")
	})
}

// --- Profiles ---

func TestAPI_Profile(t *testing.T) {
	st := newStack(t)
	h := st.server.Handler()

	rr := doJSON(t, h, "GET", "/api/v1/profile/u1", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	testutil.SeedProfile(t, st.profiles, testutil.ProfileFixture("u1"))

	rr = doJSON(t, h, "GET", "/api/v1/profile/u1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "Sam", decode(t, rr)["first_name"])

	rr = doJSON(t, h, "PUT", "/api/v1/profile/u1/preferences", map[string]interface{}{
		"preferences": map[string]interface{}{"quiet_hours": "22-07"},
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	resp := decode(t, rr)
	assert.Equal(t, true, resp["updated"])
	assert.Equal(t, "22-07", resp["preferences"].(map[string]interface{})["quiet_hours"])

	// same value again is not a change
	rr = doJSON(t, h, "PUT", "/api/v1/profile/u1/preferences", map[string]interface{}{
		"preferences": map[string]interface{}{"quiet_hours": "22-07"},
	})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, false, decode(t, rr)["updated"])

	rr = doJSON(t, h, "PUT", "/api/v1/profile/u1/preferences", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

// --- Delivery ---

func TestAPI_ProvidersAndDeliveries(t *testing.T) {
	st := newStack(t)
	h := st.server.Handler()

	rr := doJSON(t, h, "GET", "/api/v1/providers", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	providers := decode(t, rr)["providers"].([]interface{})
	require.Len(t, providers, 1)
	assert.Equal(t, "textbelt", providers[0].(map[string]interface{})["id"])

	rr = doJSON(t, h, "GET", "/api/v1/deliveries/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	testutil.SeedProfile(t, st.profiles, testutil.ProfileFixture("u1"))
	rr = doJSON(t, h, "POST", "/api/v1/agent/chat", map[string]interface{}{"user_id": "u1", "message": "test sms"})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(t, h, "GET", "/api/v1/deliveries?limit=5", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	attempts := decode(t, rr)["attempts"].([]interface{})
	require.Len(t, attempts, 1)
	requestID := attempts[0].(map[string]interface{})["request_id"].(string)

	rr = doJSON(t, h, "GET", "/api/v1/deliveries/"+requestID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 1, decode(t, rr)["count"])

	rr = doJSON(t, h, "GET", "/api/v1/agent/actions", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 1, decode(t, rr)["count"])
}

func TestAPI_ProvidersWithoutChain(t *testing.T) {
	s := New(Config{Agent: fakeAgent{}})
	rr := doJSON(t, s.Handler(), "GET", "/api/v1/providers", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, decode(t, rr)["simulated"])
}

// --- Error mapping ---

// fakeAgent returns err from every call
type fakeAgent struct {
	err error
}

func (f fakeAgent) Process(ctx context.Context, req core.AgentRequest) (*core.AgentResponse, error) {
	return nil, f.err
}

func (f fakeAgent) TestSMS(ctx context.Context, req agent.TestSMSRequest) (*agent.TestSMSResult, error) {
	return nil, f.err
}

func (f fakeAgent) SendSMS(ctx context.Context, req agent.DirectRequest) (*agent.DirectResult, error) {
	return nil, f.err
}

func (f fakeAgent) SendEmail(ctx context.Context, req agent.DirectRequest) (*agent.DirectResult, error) {
	return nil, f.err
}

func (f fakeAgent) AnalyzeIntent(ctx context.Context, req core.AgentRequest) (*agent.IntentAnalysis, error) {
	return nil, f.err
}

func (f fakeAgent) Capabilities() agent.Capabilities { return agent.Capabilities{Classifier: "keywords"} }

func (f fakeAgent) Recent(limit int) []actions.Record { return nil }

func TestAPI_ErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("%w: user_id", core.ErrMissingRequired), http.StatusBadRequest},
		{core.NewValidationError("sms", "phone", "bad"), http.StatusBadRequest},
		{core.ErrProfileNotFound, http.StatusNotFound},
		{core.ErrProfileWriteConflict, http.StatusConflict},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{context.Canceled, http.StatusServiceUnavailable},
		{fmt.Errorf("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			s := New(Config{Agent: fakeAgent{err: tt.err}})
			rr := doJSON(t, s.Handler(), "POST", "/api/v1/agent/chat", map[string]interface{}{"user_id": "u1", "message": "hi"})
			assert.Equal(t, tt.code, rr.Code)
		})
	}
}

func TestAPI_Health(t *testing.T) {
	s := New(Config{Agent: fakeAgent{}})
	rr := doJSON(t, s.Handler(), "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}
