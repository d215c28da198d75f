// Package mockservers provides httptest mock servers for external APIs.
package mockservers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// SentSMS is one message a mock provider accepted.
type SentSMS struct {
	To   string
	Body string
}

type recorder struct {
	mu   sync.Mutex
	sent []SentSMS
	hits int
}

func (r *recorder) hit() {
	r.mu.Lock()
	r.hits++
	r.mu.Unlock()
}

func (r *recorder) record(to, body string) {
	r.mu.Lock()
	r.sent = append(r.sent, SentSMS{To: to, Body: body})
	r.mu.Unlock()
}

// Sent returns the accepted messages in order.
func (r *recorder) Sent() []SentSMS {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SentSMS(nil), r.sent...)
}

// Hits returns how many requests reached the server.
func (r *recorder) Hits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hits
}

// TwilioMockServer provides a mock Twilio Messages API.
type TwilioMockServer struct {
	Server *httptest.Server
	// Status, when non-zero, is returned instead of a queued message.
	Status int
	recorder
}

// NewTwilioMockServer creates a new mock Twilio server.
func NewTwilioMockServer(t *testing.T) *TwilioMockServer {
	t.Helper()

	mock := &TwilioMockServer{}
	mock.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.hit()
		w.Header().Set("Content-Type", "application/json")

		if mock.Status != 0 {
			w.WriteHeader(mock.Status)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"code":    20003,
				"message": http.StatusText(mock.Status),
				"status":  mock.Status,
			})
			return
		}

		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mock.record(r.PostForm.Get("To"), r.PostForm.Get("Body"))

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"sid":    "SM" + r.PostForm.Get("To"),
			"status": "queued",
		})
	}))

	t.Cleanup(func() {
		mock.Server.Close()
	})
	return mock
}

// TextBeltMockServer provides a mock TextBelt API with a daily quota.
type TextBeltMockServer struct {
	Server *httptest.Server
	// Remaining is the quota reported after each accepted message.
	Remaining int
	recorder
}

// NewTextBeltMockServer creates a mock server allowing quota messages.
func NewTextBeltMockServer(t *testing.T, quota int) *TextBeltMockServer {
	t.Helper()

	mock := &TextBeltMockServer{Remaining: quota}
	mock.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.hit()
		w.Header().Set("Content-Type", "application/json")

		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		mock.mu.Lock()
		if mock.Remaining <= 0 {
			mock.mu.Unlock()
			json.NewEncoder(w).Encode(map[string]interface{}{
				"success":        false,
				"error":          "Out of quota",
				"quotaRemaining": 0,
			})
			return
		}
		mock.Remaining--
		remaining := mock.Remaining
		mock.mu.Unlock()

		mock.record(r.PostForm.Get("phone"), r.PostForm.Get("message"))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success":        true,
			"textId":         "tb-1",
			"quotaRemaining": remaining,
		})
	}))

	t.Cleanup(func() {
		mock.Server.Close()
	})
	return mock
}
