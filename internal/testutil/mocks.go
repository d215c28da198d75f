package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/mindflora/mindflora/internal/core"
	"github.com/mindflora/mindflora/internal/email"
	"github.com/mindflora/mindflora/internal/llm"
)

// MockCalendar implements a mock calendar provider for testing.
type MockCalendar struct {
	BookFunc              func(ctx context.Context, appt core.Appointment) (*core.CalendarEvent, error)
	ListFunc              func(ctx context.Context, start, end time.Time) ([]core.CalendarEvent, error)
	CheckAvailabilityFunc func(ctx context.Context, start, end time.Time) (bool, error)
	Unconfigured          bool

	mu     sync.Mutex
	Booked []core.Appointment
}

// Name identifies the mock backend.
func (m *MockCalendar) Name() string { return "mock_calendar" }

// IsConfigured is true unless Unconfigured is set.
func (m *MockCalendar) IsConfigured() bool { return !m.Unconfigured }

// Book records the appointment and calls the mock function if set.
func (m *MockCalendar) Book(ctx context.Context, appt core.Appointment) (*core.CalendarEvent, error) {
	m.mu.Lock()
	m.Booked = append(m.Booked, appt)
	m.mu.Unlock()

	if m.BookFunc != nil {
		return m.BookFunc(ctx, appt)
	}
	return &core.CalendarEvent{ID: RandomID(), Title: appt.Title, Start: appt.Start, End: appt.End()}, nil
}

// List calls the mock function if set.
func (m *MockCalendar) List(ctx context.Context, start, end time.Time) ([]core.CalendarEvent, error) {
	if m.ListFunc != nil {
		return m.ListFunc(ctx, start, end)
	}
	return nil, nil
}

// CheckAvailability calls the mock function if set; the default is free.
func (m *MockCalendar) CheckAvailability(ctx context.Context, start, end time.Time) (bool, error) {
	if m.CheckAvailabilityFunc != nil {
		return m.CheckAvailabilityFunc(ctx, start, end)
	}
	return true, nil
}

// BookedCount returns how many bookings were attempted.
func (m *MockCalendar) BookedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Booked)
}

// MockTransport implements email.Transport and records sent mail.
type MockTransport struct {
	SendFunc     func(ctx context.Context, msg *email.Message) error
	Unconfigured bool

	mu   sync.Mutex
	Sent []*email.Message
}

// IsConfigured is true unless Unconfigured is set.
func (m *MockTransport) IsConfigured() bool { return !m.Unconfigured }

// Send records msg and calls the mock function if set.
func (m *MockTransport) Send(ctx context.Context, msg *email.Message) error {
	if m.SendFunc != nil {
		if err := m.SendFunc(ctx, msg); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.Sent = append(m.Sent, msg)
	m.mu.Unlock()
	return nil
}

// SentCount returns how many messages were delivered.
func (m *MockTransport) SentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Sent)
}

// MockLLM implements llm.Backend for testing.
type MockLLM struct {
	Provider     llm.Provider
	ChatFunc     func(ctx context.Context, system, prompt string) (string, error)
	Unconfigured bool

	mu    sync.Mutex
	Calls int
}

// Name returns the configured provider, "mock" by default.
func (m *MockLLM) Name() llm.Provider {
	if m.Provider == "" {
		return "mock"
	}
	return m.Provider
}

// IsConfigured is true unless Unconfigured is set.
func (m *MockLLM) IsConfigured() bool { return !m.Unconfigured }

// Chat counts the call and delegates to ChatFunc.
func (m *MockLLM) Chat(ctx context.Context, system, prompt string) (string, error) {
	m.mu.Lock()
	m.Calls++
	m.mu.Unlock()

	if m.ChatFunc != nil {
		return m.ChatFunc(ctx, system, prompt)
	}
	return "", llm.ErrEmptyResponse
}

// CallCount returns how many times Chat ran.
func (m *MockLLM) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Calls
}
