// Package calendar books and reads appointments on Google Calendar.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/mindflora/mindflora/internal/core"
	"github.com/mindflora/mindflora/internal/spaces"
)

// ProviderID names this backend in tool results
const ProviderID = "google_calendar"

// Scopes are the OAuth scopes the client needs
var Scopes = []string{
	calendar.CalendarEventsScope,
	calendar.CalendarReadonlyScope,
}

// Client wraps the Google Calendar API
type Client struct {
	service    *calendar.Service
	calendarID string
}

// NewClient creates a client authorised by token
func NewClient(ctx context.Context, oauth *spaces.OAuth, token *oauth2.Token, calendarID string) (*Client, error) {
	service, err := calendar.NewService(ctx, option.WithHTTPClient(oauth.HTTPClient(ctx, token)))
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return NewWithService(service, calendarID), nil
}

// NewWithService wraps an existing service
func NewWithService(service *calendar.Service, calendarID string) *Client {
	if calendarID == "" {
		calendarID = "primary"
	}
	return &Client{service: service, calendarID: calendarID}
}

// Name identifies the backend
func (c *Client) Name() string { return ProviderID }

// IsConfigured reports whether the client can reach the API
func (c *Client) IsConfigured() bool { return c != nil && c.service != nil }

// Book creates the appointment and notifies attendees
func (c *Client) Book(ctx context.Context, appt core.Appointment) (*core.CalendarEvent, error) {
	event := &calendar.Event{
		Summary:     appt.Title,
		Description: appt.Description,
		Start:       &calendar.EventDateTime{DateTime: appt.Start.Format(time.RFC3339)},
		End:         &calendar.EventDateTime{DateTime: appt.End().Format(time.RFC3339)},
	}
	for _, email := range appt.Attendees {
		event.Attendees = append(event.Attendees, &calendar.EventAttendee{Email: email})
	}

	created, err := c.service.Events.Insert(c.calendarID, event).
		Context(ctx).
		SendUpdates("all").
		Do()
	if err != nil {
		return nil, wrapAPIError("create event", err)
	}

	out := convertEvent(created)
	return &out, nil
}

// List returns the events between start and end in start order
func (c *Client) List(ctx context.Context, start, end time.Time) ([]core.CalendarEvent, error) {
	resp, err := c.service.Events.List(c.calendarID).
		Context(ctx).
		TimeMin(start.Format(time.RFC3339)).
		TimeMax(end.Format(time.RFC3339)).
		SingleEvents(true).
		OrderBy("startTime").
		Do()
	if err != nil {
		return nil, wrapAPIError("list events", err)
	}

	events := make([]core.CalendarEvent, 0, len(resp.Items))
	for _, item := range resp.Items {
		events = append(events, convertEvent(item))
	}
	return events, nil
}

// CheckAvailability reports whether the calendar is free for the whole range
func (c *Client) CheckAvailability(ctx context.Context, start, end time.Time) (bool, error) {
	req := &calendar.FreeBusyRequest{
		TimeMin: start.Format(time.RFC3339),
		TimeMax: end.Format(time.RFC3339),
		Items:   []*calendar.FreeBusyRequestItem{{Id: c.calendarID}},
	}

	resp, err := c.service.Freebusy.Query(req).Context(ctx).Do()
	if err != nil {
		return false, wrapAPIError("query free/busy", err)
	}

	cal, ok := resp.Calendars[c.calendarID]
	if !ok {
		return true, nil
	}
	if len(cal.Errors) > 0 {
		return false, core.NewProviderError(ProviderID, core.KindRejected, fmt.Errorf("free/busy: %s", cal.Errors[0].Reason))
	}
	for _, busy := range cal.Busy {
		bs, err1 := time.Parse(time.RFC3339, busy.Start)
		be, err2 := time.Parse(time.RFC3339, busy.End)
		if err1 != nil || err2 != nil {
			continue
		}
		if bs.Before(end) && be.After(start) {
			return false, nil
		}
	}
	return true, nil
}

// wrapAPIError classifies a Google API failure
func wrapAPIError(op string, err error) error {
	kind := core.KindNetwork
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden:
			kind = core.KindAuth
		case apiErr.Code == http.StatusTooManyRequests:
			kind = core.KindQuota
		case apiErr.Code < 500:
			kind = core.KindRejected
		}
	}
	return core.NewProviderError(ProviderID, kind, fmt.Errorf("%s: %w", op, err))
}

func convertEvent(item *calendar.Event) core.CalendarEvent {
	event := core.CalendarEvent{
		ID:    item.Id,
		Title: item.Summary,
		Link:  item.HtmlLink,
	}
	if item.Start != nil {
		event.Start = parseEventTime(item.Start)
	}
	if item.End != nil {
		event.End = parseEventTime(item.End)
	}
	return event
}

// parseEventTime handles both timed and all-day entries
func parseEventTime(t *calendar.EventDateTime) time.Time {
	if t.DateTime != "" {
		v, _ := time.Parse(time.RFC3339, t.DateTime)
		return v
	}
	if t.Date != "" {
		v, _ := time.Parse("2006-01-02", t.Date)
		return v
	}
	return time.Time{}
}
