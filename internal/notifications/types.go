// Package notifications delivers messages to users: SMS through an ordered
// provider fallback chain, and in-app notifications pushed to connected
// clients.
package notifications

import (
	"time"

	"github.com/mindflora/mindflora/internal/core"
)

// NotificationType represents the kind of in-app notification
type NotificationType string

const (
	NotifyActionComplete NotificationType = "action_complete"
	NotifyActionFailed   NotificationType = "action_failed"
	NotifyCrisis         NotificationType = "crisis"
	NotifyReminder       NotificationType = "reminder"
	NotifySystem         NotificationType = "system"
)

// Urgency levels for notifications
const (
	UrgencyLow      = 1 // Can wait
	UrgencyMedium   = 2 // Attention soon
	UrgencyHigh     = 3 // Needs attention now
	UrgencyCritical = 4 // Immediate action required
)

// UrgencyFor maps an intent urgency to a notification urgency
func UrgencyFor(u core.Urgency) int {
	switch u {
	case core.UrgencyCrisis:
		return UrgencyCritical
	case core.UrgencyHigh:
		return UrgencyHigh
	default:
		return UrgencyMedium
	}
}

// Notification represents a user notification
type Notification struct {
	ID          string           `json:"id"`
	UserID      core.UserID      `json:"user_id"`
	Type        NotificationType `json:"type"`
	Title       string           `json:"title"`
	Body        string           `json:"body,omitempty"`
	Urgency     int              `json:"urgency"` // 1-4
	ActionData  map[string]any   `json:"action_data,omitempty"`
	Read        bool             `json:"read"`
	Dismissed   bool             `json:"dismissed"`
	CreatedAt   time.Time        `json:"created_at"`
	ReadAt      *time.Time       `json:"read_at,omitempty"`
	DismissedAt *time.Time       `json:"dismissed_at,omitempty"`
	ExpiresAt   *time.Time       `json:"expires_at,omitempty"`
}

// NotificationFilter for querying notifications
type NotificationFilter struct {
	UserID    core.UserID
	Type      NotificationType
	Urgency   int
	Read      *bool
	Dismissed *bool
	Limit     int
	Offset    int
}

// CreateNotificationRequest for creating new notifications
type CreateNotificationRequest struct {
	UserID     core.UserID      `json:"user_id"`
	Type       NotificationType `json:"type"`
	Title      string           `json:"title"`
	Body       string           `json:"body,omitempty"`
	Urgency    int              `json:"urgency,omitempty"`
	ActionData map[string]any   `json:"action_data,omitempty"`
	ExpiresIn  time.Duration    `json:"expires_in,omitempty"`
}

// WebSocketMessage for real-time notification delivery
type WebSocketMessage struct {
	Type    string       `json:"type"`
	Payload Notification `json:"payload"`
}
