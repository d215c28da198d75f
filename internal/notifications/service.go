package notifications

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mindflora/mindflora/internal/core"
	"github.com/mindflora/mindflora/internal/logging"
	"github.com/mindflora/mindflora/internal/storage"
)

// Subscriber receives notifications in real-time
type Subscriber interface {
	Send(notification Notification) error
	ID() string
	// UserID scopes the subscription; empty receives every user's notifications
	UserID() core.UserID
}

// Service manages in-app notifications
type Service struct {
	db          *storage.DB
	subscribers map[string]Subscriber
	mu          sync.RWMutex
	now         func() time.Time
}

// NewService creates a new notification service
func NewService(db *storage.DB) *Service {
	return &Service{
		db:          db,
		subscribers: make(map[string]Subscriber),
		now:         time.Now,
	}
}

// Subscribe adds a subscriber for real-time notifications
func (s *Service) Subscribe(sub Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers[sub.ID()] = sub
}

// Unsubscribe removes a subscriber
func (s *Service) Unsubscribe(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscribers, id)
}

// Create stores a notification and pushes it to the user's subscribers
func (s *Service) Create(ctx context.Context, req CreateNotificationRequest) (*Notification, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user_id", core.ErrMissingRequired)
	}
	if req.Title == "" {
		return nil, fmt.Errorf("%w: title", core.ErrMissingRequired)
	}

	now := s.now().UTC().Truncate(time.Second)
	n := &Notification{
		ID:         uuid.New().String(),
		UserID:     req.UserID,
		Type:       req.Type,
		Title:      req.Title,
		Body:       req.Body,
		Urgency:    req.Urgency,
		ActionData: req.ActionData,
		CreatedAt:  now,
	}
	if n.Type == "" {
		n.Type = NotifySystem
	}
	if n.Urgency == 0 {
		n.Urgency = UrgencyMedium
	}
	if req.ExpiresIn > 0 {
		expires := now.Add(req.ExpiresIn)
		n.ExpiresAt = &expires
	}

	if err := s.save(ctx, n); err != nil {
		return nil, fmt.Errorf("save notification: %w", err)
	}

	s.broadcast(*n)
	return n, nil
}

func (s *Service) save(ctx context.Context, n *Notification) error {
	actionData := ""
	if n.ActionData != nil {
		data, err := json.Marshal(n.ActionData)
		if err != nil {
			return err
		}
		actionData = string(data)
	}

	_, err := s.db.Conn().ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, type, title, body, urgency, action_data, read, dismissed, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?)
	`, n.ID, string(n.UserID), string(n.Type), n.Title, n.Body, n.Urgency, actionData, n.CreatedAt.Unix(), unixOrNil(n.ExpiresAt))
	return err
}

// broadcast pushes to matching subscribers without blocking the caller
func (s *Service) broadcast(n Notification) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sub := range s.subscribers {
		if uid := sub.UserID(); uid != "" && uid != n.UserID {
			continue
		}
		go func(subscriber Subscriber) {
			if err := subscriber.Send(n); err != nil {
				logging.WithField("subscriber", subscriber.ID()).Debug("push failed: %v", err)
			}
		}(sub)
	}
}

const selectColumns = `SELECT id, user_id, type, title, body, urgency, action_data, read, dismissed, created_at, read_at, dismissed_at, expires_at FROM notifications`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNotification(row rowScanner) (*Notification, error) {
	n := &Notification{}
	var userID, typ, actionData string
	var read, dismissed int
	var created int64
	var readAt, dismissedAt, expiresAt sql.NullInt64

	if err := row.Scan(&n.ID, &userID, &typ, &n.Title, &n.Body, &n.Urgency, &actionData,
		&read, &dismissed, &created, &readAt, &dismissedAt, &expiresAt); err != nil {
		return nil, err
	}

	n.UserID = core.UserID(userID)
	n.Type = NotificationType(typ)
	n.Read = read != 0
	n.Dismissed = dismissed != 0
	n.CreatedAt = time.Unix(created, 0).UTC()
	n.ReadAt = timeOrNil(readAt)
	n.DismissedAt = timeOrNil(dismissedAt)
	n.ExpiresAt = timeOrNil(expiresAt)
	if actionData != "" {
		if err := json.Unmarshal([]byte(actionData), &n.ActionData); err != nil {
			return nil, fmt.Errorf("action data: %w", err)
		}
	}
	return n, nil
}

// Get retrieves a notification by ID
func (s *Service) Get(ctx context.Context, id string) (*Notification, error) {
	n, err := scanNotification(s.db.Conn().QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("notification %s: %w", id, core.ErrRecordNotFound)
	}
	return n, err
}

// List retrieves notifications with optional filters, newest first
func (s *Service) List(ctx context.Context, filter NotificationFilter) ([]*Notification, error) {
	query := selectColumns + ` WHERE 1=1`
	args := []any{}

	if filter.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, string(filter.UserID))
	}
	if filter.Type != "" {
		query += " AND type = ?"
		args = append(args, string(filter.Type))
	}
	if filter.Urgency > 0 {
		query += " AND urgency >= ?"
		args = append(args, filter.Urgency)
	}
	if filter.Read != nil {
		query += " AND read = ?"
		args = append(args, boolInt(*filter.Read))
	}
	if filter.Dismissed != nil {
		query += " AND dismissed = ?"
		args = append(args, boolInt(*filter.Dismissed))
	}

	query += " ORDER BY created_at DESC, rowid DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.db.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// GetUnread retrieves a user's unread, undismissed notifications
func (s *Service) GetUnread(ctx context.Context, userID core.UserID) ([]*Notification, error) {
	read := false
	dismissed := false
	return s.List(ctx, NotificationFilter{UserID: userID, Read: &read, Dismissed: &dismissed, Limit: 100})
}

// MarkRead marks a notification as read
func (s *Service) MarkRead(ctx context.Context, id string) error {
	return s.touch(ctx, `UPDATE notifications SET read = 1, read_at = ? WHERE id = ?`, id)
}

// Dismiss dismisses a notification
func (s *Service) Dismiss(ctx context.Context, id string) error {
	return s.touch(ctx, `UPDATE notifications SET dismissed = 1, dismissed_at = ? WHERE id = ?`, id)
}

func (s *Service) touch(ctx context.Context, query, id string) error {
	res, err := s.db.Conn().ExecContext(ctx, query, s.now().UTC().Unix(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("notification %s: %w", id, core.ErrRecordNotFound)
	}
	return nil
}

// MarkAllRead marks all of a user's notifications as read
func (s *Service) MarkAllRead(ctx context.Context, userID core.UserID) error {
	_, err := s.db.Conn().ExecContext(ctx, `
		UPDATE notifications SET read = 1, read_at = ? WHERE read = 0 AND user_id = ?
	`, s.now().UTC().Unix(), string(userID))
	return err
}

// UnreadCount returns the count of a user's unread notifications
func (s *Service) UnreadCount(ctx context.Context, userID core.UserID) (int, error) {
	var count int
	err := s.db.Conn().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM notifications WHERE read = 0 AND dismissed = 0 AND user_id = ?
	`, string(userID)).Scan(&count)
	return count, err
}

// Cleanup removes old handled notifications and expired ones
func (s *Service) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	now := s.now().UTC()
	result, err := s.db.Conn().ExecContext(ctx, `
		DELETE FROM notifications
		WHERE (created_at < ? AND (read = 1 OR dismissed = 1))
		   OR (expires_at IS NOT NULL AND expires_at < ?)
	`, now.Add(-olderThan).Unix(), now.Unix())
	if err != nil {
		return 0, err
	}
	affected, _ := result.RowsAffected()
	return int(affected), nil
}

// NotifyResult records the outcome of a tool action for the user
func (s *Service) NotifyResult(ctx context.Context, userID core.UserID, action core.ActionName, res core.ToolActionResult, urgency core.Urgency) (*Notification, error) {
	req := CreateNotificationRequest{
		UserID:  userID,
		Urgency: UrgencyFor(urgency),
		ActionData: map[string]any{
			"action":   string(action),
			"status":   string(res.Status),
			"provider": res.Provider,
		},
	}
	switch res.Status {
	case core.StatusSuccess:
		req.Type = NotifyActionComplete
		req.Title = fmt.Sprintf("%s sent", action)
	case core.StatusSimulated:
		req.Type = NotifyActionComplete
		req.Title = fmt.Sprintf("%s simulated", action)
	default:
		req.Type = NotifyActionFailed
		req.Title = fmt.Sprintf("%s failed", action)
		req.Body = res.Error
	}
	if urgency == core.UrgencyCrisis {
		req.Type = NotifyCrisis
	}
	return s.Create(ctx, req)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func unixOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func timeOrNil(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}
