package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/mindflora/mindflora/internal/core"
	"github.com/mindflora/mindflora/internal/notifications"
)

// NotificationsAPI handles in-app notification endpoints. Listing and
// counting are scoped by the user_id query parameter.
type NotificationsAPI struct {
	service *notifications.Service
}

// NewNotificationsAPI creates a new notifications API
func NewNotificationsAPI(service *notifications.Service) *NotificationsAPI {
	return &NotificationsAPI{service: service}
}

// RegisterRoutes registers notification routes
func (api *NotificationsAPI) RegisterRoutes(r chi.Router) {
	r.Get("/notifications", api.handleGetNotifications)
	r.Post("/notifications", api.handleCreateNotification)
	r.Get("/notifications/unread-count", api.handleGetUnreadCount)
	r.Post("/notifications/read-all", api.handleMarkAllNotificationsRead)
	r.Get("/notifications/{id}", api.handleGetNotification)
	r.Post("/notifications/{id}/read", api.handleMarkNotificationRead)
	r.Post("/notifications/{id}/dismiss", api.handleDismissNotification)
}

func userParam(w http.ResponseWriter, r *http.Request) (core.UserID, bool) {
	uid := r.URL.Query().Get("user_id")
	if uid == "" {
		respondError(w, http.StatusBadRequest, "user_id required")
		return "", false
	}
	return core.UserID(uid), true
}

// handleGetNotifications returns a user's notifications with optional filters
func (api *NotificationsAPI) handleGetNotifications(w http.ResponseWriter, r *http.Request) {
	uid, ok := userParam(w, r)
	if !ok {
		return
	}
	filter := notifications.NotificationFilter{UserID: uid}

	q := r.URL.Query()
	if t := q.Get("type"); t != "" {
		filter.Type = notifications.NotificationType(t)
	}
	if u := q.Get("urgency"); u != "" {
		filter.Urgency, _ = strconv.Atoi(u)
	}
	if read := q.Get("read"); read != "" {
		b := read == "true"
		filter.Read = &b
	}
	if dismissed := q.Get("dismissed"); dismissed != "" {
		b := dismissed == "true"
		filter.Dismissed = &b
	}
	filter.Limit = queryInt(r, "limit", 50)
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))

	notifs, err := api.service.List(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"notifications": notifs,
		"count":         len(notifs),
	})
}

// handleGetNotification returns a single notification
func (api *NotificationsAPI) handleGetNotification(w http.ResponseWriter, r *http.Request) {
	notif, err := api.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, notif)
}

// handleMarkNotificationRead marks a notification as read
func (api *NotificationsAPI) handleMarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	if err := api.service.MarkRead(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "marked as read"})
}

// handleMarkAllNotificationsRead marks all of a user's notifications as read
func (api *NotificationsAPI) handleMarkAllNotificationsRead(w http.ResponseWriter, r *http.Request) {
	uid, ok := userParam(w, r)
	if !ok {
		return
	}
	if err := api.service.MarkAllRead(r.Context(), uid); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "all marked as read"})
}

// handleDismissNotification dismisses a notification
func (api *NotificationsAPI) handleDismissNotification(w http.ResponseWriter, r *http.Request) {
	if err := api.service.Dismiss(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "dismissed"})
}

// handleGetUnreadCount returns the count of a user's unread notifications
func (api *NotificationsAPI) handleGetUnreadCount(w http.ResponseWriter, r *http.Request) {
	uid, ok := userParam(w, r)
	if !ok {
		return
	}
	count, err := api.service.UnreadCount(r.Context(), uid)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"count": count})
}

// handleCreateNotification creates a new notification (for testing/admin)
func (api *NotificationsAPI) handleCreateNotification(w http.ResponseWriter, r *http.Request) {
	var req notifications.CreateNotificationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	notif, err := api.service.Create(r.Context(), req)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, notif)
}
