// Package api provides the HTTP API server for MindFlora.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/mindflora/mindflora/internal/actions"
	"github.com/mindflora/mindflora/internal/agent"
	"github.com/mindflora/mindflora/internal/core"
	"github.com/mindflora/mindflora/internal/logging"
	"github.com/mindflora/mindflora/internal/notifications"
	"github.com/mindflora/mindflora/internal/storage"
)

// Agent is the orchestrator the chat endpoints drive
type Agent interface {
	Process(ctx context.Context, req core.AgentRequest) (*core.AgentResponse, error)
	TestSMS(ctx context.Context, req agent.TestSMSRequest) (*agent.TestSMSResult, error)
	SendSMS(ctx context.Context, req agent.DirectRequest) (*agent.DirectResult, error)
	SendEmail(ctx context.Context, req agent.DirectRequest) (*agent.DirectResult, error)
	AnalyzeIntent(ctx context.Context, req core.AgentRequest) (*agent.IntentAnalysis, error)
	Capabilities() agent.Capabilities
	Recent(limit int) []actions.Record
}

// Profiles reads profiles and merges preferences
type Profiles interface {
	Get(ctx context.Context, userID core.UserID) (*core.UserProfile, error)
	SetPreferences(ctx context.Context, userID core.UserID, prefs map[string]any) (*core.UserProfile, bool, error)
}

// ProviderReporter reports SMS provider quota state
type ProviderReporter interface {
	Status(ctx context.Context) ([]notifications.ProviderStatus, error)
}

// AttemptLog reads persisted delivery attempts
type AttemptLog interface {
	ByRequest(ctx context.Context, requestID string) ([]storage.AttemptRecord, error)
	Recent(ctx context.Context, limit int) ([]storage.AttemptRecord, error)
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server

	agent     Agent
	profiles  Profiles
	providers ProviderReporter
	attempts  AttemptLog

	notificationService *notifications.Service
	wsHub               *WebSocketHub
}

// Config for the server
type Config struct {
	Host                string
	Port                int
	Agent               Agent
	Profiles            Profiles
	Providers           ProviderReporter
	Attempts            AttemptLog
	NotificationService *notifications.Service
	// RequestTimeout bounds a whole request; zero means 60s
	RequestTimeout time.Duration
}

// New creates a new API server
func New(cfg Config) *Server {
	s := &Server{
		agent:               cfg.Agent,
		profiles:            cfg.Profiles,
		providers:           cfg.Providers,
		attempts:            cfg.Attempts,
		notificationService: cfg.NotificationService,
	}
	if cfg.NotificationService != nil {
		s.wsHub = NewWebSocketHub(cfg.NotificationService)
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	s.setupRouter(timeout)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: timeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRouter configures all routes
func (s *Server) setupRouter(timeout time.Duration) {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(timeout))

		// Agent
		r.Post("/agent/chat", s.handleAgentChat)
		r.Post("/agent/test-sms", s.handleTestSMS)
		r.Post("/agent/send-sms", s.handleSendSMS)
		r.Post("/agent/send-email", s.handleSendEmail)
		r.Post("/agent/analyze-intent", s.handleAnalyzeIntent)
		r.Get("/agent/capabilities", s.handleCapabilities)
		r.Get("/agent/actions", s.handleRecentActions)

		// Profiles
		r.Get("/profile/{userID}", s.handleGetProfile)
		r.Put("/profile/{userID}/preferences", s.handleUpdatePreferences)

		// Delivery
		r.Get("/providers", s.handleGetProviders)
		r.Get("/deliveries", s.handleRecentDeliveries)
		r.Get("/deliveries/{requestID}", s.handleGetDeliveries)

		// Notifications (if service configured)
		if s.notificationService != nil {
			NewNotificationsAPI(s.notificationService).RegisterRoutes(r)
		}
	})

	// WebSocket
	if s.wsHub != nil {
		r.Get("/ws", s.wsHub.ServeHTTP)
	}

	s.router = r
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start() error {
	logging.Info("API server starting on http://%s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the server and closes WebSocket clients
func (s *Server) Stop(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	if s.wsHub != nil {
		s.wsHub.Close()
	}
	return err
}

// requestLogger logs one line per request through the structured logger
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logging.WithFields(map[string]interface{}{
			"request_id": middleware.GetReqID(r.Context()),
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start).String(),
		}).Debug("HTTP request")
	})
}

// --- Response helpers ---

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	var validation *core.HandlerValidationError
	switch {
	case errors.Is(err, core.ErrMissingRequired),
		errors.Is(err, core.ErrInvalidInput),
		errors.Is(err, actions.ErrNoPhone),
		errors.Is(err, actions.ErrNoEmail),
		errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrProfileNotFound),
		errors.Is(err, core.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrProfileWriteConflict):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", core.ErrInvalidInput, err)
	}
	return nil
}
