package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mindflora/mindflora/internal/logging"
)

// Provider names an LLM backend
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
)

// Backend is one chat-capable provider
type Backend interface {
	Name() Provider
	Chat(ctx context.Context, system, userMessage string) (string, error)
	IsConfigured() bool
}

// RouterConfig configures the router
type RouterConfig struct {
	// Backends in preference order
	Backends []Backend

	// Try the next backend when one fails
	EnableFallback bool
}

// Router sends requests to the first healthy backend in order
type Router struct {
	backends       []Backend
	enableFallback bool

	mu    sync.RWMutex
	stats RouterStats
}

// RouterStats tracks router usage
type RouterStats struct {
	Requests         map[Provider]int64
	Failures         map[Provider]int64
	FallbackCount    int64
	AverageLatencyMs int64
}

// NewRouter creates a new router. Unconfigured backends are skipped.
func NewRouter(cfg RouterConfig) *Router {
	r := &Router{
		enableFallback: cfg.EnableFallback,
		stats: RouterStats{
			Requests: make(map[Provider]int64),
			Failures: make(map[Provider]int64),
		},
	}
	for _, b := range cfg.Backends {
		if b != nil && b.IsConfigured() {
			r.backends = append(r.backends, b)
		}
	}
	return r
}

// RouteRequest represents a request to be routed
type RouteRequest struct {
	System string
	Prompt string

	// If set, this backend is tried first
	PreferredProvider Provider
}

// RouteResponse contains the response and metadata
type RouteResponse struct {
	Content     string
	Provider    Provider
	LatencyMs   int64
	WasFallback bool
}

// Route sends a request to the first backend that answers
func (r *Router) Route(ctx context.Context, req RouteRequest) (*RouteResponse, error) {
	order := r.order(req.PreferredProvider)
	if len(order) == 0 {
		return nil, ErrNoProviders
	}

	start := time.Now()
	var errs []error
	for i, b := range order {
		if i > 0 && !r.enableFallback {
			break
		}
		content, err := b.Chat(ctx, req.System, req.Prompt)
		if err != nil {
			r.recordFailure(b.Name())
			errs = append(errs, fmt.Errorf("%s: %w", b.Name(), err))
			logging.WithField("provider", b.Name()).Warn("llm request failed: %v", err)
			if ctx.Err() != nil {
				break
			}
			continue
		}

		latency := time.Since(start).Milliseconds()
		r.recordSuccess(b.Name(), latency, i > 0)
		return &RouteResponse{
			Content:     content,
			Provider:    b.Name(),
			LatencyMs:   latency,
			WasFallback: i > 0,
		}, nil
	}

	return nil, fmt.Errorf("all providers failed: %w", errors.Join(errs...))
}

func (r *Router) order(preferred Provider) []Backend {
	if preferred == "" {
		return r.backends
	}
	out := make([]Backend, 0, len(r.backends))
	for _, b := range r.backends {
		if b.Name() == preferred {
			out = append(out, b)
		}
	}
	for _, b := range r.backends {
		if b.Name() != preferred {
			out = append(out, b)
		}
	}
	return out
}

func (r *Router) recordSuccess(p Provider, latencyMs int64, fallback bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stats.Requests[p]++
	if fallback {
		r.stats.FallbackCount++
	}

	var total int64
	for _, n := range r.stats.Requests {
		total += n
	}
	r.stats.AverageLatencyMs = (r.stats.AverageLatencyMs*(total-1) + latencyMs) / total
}

func (r *Router) recordFailure(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.Failures[p]++
}

// GetStats returns a copy of router statistics
func (r *Router) GetStats() RouterStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := RouterStats{
		Requests:         make(map[Provider]int64, len(r.stats.Requests)),
		Failures:         make(map[Provider]int64, len(r.stats.Failures)),
		FallbackCount:    r.stats.FallbackCount,
		AverageLatencyMs: r.stats.AverageLatencyMs,
	}
	for k, v := range r.stats.Requests {
		out.Requests[k] = v
	}
	for k, v := range r.stats.Failures {
		out.Failures[k] = v
	}
	return out
}

// Providers lists the usable backends in order
func (r *Router) Providers() []Provider {
	out := make([]Provider, len(r.backends))
	for i, b := range r.backends {
		out[i] = b.Name()
	}
	return out
}

// IsConfigured reports whether any backend is usable
func (r *Router) IsConfigured() bool {
	return len(r.backends) > 0
}

// Chat lets the router stand in wherever a single backend is expected
func (r *Router) Chat(ctx context.Context, system, prompt string) (string, error) {
	resp, err := r.Route(ctx, RouteRequest{System: system, Prompt: prompt})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}
