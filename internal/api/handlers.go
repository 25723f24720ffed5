// Package api exposes the relay's HTTP surface: the websocket mount, health
// and operator endpoints, and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/chaloalba05-wq/chat-backend/internal/audit"
	"github.com/chaloalba05-wq/chat-backend/internal/cache"
	"github.com/chaloalba05-wq/chat-backend/internal/directory"
	"github.com/chaloalba05-wq/chat-backend/internal/session"
	"github.com/chaloalba05-wq/chat-backend/internal/store"
)

const version = "0.1.0"

// Handler contains shared dependencies for the HTTP handlers.
type Handler struct {
	log      zerolog.Logger
	backend  string // "postgres", "redis", "sqlite" or "memory"
	store    store.Store
	cache    *cache.Cache
	dir      *directory.Directory
	sessions *session.Registry
	trail    *audit.Log
}

// NewHandler creates a Handler over the relay's components.
func NewHandler(log zerolog.Logger, backend string, st store.Store, msgCache *cache.Cache, dir *directory.Directory, sessions *session.Registry, trail *audit.Log) *Handler {
	return &Handler{
		log:      log.With().Str("component", "api").Logger(),
		backend:  backend,
		store:    st,
		cache:    msgCache,
		dir:      dir,
		sessions: sessions,
		trail:    trail,
	}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// Check represents the status of one health check.
type Check struct {
	Status  string `json:"status"` // "pass" or "fail"
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is the health check body.
type HealthResponse struct {
	Status    string           `json:"status"` // "healthy" or "degraded"
	Version   string           `json:"version"`
	Checks    map[string]Check `json:"checks"`
	Timestamp string           `json:"timestamp"`
}

// Health reports liveness of the relay and its durable backend.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]Check)
	healthy := true

	start := time.Now()
	if err := h.store.Ping(ctx); err != nil {
		checks[h.backend] = Check{Status: "fail", Message: "connection failed"}
		healthy = false
	} else {
		checks[h.backend] = Check{Status: "pass", Latency: time.Since(start).String()}
	}

	checks["cache"] = Check{Status: "pass"}

	status := "healthy"
	statusCode := http.StatusOK
	if !healthy {
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	h.JSON(w, statusCode, HealthResponse{
		Status:    status,
		Version:   version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// MessagePreview is a truncated message for the stats view.
type MessagePreview struct {
	ID         string `json:"id"`
	SenderRole string `json:"sender_role"`
	Body       string `json:"body"`
	CreatedAt  int64  `json:"created_at"`
}

// StatsResponse is the operator stats body.
type StatsResponse struct {
	TotalAgents        int64            `json:"total_agents"`
	TotalConversations int64            `json:"total_conversations"`
	TotalMessages      int64            `json:"total_messages"`
	LiveConnections    int              `json:"live_connections"`
	PendingWrites      int              `json:"pending_writes"`
	RecentBroadcast    []MessagePreview `json:"recent_broadcast"`
	RecentActivity     []audit.Entry    `json:"recent_activity"`
}

// Stats returns aggregate counts plus the recent broadcast and audit tails.
// Guarded by the admin token middleware.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	totalAgents, err := h.store.CountAgents(ctx)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to count agents")
		return
	}
	totalConversations, err := h.store.CountConversations(ctx)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to count conversations")
		return
	}
	totalMessages, err := h.store.CountMessages(ctx)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to count messages")
		return
	}

	feed := h.cache.Feed(5)
	previews := make([]MessagePreview, 0, len(feed))
	for _, msg := range feed {
		body := msg.Body
		if len(body) > 200 {
			body = body[:197] + "..."
		}
		previews = append(previews, MessagePreview{
			ID:         msg.ID,
			SenderRole: string(msg.SenderRole),
			Body:       body,
			CreatedAt:  msg.CreatedAt,
		})
	}

	h.JSON(w, http.StatusOK, StatsResponse{
		TotalAgents:        totalAgents,
		TotalConversations: totalConversations,
		TotalMessages:      totalMessages,
		LiveConnections:    h.sessions.Count(),
		PendingWrites:      h.cache.PendingCount(),
		RecentBroadcast:    previews,
		RecentActivity:     h.trail.Recent(20),
	})
}

// RootResponse is the info body served at the root.
type RootResponse struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	WS      string `json:"ws"`
}

// Root serves basic service info.
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	h.JSON(w, http.StatusOK, RootResponse{
		Name:    "chat-backend",
		Version: version,
		WS:      "/ws",
	})
}
