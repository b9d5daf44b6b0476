package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Get("/status", s.handleStatus)
			r.Get("/subscriptions", s.handleSubscriptions)

			// WebSocket tap (token via query parameter)
			r.Get("/tap", s.handleTap)
		})
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}

// statusResponse is the body of GET /api/v1/status.
type statusResponse struct {
	Version           string                    `json:"version"`
	LocalConnected    bool                      `json:"local_connected"`
	UpstreamConnected bool                      `json:"upstream_connected"`
	ActiveTopics      []string                  `json:"active_topics"`
	SpoolDepth        *int                      `json:"spool_depth,omitempty"`
	TapClients        int                       `json:"tap_clients"`
	Bridges           map[string]map[string]any `json:"bridges,omitempty"`
}

// handleStatus reports the agent's link states, backlog, and bridge
// counters.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Version:      s.version,
		ActiveTopics: s.mux.ActiveTopics(),
		TapClients:   s.taps.count(),
	}

	if s.local != nil {
		resp.LocalConnected = s.local.IsConnected()
	}
	if s.upstream != nil {
		resp.UpstreamConnected = s.upstream.IsConnected()
	}

	if s.spool != nil {
		if depth, err := s.spool.Len(); err == nil {
			resp.SpoolDepth = &depth
		} else {
			s.logger.Warn("spool depth unavailable", "error", err)
		}
	}

	if s.stats != nil {
		resp.Bridges = make(map[string]map[string]any)
		for rule, counts := range s.stats.Snapshot() {
			resp.Bridges[rule] = map[string]any{
				"forwarded": counts.Forwarded,
				"spooled":   counts.Spooled,
				"dropped":   counts.Dropped,
			}
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// subscriptionsResponse is the body of GET /api/v1/subscriptions.
type subscriptionsResponse struct {
	// ActiveTopics is the minimal set actually held on the upstream broker.
	ActiveTopics []string `json:"active_topics"`

	// Subscribers lists every registered filter, including ones covered
	// by a broader active topic.
	Subscribers []subscriberEntry `json:"subscribers"`
}

type subscriberEntry struct {
	ID     string `json:"id"`
	Filter string `json:"filter"`
}

// handleSubscriptions lists the upstream subscription state.
func (s *Server) handleSubscriptions(w http.ResponseWriter, _ *http.Request) {
	subs := s.mux.Subscribers()
	entries := make([]subscriberEntry, 0, len(subs))
	for _, sub := range subs {
		entries = append(entries, subscriberEntry{
			ID:     sub.ID.String(),
			Filter: sub.Filter,
		})
	}

	writeJSON(w, http.StatusOK, subscriptionsResponse{
		ActiveTopics: s.mux.ActiveTopics(),
		Subscribers:  entries,
	})
}
