// Package api provides the local admin HTTP and WebSocket server for
// Skybridge.
//
// It exposes agent health, bridge status, the active upstream
// subscription set, and a WebSocket tap where each connected client
// registers a topic filter as a live subscriber on the upstream mux.
//
// The server follows the same lifecycle pattern as other components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/skybridge-edge/internal/infrastructure/config"
	"github.com/nerrad567/skybridge-edge/internal/infrastructure/logging"
	"github.com/nerrad567/skybridge-edge/internal/mux"
	"github.com/nerrad567/skybridge-edge/internal/telemetry"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight
// requests to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Broker reports a broker link's connection state. Satisfied by
// *mqtt.Client.
type Broker interface {
	IsConnected() bool
}

// Subscriptions is the mux surface the API reads and taps. Satisfied
// by *mux.Mux.
type Subscriptions interface {
	ActiveTopics() []string
	Subscribers() []mux.SubscriberInfo
	Subscribe(filter string, handler mux.Handler) (mux.ID, error)
	Unsubscribe(id mux.ID) error
}

// SpoolStatus reports the store-and-forward backlog. Satisfied by
// *spool.Store.
type SpoolStatus interface {
	Len() (int, error)
}

// StatsSource exposes the bridge counters. Satisfied by
// *telemetry.Recorder.
type StatsSource interface {
	Snapshot() map[string]telemetry.Counts
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	Logger   *logging.Logger
	Mux      Subscriptions
	Local    Broker      // nil when the local link is not up yet
	Upstream Broker      // nil when the upstream link is not up yet
	Spool    SpoolStatus // nil when spooling is disabled
	Stats    StatsSource // nil when telemetry is disabled
	Version  string
}

// Server is the admin HTTP server.
//
// It manages the HTTP listener, routes, middleware, and the WebSocket
// tap clients. The server is created with New() and started with
// Start().
type Server struct {
	cfg      config.APIConfig
	logger   *logging.Logger
	mux      Subscriptions
	local    Broker
	upstream Broker
	spool    SpoolStatus
	stats    StatsSource
	version  string

	server *http.Server
	taps   *tapRegistry
	cancel context.CancelFunc
}

// New creates an API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Required dependencies (config, logger, mux)
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Mux == nil {
		return nil, fmt.Errorf("subscription mux is required")
	}

	return &Server{
		cfg:      deps.Config,
		logger:   deps.Logger.Component("api"),
		mux:      deps.Mux,
		local:    deps.Local,
		upstream: deps.Upstream,
		spool:    deps.Spool,
		stats:    deps.Stats,
		version:  deps.Version,
		taps:     newTapRegistry(),
	}, nil
}

// Start begins listening for HTTP connections.
//
// The listener runs in a background goroutine; the server is stopped
// with Close().
//
// Parameters:
//   - ctx: Context for cancellation of background goroutines
//
// Returns:
//   - error: If the server fails to start (port in use, etc.)
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go func() {
		<-srvCtx.Done()
		s.taps.closeAll()
	}()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		err := s.server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	s.logger.Info("API server started", "address", s.server.Addr)
	return nil
}

// Close gracefully shuts down the API server.
//
// It disconnects tap clients, then waits up to 10 seconds for in-flight
// requests to complete.
//
// Returns:
//   - error: If shutdown encounters an error
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
