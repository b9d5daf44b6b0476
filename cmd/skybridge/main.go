// Skybridge - Edge MQTT Cloud Bridge
//
// This is the main entry point for the Skybridge edge agent. Skybridge
// sits between a local MQTT broker and a cloud IoT platform:
//   - Bridges local telemetry upstream and cloud commands downstream
//   - Collapses overlapping cloud subscriptions into a minimal
//     upstream set
//   - Spools outbound traffic across upstream outages
//   - Authenticates with short-lived device JWTs, optionally signed by
//     a PKCS#11 token
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nerrad567/skybridge-edge/internal/api"
	"github.com/nerrad567/skybridge-edge/internal/bridge"
	"github.com/nerrad567/skybridge-edge/internal/cloud"
	"github.com/nerrad567/skybridge-edge/internal/infrastructure/config"
	"github.com/nerrad567/skybridge-edge/internal/infrastructure/identity"
	"github.com/nerrad567/skybridge-edge/internal/infrastructure/logging"
	"github.com/nerrad567/skybridge-edge/internal/infrastructure/mqtt"
	"github.com/nerrad567/skybridge-edge/internal/mux"
	"github.com/nerrad567/skybridge-edge/internal/spool"
	"github.com/nerrad567/skybridge-edge/internal/telemetry"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// spoolDrainInterval is how often the drain loop retries the backlog.
const spoolDrainInterval = 30 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Skybridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath, "device_id", cfg.Device.ID)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Load device identity (optional; shared-secret JWTs work without one)
	var id *identity.Identity
	id, err = identity.New(cfg.Identity)
	switch {
	case errors.Is(err, identity.ErrNoIdentity):
		log.Info("no device identity configured, using shared-secret credentials")
		id = nil
	case err != nil:
		return fmt.Errorf("loading device identity: %w", err)
	default:
		defer func() {
			if closeErr := id.Close(); closeErr != nil {
				log.Error("error closing device identity", "error", closeErr)
			}
		}()
		log.Info("device identity loaded",
			"subject", id.Certificate().Subject.CommonName,
			"algorithm", id.SigningAlgorithm(),
		)
	}

	// Token source for upstream credentials
	var signerID cloud.SignerIdentity
	if id != nil {
		signerID = id
	}
	tokens, err := cloud.NewTokenSource(cfg.Device.ID, cfg.Upstream.JWT, signerID, log)
	if err != nil {
		return fmt.Errorf("creating token source: %w", err)
	}

	// Open the spool (optional)
	var store *spool.Store
	if cfg.Spool.Enabled {
		store, err = spool.Open(cfg.Spool, log)
		if err != nil {
			return fmt.Errorf("opening spool: %w", err)
		}
		defer func() {
			log.Info("closing spool")
			if closeErr := store.Close(); closeErr != nil {
				log.Error("error closing spool", "error", closeErr)
			}
		}()
		depth, _ := store.Len() // Depth is informational at startup
		log.Info("spool opened", "path", cfg.Spool.Path, "depth", depth)
	} else {
		log.Info("spool disabled")
	}

	// Connect to the local broker
	local, err := mqtt.Connect(mqtt.LocalSettings(cfg.Local))
	if err != nil {
		return fmt.Errorf("connecting to local broker: %w", err)
	}
	defer func() {
		log.Info("disconnecting from local broker")
		if closeErr := local.Close(); closeErr != nil {
			log.Error("error closing local broker link", "error", closeErr)
		}
	}()
	local.SetLogger(log)
	log.Info("local broker connected",
		"broker", fmt.Sprintf("%s:%d", cfg.Local.Host, cfg.Local.Port),
	)

	// Connect to the upstream broker
	upstream, err := mqtt.Connect(upstreamSettings(cfg, id, tokens))
	if err != nil {
		return fmt.Errorf("connecting upstream: %w", err)
	}
	defer func() {
		log.Info("disconnecting upstream")
		if closeErr := upstream.Close(); closeErr != nil {
			log.Error("error closing upstream link", "error", closeErr)
		}
	}()
	upstream.SetLogger(log)
	log.Info("upstream connected",
		"broker", fmt.Sprintf("%s:%d", cfg.Upstream.Host, cfg.Upstream.Port),
	)

	// Connect to InfluxDB (optional)
	var recorder *telemetry.Recorder
	if cfg.Telemetry.Enabled {
		recorder, err = telemetry.Connect(cfg.Telemetry, cfg.Device.ID, log)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing telemetry")
			if closeErr := recorder.Close(); closeErr != nil {
				log.Error("error closing telemetry", "error", closeErr)
			}
		}()
		log.Info("telemetry connected",
			"url", cfg.Telemetry.URL,
			"bucket", cfg.Telemetry.Bucket,
		)
	} else {
		log.Info("telemetry disabled")
	}

	// Subscription mux over the upstream link
	m := mux.New(upstream, byte(cfg.Upstream.QoS), log)
	if recorder != nil {
		m.SetOnDiff(recorder.SubscriptionChurn)
	}
	upstream.SetOnConnect(func() {
		log.Info("upstream reconnected, restoring subscriptions")
		m.HandleUpstreamConnect()
		if recorder != nil {
			recorder.LinkStatus(true)
		}
	})
	upstream.SetOnDisconnect(func(err error) {
		log.Warn("upstream disconnected", "error", err)
		if recorder != nil {
			recorder.LinkStatus(false)
		}
	})
	local.SetOnConnect(func() {
		log.Info("local broker reconnected")
	})
	local.SetOnDisconnect(func(err error) {
		log.Warn("local broker disconnected", "error", err)
	})

	// Upstream publish path, enveloped when configured
	var upstreamPub bridge.UpstreamPublisher = upstream
	if cfg.Upstream.Envelope {
		upstreamPub = cloud.NewEnvelopePublisher(upstream, cfg.Device.ID, cfg.Device.Site)
	}

	// Compile and start the bridge rules
	rules, err := bridge.CompileRules(cfg.Bridges, cfg.Device)
	if err != nil {
		return fmt.Errorf("compiling bridge rules: %w", err)
	}

	engineCfg := bridge.Config{
		Rules:    rules,
		Local:    local,
		Upstream: upstreamPub,
		Subs:     m,
		Prefix:   cfg.Upstream.TopicPrefix,
		Logger:   log,
	}
	if store != nil {
		engineCfg.Spool = store
	}
	if recorder != nil {
		engineCfg.Stats = recorder
	}

	engine := bridge.NewEngine(engineCfg)
	if err := engine.Start(); err != nil {
		return fmt.Errorf("starting bridge engine: %w", err)
	}
	defer func() {
		log.Info("stopping bridge engine")
		engine.Stop()
	}()
	log.Info("bridge engine started", "rules", len(rules))

	// Drain the spool whenever the upstream link is up
	if store != nil {
		go drainLoop(ctx, store, upstream, upstreamPub, recorder, log)
	}

	// Start the admin API (optional)
	if cfg.API.Enabled {
		deps := api.Deps{
			Config:   cfg.API,
			Logger:   log,
			Mux:      m,
			Local:    local,
			Upstream: upstream,
			Version:  version,
		}
		if store != nil {
			deps.Spool = store
		}
		if recorder != nil {
			deps.Stats = recorder
		}

		server, err := api.New(deps)
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		if err := server.Start(ctx); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		defer func() {
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("admin API disabled")
	}

	// Verify all connections are healthy
	if err := healthCheck(ctx, local, upstream, store, recorder); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// API, bridge engine, telemetry, upstream link, local link, spool,
	// identity.

	log.Info("Skybridge stopped")
	return nil
}

// upstreamSettings builds the connection settings for the cloud broker.
func upstreamSettings(cfg *config.Config, id *identity.Identity, tokens *cloud.TokenSource) mqtt.Settings {
	clientID := cfg.Upstream.ClientID
	if clientID == "" {
		clientID = cfg.Device.ID
	}

	s := mqtt.Settings{
		Host:         cfg.Upstream.Host,
		Port:         cfg.Upstream.Port,
		ClientID:     clientID,
		Credentials:  tokens.Credentials,
		QoS:          byte(cfg.Upstream.QoS),
		InitialDelay: time.Duration(cfg.Upstream.Reconnect.InitialDelay) * time.Second,
		MaxDelay:     time.Duration(cfg.Upstream.Reconnect.MaxDelay) * time.Second,
		StatusTopic:  mqtt.JoinPrefix(cfg.Upstream.TopicPrefix, mqtt.Topics{}.AgentStatus(cfg.Device.ID)),
	}
	if id != nil {
		s.TLS = id.TLSConfig(cfg.Upstream.Host)
	}
	return s
}

// drainLoop replays spooled messages while the upstream link is up and
// reports the backlog depth.
func drainLoop(ctx context.Context, store *spool.Store, upstream *mqtt.Client, pub bridge.UpstreamPublisher, recorder *telemetry.Recorder, log *logging.Logger) {
	ticker := time.NewTicker(spoolDrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !upstream.IsConnected() {
			continue
		}

		delivered, err := store.Drain(func(topic string, payload []byte, qos byte) error {
			return pub.Publish(topic, payload, qos, false)
		})
		if delivered > 0 {
			log.Info("spool drained", "delivered", delivered)
		}
		if err != nil {
			log.Warn("spool drain interrupted", "error", err)
		}

		if recorder != nil {
			if depth, lenErr := store.Len(); lenErr == nil {
				recorder.SpoolDepth(depth)
			}
		}
	}
}

// getConfigPath returns the configuration file path.
// Uses SKYBRIDGE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("SKYBRIDGE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - local: Local broker link
//   - upstream: Upstream broker link
//   - store: Spool store (may be nil if disabled)
//   - recorder: Telemetry recorder (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, local, upstream *mqtt.Client, store *spool.Store, recorder *telemetry.Recorder) error {
	if err := local.HealthCheck(ctx); err != nil {
		return fmt.Errorf("local broker: %w", err)
	}

	if err := upstream.HealthCheck(ctx); err != nil {
		return fmt.Errorf("upstream: %w", err)
	}

	if store != nil {
		if err := store.HealthCheck(ctx); err != nil {
			return fmt.Errorf("spool: %w", err)
		}
	}

	if recorder != nil {
		if err := recorder.HealthCheck(ctx); err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
	}

	return nil
}
