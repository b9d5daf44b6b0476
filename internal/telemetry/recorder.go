package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/skybridge-edge/internal/infrastructure/config"
	"github.com/nerrad567/skybridge-edge/internal/infrastructure/logging"
)

// Default timeouts for InfluxDB operations.
const (
	defaultConnectTimeout = 10 * time.Second
	defaultPingTimeout    = 5 * time.Second

	// millisecondsPerSecond converts seconds to milliseconds for the InfluxDB API.
	millisecondsPerSecond = 1000

	// defaultBatchSize batches this many points before an async write.
	defaultBatchSize = 100

	// defaultFlushSeconds flushes partial batches at this interval.
	defaultFlushSeconds = 10
)

// Counts is a snapshot of one rule's counters.
type Counts struct {
	Forwarded uint64 `json:"forwarded"`
	Spooled   uint64 `json:"spooled"`
	Dropped   uint64 `json:"dropped"`
}

// Recorder counts bridge outcomes and writes them to InfluxDB.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Write operations are non-blocking and batched.
type Recorder struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	deviceID string
	logger   *logging.Logger

	mu        sync.RWMutex
	connected bool
	counts    map[string]*Counts
}

// Connect establishes a connection to the InfluxDB server.
//
// It performs the following setup:
//  1. Creates the client with token authentication and batching
//  2. Verifies connectivity with a ping
//  3. Starts draining async write errors into the log
//
// Parameters:
//   - cfg: Telemetry configuration from config.yaml
//   - deviceID: Tagged on every point
//   - logger: Structured logger
//
// Returns:
//   - *Recorder: Connected recorder ready for use
//   - error: ErrDisabled when telemetry is off, otherwise connection errors
func Connect(cfg config.TelemetryConfig, deviceID string, logger *logging.Logger) (*Recorder, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = defaultFlushSeconds
	}

	// #nosec G115 -- flush interval validated above to be positive
	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(defaultBatchSize).
			SetFlushInterval(uint(flushInterval)*millisecondsPerSecond),
	)

	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()

	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)

	r := &Recorder{
		client:    client,
		writeAPI:  writeAPI,
		deviceID:  deviceID,
		logger:    logger.Component("telemetry"),
		connected: true,
		counts:    make(map[string]*Counts),
	}

	go r.drainWriteErrors(writeAPI.Errors())

	return r, nil
}

// drainWriteErrors logs async write failures from the WriteAPI.
func (r *Recorder) drainWriteErrors(errorsCh <-chan error) {
	for err := range errorsCh {
		r.logger.Warn("telemetry write failed", "error", err)
	}
}

// Forwarded records one successfully bridged message for a rule.
func (r *Recorder) Forwarded(rule string) {
	r.record(rule, "forwarded", func(c *Counts) { c.Forwarded++ })
}

// Spooled records one message held back for replay.
func (r *Recorder) Spooled(rule string) {
	r.record(rule, "spooled", func(c *Counts) { c.Spooled++ })
}

// Dropped records one message lost for a rule.
func (r *Recorder) Dropped(rule string) {
	r.record(rule, "dropped", func(c *Counts) { c.Dropped++ })
}

// record bumps the in-memory counter and emits a counting point.
func (r *Recorder) record(rule, outcome string, bump func(*Counts)) {
	r.mu.Lock()
	c, ok := r.counts[rule]
	if !ok {
		c = &Counts{}
		r.counts[rule] = c
	}
	bump(c)
	connected := r.connected
	r.mu.Unlock()

	if !connected {
		return
	}

	point := write.NewPoint(
		"bridge_messages",
		map[string]string{
			"device_id": r.deviceID,
			"rule":      rule,
			"outcome":   outcome,
		},
		map[string]interface{}{
			"count": 1,
		},
		time.Now(),
	)
	r.writeAPI.WritePoint(point)
}

// SpoolDepth records the current number of spooled messages.
//
// Called periodically by the agent loop so the backlog is visible in
// dashboards even when no traffic is flowing.
func (r *Recorder) SpoolDepth(depth int) {
	if !r.IsConnected() {
		return
	}

	point := write.NewPoint(
		"spool",
		map[string]string{
			"device_id": r.deviceID,
		},
		map[string]interface{}{
			"depth": depth,
		},
		time.Now(),
	)
	r.writeAPI.WritePoint(point)
}

// SubscriptionChurn records the size of one applied subscription diff:
// how many upstream filters were added and removed. A healthy minimal
// set churns far less than its subscribers do.
func (r *Recorder) SubscriptionChurn(subscribed, unsubscribed int) {
	if !r.IsConnected() {
		return
	}

	point := write.NewPoint(
		"subscription_churn",
		map[string]string{
			"device_id": r.deviceID,
		},
		map[string]interface{}{
			"subscribed":   subscribed,
			"unsubscribed": unsubscribed,
		},
		time.Now(),
	)
	r.writeAPI.WritePoint(point)
}

// LinkStatus records an upstream connect or disconnect transition.
func (r *Recorder) LinkStatus(up bool) {
	if !r.IsConnected() {
		return
	}

	state := 0
	if up {
		state = 1
	}

	point := write.NewPoint(
		"upstream_link",
		map[string]string{
			"device_id": r.deviceID,
		},
		map[string]interface{}{
			"up": state,
		},
		time.Now(),
	)
	r.writeAPI.WritePoint(point)
}

// Snapshot returns a copy of every rule's counters, keyed by rule name.
func (r *Recorder) Snapshot() map[string]Counts {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Counts, len(r.counts))
	for rule, c := range r.counts {
		out[rule] = *c
	}
	return out
}

// HealthCheck verifies the InfluxDB connection is alive.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (r *Recorder) HealthCheck(ctx context.Context) error {
	if !r.IsConnected() {
		return ErrNotConnected
	}

	checkCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()

	healthy, err := r.client.Ping(checkCtx)
	if err != nil {
		return fmt.Errorf("telemetry health check failed: %w", err)
	}
	if !healthy {
		return fmt.Errorf("telemetry health check failed: server not healthy")
	}
	return nil
}

// IsConnected returns the last known connection state.
func (r *Recorder) IsConnected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connected
}

// Flush forces all pending writes to be sent.
//
// Blocks until buffered points are written. Safe to call after Close.
func (r *Recorder) Flush() {
	if r.writeAPI == nil || !r.IsConnected() {
		return
	}
	r.writeAPI.Flush()
}

// Close flushes pending writes and shuts down the client.
func (r *Recorder) Close() error {
	if r.client == nil {
		return nil
	}

	r.mu.Lock()
	r.connected = false
	r.mu.Unlock()

	r.writeAPI.Flush()
	r.client.Close()
	return nil
}
