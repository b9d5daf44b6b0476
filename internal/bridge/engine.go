package bridge

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/nerrad567/skybridge-edge/internal/infrastructure/logging"
	"github.com/nerrad567/skybridge-edge/internal/infrastructure/mqtt"
	"github.com/nerrad567/skybridge-edge/internal/mux"
)

// LocalBroker is the slice of the local MQTT client the engine uses.
type LocalBroker interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// UpstreamPublisher publishes to the shared upstream connection.
type UpstreamPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// Subscriber registers downward rules for upstream traffic. Satisfied
// by *mux.Mux.
type Subscriber interface {
	Subscribe(filter string, handler mux.Handler) (mux.ID, error)
	Unsubscribe(id mux.ID) error
}

// Spooler buffers upward messages while the upstream link is down.
// Satisfied by *spool.Store.
type Spooler interface {
	Enqueue(topic string, payload []byte, qos byte) error
}

// Stats counts per-rule outcomes. Satisfied by *telemetry.Recorder.
type Stats interface {
	Forwarded(rule string)
	Spooled(rule string)
	Dropped(rule string)
}

// Engine runs the compiled bridge rules.
//
// Upward rules subscribe on the local broker and publish to the
// upstream connection under the configured topic prefix. Downward rules
// register with the mux, so overlapping cloud subscriptions collapse
// into the minimal upstream set.
type Engine struct {
	rules    []Rule
	local    LocalBroker
	upstream UpstreamPublisher
	subs     Subscriber
	prefix   string

	// spool and stats are optional; nil disables the concern.
	spool Spooler
	stats Stats

	logger *logging.Logger

	mu      sync.Mutex
	started bool
	muxIDs  []mux.ID
	locals  []string
}

// Config wires an Engine's collaborators.
type Config struct {
	Rules    []Rule
	Local    LocalBroker
	Upstream UpstreamPublisher
	Subs     Subscriber
	Prefix   string
	Spool    Spooler
	Stats    Stats
	Logger   *logging.Logger
}

// NewEngine creates an engine; call Start to activate the rules.
func NewEngine(cfg Config) *Engine {
	return &Engine{
		rules:    cfg.Rules,
		local:    cfg.Local,
		upstream: cfg.Upstream,
		subs:     cfg.Subs,
		prefix:   cfg.Prefix,
		spool:    cfg.Spool,
		stats:    cfg.Stats,
		logger:   cfg.Logger.Component("bridge"),
	}
}

// Start activates every rule. A failing rule aborts the start and rolls
// back the rules already activated.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return errors.New("bridge: engine already started")
	}

	for _, rule := range e.rules {
		var err error
		switch rule.Direction {
		case DirectionUp:
			err = e.startUp(rule)
		case DirectionDown:
			err = e.startDown(rule)
		default:
			err = fmt.Errorf("bridge: rule %q has unknown direction %q", rule.Name, rule.Direction)
		}
		if err != nil {
			e.teardownLocked()
			return fmt.Errorf("starting rule %q: %w", rule.Name, err)
		}
		e.logger.Info("bridge rule active",
			"rule", rule.Name,
			"direction", rule.Direction,
		)
	}

	e.started = true
	return nil
}

// startUp wires one local-to-cloud rule. Called with e.mu held.
func (e *Engine) startUp(rule Rule) error {
	handler := func(topic string, payload []byte) error {
		remote := mqtt.JoinPrefix(e.prefix, MapTopic(rule.Remote, topic))
		if err := e.upstream.Publish(remote, payload, rule.QoS, false); err != nil {
			return e.handleUpstreamFailure(rule, remote, payload, err)
		}
		if e.stats != nil {
			e.stats.Forwarded(rule.Name)
		}
		return nil
	}

	if err := e.local.Subscribe(rule.Local, rule.QoS, handler); err != nil {
		return err
	}
	e.locals = append(e.locals, rule.Local)
	return nil
}

// handleUpstreamFailure spools the message when a spool is configured,
// otherwise drops it.
func (e *Engine) handleUpstreamFailure(rule Rule, topic string, payload []byte, cause error) error {
	if e.spool != nil {
		if err := e.spool.Enqueue(topic, payload, rule.QoS); err == nil {
			if e.stats != nil {
				e.stats.Spooled(rule.Name)
			}
			return nil
		}
	}
	if e.stats != nil {
		e.stats.Dropped(rule.Name)
	}
	return fmt.Errorf("forwarding %s: %w", topic, cause)
}

// startDown wires one cloud-to-local rule. Called with e.mu held.
//
// The rule's remote side acts as the subscription filter; ${topic} is
// not meaningful there and rejected at start.
func (e *Engine) startDown(rule Rule) error {
	if strings.Contains(rule.Remote, topicPlaceholder) {
		return fmt.Errorf("bridge: rule %q remote may not use %s", rule.Name, topicPlaceholder)
	}

	filter := mqtt.JoinPrefix(e.prefix, rule.Remote)
	id, err := e.subs.Subscribe(filter, func(topic string, payload []byte) {
		stripped, ok := mqtt.StripPrefix(e.prefix, topic)
		if !ok {
			stripped = topic
		}
		local := MapTopic(rule.Local, stripped)
		if err := e.local.Publish(local, payload, rule.QoS, false); err != nil {
			e.logger.Warn("local delivery failed",
				"rule", rule.Name,
				"topic", local,
				"error", err,
			)
			if e.stats != nil {
				e.stats.Dropped(rule.Name)
			}
			return
		}
		if e.stats != nil {
			e.stats.Forwarded(rule.Name)
		}
	})
	if err != nil {
		return err
	}
	e.muxIDs = append(e.muxIDs, id)
	return nil
}

// Stop deactivates every rule.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.teardownLocked()
	e.started = false
}

// teardownLocked releases local subscriptions and mux registrations.
// Called with e.mu held.
func (e *Engine) teardownLocked() {
	for _, topic := range e.locals {
		if err := e.local.Unsubscribe(topic); err != nil {
			e.logger.Warn("local unsubscribe failed", "topic", topic, "error", err)
		}
	}
	e.locals = nil

	for _, id := range e.muxIDs {
		if err := e.subs.Unsubscribe(id); err != nil {
			e.logger.Warn("mux unsubscribe failed", "id", id, "error", err)
		}
	}
	e.muxIDs = nil
}
