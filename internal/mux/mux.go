package mux

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/nerrad567/skybridge-edge/internal/infrastructure/logging"
	"github.com/nerrad567/skybridge-edge/internal/infrastructure/mqtt"
	"github.com/nerrad567/skybridge-edge/internal/subscription"
)

// Domain-specific errors for mux operations.
var (
	// ErrUnknownSubscriber is returned when unsubscribing an ID that is not registered.
	ErrUnknownSubscriber = errors.New("mux: unknown subscriber")
)

// ID identifies one registered subscriber.
type ID = uuid.UUID

// Handler is invoked for each upstream message matching a subscriber's
// filter. Handlers run outside the mux lock.
type Handler func(topic string, payload []byte)

// Upstream is the slice of the MQTT client the mux drives.
type Upstream interface {
	SubscribeMany(topics []string, qos byte, handler mqtt.MessageHandler) error
	UnsubscribeMany(topics []string) error
}

// registration pairs a subscriber's filter with its handler.
type registration struct {
	filter  string
	handler Handler
}

// Mux owns the subscription trie and the upstream half of the bridge.
type Mux struct {
	upstream Upstream
	qos      byte
	logger   *logging.Logger

	mu     sync.Mutex
	trie   *subscription.Trie[ID]
	regs   map[ID]registration
	onDiff func(subscribed, unsubscribed int)
}

// New creates a mux driving the given upstream connection.
//
// Parameters:
//   - upstream: The shared upstream MQTT client
//   - qos: QoS applied to upstream subscriptions
//   - logger: Structured logger (a child logger is not created here)
func New(upstream Upstream, qos byte, logger *logging.Logger) *Mux {
	return &Mux{
		upstream: upstream,
		qos:      qos,
		logger:   logger,
		trie:     subscription.New[ID](),
		regs:     make(map[ID]registration),
	}
}

// SetOnDiff registers an observer invoked after each non-empty diff is
// applied upstream, with the number of filters added and removed.
//
// The observer runs under the mux lock: it must return quickly and must
// not call back into the mux.
func (m *Mux) SetOnDiff(fn func(subscribed, unsubscribed int)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDiff = fn
}

// Subscribe registers a handler for the topic filter and returns the
// subscriber's ID for later removal.
//
// The filter is validated against MQTT wildcard placement rules before
// touching the trie. The upstream changes the registration requires are
// applied before Subscribe returns; an upstream failure is logged, not
// returned, because the trie remains the source of truth and the next
// reconnect replay restores the broker state.
func (m *Mux) Subscribe(filter string, handler Handler) (ID, error) {
	if err := subscription.ValidateFilter(filter); err != nil {
		return uuid.Nil, err
	}
	if handler == nil {
		return uuid.Nil, fmt.Errorf("mux: handler cannot be nil")
	}

	id := uuid.New()

	m.mu.Lock()
	defer m.mu.Unlock()

	diff := m.trie.Insert(filter, id)
	m.regs[id] = registration{filter: filter, handler: handler}
	m.applyDiff(diff)

	return id, nil
}

// Unsubscribe removes a subscriber and applies the resulting upstream
// changes. Removing an unknown ID returns ErrUnknownSubscriber.
func (m *Mux) Unsubscribe(id ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	reg, ok := m.regs[id]
	if !ok {
		return ErrUnknownSubscriber
	}
	delete(m.regs, id)

	diff := m.trie.Remove(reg.filter, id)
	m.applyDiff(diff)

	return nil
}

// applyDiff pushes one diff to the upstream connection, subscribes
// first so matching traffic is never dropped during a handover between
// a specific filter and a broader one.
//
// Called with m.mu held; the lock guarantees diffs reach the broker in
// the order the trie produced them.
func (m *Mux) applyDiff(diff subscription.Diff) {
	if diff.IsEmpty() {
		return
	}

	if topics := diff.SubscribeTopics(); len(topics) > 0 {
		if err := m.upstream.SubscribeMany(topics, m.qos, m.dispatch); err != nil {
			m.logger.Warn("upstream subscribe failed, will retry on reconnect",
				"topics", topics,
				"error", err,
			)
		}
	}

	if topics := diff.UnsubscribeTopics(); len(topics) > 0 {
		if err := m.upstream.UnsubscribeMany(topics); err != nil {
			m.logger.Warn("upstream unsubscribe failed",
				"topics", topics,
				"error", err,
			)
		}
	}

	if m.onDiff != nil {
		m.onDiff(len(diff.SubscribeTopics()), len(diff.UnsubscribeTopics()))
	}
}

// dispatch routes one upstream message to every matching subscriber.
//
// The trie yields one entry per registration; a subscriber whose
// filters overlap still sees the message once.
func (m *Mux) dispatch(topic string, payload []byte) error {
	m.mu.Lock()
	matches := m.trie.Matches(topic)
	seen := make(map[ID]struct{}, len(matches))
	handlers := make([]Handler, 0, len(matches))
	for _, id := range matches {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if reg, ok := m.regs[id]; ok {
			handlers = append(handlers, reg.handler)
		}
	}
	m.mu.Unlock()

	for _, h := range handlers {
		h(topic, payload)
	}
	return nil
}

// HandleUpstreamConnect replays the minimal subscription set after the
// upstream connection is (re)established. Wire it to the MQTT client's
// OnConnect callback.
func (m *Mux) HandleUpstreamConnect() {
	m.mu.Lock()
	topics := m.trie.SubscribedTopics()
	m.mu.Unlock()

	if len(topics) == 0 {
		return
	}

	if err := m.upstream.SubscribeMany(topics, m.qos, m.dispatch); err != nil {
		m.logger.Error("upstream subscription replay failed",
			"topics", topics,
			"error", err,
		)
		return
	}
	m.logger.Info("upstream subscriptions replayed", "count", len(topics))
}

// Idle reports whether no subscribers are registered. The owner uses
// this to decide when the upstream link can be torn down.
func (m *Mux) Idle() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.trie.IsEmpty()
}

// ActiveTopics returns the current minimal upstream subscription set,
// sorted.
func (m *Mux) ActiveTopics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.trie.SubscribedTopics()
}

// SubscriberInfo describes one registration for the status API.
type SubscriberInfo struct {
	ID     ID     `json:"id"`
	Filter string `json:"filter"`
}

// Subscribers lists every registration.
func (m *Mux) Subscribers() []SubscriberInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]SubscriberInfo, 0, len(m.regs))
	for id, reg := range m.regs {
		out = append(out, SubscriberInfo{ID: id, Filter: reg.filter})
	}
	return out
}
