// Package mux multiplexes local subscribers onto the shared upstream
// MQTT connection.
//
// This package manages:
//   - Registering topic-filter subscriptions from bridges and API taps
//   - Maintaining the minimal upstream subscription set via a filter trie
//   - Applying subscription diffs to the upstream client in call order
//   - Dispatching inbound upstream messages to matching subscribers
//   - Replaying the subscription set after an upstream reconnect
//
// # Architecture
//
// Many local consumers (bridge rules, WebSocket taps) want overlapping
// slices of upstream traffic. Subscribing each of them upstream would
// duplicate traffic and churn the cloud connection. The mux registers
// every consumer in a subscription trie; the trie answers each change
// with the minimal diff of upstream subscribe/unsubscribe operations,
// which the mux applies while holding its lock so diffs reach the
// broker in the order they were produced.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Handlers are invoked outside
// the mux lock and may call back into the mux.
package mux
