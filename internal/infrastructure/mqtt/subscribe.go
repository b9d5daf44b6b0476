package mqtt

import (
	"fmt"
)

// Subscribe registers a handler for messages on the specified topic.
//
// Topics can include MQTT wildcards:
//   - + (single-level): "sensors/+/temperature" matches any sensor
//   - # (multi-level): "sensors/#" matches the whole subtree
//
// The handler is called in a separate goroutine for each received message.
// Handlers should not block for extended periods as this may affect message
// processing throughput.
//
// Subscriptions are automatically restored if the connection is lost and
// reconnected (tracked internally).
//
// Parameters:
//   - topic: The topic pattern to subscribe to
//   - qos: Maximum QoS level for received messages (0, 1, or 2)
//   - handler: Callback function invoked for each message
//
// Returns:
//   - error: nil on success, or wrapped error describing the failure
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if handler == nil {
		return fmt.Errorf("%w: handler cannot be nil", ErrSubscribeFailed)
	}

	if !c.IsConnected() {
		return ErrNotConnected
	}

	// Track subscription for reconnection restoration
	c.subMu.Lock()
	c.subscriptions[topic] = subscription{
		topic:   topic,
		qos:     qos,
		handler: handler,
	}
	c.subMu.Unlock()

	// Subscribe with wrapped handler (includes panic recovery)
	token := c.client.Subscribe(topic, qos, c.wrapHandler(handler))
	if !token.WaitTimeout(defaultPublishTimeout) {
		c.subMu.Lock()
		delete(c.subscriptions, topic)
		c.subMu.Unlock()
		return fmt.Errorf("%w: timeout after %v", ErrSubscribeFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		c.subMu.Lock()
		delete(c.subscriptions, topic)
		c.subMu.Unlock()
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}

	return nil
}

// SubscribeMany registers the same handler for a batch of topic patterns.
//
// This is the application path for subscription diffs: the mux hands the
// Subscribe half of a diff here in one call. Topics are subscribed in a
// single SUBSCRIBE packet where the broker supports it.
//
// Parameters:
//   - topics: Topic patterns to subscribe to (empty slice is a no-op)
//   - qos: Maximum QoS level for received messages (0, 1, or 2)
//   - handler: Callback function invoked for each message on any topic
//
// Returns:
//   - error: nil on success, or wrapped error describing the failure
func (c *Client) SubscribeMany(topics []string, qos byte, handler MessageHandler) error {
	if len(topics) == 0 {
		return nil
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if handler == nil {
		return fmt.Errorf("%w: handler cannot be nil", ErrSubscribeFailed)
	}
	for _, topic := range topics {
		if topic == "" {
			return ErrInvalidTopic
		}
	}

	if !c.IsConnected() {
		return ErrNotConnected
	}

	filters := make(map[string]byte, len(topics))
	for _, topic := range topics {
		filters[topic] = qos
	}

	c.subMu.Lock()
	for _, topic := range topics {
		c.subscriptions[topic] = subscription{
			topic:   topic,
			qos:     qos,
			handler: handler,
		}
	}
	c.subMu.Unlock()

	token := c.client.SubscribeMultiple(filters, c.wrapHandler(handler))
	if !token.WaitTimeout(defaultPublishTimeout) {
		c.untrack(topics)
		return fmt.Errorf("%w: timeout after %v", ErrSubscribeFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		c.untrack(topics)
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}

	return nil
}

// Unsubscribe removes a subscription and stops receiving messages for a topic.
//
// After unsubscribing, the handler will no longer be called for new messages
// on this topic. Any messages in flight may still be delivered.
//
// Parameters:
//   - topic: The exact topic pattern that was subscribed to
//
// Returns:
//   - error: nil on success, or wrapped error describing the failure
func (c *Client) Unsubscribe(topic string) error {
	return c.UnsubscribeMany([]string{topic})
}

// UnsubscribeMany removes a batch of subscriptions in one call.
//
// This is the application path for the Unsubscribe half of a
// subscription diff. Unsubscribing a topic that was never subscribed is
// accepted by brokers as a no-op.
//
// Parameters:
//   - topics: The exact topic patterns to unsubscribe (empty is a no-op)
//
// Returns:
//   - error: nil on success, or wrapped error describing the failure
func (c *Client) UnsubscribeMany(topics []string) error {
	if len(topics) == 0 {
		return nil
	}
	for _, topic := range topics {
		if topic == "" {
			return ErrInvalidTopic
		}
	}

	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.untrack(topics)

	token := c.client.Unsubscribe(topics...)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrUnsubscribeFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnsubscribeFailed, err)
	}

	return nil
}

// untrack removes topics from the reconnect-restoration map.
func (c *Client) untrack(topics []string) {
	c.subMu.Lock()
	for _, topic := range topics {
		delete(c.subscriptions, topic)
	}
	c.subMu.Unlock()
}

// SubscriptionCount returns the number of active subscriptions.
//
// This can be useful for monitoring and debugging.
func (c *Client) SubscriptionCount() int {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return len(c.subscriptions)
}

// HasSubscription checks if a subscription exists for the given topic.
//
// Note: This checks only the exact topic string, not pattern matching.
func (c *Client) HasSubscription(topic string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	_, exists := c.subscriptions[topic]
	return exists
}
