package cloud

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrBadEnvelope indicates a message that does not parse as a cloud
// envelope.
var ErrBadEnvelope = errors.New("cloud: malformed envelope")

// Envelope is the JSON wrapper the platform expects around device
// payloads. Payload is base64 encoded on the wire by encoding/json.
type Envelope struct {
	DeviceID  string    `json:"device_id"`
	Site      string    `json:"site,omitempty"`
	Topic     string    `json:"topic"`
	Payload   []byte    `json:"payload"`
	QoS       byte      `json:"qos"`
	Timestamp time.Time `json:"timestamp"`
}

// Wrap encodes a payload in the cloud envelope.
//
// Parameters:
//   - deviceID: Originating device
//   - site: Site label, may be empty
//   - topic: Upstream topic the message is published on
//   - payload: Raw message body
//   - qos: Delivery QoS
//
// Returns:
//   - []byte: JSON envelope
//   - error: If marshalling fails
func Wrap(deviceID, site, topic string, payload []byte, qos byte) ([]byte, error) {
	body, err := json.Marshal(Envelope{
		DeviceID:  deviceID,
		Site:      site,
		Topic:     topic,
		Payload:   payload,
		QoS:       qos,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	return body, nil
}

// Open decodes a cloud envelope.
//
// Returns:
//   - Envelope: Decoded envelope
//   - error: ErrBadEnvelope when the body does not parse or names no topic
func Open(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrBadEnvelope, err)
	}
	if env.Topic == "" {
		return Envelope{}, fmt.Errorf("%w: missing topic", ErrBadEnvelope)
	}
	return env, nil
}

// Publisher is the downstream publish surface the envelope wrapper
// delegates to. Satisfied by *mqtt.Client.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// EnvelopePublisher wraps every published payload in the cloud
// envelope. It slots between the bridge engine and the upstream MQTT
// client when upstream.envelope is enabled.
type EnvelopePublisher struct {
	next     Publisher
	deviceID string
	site     string
}

// NewEnvelopePublisher wraps next so published payloads carry the
// envelope.
func NewEnvelopePublisher(next Publisher, deviceID, site string) *EnvelopePublisher {
	return &EnvelopePublisher{next: next, deviceID: deviceID, site: site}
}

// Publish wraps payload and delegates to the underlying publisher.
func (p *EnvelopePublisher) Publish(topic string, payload []byte, qos byte, retained bool) error {
	body, err := Wrap(p.deviceID, p.site, topic, payload, qos)
	if err != nil {
		return err
	}
	return p.next.Publish(topic, body, qos, retained)
}
