package cloud

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func TestEnvelope_Roundtrip(t *testing.T) {
	body, err := Wrap("edge-001", "plant-a", "t/sensors/a", []byte{0x00, 0xFF, 0x42}, 1)
	if err != nil {
		t.Fatalf("Wrap() error = %v", err)
	}

	env, err := Open(body)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	if env.DeviceID != "edge-001" || env.Site != "plant-a" || env.Topic != "t/sensors/a" {
		t.Errorf("envelope = %+v, want edge-001/plant-a/t/sensors/a", env)
	}
	if !bytes.Equal(env.Payload, []byte{0x00, 0xFF, 0x42}) {
		t.Errorf("payload = %v, want raw bytes preserved", env.Payload)
	}
	if env.QoS != 1 {
		t.Errorf("qos = %d, want 1", env.QoS)
	}
	if env.Timestamp.IsZero() || time.Since(env.Timestamp) > time.Minute {
		t.Errorf("timestamp = %v, want recent", env.Timestamp)
	}
}

func TestOpen_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"not json", []byte("not json")},
		{"missing topic", []byte(`{"device_id":"edge-001","payload":"eA=="}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Open(tt.data); !errors.Is(err, ErrBadEnvelope) {
				t.Errorf("Open() error = %v, want ErrBadEnvelope", err)
			}
		})
	}
}

type recordingPublisher struct {
	topic   string
	payload []byte
	qos     byte
}

func (r *recordingPublisher) Publish(topic string, payload []byte, qos byte, retained bool) error {
	r.topic = topic
	r.payload = payload
	r.qos = qos
	return nil
}

func TestEnvelopePublisher(t *testing.T) {
	next := &recordingPublisher{}
	pub := NewEnvelopePublisher(next, "edge-001", "plant-a")

	if err := pub.Publish("devices/edge-001/t/a", []byte("21.5"), 1, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	if next.topic != "devices/edge-001/t/a" || next.qos != 1 {
		t.Errorf("delegated publish = %q qos %d, want same topic qos 1", next.topic, next.qos)
	}

	env, err := Open(next.payload)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if env.DeviceID != "edge-001" || string(env.Payload) != "21.5" {
		t.Errorf("envelope = %+v, want edge-001 payload 21.5", env)
	}
}
