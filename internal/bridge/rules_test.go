package bridge

import (
	"errors"
	"testing"

	"github.com/nerrad567/skybridge-edge/internal/infrastructure/config"
)

func testDevice() config.DeviceConfig {
	return config.DeviceConfig{
		ID:   "edge-001",
		Site: "plant-a",
		Metadata: map[string]string{
			"tenant": "acme",
		},
	}
}

func TestCompileRules(t *testing.T) {
	cfgs := []config.BridgeConfig{
		{
			Name:      "telemetry-up",
			Direction: "up",
			Local:     "sensors/#",
			Remote:    "t/${tenant}/${id}/${topic}",
			QoS:       1,
		},
		{
			Name:      "commands-down",
			Direction: "down",
			Local:     "cmd/${topic}",
			Remote:    "cmd/#",
			QoS:       1,
		},
	}

	rules, err := CompileRules(cfgs, testDevice())
	if err != nil {
		t.Fatalf("CompileRules() error = %v", err)
	}

	if len(rules) != 2 {
		t.Fatalf("rules count = %d, want 2", len(rules))
	}

	// Metadata expanded, ${topic} preserved for per-message mapping.
	if rules[0].Remote != "t/acme/edge-001/${topic}" {
		t.Errorf("remote = %q, want t/acme/edge-001/${topic}", rules[0].Remote)
	}
	if rules[1].Local != "cmd/${topic}" {
		t.Errorf("local = %q, want cmd/${topic}", rules[1].Local)
	}
}

func TestCompileRules_SiteAndOverride(t *testing.T) {
	device := testDevice()
	device.Metadata["site"] = "override"

	rules, err := CompileRules([]config.BridgeConfig{
		{Name: "x", Direction: "up", Local: "a", Remote: "${site}/a"},
	}, device)
	if err != nil {
		t.Fatalf("CompileRules() error = %v", err)
	}

	// Explicit metadata wins over the built-in site key.
	if rules[0].Remote != "override/a" {
		t.Errorf("remote = %q, want override/a", rules[0].Remote)
	}
}

func TestCompileRules_UnknownPlaceholder(t *testing.T) {
	_, err := CompileRules([]config.BridgeConfig{
		{Name: "bad", Direction: "up", Local: "a", Remote: "${nope}/a"},
	}, testDevice())

	if !errors.Is(err, ErrUnknownPlaceholder) {
		t.Errorf("CompileRules() error = %v, want ErrUnknownPlaceholder", err)
	}
}

func TestMapTopic(t *testing.T) {
	tests := []struct {
		template string
		topic    string
		want     string
	}{
		{"t/${topic}", "sensors/boiler/temp", "t/sensors/boiler/temp"},
		{"fixed/topic", "sensors/boiler/temp", "fixed/topic"},
		{"${topic}/raw", "a", "a/raw"},
	}

	for _, tt := range tests {
		if got := MapTopic(tt.template, tt.topic); got != tt.want {
			t.Errorf("MapTopic(%q, %q) = %q, want %q", tt.template, tt.topic, got, tt.want)
		}
	}
}
