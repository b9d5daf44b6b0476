package mqtt

import (
	"fmt"
	"strings"
)

// TopicPrefixAgent is the base for the agent's own local topics.
// Scheme: skybridge/agent/{device_id}/{leaf}
const TopicPrefixAgent = "skybridge/agent"

// Topics provides builders for the agent's own MQTT topics.
// Using these helpers keeps topic naming consistent across the codebase.
type Topics struct{}

// AgentStatus returns the retained status topic for a device.
//
// Example: skybridge/agent/edge-001/status
func (Topics) AgentStatus(deviceID string) string {
	return fmt.Sprintf("%s/%s/status", TopicPrefixAgent, deviceID)
}

// AgentStats returns the periodic bridge-counter topic for a device.
//
// Example: skybridge/agent/edge-001/stats
func (Topics) AgentStats(deviceID string) string {
	return fmt.Sprintf("%s/%s/stats", TopicPrefixAgent, deviceID)
}

// AllAgentStatus returns a pattern matching every agent's status topic.
//
// Pattern: skybridge/agent/+/status
func (Topics) AllAgentStatus() string {
	return fmt.Sprintf("%s/+/status", TopicPrefixAgent)
}

// JoinPrefix prepends a topic prefix, tolerating trailing separators.
//
// JoinPrefix("devices/edge-001", "telemetry") = "devices/edge-001/telemetry"
// An empty prefix returns the topic unchanged.
func JoinPrefix(prefix, topic string) string {
	if prefix == "" {
		return topic
	}
	return strings.TrimSuffix(prefix, "/") + "/" + topic
}

// StripPrefix removes a topic prefix and reports whether it was present.
//
// StripPrefix("devices/edge-001", "devices/edge-001/cmd") = ("cmd", true)
// Only whole-segment matches count: "devices/edge-0011/cmd" is not under
// the prefix "devices/edge-001".
func StripPrefix(prefix, topic string) (string, bool) {
	if prefix == "" {
		return topic, true
	}
	prefix = strings.TrimSuffix(prefix, "/")
	if !strings.HasPrefix(topic, prefix+"/") {
		return "", false
	}
	return topic[len(prefix)+1:], true
}
