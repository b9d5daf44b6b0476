// Package bridge forwards traffic between the local broker and the
// shared upstream connection according to configured rules.
//
// This package manages:
//   - Compiling bridge rules, expanding ${key} placeholders from device metadata
//   - Upward rules: local topics published to the cloud under the upstream prefix
//   - Downward rules: cloud topics delivered to local topics via the mux
//   - Spooling upward messages while the upstream link is down
//   - Counting forwarded, spooled, and dropped messages
//
// # Rules
//
// A rule names a direction and two topic templates:
//
//	bridges:
//	  - name: telemetry-up
//	    direction: up
//	    local: "sensors/#"
//	    remote: "t/${topic}"
//	    qos: 1
//
// Metadata placeholders (${id}, ${site}, and any key from
// device.metadata) are expanded once at compile time. The ${topic}
// placeholder is expanded per message with the matched topic, so
// wildcard rules keep the topic structure across the bridge.
package bridge
