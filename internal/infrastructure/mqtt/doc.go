// Package mqtt provides MQTT client connectivity for the Skybridge agent.
//
// This package manages:
//   - Connections to the local broker and the upstream cloud broker
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support, singly and in batches
//   - Last Will and Testament (LWT) for offline detection
//   - Connection health monitoring
//
// # Architecture
//
// Skybridge sits between a local broker (Mosquitto on the device) and a
// shared upstream connection to the cloud platform. Both links use this
// package; the upstream link adds TLS and a per-connect JWT credential
// via the Settings.Credentials hook.
//
//	Local Broker ↔ Skybridge ↔ Cloud MQTT endpoint
//
// # Security Considerations
//
//   - TLS is required for the upstream connection
//   - The upstream password is a short-lived JWT minted per connect
//   - Anonymous access is only for local development brokers
//
// # Usage
//
//	client, err := mqtt.Connect(mqtt.LocalSettings(cfg.Local))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	err = client.Subscribe("sensors/#", 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("received: %s = %s", topic, payload)
//	        return nil
//	    })
package mqtt
