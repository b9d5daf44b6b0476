// Package logging provides structured logging for the Skybridge agent.
//
// It is a thin layer over the standard log/slog package: every record
// carries the service name and build version, and each subsystem logs
// through a component-tagged child logger so records from a device can
// be grouped once shipped to the cloud.
//
// # Configuration
//
// Logging is configured via the LoggingConfig in config.yaml:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// JSON is the production format; text is easier to read during local
// development.
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	log := logger.Component("spool")
//	log.Info("opened", "path", cfg.Path)
//	log.Error("enqueue failed", "error", err)
//
// # Security
//
// Never log secrets: device tokens, broker passwords, or PKCS#11 PINs.
// Log a prefix or a length when the value itself is needed for
// diagnosis.
package logging
