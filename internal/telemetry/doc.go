// Package telemetry records bridge activity to InfluxDB.
//
// This package manages:
//   - A batched, non-blocking InfluxDB v2 client
//   - Per-rule counters for forwarded, spooled, and dropped messages
//   - Gauge points for spool depth and upstream link state
//
// The recorder satisfies the bridge engine's Stats interface, so every
// counted outcome also lands as a point in the configured bucket.
// Counters are kept in memory as well and exposed through Snapshot for
// the admin API.
package telemetry
