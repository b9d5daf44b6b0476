// Package spool persists outbound cloud messages while the upstream
// link is down.
//
// This package manages:
//   - A single-file SQLite queue (WAL mode, single writer)
//   - Enqueueing messages with a hard cap, evicting oldest first
//   - Draining the queue oldest-first once the link returns
//
// The spool holds messages that were already mapped to their upstream
// topic, so draining is a plain replay: publish, delete, repeat. A
// publish failure mid-drain stops the pass and leaves the remainder
// queued for the next reconnect.
package spool
