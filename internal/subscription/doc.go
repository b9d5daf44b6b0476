// Package subscription maintains the set of MQTT topic filters a shared
// upstream connection must subscribe to on behalf of many downstream
// subscribers.
//
// This package manages:
//   - A trie of registered topic filters, one subscriber list per filter
//   - Matching of inbound concrete topics against registered filters
//   - The minimal upstream subscription set: inserting or removing a
//     filter yields a Diff describing exactly which SUBSCRIBE and
//     UNSUBSCRIBE operations the upstream connection needs
//
// # Why a diff
//
// Many downstream filters overlap: "sensors/+/temperature" covers
// "sensors/boiler/temperature", and "sensors/#" covers both. Forwarding
// every registration upstream verbatim wastes broker subscriptions and
// duplicates traffic. The trie instead keeps the upstream set minimal:
// a new filter that is already covered by an active wildcard produces no
// network change, and a new wildcard that supersedes narrower filters
// unsubscribes them in the same diff.
//
// Diffs describe transitions, not absolute state. The caller must apply
// them to the upstream connection in the order the calls were made.
//
// # Concurrency
//
// The trie has no internal locking. It is designed for a single logical
// owner that serializes Insert/Remove/Matches calls; guard it with one
// mutex if it is reached from multiple goroutines (see internal/mux).
//
// # Filter syntax
//
// Filters are "/"-separated segments where "+" matches exactly one
// segment and "#" matches any number of trailing segments, including
// none. The trie itself does not validate placement; callers that accept
// filters from outside should reject malformed ones with ValidateFilter
// first.
package subscription
