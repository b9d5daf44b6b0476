package subscription

// Trie maps MQTT topic filters to subscriber identities and maintains
// the minimal set of subscriptions a shared upstream connection needs.
//
// T is an opaque subscriber identity; the trie only ever compares it for
// equality. The same identity may be registered more than once under the
// same filter, and each registration needs its own Remove.
//
// The zero value is not usable; construct with New.
type Trie[T comparable] struct {
	root *node[T]
}

// New returns an empty trie.
func New[T comparable]() *Trie[T] {
	return &Trie[T]{root: newNode[T]()}
}

// Insert registers sub under filter and returns the upstream changes the
// registration requires. The diff is empty when an active broader filter
// already covers the traffic.
func (t *Trie[T]) Insert(filter string, sub T) Diff {
	return t.root.insert(splitTopic(filter), sub)
}

// Remove unregisters one occurrence of sub from filter and returns the
// upstream changes. Removing a filter or subscriber that was never
// registered is a no-op with an empty diff.
//
// A single Remove yields at most one unsubscribe entry, always the
// removed filter itself; any subscribe entries restore filters the
// removed wildcard had been covering.
func (t *Trie[T]) Remove(filter string, sub T) Diff {
	return t.root.remove(splitTopic(filter), sub)
}

// Matches returns the subscribers of every registered filter that
// matches the concrete topic, one entry per registration. A topic
// matching nothing yields an empty result.
func (t *Trie[T]) Matches(topic string) []T {
	return t.root.matches(splitTopic(topic))
}

// IsEmpty reports whether no filters are registered. The owner uses this
// to decide when the upstream bridge can be torn down.
func (t *Trie[T]) IsEmpty() bool {
	return len(t.root.children) == 0
}

// SubscribedTopics returns the minimal upstream subscription set for the
// currently registered filters, sorted. After a reconnect the owner
// replays exactly this set upstream.
func (t *Trie[T]) SubscribedTopics() []string {
	return ReduceFilters(t.root.subscribedTopics())
}
