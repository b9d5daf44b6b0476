package subscription

// node is one segment level of the subscription trie.
//
// Subscribers registered for the filter ending at this node live in
// subscribers; duplicates are permitted (the same identity registered
// twice must be removed twice). Children are keyed by the next segment:
// a literal, "+", or "#".
//
// Invariant: a node with no subscribers and no children is inactive and
// is pruned from its parent's map, never left dangling.
type node[T comparable] struct {
	subscribers []T
	children    map[string]*node[T]
}

// newNode returns an empty, inactive node.
func newNode[T comparable]() *node[T] {
	return &node[T]{children: make(map[string]*node[T])}
}

// active reports whether the filter ending at this node has at least one
// subscriber.
func (n *node[T]) active() bool {
	return len(n.subscribers) > 0
}

// inactive reports whether the node holds nothing and can be pruned.
func (n *node[T]) inactive() bool {
	return len(n.subscribers) == 0 && len(n.children) == 0
}

// activeHashChild reports whether this node has a "#" child with
// subscribers. Such a child covers every filter below this node, so no
// other subscription in the branch needs to exist upstream.
func (n *node[T]) activeHashChild() bool {
	c, ok := n.children[MultiLevelWildcard]
	return ok && c.active()
}

// plusSiblingActive reports whether a "+" sibling of the seg child has
// subscribers. An active "+" sibling masks the direct subscription of
// any literal sibling ("a/+" covers "a/b"). The "+" child is never its
// own sibling.
func (n *node[T]) plusSiblingActive(seg string) bool {
	if seg == SingleLevelWildcard {
		return false
	}
	c, ok := n.children[SingleLevelWildcard]
	return ok && c.active()
}

// subscribedTopics collects every filter with at least one subscriber in
// this node's subtree, expressed relative to this node. An active "#"
// child short-circuits the walk: it subsumes every deeper filter, so
// "#" is the only entry that matters below this node.
func (n *node[T]) subscribedTopics() []string {
	if n.activeHashChild() {
		return []string{MultiLevelWildcard}
	}
	var out []string
	for seg, child := range n.children {
		if child.active() {
			out = append(out, seg)
		}
		for _, sub := range child.subscribedTopics() {
			out = append(out, seg+topicSeparator+sub)
		}
	}
	return out
}

// subscribedTopicsMatching returns the active filters in this subtree
// that the given filter strictly covers.
func (n *node[T]) subscribedTopicsMatching(filter []string) []string {
	var out []string
	for _, topic := range n.subscribedTopics() {
		if compareSegments(filter, splitTopic(topic)) == Greater {
			out = append(out, topic)
		}
	}
	return out
}

// directSubTopicsExcept returns the segments of the directly subscribed
// children of this node, skipping the except child and children whose
// own "#" already covers them (those are not held upstream).
func (n *node[T]) directSubTopicsExcept(except string) []string {
	var out []string
	for seg, child := range n.children {
		if seg == except || !child.active() {
			continue
		}
		if child.activeHashChild() {
			continue
		}
		out = append(out, seg)
	}
	return out
}

// allSubTopicsExcept returns the minimal set of active filters in this
// subtree outside the except child: filters already dominated by another
// collected filter are left out.
func (n *node[T]) allSubTopicsExcept(except string) []string {
	var out []string
	for seg, child := range n.children {
		if seg == except {
			continue
		}
		if child.active() {
			out = append(out, seg)
		}
		for _, sub := range child.subscribedTopics() {
			out = append(out, seg+topicSeparator+sub)
		}
	}
	return ReduceFilters(out)
}

// matches collects the subscribers of every registered filter consistent
// with the queried topic. A subscriber registered under several matching
// filters appears once per registration; callers that need set semantics
// deduplicate.
func (n *node[T]) matches(segments []string) []T {
	var out []T

	// "#" matches the entire remaining suffix, including the empty one.
	if hash, ok := n.children[MultiLevelWildcard]; ok {
		out = append(out, hash.subscribers...)
	}

	if len(segments) == 0 {
		return append(out, n.subscribers...)
	}

	head, tail := segments[0], segments[1:]
	if plus, ok := n.children[SingleLevelWildcard]; ok {
		out = append(out, plus.matches(tail)...)
	}
	if head != SingleLevelWildcard && head != MultiLevelWildcard {
		if child, ok := n.children[head]; ok {
			out = append(out, child.matches(tail)...)
		}
	}
	return out
}

// insert registers sub under the remaining filter segments and returns
// the upstream diff. Filters in the returned diff are relative to this
// node; each parent frame prefixes them with its own segment on the way
// back up.
func (n *node[T]) insert(segments []string, sub T) Diff {
	head := segments[0]
	if len(segments) == 1 {
		return n.insertLeaf(head, sub)
	}

	// Snapshot before the child mutates: the filter being inserted must
	// not count as covering, or covered by, itself.
	covered := n.subscribedTopicsMatching(segments)
	active := n.subscribedTopics()

	child, ok := n.children[head]
	if !ok {
		child = newNode[T]()
		n.children[head] = child
	}
	childDiff := child.insert(segments[1:], sub)

	// An active "#" child already receives everything below this node;
	// whatever the child computed, no upstream change is needed.
	if n.activeHashChild() {
		return emptyDiff()
	}

	diff := childDiff.WithTopicPrefix(head)

	if head == SingleLevelWildcard {
		// A newly subscribed wildcard supersedes the narrower active
		// filters it covers; unsubscribe them in the same transition.
		if len(diff.Subscribe) > 0 {
			for _, topic := range covered {
				diff.addUnsubscribe(topic)
			}
		}
	} else {
		// A literal insertion must not resubscribe to traffic an active
		// wildcard in a sibling branch already delivers.
		for _, topic := range diff.SubscribeTopics() {
			if coveredByAny(topic, active) {
				delete(diff.Subscribe, topic)
			}
		}
	}

	// A fresh "h/#" supersedes a directly subscribed "h", unless an
	// active "+" sibling means "h" was never subscribed upstream.
	if len(segments) == 2 && segments[1] == MultiLevelWildcard && len(diff.Subscribe) > 0 {
		if c, ok := n.children[head]; ok && c.active() && !n.plusSiblingActive(head) {
			diff.addUnsubscribe(head)
		}
	}

	// Never unsubscribe a filter whose traffic another active
	// subscription still needs.
	for _, topic := range diff.UnsubscribeTopics() {
		if dominatedByOther(topic, active) {
			delete(diff.Unsubscribe, topic)
		}
	}

	return diff
}

// insertLeaf adds sub to the seg child of this node, creating the child
// if needed, and computes the diff for a first subscriber.
func (n *node[T]) insertLeaf(seg string, sub T) Diff {
	child, ok := n.children[seg]
	if !ok {
		child = newNode[T]()
		n.children[seg] = child
	}
	first := !child.active()
	child.subscribers = append(child.subscribers, sub)
	if !first {
		// Already subscribed upstream on behalf of an earlier
		// registration.
		return emptyDiff()
	}
	return n.insertDiffFor(seg)
}

// insertDiffFor computes the upstream diff for the first subscriber
// registered on the seg child: a subscribe for the filter itself unless
// a broader active wildcard sibling already covers it, plus, for
// wildcard filters, unsubscribes for the narrower filters they
// supersede.
func (n *node[T]) insertDiffFor(seg string) Diff {
	if seg != MultiLevelWildcard && n.activeHashChild() {
		return emptyDiff()
	}
	if seg != MultiLevelWildcard && seg != SingleLevelWildcard && n.plusSiblingActive(seg) {
		return emptyDiff()
	}
	// The seg child's own "#" matches the empty remainder, so it covers
	// the filter ending at the child itself ("b/#" covers "b").
	if seg != MultiLevelWildcard {
		if c, ok := n.children[seg]; ok && c.activeHashChild() {
			return emptyDiff()
		}
	}

	diff := NewDiff([]string{seg}, nil)
	switch seg {
	case SingleLevelWildcard:
		// ".../+" covers exactly the directly subscribed literal
		// siblings; deeper filters have a different segment count.
		for _, topic := range n.directSubTopicsExcept(seg) {
			diff.addUnsubscribe(topic)
		}
	case MultiLevelWildcard:
		// ".../#" covers the whole subtree.
		for _, topic := range n.allSubTopicsExcept(seg) {
			diff.addUnsubscribe(topic)
		}
	}
	return diff
}

// remove unregisters one occurrence of sub at the filter's leaf, prunes
// nodes left inactive, and returns the upstream diff, relative to this
// node like insert.
func (n *node[T]) remove(segments []string, sub T) Diff {
	head := segments[0]
	if len(segments) == 1 {
		return n.removeLeaf(head, sub)
	}

	child, ok := n.children[head]
	if !ok {
		// Nothing registered under this filter; nothing to do.
		return emptyDiff()
	}
	childDiff := child.remove(segments[1:], sub)
	hashRemoved := false
	if _, ok := childDiff.Unsubscribe[MultiLevelWildcard]; ok && len(segments) == 2 && segments[1] == MultiLevelWildcard {
		hashRemoved = true
	}
	if child.inactive() {
		delete(n.children, head)
	}

	// A surviving "#" child keeps the whole branch covered upstream; the
	// removal is invisible to the connection.
	if n.activeHashChild() {
		return emptyDiff()
	}

	diff := childDiff.WithTopicPrefix(head)
	active := n.subscribedTopics()

	if head == SingleLevelWildcard && len(diff.Unsubscribe) > 0 {
		// Dropping a wildcard exposes the narrower filters it masked in
		// sibling branches; resubscribe the ones nothing else covers.
		for _, topic := range active {
			if compareSegments(segments, splitTopic(topic)) == Greater && !dominatedByOther(topic, active) {
				diff.addSubscribe(topic)
			}
		}
	}

	// The removed "h/#" had been covering a directly subscribed "h".
	if hashRemoved {
		if c, ok := n.children[head]; ok && c.active() && !n.plusSiblingActive(head) {
			diff.addSubscribe(head)
		}
	}

	// Drop resubscriptions another active filter still covers.
	for _, topic := range diff.SubscribeTopics() {
		if dominatedByOther(topic, active) {
			delete(diff.Subscribe, topic)
		}
	}

	// A filter still dominated by a surviving subscription was never
	// held upstream; unsubscribing it would be a phantom operation.
	for _, topic := range diff.UnsubscribeTopics() {
		if dominatedByOther(topic, active) {
			delete(diff.Unsubscribe, topic)
		}
	}

	return diff
}

// removeLeaf removes one occurrence of sub from the seg child. The last
// subscriber leaving unsubscribes the filter unless a mask kept it off
// the connection, and a departing wildcard resubscribes whatever it had
// been masking.
func (n *node[T]) removeLeaf(seg string, sub T) Diff {
	child, ok := n.children[seg]
	if !ok {
		return emptyDiff()
	}

	idx := -1
	for i, s := range child.subscribers {
		if s == sub {
			idx = i
			break
		}
	}
	if idx < 0 {
		return emptyDiff()
	}
	child.subscribers = append(child.subscribers[:idx], child.subscribers[idx+1:]...)

	if child.active() {
		// Other registrations still need the upstream subscription.
		return emptyDiff()
	}
	if child.inactive() {
		delete(n.children, seg)
	}

	// A filter that was masked when it registered was never subscribed
	// upstream, so its departure is equally invisible. The masks mirror
	// insertDiffFor: a "#" sibling, a "+" sibling, or the child's own
	// "#" covering the parent level.
	if seg != MultiLevelWildcard &&
		(n.activeHashChild() || n.plusSiblingActive(seg) || child.activeHashChild()) {
		return emptyDiff()
	}

	diff := NewDiff(nil, []string{seg})
	switch seg {
	case SingleLevelWildcard:
		// The wildcard no longer masks its literal siblings.
		for _, topic := range n.directSubTopicsExcept(seg) {
			diff.addSubscribe(topic)
		}
	case MultiLevelWildcard:
		// Everything the "#" had been covering needs subscribing again.
		for _, topic := range ReduceFilters(n.subscribedTopics()) {
			diff.addSubscribe(topic)
		}
	}
	return diff
}

// coveredByAny reports whether some filter in actives covers topic.
func coveredByAny(topic string, actives []string) bool {
	for _, c := range actives {
		if CompareFilters(c, topic).covers() {
			return true
		}
	}
	return false
}

// dominatedByOther reports whether a distinct filter in actives strictly
// covers topic.
func dominatedByOther(topic string, actives []string) bool {
	for _, c := range actives {
		if c == topic {
			continue
		}
		if CompareFilters(c, topic) == Greater {
			return true
		}
	}
	return false
}
