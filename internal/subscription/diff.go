package subscription

import "sort"

// Diff is the set of upstream subscription changes required by a single
// Insert or Remove: filters to SUBSCRIBE to and filters to UNSUBSCRIBE
// from.
//
// A Diff describes a transition relative to the trie state at the time
// of the call, not an absolute target state. Apply diffs upstream in the
// same order the trie calls were made, subscribes before unsubscribes
// within one diff, so traffic is never lost mid-transition.
//
// Diffs accumulate with Merge; after merging, a filter subscribed and
// later unsubscribed (or vice versa) cancels out of both sets.
type Diff struct {
	Subscribe   map[string]struct{}
	Unsubscribe map[string]struct{}
}

// NewDiff builds a Diff from subscribe and unsubscribe filter lists.
// Either list may be nil.
func NewDiff(subscribe, unsubscribe []string) Diff {
	d := Diff{
		Subscribe:   make(map[string]struct{}, len(subscribe)),
		Unsubscribe: make(map[string]struct{}, len(unsubscribe)),
	}
	for _, f := range subscribe {
		d.Subscribe[f] = struct{}{}
	}
	for _, f := range unsubscribe {
		d.Unsubscribe[f] = struct{}{}
	}
	return d
}

// emptyDiff returns a Diff with no entries.
func emptyDiff() Diff {
	return NewDiff(nil, nil)
}

// IsEmpty reports whether the diff requires no upstream changes.
func (d Diff) IsEmpty() bool {
	return len(d.Subscribe) == 0 && len(d.Unsubscribe) == 0
}

// Merge accumulates another diff into this one: both sides are unioned,
// then filters present on both sides cancel out.
func (d *Diff) Merge(other Diff) {
	for f := range other.Subscribe {
		d.Subscribe[f] = struct{}{}
	}
	for f := range other.Unsubscribe {
		d.Unsubscribe[f] = struct{}{}
	}
	d.simplify()
}

// simplify removes filters present in both sets: a subscribe and an
// unsubscribe of the same filter are a no-op upstream.
func (d *Diff) simplify() {
	for f := range d.Subscribe {
		if _, ok := d.Unsubscribe[f]; ok {
			delete(d.Subscribe, f)
			delete(d.Unsubscribe, f)
		}
	}
}

// WithTopicPrefix returns a copy of the diff with every entry prefixed
// by one leading segment. Used when a child node's diff bubbles up to
// its parent during recursion.
func (d Diff) WithTopicPrefix(segment string) Diff {
	out := Diff{
		Subscribe:   make(map[string]struct{}, len(d.Subscribe)),
		Unsubscribe: make(map[string]struct{}, len(d.Unsubscribe)),
	}
	for f := range d.Subscribe {
		out.Subscribe[segment+topicSeparator+f] = struct{}{}
	}
	for f := range d.Unsubscribe {
		out.Unsubscribe[segment+topicSeparator+f] = struct{}{}
	}
	return out
}

// SubscribeTopics returns the subscribe set as a sorted slice.
func (d Diff) SubscribeTopics() []string {
	return sortedKeys(d.Subscribe)
}

// UnsubscribeTopics returns the unsubscribe set as a sorted slice.
func (d Diff) UnsubscribeTopics() []string {
	return sortedKeys(d.Unsubscribe)
}

// Equal reports whether two diffs contain the same filters.
func (d Diff) Equal(other Diff) bool {
	if len(d.Subscribe) != len(other.Subscribe) || len(d.Unsubscribe) != len(other.Unsubscribe) {
		return false
	}
	for f := range d.Subscribe {
		if _, ok := other.Subscribe[f]; !ok {
			return false
		}
	}
	for f := range d.Unsubscribe {
		if _, ok := other.Unsubscribe[f]; !ok {
			return false
		}
	}
	return true
}

// addSubscribe inserts one filter into the subscribe set.
func (d *Diff) addSubscribe(filter string) {
	d.Subscribe[filter] = struct{}{}
}

// addUnsubscribe inserts one filter into the unsubscribe set.
func (d *Diff) addUnsubscribe(filter string) {
	d.Unsubscribe[filter] = struct{}{}
}

// sortedKeys returns the keys of a string set in sorted order.
func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
