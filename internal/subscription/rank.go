package subscription

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Topic filter wildcards and the segment separator, per MQTT 3.1.1.
const (
	// SingleLevelWildcard matches exactly one topic segment.
	SingleLevelWildcard = "+"

	// MultiLevelWildcard matches any number of trailing segments,
	// including none: "a/#" matches "a", "a/b" and "a/b/c".
	MultiLevelWildcard = "#"

	// topicSeparator splits a topic or filter into segments.
	topicSeparator = "/"
)

// ErrInvalidFilter is returned by ValidateFilter for filters that break
// the MQTT wildcard placement rules.
var ErrInvalidFilter = errors.New("subscription: invalid topic filter")

// Relation is the outcome of comparing two topic filters by coverage:
// the set of concrete topics each filter matches.
//
// Coverage is a partial order. Two filters whose matched-topic sets
// overlap without containment ("a/+" and "+/b"), or not at all ("a" and
// "b"), are Incomparable. That is a first-class outcome, distinct from
// Equal.
type Relation int

const (
	// Incomparable means neither matched-topic set contains the other.
	Incomparable Relation = iota

	// Less means the first filter matches a strict subset of the
	// second filter's topics.
	Less

	// Equal means the filters are identical.
	Equal

	// Greater means the first filter matches a strict superset of the
	// second filter's topics.
	Greater
)

// String returns the relation name for diagnostics.
func (r Relation) String() string {
	switch r {
	case Less:
		return "less"
	case Equal:
		return "equal"
	case Greater:
		return "greater"
	default:
		return "incomparable"
	}
}

// covers reports whether the relation means the first filter's traffic
// includes the second's (Greater or Equal).
func (r Relation) covers() bool {
	return r == Greater || r == Equal
}

// CompareFilters ranks two topic filters by coverage.
//
// Examples:
//
//	CompareFilters("a/+", "a/b")  // Greater: "a/+" covers "a/b"
//	CompareFilters("a", "a/#")    // Less: "a/#" also matches "a" itself
//	CompareFilters("a/+", "+/b")  // Incomparable: partial overlap
func CompareFilters(a, b string) Relation {
	return compareSegments(splitTopic(a), splitTopic(b))
}

// winner tracks which side of a comparison has been seen to match the
// broader topic set so far. A later divergence favouring the other side
// makes the filters incomparable.
type winner int

const (
	winnerNone winner = iota
	winnerA
	winnerB
)

// compareSegments walks both filters in lock-step.
//
// A "#" segment swallows everything that remains on the other side, so
// it resolves the comparison immediately. A "+" against a literal only
// tentatively favours the "+" side: later segments can still invalidate
// the ordering.
func compareSegments(a, b []string) Relation {
	w := winnerNone

	i := 0
	for i < len(a) && i < len(b) {
		as, bs := a[i], b[i]
		switch {
		case as == bs:
			// No information; keep walking.
		case as == MultiLevelWildcard:
			if w == winnerB {
				return Incomparable
			}
			return Greater
		case bs == MultiLevelWildcard:
			if w == winnerA {
				return Incomparable
			}
			return Less
		case as == SingleLevelWildcard:
			if w == winnerB {
				return Incomparable
			}
			w = winnerA
		case bs == SingleLevelWildcard:
			if w == winnerA {
				return Incomparable
			}
			w = winnerB
		default:
			// Two different literals match disjoint topics.
			return Incomparable
		}
		i++
	}

	// One filter ended first. A single trailing "#" on the longer side
	// still covers the shorter filter, because "#" matches the empty
	// remainder; anything else makes the filters incomparable.
	switch {
	case i < len(a):
		if len(a)-i == 1 && a[i] == MultiLevelWildcard {
			if w == winnerB {
				return Incomparable
			}
			return Greater
		}
		return Incomparable
	case i < len(b):
		if len(b)-i == 1 && b[i] == MultiLevelWildcard {
			if w == winnerA {
				return Incomparable
			}
			return Less
		}
		return Incomparable
	}

	switch w {
	case winnerA:
		return Greater
	case winnerB:
		return Less
	default:
		return Equal
	}
}

// ReduceFilters returns the minimal subset of filters such that every
// input filter is covered by some filter in the output.
//
// The input is sorted first, so when two entries are duplicates the
// lexicographically first occurrence is the one kept; the tie-break is
// deterministic, not map-order dependent. Cost is O(n²) pairwise
// comparisons, acceptable for the per-node filter counts seen here.
func ReduceFilters(filters []string) []string {
	sorted := append([]string(nil), filters...)
	sort.Strings(sorted)

	out := make([]string, 0, len(sorted))
	for i, f := range sorted {
		dominated := false
		for j, g := range sorted {
			if i == j {
				continue
			}
			switch compareSegments(splitTopic(g), splitTopic(f)) {
			case Greater:
				dominated = true
			case Equal:
				// Duplicate entry; keep only the first occurrence.
				if j < i {
					dominated = true
				}
			}
			if dominated {
				break
			}
		}
		if !dominated {
			out = append(out, f)
		}
	}
	return out
}

// ValidateFilter checks a topic filter against the MQTT wildcard
// placement rules: "#" may only appear alone as the final segment, and
// "+" may only appear alone within a segment.
//
// The trie itself is permissive and processes whatever segment splitting
// yields; callers that accept filters from external clients should
// reject invalid ones here before inserting.
func ValidateFilter(filter string) error {
	if filter == "" {
		return fmt.Errorf("%w: empty filter", ErrInvalidFilter)
	}
	segments := splitTopic(filter)
	for i, seg := range segments {
		if seg == MultiLevelWildcard {
			if i != len(segments)-1 {
				return fmt.Errorf("%w: %q has '#' before the final segment", ErrInvalidFilter, filter)
			}
			continue
		}
		if seg == SingleLevelWildcard {
			continue
		}
		if strings.ContainsAny(seg, SingleLevelWildcard+MultiLevelWildcard) {
			return fmt.Errorf("%w: %q mixes a wildcard into segment %q", ErrInvalidFilter, filter, seg)
		}
	}
	return nil
}

// splitTopic splits a topic or filter into its segments.
func splitTopic(topic string) []string {
	return strings.Split(topic, topicSeparator)
}
