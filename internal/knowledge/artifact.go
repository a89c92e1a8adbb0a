// Package knowledge reads the owner-scoped knowledge base produced by the
// external Builder: logical constants, predicates and facts.
package knowledge

// Kind is the graph label of an artifact.
type Kind string

const (
	KindConstant  Kind = "Constant"
	KindPredicate Kind = "Predicate"
	KindFact      Kind = "Fact"
)

// Kinds lists every artifact kind in a stable order.
var Kinds = []Kind{KindConstant, KindPredicate, KindFact}

// Snapshot holds the artifact ids of one owner at a point in time.
type Snapshot struct {
	ConstantIDs  []string `json:"constant_ids"`
	PredicateIDs []string `json:"predicate_ids"`
	FactIDs      []string `json:"fact_ids"`
}

func (s *Snapshot) set(kind Kind, ids []string) {
	switch kind {
	case KindConstant:
		s.ConstantIDs = ids
	case KindPredicate:
		s.PredicateIDs = ids
	case KindFact:
		s.FactIDs = ids
	}
}

// Delta holds the ids that appeared between two snapshots.
type Delta struct {
	ConstantIDs  []string `json:"new_constant_ids"`
	PredicateIDs []string `json:"new_predicate_ids"`
	FactIDs      []string `json:"new_fact_ids"`
}

// Empty reports whether no new artifacts were attributed.
func (d Delta) Empty() bool {
	return len(d.ConstantIDs) == 0 && len(d.PredicateIDs) == 0 && len(d.FactIDs) == 0
}

// Diff returns, per kind, the ids present in after but absent in before, in
// the order they appear in after. The result slices are never nil.
//
// Two chunks of the same owner running in one wave can both observe an
// artifact created by the other; such an artifact is then attributed to
// both. This only affects audit attribution, never the artifact set.
func Diff(before, after Snapshot) Delta {
	return Delta{
		ConstantIDs:  difference(before.ConstantIDs, after.ConstantIDs),
		PredicateIDs: difference(before.PredicateIDs, after.PredicateIDs),
		FactIDs:      difference(before.FactIDs, after.FactIDs),
	}
}

func difference(before, after []string) []string {
	seen := make(map[string]struct{}, len(before))
	for _, id := range before {
		seen[id] = struct{}{}
	}
	out := make([]string, 0)
	for _, id := range after {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Counts holds per-kind artifact totals.
type Counts struct {
	Constants  int `json:"constants"`
	Predicates int `json:"predicates"`
	Facts      int `json:"facts"`
}

// Total sums all kinds.
func (c Counts) Total() int {
	return c.Constants + c.Predicates + c.Facts
}

func (c *Counts) set(kind Kind, n int) {
	switch kind {
	case KindConstant:
		c.Constants = n
	case KindPredicate:
		c.Predicates = n
	case KindFact:
		c.Facts = n
	}
}
