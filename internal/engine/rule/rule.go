// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package rule

import (
	"sort"

	"grimm.is/vpcdp/internal/engine/headers"
	"grimm.is/vpcdp/internal/engine/predicate"
)

// Id identifies a Rule within a Layer's rule set, stable across
// add/remove/replace so the control plane can reference a specific rule.
type Id uint64

// Rule is one entry in a Layer's per-direction rule set: a sorted-by-
// priority predicate match paired with the Action to apply when it's the
// first rule (in priority, then insertion, order) whose predicates all
// match.
type Rule struct {
	Id             Id
	Priority       int
	Predicates     []predicate.HeaderPredicate
	DataPredicates []predicate.DataPredicate
	Action         Action

	// seq breaks priority ties in insertion order; set by the Layer when
	// the rule is added, not by the caller.
	seq uint64
}

// Matches reports whether inner (and, if present, body) satisfies every
// predicate attached to r.
func (r *Rule) Matches(inner *headers.Tier, body []byte) bool {
	if !predicate.MatchAllHeaders(r.Predicates, inner) {
		return false
	}
	return predicate.MatchAllData(r.DataPredicates, body)
}

// Set is a priority-sorted collection of Rules for one Layer direction.
// Lower Priority values are evaluated first; rules with equal Priority
// are evaluated in the order they were added.
type Set struct {
	rules  []*Rule
	nextId Id
	nextSeq uint64
}

// NewSet returns an empty rule Set.
func NewSet() *Set {
	return &Set{nextId: 1}
}

// Add inserts r, assigning it a fresh Id, and keeps the set sorted.
func (s *Set) Add(r Rule) Id {
	r.Id = s.nextId
	s.nextId++
	r.seq = s.nextSeq
	s.nextSeq++
	s.rules = append(s.rules, &r)
	s.sort()
	return r.Id
}

// Remove deletes the rule with the given Id, reporting whether it was
// present.
func (s *Set) Remove(id Id) bool {
	for i, r := range s.rules {
		if r.Id == id {
			s.rules = append(s.rules[:i], s.rules[i+1:]...)
			return true
		}
	}
	return false
}

// SetAll replaces the entire rule set atomically, reassigning Ids and
// sequence numbers to the provided rules in the order given.
func (s *Set) SetAll(rules []Rule) {
	s.rules = s.rules[:0]
	for _, r := range rules {
		r.Id = s.nextId
		s.nextId++
		r.seq = s.nextSeq
		s.nextSeq++
		rr := r
		s.rules = append(s.rules, &rr)
	}
	s.sort()
}

func (s *Set) sort() {
	sort.SliceStable(s.rules, func(i, j int) bool {
		if s.rules[i].Priority != s.rules[j].Priority {
			return s.rules[i].Priority < s.rules[j].Priority
		}
		return s.rules[i].seq < s.rules[j].seq
	})
}

// Len reports how many rules are in the set.
func (s *Set) Len() int { return len(s.rules) }

// FirstMatch returns the highest-priority rule whose predicates match
// inner/body, or nil if none do.
func (s *Set) FirstMatch(inner *headers.Tier, body []byte) *Rule {
	for _, r := range s.rules {
		if r.Matches(inner, body) {
			return r
		}
	}
	return nil
}

// All returns the rules in evaluation order. The returned slice must not
// be mutated by the caller.
func (s *Set) All() []*Rule { return s.rules }
