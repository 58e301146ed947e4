// Package ruleset holds the ordered rule collection used to decide device
// targets.
//
// Evaluation is FIRST MATCH WINS: rules are tried in insertion order and
// the first rule whose conditions all match decides the target. It is not
// "most specific rule wins"; administrators reason about rule order, and
// reordering rules is the only way to change precedence. When no rule
// matches, the default target applies.
package ruleset

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/usbguard/usbguard/libusbguard/rule"
)

var ErrNotFound = errors.New("rule not found")

// RuleSet is an ordered sequence of rules plus the default target. Reads
// (Decide, List, Get) may run concurrently; mutations are exclusive.
type RuleSet struct {
	mu    sync.RWMutex
	rules []*rule.Rule
	def   rule.Target

	// ids is shared between a set and its clones so that an id handed out
	// by a discarded clone is never handed out again.
	ids *atomic.Uint32
	now func() time.Time
}

// New returns an empty rule set with the given default target.
func New(def rule.Target) *RuleSet {
	return &RuleSet{def: def, ids: new(atomic.Uint32), now: time.Now}
}

// Default returns the target applied when no rule matches.
func (s *RuleSet) Default() rule.Target {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.def
}

func (s *RuleSet) SetDefault(t rule.Target) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.def = t
}

// Decide returns the target and id of the first rule matching a, or the
// default target and rule.NoneID when no rule matches.
func (s *RuleSet) Decide(a *rule.Attributes) (rule.Target, uint32) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.rules {
		if r.Evaluate(a) {
			return r.Target, r.ID
		}
	}
	return s.def, rule.NoneID
}

// Append inserts a copy of r immediately after the rule parentID, at the
// head for rule.RootID or at the tail for rule.LastID, and returns the
// fresh id assigned to it.
func (s *RuleSet) Append(r *rule.Rule, parentID uint32) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, err := s.insertIndex(parentID)
	if err != nil {
		return 0, err
	}
	n := r.Clone()
	n.ID = s.ids.Add(1)
	n.Created = s.now()
	s.insertAt(idx, n)
	return n.ID, nil
}

// Remove deletes the rule with the given id, leaving the order and ids
// of the other rules unchanged.
func (s *RuleSet) Remove(id uint32) (*rule.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.index(id)
	if i < 0 {
		return nil, fmt.Errorf("rule %d: %w", id, ErrNotFound)
	}
	r := s.rules[i]
	s.rules = append(s.rules[:i], s.rules[i+1:]...)
	return r, nil
}

// Upsert removes every rule testing exactly the conditions of r and
// inserts r at the head of the set, in one step. It returns the new id
// and the removed rules.
func (s *RuleSet) Upsert(r *rule.Rule) (uint32, []*rule.Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		kept     = make([]*rule.Rule, 0, len(s.rules)+1)
		replaced []*rule.Rule
	)
	n := r.Clone()
	n.ID = s.ids.Add(1)
	n.Created = s.now()
	kept = append(kept, n)
	for _, o := range s.rules {
		if o.SameConditions(n) {
			replaced = append(replaced, o)
			continue
		}
		kept = append(kept, o)
	}
	s.rules = kept
	return n.ID, replaced
}

// Get returns a copy of the rule with the given id.
func (s *RuleSet) Get(id uint32) (*rule.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := s.index(id)
	if i < 0 {
		return nil, fmt.Errorf("rule %d: %w", id, ErrNotFound)
	}
	return s.rules[i].Clone(), nil
}

// List returns copies of the rules selected by q, in evaluation order.
// The read lock is only held while the set is copied.
func (s *RuleSet) List(q *rule.Query) []*rule.Rule {
	s.mu.RLock()
	snapshot := append([]*rule.Rule(nil), s.rules...)
	s.mu.RUnlock()

	out := make([]*rule.Rule, 0, len(snapshot))
	for _, r := range snapshot {
		if q.MatchesRule(r) {
			out = append(out, r.Clone())
		}
	}
	return out
}

func (s *RuleSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rules)
}

// Clone returns an independent copy of the set that shares the id
// counter with s.
func (s *RuleSet) Clone() *RuleSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &RuleSet{
		rules: append([]*rule.Rule(nil), s.rules...),
		def:   s.def,
		ids:   s.ids,
		now:   s.now,
	}
}

// Swap replaces the contents of s with those of o in one step. Readers
// observe either the old or the new contents, never a mix.
func (s *RuleSet) Swap(o *RuleSet) {
	o.mu.RLock()
	rules, def := append([]*rule.Rule(nil), o.rules...), o.def
	o.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules, s.def = rules, def
}

func (s *RuleSet) index(id uint32) int {
	for i, r := range s.rules {
		if r.ID == id {
			return i
		}
	}
	return -1
}

func (s *RuleSet) insertIndex(parentID uint32) (int, error) {
	switch parentID {
	case rule.LastID:
		return len(s.rules), nil
	case rule.RootID:
		return 0, nil
	}
	i := s.index(parentID)
	if i < 0 {
		return 0, fmt.Errorf("parent rule %d: %w", parentID, ErrNotFound)
	}
	return i + 1, nil
}

func (s *RuleSet) insertAt(i int, r *rule.Rule) {
	s.rules = append(s.rules, nil)
	copy(s.rules[i+1:], s.rules[i:])
	s.rules[i] = r
}
