// Package rulestore keeps the live rule set in sync with the rule file.
//
// Every mutation is applied to a private clone of the set first. When the
// mutation touches permanent rules the clone is written to disk, and only
// once the write succeeded is the clone swapped in. A failed write
// therefore leaves both the file and the live set untouched.
package rulestore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/usbguard/usbguard/libusbguard/rule"
	"github.com/usbguard/usbguard/libusbguard/ruleset"
)

var ErrTooLarge = errors.New("rule file exceeds the size limit")

type Options struct {
	// MaxSize limits the rule file size in bytes. Zero means no limit.
	MaxSize int64
	// Backup keeps a copy of the previous rule file next to it, with a
	// ".bak" suffix, every time the file is rewritten.
	Backup bool
}

// Store owns a rule set and the file backing its permanent rules. An
// empty path gives a store that never touches the filesystem.
type Store struct {
	path string
	opts Options

	// mu serializes mutations. Readers go straight to the rule set.
	mu  sync.Mutex
	set *ruleset.RuleSet
}

// Open loads the rule file at path into a new set with the given default
// target. A missing file yields an empty set.
func Open(path string, def rule.Target, opts Options) (*Store, error) {
	s := &Store{path: path, opts: opts, set: ruleset.New(def)}
	if path == "" {
		return s, nil
	}
	rules, err := load(path, opts.MaxSize)
	if err != nil {
		return nil, err
	}
	for _, r := range rules {
		if _, err := s.set.Append(r, rule.LastID); err != nil {
			return nil, err
		}
	}
	logrus.Debugf("loaded %d rules from %s", len(rules), path)
	return s, nil
}

func (s *Store) Path() string { return s.path }

// RuleSet returns the live rule set. It must not be mutated directly.
func (s *Store) RuleSet() *ruleset.RuleSet { return s.set }

func (s *Store) Decide(a *rule.Attributes) (rule.Target, uint32) {
	return s.set.Decide(a)
}

func (s *Store) List(q *rule.Query) []*rule.Rule {
	return s.set.List(q)
}

func (s *Store) Get(id uint32) (*rule.Rule, error) {
	return s.set.Get(id)
}

// Append inserts r after parentID, persisting it when it is permanent.
func (s *Store) Append(r *rule.Rule, parentID uint32) (uint32, error) {
	var id uint32
	err := s.mutate(func(next *ruleset.RuleSet) (bool, error) {
		var err error
		id, err = next.Append(r, parentID)
		return r.Permanent, err
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// Remove deletes the rule with the given id and returns it.
func (s *Store) Remove(id uint32) (*rule.Rule, error) {
	var removed *rule.Rule
	err := s.mutate(func(next *ruleset.RuleSet) (bool, error) {
		var err error
		removed, err = next.Remove(id)
		if err != nil {
			return false, err
		}
		return removed.Permanent, nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// Upsert replaces every rule testing the same conditions as r with r,
// placed at the head of the set.
func (s *Store) Upsert(r *rule.Rule) (uint32, []*rule.Rule, error) {
	var (
		id       uint32
		replaced []*rule.Rule
	)
	err := s.mutate(func(next *ruleset.RuleSet) (bool, error) {
		id, replaced = next.Upsert(r)
		persist := r.Permanent
		for _, o := range replaced {
			persist = persist || o.Permanent
		}
		return persist, nil
	})
	if err != nil {
		return 0, nil, err
	}
	return id, replaced, nil
}

// mutate runs fn against a clone of the live set. fn reports whether the
// change has to be written to the rule file.
func (s *Store) mutate(fn func(*ruleset.RuleSet) (bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.set.Clone()
	persist, err := fn(next)
	if err != nil {
		return err
	}
	if persist && s.path != "" {
		if err := save(s.path, next.List(nil), s.opts.Backup); err != nil {
			return fmt.Errorf("unable to save rules: %w", err)
		}
	}
	s.set.Swap(next)
	return nil
}
