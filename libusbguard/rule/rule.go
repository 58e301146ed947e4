package rule

import (
	"math"
	"strings"
	"time"
)

// Reserved rule ids. Ids assigned to rules start at 1.
const (
	// NoneID means "no rule": the default target applied, or a device
	// policy was not made permanent.
	NoneID uint32 = 0
	// RootID as a parent inserts a rule before every other rule.
	RootID uint32 = math.MaxUint32 - 1
	// LastID as a parent appends a rule after every other rule.
	LastID uint32 = math.MaxUint32
)

// Rule is an ordered conjunction of conditions and the target applied to
// devices matching all of them. Rules are immutable once parsed; changing
// one means removing it and appending a replacement.
type Rule struct {
	ID         uint32
	Target     Target
	Conditions []Condition
	Label      string
	// Permanent rules are written to the rule file; others last for the
	// lifetime of the daemon process.
	Permanent bool
	Created   time.Time
}

// Evaluate reports whether every condition matches a. A rule without
// conditions matches every device.
func (r *Rule) Evaluate(a *Attributes) bool {
	for i := range r.Conditions {
		if !r.Conditions[i].Matches(a) {
			return false
		}
	}
	return true
}

// String returns the canonical specification of r. Parse(r.String())
// yields a rule Equal to r.
func (r *Rule) String() string {
	var b strings.Builder
	b.WriteString(r.Target.String())
	for i := range r.Conditions {
		b.WriteByte(' ')
		b.WriteString(r.Conditions[i].String())
	}
	if r.Label != "" {
		b.WriteString(" label ")
		b.WriteString(quote(r.Label))
	}
	if !r.Permanent {
		b.WriteString(" temporary")
	}
	return b.String()
}

// Equal compares the parts of two rules carried by their specification.
// The id and creation time are ignored.
func (r *Rule) Equal(o *Rule) bool {
	return r.Target == o.Target && r.Label == o.Label && r.Permanent == o.Permanent && r.SameConditions(o)
}

// SameConditions reports whether r and o test exactly the same
// conditions in the same order.
func (r *Rule) SameConditions(o *Rule) bool {
	if len(r.Conditions) != len(o.Conditions) {
		return false
	}
	for i := range r.Conditions {
		if !r.Conditions[i].Equal(&o.Conditions[i]) {
			return false
		}
	}
	return true
}

// Clone returns a copy of r that shares no mutable state with it.
func (r *Rule) Clone() *Rule {
	c := *r
	c.Conditions = append([]Condition(nil), r.Conditions...)
	return &c
}

// Without returns a copy of r without conditions on the given attributes.
func (r *Rule) Without(attrs ...Attribute) *Rule {
	c := r.Clone()
	c.Conditions = c.Conditions[:0]
	for _, cond := range r.Conditions {
		drop := false
		for _, a := range attrs {
			drop = drop || cond.Attribute == a
		}
		if !drop {
			c.Conditions = append(c.Conditions, cond)
		}
	}
	return c
}
