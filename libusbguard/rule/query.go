package rule

// Query filters rule and device listings. A nil query selects everything.
type Query struct {
	// Target restricts the result to one target; Unknown selects any.
	Target     Target
	Conditions []Condition
}

// MatchesRule reports whether r has the query target and contains every
// query condition verbatim.
func (q *Query) MatchesRule(r *Rule) bool {
	if q == nil {
		return true
	}
	if q.Target != Unknown && q.Target != r.Target {
		return false
	}
	for i := range q.Conditions {
		found := false
		for j := range r.Conditions {
			if q.Conditions[i].Equal(&r.Conditions[j]) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// MatchesDevice reports whether a device with target t and attributes a
// satisfies the query.
func (q *Query) MatchesDevice(t Target, a *Attributes) bool {
	if q == nil {
		return true
	}
	if q.Target != Unknown && q.Target != t {
		return false
	}
	for i := range q.Conditions {
		if !q.Conditions[i].Matches(a) {
			return false
		}
	}
	return true
}
