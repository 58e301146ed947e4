package rule

// Matches evaluates the condition against a device attribute snapshot.
// Operator and operand types were checked when the condition was built,
// so evaluation cannot fail.
func (c *Condition) Matches(a *Attributes) bool {
	switch c.Attribute.Kind() {
	case KindIDPair:
		return c.member(len(c.ids), func(i int) bool {
			return c.ids[i].Matches(a.VendorID, a.ProductID)
		})
	case KindNumeric:
		return c.matchNumber(a.number(c.Attribute))
	case KindInterfaces:
		return c.matchInterfaces(a.Interfaces)
	}
	v := a.text(c.Attribute)
	if c.Operator == Match {
		return c.re.MatchString(v)
	}
	return c.member(len(c.Values), func(i int) bool {
		return c.Values[i] == v
	})
}

// member applies an equality-family operator given a per-operand
// equality test.
func (c *Condition) member(n int, eq func(i int) bool) bool {
	found := false
	for i := 0; i < n && !found; i++ {
		found = eq(i)
	}
	switch c.Operator {
	case NotEqual, NoneOf:
		return !found
	}
	return found
}

func (c *Condition) matchNumber(v uint64) bool {
	switch c.Operator {
	case Less:
		return v < c.nums[0]
	case LessEqual:
		return v <= c.nums[0]
	case Greater:
		return v > c.nums[0]
	case GreaterEqual:
		return v >= c.nums[0]
	}
	return c.member(len(c.nums), func(i int) bool {
		return c.nums[i] == v
	})
}

// matchInterfaces implements the multi-value interface forms:
// all-of (every interface matches some pattern, and there is at least one
// interface), one-of (some interface matches some pattern) and none-of
// (no interface matches any pattern).
func (c *Condition) matchInterfaces(ifaces []InterfaceType) bool {
	anyPattern := func(t InterfaceType) bool {
		for _, p := range c.ifaces {
			if p.Matches(t) {
				return true
			}
		}
		return false
	}
	switch c.Operator {
	case AllOf:
		if len(ifaces) == 0 {
			return false
		}
		for _, t := range ifaces {
			if !anyPattern(t) {
				return false
			}
		}
		return true
	case OneOf:
		for _, t := range ifaces {
			if anyPattern(t) {
				return true
			}
		}
		return false
	case NoneOf:
		for _, t := range ifaces {
			if anyPattern(t) {
				return false
			}
		}
		return true
	}
	return false
}
