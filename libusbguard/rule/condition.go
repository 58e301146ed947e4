package rule

import (
	"fmt"
	"regexp"
	"slices"
)

// Operator is the comparison a condition applies to an attribute.
type Operator int

const (
	Equal Operator = iota
	NotEqual
	OneOf
	NoneOf
	AllOf
	Less
	LessEqual
	Greater
	GreaterEqual
	Match
)

var operatorNames = map[Operator]string{
	Equal:        "==",
	NotEqual:     "!=",
	OneOf:        "one-of",
	NoneOf:       "none-of",
	AllOf:        "all-of",
	Less:         "<",
	LessEqual:    "<=",
	Greater:      ">",
	GreaterEqual: ">=",
	Match:        "=~",
}

var operatorsByName = func() map[string]Operator {
	m := make(map[string]Operator, len(operatorNames))
	for o, n := range operatorNames {
		m[n] = o
	}
	return m
}()

func (o Operator) String() string {
	return operatorNames[o]
}

// isSet reports whether o takes a list operand.
func (o Operator) isSet() bool {
	return o == OneOf || o == NoneOf || o == AllOf
}

// compatible reports whether o may be applied to attributes of kind k.
func (o Operator) compatible(k Kind) bool {
	switch k {
	case KindInterfaces:
		return o == AllOf || o == OneOf || o == NoneOf
	case KindNumeric:
		return o != Match && o != AllOf
	case KindString:
		return o == Equal || o == NotEqual || o == OneOf || o == NoneOf || o == Match
	case KindIDPair, KindOpaque:
		return o == Equal || o == NotEqual || o == OneOf || o == NoneOf
	}
	return false
}

// defaultOperator is the operator implied when a condition names none.
func defaultOperator(a Attribute) Operator {
	if a.Kind() == KindInterfaces {
		return AllOf
	}
	return Equal
}

// Condition is one attribute test of a rule. Conditions are only built by
// NewCondition so that operands are always validated and compiled.
type Condition struct {
	Attribute Attribute
	Operator  Operator
	// Values holds the canonical text of each operand.
	Values []string

	nums   []uint64
	ids    []DeviceID
	ifaces []InterfaceType
	re     *regexp.Regexp
}

// NewCondition validates the operator against the attribute kind,
// parses the operands and returns the compiled condition. Errors wrap
// ErrTypeMismatch, ErrSyntax or ErrBadRegexp; their offsets are zero.
func NewCondition(attr Attribute, op Operator, values ...string) (Condition, error) {
	if _, ok := attributeNames[attr]; !ok {
		return Condition{}, parseErrorf(ErrUnknownAttribute, 0, "attribute %d", attr)
	}
	if !op.compatible(attr.Kind()) {
		return Condition{}, parseErrorf(ErrTypeMismatch, 0, "%s does not support %s", attr, op)
	}
	if len(values) == 0 {
		return Condition{}, parseErrorf(ErrSyntax, 0, "%s: missing operand", attr)
	}
	if !op.isSet() && len(values) != 1 {
		return Condition{}, parseErrorf(ErrSyntax, 0, "%s %s takes a single operand", attr, op)
	}
	c := Condition{Attribute: attr, Operator: op, Values: make([]string, 0, len(values))}
	for _, v := range values {
		canon, err := c.compile(v)
		if err != nil {
			return Condition{}, err
		}
		c.Values = append(c.Values, canon)
	}
	return c, nil
}

// compile parses one operand, stores its typed form and returns its
// canonical text.
func (c *Condition) compile(v string) (string, error) {
	switch c.Attribute.Kind() {
	case KindIDPair:
		id, err := ParseDeviceID(v)
		if err != nil {
			return "", parseErrorf(ErrSyntax, 0, "%v", err)
		}
		c.ids = append(c.ids, id)
		return id.String(), nil
	case KindNumeric:
		bits := c.Attribute.width()
		n, err := parseHex(v, bits)
		if err != nil {
			return "", parseErrorf(ErrSyntax, 0, "%s: %v", c.Attribute, err)
		}
		c.nums = append(c.nums, n)
		return fmt.Sprintf("%0*x", bits/4, n), nil
	case KindInterfaces:
		i, err := ParseInterfaceType(v)
		if err != nil {
			return "", parseErrorf(ErrSyntax, 0, "%v", err)
		}
		c.ifaces = append(c.ifaces, i)
		return i.String(), nil
	}
	if c.Operator == Match {
		re, err := regexp.CompilePOSIX(v)
		if err != nil {
			return "", parseErrorf(ErrBadRegexp, 0, "%v", err)
		}
		c.re = re
	}
	return v, nil
}

// Equal reports whether c and o are the same test.
func (c *Condition) Equal(o *Condition) bool {
	return c.Attribute == o.Attribute && c.Operator == o.Operator && slices.Equal(c.Values, o.Values)
}

func (c *Condition) String() string {
	s := c.Attribute.String()
	if c.Operator != defaultOperator(c.Attribute) {
		s += " " + c.Operator.String()
	}
	if c.Operator.isSet() && (c.Operator != AllOf || len(c.Values) > 1) {
		s += " {"
		for _, v := range c.Values {
			s += " " + c.formatValue(v)
		}
		return s + " }"
	}
	return s + " " + c.formatValue(c.Values[0])
}

func (c *Condition) formatValue(v string) string {
	switch c.Attribute.Kind() {
	case KindString, KindOpaque:
		return quote(v)
	}
	return v
}
