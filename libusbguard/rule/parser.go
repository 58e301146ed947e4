package rule

import (
	"errors"
)

type parser struct {
	toks  []token
	pos   int
	query bool
}

func (p *parser) peek() token {
	return p.toks[p.pos]
}

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

// Parse parses a rule specification:
//
//	target { attribute [operator] operand } [label "text"] [temporary]
//
// The returned rule is permanent unless the specification ends with the
// temporary flag. ID and Created are left for the rule set to assign.
func Parse(spec string) (*Rule, error) {
	toks, err := lex(spec)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	first := p.next()
	if first.kind != tokWord {
		return nil, parseErrorf(ErrMissingTarget, first.offset, "rule must start with allow, block or reject")
	}
	target, err := ParseTarget(first.text)
	if err != nil {
		return nil, parseErrorf(ErrMissingTarget, first.offset, "expected allow, block or reject, got %q", first.text)
	}
	r := &Rule{Target: target, Permanent: true}
	if err := p.parseBody(r); err != nil {
		return nil, err
	}
	return r, nil
}

// ParseQuery parses a list filter: an optional target keyword ("match"
// selects any target) followed by conditions. An empty query selects
// everything.
func ParseQuery(q string) (*Query, error) {
	toks, err := lex(q)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks, query: true}
	query := &Query{Target: Unknown}
	if t := p.peek(); t.kind == tokWord {
		if t.text == "match" {
			p.next()
		} else if target, err := ParseTarget(t.text); err == nil {
			query.Target = target
			p.next()
		}
	}
	r := &Rule{}
	if err := p.parseBody(r); err != nil {
		return nil, err
	}
	query.Conditions = r.Conditions
	return query, nil
}

func (p *parser) parseBody(r *Rule) error {
	for {
		t := p.peek()
		switch t.kind {
		case tokEOF:
			return nil
		case tokWord:
		default:
			return parseErrorf(ErrSyntax, t.offset, "unexpected %q", t.text)
		}
		if !p.query && (t.text == "label" || t.text == "temporary") {
			return p.parseTrailer(r)
		}
		c, err := p.parseCondition(r.Conditions)
		if err != nil {
			return err
		}
		r.Conditions = append(r.Conditions, c)
	}
}

// parseTrailer handles the label and temporary flags, each at most once,
// after the last condition.
func (p *parser) parseTrailer(r *Rule) error {
	var seenLabel, seenTemporary bool
	for {
		t := p.next()
		switch {
		case t.kind == tokEOF:
			return nil
		case t.kind == tokWord && t.text == "label" && !seenLabel:
			v := p.next()
			if v.kind != tokString && v.kind != tokWord {
				return parseErrorf(ErrSyntax, v.offset, "label requires a value")
			}
			r.Label = v.text
			seenLabel = true
		case t.kind == tokWord && t.text == "temporary" && !seenTemporary:
			r.Permanent = false
			seenTemporary = true
		default:
			return parseErrorf(ErrSyntax, t.offset, "unexpected %q after rule conditions", t.text)
		}
	}
}

func (p *parser) parseCondition(prev []Condition) (Condition, error) {
	at := p.next()
	attr, ok := LookupAttribute(at.text)
	if !ok {
		return Condition{}, parseErrorf(ErrUnknownAttribute, at.offset, "%q", at.text)
	}
	for _, c := range prev {
		if c.Attribute.overlaps(attr) {
			return Condition{}, parseErrorf(ErrDuplicateAttribute, at.offset, "%s already constrained by %s", attr, c.Attribute)
		}
	}

	op, opOffset := defaultOperator(attr), at.offset
	if t := p.peek(); t.kind == tokWord {
		if o, ok := operatorsByName[t.text]; ok {
			op, opOffset = o, t.offset
			p.next()
		}
	}
	if !op.compatible(attr.Kind()) {
		return Condition{}, parseErrorf(ErrTypeMismatch, opOffset, "%s does not support %s", attr, op)
	}

	var (
		values      []string
		valueOffset = p.peek().offset
	)
	switch t := p.next(); t.kind {
	case tokWord, tokString:
		values = append(values, t.text)
	case tokLBrace:
		if !op.isSet() {
			return Condition{}, parseErrorf(ErrSyntax, t.offset, "%s %s takes a single operand", attr, op)
		}
		for {
			v := p.next()
			if v.kind == tokRBrace {
				break
			}
			if v.kind != tokWord && v.kind != tokString {
				return Condition{}, parseErrorf(ErrSyntax, v.offset, "unterminated operand list")
			}
			values = append(values, v.text)
		}
		if len(values) == 0 {
			return Condition{}, parseErrorf(ErrSyntax, t.offset, "empty operand list")
		}
	default:
		return Condition{}, parseErrorf(ErrSyntax, t.offset, "%s: missing operand", attr)
	}

	c, err := NewCondition(attr, op, values...)
	if err != nil {
		var pe *ParseError
		if errors.As(err, &pe) {
			pe.Offset = valueOffset
		}
		return Condition{}, err
	}
	return c, nil
}
