package rule

import (
	"errors"
	"fmt"
)

var (
	// ErrParse is matched by every error returned by Parse and ParseQuery.
	ErrParse = errors.New("parse error")

	ErrSyntax             = fmt.Errorf("%w: syntax error", ErrParse)
	ErrMissingTarget      = fmt.Errorf("%w: missing target", ErrParse)
	ErrUnknownAttribute   = fmt.Errorf("%w: unknown attribute", ErrParse)
	ErrDuplicateAttribute = fmt.Errorf("%w: duplicate attribute", ErrParse)
	ErrTypeMismatch       = fmt.Errorf("%w: operator not valid for attribute", ErrParse)
	ErrBadRegexp          = fmt.Errorf("%w: invalid regular expression", ErrParse)
)

// ParseError describes a malformed rule or query. Offset is the byte
// offset into the input at which the problem was detected.
type ParseError struct {
	Offset int
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%v at offset %d: %s", e.Err, e.Offset, e.Reason)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func parseErrorf(kind error, offset int, format string, args ...any) *ParseError {
	return &ParseError{Offset: offset, Reason: fmt.Sprintf(format, args...), Err: kind}
}
