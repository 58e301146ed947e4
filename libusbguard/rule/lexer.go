package rule

import (
	"strconv"
	"strings"
)

type tokenKind int

const (
	tokWord tokenKind = iota
	tokString
	tokLBrace
	tokRBrace
	tokEOF
)

type token struct {
	kind   tokenKind
	text   string
	offset int
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\v' || c == '\f'
}

// lex splits a rule specification into tokens. A word runs until
// whitespace, a brace or a quote; strings are double quoted and may
// contain \" \\ and \xHH escapes.
func lex(s string) ([]token, error) {
	var toks []token
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case isSpace(c):
			i++
		case c == '{':
			toks = append(toks, token{kind: tokLBrace, text: "{", offset: i})
			i++
		case c == '}':
			toks = append(toks, token{kind: tokRBrace, text: "}", offset: i})
			i++
		case c == '"':
			str, n, err := lexString(s, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokString, text: str, offset: i})
			i += n
		default:
			start := i
			for i < len(s) && !isSpace(s[i]) && s[i] != '{' && s[i] != '}' && s[i] != '"' {
				i++
			}
			toks = append(toks, token{kind: tokWord, text: s[start:i], offset: start})
		}
	}
	return append(toks, token{kind: tokEOF, offset: len(s)}), nil
}

// lexString reads the quoted string starting at s[start] and returns its
// unescaped contents and the number of input bytes consumed.
func lexString(s string, start int) (string, int, error) {
	var b strings.Builder
	for i := start + 1; i < len(s); i++ {
		c := s[i]
		switch c {
		case '"':
			return b.String(), i - start + 1, nil
		case '\\':
			if i+1 >= len(s) {
				return "", 0, parseErrorf(ErrSyntax, i, "dangling escape")
			}
			switch s[i+1] {
			case '"', '\\':
				b.WriteByte(s[i+1])
				i++
			case 'x':
				if i+3 >= len(s) {
					return "", 0, parseErrorf(ErrSyntax, i, "truncated \\x escape")
				}
				v, err := strconv.ParseUint(s[i+2:i+4], 16, 8)
				if err != nil {
					return "", 0, parseErrorf(ErrSyntax, i, "invalid \\x escape %q", s[i:i+4])
				}
				b.WriteByte(byte(v))
				i += 3
			default:
				return "", 0, parseErrorf(ErrSyntax, i, "unknown escape \\%c", s[i+1])
			}
		default:
			b.WriteByte(c)
		}
	}
	return "", 0, parseErrorf(ErrSyntax, start, "unterminated string")
}

// quote is the inverse of lexString.
func quote(s string) string {
	const hex = "0123456789abcdef"
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"' || c == '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		case c < 0x20 || c == 0x7f:
			b.WriteString(`\x`)
			b.WriteByte(hex[c>>4])
			b.WriteByte(hex[c&0xf])
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte('"')
	return b.String()
}
