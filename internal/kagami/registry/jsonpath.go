package registry

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// SyntaxError reports a discovery expression the parser rejected. The
// accepted grammar is the narrow subset documented on Parse; everything
// outside it is a SyntaxError, never a silent empty result.
type SyntaxError struct {
	Expr string
	Pos  int
	Msg  string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("query syntax error at offset %d in %q: %s", e.Pos, e.Expr, e.Msg)
}

type segKind int

const (
	segField    segKind = iota // .name or ['name']
	segWildcard                // .* or [*]
	segIndex                   // [0], [-1]
	segFilter                  // [?(@.field == literal)]
)

type segment struct {
	kind   segKind
	field  string
	index  int
	filter *filterExpr
}

type filterOp int

const (
	opEq filterOp = iota
	opNeq
	opMatch
)

// filterExpr is one predicate: a field path rooted at the candidate element,
// an operator, and a literal (or compiled pattern for =~).
type filterExpr struct {
	path []string
	op   filterOp
	lit  any
	re   *regexp.Regexp
}

// Path is a parsed discovery expression.
type Path struct {
	expr string
	segs []segment
}

// Parse compiles a discovery expression. The grammar is a deliberate subset
// of JSONPath:
//
//	path      = "$" step*
//	step      = "." ident | ".*" | "[" selector "]"
//	selector  = "*" | integer | "'" chars "'" | "?(" predicate ")"
//	predicate = "@" ("." ident)+ ("==" | "!=" | "=~") literal
//	literal   = quoted string | number | true | false | null
//
// Anything else is rejected with *SyntaxError.
func Parse(expr string) (*Path, error) {
	p := &parser{expr: expr}
	segs, err := p.parse()
	if err != nil {
		return nil, err
	}
	return &Path{expr: expr, segs: segs}, nil
}

type parser struct {
	expr string
	pos  int
}

func (p *parser) errf(format string, args ...any) error {
	return &SyntaxError{Expr: p.expr, Pos: p.pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) eof() bool     { return p.pos >= len(p.expr) }
func (p *parser) peek() byte    { return p.expr[p.pos] }
func (p *parser) advance() byte { c := p.expr[p.pos]; p.pos++; return c }
func (p *parser) skipSpaces() {
	for !p.eof() && (p.peek() == ' ' || p.peek() == '\t') {
		p.pos++
	}
}

func isIdentChar(c byte) bool {
	return c == '_' || c == '-' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func (p *parser) ident() (string, error) {
	start := p.pos
	for !p.eof() && isIdentChar(p.peek()) {
		p.pos++
	}
	if p.pos == start {
		return "", p.errf("expected identifier")
	}
	return p.expr[start:p.pos], nil
}

func (p *parser) parse() ([]segment, error) {
	if p.eof() || p.advance() != '$' {
		p.pos = 0
		return nil, p.errf("expression must start with '$'")
	}
	var segs []segment
	for !p.eof() {
		switch p.peek() {
		case '.':
			p.pos++
			if !p.eof() && p.peek() == '*' {
				p.pos++
				segs = append(segs, segment{kind: segWildcard})
				continue
			}
			name, err := p.ident()
			if err != nil {
				return nil, err
			}
			segs = append(segs, segment{kind: segField, field: name})
		case '[':
			p.pos++
			seg, err := p.bracket()
			if err != nil {
				return nil, err
			}
			segs = append(segs, seg)
		default:
			return nil, p.errf("unexpected character %q", p.peek())
		}
	}
	return segs, nil
}

func (p *parser) bracket() (segment, error) {
	p.skipSpaces()
	if p.eof() {
		return segment{}, p.errf("unterminated '['")
	}
	var seg segment
	switch c := p.peek(); {
	case c == '*':
		p.pos++
		seg = segment{kind: segWildcard}
	case c == '\'' || c == '"':
		key, err := p.quoted()
		if err != nil {
			return segment{}, err
		}
		seg = segment{kind: segField, field: key}
	case c == '?':
		p.pos++
		if p.eof() || p.advance() != '(' {
			return segment{}, p.errf("expected '(' after '?'")
		}
		f, err := p.predicate()
		if err != nil {
			return segment{}, err
		}
		p.skipSpaces()
		if p.eof() || p.advance() != ')' {
			return segment{}, p.errf("unterminated predicate")
		}
		seg = segment{kind: segFilter, filter: f}
	case c == '-' || (c >= '0' && c <= '9'):
		start := p.pos
		p.pos++
		for !p.eof() && p.peek() >= '0' && p.peek() <= '9' {
			p.pos++
		}
		n, err := strconv.Atoi(p.expr[start:p.pos])
		if err != nil {
			return segment{}, p.errf("bad index %q", p.expr[start:p.pos])
		}
		seg = segment{kind: segIndex, index: n}
	default:
		return segment{}, p.errf("unexpected character %q in brackets", c)
	}
	p.skipSpaces()
	if p.eof() || p.advance() != ']' {
		return segment{}, p.errf("expected ']'")
	}
	return seg, nil
}

func (p *parser) quoted() (string, error) {
	quote := p.advance()
	start := p.pos
	for !p.eof() && p.peek() != quote {
		p.pos++
	}
	if p.eof() {
		return "", p.errf("unterminated string")
	}
	s := p.expr[start:p.pos]
	p.pos++ // closing quote
	return s, nil
}

func (p *parser) predicate() (*filterExpr, error) {
	p.skipSpaces()
	if p.eof() || p.advance() != '@' {
		return nil, p.errf("predicate must start with '@'")
	}
	var fields []string
	for !p.eof() && p.peek() == '.' {
		p.pos++
		name, err := p.ident()
		if err != nil {
			return nil, err
		}
		fields = append(fields, name)
	}
	if len(fields) == 0 {
		return nil, p.errf("expected '.field' after '@'")
	}

	p.skipSpaces()
	var op filterOp
	switch {
	case strings.HasPrefix(p.expr[p.pos:], "=="):
		op, p.pos = opEq, p.pos+2
	case strings.HasPrefix(p.expr[p.pos:], "!="):
		op, p.pos = opNeq, p.pos+2
	case strings.HasPrefix(p.expr[p.pos:], "=~"):
		op, p.pos = opMatch, p.pos+2
	default:
		return nil, p.errf("expected '==', '!=' or '=~'")
	}

	p.skipSpaces()
	lit, err := p.literal()
	if err != nil {
		return nil, err
	}

	f := &filterExpr{path: fields, op: op, lit: lit}
	if op == opMatch {
		pat, ok := lit.(string)
		if !ok {
			return nil, p.errf("'=~' requires a string pattern")
		}
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, p.errf("bad pattern: %v", err)
		}
		f.re = re
	}
	return f, nil
}

func (p *parser) literal() (any, error) {
	if p.eof() {
		return nil, p.errf("expected literal")
	}
	switch c := p.peek(); {
	case c == '\'' || c == '"':
		return p.quoted()
	case c == '-' || (c >= '0' && c <= '9'):
		start := p.pos
		p.pos++
		for !p.eof() && (p.peek() == '.' || (p.peek() >= '0' && p.peek() <= '9')) {
			p.pos++
		}
		n, err := strconv.ParseFloat(p.expr[start:p.pos], 64)
		if err != nil {
			return nil, p.errf("bad number %q", p.expr[start:p.pos])
		}
		return n, nil
	default:
		for _, kw := range []struct {
			word string
			val  any
		}{{"true", true}, {"false", false}, {"null", nil}} {
			if strings.HasPrefix(p.expr[p.pos:], kw.word) {
				p.pos += len(kw.word)
				return kw.val, nil
			}
		}
		return nil, p.errf("expected literal")
	}
}

// Eval applies the path to a generic JSON tree (maps, slices, scalars) and
// returns every matching node in document order. No match is an empty slice,
// not an error.
func (pt *Path) Eval(root any) []any {
	cur := []any{root}
	for _, seg := range pt.segs {
		var next []any
		for _, node := range cur {
			next = seg.apply(node, next)
		}
		cur = next
	}
	return cur
}

func (s segment) apply(node any, out []any) []any {
	switch s.kind {
	case segField:
		if m, ok := node.(map[string]any); ok {
			if v, ok := m[s.field]; ok {
				out = append(out, v)
			}
		}
	case segWildcard:
		switch v := node.(type) {
		case map[string]any:
			keys := make([]string, 0, len(v))
			for k := range v {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				out = append(out, v[k])
			}
		case []any:
			out = append(out, v...)
		}
	case segIndex:
		if arr, ok := node.([]any); ok {
			i := s.index
			if i < 0 {
				i += len(arr)
			}
			if i >= 0 && i < len(arr) {
				out = append(out, arr[i])
			}
		}
	case segFilter:
		if arr, ok := node.([]any); ok {
			for _, el := range arr {
				if s.filter.match(el) {
					out = append(out, el)
				}
			}
		}
	}
	return out
}

func (f *filterExpr) match(node any) bool {
	v := node
	for _, field := range f.path {
		m, ok := v.(map[string]any)
		if !ok {
			return false
		}
		if v, ok = m[field]; !ok {
			return false
		}
	}
	switch f.op {
	case opEq:
		return literalEqual(v, f.lit)
	case opNeq:
		return !literalEqual(v, f.lit)
	case opMatch:
		s, ok := v.(string)
		return ok && f.re.MatchString(s)
	}
	return false
}

func literalEqual(a, b any) bool {
	if af, ok := a.(float64); ok {
		bf, ok := b.(float64)
		return ok && af == bf
	}
	return a == b
}
