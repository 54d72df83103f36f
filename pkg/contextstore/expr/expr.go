// Package expr implements the handoff condition language:
//
//	expr := term (('&&'|'||') term)*
//	term := atom (('=='|'!='|'>'|'<'|'>='|'<=') atom)?
//	atom := IDENT | STRING | NUMBER | BOOL | '(' expr ')'
//
// Conditions are evaluated after textual substitution: every ${name} in
// the template is replaced by the variable's string form (unresolved
// names yield the empty string), and the resulting text is parsed and
// evaluated. Bare identifiers evaluate to their own text as strings, so
// `${phase} == done` compares the substituted value against "done".
// Logical operators accept the word forms `and`/`or`.
//
// The language has no side effects. Callers treat any parse or type
// error as false.
package expr

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// refPattern matches ${name} references in condition templates.
var refPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Referenced returns the distinct variable names a template references,
// in first-appearance order.
func Referenced(template string) []string {
	seen := make(map[string]bool)
	var names []string
	for _, m := range refPattern.FindAllStringSubmatch(template, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}

// Substitute replaces every ${name} with lookup's result. Unresolved
// names substitute to the empty string.
func Substitute(template string, lookup func(name string) (string, bool)) string {
	return refPattern.ReplaceAllStringFunc(template, func(ref string) string {
		name := ref[2 : len(ref)-1]
		if v, ok := lookup(name); ok {
			return v
		}
		return ""
	})
}

// Eval parses and evaluates a fully substituted expression. The result
// must be boolean; anything else is an error.
func Eval(src string) (bool, error) {
	n, err := Parse(src)
	if err != nil {
		return false, err
	}
	v, err := n.eval()
	if err != nil {
		return false, err
	}
	if v.kind != kindBool {
		return false, fmt.Errorf("expression result is %s, not boolean", v.kind)
	}
	return v.b, nil
}

// Check reports whether src is grammatically valid, without evaluating.
// Used by the manifest validator, which substitutes placeholder
// identifiers for ${refs} before calling.
func Check(src string) error {
	_, err := Parse(src)
	return err
}

// Node is a parsed expression.
type Node interface {
	eval() (value, error)
}

// Parse tokenizes and parses src into an evaluable tree.
func Parse(src string) (Node, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	n, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if !p.atEnd() {
		return nil, fmt.Errorf("unexpected %q after expression", p.peek().text)
	}
	return n, nil
}

type valueKind int

const (
	kindString valueKind = iota
	kindNumber
	kindBool
)

func (k valueKind) String() string {
	switch k {
	case kindString:
		return "string"
	case kindNumber:
		return "number"
	case kindBool:
		return "boolean"
	}
	return "unknown"
}

type value struct {
	kind valueKind
	s    string
	n    float64
	b    bool
}

// text returns the value's string form, used for cross-type equality.
func (v value) text() string {
	switch v.kind {
	case kindNumber:
		return strconv.FormatFloat(v.n, 'f', -1, 64)
	case kindBool:
		return strconv.FormatBool(v.b)
	default:
		return v.s
	}
}

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokString
	tokNumber
	tokAnd
	tokOr
	tokCompare // ==, !=, >, <, >=, <=
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "("})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")"})
			i++
		case c == '&' || c == '|':
			if i+1 >= len(src) || src[i+1] != c {
				return nil, fmt.Errorf("invalid operator %q at offset %d", string(c), i)
			}
			if c == '&' {
				toks = append(toks, token{tokAnd, "&&"})
			} else {
				toks = append(toks, token{tokOr, "||"})
			}
			i += 2
		case c == '=' || c == '!':
			if i+1 >= len(src) || src[i+1] != '=' {
				return nil, fmt.Errorf("invalid operator %q at offset %d", string(c), i)
			}
			toks = append(toks, token{tokCompare, src[i : i+2]})
			i += 2
		case c == '>' || c == '<':
			if i+1 < len(src) && src[i+1] == '=' {
				toks = append(toks, token{tokCompare, src[i : i+2]})
				i += 2
			} else {
				toks = append(toks, token{tokCompare, string(c)})
				i++
			}
		case c == '"' || c == '\'':
			quote := c
			j := i + 1
			var sb strings.Builder
			for j < len(src) && src[j] != quote {
				if src[j] == '\\' && j+1 < len(src) {
					j++
				}
				sb.WriteByte(src[j])
				j++
			}
			if j >= len(src) {
				return nil, fmt.Errorf("unterminated string at offset %d", i)
			}
			toks = append(toks, token{tokString, sb.String()})
			i = j + 1
		case c >= '0' && c <= '9' || (c == '-' && i+1 < len(src) && src[i+1] >= '0' && src[i+1] <= '9'):
			j := i + 1
			for j < len(src) && (src[j] >= '0' && src[j] <= '9' || src[j] == '.') {
				j++
			}
			toks = append(toks, token{tokNumber, src[i:j]})
			i = j
		case isIdentStart(c):
			j := i + 1
			for j < len(src) && isIdentPart(src[j]) {
				j++
			}
			word := src[i:j]
			switch word {
			case "and":
				toks = append(toks, token{tokAnd, word})
			case "or":
				toks = append(toks, token{tokOr, word})
			default:
				toks = append(toks, token{tokIdent, word})
			}
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q at offset %d", string(c), i)
		}
	}
	if len(toks) == 0 {
		return nil, fmt.Errorf("empty expression")
	}
	return toks, nil
}

func isIdentStart(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9'
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) atEnd() bool    { return p.pos >= len(p.toks) }
func (p *parser) peek() token    { return p.toks[p.pos] }
func (p *parser) advance() token { t := p.toks[p.pos]; p.pos++; return t }

// parseExpr handles the logical level. Per the grammar, && and || share
// one precedence level and associate left.
func (p *parser) parseExpr() (Node, error) {
	lhs, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for !p.atEnd() && (p.peek().kind == tokAnd || p.peek().kind == tokOr) {
		op := p.advance()
		rhs, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		lhs = &logicalNode{op: op.kind, lhs: lhs, rhs: rhs}
	}
	return lhs, nil
}

func (p *parser) parseTerm() (Node, error) {
	lhs, err := p.parseAtom()
	if err != nil {
		return nil, err
	}
	if !p.atEnd() && p.peek().kind == tokCompare {
		op := p.advance()
		rhs, err := p.parseAtom()
		if err != nil {
			return nil, err
		}
		return &compareNode{op: op.text, lhs: lhs, rhs: rhs}, nil
	}
	return lhs, nil
}

func (p *parser) parseAtom() (Node, error) {
	if p.atEnd() {
		return nil, fmt.Errorf("unexpected end of expression")
	}
	t := p.advance()
	switch t.kind {
	case tokLParen:
		n, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if p.atEnd() || p.peek().kind != tokRParen {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		p.advance()
		return n, nil
	case tokString:
		return &literalNode{v: value{kind: kindString, s: t.text}}, nil
	case tokNumber:
		n, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", t.text)
		}
		return &literalNode{v: value{kind: kindNumber, n: n}}, nil
	case tokIdent:
		switch t.text {
		case "true", "True":
			return &literalNode{v: value{kind: kindBool, b: true}}, nil
		case "false", "False":
			return &literalNode{v: value{kind: kindBool, b: false}}, nil
		}
		// Bare identifiers are strings; substitution has already happened.
		return &literalNode{v: value{kind: kindString, s: t.text}}, nil
	default:
		return nil, fmt.Errorf("unexpected %q", t.text)
	}
}

type literalNode struct {
	v value
}

func (n *literalNode) eval() (value, error) { return n.v, nil }

type logicalNode struct {
	op  tokenKind
	lhs Node
	rhs Node
}

func (n *logicalNode) eval() (value, error) {
	l, err := n.lhs.eval()
	if err != nil {
		return value{}, err
	}
	if l.kind != kindBool {
		return value{}, fmt.Errorf("logical operand is %s, not boolean", l.kind)
	}
	// Short-circuit.
	if n.op == tokAnd && !l.b {
		return value{kind: kindBool, b: false}, nil
	}
	if n.op == tokOr && l.b {
		return value{kind: kindBool, b: true}, nil
	}
	r, err := n.rhs.eval()
	if err != nil {
		return value{}, err
	}
	if r.kind != kindBool {
		return value{}, fmt.Errorf("logical operand is %s, not boolean", r.kind)
	}
	return value{kind: kindBool, b: r.b}, nil
}

type compareNode struct {
	op  string
	lhs Node
	rhs Node
}

func (n *compareNode) eval() (value, error) {
	l, err := n.lhs.eval()
	if err != nil {
		return value{}, err
	}
	r, err := n.rhs.eval()
	if err != nil {
		return value{}, err
	}
	switch n.op {
	case "==":
		return value{kind: kindBool, b: equal(l, r)}, nil
	case "!=":
		return value{kind: kindBool, b: !equal(l, r)}, nil
	}
	// Ordering: numeric when both sides are numbers, lexicographic on
	// string forms otherwise. Booleans do not order.
	if l.kind == kindBool || r.kind == kindBool {
		return value{}, fmt.Errorf("booleans cannot be ordered with %q", n.op)
	}
	var cmp int
	if l.kind == kindNumber && r.kind == kindNumber {
		switch {
		case l.n < r.n:
			cmp = -1
		case l.n > r.n:
			cmp = 1
		}
	} else {
		cmp = strings.Compare(l.text(), r.text())
	}
	var b bool
	switch n.op {
	case ">":
		b = cmp > 0
	case "<":
		b = cmp < 0
	case ">=":
		b = cmp >= 0
	case "<=":
		b = cmp <= 0
	default:
		return value{}, fmt.Errorf("unknown comparison %q", n.op)
	}
	return value{kind: kindBool, b: b}, nil
}

// equal compares same-kind values directly and different kinds by string
// form, so `${count} == 5` holds whether the store held "5" or 5.
func equal(l, r value) bool {
	if l.kind == r.kind {
		switch l.kind {
		case kindNumber:
			return l.n == r.n
		case kindBool:
			return l.b == r.b
		default:
			return l.s == r.s
		}
	}
	return l.text() == r.text()
}
