package prompt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// expr is one compiled expression node
type expr interface {
	eval(ctx map[string]any) (any, error)
}

// missingError marks a variable the context does not provide; the default
// filter recovers from it, everything else surfaces it.
type missingError struct {
	path string
}

func (e *missingError) Error() string {
	return fmt.Sprintf("undefined variable %q", e.path)
}

type varExpr struct {
	path []string
}

func (v *varExpr) eval(ctx map[string]any) (any, error) {
	var current any = ctx
	for i, part := range v.path {
		switch c := current.(type) {
		case map[string]any:
			next, ok := c[part]
			if !ok {
				return nil, &missingError{path: strings.Join(v.path[:i+1], ".")}
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(c) {
				return nil, &missingError{path: strings.Join(v.path[:i+1], ".")}
			}
			current = c[idx]
		default:
			return nil, &missingError{path: strings.Join(v.path[:i+1], ".")}
		}
	}
	return current, nil
}

type literalExpr struct {
	value any
}

func (l *literalExpr) eval(map[string]any) (any, error) {
	return l.value, nil
}

type binaryExpr struct {
	op          byte
	left, right expr
}

func (b *binaryExpr) eval(ctx map[string]any) (any, error) {
	lv, err := b.left.eval(ctx)
	if err != nil {
		return nil, err
	}
	rv, err := b.right.eval(ctx)
	if err != nil {
		return nil, err
	}
	lf, lok := asNumber(lv)
	rf, rok := asNumber(rv)
	if !lok || !rok {
		return nil, fmt.Errorf("arithmetic %q requires numbers, got %T and %T", string(b.op), lv, rv)
	}
	switch b.op {
	case '+':
		return lf + rf, nil
	case '-':
		return lf - rf, nil
	case '*':
		return lf * rf, nil
	case '/':
		if rf == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return lf / rf, nil
	}
	return nil, fmt.Errorf("unknown arithmetic operator %q", string(b.op))
}

type negExpr struct {
	operand expr
}

func (n *negExpr) eval(ctx map[string]any) (any, error) {
	v, err := n.operand.eval(ctx)
	if err != nil {
		return nil, err
	}
	f, ok := asNumber(v)
	if !ok {
		return nil, fmt.Errorf("negation requires a number, got %T", v)
	}
	return -f, nil
}

type filterExpr struct {
	source expr
	name   string
	arg    expr
}

func (f *filterExpr) eval(ctx map[string]any) (any, error) {
	switch f.name {
	case "tojson":
		v, err := f.source.eval(ctx)
		if err != nil {
			return nil, err
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("tojson: %w", err)
		}
		return string(b), nil
	case "default":
		v, err := f.source.eval(ctx)
		var missing *missingError
		if errors.As(err, &missing) || (err == nil && v == nil) {
			return f.arg.eval(ctx)
		}
		if err != nil {
			return nil, err
		}
		return v, nil
	}
	return nil, fmt.Errorf("unknown filter %q", f.name)
}

// parser is a single-expression recursive-descent parser
type parser struct {
	src string
	pos int
}

// parseExpression compiles one interpolation body:
//
//	pipeline := sum ('|' filter)*
//	filter   := IDENT ['(' pipeline ')']
//	sum      := product (('+'|'-') product)*
//	product  := unary (('*'|'/') unary)*
//	unary    := ['-'] primary
//	primary  := NUMBER | STRING | path | '(' pipeline ')'
//	path     := IDENT ('.' (IDENT | NUMBER))*
func parseExpression(src string) (expr, error) {
	p := &parser{src: src}
	e, err := p.parsePipeline()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos < len(p.src) {
		return nil, fmt.Errorf("unexpected %q", p.src[p.pos:])
	}
	return e, nil
}

func (p *parser) parsePipeline() (expr, error) {
	e, err := p.parseSum()
	if err != nil {
		return nil, err
	}
	for p.consume('|') {
		name, err := p.parseIdent()
		if err != nil {
			return nil, fmt.Errorf("filter name: %w", err)
		}
		if name != "tojson" && name != "default" {
			return nil, fmt.Errorf("unknown filter %q", name)
		}
		f := &filterExpr{source: e, name: name}
		if p.consume('(') {
			arg, err := p.parsePipeline()
			if err != nil {
				return nil, err
			}
			if !p.consume(')') {
				return nil, fmt.Errorf("missing ) after %s argument", name)
			}
			f.arg = arg
		}
		if name == "default" && f.arg == nil {
			return nil, fmt.Errorf("default filter requires an argument")
		}
		e = f
	}
	return e, nil
}

func (p *parser) parseSum() (expr, error) {
	left, err := p.parseProduct()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.peekOperator('+', '-')
		if !ok {
			return left, nil
		}
		p.pos++
		right, err := p.parseProduct()
		if err != nil {
			return nil, err
		}
		left = &binaryExpr{op: op, left: left, right: right}
	}
}

func (p *parser) parseProduct() (expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.peekOperator('*', '/')
		if !ok {
			return left, nil
		}
		p.pos++
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &binaryExpr{op: op, left: left, right: right}
	}
}

func (p *parser) parseUnary() (expr, error) {
	if p.consume('-') {
		operand, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		return &negExpr{operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (expr, error) {
	p.skipSpace()
	if p.pos >= len(p.src) {
		return nil, fmt.Errorf("unexpected end of expression")
	}
	c := p.src[p.pos]
	switch {
	case c == '(':
		p.pos++
		e, err := p.parsePipeline()
		if err != nil {
			return nil, err
		}
		if !p.consume(')') {
			return nil, fmt.Errorf("missing closing )")
		}
		return e, nil
	case c == '"' || c == '\'':
		return p.parseString(c)
	case c >= '0' && c <= '9':
		return p.parseNumber()
	case isIdentStart(rune(c)):
		return p.parsePath()
	}
	return nil, fmt.Errorf("unexpected character %q", string(c))
}

func (p *parser) parsePath() (expr, error) {
	first, err := p.parseIdent()
	if err != nil {
		return nil, err
	}
	path := []string{first}
	for p.pos < len(p.src) && p.src[p.pos] == '.' {
		p.pos++
		if p.pos < len(p.src) && p.src[p.pos] >= '0' && p.src[p.pos] <= '9' {
			start := p.pos
			for p.pos < len(p.src) && p.src[p.pos] >= '0' && p.src[p.pos] <= '9' {
				p.pos++
			}
			path = append(path, p.src[start:p.pos])
			continue
		}
		part, err := p.parseIdent()
		if err != nil {
			return nil, fmt.Errorf("path segment after %q: %w", strings.Join(path, "."), err)
		}
		path = append(path, part)
	}
	return &varExpr{path: path}, nil
}

func (p *parser) parseIdent() (string, error) {
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.src) && isIdentPart(rune(p.src[p.pos])) {
		p.pos++
	}
	if p.pos == start {
		return "", fmt.Errorf("expected identifier")
	}
	return p.src[start:p.pos], nil
}

func (p *parser) parseNumber() (expr, error) {
	start := p.pos
	seenDot := false
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if c == '.' {
			// A second dot ends the number (e.g. array index paths never
			// reach here; this is 1.5 style literals only).
			if seenDot {
				break
			}
			seenDot = true
			p.pos++
			continue
		}
		if c < '0' || c > '9' {
			break
		}
		p.pos++
	}
	f, err := strconv.ParseFloat(p.src[start:p.pos], 64)
	if err != nil {
		return nil, fmt.Errorf("invalid number %q", p.src[start:p.pos])
	}
	return &literalExpr{value: f}, nil
}

func (p *parser) parseString(quote byte) (expr, error) {
	p.pos++ // opening quote
	var b strings.Builder
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if c == '\\' && p.pos+1 < len(p.src) {
			p.pos++
			b.WriteByte(p.src[p.pos])
			p.pos++
			continue
		}
		if c == quote {
			p.pos++
			return &literalExpr{value: b.String()}, nil
		}
		b.WriteByte(c)
		p.pos++
	}
	return nil, fmt.Errorf("unterminated string literal")
}

func (p *parser) skipSpace() {
	for p.pos < len(p.src) && (p.src[p.pos] == ' ' || p.src[p.pos] == '\t') {
		p.pos++
	}
}

func (p *parser) consume(c byte) bool {
	p.skipSpace()
	if p.pos < len(p.src) && p.src[p.pos] == c {
		p.pos++
		return true
	}
	return false
}

func (p *parser) peekOperator(ops ...byte) (byte, bool) {
	p.skipSpace()
	if p.pos >= len(p.src) {
		return 0, false
	}
	for _, op := range ops {
		if p.src[p.pos] == op {
			return op, true
		}
	}
	return 0, false
}

func isIdentStart(r rune) bool {
	return unicode.IsLetter(r) || r == '_'
}

func isIdentPart(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
