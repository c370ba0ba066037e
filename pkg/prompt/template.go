// Package prompt implements the restricted template language used for agent
// prompts and idempotency keys. Templates interleave literal text with
// {{ expression }} interpolations; expressions support dotted-path variable
// lookup, string and number literals, arithmetic, and the tojson and default
// filters. There are no loops, no conditionals, and no user code.
package prompt

import (
	"fmt"
	"strings"
	"time"
)

// ParseError reports a template that failed to compile
type ParseError struct {
	Template string
	Pos      int
	Err      error
}

// Error returns formatted error message
func (e *ParseError) Error() string {
	return fmt.Sprintf("template parse error at offset %d: %v", e.Pos, e.Err)
}

// Unwrap returns the underlying error
func (e *ParseError) Unwrap() error {
	return e.Err
}

// RenderError reports a template that compiled but failed against a context
type RenderError struct {
	Err error
}

// Error returns formatted error message
func (e *RenderError) Error() string {
	return fmt.Sprintf("template render error: %v", e.Err)
}

// Unwrap returns the underlying error
func (e *RenderError) Unwrap() error {
	return e.Err
}

// Template is a compiled prompt template, safe for concurrent Render calls
type Template struct {
	src   string
	nodes []segment
}

// segment is either literal text or a compiled interpolation
type segment struct {
	text string
	expr expr
}

// Parse compiles a template string. Interpolations open with {{ and close
// with }}; an unterminated interpolation is a parse error.
func Parse(src string) (*Template, error) {
	t := &Template{src: src}
	rest := src
	offset := 0
	for {
		open := strings.Index(rest, "{{")
		if open < 0 {
			if rest != "" {
				t.nodes = append(t.nodes, segment{text: rest})
			}
			return t, nil
		}
		if open > 0 {
			t.nodes = append(t.nodes, segment{text: rest[:open]})
		}
		body := rest[open+2:]
		closing := strings.Index(body, "}}")
		if closing < 0 {
			return nil, &ParseError{Template: src, Pos: offset + open, Err: fmt.Errorf("unterminated {{ interpolation")}
		}
		e, err := parseExpression(body[:closing])
		if err != nil {
			return nil, &ParseError{Template: src, Pos: offset + open, Err: err}
		}
		t.nodes = append(t.nodes, segment{expr: e})
		advance := open + 2 + closing + 2
		offset += advance
		rest = rest[advance:]
	}
}

// Render evaluates the template against a context. A variable that is
// missing and has no default is a render error.
func (t *Template) Render(ctx map[string]any) (string, error) {
	var b strings.Builder
	for _, seg := range t.nodes {
		if seg.expr == nil {
			b.WriteString(seg.text)
			continue
		}
		value, err := seg.expr.eval(ctx)
		if err != nil {
			return "", &RenderError{Err: err}
		}
		s, err := stringify(value)
		if err != nil {
			return "", &RenderError{Err: err}
		}
		b.WriteString(s)
	}
	return b.String(), nil
}

// Source returns the original template text
func (t *Template) Source() string {
	return t.src
}

// stringify renders a leaf value. Composite values must go through tojson.
func stringify(v any) (string, error) {
	switch value := v.(type) {
	case string:
		return value, nil
	case bool:
		if value {
			return "true", nil
		}
		return "false", nil
	case time.Time:
		return value.UTC().Format(time.RFC3339), nil
	case nil:
		return "", fmt.Errorf("cannot render null value")
	case map[string]any, []any:
		return "", fmt.Errorf("cannot render %T directly, use |tojson", v)
	default:
		if f, ok := asNumber(v); ok {
			return formatNumber(f), nil
		}
		return fmt.Sprintf("%v", v), nil
	}
}
