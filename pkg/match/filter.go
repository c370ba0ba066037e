// Package match implements the restricted filter expression language agents
// use to select change events. A filter is a query-style document compiled
// into a small operator tree; evaluation is deterministic and executes no
// user code.
package match

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Supported comparison operators. Logical composition uses $and, $or, $not.
const (
	opEq     = "$eq"
	opNe     = "$ne"
	opIn     = "$in"
	opNin    = "$nin"
	opGt     = "$gt"
	opGte    = "$gte"
	opLt     = "$lt"
	opLte    = "$lte"
	opExists = "$exists"
	opRegex  = "$regex"
)

var (
	// ErrEmptyPath indicates a filter keyed an empty field name
	ErrEmptyPath = errors.New("filter field name is empty")

	// ErrUnknownOperator indicates an operator outside the supported set
	ErrUnknownOperator = errors.New("unsupported filter operator")
)

// Filter is a compiled filter expression. The zero value matches nothing;
// use Parse. A nil *Filter matches every document.
type Filter struct {
	root   node
	idOnly bool
}

// node is one vertex of the operator tree
type node interface {
	eval(doc map[string]any) (bool, error)
	paths(collect func(string))
}

// Parse compiles a filter document. Bare {field: value} pairs mean $eq;
// multiple keys at one level are an implicit $and.
func Parse(raw map[string]any) (*Filter, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	root, err := parseClauses(raw)
	if err != nil {
		return nil, err
	}
	f := &Filter{root: root, idOnly: true}
	root.paths(func(p string) {
		if p != "_id" {
			f.idOnly = false
		}
	})
	return f, nil
}

// Matches evaluates the filter against a document. Evaluation errors come
// from ordered comparisons against unorderable values and are distinct from
// a simple non-match.
func (f *Filter) Matches(doc map[string]any) (bool, error) {
	if f == nil {
		return true, nil
	}
	return f.root.eval(doc)
}

// ReferencesOnlyID reports whether every field path in the filter is _id.
// Delete events carry no post-image, so only such filters may match them. A
// nil filter constrains nothing and is trivially decidable.
func (f *Filter) ReferencesOnlyID() bool {
	if f == nil {
		return true
	}
	return f.idOnly
}

func parseClauses(raw map[string]any) (node, error) {
	clauses := make([]node, 0, len(raw))
	for key, value := range raw {
		n, err := parseClause(key, value)
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, n)
	}
	if len(clauses) == 1 {
		return clauses[0], nil
	}
	return &andNode{children: clauses}, nil
}

func parseClause(key string, value any) (node, error) {
	switch key {
	case "$and", "$or":
		items, ok := value.([]any)
		if !ok || len(items) == 0 {
			return nil, fmt.Errorf("%s requires a non-empty array", key)
		}
		children := make([]node, 0, len(items))
		for i, item := range items {
			sub, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%s[%d] is not a filter document", key, i)
			}
			n, err := parseClauses(sub)
			if err != nil {
				return nil, err
			}
			children = append(children, n)
		}
		if key == "$and" {
			return &andNode{children: children}, nil
		}
		return &orNode{children: children}, nil

	case "$not":
		sub, ok := value.(map[string]any)
		if !ok || len(sub) == 0 {
			return nil, fmt.Errorf("$not requires a filter document")
		}
		inner, err := parseClauses(sub)
		if err != nil {
			return nil, err
		}
		return &notNode{child: inner}, nil
	}

	if strings.HasPrefix(key, "$") {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperator, key)
	}
	if key == "" {
		return nil, ErrEmptyPath
	}
	return parseFieldClause(key, value)
}

func parseFieldClause(path string, value any) (node, error) {
	ops, ok := value.(map[string]any)
	if !ok || !hasOperatorKey(ops) {
		// Bare value is shorthand for $eq.
		return &cmpNode{path: path, op: opEq, operand: value}, nil
	}

	children := make([]node, 0, len(ops))
	var pattern string
	var hasRegex, caseInsensitive bool
	for op, operand := range ops {
		switch op {
		case opEq, opNe, opGt, opGte, opLt, opLte:
			children = append(children, &cmpNode{path: path, op: op, operand: operand})
		case opIn, opNin:
			list, ok := operand.([]any)
			if !ok {
				return nil, fmt.Errorf("%s on %q requires an array operand", op, path)
			}
			children = append(children, &membershipNode{path: path, values: list, negate: op == opNin})
		case opExists:
			want, ok := operand.(bool)
			if !ok {
				return nil, fmt.Errorf("$exists on %q requires a boolean operand", path)
			}
			children = append(children, &existsNode{path: path, want: want})
		case opRegex:
			s, ok := operand.(string)
			if !ok {
				return nil, fmt.Errorf("$regex on %q requires a string pattern", path)
			}
			pattern = s
			hasRegex = true
		case "$options":
			s, _ := operand.(string)
			caseInsensitive = strings.Contains(s, "i")
		default:
			return nil, fmt.Errorf("%w: %s on %q", ErrUnknownOperator, op, path)
		}
	}
	if hasRegex {
		if caseInsensitive {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("$regex on %q: %w", path, err)
		}
		children = append(children, &regexNode{path: path, re: re})
	}
	if len(children) == 0 {
		return nil, fmt.Errorf("field %q has no usable operators", path)
	}
	if len(children) == 1 {
		return children[0], nil
	}
	return &andNode{children: children}, nil
}

// hasOperatorKey reports whether a map is an operator document rather than a
// literal value for $eq comparison.
func hasOperatorKey(m map[string]any) bool {
	for k := range m {
		if strings.HasPrefix(k, "$") {
			return true
		}
	}
	return false
}
