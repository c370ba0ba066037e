package match

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

type andNode struct {
	children []node
}

func (n *andNode) eval(doc map[string]any) (bool, error) {
	for _, c := range n.children {
		ok, err := c.eval(doc)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (n *andNode) paths(collect func(string)) {
	for _, c := range n.children {
		c.paths(collect)
	}
}

type orNode struct {
	children []node
}

func (n *orNode) eval(doc map[string]any) (bool, error) {
	for _, c := range n.children {
		ok, err := c.eval(doc)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (n *orNode) paths(collect func(string)) {
	for _, c := range n.children {
		c.paths(collect)
	}
}

type notNode struct {
	child node
}

func (n *notNode) eval(doc map[string]any) (bool, error) {
	ok, err := n.child.eval(doc)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

func (n *notNode) paths(collect func(string)) {
	n.child.paths(collect)
}

type cmpNode struct {
	path    string
	op      string
	operand any
}

func (n *cmpNode) eval(doc map[string]any) (bool, error) {
	value, found := LookupPath(doc, n.path)
	switch n.op {
	case opEq:
		return found && equal(value, n.operand), nil
	case opNe:
		return !found || !equal(value, n.operand), nil
	}
	if !found {
		return false, nil
	}
	cmp, ok := order(value, n.operand)
	if !ok {
		return false, fmt.Errorf("cannot order %T against %T at %q", value, n.operand, n.path)
	}
	switch n.op {
	case opGt:
		return cmp > 0, nil
	case opGte:
		return cmp >= 0, nil
	case opLt:
		return cmp < 0, nil
	case opLte:
		return cmp <= 0, nil
	}
	return false, fmt.Errorf("%w: %s", ErrUnknownOperator, n.op)
}

func (n *cmpNode) paths(collect func(string)) { collect(rootField(n.path)) }

type membershipNode struct {
	path   string
	values []any
	negate bool
}

func (n *membershipNode) eval(doc map[string]any) (bool, error) {
	value, found := LookupPath(doc, n.path)
	member := false
	if found {
		for _, candidate := range n.values {
			if equal(value, candidate) {
				member = true
				break
			}
		}
	}
	if n.negate {
		return !member, nil
	}
	return member, nil
}

func (n *membershipNode) paths(collect func(string)) { collect(rootField(n.path)) }

type existsNode struct {
	path string
	want bool
}

func (n *existsNode) eval(doc map[string]any) (bool, error) {
	_, found := LookupPath(doc, n.path)
	return found == n.want, nil
}

func (n *existsNode) paths(collect func(string)) { collect(rootField(n.path)) }

type regexNode struct {
	path string
	re   *regexp.Regexp
}

func (n *regexNode) eval(doc map[string]any) (bool, error) {
	value, found := LookupPath(doc, n.path)
	if !found {
		return false, nil
	}
	s, ok := value.(string)
	if !ok {
		return false, nil
	}
	return n.re.MatchString(s), nil
}

func (n *regexNode) paths(collect func(string)) { collect(rootField(n.path)) }

// LookupPath resolves a dotted path against a document. Path segments
// descend maps by key and arrays by numeric index.
func LookupPath(doc map[string]any, path string) (any, bool) {
	var current any = doc
	for _, part := range strings.Split(path, ".") {
		switch v := current.(type) {
		case map[string]any:
			next, ok := v[part]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			current = v[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

func rootField(path string) string {
	if i := strings.IndexByte(path, '.'); i >= 0 {
		return path[:i]
	}
	return path
}

// equal compares two values with numeric coercion across integer and float
// widths. Non-numeric values compare via ==, with a reflect-free fallback
// for slices (never equal) to avoid panics on uncomparable types.
func equal(a, b any) bool {
	if na, aok := toFloat(a); aok {
		nb, bok := toFloat(b)
		return bok && na == nb
	}
	switch a.(type) {
	case []any, map[string]any:
		return false
	}
	switch b.(type) {
	case []any, map[string]any:
		return false
	}
	return a == b
}

// order returns -1/0/1 for orderable pairs (numbers with coercion, strings,
// booleans) and ok=false otherwise.
func order(a, b any) (int, bool) {
	if na, aok := toFloat(a); aok {
		nb, bok := toFloat(b)
		if !bok {
			return 0, false
		}
		switch {
		case na < nb:
			return -1, true
		case na > nb:
			return 1, true
		default:
			return 0, true
		}
	}
	if sa, aok := a.(string); aok {
		sb, bok := b.(string)
		if !bok {
			return 0, false
		}
		return strings.Compare(sa, sb), true
	}
	if ba, aok := a.(bool); aok {
		bb, bok := b.(bool)
		if !bok {
			return 0, false
		}
		switch {
		case ba == bb:
			return 0, true
		case bb:
			return -1, true
		default:
			return 1, true
		}
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
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
