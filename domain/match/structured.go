package match

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PaesslerAG/jsonpath"
	"github.com/tidwall/gjson"
)

// StructuredOp names a comparison or containment test a StructuredMatch leaf
// applies to a payload field.
type StructuredOp string

const (
	OpEquals     StructuredOp = "eq"
	OpNotEquals  StructuredOp = "neq"
	OpLessThan   StructuredOp = "lt"
	OpLessEq     StructuredOp = "le"
	OpGreaterGt  StructuredOp = "gt"
	OpGreaterEq  StructuredOp = "ge"
	OpContains   StructuredOp = "contains"
	OpStartsWith StructuredOp = "starts_with"
	OpEndsWith   StructuredOp = "ends_with"
	OpInSet      StructuredOp = "in"
	OpRegex      StructuredOp = "regex"
	OpJSONPath   StructuredOp = "jsonpath_exists"
	OpJSONPathEq StructuredOp = "jsonpath_eq"
)

// LogicalOp combines StructuredMatch nodes.
type LogicalOp string

const (
	LogicalAnd LogicalOp = "and"
	LogicalOr  LogicalOp = "or"
	LogicalNot LogicalOp = "not"
)

// StructuredMatch is an expression tree over the event payload. A node is
// either a Leaf comparison or a logical combinator over Children.
type StructuredMatch struct {
	Leaf     *FieldPredicate
	Logical  LogicalOp
	Children []StructuredMatch
}

// FieldPredicate tests one named payload field (a gjson path for plain
// field access, or a JSON-path expression for OpJSONPath/OpJSONPathEq).
type FieldPredicate struct {
	Field string
	Op    StructuredOp
	Value interface{}
	Set   map[string]struct{} // populated when Op == OpInSet

	compiledRegex *regexp.Regexp
	compiledPath  jsonpath.Accessor
}

// Leaf builds a single-predicate StructuredMatch node.
func Leaf(p FieldPredicate) StructuredMatch {
	return StructuredMatch{Leaf: &p}
}

// And builds a conjunction node with short-circuit evaluation.
func And(children ...StructuredMatch) StructuredMatch {
	return StructuredMatch{Logical: LogicalAnd, Children: children}
}

// Or builds a disjunction node with short-circuit evaluation.
func Or(children ...StructuredMatch) StructuredMatch {
	return StructuredMatch{Logical: LogicalOr, Children: children}
}

// Not negates a single child.
func Not(child StructuredMatch) StructuredMatch {
	return StructuredMatch{Logical: LogicalNot, Children: []StructuredMatch{child}}
}

// NewInSetPredicate builds an OpInSet predicate from a plain string slice.
func NewInSetPredicate(field string, values []string) FieldPredicate {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return FieldPredicate{Field: field, Op: OpInSet, Set: set}
}

// Compile pre-compiles regex and json-path predicates in the tree, as the
// bundle activation pipeline does once per rule rather than once per event.
func (m *StructuredMatch) Compile() error {
	if m.Leaf != nil {
		return m.Leaf.compile()
	}
	for i := range m.Children {
		if err := m.Children[i].Compile(); err != nil {
			return err
		}
	}
	return nil
}

func (p *FieldPredicate) compile() error {
	switch p.Op {
	case OpRegex:
		pattern, ok := p.Value.(string)
		if !ok {
			return fmt.Errorf("regex predicate on %q requires a string pattern", p.Field)
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("compile regex for field %q: %w", p.Field, err)
		}
		p.compiledRegex = re
	case OpJSONPath, OpJSONPathEq:
		path, err := jsonpath.New(p.Field)
		if err != nil {
			return fmt.Errorf("compile json path %q: %w", p.Field, err)
		}
		p.compiledPath = path
	}
	return nil
}

// Payload is the decoded event body StructuredMatch evaluates against. Raw
// holds the original bytes for gjson field access; Decoded holds the
// generic JSON value for json-path traversal.
type Payload struct {
	Raw     []byte
	Decoded interface{}
}

// Eval walks the expression tree and reports whether the payload satisfies
// it, short-circuiting And/Or as soon as the outcome is determined.
func (m StructuredMatch) Eval(p Payload) bool {
	if m.Leaf != nil {
		return m.Leaf.eval(p)
	}
	switch m.Logical {
	case LogicalAnd:
		for _, c := range m.Children {
			if !c.Eval(p) {
				return false
			}
		}
		return true
	case LogicalOr:
		for _, c := range m.Children {
			if c.Eval(p) {
				return true
			}
		}
		return false
	case LogicalNot:
		if len(m.Children) != 1 {
			return false
		}
		return !m.Children[0].Eval(p)
	default:
		return false
	}
}

func (p FieldPredicate) eval(payload Payload) bool {
	switch p.Op {
	case OpJSONPath:
		if p.compiledPath == nil {
			return false
		}
		_, err := p.compiledPath.Get(payload.Decoded)
		return err == nil
	case OpJSONPathEq:
		if p.compiledPath == nil {
			return false
		}
		got, err := p.compiledPath.Get(payload.Decoded)
		if err != nil {
			return false
		}
		return fmt.Sprint(got) == fmt.Sprint(p.Value)
	default:
		result := gjson.GetBytes(payload.Raw, p.Field)
		if !result.Exists() {
			return false
		}
		return p.evalGjson(result)
	}
}

func (p FieldPredicate) evalGjson(result gjson.Result) bool {
	switch p.Op {
	case OpEquals:
		return fmt.Sprint(p.Value) == result.String()
	case OpNotEquals:
		return fmt.Sprint(p.Value) != result.String()
	case OpLessThan:
		want, ok := toFloat(p.Value)
		return ok && result.Num < want
	case OpLessEq:
		want, ok := toFloat(p.Value)
		return ok && result.Num <= want
	case OpGreaterGt:
		want, ok := toFloat(p.Value)
		return ok && result.Num > want
	case OpGreaterEq:
		want, ok := toFloat(p.Value)
		return ok && result.Num >= want
	case OpContains:
		want, _ := p.Value.(string)
		return strings.Contains(result.String(), want)
	case OpStartsWith:
		want, _ := p.Value.(string)
		return strings.HasPrefix(result.String(), want)
	case OpEndsWith:
		want, _ := p.Value.(string)
		return strings.HasSuffix(result.String(), want)
	case OpInSet:
		_, ok := p.Set[result.String()]
		return ok
	case OpRegex:
		if p.compiledRegex == nil {
			return false
		}
		return p.compiledRegex.MatchString(result.String())
	default:
		return false
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
