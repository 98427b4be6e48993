// Package match implements the three-tier match clause evaluated against an
// incoming event: a header-only FastMatch, a StructuredMatch expression tree
// over the payload, and an optional sandboxed SemanticHook. Each tier is
// strictly more expensive than the last, and a rule only pays for the tiers
// it actually declares.
package match

import "github.com/R3E-Network/dataplane-ruleengine/domain/identity"

// Header carries the O(1)-accessible event attributes a FastMatch clause is
// allowed to inspect. It never touches the payload.
type Header struct {
	SourceAgent  identity.AgentId
	DestAgent    identity.AgentId
	Flow         identity.FlowId
	PayloadType  string
	SecondaryKey string
	RiskScore    float64
}

// FastMatchOp names the comparison a FastMatch predicate applies to a single
// header field.
type FastMatchOp string

const (
	FastOpEquals      FastMatchOp = "equals"
	FastOpNotEquals   FastMatchOp = "not_equals"
	FastOpGreaterThan FastMatchOp = "greater_than"
	FastOpLessThan    FastMatchOp = "less_than"
	FastOpIn          FastMatchOp = "in"
)

// HeaderField names the header attribute a FastMatch predicate reads.
type HeaderField string

const (
	FieldSourceAgent  HeaderField = "source_agent"
	FieldDestAgent    HeaderField = "dest_agent"
	FieldFlow         HeaderField = "flow"
	FieldPayloadType  HeaderField = "payload_type"
	FieldSecondaryKey HeaderField = "secondary_key"
	FieldRiskScore    HeaderField = "risk_score"
)

// FastMatch is a conjunction of O(1) predicates over the event header. It
// never allocates per evaluation and never inspects the payload.
type FastMatch struct {
	Predicates []FastPredicate
}

// FastPredicate is a single header comparison.
type FastPredicate struct {
	Field HeaderField
	Op    FastMatchOp
	Value interface{}
	Set   map[string]struct{} // populated when Op == FastOpIn
}

// NewInPredicate builds a FastOpIn predicate from a plain string slice.
func NewInPredicate(field HeaderField, values []string) FastPredicate {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return FastPredicate{Field: field, Op: FastOpIn, Set: set}
}

// Eval evaluates the FastMatch against a header. An empty predicate list
// matches unconditionally.
func (m FastMatch) Eval(h Header) bool {
	for _, p := range m.Predicates {
		if !p.eval(h) {
			return false
		}
	}
	return true
}

func (p FastPredicate) eval(h Header) bool {
	switch p.Field {
	case FieldSourceAgent:
		return evalString(string(h.SourceAgent), p)
	case FieldDestAgent:
		return evalString(string(h.DestAgent), p)
	case FieldFlow:
		return evalString(string(h.Flow), p)
	case FieldPayloadType:
		return evalString(h.PayloadType, p)
	case FieldSecondaryKey:
		return evalString(h.SecondaryKey, p)
	case FieldRiskScore:
		return evalFloat(h.RiskScore, p)
	default:
		return false
	}
}

func evalString(actual string, p FastPredicate) bool {
	switch p.Op {
	case FastOpEquals:
		want, _ := p.Value.(string)
		return actual == want
	case FastOpNotEquals:
		want, _ := p.Value.(string)
		return actual != want
	case FastOpIn:
		_, ok := p.Set[actual]
		return ok
	default:
		return false
	}
}

func evalFloat(actual float64, p FastPredicate) bool {
	want, ok := p.Value.(float64)
	if !ok {
		return false
	}
	switch p.Op {
	case FastOpEquals:
		return actual == want
	case FastOpNotEquals:
		return actual != want
	case FastOpGreaterThan:
		return actual > want
	case FastOpLessThan:
		return actual < want
	default:
		return false
	}
}
