package match

import "context"

// MatchClause combines the three evaluation tiers a rule may declare.
// FastMatch is mandatory; StructuredMatch and SemanticHook are optional and
// only evaluated once every cheaper tier has already matched.
type MatchClause struct {
	Fast       FastMatch
	Structured *StructuredMatch
	Semantic   *SemanticHook
}

// RequiresPayload reports whether this clause needs the payload decoded at
// all, letting the evaluation pipeline skip payload materialization for
// rules that only ever inspect the header.
func (c MatchClause) RequiresPayload() bool {
	return c.Structured != nil || c.Semantic != nil
}

// RequiresSandbox reports whether this clause needs a sandboxed script
// invocation, the most expensive tier.
func (c MatchClause) RequiresSandbox() bool {
	return c.Semantic != nil
}

// Outcome records which tiers ran and what they decided, for audit
// explanation and for statistics attribution.
type Outcome struct {
	FastMatched       bool
	StructuredRan     bool
	StructuredMatched bool
	SemanticRan       bool
	SemanticMatched   bool
	SemanticErr       error
	Matched           bool
}

// Eval runs the clause's tiers in increasing cost order, short-circuiting
// as soon as a tier fails to match. sandbox is only invoked when Semantic is
// set; a nil sandbox with a non-nil Semantic hook is a caller error and
// evaluates to EnforcementClass-appropriate failure.
func (c MatchClause) Eval(ctx context.Context, header Header, payload Payload, sandbox *Sandbox) Outcome {
	var out Outcome

	out.FastMatched = c.Fast.Eval(header)
	if !out.FastMatched {
		return out
	}

	if c.Structured != nil {
		out.StructuredRan = true
		out.StructuredMatched = c.Structured.Eval(payload)
		if !out.StructuredMatched {
			return out
		}
	}

	if c.Semantic != nil {
		out.SemanticRan = true
		if sandbox == nil {
			out.SemanticErr = errNoSandbox
			out.SemanticMatched = c.Semantic.Enforcement == EnforcementHard
			out.Matched = out.SemanticMatched
			return out
		}
		result, err := sandbox.Run(ctx, *c.Semantic, HookInput{Header: header, Payload: payload.decodedMap()})
		if err != nil {
			out.SemanticErr = err
			out.SemanticMatched = c.Semantic.Enforcement == EnforcementHard
			out.Matched = out.SemanticMatched
			return out
		}
		out.SemanticMatched = result.Matched
		out.Matched = result.Matched
		return out
	}

	out.Matched = true
	return out
}

func (p Payload) decodedMap() map[string]interface{} {
	if m, ok := p.Decoded.(map[string]interface{}); ok {
		return m
	}
	return nil
}

var errNoSandbox = clauseError("semantic hook declared but no sandbox configured")

type clauseError string

func (e clauseError) Error() string { return string(e) }
