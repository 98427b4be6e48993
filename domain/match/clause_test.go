package match

import (
	"context"
	"testing"
)

func TestMatchClause_RequiresPayload(t *testing.T) {
	c := MatchClause{Fast: FastMatch{}}
	if c.RequiresPayload() {
		t.Errorf("fast-only clause should not require payload")
	}

	s := Leaf(FieldPredicate{Field: "x", Op: OpEquals, Value: "y"})
	c.Structured = &s
	if !c.RequiresPayload() {
		t.Errorf("structured clause should require payload")
	}
}

func TestMatchClause_Eval_FastOnly(t *testing.T) {
	c := MatchClause{
		Fast: FastMatch{Predicates: []FastPredicate{
			{Field: FieldSourceAgent, Op: FastOpEquals, Value: "a1"},
		}},
	}
	out := c.Eval(context.Background(), Header{SourceAgent: "a1"}, Payload{}, nil)
	if !out.Matched {
		t.Errorf("expected fast-only match")
	}
	if out.StructuredRan || out.SemanticRan {
		t.Errorf("expected only fast tier to run")
	}
}

func TestMatchClause_Eval_ShortCircuitsOnFastMiss(t *testing.T) {
	structured := Leaf(FieldPredicate{Field: "tool", Op: OpEquals, Value: "http_get"})
	_ = structured.Compile()
	c := MatchClause{
		Fast: FastMatch{Predicates: []FastPredicate{
			{Field: FieldSourceAgent, Op: FastOpEquals, Value: "a1"},
		}},
		Structured: &structured,
	}
	out := c.Eval(context.Background(), Header{SourceAgent: "a2"}, Payload{Raw: []byte(`{}`)}, nil)
	if out.Matched || out.StructuredRan {
		t.Errorf("expected structured tier to be skipped after fast miss")
	}
}

func TestMatchClause_Eval_StructuredAndFast(t *testing.T) {
	structured := Leaf(FieldPredicate{Field: "tool", Op: OpEquals, Value: "http_get"})
	_ = structured.Compile()
	c := MatchClause{
		Fast: FastMatch{Predicates: []FastPredicate{
			{Field: FieldSourceAgent, Op: FastOpEquals, Value: "a1"},
		}},
		Structured: &structured,
	}
	out := c.Eval(context.Background(), Header{SourceAgent: "a1"}, Payload{Raw: []byte(`{"tool":"http_get"}`)}, nil)
	if !out.Matched || !out.StructuredRan || !out.StructuredMatched {
		t.Errorf("expected full match across fast and structured tiers, got %+v", out)
	}
}

func TestMatchClause_Eval_SemanticHardFailsClosed(t *testing.T) {
	hook := SemanticHook{
		HookId:      "h1",
		Script:      `function check(input) { throw new Error("boom"); }`,
		EntryPoint:  "check",
		Enforcement: EnforcementHard,
	}
	hook.ContentDigest = Digest(hook.Script)
	c := MatchClause{Semantic: &hook}

	out := c.Eval(context.Background(), Header{}, Payload{}, NewSandbox())
	if out.SemanticErr == nil {
		t.Fatalf("expected semantic error to be recorded")
	}
	if !out.Matched {
		t.Errorf("hard enforcement should fail closed (treated as matched) on hook error")
	}
}

func TestMatchClause_Eval_SemanticSoftFailsOpen(t *testing.T) {
	hook := SemanticHook{
		HookId:      "h2",
		Script:      `function check(input) { throw new Error("boom"); }`,
		EntryPoint:  "check",
		Enforcement: EnforcementSoft,
	}
	hook.ContentDigest = Digest(hook.Script)
	c := MatchClause{Semantic: &hook}

	out := c.Eval(context.Background(), Header{}, Payload{}, NewSandbox())
	if out.SemanticErr == nil {
		t.Fatalf("expected semantic error to be recorded")
	}
	if out.Matched {
		t.Errorf("soft enforcement should fail open (treated as not matched) on hook error")
	}
}
