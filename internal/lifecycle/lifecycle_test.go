package lifecycle

import (
	"errors"
	"testing"
	"time"

	"github.com/R3E-Network/dataplane-ruleengine/domain/action"
	"github.com/R3E-Network/dataplane-ruleengine/domain/bundle"
	"github.com/R3E-Network/dataplane-ruleengine/domain/identity"
	"github.com/R3E-Network/dataplane-ruleengine/domain/match"
	"github.com/R3E-Network/dataplane-ruleengine/internal/deployment"
	"github.com/R3E-Network/dataplane-ruleengine/internal/ruletable"
)

var testFamily = identity.RuleFamily{Layer: identity.LayerToolGateway, Family: identity.FamilyToolGateway}

func scopedRule(id string, priority int, scope identity.Scope) bundle.Rule {
	return bundle.Rule{
		RuleId:   identity.RuleId(id),
		Family:   testFamily,
		Priority: priority,
		Scope:    scope,
		Match:    match.MatchClause{Fast: match.FastMatch{}},
		Action: action.NewActionClause(
			action.Action{Kind: action.KindAllow, Allow: &action.AllowAction{}},
			nil, nil, time.Second, false,
		),
	}
}

func newTestManager() *Manager {
	table := ruletable.New(ruletable.NewDecisionCache(100, time.Minute))
	deployer := deployment.NewManager(table)
	return New(table, deployer)
}

func TestCreateRule_AssignsOperationHandle(t *testing.T) {
	m := newTestManager()
	handle, err := m.CreateRule(scopedRule("r1", 100, identity.Scope{}), "v1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if handle.RuleId != "r1" || handle.OperationId == "" {
		t.Fatalf("expected populated operation handle, got %+v", handle)
	}
}

func TestCreateRule_DuplicateRejected(t *testing.T) {
	m := newTestManager()
	if _, err := m.CreateRule(scopedRule("r1", 100, identity.Scope{}), "v1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.CreateRule(scopedRule("r1", 100, identity.Scope{}), "v2"); err == nil {
		t.Fatalf("expected duplicate create to fail")
	}
}

func TestCreateRule_OverlappingSamePriorityRejected(t *testing.T) {
	m := newTestManager()
	globalScope := identity.Scope{}
	if _, err := m.CreateRule(scopedRule("r1", 100, globalScope), "v1"); err != nil {
		t.Fatalf("create r1: %v", err)
	}

	_, err := m.CreateRule(scopedRule("r2", 100, globalScope), "v1")
	if err == nil {
		t.Fatalf("expected scope-overlap conflict at equal priority to be rejected")
	}
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected a *ConflictError, got %T: %v", err, err)
	}
	if conflict.ConflictsWith != "r1" {
		t.Fatalf("expected conflict naming r1, got %s", conflict.ConflictsWith)
	}
}

func TestCreateRule_DisjointScopeSamePriorityAllowed(t *testing.T) {
	m := newTestManager()
	scopeA := identity.NewScope([]identity.AgentId{"agent-a"}, nil, nil, nil, nil)
	scopeB := identity.NewScope([]identity.AgentId{"agent-b"}, nil, nil, nil, nil)

	if _, err := m.CreateRule(scopedRule("r1", 100, scopeA), "v1"); err != nil {
		t.Fatalf("create r1: %v", err)
	}
	if _, err := m.CreateRule(scopedRule("r2", 100, scopeB), "v1"); err != nil {
		t.Fatalf("expected disjoint-scope same-priority rules to coexist, got %v", err)
	}
}

func TestUpdateRule_RequiresStrictlyGreaterVersion(t *testing.T) {
	m := newTestManager()
	if _, err := m.CreateRule(scopedRule("r1", 100, identity.Scope{}), "v1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.UpdateRule(scopedRule("r1", 90, identity.Scope{}), "v1"); err == nil {
		t.Fatalf("expected update with non-greater version to fail")
	}
	if _, err := m.UpdateRule(scopedRule("r1", 90, identity.Scope{}), "v2"); err != nil {
		t.Fatalf("expected update with strictly greater version to succeed, got %v", err)
	}
}

func TestUpdateRule_DeprecatesPreviousActiveVersion(t *testing.T) {
	m := newTestManager()
	if _, err := m.CreateRule(scopedRule("r1", 100, identity.Scope{}), "v1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.ActivateRule("r1"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if _, err := m.UpdateRule(scopedRule("r1", 90, identity.Scope{}), "v2"); err != nil {
		t.Fatalf("update: %v", err)
	}
	state, ok := m.GetRuleState("r1")
	if !ok || state != identity.StateDeprecated {
		t.Fatalf("expected r1 deprecated after update from active, got %s, ok=%v", state, ok)
	}
}

func TestDeactivateRule_RemovesFromLiveIndices(t *testing.T) {
	m := newTestManager()
	if _, err := m.CreateRule(scopedRule("r1", 100, identity.Scope{}), "v1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.ActivateRule("r1"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := m.DeactivateRule("r1"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	results := m.Table.Query(testFamily, ruletable.RuleQuery{})
	for _, e := range results {
		if e.RuleId == "r1" {
			t.Fatalf("expected r1 removed from live indices after deactivation")
		}
	}
	state, _ := m.GetRuleState("r1")
	if state != identity.StatePaused {
		t.Fatalf("expected r1 paused, got %s", state)
	}
}

func TestRevokeRule_IsTerminalAndRemovesFromTable(t *testing.T) {
	m := newTestManager()
	if _, err := m.CreateRule(scopedRule("r1", 100, identity.Scope{}), "v1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.RevokeRule("r1", RevocationPolicy{Kind: RevokeImmediate}); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := m.RevokeRule("r1", RevocationPolicy{Kind: RevokeImmediate}); err == nil {
		t.Fatalf("expected revoking an already-revoked rule to fail (terminal state)")
	}
	results := m.Table.Query(testFamily, ruletable.RuleQuery{})
	if len(results) != 0 {
		t.Fatalf("expected no live rules after revocation, got %d", len(results))
	}
}

func TestRevokeRule_GracefulWaitsOutTimeout(t *testing.T) {
	m := newTestManager()
	if _, err := m.CreateRule(scopedRule("r1", 100, identity.Scope{}), "v1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	start := time.Now()
	if err := m.RevokeRule("r1", RevocationPolicy{Kind: RevokeGraceful, Timeout: 20 * time.Millisecond}); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatalf("expected graceful revoke to wait out its timeout")
	}
}
