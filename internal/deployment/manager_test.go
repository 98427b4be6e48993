package deployment

import (
	"testing"
	"time"

	"github.com/R3E-Network/dataplane-ruleengine/domain/action"
	"github.com/R3E-Network/dataplane-ruleengine/domain/bundle"
	"github.com/R3E-Network/dataplane-ruleengine/domain/identity"
	"github.com/R3E-Network/dataplane-ruleengine/domain/match"
	"github.com/R3E-Network/dataplane-ruleengine/internal/ruletable"
)

var gatewayFamily = identity.RuleFamily{Layer: identity.LayerToolGateway, Family: identity.FamilyToolGateway}

func denyDeleteUserBundle(id string) bundle.Bundle {
	rule := bundle.Rule{
		RuleId:   identity.RuleId(id + "-rule"),
		Family:   gatewayFamily,
		Priority: 100,
		Scope:    identity.Scope{},
		Match: match.MatchClause{Fast: match.FastMatch{Predicates: []match.FastPredicate{
			{Field: match.FieldSecondaryKey, Op: match.FastOpEquals, Value: "delete_user"},
		}}},
		Action: action.NewActionClause(
			action.Action{Kind: action.KindDeny, Deny: &action.DenyAction{Reason: "blocked", Code: "blocked"}},
			nil, nil, time.Second, false,
		),
	}
	return bundle.Bundle{
		BundleId: identity.BundleId(id), Version: 1, CreatedAt: time.Now(),
		Rollout: immediatePolicy(), Rules: []bundle.Rule{rule},
	}
}

func allowAllBundle(id string) bundle.Bundle {
	rule := bundle.Rule{
		RuleId:   identity.RuleId(id + "-rule"),
		Family:   gatewayFamily,
		Priority: 100,
		Scope:    identity.Scope{},
		Match:    match.MatchClause{Fast: match.FastMatch{}},
		Action: action.NewActionClause(
			action.Action{Kind: action.KindAllow, Allow: &action.AllowAction{}},
			nil, nil, time.Second, false,
		),
	}
	return bundle.Bundle{
		BundleId: identity.BundleId(id), Version: 1, CreatedAt: time.Now(),
		Rollout: immediatePolicy(), Rules: []bundle.Rule{rule},
	}
}

func TestManager_BlueGreenCutoverFlipsActiveRules(t *testing.T) {
	table := ruletable.New(ruletable.NewDecisionCache(100, time.Minute))
	mgr := NewManager(table)

	a := denyDeleteUserBundle("a")
	vidA, err := mgr.PrepareDeployment(a, "alice")
	if err != nil {
		t.Fatalf("prepare a: %v", err)
	}
	if err := mgr.ActivateDeployment(vidA); err != nil {
		t.Fatalf("activate a: %v", err)
	}

	results := table.Query(gatewayFamily, ruletable.RuleQuery{})
	if len(results) != 1 || results[0].Action.Primary.Kind != action.KindDeny {
		t.Fatalf("expected bundle a's deny rule active, got %+v", results)
	}

	b := allowAllBundle("b")
	vidB, err := mgr.PrepareDeployment(b, "alice")
	if err != nil {
		t.Fatalf("prepare b: %v", err)
	}
	if err := mgr.ActivateDeployment(vidB); err != nil {
		t.Fatalf("activate b: %v", err)
	}

	// Both bundles' rules remain loaded (blue-green keeps both warm); the
	// active pointer is what changes. A consumer resolves rules by active
	// version via GetActiveTable, not by which families exist.
	results = table.Query(gatewayFamily, ruletable.RuleQuery{})
	if len(results) != 2 {
		t.Fatalf("expected both bundles' rules still indexed after cutover, got %d", len(results))
	}

	_, active, err := mgr.GetActiveTable()
	if err != nil {
		t.Fatalf("get active table: %v", err)
	}
	if active != vidB {
		t.Fatalf("expected %s active after cutover, got %s", vidB, active)
	}
}

func TestManager_RollbackAfterCanaryHealthBreach(t *testing.T) {
	table := ruletable.New(ruletable.NewDecisionCache(100, time.Minute))
	mgr := NewManager(table)

	a := denyDeleteUserBundle("a")
	vidA, _ := mgr.PrepareDeployment(a, "alice")
	_ = mgr.ActivateDeployment(vidA)

	b := allowAllBundle("b")
	b.Rollout = bundle.RolloutPolicy{Kind: bundle.RolloutCanary, Canary: &bundle.CanaryPolicy{Percent: 1.0}}
	vidB, err := mgr.PrepareDeployment(b, "alice")
	if err != nil {
		t.Fatalf("prepare b: %v", err)
	}

	// Drive the canary through its ramp with a sustained health breach;
	// the breaker trips and b's traffic share drops to 0. b was never
	// activated, so the registry rollback finds no deprecated version and
	// a stays the active version.
	for i := 0; i < 5; i++ {
		_ = mgr.UpdateHealthMetrics(vidB, HealthMetrics{ErrorRate: 0.10, P99LatencyMs: 900, SampleCount: 1000})
		_, _, _ = mgr.AdvanceRollout(vidB)
	}

	if mgr.Registry.ActiveVersion() != vidA {
		t.Fatalf("expected rollback to %s after sustained health breach, got %s", vidA, mgr.Registry.ActiveVersion())
	}
}

func TestManager_ScheduledActivationWaitsForActivationTime(t *testing.T) {
	table := ruletable.New(ruletable.NewDecisionCache(100, time.Minute))
	mgr := NewManager(table)

	future := time.Now().Add(time.Hour)
	b := allowAllBundle("scheduled")
	b.Rollout = bundle.RolloutPolicy{Kind: bundle.RolloutScheduled, Scheduled: &bundle.ScheduledPolicy{ActivationTime: future}}
	vid, err := mgr.PrepareDeployment(b, "alice")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}

	activated, err := mgr.ActivateIfDue(vid, time.Now())
	if err != nil {
		t.Fatalf("activate if due: %v", err)
	}
	if activated {
		t.Fatalf("expected scheduled bundle to not activate before its time")
	}

	activated, err = mgr.ActivateIfDue(vid, future.Add(time.Minute))
	if err != nil {
		t.Fatalf("activate if due (past): %v", err)
	}
	if !activated {
		t.Fatalf("expected scheduled bundle to activate once its time has passed")
	}
	if mgr.Registry.ActiveVersion() != vid {
		t.Fatalf("expected %s active after due activation", vid)
	}
}
