package deployment

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/R3E-Network/dataplane-ruleengine/domain/bundle"
	"github.com/R3E-Network/dataplane-ruleengine/domain/identity"
)

func testBundle(id string) bundle.Bundle {
	return bundle.Bundle{
		BundleId:  identity.BundleId(id),
		Version:   1,
		CreatedAt: time.Now(),
		Rollout:   bundle.RolloutPolicy{Kind: bundle.RolloutImmediate},
	}
}

func TestRegistry_StageThenActivate(t *testing.T) {
	reg := NewRegistry(10)
	vid := reg.Stage(testBundle("a"), bundle.RolloutPolicy{Kind: bundle.RolloutImmediate}, "alice")

	if reg.StagedVersion() != vid {
		t.Fatalf("expected %s staged, got %s", vid, reg.StagedVersion())
	}
	if err := reg.Activate(vid); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if reg.ActiveVersion() != vid {
		t.Fatalf("expected %s active, got %s", vid, reg.ActiveVersion())
	}
	if reg.StagedVersion() != "" {
		t.Fatalf("expected staged pointer cleared after activation")
	}
}

func TestRegistry_BlueGreenSwapDemotesPrevious(t *testing.T) {
	reg := NewRegistry(10)
	a := reg.Stage(testBundle("a"), bundle.RolloutPolicy{Kind: bundle.RolloutImmediate}, "alice")
	if err := reg.Activate(a); err != nil {
		t.Fatalf("activate a: %v", err)
	}

	b := reg.Stage(testBundle("b"), bundle.RolloutPolicy{Kind: bundle.RolloutImmediate}, "alice")
	if err := reg.Activate(b); err != nil {
		t.Fatalf("activate b: %v", err)
	}

	if reg.ActiveVersion() != b {
		t.Fatalf("expected b active after swap, got %s", reg.ActiveVersion())
	}
	entryA, _ := reg.Get(a)
	if entryA.State != identity.StateDeprecated {
		t.Fatalf("expected a deprecated after swap, got %s", entryA.State)
	}
}

func TestRegistry_RollbackRevertsToDeprecated(t *testing.T) {
	reg := NewRegistry(10)
	a := reg.Stage(testBundle("a"), bundle.RolloutPolicy{Kind: bundle.RolloutImmediate}, "alice")
	_ = reg.Activate(a)
	b := reg.Stage(testBundle("b"), bundle.RolloutPolicy{Kind: bundle.RolloutImmediate}, "alice")
	_ = reg.Activate(b)

	reverted, err := reg.Rollback()
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if reverted != a {
		t.Fatalf("expected rollback to a, got %s", reverted)
	}
	if reg.ActiveVersion() != a {
		t.Fatalf("expected a active after rollback, got %s", reg.ActiveVersion())
	}
	entryB, _ := reg.Get(b)
	if entryB.State != identity.StateDeprecated {
		t.Fatalf("expected b deprecated after rollback, got %s", entryB.State)
	}
}

func TestRegistry_RollbackWithNoPriorVersionFails(t *testing.T) {
	reg := NewRegistry(10)
	a := reg.Stage(testBundle("a"), bundle.RolloutPolicy{Kind: bundle.RolloutImmediate}, "alice")
	_ = reg.Activate(a)

	if _, err := reg.Rollback(); err == nil {
		t.Fatalf("expected rollback with no prior deprecated version to fail")
	}
}

func TestRegistry_RevokeIsTerminal(t *testing.T) {
	reg := NewRegistry(10)
	a := reg.Stage(testBundle("a"), bundle.RolloutPolicy{Kind: bundle.RolloutImmediate}, "alice")
	if err := reg.Revoke(a, "superseded"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := reg.Activate(a); err == nil {
		t.Fatalf("expected activating a revoked version to fail")
	}
}

func TestRegistry_HistoryIsBounded(t *testing.T) {
	reg := NewRegistry(3)
	for i := 0; i < 10; i++ {
		vid := reg.Stage(testBundle("x"), bundle.RolloutPolicy{Kind: bundle.RolloutImmediate}, "alice")
		_ = reg.Activate(vid)
	}
	if len(reg.History()) > 3 {
		t.Fatalf("expected history bounded to 3 entries, got %d", len(reg.History()))
	}
}

func TestRegistry_StagePreservesBundleContent(t *testing.T) {
	reg := NewRegistry(10)
	want := testBundle("a")
	want.Rules = []bundle.Rule{{RuleId: identity.RuleId("a-rule"), Priority: 50}}
	vid := reg.Stage(want, bundle.RolloutPolicy{Kind: bundle.RolloutImmediate}, "alice")

	entry, ok := reg.Get(vid)
	if !ok {
		t.Fatalf("expected staged entry to be retrievable")
	}
	if diff := cmp.Diff(want, entry.Bundle, cmpopts.EquateApproxTime(time.Second)); diff != "" {
		t.Fatalf("stored bundle diverged from staged bundle (-want +got):\n%s", diff)
	}
}

func TestRegistry_PauseClearsActivePointer(t *testing.T) {
	reg := NewRegistry(10)
	a := reg.Stage(testBundle("a"), bundle.RolloutPolicy{Kind: bundle.RolloutImmediate}, "alice")
	_ = reg.Activate(a)

	if err := reg.Pause(a); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if reg.ActiveVersion() != "" {
		t.Fatalf("expected no active version after pause")
	}
	entry, _ := reg.Get(a)
	if entry.State != identity.StatePaused {
		t.Fatalf("expected a paused, got %s", entry.State)
	}
}
