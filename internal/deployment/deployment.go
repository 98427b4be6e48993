package deployment

import (
	"time"

	"github.com/R3E-Network/dataplane-ruleengine/domain/bundle"
	"github.com/R3E-Network/dataplane-ruleengine/domain/identity"
	engerrors "github.com/R3E-Network/dataplane-ruleengine/infrastructure/errors"
	"github.com/R3E-Network/dataplane-ruleengine/internal/ruletable"
)

// Manager is the Deployment Manager: it owns the Version Registry and the
// live Rule Table, and exposes the prepare/activate/rollback operations
// spec.md §4.9 names. Each strategy composes the same primitives
// differently:
//
//   - immediate: LoadBundle, then Activate straight away.
//   - blue-green: both versions' rules live in the table at once under
//     distinct bundle ids; Activate does the atomic cutover and Rollback
//     swaps back, with both sides' indices already warm.
//   - canary / ab_test: a RolloutController ramps a TrafficRouter so only
//     a fraction of traffic is labelled for the staged version; callers
//     consult RouteToB before evaluating to pick which bundle id a given
//     request's rules come from.
//   - scheduled: PrepareDeployment stages the bundle; a caller-driven
//     ticker calls ActivateIfDue once ScheduledPolicy.ActivationTime has
//     passed.
type Manager struct {
	Registry *Registry
	Table    *ruletable.RuleTable

	controllers map[identity.VersionId]*RolloutController
}

// NewManager wires a fresh Deployment Manager over an existing Rule Table.
func NewManager(table *ruletable.RuleTable) *Manager {
	return &Manager{
		Registry:    NewRegistry(500),
		Table:       table,
		controllers: make(map[identity.VersionId]*RolloutController),
	}
}

// PrepareDeployment stages b under its declared rollout strategy and loads
// its rules into the Rule Table so they're warm (indexed, ready to query)
// before activation flips the active pointer. For canary/ab_test bundles
// this also spins up a RolloutController starting at 0% traffic.
func (m *Manager) PrepareDeployment(b bundle.Bundle, user string) (identity.VersionId, error) {
	vid := m.Registry.Stage(b, b.Rollout, user)
	m.Table.LoadBundle(b, vid)

	switch b.Rollout.Kind {
	case bundle.RolloutCanary:
		if b.Rollout.Canary == nil {
			return vid, engerrors.Validation(engerrors.CodeValidationBundle, "canary rollout missing policy detail")
		}
		router := NewTrafficRouter(0)
		stages := canaryStagesFromTarget(b.Rollout.Canary.Percent)
		threshold := HealthThreshold{MaxErrorRate: 0.05, MaxP99LatencyMs: 500, MinSamples: 10}
		m.controllers[vid] = NewRolloutController(m.Registry, router, vid, stages, threshold, true)
	case bundle.RolloutABTest:
		if b.Rollout.ABTest == nil {
			return vid, engerrors.Validation(engerrors.CodeValidationBundle, "ab_test rollout missing policy detail")
		}
		router := NewTrafficRouter(b.Rollout.ABTest.SplitRatio)
		// A single stage holding the configured split for Duration: an A/B
		// test doesn't ramp toward 100%, it runs the split to completion
		// and then AdvanceRollout's cutover activates the winner.
		stages := []CanaryStage{{Percent: b.Rollout.ABTest.SplitRatio, Soak: b.Rollout.ABTest.Duration}}
		threshold := HealthThreshold{MaxErrorRate: 1.0, MaxP99LatencyMs: 1e9, MinSamples: 1 << 62}
		m.controllers[vid] = NewRolloutController(m.Registry, router, vid, stages, threshold, false)
	}
	return vid, nil
}

// canaryStagesFromTarget builds a 3-step ramp (1/4, 1/2, full target) with
// a 2-minute soak between steps, a conservative default absent an explicit
// stage list in the bundle's canary policy.
func canaryStagesFromTarget(target float64) []CanaryStage {
	return []CanaryStage{
		{Percent: target * 0.25, Soak: 2 * time.Minute},
		{Percent: target * 0.5, Soak: 2 * time.Minute},
		{Percent: target, Soak: 2 * time.Minute},
	}
}

// ActivateDeployment performs the cutover for immediate, blue-green and
// scheduled-when-due bundles: the bundle's rules are already loaded by
// PrepareDeployment, so this just flips the registry's active pointer and
// demotes the previous active version.
func (m *Manager) ActivateDeployment(vid identity.VersionId) error {
	return m.Registry.Activate(vid)
}

// ActivateIfDue checks a Scheduled bundle's activation time and performs
// the cutover if it has passed. It returns false, nil if it's not yet due.
func (m *Manager) ActivateIfDue(vid identity.VersionId, now time.Time) (bool, error) {
	entry, ok := m.Registry.Get(vid)
	if !ok {
		return false, engerrors.NotFound(engerrors.CodeNotFoundVersion, "version", string(vid))
	}
	if entry.Strategy.Kind != bundle.RolloutScheduled || entry.Strategy.Scheduled == nil {
		return false, engerrors.Validation(engerrors.CodeValidationBundle, "version %s is not a scheduled rollout", vid)
	}
	if now.Before(entry.Strategy.Scheduled.ActivationTime) {
		return false, nil
	}
	return true, m.Registry.Activate(vid)
}

// AdvanceRollout widens a canary/ab_test version's traffic slice by one
// step, rolling back automatically if UpdateHealthMetrics reported a
// breach that tripped the controller's circuit breaker. It returns the
// new traffic percent and whether the rollout has fully cut over.
func (m *Manager) AdvanceRollout(vid identity.VersionId) (float64, bool, error) {
	ctrl, ok := m.controllers[vid]
	if !ok {
		return 0, false, engerrors.NotFound(engerrors.CodeNotFoundVersion, "rollout controller for version", string(vid))
	}
	pct, complete, err := ctrl.AdvanceRollout()
	if complete && err == nil {
		if actErr := m.Registry.Activate(vid); actErr != nil {
			return pct, false, actErr
		}
	}
	return pct, complete, err
}

// UpdateHealthMetrics feeds the latest observed error rate and latency for
// a staged version's traffic slice into its rollout controller.
func (m *Manager) UpdateHealthMetrics(vid identity.VersionId, metrics HealthMetrics) error {
	ctrl, ok := m.controllers[vid]
	if !ok {
		return engerrors.NotFound(engerrors.CodeNotFoundVersion, "rollout controller for version", string(vid))
	}
	ctrl.UpdateHealth(metrics)
	return nil
}

// Rollback reverts the registry's active pointer to the previous
// deprecated version via Registry.Rollback. No bundle is unloaded from
// the Rule Table: both versions' rules stay loaded.
func (m *Manager) Rollback() (identity.VersionId, error) {
	return m.Registry.Rollback()
}

// GetActiveTable returns the Rule Table backing the currently active
// version. The table is shared across versions (it's keyed by bundle id
// internally), so this simply confirms an active version exists.
func (m *Manager) GetActiveTable() (*ruletable.RuleTable, identity.VersionId, error) {
	active := m.Registry.ActiveVersion()
	if active == "" {
		return nil, "", engerrors.New(engerrors.CodeNotFoundVersion, 404, "no active deployment")
	}
	return m.Table, active, nil
}
