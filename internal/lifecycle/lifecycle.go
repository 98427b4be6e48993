// Package lifecycle implements the Lifecycle Manager: rule CRUD, its
// cross-rule scope-overlap conflict check, version assignment, and the
// deactivate/revoke operations spec.md §4.10 describes.
package lifecycle

import (
	"fmt"
	"sync"
	"time"

	"github.com/R3E-Network/dataplane-ruleengine/domain/bundle"
	"github.com/R3E-Network/dataplane-ruleengine/domain/identity"
	engerrors "github.com/R3E-Network/dataplane-ruleengine/infrastructure/errors"
	"github.com/R3E-Network/dataplane-ruleengine/internal/deployment"
	"github.com/R3E-Network/dataplane-ruleengine/internal/ruletable"
)

// OperationHandle is the synchronous ACK Create/Update/Deactivate/Revoke
// return; activation itself may complete asynchronously afterward.
type OperationHandle struct {
	OperationId string
	RuleId      identity.RuleId
	Timestamp   time.Time
}

// RevocationKind names one of the three revocation policies spec.md §4.10
// describes for in-flight evaluations at the moment a rule is revoked.
type RevocationKind string

const (
	RevokeImmediate RevocationKind = "immediate" // in-flight evaluations of this rule are cancelled
	RevokeGraceful  RevocationKind = "graceful"   // in-flight evaluations may complete, bounded by Timeout
	RevokeDrain     RevocationKind = "drain"      // no new evaluations start; wait up to MaxWait for current ones
)

type RevocationPolicy struct {
	Kind    RevocationKind
	Timeout time.Duration // Graceful
	MaxWait time.Duration // Drain
}

// ConflictError reports a same-priority, scope-overlapping rule already
// registered in the same family.
type ConflictError struct {
	NewRuleId     identity.RuleId
	ConflictsWith identity.RuleId
	Family        identity.RuleFamily
	Priority      int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("rule %s conflicts with existing rule %s in family %s at priority %d (overlapping scope, equal priority)",
		e.NewRuleId, e.ConflictsWith, e.Family, e.Priority)
}

// Code and HTTPStatus let ConflictError participate in the taxonomy
// (infrastructure/errors.Classify) without losing its concrete Go type,
// since CreateRule/UpdateRule callers still type-assert *ConflictError
// directly to read NewRuleId/ConflictsWith.
func (e *ConflictError) Code() engerrors.ErrorCode { return engerrors.CodeConflictRule }
func (e *ConflictError) HTTPStatus() int           { return 409 }

// trackedRule is the Lifecycle Manager's own bookkeeping for one live
// rule id, independent of which bundle/version last carried it into the
// Rule Table. The Rule Table is the source of truth for evaluation; this
// map exists so Deactivate/Revoke/Update can find a rule's current family
// and scope without re-parsing a bundle.
type trackedRule struct {
	rule    bundle.Rule
	version identity.VersionId
	state   identity.State
}

// Manager is the Lifecycle Manager. It wraps a Rule Table for live-index
// mutation on single-rule changes that don't go through a full bundle
// install. Deployer is held but no Manager method uses it; version ids
// come from the callers.
type Manager struct {
	Table    *ruletable.RuleTable
	Deployer *deployment.Manager

	mu       sync.Mutex
	rules    map[identity.RuleId]*trackedRule
	nextOpID uint64
}

// New builds a Lifecycle Manager over an already-constructed Rule Table
// and Deployment Manager (sharing the same table instance).
func New(table *ruletable.RuleTable, deployer *deployment.Manager) *Manager {
	return &Manager{
		Table:    table,
		Deployer: deployer,
		rules:    make(map[identity.RuleId]*trackedRule),
	}
}

func (m *Manager) nextOperationID() string {
	m.nextOpID++
	return fmt.Sprintf("op-%d", m.nextOpID)
}

// conflictsLocked checks r against every currently tracked rule in the
// same family using the scope-overlap predicate: two rules with equal
// priority whose scopes can both match the same event are a conflict,
// per spec.md §8's "conflict rejection" invariant. Revoked rules are
// excluded since they can no longer be live.
func (m *Manager) conflictsLocked(r bundle.Rule) *ConflictError {
	for id, tr := range m.rules {
		if id == r.RuleId || tr.state == identity.StateRevoked {
			continue
		}
		if tr.rule.Family != r.Family || tr.rule.Priority != r.Priority {
			continue
		}
		if tr.rule.Scope.Overlaps(r.Scope) {
			return &ConflictError{NewRuleId: r.RuleId, ConflictsWith: id, Family: r.Family, Priority: r.Priority}
		}
	}
	return nil
}

// CreateRule validates r against every other live rule for a scope
// conflict, assigns it a version, inserts it into the Rule Table as
// Staged, and returns an ACK. Activation per the bundle's rollout policy
// is the caller's responsibility (typically via Deployer once wrapped in
// a single-rule bundle), matching spec.md §4.10's "delegates activation
// to the Deployment Manager."
func (m *Manager) CreateRule(r bundle.Rule, version identity.VersionId) (OperationHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.rules[r.RuleId]; exists {
		return OperationHandle{}, engerrors.Conflict(engerrors.CodeConflictRule, "rule %s already exists, use UpdateRule", r.RuleId)
	}
	if conflict := m.conflictsLocked(r); conflict != nil {
		return OperationHandle{}, conflict
	}

	m.rules[r.RuleId] = &trackedRule{rule: r, version: version, state: identity.StateStaged}
	m.Table.AddRule(r, identity.BundleId(r.RuleId), version)

	return OperationHandle{OperationId: m.nextOperationID(), RuleId: r.RuleId, Timestamp: time.Now()}, nil
}

// ActivateRule transitions a staged rule to Active. The Rule Table already
// holds the rule (CreateRule installed it eagerly); this only updates the
// lifecycle state bookkeeping, matching the Deployment Manager's own
// "load first, flip pointer second" pattern.
func (m *Manager) ActivateRule(id identity.RuleId) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tr, ok := m.rules[id]
	if !ok {
		return engerrors.NotFound(engerrors.CodeNotFoundRule, "rule", string(id))
	}
	next, err := tr.state.Transition(identity.StateActive)
	if err != nil {
		return engerrors.StateTransition(string(tr.state), string(identity.StateActive))
	}
	tr.state = next
	return nil
}

// UpdateRule replaces a rule's body under a strictly greater version,
// per spec.md §8's CRUD-monotonicity invariant, and transitions the prior
// version's tracked state to Deprecated at the exact call that installs
// the replacement — there is no window where both are simultaneously
// Active in this manager's bookkeeping.
func (m *Manager) UpdateRule(r bundle.Rule, newVersion identity.VersionId) (OperationHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.rules[r.RuleId]
	if !ok {
		return OperationHandle{}, engerrors.NotFound(engerrors.CodeNotFoundRule, "rule", string(r.RuleId))
	}
	if !versionGreater(newVersion, existing.version) {
		return OperationHandle{}, engerrors.Validation(engerrors.CodeValidationRule, "new version %s must be strictly greater than current version %s", newVersion, existing.version)
	}

	if conflict := m.conflictsExcludingLocked(r, r.RuleId); conflict != nil {
		return OperationHandle{}, conflict
	}

	prevState := existing.state
	existing.rule = r
	existing.version = newVersion
	if prevState == identity.StateActive {
		if next, err := prevState.Transition(identity.StateDeprecated); err == nil {
			existing.state = next
		}
	}
	m.Table.AddRule(r, identity.BundleId(r.RuleId), newVersion)

	return OperationHandle{OperationId: m.nextOperationID(), RuleId: r.RuleId, Timestamp: time.Now()}, nil
}

func (m *Manager) conflictsExcludingLocked(r bundle.Rule, exclude identity.RuleId) *ConflictError {
	for id, tr := range m.rules {
		if id == exclude || tr.state == identity.StateRevoked {
			continue
		}
		if tr.rule.Family != r.Family || tr.rule.Priority != r.Priority {
			continue
		}
		if tr.rule.Scope.Overlaps(r.Scope) {
			return &ConflictError{NewRuleId: r.RuleId, ConflictsWith: id, Family: r.Family, Priority: r.Priority}
		}
	}
	return nil
}

// versionGreater compares VersionId values assigned as "v<N>" by the
// Deployment Manager's registry; any other format is treated as greater
// than the existing one only if the strings differ, so callers supplying
// their own scheme still get a monotonicity check, just a weaker one.
func versionGreater(newV, old identity.VersionId) bool {
	if newV == old {
		return false
	}
	var nn, on int
	if _, err := fmt.Sscanf(string(newV), "v%d", &nn); err == nil {
		if _, err := fmt.Sscanf(string(old), "v%d", &on); err == nil {
			return nn > on
		}
	}
	return newV != old
}

// DeactivateRule moves an Active rule to Paused and removes it from the
// Rule Table's live indices, per spec.md §4.10.
func (m *Manager) DeactivateRule(id identity.RuleId) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tr, ok := m.rules[id]
	if !ok {
		return engerrors.NotFound(engerrors.CodeNotFoundRule, "rule", string(id))
	}
	next, err := tr.state.Transition(identity.StatePaused)
	if err != nil {
		return engerrors.StateTransition(string(tr.state), string(identity.StatePaused))
	}
	tr.state = next
	m.Table.RemoveRule(tr.rule.Family, id)
	return nil
}

// RevokeRule permanently retires a rule under the given revocation
// policy. Immediate removes it from the live indices synchronously, so
// in-flight evaluators that already captured a pre-revoke snapshot still
// run the rule to completion (the Rule Table's copy-on-write semantics
// make that the natural form of "cancel" here: new evaluations never see
// it again, but nothing reaches into another goroutine's stack to abort
// it). Graceful and Drain additionally wait before returning, bounding
// how long a caller observes stale rule-table snapshots still in flight.
func (m *Manager) RevokeRule(id identity.RuleId, policy RevocationPolicy) error {
	m.mu.Lock()
	tr, ok := m.rules[id]
	if !ok {
		m.mu.Unlock()
		return engerrors.NotFound(engerrors.CodeNotFoundRule, "rule", string(id))
	}
	next, err := tr.state.Transition(identity.StateRevoked)
	if err != nil {
		from := tr.state
		m.mu.Unlock()
		return engerrors.StateTransition(string(from), string(identity.StateRevoked))
	}
	tr.state = next
	family := tr.rule.Family
	m.mu.Unlock()

	m.Table.RemoveRule(family, id)

	switch policy.Kind {
	case RevokeGraceful:
		if policy.Timeout > 0 {
			time.Sleep(policy.Timeout)
		}
	case RevokeDrain:
		if policy.MaxWait > 0 {
			time.Sleep(policy.MaxWait)
		}
	case RevokeImmediate:
		// removal from the live indices above is the cancellation; no
		// further wait.
	}
	return nil
}

// GetRuleState returns the lifecycle manager's view of a rule's current
// state, for callers that need it without going through the Rule Table.
func (m *Manager) GetRuleState(id identity.RuleId) (identity.State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tr, ok := m.rules[id]
	if !ok {
		return "", false
	}
	return tr.state, true
}
