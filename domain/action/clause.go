package action

import (
	"fmt"
	"time"
)

// MaxTotalBudget is the hard ceiling spec.md §4.3 places on an action
// clause's combined execution time.
const MaxTotalBudget = 30 * time.Second

// SideEffect names a capability an action may require, checked against a
// bundle's allowed_side_effects during validation.
type SideEffect string

const (
	SideEffectNetworkEgress SideEffect = "network_egress"
	SideEffectSidecarSpawn  SideEffect = "sidecar_spawn"
	SideEffectPayloadMutate SideEffect = "payload_mutate"
	SideEffectCallback      SideEffect = "callback"
	SideEffectSandboxExec   SideEffect = "sandbox_exec"
)

// RequiredSideEffects returns the side effects a Kind needs to run,
// independent of any particular bundle's allowed set.
func RequiredSideEffects(k Kind) []SideEffect {
	switch k {
	case KindRewrite, KindRedact, KindAttachMeta:
		return []SideEffect{SideEffectPayloadMutate}
	case KindSpawnSidecar:
		return []SideEffect{SideEffectSidecarSpawn}
	case KindRouteTo:
		return []SideEffect{SideEffectNetworkEgress}
	case KindCallback:
		return []SideEffect{SideEffectNetworkEgress, SideEffectCallback}
	case KindSandboxExec:
		return []SideEffect{SideEffectSandboxExec}
	default:
		return nil
	}
}

// ActionClause bundles a primary action with ordered secondaries, the
// clause's declared side-effect set, a total time budget, and whether a
// partial failure should trigger rollback of any already-applied
// secondaries.
type ActionClause struct {
	Primary         Action
	Secondaries     []Action
	AllowedEffects  map[SideEffect]struct{}
	TotalBudget     time.Duration
	Rollback        bool
}

// NewActionClause builds a clause from plain slices, computing AllowedEffects
// from the provided list.
func NewActionClause(primary Action, secondaries []Action, allowed []SideEffect, budget time.Duration, rollback bool) ActionClause {
	set := make(map[SideEffect]struct{}, len(allowed))
	for _, e := range allowed {
		set[e] = struct{}{}
	}
	return ActionClause{
		Primary:        primary,
		Secondaries:    secondaries,
		AllowedEffects: set,
		TotalBudget:    budget,
		Rollback:       rollback,
	}
}

// Validate checks the clause against spec.md §4.3's three clause-level
// rules: Deny cannot carry secondaries, every required side effect must be
// in the declared allowed set, and the total budget must not exceed
// MaxTotalBudget.
func (c ActionClause) Validate() error {
	if c.Primary.Kind == KindDeny && len(c.Secondaries) > 0 {
		return fmt.Errorf("deny action cannot carry secondary actions")
	}
	if c.TotalBudget <= 0 {
		return fmt.Errorf("action clause must declare a positive total budget")
	}
	if c.TotalBudget > MaxTotalBudget {
		return fmt.Errorf("action clause budget %s exceeds ceiling %s", c.TotalBudget, MaxTotalBudget)
	}

	allActions := append([]Action{c.Primary}, c.Secondaries...)
	for _, a := range allActions {
		for _, required := range RequiredSideEffects(a.Kind) {
			if _, ok := c.AllowedEffects[required]; !ok {
				return fmt.Errorf("action %s requires side effect %q not in bundle's allowed set", a.Kind, required)
			}
		}
		if a.Kind == KindRateLimit && a.RateLimit != nil && a.RateLimit.OnExceed != nil {
			for _, nested := range RequiredSideEffects(a.RateLimit.OnExceed.Kind) {
				if _, ok := c.AllowedEffects[nested]; !ok {
					return fmt.Errorf("nested on_exceed action %s requires side effect %q not in bundle's allowed set",
						a.RateLimit.OnExceed.Kind, nested)
				}
			}
		}
	}
	return nil
}

// ClauseOutcome is the result of running an entire ActionClause: the
// primary's outcome plus each secondary's outcome, in execution order.
type ClauseOutcome struct {
	Primary    Outcome
	Secondary  []Outcome
	RolledBack bool
	Modified   bool   // true if the primary or any secondary mutated the payload
	Payload    []byte // payload after all mutations, only meaningful when Modified
}

// Terminal reports whether the primary outcome should prevent secondaries
// from running, per spec.md §4.3 ("on failure, secondaries are skipped").
func (o Outcome) Terminal() bool {
	switch o.Kind {
	case OutcomeFailed, OutcomeTimeout, OutcomeDenied:
		return true
	default:
		return false
	}
}
