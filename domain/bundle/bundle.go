// Package bundle defines the rule bundle envelope, its rollout policy
// variants, signature verification and the nine-step validation pipeline
// rule authoring runs every bundle through before it can be staged.
package bundle

import (
	"time"

	"github.com/R3E-Network/dataplane-ruleengine/domain/action"
	"github.com/R3E-Network/dataplane-ruleengine/domain/identity"
	"github.com/R3E-Network/dataplane-ruleengine/domain/match"
)

// Rule is one authored rule within a bundle: its identity, where it lives
// in the family/priority ordering, what it matches, and what it does.
type Rule struct {
	RuleId   identity.RuleId
	Family   identity.RuleFamily
	Priority int
	Scope    identity.Scope
	Match    match.MatchClause
	Action   action.ActionClause
}

// RolloutKind names one of the five deployment strategies from spec.md
// §4.6.
type RolloutKind string

const (
	RolloutImmediate  RolloutKind = "immediate"
	RolloutCanary     RolloutKind = "canary"
	RolloutABTest     RolloutKind = "ab_test"
	RolloutTimeWindow RolloutKind = "time_window"
	RolloutScheduled  RolloutKind = "scheduled"
)

// RolloutPolicy is a closed tagged union over the rollout strategies.
type RolloutPolicy struct {
	Kind RolloutKind

	Canary     *CanaryPolicy
	ABTest     *ABTestPolicy
	TimeWindow *TimeWindowPolicy
	Scheduled  *ScheduledPolicy
}

type CanaryPolicy struct {
	Percent      float64 // 0.0-1.0
	TargetAgents []identity.AgentId
}

type ABTestPolicy struct {
	SplitRatio float64 // 0.0-1.0, fraction routed to B
	Duration   time.Duration
}

type TimeWindowPolicy struct {
	Start time.Time
	End   time.Time
}

type ScheduledPolicy struct {
	ActivationTime time.Time
}

// Bundle is the unit of deployment: a signed, versioned collection of
// rules plus its rollout strategy and declared side-effect allowlist.
type Bundle struct {
	BundleId            identity.BundleId
	Version             int64
	Signer              string
	CreatedAt           time.Time
	Rollout             RolloutPolicy
	AllowedSideEffects  []action.SideEffect
	Rules               []Rule
	Signature           string // compact JWS, empty when unsigned
}
