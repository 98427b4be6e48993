package bundle

import (
	"fmt"
	"regexp"
	"time"

	"github.com/R3E-Network/dataplane-ruleengine/domain/action"
	"github.com/R3E-Network/dataplane-ruleengine/domain/identity"
	engerrors "github.com/R3E-Network/dataplane-ruleengine/infrastructure/errors"
)

// ValidationConfig holds the configured ceilings spec.md §4.6's nine-step
// pipeline checks against. These come from the running engine's
// configuration rather than being hardcoded, since different deployments
// tune them differently.
type ValidationConfig struct {
	MaxRules          int
	MaxPriority        int
	MaxBudgetMs        int64
	WarnBudgetMs       int64
	RequireSignature   bool
	KnownAgents        map[string]struct{} // nil means "don't restrict"
	KnownFlows         map[string]struct{} // nil means "don't restrict"
}

var ruleIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

// Warning is a non-fatal finding surfaced alongside a successful
// validation, e.g. "rule r1 budget is high but within ceiling".
type Warning struct {
	RuleId  string
	Message string
}

// ValidationResult is the outcome of running Validate: either a fatal
// error (rejecting the bundle outright) or a list of advisory warnings.
type ValidationResult struct {
	Warnings []Warning
}

// Validate runs the nine-step pipeline from spec.md §4.6 in order, failing
// fast at the first violated step so callers get a precise rejection
// reason rather than an accumulated list.
func Validate(b Bundle, cfg ValidationConfig, verifier SignatureVerifier) (*ValidationResult, error) {
	result := &ValidationResult{}

	// 1. Non-empty; size <= configured max.
	if len(b.Rules) == 0 {
		return nil, engerrors.Validation(engerrors.CodeValidationBundle, "bundle %s: must contain at least one rule", b.BundleId)
	}
	if cfg.MaxRules > 0 && len(b.Rules) > cfg.MaxRules {
		return nil, engerrors.Validation(engerrors.CodeValidationBundle, "bundle %s: %d rules exceeds configured maximum %d", b.BundleId, len(b.Rules), cfg.MaxRules)
	}

	// 2. Unique RuleIds; valid ID format.
	seen := make(map[string]struct{}, len(b.Rules))
	for _, r := range b.Rules {
		id := string(r.RuleId)
		if !ruleIDPattern.MatchString(id) {
			return nil, engerrors.Validation(engerrors.CodeValidationRule, "rule %q: invalid rule id format", id)
		}
		if _, dup := seen[id]; dup {
			return nil, engerrors.Conflict(engerrors.CodeConflictRule, "rule %q: duplicate rule id within bundle", id)
		}
		seen[id] = struct{}{}
		if !identity.IsKnownFamily(r.Family.Family) {
			return nil, engerrors.Validation(engerrors.CodeValidationRule, "rule %q: unknown rule family %q", id, r.Family.Family)
		}
	}

	// 3. Priority within [0, max]; no two rules in the same family share
	// (priority, overlapping scope).
	if err := checkPriorities(b.Rules, cfg.MaxPriority); err != nil {
		return nil, err
	}

	// 4. Scopes well-formed; reference only known agent/flow identifiers.
	if err := checkScopes(b.Rules, cfg); err != nil {
		return nil, err
	}

	// 5. Budgets within configured ceilings; warn on high limits.
	budgetWarnings, err := checkBudgets(b.Rules, cfg)
	if err != nil {
		return nil, err
	}
	result.Warnings = append(result.Warnings, budgetWarnings...)

	// 6. Every action's required side effects subset of bundle's allowed set.
	allowed := make(map[string]struct{}, len(b.AllowedSideEffects))
	for _, e := range b.AllowedSideEffects {
		allowed[string(e)] = struct{}{}
	}
	for _, r := range b.Rules {
		if err := r.Action.Validate(); err != nil {
			return nil, engerrors.Wrap(engerrors.CodeValidationRule, 422, fmt.Sprintf("rule %q: invalid action clause", r.RuleId), err)
		}
		for _, a := range append([]action.Action{r.Action.Primary}, r.Action.Secondaries...) {
			kinds := []action.Kind{a.Kind}
			if a.RateLimit != nil && a.RateLimit.OnExceed != nil {
				kinds = append(kinds, a.RateLimit.OnExceed.Kind)
			}
			for _, k := range kinds {
				for _, e := range action.RequiredSideEffects(k) {
					if _, ok := allowed[string(e)]; !ok {
						return nil, engerrors.Validation(engerrors.CodeValidationRule, "rule %q: action %s requires side effect %q not in bundle's allowed set", r.RuleId, k, e)
					}
				}
			}
		}
	}

	// 7. Semantic hook digests parse (verified digest match).
	for _, r := range b.Rules {
		if r.Match.Semantic != nil && !r.Match.Semantic.VerifyDigest() {
			return nil, engerrors.New(engerrors.CodeHookBadDigest, 422, fmt.Sprintf("rule %q: semantic hook content digest does not match script", r.RuleId))
		}
	}

	// 8. Signature verified if required.
	if cfg.RequireSignature {
		if b.Signature == "" {
			return nil, engerrors.Signature(engerrors.CodeSignatureMissing, "bundle %s: signature required but absent", b.BundleId)
		}
		if verifier == nil {
			return nil, engerrors.Signature(engerrors.CodeSignatureMissing, "bundle %s: signature verification required but no verifier configured", b.BundleId)
		}
		if err := verifier.Verify(b); err != nil {
			return nil, engerrors.Wrap(engerrors.CodeSignatureInvalid, 422, fmt.Sprintf("bundle %s: signature verification failed", b.BundleId), err)
		}
	}

	// 9. Rollout policy well-formed.
	if err := checkRollout(b.Rollout); err != nil {
		if ee, ok := engerrors.As(err); ok {
			return nil, ee.WithDetails("bundle_id", string(b.BundleId))
		}
		return nil, err
	}

	return result, nil
}

func checkPriorities(rules []Rule, maxPriority int) error {
	type key struct {
		layer  int
		family string
	}
	byFamily := make(map[key][]Rule)
	for _, r := range rules {
		if r.Priority < 0 || (maxPriority > 0 && r.Priority > maxPriority) {
			return engerrors.Validation(engerrors.CodeValidationRule, "rule %q: priority %d out of range [0, %d]", r.RuleId, r.Priority, maxPriority)
		}
		k := key{layer: int(r.Family.Layer), family: r.Family.Family}
		byFamily[k] = append(byFamily[k], r)
	}

	for _, group := range byFamily {
		for i := 0; i < len(group); i++ {
			for j := i + 1; j < len(group); j++ {
				a, b := group[i], group[j]
				if a.Priority == b.Priority && a.Scope.Overlaps(b.Scope) {
					return engerrors.Conflict(engerrors.CodeConflictRule, "rules %q and %q share priority %d with overlapping scope in family %s",
						a.RuleId, b.RuleId, a.Priority, a.Family)
				}
			}
		}
	}
	return nil
}

func checkScopes(rules []Rule, cfg ValidationConfig) error {
	for _, r := range rules {
		if cfg.KnownAgents != nil {
			for agent := range r.Scope.SourceAgents {
				if _, ok := cfg.KnownAgents[string(agent)]; !ok {
					return engerrors.Validation(engerrors.CodeValidationScope, "rule %q: unknown source agent %q", r.RuleId, agent)
				}
			}
			for agent := range r.Scope.DestAgents {
				if _, ok := cfg.KnownAgents[string(agent)]; !ok {
					return engerrors.Validation(engerrors.CodeValidationScope, "rule %q: unknown dest agent %q", r.RuleId, agent)
				}
			}
		}
		if cfg.KnownFlows != nil {
			for flow := range r.Scope.Flows {
				if _, ok := cfg.KnownFlows[string(flow)]; !ok {
					return engerrors.Validation(engerrors.CodeValidationScope, "rule %q: unknown flow %q", r.RuleId, flow)
				}
			}
		}
	}
	return nil
}

func checkBudgets(rules []Rule, cfg ValidationConfig) ([]Warning, error) {
	var warnings []Warning
	ceiling := cfg.MaxBudgetMs
	if ceiling <= 0 {
		ceiling = 30000
	}
	for _, r := range rules {
		budgetMs := r.Action.TotalBudget.Milliseconds()
		if budgetMs > ceiling {
			return nil, engerrors.Validation(engerrors.CodeValidationBudget, "rule %q: action budget %dms exceeds ceiling %dms", r.RuleId, budgetMs, ceiling)
		}
		if cfg.WarnBudgetMs > 0 && budgetMs > cfg.WarnBudgetMs {
			warnings = append(warnings, Warning{
				RuleId:  string(r.RuleId),
				Message: fmt.Sprintf("action budget %dms is high (warn threshold %dms)", budgetMs, cfg.WarnBudgetMs),
			})
		}
	}
	return warnings, nil
}

func checkRollout(p RolloutPolicy) error {
	switch p.Kind {
	case RolloutImmediate:
		return nil
	case RolloutCanary:
		if p.Canary == nil {
			return engerrors.Validation(engerrors.CodeValidationBundle, "canary rollout requires a canary policy")
		}
		if p.Canary.Percent < 0 || p.Canary.Percent > 1 {
			return engerrors.Validation(engerrors.CodeValidationBundle, "canary percent %f must be within [0, 1]", p.Canary.Percent)
		}
		return nil
	case RolloutABTest:
		if p.ABTest == nil {
			return engerrors.Validation(engerrors.CodeValidationBundle, "ab_test rollout requires an ab_test policy")
		}
		if p.ABTest.SplitRatio < 0 || p.ABTest.SplitRatio > 1 {
			return engerrors.Validation(engerrors.CodeValidationBundle, "ab_test split ratio %f must be within [0, 1]", p.ABTest.SplitRatio)
		}
		return nil
	case RolloutTimeWindow:
		if p.TimeWindow == nil {
			return engerrors.Validation(engerrors.CodeValidationBundle, "time_window rollout requires a time_window policy")
		}
		if !p.TimeWindow.Start.Before(p.TimeWindow.End) {
			return engerrors.Validation(engerrors.CodeValidationBundle, "time window start %s must be before end %s", p.TimeWindow.Start, p.TimeWindow.End)
		}
		return nil
	case RolloutScheduled:
		if p.Scheduled == nil {
			return engerrors.Validation(engerrors.CodeValidationBundle, "scheduled rollout requires a scheduled policy")
		}
		if !p.Scheduled.ActivationTime.After(time.Now()) {
			return engerrors.Validation(engerrors.CodeValidationBundle, "scheduled activation time %s must be in the future", p.Scheduled.ActivationTime)
		}
		return nil
	default:
		return engerrors.Validation(engerrors.CodeValidationBundle, "unknown rollout kind %q", p.Kind)
	}
}
