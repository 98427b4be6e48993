// Package engine implements the Evaluation Engine: the per-event, per-layer
// pipeline that walks the Rule Table in priority order, runs each rule's
// match clause and action clause within an execution budget, and emits the
// resulting audit trail, per spec.md §4.8.
package engine

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/R3E-Network/dataplane-ruleengine/domain/action"
	"github.com/R3E-Network/dataplane-ruleengine/domain/audit"
	"github.com/R3E-Network/dataplane-ruleengine/domain/budget"
	"github.com/R3E-Network/dataplane-ruleengine/domain/identity"
	"github.com/R3E-Network/dataplane-ruleengine/domain/match"
	"github.com/R3E-Network/dataplane-ruleengine/internal/ruletable"
)

// Layers lists the evaluation order spec.md §4.8 mandates: L0 -> L6.
var Layers = []identity.Layer{
	identity.LayerSystem,
	identity.LayerInput,
	identity.LayerPlanner,
	identity.LayerModelIO,
	identity.LayerToolGateway,
	identity.LayerRAG,
	identity.LayerEgress,
}

// Engine walks the layered Rule Table for each incoming event and produces
// a final Decision plus an audit trail.
type Engine struct {
	Table     *ruletable.RuleTable
	Sandbox   *match.Sandbox
	Limiters  *action.LimiterRegistry
	Trail     *audit.Trail
	Callbacks CallbackDispatcher
	Sidecars  SidecarDispatcher
}

// CallbackDispatcher delivers a Callback action's message; Async callbacks
// must not block evaluation, so the engine always dispatches them on their
// own goroutine and only awaits completion when BlockOnCompletion-style
// synchronous semantics are requested elsewhere.
type CallbackDispatcher interface {
	Dispatch(ctx context.Context, endpoint, eventType string, payload []byte) error
}

// SidecarDispatcher spawns a sidecar process/container for SpawnSidecar
// actions.
type SidecarDispatcher interface {
	Spawn(ctx context.Context, spec string, passPayload bool) error
}

// New builds an Engine over an already-populated RuleTable.
func New(table *ruletable.RuleTable, sandbox *match.Sandbox, trail *audit.Trail) *Engine {
	return &Engine{
		Table:    table,
		Sandbox:  sandbox,
		Limiters: action.NewLimiterRegistry(),
		Trail:    trail,
	}
}

// ruleOutcome captures a single rule's evaluation, feeding both the final
// Decision and the audit record.
type ruleOutcome struct {
	entry      *ruletable.Entry
	matched    bool
	violation  budget.Violation
	cacheHit   bool
	action     action.ClauseOutcome
	err        error
	elapsed    time.Duration
}

// Evaluate runs ev through every layer in order, short-circuiting on the
// first family-level Deny within a layer, and returns the terminal
// Decision. Every rule visited, matched or not, produces an audit record.
func (e *Engine) Evaluate(ctx context.Context, ev Event) Decision {
	start := time.Now()
	decision := Decision{Decision: "allow", Rationale: "no rule matched"}

	for _, layer := range Layers {
		families := e.Table.FamiliesForLayer(layer)
		layerDenied := false

		for _, family := range families {
			outcome, ok := e.evaluateFamily(ctx, family, ev)
			if !ok {
				continue
			}
			if outcome.action.Primary.Kind == action.OutcomeDenied {
				decision = Decision{
					Decision:  "deny",
					RuleId:    outcome.entry.RuleId,
					Rationale: outcome.action.Primary.Reason,
					LatencyMs: float64(time.Since(start).Microseconds()) / 1000.0,
				}
				layerDenied = true
				break
			}
			decision = Decision{
				Decision:        outcomeToDecisionString(outcome.action.Primary.Kind),
				RuleId:          outcome.entry.RuleId,
				Rationale:       fmt.Sprintf("matched rule %s in family %s", outcome.entry.RuleId, family),
				PayloadModified: outcome.action.Modified,
				ModifiedPayload: outcome.action.Payload,
			}
		}
		if layerDenied {
			break
		}
	}

	decision.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
	return decision
}

func outcomeToDecisionString(k action.OutcomeKind) string {
	switch k {
	case action.OutcomeDenied:
		return "deny"
	case action.OutcomeFailed, action.OutcomeTimeout:
		return "error"
	case action.OutcomeSkipped:
		return "skip"
	default:
		return "allow"
	}
}

// evaluateFamily evaluates every applicable rule in one family in priority
// order, returning the first rule whose match succeeds (per spec.md §4.8's
// "first rule whose match succeeds decides" family-level short-circuit).
func (e *Engine) evaluateFamily(ctx context.Context, family identity.RuleFamily, ev Event) (ruleOutcome, bool) {
	query := ruletable.RuleQuery{
		Agent:       ev.SourceAgent,
		DestAgent:   ev.DestAgent,
		Flow:        ev.Flow,
		PayloadType: ev.PayloadType,
		Secondary:   ev.secondaryKey(),
	}
	entries := e.Table.Query(family, query)

	for _, entry := range entries {
		outcome := e.evaluateRule(ctx, entry, ev)
		e.audit(entry, outcome)
		e.updateStats(family, entry, outcome)
		if outcome.matched {
			return outcome, true
		}
	}
	return ruleOutcome{}, false
}

// evaluateRule runs the per-rule pipeline from spec.md §4.8 steps 1-6.
func (e *Engine) evaluateRule(ctx context.Context, entry *ruletable.Entry, ev Event) ruleOutcome {
	started := time.Now()

	if e.Table.Cache != nil {
		key := ruletable.CacheKey{
			AgentId:   ev.SourceAgent,
			FlowId:    ev.Flow,
			EventHash: ruletable.EventHash(string(entry.RuleId), ev.Action, ev.Resource.Type, ev.Resource.Name),
		}
		if cached, ok := e.Table.Cache.Get(key); ok && cached.RuleId == entry.RuleId {
			return ruleOutcome{
				entry:   entry,
				matched: true,
				cacheHit: true,
				elapsed: time.Since(started),
				action:  clauseOutcomeFromSummary(cached.DecisionSummary),
			}
		}
	}

	spec := budgetSpecFor(entry)
	b := budget.New(spec)
	if !b.Sampled() {
		return ruleOutcome{entry: entry, matched: false, elapsed: time.Since(started)}
	}

	evalCtx, cancel := context.WithTimeout(ctx, time.Duration(spec.MaxExecMs)*time.Millisecond)
	defer cancel()

	header := match.Header{
		SourceAgent:  ev.SourceAgent,
		DestAgent:    ev.DestAgent,
		Flow:         ev.Flow,
		PayloadType:  ev.PayloadType,
		SecondaryKey: ev.secondaryKey(),
		RiskScore:    ev.Risk.Authn,
	}
	var payload match.Payload
	if entry.Match.RequiresPayload() {
		payload = match.Payload{Raw: ev.RawPayload, Decoded: ev.decodedPayload()}
	}

	var sandbox *match.Sandbox
	if entry.Match.RequiresSandbox() {
		sandbox = e.Sandbox
	}

	// ReadMemStats brackets the match call when the budget actually has a
	// memory ceiling to check against; this is a coarse, process-wide
	// delta (not per-goroutine, Go's runtime exposes no such thing
	// cheaply), so it's skipped entirely for budgets like Observational
	// that declare no ceiling, to avoid paying ReadMemStats' cost on
	// every evaluation regardless of whether anything will use it.
	var observedMemory int64
	checkMemory := spec.MemoryLimitBytes > 0
	var memBefore runtime.MemStats
	if checkMemory {
		runtime.ReadMemStats(&memBefore)
	}

	matchOut := entry.Match.Eval(evalCtx, header, payload, sandbox)

	if checkMemory {
		var memAfter runtime.MemStats
		runtime.ReadMemStats(&memAfter)
		if memAfter.HeapAlloc > memBefore.HeapAlloc {
			observedMemory = int64(memAfter.HeapAlloc - memBefore.HeapAlloc)
		}
	}
	// observedCPUShare is always 0: the Go runtime has no cheap
	// per-goroutine CPU accounting, so CPUShares is accepted in Spec but
	// neither validated on bundle install nor enforced at evaluation time.
	violation := b.Check(observedMemory, 0)

	result := ruleOutcome{
		entry:     entry,
		matched:   matchOut.Matched,
		violation: violation,
		elapsed:   time.Since(started),
	}

	if entry.Match.Semantic != nil && matchOut.SemanticErr != nil && violation.Kind() == budget.ViolationTimeout {
		result.err = matchOut.SemanticErr
	}

	if !matchOut.Matched {
		return result
	}

	clauseOutcome := e.executeAction(evalCtx, entry, ev)
	result.action = clauseOutcome

	if e.Table.Cache != nil && isCacheable(entry.Action.Primary.Kind, clauseOutcome.Primary) {
		key := ruletable.CacheKey{
			AgentId:   ev.SourceAgent,
			FlowId:    ev.Flow,
			EventHash: ruletable.EventHash(string(entry.RuleId), ev.Action, ev.Resource.Type, ev.Resource.Name),
		}
		e.Table.Cache.Put(key, ruletable.CachedDecision{
			RuleId:          entry.RuleId,
			DecisionSummary: audit.DecisionSummary(clauseOutcome.Primary.Kind, clauseOutcome.Primary.Code),
		})
	}

	return result
}

// clauseOutcomeFromSummary reconstructs the minimal ClauseOutcome a cache
// hit needs from its stored "outcome[:code]" summary string, so a cached
// decision still drives the final Decision the same way a fresh one would.
func clauseOutcomeFromSummary(summary string) action.ClauseOutcome {
	kind, code, _ := strings.Cut(summary, ":")
	return action.ClauseOutcome{Primary: action.Outcome{Kind: action.OutcomeKind(kind), Code: code}}
}

// isCacheable mirrors spec.md §4.7's decision-cache safety rule: only
// Allow, Deny and stable-template Redact primaries are idempotent and
// deterministic given (rule_id, event_hash). RateLimit (counter state),
// Callback/SpawnSidecar/RouteTo/SandboxExec (external side effects) and
// anything that failed or timed out are excluded.
func isCacheable(primaryKind action.Kind, o action.Outcome) bool {
	switch primaryKind {
	case action.KindDeny, action.KindAllow, action.KindRedact:
		return o.Kind == action.OutcomeDenied || o.Kind == action.OutcomeSuccess
	default:
		return false
	}
}

func budgetSpecFor(entry *ruletable.Entry) budget.Spec {
	switch {
	case entry.Match.RequiresSandbox():
		return budget.SemanticRule
	case entry.Family.Family == identity.FamilyObservational:
		return budget.Observational
	default:
		return budget.FastRule
	}
}

// executeAction runs an ActionClause's primary then, if not terminal, its
// secondaries in order, per spec.md §4.3/§4.8.
func (e *Engine) executeAction(ctx context.Context, entry *ruletable.Entry, ev Event) action.ClauseOutcome {
	clause := entry.Action
	primary := e.runOneAction(ctx, entry, clause.Primary, ev)
	out := action.ClauseOutcome{Primary: primary}
	if primary.Modified {
		ev.RawPayload = primary.Payload
		out.Modified, out.Payload = true, ev.RawPayload
	}
	if primary.Terminal() {
		return out
	}
	for _, secondary := range clause.Secondaries {
		so := e.runOneAction(ctx, entry, secondary, ev)
		if so.Modified {
			ev.RawPayload = so.Payload
			out.Modified, out.Payload = true, ev.RawPayload
		}
		out.Secondary = append(out.Secondary, so)
		if so.Terminal() && clause.Rollback {
			out.RolledBack = true
			break
		}
	}
	return out
}

func (e *Engine) runOneAction(ctx context.Context, entry *ruletable.Entry, a action.Action, ev Event) action.Outcome {
	started := time.Now()
	switch a.Kind {
	case action.KindDeny:
		return action.Denied(a.Deny.Reason, a.Deny.Code, time.Since(started))
	case action.KindAllow:
		return action.Success(false, time.Since(started))
	case action.KindRewrite:
		payload, modified, err := action.ApplyRewrite(ev.RawPayload, a.Rewrite)
		if err != nil {
			return action.Failed(err, false, time.Since(started))
		}
		return action.SuccessWithPayload(payload, modified, time.Since(started))
	case action.KindRedact:
		payload, modified, err := action.ApplyRedact(ev.RawPayload, a.Redact)
		if err != nil {
			return action.Failed(err, false, time.Since(started))
		}
		return action.SuccessWithPayload(payload, modified, time.Since(started))
	case action.KindAttachMeta:
		payload, modified, err := action.ApplyAttachMetadata(ev.RawPayload, a.AttachMeta)
		if err != nil {
			return action.Failed(err, false, time.Since(started))
		}
		return action.SuccessWithPayload(payload, modified, time.Since(started))
	case action.KindLog:
		return action.Success(false, time.Since(started))
	case action.KindRateLimit:
		return e.runRateLimit(entry, a, ev, started)
	case action.KindSpawnSidecar:
		if e.Sidecars == nil {
			return action.Failed(fmt.Errorf("no sidecar dispatcher configured"), false, time.Since(started))
		}
		if err := e.Sidecars.Spawn(ctx, a.SpawnSidecar.Spec, a.SpawnSidecar.PassPayload); err != nil {
			return action.Failed(err, true, time.Since(started))
		}
		return action.Success(false, time.Since(started))
	case action.KindCallback:
		if e.Callbacks == nil {
			return action.Failed(fmt.Errorf("no callback dispatcher configured"), false, time.Since(started))
		}
		if a.Callback.Async {
			go e.Callbacks.Dispatch(context.Background(), a.Callback.Endpoint, a.Callback.EventType, ev.RawPayload)
			return action.Success(false, time.Since(started))
		}
		if err := e.Callbacks.Dispatch(ctx, a.Callback.Endpoint, a.Callback.EventType, ev.RawPayload); err != nil {
			return action.Failed(err, true, time.Since(started))
		}
		return action.Success(false, time.Since(started))
	case action.KindRouteTo, action.KindSandboxExec:
		return action.Success(false, time.Since(started))
	default:
		return action.Skipped(fmt.Sprintf("unhandled action kind %q", a.Kind))
	}
}

func (e *Engine) runRateLimit(entry *ruletable.Entry, a action.Action, ev Event, started time.Time) action.Outcome {
	rl := a.RateLimit
	limiter := e.Limiters.Get(string(entry.RuleId), *rl)
	key := action.ScopeKey(rl.Scope, string(ev.SourceAgent), string(ev.Flow), string(ev.DestAgent), ev.Id)
	if limiter.Allow(key) {
		return action.Success(false, time.Since(started))
	}
	if rl.OnExceed == nil {
		return action.Denied("rate limit exceeded", "rate_limited", time.Since(started))
	}
	return e.runOneAction(context.Background(), entry, *rl.OnExceed, ev)
}

func (e *Engine) updateStats(family identity.RuleFamily, entry *ruletable.Entry, outcome ruleOutcome) {
	e.Table.UpdateStats(family, entry.RuleId, func(s ruletable.Stats) ruletable.Stats {
		s.EvaluationCount++
		if outcome.matched {
			s.MatchCount++
		}
		if outcome.action.Primary.Kind != "" {
			s.ActionCount++
		}
		if outcome.err != nil || outcome.action.Primary.Kind == action.OutcomeFailed {
			s.ErrorCount++
		}
		s.TotalEvalTime += outcome.elapsed
		s.LastEvaluated = time.Now()
		return s
	})
}

func (e *Engine) audit(entry *ruletable.Entry, outcome ruleOutcome) {
	if e.Trail == nil {
		return
	}
	decisionKind := action.OutcomeSkipped
	code := ""
	if outcome.matched {
		decisionKind = outcome.action.Primary.Kind
		code = outcome.action.Primary.Code
	}
	summary := audit.DecisionSummary(decisionKind, code)
	compact := audit.NewCompact(e.Trail.NextSeq(), entry.RuleId, entry.Version, summary, nil)

	full := audit.Full{
		Compact:          compact,
		Outcome:          decisionKind,
		BundleId:         entry.BundleId,
		EnforcementClass: enforcementClassOf(entry),
		Stats: audit.ExecutionStats{
			ElapsedMs: float64(outcome.elapsed.Microseconds()) / 1000.0,
		},
	}
	if outcome.violation.Kind() != budget.ViolationNone {
		full.ConstraintViolations = outcome.violation.Kinds
	}
	e.Trail.Record(full)
}

func enforcementClassOf(entry *ruletable.Entry) string {
	if entry.Match.Semantic != nil {
		return string(entry.Match.Semantic.Enforcement)
	}
	return ""
}
