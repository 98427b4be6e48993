package engine

import (
	"encoding/json"
	"time"

	"github.com/R3E-Network/dataplane-ruleengine/domain/identity"
)

// Actor identifies who or what originated an event, per spec.md §6's
// Enforce request shape.
type Actor struct {
	Id   string
	Type string
}

// Resource names what an event acts on.
type Resource struct {
	Type     string
	Name     string
	Location string
}

// Data carries the sensitivity classification the engine's match
// predicates reason about, without the engine itself interpreting payload
// semantics beyond what a rule's clause declares it needs.
type Data struct {
	Sensitivity []string
	PII         bool
	Volume      int64
}

// Risk carries upstream authentication-strength signals a FastMatch
// predicate may key on via Header.RiskScore.
type Risk struct {
	Authn float64
}

// EventContext is populated only for events originating inside a specific
// layer's processing (e.g. a tool call), per spec.md §6's optional
// `context{layer, tool_name, tool_method, tool_params}`.
type EventContext struct {
	Layer      identity.Layer
	ToolName   string
	ToolMethod string
	ToolParams map[string]interface{}
}

// Event is the unit the Enforcement RPC and the Evaluation Engine operate
// on, matching spec.md §6's Enforce(event) request fields.
type Event struct {
	Id            string
	SchemaVersion string
	TenantId      identity.TenantId
	Timestamp     time.Time
	Actor         Actor
	Action        string
	Resource      Resource
	Data          Data
	Risk          Risk
	Context       *EventContext

	SourceAgent identity.AgentId
	DestAgent   identity.AgentId
	Flow        identity.FlowId
	PayloadType string
	RawPayload  []byte // nil unless a rule in the current layer requires it
}

// secondaryKey returns the FastMatch secondary index key: Context.ToolName,
// or "" when the event has none.
func (e Event) secondaryKey() string {
	if e.Context == nil {
		return ""
	}
	switch {
	case e.Context.ToolName != "":
		return e.Context.ToolName
	default:
		return ""
	}
}

// decodedPayload lazily unmarshals RawPayload; called only when a clause in
// the current layer declares RequiresPayload()==true, preserving the
// no-payload-access invariant for header-only rules.
func (e Event) decodedPayload() interface{} {
	if len(e.RawPayload) == 0 {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(e.RawPayload, &v); err != nil {
		return nil
	}
	return v
}

// Decision is the result returned from the Enforcement RPC, per spec.md
// §6: `Enforce(event) -> {decision, rule_id?, slice_similarities?,
// rationale, latency_ms}`. PayloadModified and ModifiedPayload are additive
// beyond that tuple: populated when the winning rule's Rewrite, Redact, or
// AttachMetadata action actually mutated the event payload, per spec.md
// §8 scenario 4's `payload_modified=true` expectation.
type Decision struct {
	Decision          string
	RuleId            identity.RuleId
	SliceSimilarities map[string]float64
	Rationale         string
	LatencyMs         float64
	PayloadModified   bool
	ModifiedPayload   []byte
}
