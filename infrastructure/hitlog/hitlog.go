// Package hitlog implements the append-only session record stream and its
// query index, per spec.md §6's "Persisted state" section: each record
// carries every field of a Full AuditRecord plus the evaluated rules and
// their similarity vectors, indexed by (tenant_id, agent_id, timestamp_ms,
// session_id).
package hitlog

import (
	"encoding/json"
	"time"

	"github.com/R3E-Network/dataplane-ruleengine/domain/audit"
	"github.com/R3E-Network/dataplane-ruleengine/domain/identity"
)

// EvaluatedRule is one rule visited while producing a session's decision,
// carried alongside the audit record so a later query can explain why a
// session landed where it did.
type EvaluatedRule struct {
	RuleId            identity.RuleId
	Matched           bool
	SliceSimilarities map[string]float64
}

// SessionRecord is one hitlog entry: a Full audit record plus the rules
// evaluated to produce it.
type SessionRecord struct {
	SessionId string
	AgentId   identity.AgentId
	Layer     identity.Layer
	Record    audit.Full
	Rules     []EvaluatedRule
}

// MarshalJSON renders a SessionRecord the way an adapter-private hitlog
// format is free to, but JSON is the default this package ships.
func (s SessionRecord) MarshalJSON() ([]byte, error) {
	type alias SessionRecord
	return json.Marshal(alias(s))
}

// Filters narrows a QueryTelemetry call, per spec.md §6.
type Filters struct {
	AgentId  identity.AgentId
	TenantId identity.TenantId
	Decision string
	Layer    identity.Layer
	HasLayer bool // Layer is meaningful only when this is true (LayerSystem is 0, a valid layer)
	Since    time.Time
	Until    time.Time
	Limit    int
	Offset   int
}

// Sink is the append-only write side of the hitlog, implementing
// audit.Sink so a Trail can flush directly into it.
type Sink interface {
	audit.Sink
	AppendSession(s SessionRecord) error
}

// Index is the read side: the query surface QueryTelemetry/GetSession use.
type Index interface {
	Query(f Filters) (sessions []SessionRecord, total int, err error)
	Get(sessionID string) (SessionRecord, bool, error)
}
