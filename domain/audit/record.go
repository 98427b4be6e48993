// Package audit implements the two-shape audit chain every rule
// evaluation feeds: a compact record for the hot path and a full record
// for asynchronous, explainable persistence, plus the provenance hashing
// that makes the chain tamper-evident.
package audit

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/R3E-Network/dataplane-ruleengine/domain/action"
	"github.com/R3E-Network/dataplane-ruleengine/domain/budget"
	"github.com/R3E-Network/dataplane-ruleengine/domain/identity"
)

// PayloadRef is an opaque pointer to payload bytes held elsewhere; the
// audit chain never stores payload content itself.
type PayloadRef struct {
	ShmId  string
	Offset int64
	Length int64
	Hash   string // used when the payload isn't in shared memory
}

// Compact is the ~100 byte hot-path record written on every rule
// evaluation, regardless of log level.
type Compact struct {
	Seq             uint64
	RuleId          identity.RuleId
	Version         identity.VersionId
	DecisionSummary string
	TimestampMs     int64
	ProvenanceHash  string
	PayloadRefs     []PayloadRef
}

// StageTimestamps records the five points spec.md §4.5 requires for a Full
// record's latency breakdown.
type StageTimestamps struct {
	ReceivedMs    int64
	EvalStartMs   int64
	EvalEndMs     int64
	DecisionMs    int64
	AuditCreateMs int64
}

// ExecutionStats summarizes the resource accounting attached to a Full
// record.
type ExecutionStats struct {
	ElapsedMs       float64
	MemoryUsedBytes int64
	CPUShareUsed    int
	Retries         int
}

// Full extends Compact with everything needed to explain a decision after
// the fact: outcome, enforcement class, violations, stats and ids.
type Full struct {
	Compact

	Outcome           action.OutcomeKind
	Stages            StageTimestamps
	BundleId          identity.BundleId
	EnforcementClass  string
	ConstraintViolations []budget.ViolationKind
	Stats             ExecutionStats
	TenantId          identity.TenantId
	RequestId         string
	SessionId         string
	Explanation       string
	Metadata          map[string]string
}

// ProvenanceHash computes the SHA-256 hash over the canonically serialized
// required fields of a compact record, matching spec.md §4.5's tamper
// evidence requirement. It must be deterministic across processes, so the
// encoding below is a fixed field order rather than a map or JSON.
func ProvenanceHash(c Compact) string {
	h := sha256.New()
	h.Write([]byte(c.RuleId))
	h.Write([]byte{0})
	h.Write([]byte(c.Version))
	h.Write([]byte{0})
	h.Write([]byte(c.DecisionSummary))
	h.Write([]byte{0})

	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(c.TimestampMs))
	h.Write(tsBuf[:])

	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], c.Seq)
	h.Write(seqBuf[:])

	for _, ref := range c.PayloadRefs {
		h.Write([]byte(ref.ShmId))
		h.Write([]byte(ref.Hash))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Verify recomputes the provenance hash and compares it against the stored
// value, detecting tampering or corruption of any hashed field.
func Verify(c Compact) bool {
	return ProvenanceHash(c) == c.ProvenanceHash
}

// NewCompact builds a Compact record with its provenance hash already
// computed, the shape a writer should always produce.
func NewCompact(seq uint64, ruleID identity.RuleId, version identity.VersionId, decisionSummary string, refs []PayloadRef) Compact {
	c := Compact{
		Seq:             seq,
		RuleId:          ruleID,
		Version:         version,
		DecisionSummary: decisionSummary,
		TimestampMs:     time.Now().UnixMilli(),
		PayloadRefs:     refs,
	}
	c.ProvenanceHash = ProvenanceHash(c)
	return c
}

// DecisionSummary renders a terse, stable string for Compact.DecisionSummary
// from an action outcome, e.g. "deny:rate_limited" or "allow".
func DecisionSummary(outcome action.OutcomeKind, code string) string {
	if code == "" {
		return string(outcome)
	}
	return fmt.Sprintf("%s:%s", outcome, code)
}
