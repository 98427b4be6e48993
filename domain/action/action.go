// Package action defines the action clause a matched rule executes: a
// closed set of primary action variants, optional ordered secondaries, and
// the outcome variants every action reports back to the evaluation engine.
package action

import "time"

// Kind names a primary or secondary action variant. The set is closed;
// bundle validation rejects any value outside it.
type Kind string

const (
	KindDeny          Kind = "deny"
	KindAllow         Kind = "allow"
	KindRewrite       Kind = "rewrite"
	KindRedact        Kind = "redact"
	KindSpawnSidecar  Kind = "spawn_sidecar"
	KindRouteTo       Kind = "route_to"
	KindRateLimit     Kind = "rate_limit"
	KindLog           Kind = "log"
	KindAttachMeta    Kind = "attach_metadata"
	KindCallback      Kind = "callback"
	KindSandboxExec   Kind = "sandbox_execute"
)

// RewriteOpKind names a single rewrite operation within a Rewrite action.
type RewriteOpKind string

const (
	RewriteSetField    RewriteOpKind = "set_field"
	RewriteDeleteField RewriteOpKind = "delete_field"
	RewriteRenameField RewriteOpKind = "rename_field"
	RewriteTransform   RewriteOpKind = "transform"
)

// RewriteOp is one step of a Rewrite action's ordered op list.
type RewriteOp struct {
	Kind      RewriteOpKind
	Field     string
	NewField  string      // used by RewriteRenameField
	Value     interface{} // used by RewriteSetField
	Transform string      // name of a registered transform, used by RewriteTransform
}

// RedactStrategy names how Redact removes or obscures a field's value.
type RedactStrategy string

const (
	RedactRemove  RedactStrategy = "remove"
	RedactMask    RedactStrategy = "mask"
	RedactHash    RedactStrategy = "hash"
	RedactPartial RedactStrategy = "partial"
)

// RateLimitScope names the dimension a RateLimit action's limiter counts
// against.
type RateLimitScope string

const (
	ScopePerAgent       RateLimitScope = "per_agent"
	ScopePerFlow        RateLimitScope = "per_flow"
	ScopePerDestination RateLimitScope = "per_destination"
	ScopePerKey         RateLimitScope = "per_key"
	ScopeGlobal         RateLimitScope = "global"
)

// Action is a closed tagged union over the eleven primary/secondary action
// variants from spec.md §4.3. Exactly one of the variant-specific struct
// pointers below is populated, selected by Kind.
type Action struct {
	Kind Kind

	Deny          *DenyAction
	Allow         *AllowAction
	Rewrite       *RewriteAction
	Redact        *RedactAction
	SpawnSidecar  *SpawnSidecarAction
	RouteTo       *RouteToAction
	RateLimit     *RateLimitAction
	Log           *LogAction
	AttachMeta    *AttachMetadataAction
	Callback      *CallbackAction
	SandboxExec   *SandboxExecuteAction
}

type DenyAction struct {
	Reason     string
	Code       string
	HTTPStatus int // 0 means "use default mapping"
}

type AllowAction struct {
	Log    bool
	Reason string
}

type RewriteAction struct {
	Ops               []RewriteOp
	PreserveOriginal  bool
}

type RedactAction struct {
	Fields   []string
	Strategy RedactStrategy
	Template string // used by RedactPartial/RedactMask
}

type SpawnSidecarAction struct {
	Spec               string // sidecar image/spec reference
	BlockOnCompletion  bool
	PassPayload        bool
}

type RouteToAction struct {
	DestAgent       string
	Queue           string
	PreserveHeaders bool
}

// RateLimitAction is itself a secondary-action container: OnExceed is an
// arbitrary nested Action executed atomically with the counter increment
// when the window is exhausted.
type RateLimitAction struct {
	Max      int
	Window   time.Duration
	Scope    RateLimitScope
	OnExceed *Action
}

type LogAction struct {
	Level           string
	Message         string
	IncludePayload  bool
	StructuredData  map[string]interface{}
}

type AttachMetadataAction struct {
	KV        map[string]string
	Overwrite bool
}

type CallbackAction struct {
	Endpoint       string
	EventType      string
	IncludePayload bool
	Async          bool
}

type SandboxExecuteAction struct {
	ModuleId     string
	ModuleDigest string
	Limits       SandboxLimits
	Params       map[string]interface{}
}

type SandboxLimits struct {
	MaxExecMs      int64
	MemoryLimitKB  int64
}

// OutcomeKind names the variant an executed action reports.
type OutcomeKind string

const (
	OutcomeSuccess OutcomeKind = "success"
	OutcomeDenied  OutcomeKind = "denied"
	OutcomeFailed  OutcomeKind = "failed"
	OutcomeTimeout OutcomeKind = "timeout"
	OutcomeSkipped OutcomeKind = "skipped"
)

// Outcome is the result of executing one Action.
type Outcome struct {
	Kind      OutcomeKind
	Modified  bool          // Success
	Payload   []byte        // Success, only when Modified: the mutated JSON payload
	Reason    string        // Denied, Skipped
	Code      string        // Denied
	Err       error         // Failed
	Retryable bool          // Failed
	Elapsed   time.Duration // Timeout, and informational on others
}

func Success(modified bool, elapsed time.Duration) Outcome {
	return Outcome{Kind: OutcomeSuccess, Modified: modified, Elapsed: elapsed}
}

// SuccessWithPayload reports a Success outcome for an action that mutated
// the event payload (Rewrite, Redact, AttachMetadata), carrying the result
// forward so later secondaries and the final Decision see the change.
func SuccessWithPayload(payload []byte, modified bool, elapsed time.Duration) Outcome {
	return Outcome{Kind: OutcomeSuccess, Modified: modified, Payload: payload, Elapsed: elapsed}
}

func Denied(reason, code string, elapsed time.Duration) Outcome {
	return Outcome{Kind: OutcomeDenied, Reason: reason, Code: code, Elapsed: elapsed}
}

func Failed(err error, retryable bool, elapsed time.Duration) Outcome {
	return Outcome{Kind: OutcomeFailed, Err: err, Retryable: retryable, Elapsed: elapsed}
}

func TimedOut(elapsed time.Duration) Outcome {
	return Outcome{Kind: OutcomeTimeout, Elapsed: elapsed}
}

func Skipped(reason string) Outcome {
	return Outcome{Kind: OutcomeSkipped, Reason: reason}
}
