package match

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dop251/goja"
)

// EnforcementClass decides what a SemanticHook failure (timeout, exception,
// digest mismatch) does to the rule that declared it: Hard rules fail
// closed (the rule is treated as matched, forcing its Deny/Redact action),
// Soft rules fail open (the rule is treated as not matched).
type EnforcementClass string

const (
	EnforcementHard EnforcementClass = "hard"
	EnforcementSoft EnforcementClass = "soft"
)

// SemanticHook references a sandboxed script by content digest rather than
// embedding the script body in every rule evaluation path; the digest is
// what bundle activation verifies and what the audit trail records.
type SemanticHook struct {
	HookId         string
	ContentDigest  string // hex sha256 of Script, fixed at bundle authoring time
	Script         string
	EntryPoint     string
	Enforcement    EnforcementClass
	TimeoutBudget  time.Duration
	MemoryBudgetKB int64
}

// Digest computes the sha256 hex digest of the hook's script body.
func Digest(script string) string {
	sum := sha256.Sum256([]byte(script))
	return hex.EncodeToString(sum[:])
}

// VerifyDigest reports whether h.ContentDigest matches h.Script, the check
// bundle activation performs before a hook is ever allowed to run.
func (h SemanticHook) VerifyDigest() bool {
	return Digest(h.Script) == h.ContentDigest
}

// HookInput is the event data a semantic hook receives. Only a scrubbed
// subset of the event reaches the sandbox; secrets are never exposed.
type HookInput struct {
	Header  Header                 `json:"header"`
	Payload map[string]interface{} `json:"payload"`
}

// HookResult is what a semantic hook returns: whether it matched, plus
// free-form explanation fields the audit trail may record.
type HookResult struct {
	Matched bool                   `json:"matched"`
	Reason  string                 `json:"reason,omitempty"`
	Extra   map[string]interface{} `json:"extra,omitempty"`
	Logs    []string
}

// Sandbox runs SemanticHook scripts in isolated goja runtimes, one fresh
// runtime per invocation so no state leaks between rules or events.
type Sandbox struct{}

// NewSandbox constructs a Sandbox. It holds no shared mutable state; every
// Run call gets an independent goja.Runtime.
func NewSandbox() *Sandbox {
	return &Sandbox{}
}

// Run executes a semantic hook against input, honoring the hook's time
// budget and returning a HookResult or an error that the caller maps to
// fail-open/fail-closed per h.Enforcement.
func (s *Sandbox) Run(ctx context.Context, h SemanticHook, input HookInput) (*HookResult, error) {
	if !h.VerifyDigest() {
		return nil, fmt.Errorf("semantic hook %s: content digest mismatch", h.HookId)
	}

	vm := goja.New()
	logs := make([]string, 0)

	console := vm.NewObject()
	_ = console.Set("log", func(call goja.FunctionCall) goja.Value {
		for _, arg := range call.Arguments {
			logs = append(logs, arg.String())
		}
		return goja.Undefined()
	})
	_ = vm.Set("console", console)
	_ = vm.Set("input", vm.ToValue(input))

	if _, err := vm.RunString(sandboxBuiltins); err != nil {
		return nil, fmt.Errorf("hook %s: load builtins: %w", h.HookId, err)
	}

	budget := h.TimeoutBudget
	if budget <= 0 {
		budget = 100 * time.Millisecond
	}

	timer := time.AfterFunc(budget, func() {
		vm.Interrupt("semantic hook exceeded its time budget")
	})
	defer timer.Stop()

	done := make(chan struct{})
	var (
		runErr error
		result *HookResult
	)
	go func() {
		defer close(done)
		if _, err := vm.RunString(h.Script); err != nil {
			runErr = err
			return
		}
		entry, ok := goja.AssertFunction(vm.Get(h.EntryPoint))
		if !ok {
			runErr = fmt.Errorf("entry point %q is not a function", h.EntryPoint)
			return
		}
		resultVal, err := entry(goja.Undefined(), vm.Get("input"))
		if err != nil {
			runErr = err
			return
		}
		result, runErr = decodeHookResult(resultVal, logs)
	}()

	select {
	case <-ctx.Done():
		vm.Interrupt("caller cancelled")
		<-done
		return nil, ctx.Err()
	case <-done:
	}

	if runErr != nil {
		return nil, fmt.Errorf("hook %s: %w", h.HookId, runErr)
	}
	return result, nil
}

func decodeHookResult(v goja.Value, logs []string) (*HookResult, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, fmt.Errorf("entry point returned no value")
	}
	raw, err := json.Marshal(v.Export())
	if err != nil {
		return nil, fmt.Errorf("marshal hook result: %w", err)
	}
	var result HookResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("unmarshal hook result: %w", err)
	}
	result.Logs = logs
	return &result, nil
}

// sandboxBuiltins mirrors the utility surface scripts can rely on: no
// filesystem, no network, no process access, only pure helpers.
const sandboxBuiltins = `
var text = {
	includes: function(haystack, needle) {
		return String(haystack).indexOf(needle) !== -1;
	},
	lower: function(s) { return String(s).toLowerCase(); },
	upper: function(s) { return String(s).toUpperCase(); }
};
`
