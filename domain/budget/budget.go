// Package budget implements the execution budget every rule evaluation runs
// under: a time/CPU/memory/sampling envelope that the evaluation engine
// checks before and during each tier of match and action execution.
package budget

import (
	"math/rand"
	"runtime"
	"time"
)

// ViolationKind names why a budget check failed.
type ViolationKind string

const (
	ViolationNone      ViolationKind = ""
	ViolationTimeout   ViolationKind = "timeout"
	ViolationMemory    ViolationKind = "memory"
	ViolationCPU       ViolationKind = "cpu"
	ViolationSampledOut ViolationKind = "sampled_out"
	ViolationMultiple  ViolationKind = "multiple"
)

// Violation records a single budget breach; Kinds holds every kind
// accumulated across a rule's evaluation when more than one limit is hit.
type Violation struct {
	Kinds []ViolationKind
}

func (v Violation) Kind() ViolationKind {
	switch len(v.Kinds) {
	case 0:
		return ViolationNone
	case 1:
		return v.Kinds[0]
	default:
		return ViolationMultiple
	}
}

func (v *Violation) add(k ViolationKind) {
	v.Kinds = append(v.Kinds, k)
}

// Spec is the declared envelope a rule's evaluation must stay within.
type Spec struct {
	MaxExecMs int64
	// CPUShares is carried in the Spec but not checked at bundle-install
	// time, and Check/Enforce never observe a nonzero CPU share in
	// production: the Go runtime has no cheap per-goroutine CPU
	// accounting, so ViolationCPU only fires when a caller supplies its
	// own observedCPUShare, as the unit tests do.
	CPUShares        int // 0-100, 0 means unconstrained
	MemoryLimitBytes int64
	SamplingRate        float64 // 0.0-1.0, 1.0 means always evaluated
	FailClosedOnTimeout bool
	MaxRetries          int
	BackoffBase         time.Duration
}

// Preset profiles from spec.md §4.4.
var (
	FastRule = Spec{
		MaxExecMs:           5,
		MemoryLimitBytes:    1 << 20,
		SamplingRate:        1.0,
		FailClosedOnTimeout: true,
	}
	SemanticRule = Spec{
		MaxExecMs:           100,
		MemoryLimitBytes:    10 << 20,
		SamplingRate:        1.0,
		FailClosedOnTimeout: false,
		MaxRetries:          2,
		BackoffBase:         10 * time.Millisecond,
	}
	Observational = Spec{
		MaxExecMs:           2,
		SamplingRate:        0.1,
		FailClosedOnTimeout: false,
	}
)

// WasmHook returns a configurable profile for sandboxed module execution;
// callers supply their own ceilings rather than relying on a fixed preset.
func WasmHook(maxExecMs int64, memoryLimitBytes int64) Spec {
	return Spec{
		MaxExecMs:           maxExecMs,
		MemoryLimitBytes:    memoryLimitBytes,
		SamplingRate:        1.0,
		FailClosedOnTimeout: true,
	}
}

// Budget tracks one in-flight evaluation's elapsed time against its Spec.
// Memory and CPU accounting are supplied by the caller (the Go runtime
// gives no cheap per-goroutine memory/CPU read), so Check takes observed
// values rather than sampling them itself.
type Budget struct {
	spec      Spec
	startedAt time.Time
	violation Violation
	sampled   bool
}

// New starts a budget clock and makes the sampling decision up front, per
// spec.md §4.4 ("sampling decision happens before work").
func New(spec Spec) *Budget {
	return &Budget{
		spec:      spec,
		startedAt: time.Now(),
		sampled:   sample(spec.SamplingRate),
	}
}

func sample(rate float64) bool {
	if rate >= 1.0 {
		return true
	}
	if rate <= 0.0 {
		return false
	}
	return mathRandFloat() < rate
}

// mathRandFloat is split out so tests can substitute a deterministic source
// if ever needed; production always uses math/rand's global source.
func mathRandFloat() float64 {
	return rand.Float64()
}

// Sampled reports whether this evaluation was selected to run at all.
func (b *Budget) Sampled() bool {
	return b.sampled
}

// Elapsed returns time spent since the budget started.
func (b *Budget) Elapsed() time.Duration {
	return time.Since(b.startedAt)
}

// Remaining returns the time left before MaxExecMs is exhausted; negative
// once exceeded.
func (b *Budget) Remaining() time.Duration {
	limit := time.Duration(b.spec.MaxExecMs) * time.Millisecond
	return limit - b.Elapsed()
}

// IsTimeout reports whether the elapsed time has exceeded MaxExecMs.
func (b *Budget) IsTimeout() bool {
	return b.spec.MaxExecMs > 0 && b.Elapsed() > time.Duration(b.spec.MaxExecMs)*time.Millisecond
}

// Check evaluates every limit the budget tracks and returns the
// accumulated violation, or a zero-Kind Violation if none were hit.
// observedMemoryBytes and observedCPUShare are caller-supplied since the
// budget itself has no hook into the runtime's resource accounting.
func (b *Budget) Check(observedMemoryBytes int64, observedCPUShare int) Violation {
	var v Violation
	if !b.sampled {
		v.add(ViolationSampledOut)
		return v
	}
	if b.IsTimeout() {
		v.add(ViolationTimeout)
	}
	if b.spec.MemoryLimitBytes > 0 && observedMemoryBytes > b.spec.MemoryLimitBytes {
		v.add(ViolationMemory)
	}
	if b.spec.CPUShares > 0 && observedCPUShare > b.spec.CPUShares {
		v.add(ViolationCPU)
	}
	b.violation = v
	return v
}

// Violation returns the most recently computed violation, for audit
// record attachment after the fact.
func (b *Budget) Violation() Violation {
	return b.violation
}

// Enforce runs fn and checks the budget immediately afterward, returning
// fn's error (if any) or a timeout error if fn overran MaxExecMs. It does
// not itself interrupt fn — goroutine-level preemption is the caller's
// responsibility (see the sandbox package for scripted hooks). When the
// spec declares a memory ceiling, Enforce brackets fn with ReadMemStats to
// get a real (if coarse and process-wide) observed value instead of
// reporting zero usage on every call. There is no equivalent cheap source
// for CPU share, so observedCPUShare stays 0 and CPUShares is accepted but
// not enforced here.
func (b *Budget) Enforce(fn func() error) (Violation, error) {
	if !b.sampled {
		var v Violation
		v.add(ViolationSampledOut)
		return v, nil
	}
	var observedMemory int64
	checkMemory := b.spec.MemoryLimitBytes > 0
	var memBefore runtime.MemStats
	if checkMemory {
		runtime.ReadMemStats(&memBefore)
	}
	err := fn()
	if checkMemory {
		var memAfter runtime.MemStats
		runtime.ReadMemStats(&memAfter)
		if memAfter.HeapAlloc > memBefore.HeapAlloc {
			observedMemory = int64(memAfter.HeapAlloc - memBefore.HeapAlloc)
		}
	}
	v := b.Check(observedMemory, 0)
	return v, err
}
