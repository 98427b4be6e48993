package budget

import (
	"errors"
	"testing"
	"time"
)

func TestBudget_IsTimeout(t *testing.T) {
	b := New(Spec{MaxExecMs: 1, SamplingRate: 1.0})
	if b.IsTimeout() {
		t.Errorf("fresh budget should not be timed out")
	}
	time.Sleep(3 * time.Millisecond)
	if !b.IsTimeout() {
		t.Errorf("expected timeout after sleeping past MaxExecMs")
	}
}

func TestBudget_Sampled_AlwaysOn(t *testing.T) {
	b := New(Spec{SamplingRate: 1.0})
	if !b.Sampled() {
		t.Errorf("sampling rate 1.0 should always sample")
	}
}

func TestBudget_Sampled_AlwaysOff(t *testing.T) {
	b := New(Spec{SamplingRate: 0.0})
	if b.Sampled() {
		t.Errorf("sampling rate 0.0 should never sample")
	}
}

func TestBudget_Check_MemoryViolation(t *testing.T) {
	b := New(Spec{MaxExecMs: 1000, MemoryLimitBytes: 1024, SamplingRate: 1.0})
	v := b.Check(2048, 0)
	if v.Kind() != ViolationMemory {
		t.Errorf("Kind() = %v, want %v", v.Kind(), ViolationMemory)
	}
}

func TestBudget_Check_CPUViolation(t *testing.T) {
	b := New(Spec{MaxExecMs: 1000, CPUShares: 50, SamplingRate: 1.0})
	v := b.Check(0, 80)
	if v.Kind() != ViolationCPU {
		t.Errorf("Kind() = %v, want %v", v.Kind(), ViolationCPU)
	}
}

func TestBudget_Check_MultipleViolations(t *testing.T) {
	b := New(Spec{MaxExecMs: 1, MemoryLimitBytes: 1, CPUShares: 1, SamplingRate: 1.0})
	time.Sleep(2 * time.Millisecond)
	v := b.Check(100, 100)
	if v.Kind() != ViolationMultiple {
		t.Errorf("Kind() = %v, want %v", v.Kind(), ViolationMultiple)
	}
	if len(v.Kinds) != 3 {
		t.Errorf("expected 3 accumulated violations, got %d", len(v.Kinds))
	}
}

func TestBudget_Check_SampledOutSkipsOtherChecks(t *testing.T) {
	b := New(Spec{MaxExecMs: 1, SamplingRate: 0.0})
	time.Sleep(2 * time.Millisecond)
	v := b.Check(1 << 30, 100)
	if v.Kind() != ViolationSampledOut {
		t.Errorf("Kind() = %v, want %v", v.Kind(), ViolationSampledOut)
	}
}

func TestBudget_Enforce_PropagatesError(t *testing.T) {
	b := New(Spec{MaxExecMs: 1000, SamplingRate: 1.0})
	wantErr := errors.New("boom")
	_, err := b.Enforce(func() error { return wantErr })
	if err != wantErr {
		t.Errorf("Enforce() error = %v, want %v", err, wantErr)
	}
}

func TestPresetProfiles(t *testing.T) {
	if FastRule.MaxExecMs != 5 || !FastRule.FailClosedOnTimeout {
		t.Errorf("FastRule preset does not match spec: %+v", FastRule)
	}
	if SemanticRule.MaxExecMs != 100 || SemanticRule.MaxRetries != 2 {
		t.Errorf("SemanticRule preset does not match spec: %+v", SemanticRule)
	}
	if Observational.MaxExecMs != 2 || Observational.SamplingRate != 0.1 {
		t.Errorf("Observational preset does not match spec: %+v", Observational)
	}
}
