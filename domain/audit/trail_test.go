package audit

import (
	"sync"
	"testing"
	"time"
)

type memorySink struct {
	mu      sync.Mutex
	written []Full
}

func (s *memorySink) Write(r Full) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written = append(s.written, r)
	return nil
}

func (s *memorySink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.written)
}

func TestTrail_NextSeq_Monotonic(t *testing.T) {
	tr := NewTrail(LevelAll, 16, nil)
	defer tr.Close()

	last := uint64(0)
	for i := 0; i < 10; i++ {
		seq := tr.NextSeq()
		if seq <= last {
			t.Fatalf("expected strictly increasing sequence, got %d after %d", seq, last)
		}
		last = seq
	}
}

func TestTrail_Record_FlushesToSink(t *testing.T) {
	sink := &memorySink{}
	tr := NewTrail(LevelAll, 16, sink)
	defer tr.Close()

	tr.Record(Full{Compact: Compact{Seq: 1, RuleId: "r1"}, Outcome: "allow"})
	tr.Record(Full{Compact: Compact{Seq: 2, RuleId: "r2"}, Outcome: "deny"})

	deadline := time.Now().Add(time.Second)
	for sink.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if sink.count() != 2 {
		t.Fatalf("expected 2 records flushed, got %d", sink.count())
	}
}

func TestTrail_Record_LevelCompactOnlyNeverPromotes(t *testing.T) {
	sink := &memorySink{}
	tr := NewTrail(LevelCompactOnly, 16, sink)
	defer tr.Close()

	tr.Record(Full{Compact: Compact{Seq: 1, RuleId: "r1"}, Outcome: "deny"})
	time.Sleep(20 * time.Millisecond)

	if sink.count() != 0 {
		t.Fatalf("expected no records promoted at LevelCompactOnly, got %d", sink.count())
	}
}

func TestTrail_Record_WarnLevelPromotesOnlyFailures(t *testing.T) {
	sink := &memorySink{}
	tr := NewTrail(LevelWarnAndAbove, 16, sink)
	defer tr.Close()

	tr.Record(Full{Compact: Compact{Seq: 1, RuleId: "r1"}, Outcome: "allow"})
	tr.Record(Full{Compact: Compact{Seq: 2, RuleId: "r2"}, Outcome: "denied"})

	deadline := time.Now().Add(time.Second)
	for sink.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if sink.count() != 1 {
		t.Fatalf("expected exactly 1 record promoted (the denied one), got %d", sink.count())
	}
}

func TestTrail_Record_DropsOldestUnderBackpressure(t *testing.T) {
	tr := NewTrail(LevelAll, 2, nil) // nil sink: flushed records are discarded
	defer tr.Close()

	tr.mu.Lock()
	tr.queue = append(tr.queue, Full{}, Full{}) // fill the queue directly to avoid a race with the flush goroutine
	tr.mu.Unlock()

	tr.Record(Full{Compact: Compact{Seq: 3}, Outcome: "allow"})

	if got := tr.Dropped(); got != 1 {
		t.Fatalf("Dropped() = %d, want 1", got)
	}
}
