package hitlog

import (
	"sort"
	"sync"

	"github.com/R3E-Network/dataplane-ruleengine/domain/audit"
)

// MemoryStore is an in-process Sink+Index, useful for tests and for
// running without HITLOG_DIR configured. It keeps every session in memory
// with no eviction, so it's not meant for long-lived production use.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]SessionRecord
	order    []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]SessionRecord)}
}

// Write implements audit.Sink by filing the record under its SessionId so
// it shows up via Get/Query even without an explicit AppendSession call.
func (m *MemoryStore) Write(record audit.Full) error {
	return m.AppendSession(SessionRecord{SessionId: record.SessionId, Record: record})
}

func (m *MemoryStore) AppendSession(s SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[s.SessionId]; !exists {
		m.order = append(m.order, s.SessionId)
	}
	m.sessions[s.SessionId] = s
	return nil
}

func (m *MemoryStore) Get(sessionID string) (SessionRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	return s, ok, nil
}

func (m *MemoryStore) Query(f Filters) ([]SessionRecord, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []SessionRecord
	for _, id := range m.order {
		s := m.sessions[id]
		if !matches(s, f) {
			continue
		}
		matched = append(matched, s)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Record.TimestampMs < matched[j].Record.TimestampMs
	})

	total := len(matched)
	start := f.Offset
	if start > total {
		start = total
	}
	end := total
	if f.Limit > 0 && start+f.Limit < end {
		end = start + f.Limit
	}
	return matched[start:end], total, nil
}

func matches(s SessionRecord, f Filters) bool {
	if f.AgentId != "" && s.AgentId != f.AgentId {
		return false
	}
	if f.TenantId != "" && s.Record.TenantId != f.TenantId {
		return false
	}
	if f.Decision != "" && string(s.Record.Outcome) != f.Decision {
		return false
	}
	if f.HasLayer && s.Layer != f.Layer {
		return false
	}
	if !f.Since.IsZero() && s.Record.TimestampMs < f.Since.UnixMilli() {
		return false
	}
	if !f.Until.IsZero() && s.Record.TimestampMs > f.Until.UnixMilli() {
		return false
	}
	return true
}
