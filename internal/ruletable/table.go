// Package ruletable implements the Rule Table: a per-family, copy-on-write
// store of installed rules with lock-free reads and serialized writes,
// matching spec.md §4.7's read/write path split.
package ruletable

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/R3E-Network/dataplane-ruleengine/domain/action"
	"github.com/R3E-Network/dataplane-ruleengine/domain/bundle"
	"github.com/R3E-Network/dataplane-ruleengine/domain/identity"
	"github.com/R3E-Network/dataplane-ruleengine/domain/match"
)

// Stats carries the per-rule counters spec.md §4.7 requires. Updates swap
// in a new Entry with mutated Stats rather than mutating in place, so
// readers holding an old snapshot never observe a torn update.
type Stats struct {
	EvaluationCount uint64
	MatchCount      uint64
	ActionCount     uint64
	ErrorCount      uint64
	TotalEvalTime   time.Duration
	LastEvaluated   time.Time
}

// Entry is one shared rule reference held by a FamilyIndices. Entries are
// immutable after construction; a write publishes a new Entry rather than
// editing this one, so concurrent readers never see a partial update.
type Entry struct {
	RuleId   identity.RuleId
	BundleId identity.BundleId
	Version  identity.VersionId
	Family   identity.RuleFamily
	Priority int
	Scope    identity.Scope
	Match    match.MatchClause
	Action   action.ActionClause
	Stats    Stats
}

func entryFromRule(r bundle.Rule, bundleID identity.BundleId, version identity.VersionId) *Entry {
	return &Entry{
		RuleId:   r.RuleId,
		BundleId: bundleID,
		Version:  version,
		Family:   r.Family,
		Priority: r.Priority,
		Scope:    r.Scope,
		Match:    r.Match,
		Action:   r.Action,
	}
}

// FamilyIndices is the immutable, atomically-published snapshot a
// FamilyTable's readers observe. It is never mutated after publication;
// writers always build a new one.
type FamilyIndices struct {
	Version     int64
	Entries     []*Entry // sorted Priority desc, RuleId asc
	ByAgent     map[identity.AgentId][]*Entry
	BySecondary map[string][]*Entry
	Globals     []*Entry
}

func emptyIndices() *FamilyIndices {
	return &FamilyIndices{
		ByAgent:     make(map[identity.AgentId][]*Entry),
		BySecondary: make(map[string][]*Entry),
	}
}

// buildIndices sorts entries into priority order and rebuilds the
// by_agent/by_secondary/globals buckets from scratch. Called only by the
// writer holding the family's mutex.
func buildIndices(version int64, entries []*Entry) *FamilyIndices {
	sorted := make([]*Entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority > sorted[j].Priority
		}
		return sorted[i].RuleId < sorted[j].RuleId
	})

	idx := &FamilyIndices{
		Version:     version,
		Entries:     sorted,
		ByAgent:     make(map[identity.AgentId][]*Entry),
		BySecondary: make(map[string][]*Entry),
	}
	for _, e := range sorted {
		if e.Scope.IsGlobal() {
			idx.Globals = append(idx.Globals, e)
			continue
		}
		for agent := range e.Scope.SourceAgents {
			idx.ByAgent[agent] = append(idx.ByAgent[agent], e)
		}
		for agent := range e.Scope.DestAgents {
			idx.ByAgent[agent] = append(idx.ByAgent[agent], e)
		}
		for key := range e.Scope.Secondary {
			idx.BySecondary[key] = append(idx.BySecondary[key], e)
		}
		if len(e.Scope.SourceAgents) == 0 && len(e.Scope.DestAgents) == 0 && len(e.Scope.Secondary) == 0 {
			// Scoped only by flow/payload-type: not global, not agent- or
			// secondary-keyed, so Query must still see it via Globals to
			// avoid silently dropping the rule from every lookup.
			idx.Globals = append(idx.Globals, e)
		}
	}
	return idx
}

// FamilyTable owns one RuleFamily's entries. Reads clone the current
// *FamilyIndices pointer atomically and never block; writes serialize
// through mu and publish a freshly built *FamilyIndices.
type FamilyTable struct {
	Family  identity.RuleFamily
	current atomic.Pointer[FamilyIndices]
	mu      sync.Mutex // writer serialization only; never held by readers
}

func newFamilyTable(family identity.RuleFamily) *FamilyTable {
	ft := &FamilyTable{Family: family}
	ft.current.Store(emptyIndices())
	return ft
}

// Snapshot returns the currently published indices. The caller holds a
// stable view even if a write is published concurrently: Go's GC keeps the
// old *FamilyIndices alive as long as this reference is held.
func (ft *FamilyTable) Snapshot() *FamilyIndices {
	return ft.current.Load()
}

// mutate runs fn against a clone of the current entry set, under the
// family's write lock, then atomically publishes the rebuilt indices.
func (ft *FamilyTable) mutate(fn func(entries []*Entry) []*Entry) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	cur := ft.current.Load()
	cloned := make([]*Entry, len(cur.Entries))
	copy(cloned, cur.Entries)
	next := fn(cloned)
	ft.current.Store(buildIndices(cur.Version+1, next))
}

// RuleQuery is the fluent filter Query(...) accepts: an event's
// attributes, used to select the applicable bucket plus globals.
type RuleQuery struct {
	Agent       identity.AgentId
	DestAgent   identity.AgentId
	Flow        identity.FlowId
	PayloadType string
	Secondary   string
}

// Query unions the matching agent/secondary bucket with globals, dedupes
// by RuleId while preserving priority order, and filters every candidate
// by the scope's full Matches predicate (the index buckets are a coarse
// pre-filter, not a complete match).
func (idx *FamilyIndices) Query(q RuleQuery) []*Entry {
	attrs := identity.EventAttributes{
		SourceAgent:  q.Agent,
		DestAgent:    q.DestAgent,
		Flow:         q.Flow,
		PayloadType:  q.PayloadType,
		SecondaryKey: q.Secondary,
	}

	seen := make(map[identity.RuleId]struct{})
	var out []*Entry
	appendUnique := func(candidates []*Entry) {
		for _, e := range candidates {
			if _, dup := seen[e.RuleId]; dup {
				continue
			}
			if !e.Scope.Matches(attrs) {
				continue
			}
			seen[e.RuleId] = struct{}{}
			out = append(out, e)
		}
	}

	appendUnique(idx.ByAgent[q.Agent])
	appendUnique(idx.ByAgent[q.DestAgent])
	if q.Secondary != "" {
		appendUnique(idx.BySecondary[q.Secondary])
	}
	appendUnique(idx.Globals)

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].RuleId < out[j].RuleId
	})
	return out
}

// TableStats summarizes a RuleTable for operational visibility.
type TableStats struct {
	FamilyRuleCounts map[string]int
	TotalRules       int
}

// RuleTable owns one FamilyTable per known family and the shared decision
// cache.
type RuleTable struct {
	families map[identity.RuleFamily]*FamilyTable
	mu       sync.RWMutex // guards families map membership only
	Cache    *DecisionCache
}

// New builds an empty RuleTable; a family's FamilyTable is created lazily
// the first time that family is written or queried.
func New(cache *DecisionCache) *RuleTable {
	return &RuleTable{
		families: make(map[identity.RuleFamily]*FamilyTable),
		Cache:    cache,
	}
}

func (rt *RuleTable) familyTable(family identity.RuleFamily) *FamilyTable {
	rt.mu.RLock()
	ft, ok := rt.families[family]
	rt.mu.RUnlock()
	if ok {
		return ft
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if ft, ok = rt.families[family]; ok {
		return ft
	}
	ft = newFamilyTable(family)
	rt.families[family] = ft
	return ft
}

// Query returns the applicable, priority-ordered, deduplicated entries for
// one family and a set of event attributes.
func (rt *RuleTable) Query(family identity.RuleFamily, q RuleQuery) []*Entry {
	return rt.familyTable(family).Snapshot().Query(q)
}

// AddRule inserts or replaces (by RuleId) a single rule into its family.
func (rt *RuleTable) AddRule(r bundle.Rule, bundleID identity.BundleId, version identity.VersionId) {
	ft := rt.familyTable(r.Family)
	entry := entryFromRule(r, bundleID, version)
	ft.mutate(func(entries []*Entry) []*Entry {
		out := entries[:0:0]
		for _, e := range entries {
			if e.RuleId == entry.RuleId {
				continue
			}
			out = append(out, e)
		}
		return append(out, entry)
	})
}

// RemoveRule deletes a rule from its family by id. A no-op if absent.
func (rt *RuleTable) RemoveRule(family identity.RuleFamily, ruleID identity.RuleId) {
	ft := rt.familyTable(family)
	ft.mutate(func(entries []*Entry) []*Entry {
		out := entries[:0:0]
		for _, e := range entries {
			if e.RuleId != ruleID {
				out = append(out, e)
			}
		}
		return out
	})
}

// UpdateStats swaps in a new Entry with mutated Stats for ruleID, applying
// fn to the previous stats value. This preserves the read-path invariant:
// no Entry is ever mutated after it is reachable from a published snapshot.
func (rt *RuleTable) UpdateStats(family identity.RuleFamily, ruleID identity.RuleId, fn func(Stats) Stats) {
	ft := rt.familyTable(family)
	ft.mutate(func(entries []*Entry) []*Entry {
		out := make([]*Entry, len(entries))
		for i, e := range entries {
			if e.RuleId != ruleID {
				out[i] = e
				continue
			}
			cp := *e
			cp.Stats = fn(e.Stats)
			out[i] = &cp
		}
		return out
	})
}

// LoadBundle installs every rule in b, grouped per family so each family's
// contents change in a single atomic publish; cross-family visibility of
// the whole bundle is not guaranteed to be simultaneous, per spec.md §4.7.
func (rt *RuleTable) LoadBundle(b bundle.Bundle, version identity.VersionId) {
	byFamily := make(map[identity.RuleFamily][]bundle.Rule)
	for _, r := range b.Rules {
		byFamily[r.Family] = append(byFamily[r.Family], r)
	}
	for family, rules := range byFamily {
		ft := rt.familyTable(family)
		ft.mutate(func(entries []*Entry) []*Entry {
			out := entries[:0:0]
			incoming := make(map[identity.RuleId]struct{}, len(rules))
			for _, r := range rules {
				incoming[r.RuleId] = struct{}{}
			}
			for _, e := range entries {
				if _, replaced := incoming[e.RuleId]; !replaced {
					out = append(out, e)
				}
			}
			for _, r := range rules {
				out = append(out, entryFromRule(r, b.BundleId, version))
			}
			return out
		})
	}
}

// UnloadBundle removes every entry tagged with bundleID from every family.
func (rt *RuleTable) UnloadBundle(bundleID identity.BundleId) {
	rt.mu.RLock()
	tables := make([]*FamilyTable, 0, len(rt.families))
	for _, ft := range rt.families {
		tables = append(tables, ft)
	}
	rt.mu.RUnlock()

	for _, ft := range tables {
		ft.mutate(func(entries []*Entry) []*Entry {
			out := entries[:0:0]
			for _, e := range entries {
				if e.BundleId != bundleID {
					out = append(out, e)
				}
			}
			return out
		})
	}
}

// FamiliesForLayer returns every family currently registered for a layer,
// in a stable order (by family name). Rules are authored with an explicit
// (Layer, Family) pair, so the Evaluation Engine discovers layer
// membership from what's actually installed rather than a hardcoded table.
func (rt *RuleTable) FamiliesForLayer(layer identity.Layer) []identity.RuleFamily {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	var out []identity.RuleFamily
	for family := range rt.families {
		if family.Layer == layer {
			out = append(out, family)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Family < out[j].Family })
	return out
}

// GetTableStats reports the number of installed rules per family.
func (rt *RuleTable) GetTableStats() TableStats {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	stats := TableStats{FamilyRuleCounts: make(map[string]int, len(rt.families))}
	for family, ft := range rt.families {
		n := len(ft.Snapshot().Entries)
		stats.FamilyRuleCounts[family.String()] = n
		stats.TotalRules += n
	}
	return stats
}
