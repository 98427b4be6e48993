package ruletable

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/dataplane-ruleengine/domain/identity"
)

// CacheKey identifies one decision-cache entry: spec.md §4.7 keys the
// cache by (agent_id, flow_id, event_hash).
type CacheKey struct {
	AgentId   identity.AgentId
	FlowId    identity.FlowId
	EventHash string
}

func (k CacheKey) String() string {
	return fmt.Sprintf("%s|%s|%s", k.AgentId, k.FlowId, k.EventHash)
}

// EventHash derives the event_hash component of a CacheKey from the
// attribute bytes a rule's match predicates would have consumed. Callers
// hash whatever portion of the event matters to cacheability; this helper
// just provides a stable, collision-resistant digest.
func EventHash(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// CachedDecision is the value a decision-cache entry stores: which rule
// decided, and a terse rendering of what it decided.
type CachedDecision struct {
	RuleId          identity.RuleId
	DecisionSummary string
}

type cacheEntry struct {
	decision CachedDecision
	expires  time.Time
}

// DecisionCache is the bounded, TTL+LRU cache spec.md §4.7 describes:
// consulted at evaluation entry, populated after a terminal decision, with
// expired entries evicted when Get finds them, by EvictExpired, and by the
// periodic sweep StartSweep schedules.
type DecisionCache struct {
	mu      sync.Mutex
	entries *lru.Cache[string, cacheEntry]
	ttl     time.Duration

	hits    uint64
	misses  uint64
	evicted uint64

	sweeper *cron.Cron
}

// NewDecisionCache builds a cache bounded to maxSize entries with a fixed
// per-entry TTL. maxSize <= 0 defaults to 10000, matching a conservative
// MAX_CACHE_SIZE.
func NewDecisionCache(maxSize int, ttl time.Duration) *DecisionCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	backing, _ := lru.New[string, cacheEntry](maxSize)
	return &DecisionCache{entries: backing, ttl: ttl}
}

// Get looks up key, returning (decision, true) only if present and not
// expired. An expired hit counts as a miss and is evicted immediately.
func (c *DecisionCache) Get(key CacheKey) (CachedDecision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries.Get(key.String())
	if !ok {
		c.misses++
		return CachedDecision{}, false
	}
	if time.Now().After(entry.expires) {
		c.entries.Remove(key.String())
		c.evicted++
		c.misses++
		return CachedDecision{}, false
	}
	c.hits++
	return entry.decision, true
}

// Put stores decision under key with this cache's configured TTL. Callers
// must only do this for decisions spec.md §4.7 deems cacheable: idempotent
// and deterministic given (rule_id, event_hash).
func (c *DecisionCache) Put(key CacheKey, decision CachedDecision) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Add(key.String(), cacheEntry{decision: decision, expires: time.Now().Add(c.ttl)})
}

// EvictExpired sweeps every entry and removes those past their TTL,
// implementing spec.md §4.7's explicit evict_expired operation.
func (c *DecisionCache) EvictExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for _, k := range c.entries.Keys() {
		entry, ok := c.entries.Peek(k)
		if !ok {
			continue
		}
		if now.After(entry.expires) {
			c.entries.Remove(k)
			removed++
		}
	}
	c.evicted += uint64(removed)
	return removed
}

// CacheStats reports hit/miss/eviction counters for operational visibility.
type CacheStats struct {
	Hits    uint64
	Misses  uint64
	Evicted uint64
	Size    int
}

func (c *DecisionCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{Hits: c.hits, Misses: c.misses, Evicted: c.evicted, Size: c.entries.Len()}
}

// StartSweep schedules a periodic EvictExpired call at the given cron
// spec (default every ttl/2 when spec is empty), the supplemented feature
// from SPEC_FULL.md §4.12. Stop() must be called to release the
// underlying goroutine.
func (c *DecisionCache) StartSweep(spec string) error {
	if spec == "" {
		spec = fmt.Sprintf("@every %s", c.ttl/2)
	}
	c.sweeper = cron.New()
	_, err := c.sweeper.AddFunc(spec, func() { c.EvictExpired() })
	if err != nil {
		return fmt.Errorf("schedule decision cache sweep: %w", err)
	}
	c.sweeper.Start()
	return nil
}

// Stop halts the background sweep goroutine, if one was started.
func (c *DecisionCache) Stop() {
	if c.sweeper != nil {
		ctx := c.sweeper.Stop()
		<-ctx.Done()
	}
}
