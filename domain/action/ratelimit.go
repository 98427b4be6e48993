package action

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ScopedLimiter enforces a RateLimit action's limit per scoped key, using
// one golang.org/x/time/rate token bucket per key (burst max, refilled at
// max per window) so PerAgent, PerFlow, PerDestination and PerKey scopes
// never contend with each other. It is not a sliding window: a full bucket
// drained and then refilled lets up to about 2*max events through within
// one window span.
type ScopedLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	max      int
	window   time.Duration
}

// NewScopedLimiter builds a limiter enforcing at most max events per window
// for each distinct key it sees.
func NewScopedLimiter(max int, window time.Duration) *ScopedLimiter {
	if window <= 0 {
		window = time.Second
	}
	return &ScopedLimiter{
		limiters: make(map[string]*rate.Limiter),
		max:      max,
		window:   window,
	}
}

func (l *ScopedLimiter) limiterFor(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[key]
	if !ok {
		perSecond := float64(l.max) / l.window.Seconds()
		lim = rate.NewLimiter(rate.Limit(perSecond), l.max)
		l.limiters[key] = lim
	}
	return lim
}

// Allow reports whether an event under key stays within the window, and
// consumes one slot from the budget if so.
func (l *ScopedLimiter) Allow(key string) bool {
	return l.limiterFor(key).Allow()
}

// Cleanup drops all tracked keys once more than maxKeys are held, matching
// the teacher's bounded-map reclamation strategy for long-lived per-key
// limiter maps; at or below maxKeys it leaves the map untouched.
func (l *ScopedLimiter) Cleanup(maxKeys int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.limiters) > maxKeys {
		l.limiters = make(map[string]*rate.Limiter)
	}
}

// ScopeKey computes the map key a RateLimitScope resolves to for a given
// event's agent/flow/destination/explicit key attributes.
func ScopeKey(scope RateLimitScope, agent, flow, destination, explicitKey string) string {
	switch scope {
	case ScopePerAgent:
		return "agent:" + agent
	case ScopePerFlow:
		return "flow:" + flow
	case ScopePerDestination:
		return "dest:" + destination
	case ScopePerKey:
		return "key:" + explicitKey
	case ScopeGlobal:
		return "global"
	default:
		return "global"
	}
}

// LimiterRegistry holds one ScopedLimiter per RateLimit action, keyed by the
// rule id that declared it, since distinct rules never share a counter.
type LimiterRegistry struct {
	mu       sync.Mutex
	byRuleId map[string]*ScopedLimiter
}

func NewLimiterRegistry() *LimiterRegistry {
	return &LimiterRegistry{byRuleId: make(map[string]*ScopedLimiter)}
}

// Get returns (creating if needed) the ScopedLimiter for ruleID configured
// with the given action's max/window.
func (reg *LimiterRegistry) Get(ruleID string, a RateLimitAction) *ScopedLimiter {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	lim, ok := reg.byRuleId[ruleID]
	if !ok {
		lim = NewScopedLimiter(a.Max, a.Window)
		reg.byRuleId[ruleID] = lim
	}
	return lim
}

// Forget removes a rule's limiter and its counters. Bundle unload does not
// call it, so a rule's counters outlive the bundle that declared it.
func (reg *LimiterRegistry) Forget(ruleID string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	delete(reg.byRuleId, ruleID)
}
