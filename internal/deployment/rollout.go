package deployment

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/R3E-Network/dataplane-ruleengine/domain/identity"
	"github.com/R3E-Network/dataplane-ruleengine/infrastructure/resilience"
)

// HealthMetrics is the rolling window of signals update_health_metrics
// feeds in: error rate and p99 latency observed for a staged version's
// traffic slice, per spec.md §4.9.
type HealthMetrics struct {
	ErrorRate   float64
	P99LatencyMs float64
	SampleCount int64
}

// HealthThreshold is the pass/fail bar advance_rollout checks a staged
// version's HealthMetrics against before widening its traffic slice.
type HealthThreshold struct {
	MaxErrorRate    float64
	MaxP99LatencyMs float64
	MinSamples      int64
}

func (t HealthThreshold) Breached(m HealthMetrics) bool {
	if m.SampleCount < t.MinSamples {
		return false
	}
	return m.ErrorRate > t.MaxErrorRate || m.P99LatencyMs > t.MaxP99LatencyMs
}

// TrafficRouter decides, for a given routing key, whether traffic should
// be sent to the staged version B during a canary or A/B rollout. It uses
// a stable FNV hash of the key so the same agent always lands on the same
// side of the split for the lifetime of a stage, rather than flipping
// between requests.
type TrafficRouter struct {
	mu      sync.RWMutex
	percent float64 // fraction of traffic routed to B, 0.0-1.0
}

func NewTrafficRouter(initialPercent float64) *TrafficRouter {
	return &TrafficRouter{percent: initialPercent}
}

func (r *TrafficRouter) SetPercent(p float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.percent = p
}

func (r *TrafficRouter) Percent() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.percent
}

// RouteToB reports whether key's traffic should be sent to version B
// under the router's current split.
func (r *TrafficRouter) RouteToB(key string) bool {
	pct := r.Percent()
	if pct <= 0 {
		return false
	}
	if pct >= 1 {
		return true
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	bucket := float64(h.Sum32()%10000) / 10000.0
	return bucket < pct
}

// CanaryStage is one step of a canary ramp, e.g. {Percent: 0.05, Soak: 5m}.
type CanaryStage struct {
	Percent float64
	Soak    time.Duration
}

// RolloutController drives a staged version's traffic slice forward
// through a canary ramp, or snaps to 100% for blue-green and scheduled
// cutovers. Health-triggered rollback borrows the teacher's circuit
// breaker: a string of breaches trips the breaker open and reverts the
// active pointer, exactly as Execute would trip on a string of failed
// calls.
type RolloutController struct {
	Registry *Registry
	Router   *TrafficRouter

	mu           sync.Mutex
	stages       []CanaryStage
	stageIndex   int
	stageEntered time.Time
	lastSoak     time.Duration
	threshold    HealthThreshold
	autoRollback bool
	breaker      *resilience.CircuitBreaker
	versionID    identity.VersionId
	metrics      HealthMetrics
}

// NewRolloutController builds a controller for a staged canary ramp.
// autoRollback wires a circuit breaker (teacher's DefaultConfig tuned down
// to a short window, since health checks here are a business signal, not
// a raw RPC failure count) that trips after 3 consecutive stage-level
// breaches and triggers Rollback.
func NewRolloutController(reg *Registry, router *TrafficRouter, vid identity.VersionId, stages []CanaryStage, threshold HealthThreshold, autoRollback bool) *RolloutController {
	cfg := resilience.DefaultConfig()
	cfg.MaxFailures = 3
	return &RolloutController{
		Registry:     reg,
		Router:       router,
		stages:       stages,
		threshold:    threshold,
		autoRollback: autoRollback,
		breaker:      resilience.New(cfg),
		versionID:    vid,
		stageEntered: time.Now(),
	}
}

// UpdateHealth records the latest health sample for the active canary
// stage. Call before AdvanceRollout so it has fresh data to check.
func (c *RolloutController) UpdateHealth(m HealthMetrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = m
}

// AdvanceRollout checks the current stage's health and either widens the
// traffic slice to the next stage, holds if the soak window hasn't
// elapsed, or triggers rollback if the breaker trips on a health breach.
// It returns the new percent and whether the rollout is now complete.
func (c *RolloutController) AdvanceRollout() (percent float64, complete bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.threshold.Breached(c.metrics) {
		breachErr := c.breaker.Execute(context.Background(), func() error {
			return fmt.Errorf("health threshold breached: error_rate=%.4f p99=%.1fms", c.metrics.ErrorRate, c.metrics.P99LatencyMs)
		})
		if breachErr != nil && c.autoRollback && c.breaker.State() == resilience.StateOpen {
			c.Router.SetPercent(0)
			if _, rbErr := c.Registry.Rollback(); rbErr != nil {
				return c.Router.Percent(), false, fmt.Errorf("health breached and rollback failed: %w", rbErr)
			}
			return 0, true, fmt.Errorf("rolled back %s: %w", c.versionID, breachErr)
		}
		return c.Router.Percent(), false, breachErr
	}

	// A healthy sample records a success with the breaker so a later
	// breach streak starts counting from zero again.
	_ = c.breaker.Execute(context.Background(), func() error { return nil })

	if c.stageIndex >= len(c.stages) {
		if time.Since(c.stageEntered) < c.lastSoak {
			return c.Router.Percent(), false, nil
		}
		c.Router.SetPercent(1.0)
		return 1.0, true, nil
	}
	stage := c.stages[c.stageIndex]
	if time.Since(c.stageEntered) < stage.Soak {
		return c.Router.Percent(), false, nil
	}
	c.Router.SetPercent(stage.Percent)
	c.lastSoak = stage.Soak
	c.stageIndex++
	c.stageEntered = time.Now()
	return c.Router.Percent(), false, nil
}
