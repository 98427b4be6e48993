// Package deployment implements the Deployment Manager: the Version
// Registry plus the blue-green/canary/scheduled/A-B rollout strategies
// that move a bundle from Staged to Active, per spec.md §4.9.
package deployment

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/R3E-Network/dataplane-ruleengine/domain/bundle"
	"github.com/R3E-Network/dataplane-ruleengine/domain/identity"
	engerrors "github.com/R3E-Network/dataplane-ruleengine/infrastructure/errors"
)

// VersionEntry is one staged or activated deployment tracked by the
// registry.
type VersionEntry struct {
	VersionId identity.VersionId
	Bundle    bundle.Bundle
	State     identity.State
	Strategy  bundle.RolloutPolicy
	CreatedAt time.Time
	CreatedBy string
}

// HistoryEntry records a state transition for the bounded deployment
// history spec.md §4.9 requires.
type HistoryEntry struct {
	VersionId identity.VersionId
	From      identity.State
	To        identity.State
	At        time.Time
	Reason    string
}

// Registry owns the active/staged pointers and a bounded transition
// history. All mutation happens under mu; readers of ActiveVersion take a
// brief lock rather than the lock-free RCU style the Rule Table uses,
// since deployment operations are comparatively rare.
type Registry struct {
	mu            sync.RWMutex
	versions      map[identity.VersionId]*VersionEntry
	active        identity.VersionId
	staged        identity.VersionId
	history       []HistoryEntry
	maxHistory    int
	nextVersionID uint64
}

// NewRegistry builds an empty registry bounding its history to maxHistory
// entries (oldest dropped first).
func NewRegistry(maxHistory int) *Registry {
	if maxHistory <= 0 {
		maxHistory = 500
	}
	return &Registry{
		versions:   make(map[identity.VersionId]*VersionEntry),
		maxHistory: maxHistory,
	}
}

func (r *Registry) nextVersion() identity.VersionId {
	r.nextVersionID++
	return identity.VersionId(fmt.Sprintf("v%d", r.nextVersionID))
}

// Stage registers b as a new Staged version under strategy, returning its
// assigned VersionId.
func (r *Registry) Stage(b bundle.Bundle, strategy bundle.RolloutPolicy, user string) identity.VersionId {
	r.mu.Lock()
	defer r.mu.Unlock()

	vid := r.nextVersion()
	r.versions[vid] = &VersionEntry{
		VersionId: vid,
		Bundle:    b,
		State:     identity.StateStaged,
		Strategy:  strategy,
		CreatedAt: time.Now(),
		CreatedBy: user,
	}
	r.staged = vid
	r.recordLocked(vid, "", identity.StateStaged, "staged")
	return vid
}

// Get returns the entry for a version id.
func (r *Registry) Get(vid identity.VersionId) (*VersionEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.versions[vid]
	return e, ok
}

// ActiveVersion returns the currently active version id, or "" if none.
func (r *Registry) ActiveVersion() identity.VersionId {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// StagedVersion returns the currently staged version id, or "" if none.
func (r *Registry) StagedVersion() identity.VersionId {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.staged
}

// Activate transitions vid to Active, atomically swapping the active
// pointer and demoting the prior active version to Deprecated, matching
// spec.md §4.10's "previous version is transitioned to Deprecated at the
// exact commit that activates the new one."
func (r *Registry) Activate(vid identity.VersionId) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.versions[vid]
	if !ok {
		return engerrors.NotFound(engerrors.CodeNotFoundVersion, "version", string(vid))
	}
	next, err := entry.State.Transition(identity.StateActive)
	if err != nil {
		return engerrors.StateTransition(string(entry.State), string(identity.StateActive))
	}
	entry.State = next

	prevActive := r.active
	if prevActive != "" && prevActive != vid {
		if prev, ok := r.versions[prevActive]; ok {
			if depNext, err := prev.State.Transition(identity.StateDeprecated); err == nil {
				prev.State = depNext
				r.recordLocked(prevActive, identity.StateActive, identity.StateDeprecated, "superseded by activation")
			}
		}
	}
	r.active = vid
	if r.staged == vid {
		r.staged = ""
	}
	r.recordLocked(vid, identity.StateStaged, identity.StateActive, "activated")
	return nil
}

// Rollback reverts the active pointer to the previous Active-then-
// Deprecated version, returning its id. Calling Rollback twice in a row
// with nothing else happening in between is a no-op after the first call,
// per spec.md §8's round-trip property.
func (r *Registry) Rollback() (identity.VersionId, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n := len(r.history); n > 0 && r.history[n-1].Reason == "rollback" && r.history[n-1].VersionId == r.active {
		return r.active, nil
	}

	var previous *VersionEntry
	for _, e := range r.versions {
		if e.State == identity.StateDeprecated {
			if previous == nil || e.CreatedAt.After(previous.CreatedAt) {
				previous = e
			}
		}
	}
	if previous == nil {
		return "", engerrors.New(engerrors.CodeNotFoundVersion, http.StatusConflict, "no prior deprecated version to roll back to")
	}

	if cur, ok := r.versions[r.active]; ok && cur.VersionId != previous.VersionId {
		if next, err := cur.State.Transition(identity.StateDeprecated); err == nil {
			cur.State = next
		}
	}
	previous.State = identity.StateActive
	from := r.active
	r.active = previous.VersionId
	r.recordLocked(previous.VersionId, identity.StateDeprecated, identity.StateActive, "rollback")
	_ = from
	return previous.VersionId, nil
}

// Pause moves an Active version to Paused, removing it from the live
// indices (the caller is responsible for the Rule Table side effect).
func (r *Registry) Pause(vid identity.VersionId) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.versions[vid]
	if !ok {
		return engerrors.NotFound(engerrors.CodeNotFoundVersion, "version", string(vid))
	}
	next, err := entry.State.Transition(identity.StatePaused)
	if err != nil {
		return engerrors.StateTransition(string(entry.State), string(identity.StatePaused))
	}
	entry.State = next
	if r.active == vid {
		r.active = ""
	}
	r.recordLocked(vid, identity.StateActive, identity.StatePaused, "deactivated")
	return nil
}

// Revoke moves vid to the terminal Revoked state.
func (r *Registry) Revoke(vid identity.VersionId, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.versions[vid]
	if !ok {
		return engerrors.NotFound(engerrors.CodeNotFoundVersion, "version", string(vid))
	}
	from := entry.State
	next, err := entry.State.Transition(identity.StateRevoked)
	if err != nil {
		return engerrors.StateTransition(string(from), string(identity.StateRevoked))
	}
	entry.State = next
	if r.active == vid {
		r.active = ""
	}
	if r.staged == vid {
		r.staged = ""
	}
	r.recordLocked(vid, from, identity.StateRevoked, reason)
	return nil
}

func (r *Registry) recordLocked(vid identity.VersionId, from, to identity.State, reason string) {
	r.history = append(r.history, HistoryEntry{VersionId: vid, From: from, To: to, At: time.Now(), Reason: reason})
	if len(r.history) > r.maxHistory {
		r.history = r.history[len(r.history)-r.maxHistory:]
	}
}

// History returns a copy of the bounded transition history, oldest first.
func (r *Registry) History() []HistoryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]HistoryEntry, len(r.history))
	copy(out, r.history)
	return out
}
