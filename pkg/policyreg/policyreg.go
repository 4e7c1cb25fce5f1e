// Package policyreg is a table-driven registry of policy versions.
// Staleness is a deterministic lookup against the current version, never
// an inference over policy content.
package policyreg

import (
	"sync"
	"time"
)

type Version struct {
	PolicyID  string    `json:"policy_id"`
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

type Registry struct {
	mu       sync.RWMutex
	versions map[string][]Version
	current  map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		versions: map[string][]Version{},
		current:  map[string]string{},
	}
}

// Register appends a version for the policy and marks it current.
// Versions are never removed; the history stays queryable.
func (r *Registry) Register(policyID, version string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.versions[policyID] = append(r.versions[policyID], Version{
		PolicyID:  policyID,
		Version:   version,
		CreatedAt: time.Now().UTC(),
	})
	r.current[policyID] = version
}

// Current returns the current version of the policy.
func (r *Registry) Current(policyID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.current[policyID]
	return v, ok
}

// IsCurrent reports whether version is the current version of policyID.
// Unknown policies are never current.
func (r *Registry) IsCurrent(policyID, version string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current[policyID] == version && version != ""
}

// Known reports whether the version was ever registered for the policy.
func (r *Registry) Known(policyID, version string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, v := range r.versions[policyID] {
		if v.Version == version {
			return true
		}
	}
	return false
}

// History returns the registered versions of a policy, oldest first.
func (r *Registry) History(policyID string) []Version {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Version, len(r.versions[policyID]))
	copy(out, r.versions[policyID])
	return out
}
