package hooks

import (
	"slices"
	"sync"

	"wincell/internal/policy"
)

// Register is the versioned policy state consulted by every intercepted
// call. Reads take a shared lock; Swap takes the exclusive lock only for
// the assignment. sync.RWMutex blocks new readers while a writer waits,
// so a busy target process cannot starve Swap.
type Register struct {
	mu          sync.RWMutex
	version     uint64
	containerID string
	redirects   []policy.PathRedirect
}

// State is a point-in-time copy of a Register.
type State struct {
	Version     uint64                `json:"version"`
	ContainerID string                `json:"container_id"`
	Redirects   []policy.PathRedirect `json:"redirects"`
}

var (
	sharedOnce sync.Once
	shared     *Register
)

// Shared returns the process-wide register, creating it on first use.
func Shared() *Register {
	sharedOnce.Do(func() {
		shared = &Register{}
	})
	return shared
}

// Swap replaces the active redirects and returns the new version.
func (r *Register) Swap(containerID string, redirects []policy.PathRedirect) uint64 {
	owned := slices.Clone(redirects)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.version++
	r.containerID = containerID
	r.redirects = owned
	return r.version
}

// Resolve rewrites path through the active redirects.
func (r *Register) Resolve(path string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return policy.Rewrite(r.redirects, path)
}

// Snapshot returns a copy of the current state.
func (r *Register) Snapshot() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return State{
		Version:     r.version,
		ContainerID: r.containerID,
		Redirects:   slices.Clone(r.redirects),
	}
}
