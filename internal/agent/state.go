package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Phase is how far a container got through bring-up.
type Phase string

const (
	PhasePending Phase = "pending"
	PhaseArmed   Phase = "armed"
	PhaseMounted Phase = "mounted"
	PhaseRunning Phase = "running"
	PhaseExited  Phase = "exited"
	PhaseIdle    Phase = "idle" // armed, no entrypoint
	PhaseFailed  Phase = "failed"
	PhaseRemoved Phase = "removed"
)

const stateVersion = "1.0"

// ContainerStatus is the agent's record of one container.
type ContainerStatus struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Version       string    `json:"version"`
	Root          string    `json:"root"`
	Phase         Phase     `json:"phase"`
	PolicyVersion uint64    `json:"policy_version,omitempty"`
	Redirects     int       `json:"redirects"`
	MountProvider string    `json:"mount_provider,omitempty"`
	MountPoint    string    `json:"mount_point,omitempty"`
	Launches      int       `json:"launches"`
	Error         string    `json:"error,omitempty"`
	Updated       time.Time `json:"updated"`
}

// persistedState is the JSON structure saved to disk.
type persistedState struct {
	Version    string                      `json:"version"`
	Updated    time.Time                   `json:"updated"`
	Containers map[string]*ContainerStatus `json:"containers"`
}

// StatusStore holds per-container status and mirrors it to a JSON file.
// An empty path keeps the store in memory only.
type StatusStore struct {
	mu         sync.RWMutex
	path       string
	containers map[string]*ContainerStatus
	logger     *logrus.Entry
}

// NewStatusStore creates a store persisted at path.
func NewStatusStore(path string, logger *logrus.Entry) *StatusStore {
	if logger == nil {
		logger = logrus.WithField("source", "agent")
	}
	return &StatusStore{
		path:       path,
		containers: make(map[string]*ContainerStatus),
		logger:     logger,
	}
}

// Load restores the previous run's statuses. A missing file is not an
// error. Restored entries are informational; every container is brought
// up again regardless of its recorded phase.
func (s *StatusStore) Load() error {
	if s.path == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read state file: %w", err)
	}

	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("unmarshal state: %w", err)
	}

	s.containers = state.Containers
	if s.containers == nil {
		s.containers = make(map[string]*ContainerStatus)
	}

	s.logger.WithFields(logrus.Fields{
		"containers": len(s.containers),
		"version":    state.Version,
		"updated":    state.Updated.Format(time.RFC3339),
	}).Info("loaded previous state")
	return nil
}

// Update applies fn to the status of id, creating it if needed, and
// persists the result.
func (s *StatusStore) Update(id string, fn func(*ContainerStatus)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	status, ok := s.containers[id]
	if !ok {
		status = &ContainerStatus{ID: id, Phase: PhasePending}
		s.containers[id] = status
	}
	fn(status)
	status.Updated = time.Now().UTC()

	return s.saveUnlocked()
}

// Get returns a copy of the status of id.
func (s *StatusStore) Get(id string) (ContainerStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status, ok := s.containers[id]
	if !ok {
		return ContainerStatus{}, false
	}
	return *status, true
}

// Reconcile marks every status whose id is not in registered as removed,
// clearing its mount details, and persists the result. It returns the ids
// it changed, sorted. Statuses already removed are left alone.
func (s *StatusStore) Reconcile(registered map[string]bool) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stale []string
	now := time.Now().UTC()
	for id, status := range s.containers {
		if registered[id] || status.Phase == PhaseRemoved {
			continue
		}
		status.Phase = PhaseRemoved
		status.MountProvider = ""
		status.MountPoint = ""
		status.Updated = now
		stale = append(stale, id)
	}
	if len(stale) == 0 {
		return nil, nil
	}
	sort.Strings(stale)

	if err := s.saveUnlocked(); err != nil {
		return stale, fmt.Errorf("save reconciled state: %w", err)
	}
	return stale, nil
}

// List returns copies of all statuses sorted by id.
func (s *StatusStore) List() []ContainerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]ContainerStatus, 0, len(s.containers))
	for _, status := range s.containers {
		list = append(list, *status)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// saveUnlocked writes the state atomically. Caller must hold the lock.
func (s *StatusStore) saveUnlocked() error {
	if s.path == "" {
		return nil
	}

	state := persistedState{
		Version:    stateVersion,
		Updated:    time.Now().UTC(),
		Containers: s.containers,
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	tempPath := s.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o600); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	if err := os.Rename(tempPath, s.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename state file: %w", err)
	}
	return nil
}
