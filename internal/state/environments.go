package state

import (
	"sync"
	"time"
)

// Environment connection status.
const (
	EnvDisconnected = "disconnected"
	EnvConnecting   = "connecting"
	EnvConnected    = "connected"
	EnvError        = "error"
)

// EnvRuntime is the in-memory half of an environment: what the live daemon
// connection reported. The persisted half lives in the config store.
type EnvRuntime struct {
	EnvID         string     `json:"envId"`
	Name          string     `json:"name,omitempty"` // daemon-reported, for unconfigured envs
	Status        string     `json:"status"`
	Capabilities  []string   `json:"capabilities,omitempty"`
	ConnectedAt   *time.Time `json:"connectedAt,omitempty"`
	LastHeartbeat *time.Time `json:"lastHeartbeat,omitempty"`
}

// EnvironmentStore tracks runtime connection state per environment id.
type EnvironmentStore struct {
	mu   sync.RWMutex
	envs map[string]*EnvRuntime
}

func NewEnvironmentStore() *EnvironmentStore {
	return &EnvironmentStore{envs: make(map[string]*EnvRuntime)}
}

// MarkConnected records a daemon registration for an environment.
func (s *EnvironmentStore) MarkConnected(envID, name string, capabilities []string) {
	now := time.Now()
	s.mu.Lock()
	s.envs[envID] = &EnvRuntime{
		EnvID:         envID,
		Name:          name,
		Status:        EnvConnected,
		Capabilities:  capabilities,
		ConnectedAt:   &now,
		LastHeartbeat: &now,
	}
	s.mu.Unlock()
}

// MarkDisconnected downgrades an environment to disconnected, keeping the
// last heartbeat for observability.
func (s *EnvironmentStore) MarkDisconnected(envID string) {
	s.mu.Lock()
	if rt, ok := s.envs[envID]; ok {
		rt.Status = EnvDisconnected
		rt.ConnectedAt = nil
		rt.Capabilities = nil
	}
	s.mu.Unlock()
}

// Heartbeat bumps the lastHeartbeat timestamp.
func (s *EnvironmentStore) Heartbeat(envID string) {
	now := time.Now()
	s.mu.Lock()
	if rt, ok := s.envs[envID]; ok {
		rt.LastHeartbeat = &now
	}
	s.mu.Unlock()
}

// Get returns a copy of the runtime state for one environment. Unknown ids
// read as disconnected.
func (s *EnvironmentStore) Get(envID string) EnvRuntime {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rt, ok := s.envs[envID]; ok {
		return *rt
	}
	return EnvRuntime{EnvID: envID, Status: EnvDisconnected}
}

// Connected reports whether a live daemon is registered for the environment.
func (s *EnvironmentStore) Connected(envID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rt, ok := s.envs[envID]
	return ok && rt.Status == EnvConnected
}

// Remove drops all runtime state for an environment (environment deleted).
func (s *EnvironmentStore) Remove(envID string) {
	s.mu.Lock()
	delete(s.envs, envID)
	s.mu.Unlock()
}
