package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/agenthq/agenthq/internal/logger"
)

const metaDir = ".agenthq-meta"

// EnvType is how a daemon reaches an environment.
const (
	EnvTypeLocal = "local"
	EnvTypeExe   = "exe"
)

// Environment is the persisted definition of an execution context.
// Runtime connection state lives in state.EnvironmentStore.
type Environment struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Type          string `json:"type"` // "local" or "exe"
	VMName        string `json:"vmName,omitempty"`
	WorkspacePath string `json:"workspacePath,omitempty"`
}

type fileData struct {
	SpritesToken    string        `json:"spritesToken,omitempty"`
	ServerPublicURL string        `json:"serverPublicUrl,omitempty"`
	DaemonAuthToken string        `json:"daemonAuthToken,omitempty"`
	Environments    []Environment `json:"environments"`
}

// Store is the persisted server configuration, bound to a workspace
// directory. Reads are in-memory; every mutation rewrites the whole file.
type Store struct {
	mu        sync.Mutex
	workspace string
	path      string
	data      fileData
}

// Load opens (or initializes) the config store for a workspace directory.
// Malformed JSON is logged and replaced with defaults rather than failing.
func Load(workspace string) (*Store, error) {
	if workspace == "" {
		return nil, fmt.Errorf("workspace directory is required")
	}
	info, err := os.Stat(workspace)
	if err != nil {
		return nil, fmt.Errorf("workspace %s: %w", workspace, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace %s is not a directory", workspace)
	}

	s := &Store{
		workspace: workspace,
		path:      filepath.Join(workspace, metaDir, "config.json"),
	}

	raw, err := os.ReadFile(s.path)
	switch {
	case os.IsNotExist(err):
		// First run; defaults.
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := json.Unmarshal(raw, &s.data); err != nil {
			logger.Warn("config file is malformed, starting from defaults", "path", s.path, "err", err)
			s.data = fileData{}
		}
	}

	s.ensureLocal()
	return s, nil
}

// ensureLocal synthesizes the undeletable "local" environment. Caller holds
// no lock; only used during Load and after removals.
func (s *Store) ensureLocal() {
	for _, e := range s.data.Environments {
		if e.ID == EnvTypeLocal {
			return
		}
	}
	s.data.Environments = append([]Environment{{
		ID:            "local",
		Name:          "Local",
		Type:          EnvTypeLocal,
		WorkspacePath: s.workspace,
	}}, s.data.Environments...)
}

func (s *Store) save() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create meta dir: %w", err)
	}
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(s.path, raw, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Workspace returns the directory the store is bound to.
func (s *Store) Workspace() string { return s.workspace }

// ServerPublicURL returns the configured public URL, falling back to the
// AGENTHQ_SERVER_URL environment variable.
func (s *Store) ServerPublicURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data.ServerPublicURL != "" {
		return s.data.ServerPublicURL
	}
	return os.Getenv("AGENTHQ_SERVER_URL")
}

// SetServerPublicURL persists the public URL.
func (s *Store) SetServerPublicURL(u string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.ServerPublicURL = u
	return s.save()
}

// DaemonAuthToken returns the shared daemon token, falling back to the
// AGENTHQ_DAEMON_TOKEN environment variable. Empty means daemon connections
// are refused.
func (s *Store) DaemonAuthToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data.DaemonAuthToken != "" {
		return s.data.DaemonAuthToken
	}
	return os.Getenv("AGENTHQ_DAEMON_TOKEN")
}

// SetDaemonAuthToken persists the shared daemon token.
func (s *Store) SetDaemonAuthToken(tok string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.DaemonAuthToken = tok
	return s.save()
}

// SpritesToken returns the stored sprites API token.
func (s *Store) SpritesToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.SpritesToken
}

// SetSpritesToken persists the sprites API token.
func (s *Store) SetSpritesToken(tok string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.SpritesToken = tok
	return s.save()
}

// Environments returns a copy of the configured environment list.
func (s *Store) Environments() []Environment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Environment, len(s.data.Environments))
	copy(out, s.data.Environments)
	return out
}

// Environment looks up one environment definition by id.
func (s *Store) Environment(id string) (Environment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.data.Environments {
		if e.ID == id {
			return e, true
		}
	}
	return Environment{}, false
}

// AddEnvironment appends a definition and persists.
func (s *Store) AddEnvironment(e Environment) error {
	if e.ID == "" || e.Name == "" {
		return fmt.Errorf("environment id and name are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cur := range s.data.Environments {
		if cur.ID == e.ID {
			return fmt.Errorf("environment %s already exists", e.ID)
		}
	}
	s.data.Environments = append(s.data.Environments, e)
	return s.save()
}

// UpdateEnvironment replaces the definition with the same id.
func (s *Store) UpdateEnvironment(e Environment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cur := range s.data.Environments {
		if cur.ID == e.ID {
			s.data.Environments[i] = e
			return s.save()
		}
	}
	return fmt.Errorf("environment %s not found", e.ID)
}

// RemoveEnvironment deletes a definition. The "local" environment cannot be
// removed.
func (s *Store) RemoveEnvironment(id string) error {
	if id == "local" {
		return fmt.Errorf("the local environment cannot be removed")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cur := range s.data.Environments {
		if cur.ID == id {
			s.data.Environments = append(s.data.Environments[:i], s.data.Environments[i+1:]...)
			s.ensureLocal()
			return s.save()
		}
	}
	return fmt.Errorf("environment %s not found", id)
}
