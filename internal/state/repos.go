package state

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/agenthq/agenthq/internal/logger"
	"github.com/agenthq/agenthq/internal/ws"
)

// Repo is a git repository visible to one environment. For the local
// environment the set comes from scanning the workspace; for remote
// environments it is whatever the daemon last reported.
type Repo struct {
	Name          string `json:"name"`
	Path          string `json:"path"`
	DefaultBranch string `json:"defaultBranch"`
	EnvID         string `json:"envId,omitempty"`
}

// RepoStore holds per-environment repo sets.
type RepoStore struct {
	mu        sync.RWMutex
	workspace string
	byEnv     map[string][]Repo // envID → repos; "local" is scan-derived
	extra     []Repo            // repos.json additions for the local env
}

func NewRepoStore(workspace string) *RepoStore {
	return &RepoStore{
		workspace: workspace,
		byEnv:     make(map[string][]Repo),
	}
}

// ScanLocal walks the workspace directory for entries containing a .git
// child and replaces the local repo set. Entries from repos.json are merged
// in afterwards.
func (s *RepoStore) ScanLocal() error {
	entries, err := os.ReadDir(s.workspace)
	if err != nil {
		return err
	}
	var repos []Repo
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(s.workspace, e.Name())
		if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
			continue
		}
		repos = append(repos, Repo{
			Name:          e.Name(),
			Path:          dir,
			DefaultBranch: "main",
			EnvID:         "local",
		})
	}

	s.mu.Lock()
	for _, r := range s.extra {
		found := false
		for _, have := range repos {
			if have.Path == r.Path {
				found = true
				break
			}
		}
		if !found {
			repos = append(repos, r)
		}
	}
	sort.Slice(repos, func(i, j int) bool { return repos[i].Name < repos[j].Name })
	s.byEnv["local"] = repos
	s.mu.Unlock()
	return nil
}

// LoadExtra reads <workspace>/.agenthq-meta/repos.json, the metadata file
// for repos added by hand through the HTTP layer.
func (s *RepoStore) LoadExtra() {
	path := filepath.Join(s.workspace, ".agenthq-meta", "repos.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var extra []Repo
	if err := json.Unmarshal(raw, &extra); err != nil {
		logger.Warn("repos.json is malformed, ignoring", "path", path, "err", err)
		return
	}
	s.mu.Lock()
	for i := range extra {
		extra[i].EnvID = "local"
	}
	s.extra = extra
	s.mu.Unlock()
}

// AddExtra records a hand-added local repo and persists repos.json.
func (s *RepoStore) AddExtra(r Repo) error {
	r.EnvID = "local"
	if r.DefaultBranch == "" {
		r.DefaultBranch = "main"
	}
	s.mu.Lock()
	s.extra = append(s.extra, r)
	snapshot := make([]Repo, len(s.extra))
	copy(snapshot, s.extra)
	s.mu.Unlock()

	dir := filepath.Join(s.workspace, ".agenthq-meta")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "repos.json"), raw, 0600)
}

// SetEnvRepos replaces the repo set a daemon reported for its environment.
func (s *RepoStore) SetEnvRepos(envID string, repos []ws.RepoInfo) {
	converted := make([]Repo, len(repos))
	for i, r := range repos {
		converted[i] = Repo{
			Name:          r.Name,
			Path:          r.Path,
			DefaultBranch: r.DefaultBranch,
			EnvID:         envID,
		}
	}
	s.mu.Lock()
	s.byEnv[envID] = converted
	s.mu.Unlock()
}

// Get finds one repo by name within an environment.
func (s *RepoStore) Get(envID, name string) (Repo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.byEnv[envID] {
		if r.Name == name {
			return r, true
		}
	}
	return Repo{}, false
}

// Find looks a repo up by name across all environments.
func (s *RepoStore) Find(name string) (Repo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, repos := range s.byEnv {
		for _, r := range repos {
			if r.Name == name {
				return r, true
			}
		}
	}
	return Repo{}, false
}

// All returns every known repo across environments.
func (s *RepoStore) All() []Repo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Repo
	for _, repos := range s.byEnv {
		out = append(out, repos...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EnvID != out[j].EnvID {
			return out[i].EnvID < out[j].EnvID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Watch rescans the local repo set whenever directories appear or disappear
// in the workspace. Blocks until ctx is done.
func (s *RepoStore) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(s.workspace); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if err := s.ScanLocal(); err != nil {
				logger.Warn("workspace rescan failed", "err", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("workspace watcher error", "err", err)
		}
	}
}
