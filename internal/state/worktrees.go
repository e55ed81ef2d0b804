package state

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Worktree is a checkout directory tied to a repo and a branch. Non-main
// worktrees start with an empty Path and become ready once the daemon sends
// worktree-ready.
type Worktree struct {
	ID        string    `json:"id"`
	RepoName  string    `json:"repoName"`
	Path      string    `json:"path"`
	Branch    string    `json:"branch"`
	IsMain    bool      `json:"isMain"`
	EnvID     string    `json:"envId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Ready reports whether the worktree can host process spawns.
func (w Worktree) Ready() bool { return w.Path != "" }

// WorktreeStore is the in-memory worktree map.
type WorktreeStore struct {
	mu        sync.RWMutex
	worktrees map[string]*Worktree
}

func NewWorktreeStore() *WorktreeStore {
	return &WorktreeStore{worktrees: make(map[string]*Worktree)}
}

// GenerateID yields an opaque 12-character id.
func GenerateID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}

// RegisterMain seeds the deterministic main worktree for a repo on first
// call and returns the existing record thereafter.
func (s *WorktreeStore) RegisterMain(repoName, path, defaultBranch, envID string) Worktree {
	id := "main-" + repoName
	s.mu.Lock()
	defer s.mu.Unlock()
	if wt, ok := s.worktrees[id]; ok {
		return *wt
	}
	wt := &Worktree{
		ID:        id,
		RepoName:  repoName,
		Path:      path,
		Branch:    defaultBranch,
		IsMain:    true,
		EnvID:     envID,
		CreatedAt: time.Now(),
	}
	s.worktrees[id] = wt
	return *wt
}

// Create records a new non-main worktree. Path stays empty until the daemon
// reports worktree-ready.
func (s *WorktreeStore) Create(id, repoName, branch, envID string) Worktree {
	wt := &Worktree{
		ID:        id,
		RepoName:  repoName,
		Branch:    branch,
		EnvID:     envID,
		CreatedAt: time.Now(),
	}
	s.mu.Lock()
	s.worktrees[id] = wt
	s.mu.Unlock()
	return *wt
}

// Get returns a copy of one worktree.
func (s *WorktreeStore) Get(id string) (Worktree, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wt, ok := s.worktrees[id]
	if !ok {
		return Worktree{}, false
	}
	return *wt, true
}

// SetReady fills in the path (and branch, if reported) once the daemon has
// created the directory.
func (s *WorktreeStore) SetReady(id, path, branch string) (Worktree, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wt, ok := s.worktrees[id]
	if !ok {
		return Worktree{}, false
	}
	wt.Path = path
	if branch != "" {
		wt.Branch = branch
	}
	return *wt, true
}

// SetBranch records a branch switch.
func (s *WorktreeStore) SetBranch(id, branch string) (Worktree, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wt, ok := s.worktrees[id]
	if !ok {
		return Worktree{}, false
	}
	wt.Branch = branch
	return *wt, true
}

// Delete removes the record.
func (s *WorktreeStore) Delete(id string) {
	s.mu.Lock()
	delete(s.worktrees, id)
	s.mu.Unlock()
}

// All returns a copy of every worktree.
func (s *WorktreeStore) All() []Worktree {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Worktree, 0, len(s.worktrees))
	for _, wt := range s.worktrees {
		out = append(out, *wt)
	}
	return out
}
