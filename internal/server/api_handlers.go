package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/agenthq/agenthq/internal/state"
	"github.com/agenthq/agenthq/internal/ws"
)

const (
	minCols = 20
	minRows = 5
)

func (s *Server) handleListEnvironments(w http.ResponseWriter, r *http.Request) {
	if s.requireUser(w, r) == nil {
		return
	}
	writeJSON(w, http.StatusOK, s.hub.EnvViews())
}

func (s *Server) handleListRepos(w http.ResponseWriter, r *http.Request) {
	if s.requireUser(w, r) == nil {
		return
	}
	writeJSON(w, http.StatusOK, s.repos.All())
}

func (s *Server) handleListWorktrees(w http.ResponseWriter, r *http.Request) {
	if s.requireUser(w, r) == nil {
		return
	}
	writeJSON(w, http.StatusOK, s.worktrees.All())
}

func (s *Server) handleListProcesses(w http.ResponseWriter, r *http.Request) {
	if s.requireUser(w, r) == nil {
		return
	}
	writeJSON(w, http.StatusOK, s.procs.All())
}

// handleProcessBuffer returns the raw output window, so a UI can render the
// final output of a stopped process without attaching.
func (s *Server) handleProcessBuffer(w http.ResponseWriter, r *http.Request) {
	if s.requireUser(w, r) == nil {
		return
	}
	id := r.PathValue("id")
	if _, ok := s.procs.Get(id); !ok {
		writeError(w, http.StatusNotFound, "process not found")
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(s.procs.Buffer(id))
}

// handleAddRepo records a repo that lives outside the scanned workspace.
func (s *Server) handleAddRepo(w http.ResponseWriter, r *http.Request) {
	if s.requireUser(w, r) == nil {
		return
	}
	var req struct {
		Name          string `json:"name"`
		Path          string `json:"path"`
		DefaultBranch string `json:"defaultBranch"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Name == "" || req.Path == "" {
		writeError(w, http.StatusBadRequest, "name and path are required")
		return
	}
	if _, exists := s.repos.Find(req.Name); exists {
		writeError(w, http.StatusConflict, fmt.Sprintf("repo %s already exists", req.Name))
		return
	}
	repo := state.Repo{Name: req.Name, Path: req.Path, DefaultBranch: req.DefaultBranch}
	if err := s.repos.AddExtra(repo); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.repos.ScanLocal(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	repo, _ = s.repos.Find(req.Name)
	writeJSON(w, http.StatusOK, repo)
}

// handleCreateWorktree creates the record first, asks the daemon to build
// the directory, and rolls the record back if the daemon is unreachable.
// The worktree stays path-less until the daemon reports worktree-ready.
func (s *Server) handleCreateWorktree(w http.ResponseWriter, r *http.Request) {
	if s.requireUser(w, r) == nil {
		return
	}
	repo, ok := s.repos.Find(r.PathValue("name"))
	if !ok {
		writeError(w, http.StatusNotFound, "repo not found")
		return
	}
	envID := repo.EnvID
	if envID == "" {
		envID = "local"
	}
	if !s.envs.Connected(envID) {
		writeError(w, http.StatusBadRequest, "environment not connected")
		return
	}

	id := state.GenerateID()
	wt := s.worktrees.Create(id, repo.Name, "agent/"+id, envID)
	if !s.hub.SendToEnv(envID, ws.CreateWorktree{
		Type:       ws.TypeCreateWorktree,
		WorktreeID: id,
		RepoName:   repo.Name,
		RepoPath:   repo.Path,
	}) {
		s.worktrees.Delete(id)
		writeError(w, http.StatusInternalServerError, "environment unreachable")
		return
	}
	s.hub.BroadcastWorktreeUpdate(wt)
	writeJSON(w, http.StatusOK, wt)
}

func (s *Server) handleDeleteWorktree(w http.ResponseWriter, r *http.Request) {
	if s.requireUser(w, r) == nil {
		return
	}
	wt, ok := s.worktrees.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "worktree not found")
		return
	}
	if wt.IsMain {
		writeError(w, http.StatusBadRequest, "the main worktree cannot be removed")
		return
	}

	// Best-effort teardown on the daemon side; record removal proceeds even
	// when the environment is offline.
	for _, p := range s.procs.InWorktree(wt.ID) {
		if p.Status == state.ProcRunning || p.Status == state.ProcPending {
			s.hub.SendToEnv(p.EnvID, ws.Kill{Type: ws.TypeKill, ProcessID: p.ID})
		}
	}
	s.hub.SendToEnv(wt.EnvID, ws.RemoveWorktree{
		Type:         ws.TypeRemoveWorktree,
		WorktreeID:   wt.ID,
		WorktreePath: wt.Path,
	})
	s.worktrees.Delete(wt.ID)
	s.hub.BroadcastWorktreeRemoved(wt.ID)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// spawnInWorktree is the shared create-record → send-spawn → rollback path
// used by process creation and the diff/merge script endpoints.
func (s *Server) spawnInWorktree(w http.ResponseWriter, wt state.Worktree, agent string, args []string, task string, cols, rows int, yolo bool) {
	if !wt.Ready() {
		writeError(w, http.StatusBadRequest, "worktree is not ready")
		return
	}
	envID := wt.EnvID
	if envID == "" {
		envID = "local"
	}
	if !s.envs.Connected(envID) {
		writeError(w, http.StatusBadRequest, "environment not connected")
		return
	}

	id := state.GenerateID()
	p := s.procs.Create(id, wt.ID, agent, envID)
	if !s.hub.SendToEnv(envID, ws.Spawn{
		Type:         ws.TypeSpawn,
		ProcessID:    id,
		WorktreeID:   wt.ID,
		WorktreePath: wt.Path,
		Agent:        agent,
		Args:         args,
		Task:         task,
		Cols:         cols,
		Rows:         rows,
		YoloMode:     yolo,
	}) {
		s.procs.Delete(id)
		writeError(w, http.StatusInternalServerError, "environment unreachable")
		return
	}
	s.hub.BroadcastProcessUpdate(p)
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleSpawnProcess(w http.ResponseWriter, r *http.Request) {
	if s.requireUser(w, r) == nil {
		return
	}
	var req struct {
		Agent    string   `json:"agent"`
		Args     []string `json:"args"`
		Task     string   `json:"task"`
		Cols     int      `json:"cols"`
		Rows     int      `json:"rows"`
		YoloMode bool     `json:"yoloMode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Agent == "" {
		writeError(w, http.StatusBadRequest, "agent is required")
		return
	}
	if req.Cols < minCols || req.Rows < minRows {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("terminal must be at least %dx%d", minCols, minRows))
		return
	}
	wt, ok := s.worktrees.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "worktree not found")
		return
	}
	s.spawnInWorktree(w, wt, req.Agent, req.Args, req.Task, req.Cols, req.Rows, req.YoloMode)
}

// defaultBranchFor resolves the merge/diff base for a worktree's repo.
func (s *Server) defaultBranchFor(wt state.Worktree) (state.Repo, string) {
	repo, ok := s.repos.Get(wt.EnvID, wt.RepoName)
	if !ok {
		repo, ok = s.repos.Find(wt.RepoName)
	}
	base := "main"
	if ok && repo.DefaultBranch != "" {
		base = repo.DefaultBranch
	}
	return repo, base
}

// handleDiff spawns a one-shot shell that prints the worktree's diff against
// the repo's default branch.
func (s *Server) handleDiff(w http.ResponseWriter, r *http.Request) {
	if s.requireUser(w, r) == nil {
		return
	}
	wt, ok := s.worktrees.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "worktree not found")
		return
	}
	_, base := s.defaultBranchFor(wt)
	script := fmt.Sprintf("git --no-pager diff %s...HEAD; echo; read -r -p 'press enter to close'", base)
	s.spawnInWorktree(w, wt, "bash", []string{"-lc", script}, "", 80, 24, false)
}

// handleMerge spawns a one-shot shell that merges the worktree's branch back
// into the repo's default branch.
func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	if s.requireUser(w, r) == nil {
		return
	}
	wt, ok := s.worktrees.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "worktree not found")
		return
	}
	repo, base := s.defaultBranchFor(wt)
	if repo.Path == "" {
		writeError(w, http.StatusBadRequest, "repo path unknown")
		return
	}
	script := fmt.Sprintf(
		"cd %q && git checkout %s && git merge --no-ff %s; read -r -p 'press enter to close'",
		repo.Path, base, wt.Branch,
	)
	s.spawnInWorktree(w, wt, "bash", []string{"-lc", script}, "", 80, 24, false)
}

// handleDeleteProcess kills (default) or removes (?remove=true) a process.
// A plain kill leaves the record alone: the daemon's process-exit frame is
// what moves it to stopped.
func (s *Server) handleDeleteProcess(w http.ResponseWriter, r *http.Request) {
	if s.requireUser(w, r) == nil {
		return
	}
	p, ok := s.procs.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "process not found")
		return
	}

	if r.URL.Query().Get("remove") == "true" {
		s.procs.Delete(p.ID)
		s.hub.BroadcastProcessRemoved(p.ID)
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}

	if !s.hub.SendToEnv(p.EnvID, ws.Kill{Type: ws.TypeKill, ProcessID: p.ID}) {
		writeError(w, http.StatusInternalServerError, "environment unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleDeleteEnvironment closes the daemon socket with an orderly 1000,
// runs the disconnect cascade, and drops the configuration entry.
func (s *Server) handleDeleteEnvironment(w http.ResponseWriter, r *http.Request) {
	if s.requireUser(w, r) == nil {
		return
	}
	id := r.PathValue("id")
	if _, ok := s.cfg.Environment(id); !ok {
		writeError(w, http.StatusNotFound, "environment not found")
		return
	}
	if id == "local" {
		writeError(w, http.StatusBadRequest, "the local environment cannot be removed")
		return
	}

	s.hub.CloseEnv(id, "environment deleted")
	if err := s.cfg.RemoveEnvironment(id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.envs.Remove(id)
	s.hub.BroadcastEnvUpdate()
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleRestartEnvironment drops the daemon socket; the daemon supervisor
// on the other end reconnects with a fresh register.
func (s *Server) handleRestartEnvironment(w http.ResponseWriter, r *http.Request) {
	if s.requireUser(w, r) == nil {
		return
	}
	id := r.PathValue("id")
	if _, ok := s.cfg.Environment(id); !ok {
		writeError(w, http.StatusNotFound, "environment not found")
		return
	}
	s.hub.CloseEnv(id, "restart requested")
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
