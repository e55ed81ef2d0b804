// Package server is the HTTP control surface: auth endpoints, the REST
// wrappers around the domain stores, and the two WebSocket mounts.
package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/agenthq/agenthq/internal/auth"
	"github.com/agenthq/agenthq/internal/config"
	"github.com/agenthq/agenthq/internal/hub"
	"github.com/agenthq/agenthq/internal/state"
)

type Server struct {
	cfg       *config.Store
	auth      *auth.Store
	hub       *hub.Hub
	envs      *state.EnvironmentStore
	repos     *state.RepoStore
	worktrees *state.WorktreeStore
	procs     *state.ProcessStore
	mux       *http.ServeMux
}

func New(cfg *config.Store, authStore *auth.Store, h *hub.Hub, envs *state.EnvironmentStore, repos *state.RepoStore, worktrees *state.WorktreeStore, procs *state.ProcessStore) *Server {
	s := &Server{
		cfg:       cfg,
		auth:      authStore,
		hub:       h,
		envs:      envs,
		repos:     repos,
		worktrees: worktrees,
		procs:     procs,
		mux:       http.NewServeMux(),
	}

	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	s.mux.HandleFunc("POST /api/auth/device-pin", s.handleDevicePin)
	s.mux.HandleFunc("POST /api/auth/pin-login", s.handlePinLogin)
	s.mux.HandleFunc("POST /api/auth/logout", s.handleLogout)
	s.mux.HandleFunc("GET /api/auth/me", s.handleMe)

	s.mux.HandleFunc("GET /api/environments", s.handleListEnvironments)
	s.mux.HandleFunc("DELETE /api/environments/{id}", s.handleDeleteEnvironment)
	s.mux.HandleFunc("POST /api/environments/{id}/restart", s.handleRestartEnvironment)

	s.mux.HandleFunc("GET /api/repos", s.handleListRepos)
	s.mux.HandleFunc("POST /api/repos", s.handleAddRepo)
	s.mux.HandleFunc("POST /api/repos/{name}/worktrees", s.handleCreateWorktree)

	s.mux.HandleFunc("GET /api/worktrees", s.handleListWorktrees)
	s.mux.HandleFunc("DELETE /api/worktrees/{id}", s.handleDeleteWorktree)
	s.mux.HandleFunc("POST /api/worktrees/{id}/processes", s.handleSpawnProcess)
	s.mux.HandleFunc("POST /api/worktrees/{id}/diff", s.handleDiff)
	s.mux.HandleFunc("POST /api/worktrees/{id}/merge", s.handleMerge)

	s.mux.HandleFunc("GET /api/processes", s.handleListProcesses)
	s.mux.HandleFunc("GET /api/processes/{id}/buffer", s.handleProcessBuffer)
	s.mux.HandleFunc("DELETE /api/processes/{id}", s.handleDeleteProcess)

	s.mux.HandleFunc("GET /ws/daemon", s.hub.HandleDaemon)
	s.mux.HandleFunc("GET /ws/browser", s.handleBrowserWS)

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// currentUser resolves the request's user from the session cookie, falling
// back to a bearer API token. Nil means unauthenticated.
func (s *Server) currentUser(r *http.Request) *auth.User {
	if u, err := s.auth.Authenticate(r.Header.Get("Cookie")); err == nil && u != nil {
		return u
	}
	if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		if u, err := s.auth.ValidateAPIToken(strings.TrimSpace(bearer)); err == nil && u != nil {
			return u
		}
	}
	return nil
}

// requireUser writes an opaque 401 and returns nil when unauthenticated.
func (s *Server) requireUser(w http.ResponseWriter, r *http.Request) *auth.User {
	u := s.currentUser(r)
	if u == nil {
		writeError(w, http.StatusUnauthorized, "not logged in")
	}
	return u
}

// handleBrowserWS gates the browser socket on authentication before the
// upgrade; the hub never sees anonymous connections.
func (s *Server) handleBrowserWS(w http.ResponseWriter, r *http.Request) {
	if s.currentUser(r) == nil {
		writeError(w, http.StatusUnauthorized, "not logged in")
		return
	}
	s.hub.HandleBrowser(w, r)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
