// Package hub is the real-time session broker: it owns the daemon and
// browser WebSocket connections and routes PTY frames between them.
package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/agenthq/agenthq/internal/config"
	"github.com/agenthq/agenthq/internal/state"
	"github.com/agenthq/agenthq/internal/ws"
)

// Hub multiplexes daemon connections (one per environment) against browser
// connections (any number, each with a set of process subscriptions).
type Hub struct {
	cfg       *config.Store
	envs      *state.EnvironmentStore
	repos     *state.RepoStore
	worktrees *state.WorktreeStore
	procs     *state.ProcessStore

	// mu guards the registries below and serializes buffer-append with
	// fan-out so an attaching browser never sees a live frame before the
	// buffer snapshot that should precede it.
	mu       sync.Mutex
	daemons  map[string]*daemonConn
	browsers map[*browserConn]struct{}
	subs     map[string]map[*browserConn]struct{}
}

func New(cfg *config.Store, envs *state.EnvironmentStore, repos *state.RepoStore, worktrees *state.WorktreeStore, procs *state.ProcessStore) *Hub {
	return &Hub{
		cfg:       cfg,
		envs:      envs,
		repos:     repos,
		worktrees: worktrees,
		procs:     procs,
		daemons:   make(map[string]*daemonConn),
		browsers:  make(map[*browserConn]struct{}),
		subs:      make(map[string]map[*browserConn]struct{}),
	}
}

// EnvView is the merged config + runtime environment record sent to browsers.
type EnvView struct {
	config.Environment
	Status        string     `json:"status"`
	Capabilities  []string   `json:"capabilities,omitempty"`
	ConnectedAt   *time.Time `json:"connectedAt,omitempty"`
	LastHeartbeat *time.Time `json:"lastHeartbeat,omitempty"`
}

// EnvViews merges the configured environment list with runtime state, plus
// any connected daemon whose id matched no configuration.
func (h *Hub) EnvViews() []EnvView {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.envViewsLocked()
}

// envViewsLocked is EnvViews for callers already holding h.mu.
func (h *Hub) envViewsLocked() []EnvView {
	configured := h.cfg.Environments()
	seen := make(map[string]bool, len(configured))
	views := make([]EnvView, 0, len(configured))
	for _, e := range configured {
		rt := h.envs.Get(e.ID)
		seen[e.ID] = true
		views = append(views, EnvView{
			Environment:   e,
			Status:        rt.Status,
			Capabilities:  rt.Capabilities,
			ConnectedAt:   rt.ConnectedAt,
			LastHeartbeat: rt.LastHeartbeat,
		})
	}
	for envID := range h.daemons {
		if seen[envID] {
			continue
		}
		rt := h.envs.Get(envID)
		name := rt.Name
		if name == "" {
			name = envID
		}
		views = append(views, EnvView{
			Environment:   config.Environment{ID: envID, Name: name},
			Status:        rt.Status,
			Capabilities:  rt.Capabilities,
			ConnectedAt:   rt.ConnectedAt,
			LastHeartbeat: rt.LastHeartbeat,
		})
	}
	return views
}

// broadcast enqueues a frame to every browser connection.
func (h *Hub) broadcast(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	h.mu.Lock()
	conns := make([]*browserConn, 0, len(h.browsers))
	for bc := range h.browsers {
		conns = append(conns, bc)
	}
	h.mu.Unlock()
	for _, bc := range conns {
		bc.enqueue(data)
	}
}

// fanOut enqueues a frame to the subscribers of one process. Callers must
// hold h.mu; delivery iterates a snapshot so subscription changes during
// the loop are safe.
func (h *Hub) fanOutLocked(processID string, data []byte) {
	set := h.subs[processID]
	if len(set) == 0 {
		return
	}
	conns := make([]*browserConn, 0, len(set))
	for bc := range set {
		conns = append(conns, bc)
	}
	for _, bc := range conns {
		bc.enqueue(data)
	}
}

// BroadcastEnvUpdate pushes the full environment list to every browser.
func (h *Hub) BroadcastEnvUpdate() {
	h.broadcast(envUpdateMsg{Type: ws.TypeEnvUpdate, Environments: h.EnvViews()})
}

// BroadcastProcessUpdate pushes one process record to every browser.
func (h *Hub) BroadcastProcessUpdate(p state.Process) {
	h.broadcast(processUpdateMsg{Type: ws.TypeProcessUpdate, Process: p})
}

// BroadcastProcessRemoved announces a deleted process and clears its
// subscriber set.
func (h *Hub) BroadcastProcessRemoved(processID string) {
	h.mu.Lock()
	for bc := range h.subs[processID] {
		delete(bc.subs, processID)
	}
	delete(h.subs, processID)
	h.mu.Unlock()
	h.broadcast(processRemovedMsg{Type: ws.TypeProcessRemoved, ProcessID: processID})
}

// BroadcastWorktreeUpdate pushes one worktree record to every browser.
func (h *Hub) BroadcastWorktreeUpdate(wt state.Worktree) {
	h.broadcast(worktreeUpdateMsg{Type: ws.TypeWorktreeUpdate, Worktree: wt})
}

// BroadcastWorktreeRemoved announces a deleted worktree.
func (h *Hub) BroadcastWorktreeRemoved(worktreeID string) {
	h.broadcast(worktreeRemovedMsg{Type: ws.TypeWorktreeRemoved, WorktreeID: worktreeID})
}

// Server → browser state frames.
type envUpdateMsg struct {
	Type         string    `json:"type"`
	Environments []EnvView `json:"environments"`
}

type processUpdateMsg struct {
	Type    string        `json:"type"`
	Process state.Process `json:"process"`
}

type processRemovedMsg struct {
	Type      string `json:"type"`
	ProcessID string `json:"processId"`
}

type worktreeUpdateMsg struct {
	Type     string         `json:"type"`
	Worktree state.Worktree `json:"worktree"`
}

type worktreeRemovedMsg struct {
	Type       string `json:"type"`
	WorktreeID string `json:"worktreeId"`
}
