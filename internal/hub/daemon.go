package hub

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/agenthq/agenthq/internal/config"
	"github.com/agenthq/agenthq/internal/logger"
	"github.com/agenthq/agenthq/internal/ws"
)

const daemonWriteTimeout = 10 * time.Second

// daemonConn is the authoritative socket for one environment.
type daemonConn struct {
	envID   string
	conn    *websocket.Conn
	writeMu sync.Mutex // one outbound frame at a time
}

// send marshals and writes one frame, never interleaving with another.
func (d *daemonConn) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), daemonWriteTimeout)
	defer cancel()
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	return d.conn.Write(ctx, websocket.MessageText, data)
}

// SendToEnv delivers one frame to the environment's daemon. False means no
// daemon is connected or the write failed; the HTTP layer uses that to roll
// back and return 500.
func (h *Hub) SendToEnv(envID string, v any) bool {
	h.mu.Lock()
	d := h.daemons[envID]
	h.mu.Unlock()
	if d == nil {
		return false
	}
	if err := d.send(v); err != nil {
		logger.Warn("daemon send failed", "env", envID, "err", err)
		return false
	}
	return true
}

// CloseEnv closes the environment's daemon socket with an orderly 1000 and
// runs the disconnect cascade immediately.
func (h *Hub) CloseEnv(envID, reason string) {
	h.mu.Lock()
	d := h.daemons[envID]
	if d != nil {
		delete(h.daemons, envID)
	}
	h.mu.Unlock()
	if d == nil {
		return
	}
	d.conn.Close(ws.CloseNormal, reason)
	h.cascade(envID)
}

// HandleDaemon serves /ws/daemon. Daemons must present the shared token as
// a query parameter; there is no localhost exemption.
func (h *Hub) HandleDaemon(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		logger.Warn("daemon websocket accept failed", "err", err)
		return
	}

	want := h.cfg.DaemonAuthToken()
	if want == "" {
		conn.Close(ws.CloseTokenUnset, "daemon token not configured")
		return
	}
	got := r.URL.Query().Get("token")
	if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		conn.Close(ws.CloseInvalidToken, "invalid token")
		return
	}

	d := &daemonConn{conn: conn}
	defer func() {
		conn.CloseNow()
		h.dropDaemon(d)
	}()

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		h.handleDaemonFrame(d, data)
	}
}

// handleDaemonFrame routes one daemon frame. Invalid JSON and unknown types
// are dropped without tearing down the connection.
func (h *Hub) handleDaemonFrame(d *daemonConn, data []byte) {
	var env ws.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return
	}

	switch env.Type {
	case ws.TypeRegister:
		var reg ws.Register
		if err := json.Unmarshal(data, &reg); err != nil {
			return
		}
		h.registerDaemon(d, reg)

	case ws.TypeHeartbeat:
		if d.envID != "" {
			h.envs.Heartbeat(d.envID)
		}

	case ws.TypePTYData:
		var frame ws.PTYData
		if err := json.Unmarshal(data, &frame); err != nil {
			return
		}
		payload, err := base64.StdEncoding.DecodeString(frame.Data)
		if err != nil {
			logger.Warn("pty-data payload is not base64", "process", frame.ProcessID)
			return
		}
		h.deliverPTYData(frame.ProcessID, payload)

	case ws.TypePTYSize:
		var frame ws.PTYSize
		if err := json.Unmarshal(data, &frame); err != nil {
			return
		}
		out, _ := json.Marshal(ws.PTYSize{
			Type: ws.TypePTYSize, ProcessID: frame.ProcessID,
			Cols: frame.Cols, Rows: frame.Rows,
		})
		h.mu.Lock()
		h.fanOutLocked(frame.ProcessID, out)
		h.mu.Unlock()

	case ws.TypeProcessStarted:
		var frame ws.ProcessStarted
		if err := json.Unmarshal(data, &frame); err != nil {
			return
		}
		if p, changed := h.procs.MarkRunning(frame.ProcessID); changed {
			h.BroadcastProcessUpdate(p)
		}

	case ws.TypeProcessExit:
		var frame ws.ProcessExit
		if err := json.Unmarshal(data, &frame); err != nil {
			return
		}
		if p, ok := h.procs.MarkExited(frame.ProcessID, frame.ExitCode); ok {
			h.BroadcastProcessUpdate(p)
		}

	case ws.TypeWorktreeReady:
		var frame ws.WorktreeReady
		if err := json.Unmarshal(data, &frame); err != nil {
			return
		}
		if wt, ok := h.worktrees.SetReady(frame.WorktreeID, frame.Path, frame.Branch); ok {
			h.BroadcastWorktreeUpdate(wt)
		}

	case ws.TypeBranchChanged:
		var frame ws.BranchChanged
		if err := json.Unmarshal(data, &frame); err != nil {
			return
		}
		if wt, ok := h.worktrees.SetBranch(frame.WorktreeID, frame.Branch); ok {
			h.BroadcastWorktreeUpdate(wt)
		}

	case ws.TypeReposList:
		var frame ws.ReposList
		if err := json.Unmarshal(data, &frame); err != nil {
			return
		}
		if d.envID != "" && d.envID != "local" {
			h.repos.SetEnvRepos(d.envID, frame.Repos)
		}

	default:
		logger.Debug("unknown daemon frame", "type", env.Type)
	}
}

// deliverPTYData appends decoded output to the process buffer, promotes a
// pending process to running, and fans the raw payload out to subscribers.
// Append and fan-out share one critical section so attach-time buffer
// replay always precedes live frames.
func (h *Hub) deliverPTYData(processID string, payload []byte) {
	p, started := h.procs.MarkRunning(processID)

	out, _ := json.Marshal(ws.PTYData{
		Type: ws.TypePTYData, ProcessID: processID, Data: string(payload),
	})

	h.mu.Lock()
	h.procs.AppendBuffer(processID, payload)
	h.fanOutLocked(processID, out)
	h.mu.Unlock()

	if started {
		h.BroadcastProcessUpdate(p)
	}
}

// registerDaemon matches a register frame to an environment definition and
// records the socket as authoritative for it. A re-register that resolves
// to a different environment releases the old one: the stale mapping is
// removed and the old env runs the disconnect cascade.
func (h *Hub) registerDaemon(d *daemonConn, reg ws.Register) {
	envID := h.matchEnv(reg)

	h.mu.Lock()
	oldEnvID := d.envID
	prev := h.daemons[envID]
	h.daemons[envID] = d
	d.envID = envID
	if oldEnvID != "" && oldEnvID != envID && h.daemons[oldEnvID] == d {
		delete(h.daemons, oldEnvID)
	}
	h.mu.Unlock()

	if oldEnvID != "" && oldEnvID != envID {
		h.cascade(oldEnvID)
	}
	if prev != nil && prev != d {
		prev.conn.Close(ws.CloseNormal, "daemon replaced")
	}

	h.envs.MarkConnected(envID, reg.EnvName, reg.Capabilities)
	logger.Info("daemon registered", "env", envID, "name", reg.EnvName)

	// Ask for the initial repo inventory before anything else.
	d.send(ws.ListRepos{Type: ws.TypeListRepos})
	h.BroadcastEnvUpdate()
}

// matchEnv picks the configured environment for a register frame:
// exact id, exact name, vmName for exe environments, first local
// environment, then the daemon-supplied id verbatim.
func (h *Hub) matchEnv(reg ws.Register) string {
	envs := h.cfg.Environments()
	for _, e := range envs {
		if reg.EnvID != "" && e.ID == reg.EnvID {
			return e.ID
		}
	}
	for _, e := range envs {
		if reg.EnvName != "" && e.Name == reg.EnvName {
			return e.ID
		}
	}
	for _, e := range envs {
		if e.Type == config.EnvTypeExe && e.VMName != "" && e.VMName == reg.EnvName {
			return e.ID
		}
	}
	for _, e := range envs {
		if e.Type == config.EnvTypeLocal {
			return e.ID
		}
	}
	return reg.EnvID
}

// dropDaemon runs the disconnect cascade once, if this socket is still the
// authoritative one for its environment.
func (h *Hub) dropDaemon(d *daemonConn) {
	if d.envID == "" {
		return
	}
	h.mu.Lock()
	if h.daemons[d.envID] != d {
		h.mu.Unlock()
		return
	}
	delete(h.daemons, d.envID)
	h.mu.Unlock()
	h.cascade(d.envID)
}

// cascade stops every pending/running process in the environment (keeping
// buffers), marks it disconnected, and notifies browsers.
func (h *Hub) cascade(envID string) {
	for _, p := range h.procs.StopAllForEnv(envID) {
		h.BroadcastProcessUpdate(p)
	}
	h.envs.MarkDisconnected(envID)
	h.BroadcastEnvUpdate()
	logger.Info("daemon disconnected", "env", envID)
}
