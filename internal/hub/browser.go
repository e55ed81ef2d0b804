package hub

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/agenthq/agenthq/internal/logger"
	"github.com/agenthq/agenthq/internal/ws"
)

const (
	// browserQueueDepth bounds the per-browser outbound queue. A browser
	// that falls this far behind is disconnected rather than allowed to
	// stall PTY fan-out.
	browserQueueDepth = 256

	browserWriteTimeout = 10 * time.Second

	// inputByteRate caps browser keystroke throughput (bytes/sec).
	inputByteRate = 1 << 20
)

// browserConn is one attached browser. subs is guarded by Hub.mu.
type browserConn struct {
	conn      *websocket.Conn
	send      chan []byte
	subs      map[string]struct{}
	closeOnce sync.Once
	limiter   *rate.Limiter
}

// enqueue hands a frame to the writer goroutine. On overflow the browser is
// disconnected: slow consumers must not delay fan-out.
func (bc *browserConn) enqueue(data []byte) {
	select {
	case bc.send <- data:
	default:
		logger.Warn("browser outbound queue overflow, disconnecting")
		bc.close()
	}
}

func (bc *browserConn) close() {
	bc.closeOnce.Do(func() {
		bc.conn.CloseNow()
	})
}

// writeLoop is the connection's single writer.
func (bc *browserConn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-bc.send:
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, browserWriteTimeout)
			err := bc.conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				bc.close()
				return
			}
		}
	}
}

// HandleBrowser serves /ws/browser. Authentication happens on the HTTP
// upgrade (session cookie or bearer token) before this is called.
func (h *Hub) HandleBrowser(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		logger.Warn("browser websocket accept failed", "err", err)
		return
	}

	bc := &browserConn{
		conn:    conn,
		send:    make(chan []byte, browserQueueDepth),
		subs:    make(map[string]struct{}),
		limiter: rate.NewLimiter(rate.Limit(inputByteRate), inputByteRate),
	}
	defer func() {
		h.removeBrowser(bc)
		bc.close()
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go bc.writeLoop(ctx)

	h.registerBrowser(bc)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if err := bc.limiter.WaitN(ctx, len(data)); err != nil {
			return
		}
		h.handleBrowserFrame(bc, data)
	}
}

// registerBrowser joins the connection to the broadcast set and enqueues the
// initial snapshot: envs first, then worktrees, then processes, so the
// client never sees a dangling reference. Registration and snapshot share
// the hub critical section, so a broadcast published after the snapshot
// cannot be missed and one published before is reflected in the snapshot.
func (h *Hub) registerBrowser(bc *browserConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.browsers[bc] = struct{}{}

	envMsg, _ := json.Marshal(envUpdateMsg{Type: ws.TypeEnvUpdate, Environments: h.envViewsLocked()})
	bc.enqueue(envMsg)
	for _, wt := range h.worktrees.All() {
		data, _ := json.Marshal(worktreeUpdateMsg{Type: ws.TypeWorktreeUpdate, Worktree: wt})
		bc.enqueue(data)
	}
	for _, p := range h.procs.All() {
		data, _ := json.Marshal(processUpdateMsg{Type: ws.TypeProcessUpdate, Process: p})
		bc.enqueue(data)
	}
}

// handleBrowserFrame routes one browser frame; invalid JSON and unknown
// types are ignored with a log entry.
func (h *Hub) handleBrowserFrame(bc *browserConn, data []byte) {
	var env ws.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return
	}

	switch env.Type {
	case ws.TypeAttach:
		var frame ws.Attach
		if err := json.Unmarshal(data, &frame); err != nil {
			return
		}
		h.attach(bc, frame)

	case ws.TypeDetach:
		var frame ws.Detach
		if err := json.Unmarshal(data, &frame); err != nil {
			return
		}
		h.mu.Lock()
		delete(bc.subs, frame.ProcessID)
		if set := h.subs[frame.ProcessID]; set != nil {
			delete(set, bc)
			if len(set) == 0 {
				delete(h.subs, frame.ProcessID)
			}
		}
		h.mu.Unlock()

	case ws.TypeInput:
		var frame ws.Input
		if err := json.Unmarshal(data, &frame); err != nil {
			return
		}
		p, ok := h.procs.Get(frame.ProcessID)
		if !ok {
			return
		}
		h.SendToEnv(p.EnvID, ws.PTYInput{
			Type:      ws.TypePTYInput,
			ProcessID: p.ID,
			Data:      base64.StdEncoding.EncodeToString([]byte(frame.Data)),
		})

	case ws.TypeResize:
		var frame ws.Resize
		if err := json.Unmarshal(data, &frame); err != nil {
			return
		}
		p, ok := h.procs.Get(frame.ProcessID)
		if !ok {
			return
		}
		h.SendToEnv(p.EnvID, ws.Resize{
			Type:      ws.TypeResize,
			ProcessID: p.ID,
			Cols:      frame.Cols,
			Rows:      frame.Rows,
		})

	default:
		logger.Debug("unknown browser frame", "type", env.Type)
	}
}

// attach subscribes the browser to a process and replays the output buffer
// (unless skipped) followed by the current process record. Subscription and
// replay share the hub critical section so no live frame can slip in
// between.
func (h *Hub) attach(bc *browserConn, frame ws.Attach) {
	p, ok := h.procs.Get(frame.ProcessID)
	if !ok {
		msg, _ := json.Marshal(ws.ErrorMsg{Type: ws.TypeError, Message: "process not found"})
		bc.enqueue(msg)
		return
	}

	h.mu.Lock()
	bc.subs[p.ID] = struct{}{}
	set := h.subs[p.ID]
	if set == nil {
		set = make(map[*browserConn]struct{})
		h.subs[p.ID] = set
	}
	set[bc] = struct{}{}

	if !frame.SkipBuffer {
		if buf := h.procs.Buffer(p.ID); len(buf) > 0 {
			replay, _ := json.Marshal(ws.PTYData{
				Type: ws.TypePTYData, ProcessID: p.ID, Data: string(buf),
			})
			bc.enqueue(replay)
		}
	}
	update, _ := json.Marshal(processUpdateMsg{Type: ws.TypeProcessUpdate, Process: p})
	bc.enqueue(update)
	h.mu.Unlock()
}

// removeBrowser clears the connection from every registry so subscriber
// sets never hold dead connections.
func (h *Hub) removeBrowser(bc *browserConn) {
	h.mu.Lock()
	delete(h.browsers, bc)
	for processID := range bc.subs {
		if set := h.subs[processID]; set != nil {
			delete(set, bc)
			if len(set) == 0 {
				delete(h.subs, processID)
			}
		}
	}
	h.mu.Unlock()
}
