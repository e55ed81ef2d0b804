package state

import (
	"sync"
	"time"
)

// Process status values.
const (
	ProcPending = "pending"
	ProcRunning = "running"
	ProcStopped = "stopped"
	ProcError   = "error"
)

// Process is one interactive PTY hosted by a daemon.
type Process struct {
	ID         string    `json:"id"`
	WorktreeID string    `json:"worktreeId"`
	Agent      string    `json:"agent"`
	EnvID      string    `json:"envId"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"createdAt"`
	ExitCode   *int      `json:"exitCode,omitempty"`
}

// ProcessStore holds process records and their output buffers.
type ProcessStore struct {
	mu      sync.RWMutex
	procs   map[string]*Process
	buffers map[string]*outputBuffer
}

func NewProcessStore() *ProcessStore {
	return &ProcessStore{
		procs:   make(map[string]*Process),
		buffers: make(map[string]*outputBuffer),
	}
}

// Create records a new pending process.
func (s *ProcessStore) Create(id, worktreeID, agent, envID string) Process {
	p := &Process{
		ID:         id,
		WorktreeID: worktreeID,
		Agent:      agent,
		EnvID:      envID,
		Status:     ProcPending,
		CreatedAt:  time.Now(),
	}
	s.mu.Lock()
	s.procs[id] = p
	s.buffers[id] = newOutputBuffer(MaxBufferSize)
	s.mu.Unlock()
	return *p
}

// Get returns a copy of one process.
func (s *ProcessStore) Get(id string) (Process, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.procs[id]
	if !ok {
		return Process{}, false
	}
	return *p, true
}

// All returns a copy of every process.
func (s *ProcessStore) All() []Process {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Process, 0, len(s.procs))
	for _, p := range s.procs {
		out = append(out, *p)
	}
	return out
}

// InWorktree returns the processes attached to one worktree.
func (s *ProcessStore) InWorktree(worktreeID string) []Process {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Process
	for _, p := range s.procs {
		if p.WorktreeID == worktreeID {
			out = append(out, *p)
		}
	}
	return out
}

// MarkRunning transitions pending → running. Returns the updated copy and
// whether a transition actually happened.
func (s *ProcessStore) MarkRunning(id string) (Process, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[id]
	if !ok || p.Status != ProcPending {
		return Process{}, false
	}
	p.Status = ProcRunning
	return *p, true
}

// MarkExited transitions to stopped with an exit code.
func (s *ProcessStore) MarkExited(id string, exitCode int) (Process, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[id]
	if !ok {
		return Process{}, false
	}
	p.Status = ProcStopped
	p.ExitCode = &exitCode
	return *p, true
}

// StopAllForEnv transitions every pending or running process in an
// environment to stopped with no exit code (daemon disconnect cascade).
// Buffers are preserved. Returns the updated copies.
func (s *ProcessStore) StopAllForEnv(envID string) []Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Process
	for _, p := range s.procs {
		if p.EnvID != envID {
			continue
		}
		if p.Status == ProcPending || p.Status == ProcRunning {
			p.Status = ProcStopped
			out = append(out, *p)
		}
	}
	return out
}

// Delete removes the record and its buffer.
func (s *ProcessStore) Delete(id string) {
	s.mu.Lock()
	delete(s.procs, id)
	delete(s.buffers, id)
	s.mu.Unlock()
}

// AppendBuffer appends PTY output, truncating to the most recent 1 MiB.
func (s *ProcessStore) AppendBuffer(id string, p []byte) {
	s.mu.Lock()
	if buf, ok := s.buffers[id]; ok {
		buf.append(p)
	}
	s.mu.Unlock()
}

// Buffer returns a snapshot of a process's output window.
func (s *ProcessStore) Buffer(id string) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if buf, ok := s.buffers[id]; ok {
		return buf.snapshot()
	}
	return nil
}

// ClearBuffer empties the output window without touching the record.
func (s *ProcessStore) ClearBuffer(id string) {
	s.mu.Lock()
	if buf, ok := s.buffers[id]; ok {
		buf.clear()
	}
	s.mu.Unlock()
}
