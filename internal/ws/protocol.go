package ws

import "github.com/coder/websocket"

// Message types for the broker WebSocket protocol.
const (
	// Daemon → Server
	TypeRegister       = "register"
	TypeHeartbeat      = "heartbeat"
	TypePTYData        = "pty-data" // also server → browser (raw payload)
	TypePTYSize        = "pty-size" // also server → browser
	TypeProcessStarted = "process-started"
	TypeProcessExit    = "process-exit"
	TypeWorktreeReady  = "worktree-ready"
	TypeBranchChanged  = "branch-changed"
	TypeReposList      = "repos-list"

	// Server → Daemon
	TypeCreateWorktree = "create-worktree"
	TypeSpawn          = "spawn"
	TypePTYInput       = "pty-input"
	TypeResize         = "resize" // also browser → server
	TypeKill           = "kill"
	TypeRemoveWorktree = "remove-worktree"
	TypeListRepos      = "list-repos"

	// Browser → Server
	TypeAttach = "attach"
	TypeDetach = "detach"
	TypeInput  = "input"

	// Server → Browser
	TypeProcessUpdate   = "process-update"
	TypeProcessRemoved  = "process-removed"
	TypeWorktreeUpdate  = "worktree-update"
	TypeWorktreeRemoved = "worktree-removed"
	TypeEnvUpdate       = "env-update"
	TypeError           = "error"
)

// Close codes for the daemon socket. 1000 is used for every orderly
// server-initiated close ("restart requested", "environment deleted").
const (
	CloseInvalidToken websocket.StatusCode = 4001
	CloseTokenUnset   websocket.StatusCode = 4003
	CloseNormal                            = websocket.StatusNormalClosure
)

// Envelope wraps every WebSocket message with a type field for routing.
type Envelope struct {
	Type string `json:"type"`
}

// Register is sent by the daemon on connect to claim an environment.
type Register struct {
	Type         string   `json:"type"`
	EnvID        string   `json:"envId"`
	EnvName      string   `json:"envName"`
	Capabilities []string `json:"capabilities"`
	Workspace    string   `json:"workspace,omitempty"`
}

// Heartbeat is sent by the daemon periodically; only the arrival time matters.
type Heartbeat struct {
	Type string `json:"type"`
}

// PTYData carries terminal output. On the daemon hop Data is base64-encoded;
// on the browser hop it is the raw decoded string.
type PTYData struct {
	Type      string `json:"type"`
	ProcessID string `json:"processId"`
	Data      string `json:"data"`
}

// PTYSize reports the terminal dimensions the daemon settled on.
type PTYSize struct {
	Type      string `json:"type"`
	ProcessID string `json:"processId"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

// ProcessStarted confirms the PTY process is running.
type ProcessStarted struct {
	Type      string `json:"type"`
	ProcessID string `json:"processId"`
}

// ProcessExit reports the PTY process exit.
type ProcessExit struct {
	Type      string `json:"type"`
	ProcessID string `json:"processId"`
	ExitCode  int    `json:"exitCode"`
}

// WorktreeReady fills in the path of a worktree the daemon finished creating.
type WorktreeReady struct {
	Type       string `json:"type"`
	WorktreeID string `json:"worktreeId"`
	Path       string `json:"path"`
	Branch     string `json:"branch"`
}

// BranchChanged reports a branch switch inside a worktree.
type BranchChanged struct {
	Type       string `json:"type"`
	WorktreeID string `json:"worktreeId"`
	Branch     string `json:"branch"`
}

// RepoInfo is one repository as reported by a daemon or scanned locally.
type RepoInfo struct {
	Name          string `json:"name"`
	Path          string `json:"path"`
	DefaultBranch string `json:"defaultBranch"`
}

// ReposList is the daemon's full repo inventory; it replaces the previous set.
type ReposList struct {
	Type  string     `json:"type"`
	Repos []RepoInfo `json:"repos"`
}

// CreateWorktree asks the daemon to create a git worktree for a repo.
type CreateWorktree struct {
	Type       string `json:"type"`
	WorktreeID string `json:"worktreeId"`
	RepoName   string `json:"repoName"`
	RepoPath   string `json:"repoPath"`
}

// Spawn asks the daemon to fork an agent process in a PTY.
type Spawn struct {
	Type         string   `json:"type"`
	ProcessID    string   `json:"processId"`
	WorktreeID   string   `json:"worktreeId"`
	WorktreePath string   `json:"worktreePath"`
	Agent        string   `json:"agent"`
	Args         []string `json:"args"`
	Task         string   `json:"task,omitempty"`
	Cols         int      `json:"cols,omitempty"`
	Rows         int      `json:"rows,omitempty"`
	YoloMode     bool     `json:"yoloMode,omitempty"`
}

// PTYInput carries keystrokes to the daemon, base64-encoded.
type PTYInput struct {
	Type      string `json:"type"`
	ProcessID string `json:"processId"`
	Data      string `json:"data"`
}

// Resize tells the daemon to resize the PTY. Browsers send the same frame
// shape to the server.
type Resize struct {
	Type      string `json:"type"`
	ProcessID string `json:"processId"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

// Kill asks the daemon to terminate a process.
type Kill struct {
	Type      string `json:"type"`
	ProcessID string `json:"processId"`
}

// RemoveWorktree asks the daemon to delete a worktree directory.
type RemoveWorktree struct {
	Type         string `json:"type"`
	WorktreeID   string `json:"worktreeId"`
	WorktreePath string `json:"worktreePath"`
}

// ListRepos requests the daemon's repo inventory.
type ListRepos struct {
	Type string `json:"type"`
}

// Attach subscribes a browser to a process's PTY stream. Unless SkipBuffer
// is set the server first replays the output buffer as one pty-data frame.
type Attach struct {
	Type       string `json:"type"`
	ProcessID  string `json:"processId"`
	SkipBuffer bool   `json:"skipBuffer,omitempty"`
}

// Detach unsubscribes a browser from a process.
type Detach struct {
	Type      string `json:"type"`
	ProcessID string `json:"processId"`
}

// Input carries keystrokes from the browser, as a raw string.
type Input struct {
	Type      string `json:"type"`
	ProcessID string `json:"processId"`
	Data      string `json:"data"`
}

// ErrorMsg is sent to a browser for protocol errors.
type ErrorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
