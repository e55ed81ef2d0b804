package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/agenthq/agenthq/internal/auth"
	"github.com/agenthq/agenthq/internal/config"
	"github.com/agenthq/agenthq/internal/hub"
	"github.com/agenthq/agenthq/internal/state"
	"github.com/agenthq/agenthq/internal/ws"
)

const (
	testUser     = "admin"
	testPassword = "hunter22"
	testToken    = "test-daemon-token"
	testDeviceID = "device-0123456789abcdef"
)

type testServer struct {
	cfg    *config.Store
	auth   *auth.Store
	hub    *hub.Hub
	envs   *state.EnvironmentStore
	repos  *state.RepoStore
	wts    *state.WorktreeStore
	procs  *state.ProcessStore
	server *httptest.Server
	client *http.Client
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	t.Setenv("AGENTHQ_DAEMON_TOKEN", "")
	t.Setenv("AGENTHQ_JWT_SECRET", "")

	cfg, err := config.Load(t.TempDir())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if err := cfg.SetDaemonAuthToken(testToken); err != nil {
		t.Fatalf("set token: %v", err)
	}

	authStore, err := auth.Open(":memory:")
	if err != nil {
		t.Fatalf("open auth store: %v", err)
	}
	t.Cleanup(func() { authStore.Close() })
	if err := authStore.SeedUser(testUser, testPassword); err != nil {
		t.Fatalf("seed user: %v", err)
	}

	envs := state.NewEnvironmentStore()
	repos := state.NewRepoStore(cfg.Workspace())
	wts := state.NewWorktreeStore()
	procs := state.NewProcessStore()
	h := hub.New(cfg, envs, repos, wts, procs)

	server := httptest.NewServer(New(cfg, authStore, h, envs, repos, wts, procs))
	t.Cleanup(server.Close)

	jar, _ := cookiejar.New(nil)
	return &testServer{
		cfg: cfg, auth: authStore, hub: h,
		envs: envs, repos: repos, wts: wts, procs: procs,
		server: server,
		client: &http.Client{Jar: jar},
	}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		buf = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, ts.server.URL+path, buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := ts.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	return resp, raw
}

// login authenticates the test client's cookie jar.
func (ts *testServer) login(t *testing.T) {
	t.Helper()
	resp, raw := ts.do(t, "POST", "/api/auth/login", map[string]string{
		"username": testUser, "password": testPassword,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status %d: %s", resp.StatusCode, raw)
	}
}

// connectDaemon dials a real daemon websocket and registers it for the
// local environment.
func (ts *testServer) connectDaemon(t *testing.T) *websocket.Conn {
	t.Helper()
	url := strings.Replace(ts.server.URL, "http", "ws", 1) + "/ws/daemon?token=" + testToken
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial daemon: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })

	reg, _ := json.Marshal(ws.Register{Type: ws.TypeRegister, EnvName: "Local"})
	if err := conn.Write(ctx, websocket.MessageText, reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for !ts.envs.Connected("local") {
		if time.Now().After(deadline) {
			t.Fatal("daemon never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

func TestAPIRequiresAuth(t *testing.T) {
	ts := newTestServer(t)
	resp, _ := ts.do(t, "GET", "/api/processes", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestLoginWrongPasswordIsOpaque401(t *testing.T) {
	ts := newTestServer(t)

	for _, body := range []map[string]string{
		{"username": testUser, "password": "wrong"},
		{"username": "nobody", "password": testPassword},
	} {
		resp, raw := ts.do(t, "POST", "/api/auth/login", body)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", resp.StatusCode)
		}
		if !bytes.Contains(raw, []byte("invalid credentials")) {
			t.Errorf("body %s, want the same opaque message for both failures", raw)
		}
	}
}

func TestDevicePinEnrollmentFlow(t *testing.T) {
	ts := newTestServer(t)

	// Password is right but the device is unknown: the client must enroll a
	// PIN before it gets a session.
	resp, raw := ts.do(t, "POST", "/api/auth/login", map[string]string{
		"username": testUser, "password": testPassword, "deviceId": testDeviceID,
	})
	if resp.StatusCode != http.StatusPreconditionRequired {
		t.Fatalf("status = %d, want 428: %s", resp.StatusCode, raw)
	}
	var gate struct {
		DevicePinRequired bool `json:"devicePinRequired"`
	}
	if err := json.Unmarshal(raw, &gate); err != nil || !gate.DevicePinRequired {
		t.Fatalf("body = %s, want devicePinRequired:true", raw)
	}

	resp, raw = ts.do(t, "POST", "/api/auth/device-pin", map[string]string{
		"username": testUser, "password": testPassword,
		"deviceId": testDeviceID, "pin": "4321",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("enroll status = %d: %s", resp.StatusCode, raw)
	}
	var enrolled struct {
		User  auth.User `json:"user"`
		Token string    `json:"token"`
	}
	if err := json.Unmarshal(raw, &enrolled); err != nil || enrolled.Token == "" {
		t.Fatalf("enroll body = %s, want user + bearer token", raw)
	}

	// From now on the PIN alone logs this device in.
	resp, _ = ts.do(t, "POST", "/api/auth/pin-login", map[string]string{
		"deviceId": testDeviceID, "pin": "4321",
	})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("pin-login status = %d, want 200", resp.StatusCode)
	}
	resp, _ = ts.do(t, "POST", "/api/auth/pin-login", map[string]string{
		"deviceId": testDeviceID, "pin": "9999",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong pin status = %d, want 401", resp.StatusCode)
	}
}

func TestBearerTokenAuthenticates(t *testing.T) {
	ts := newTestServer(t)

	resp, raw := ts.do(t, "POST", "/api/auth/login", map[string]string{
		"username": testUser, "password": testPassword,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status %d", resp.StatusCode)
	}
	var login struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(raw, &login); err != nil || login.Token == "" {
		t.Fatalf("no bearer token in %s", raw)
	}

	// A fresh client with no cookie jar, bearer only.
	req, _ := http.NewRequest("GET", ts.server.URL+"/api/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+login.Token)
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("me: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Errorf("me with bearer = %d, want 200", resp2.StatusCode)
	}
}

func TestLogoutInvalidatesSession(t *testing.T) {
	ts := newTestServer(t)
	ts.login(t)

	resp, _ := ts.do(t, "GET", "/api/auth/me", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("me before logout = %d", resp.StatusCode)
	}
	ts.do(t, "POST", "/api/auth/logout", nil)
	resp, _ = ts.do(t, "GET", "/api/auth/me", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("me after logout = %d, want 401", resp.StatusCode)
	}
}

func TestSpawnSizeValidation(t *testing.T) {
	ts := newTestServer(t)
	ts.login(t)
	ts.connectDaemon(t)
	ts.wts.RegisterMain("myrepo", "/src/myrepo", "main", "local")

	cases := []struct {
		cols, rows int
		want       int
	}{
		{19, 24, http.StatusBadRequest},
		{80, 4, http.StatusBadRequest},
		{20, 5, http.StatusOK},
		{80, 24, http.StatusOK},
	}
	for _, tc := range cases {
		resp, raw := ts.do(t, "POST", "/api/worktrees/main-myrepo/processes", map[string]any{
			"agent": "claude", "cols": tc.cols, "rows": tc.rows,
		})
		if resp.StatusCode != tc.want {
			t.Errorf("%dx%d: status = %d, want %d: %s", tc.cols, tc.rows, resp.StatusCode, tc.want, raw)
		}
	}
}

func TestSpawnPreconditionsAre400(t *testing.T) {
	ts := newTestServer(t)
	ts.login(t)
	ts.wts.RegisterMain("myrepo", "/src/myrepo", "main", "local")

	// Environment not connected: precondition failure, not a conflict.
	resp, raw := ts.do(t, "POST", "/api/worktrees/main-myrepo/processes", map[string]any{
		"agent": "claude", "cols": 80, "rows": 24,
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("disconnected env status = %d, want 400: %s", resp.StatusCode, raw)
	}
	if !bytes.Contains(raw, []byte("environment not connected")) {
		t.Errorf("body = %s, want environment not connected", raw)
	}

	// Worktree exists but its path is not set yet.
	ts.connectDaemon(t)
	ts.wts.Create("wt-pending", "myrepo", "agent/wt-pending", "local")
	resp, raw = ts.do(t, "POST", "/api/worktrees/wt-pending/processes", map[string]any{
		"agent": "claude", "cols": 80, "rows": 24,
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("path-less worktree status = %d, want 400: %s", resp.StatusCode, raw)
	}
	if !bytes.Contains(raw, []byte("worktree is not ready")) {
		t.Errorf("body = %s, want worktree is not ready", raw)
	}
	if got := ts.procs.All(); len(got) != 0 {
		t.Errorf("%d process records created by failed preconditions, want 0", len(got))
	}
}

func TestCreateWorktreePreconditionIs400(t *testing.T) {
	ts := newTestServer(t)
	ts.login(t)
	ts.repos.SetEnvRepos("local", []ws.RepoInfo{{Name: "myrepo", Path: "/src/myrepo", DefaultBranch: "main"}})

	resp, raw := ts.do(t, "POST", "/api/repos/myrepo/worktrees", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400: %s", resp.StatusCode, raw)
	}
	if !bytes.Contains(raw, []byte("environment not connected")) {
		t.Errorf("body = %s, want environment not connected", raw)
	}
}

func TestSpawnRollbackOnSendFailure(t *testing.T) {
	ts := newTestServer(t)
	ts.login(t)
	ts.wts.RegisterMain("myrepo", "/src/myrepo", "main", "local")

	// The environment reads as connected but no daemon socket is registered,
	// so the spawn send fails after the record is created.
	ts.envs.MarkConnected("local", "Local", nil)

	resp, _ := ts.do(t, "POST", "/api/worktrees/main-myrepo/processes", map[string]any{
		"agent": "claude", "cols": 80, "rows": 24,
	})
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	if got := ts.procs.All(); len(got) != 0 {
		t.Errorf("%d process records survived the rollback, want 0", len(got))
	}
}

func TestCreateWorktreeRollbackOnSendFailure(t *testing.T) {
	ts := newTestServer(t)
	ts.login(t)
	ts.envs.MarkConnected("local", "Local", nil)
	ts.repos.SetEnvRepos("local", []ws.RepoInfo{{Name: "myrepo", Path: "/src/myrepo", DefaultBranch: "main"}})

	resp, _ := ts.do(t, "POST", "/api/repos/myrepo/worktrees", nil)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	if got := ts.wts.All(); len(got) != 0 {
		t.Errorf("%d worktree records survived the rollback, want 0", len(got))
	}
}

func TestCreateWorktree(t *testing.T) {
	ts := newTestServer(t)
	ts.login(t)
	daemon := ts.connectDaemon(t)
	ts.repos.SetEnvRepos("local", []ws.RepoInfo{{Name: "myrepo", Path: "/src/myrepo", DefaultBranch: "main"}})

	resp, raw := ts.do(t, "POST", "/api/repos/myrepo/worktrees", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, raw)
	}
	var wt state.Worktree
	if err := json.Unmarshal(raw, &wt); err != nil {
		t.Fatalf("decode worktree: %v", err)
	}
	if !strings.HasPrefix(wt.Branch, "agent/") {
		t.Errorf("branch = %q, want agent/<id>", wt.Branch)
	}
	if wt.Ready() {
		t.Error("worktree must start path-less")
	}

	// The daemon receives the create-worktree command.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		_, data, err := daemon.Read(ctx)
		if err != nil {
			t.Fatalf("daemon read: %v", err)
		}
		var env ws.Envelope
		json.Unmarshal(data, &env)
		if env.Type != ws.TypeCreateWorktree {
			continue
		}
		var cmd ws.CreateWorktree
		if err := json.Unmarshal(data, &cmd); err != nil {
			t.Fatalf("decode create-worktree: %v", err)
		}
		if cmd.WorktreeID != wt.ID || cmd.RepoPath != "/src/myrepo" {
			t.Errorf("command = %+v, want id %s and repo path", cmd, wt.ID)
		}
		break
	}
}

func TestDeleteWorktreeRejectsMain(t *testing.T) {
	ts := newTestServer(t)
	ts.login(t)
	ts.wts.RegisterMain("myrepo", "/src/myrepo", "main", "local")

	resp, _ := ts.do(t, "DELETE", "/api/worktrees/main-myrepo", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	if _, ok := ts.wts.Get("main-myrepo"); !ok {
		t.Error("main worktree was deleted")
	}
}

func TestDeleteProcessRemove(t *testing.T) {
	ts := newTestServer(t)
	ts.login(t)
	ts.procs.Create("p1", "wt1", "claude", "local")
	ts.procs.AppendBuffer("p1", []byte("output"))

	resp, _ := ts.do(t, "DELETE", "/api/processes/p1?remove=true", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if _, ok := ts.procs.Get("p1"); ok {
		t.Error("process record survived remove")
	}
	if ts.procs.Buffer("p1") != nil {
		t.Error("buffer survived remove")
	}
}

func TestProcessBufferEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.login(t)
	ts.procs.Create("p1", "wt1", "claude", "local")
	ts.procs.AppendBuffer("p1", []byte("final output"))

	resp, raw := ts.do(t, "GET", "/api/processes/p1/buffer", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if string(raw) != "final output" {
		t.Errorf("buffer = %q, want the appended output", raw)
	}

	resp, _ = ts.do(t, "GET", "/api/processes/nope/buffer", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown process status = %d, want 404", resp.StatusCode)
	}
}

func TestDeleteEnvironment(t *testing.T) {
	ts := newTestServer(t)
	ts.login(t)
	if err := ts.cfg.AddEnvironment(config.Environment{ID: "vm1", Name: "VM 1", Type: config.EnvTypeExe}); err != nil {
		t.Fatalf("add env: %v", err)
	}

	resp, _ := ts.do(t, "DELETE", "/api/environments/vm1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if _, ok := ts.cfg.Environment("vm1"); ok {
		t.Error("environment survived delete")
	}

	resp, _ = ts.do(t, "DELETE", "/api/environments/local", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("delete local status = %d, want 400", resp.StatusCode)
	}
}

func TestAddRepo(t *testing.T) {
	ts := newTestServer(t)
	ts.login(t)

	resp, raw := ts.do(t, "POST", "/api/repos", map[string]string{
		"name": "elsewhere", "path": "/opt/elsewhere",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, raw)
	}
	repo, ok := ts.repos.Find("elsewhere")
	if !ok {
		t.Fatal("repo not registered")
	}
	if repo.DefaultBranch != "main" {
		t.Errorf("default branch = %q, want main", repo.DefaultBranch)
	}

	resp, _ = ts.do(t, "POST", "/api/repos", map[string]string{
		"name": "elsewhere", "path": "/opt/elsewhere",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate status = %d, want 409", resp.StatusCode)
	}
}
