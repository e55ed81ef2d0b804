package auth

import (
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open auth store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

const testDevice = "device-0123456789abcdef"

func TestSeedUserIdempotent(t *testing.T) {
	s := testStore(t)

	if err := s.SeedUser("Alice", "hunter22"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	// Same normalized username: no-op, original password stays valid.
	if err := s.SeedUser(" alice ", "other"); err != nil {
		t.Fatalf("re-seed: %v", err)
	}

	res, err := s.Login("alice", "hunter22")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if res == nil {
		t.Fatal("expected login to succeed with original password")
	}
	if res.User.Username != "alice" {
		t.Errorf("username = %q, want alice", res.User.Username)
	}
	if len(res.SessionID) != 64 {
		t.Errorf("session id length = %d, want 64 hex chars", len(res.SessionID))
	}
}

func TestLoginFailuresAreOpaque(t *testing.T) {
	s := testStore(t)
	s.SeedUser("alice", "hunter22")

	for _, tc := range []struct{ user, pass string }{
		{"alice", "wrong"},
		{"nobody", "hunter22"},
	} {
		res, err := s.Login(tc.user, tc.pass)
		if err != nil {
			t.Fatalf("login(%s): unexpected error %v", tc.user, err)
		}
		if res != nil {
			t.Errorf("login(%s/%s) succeeded, want nil", tc.user, tc.pass)
		}
	}
}

func TestSessionAuthenticateAndExpiry(t *testing.T) {
	s := testStore(t)
	s.SeedUser("alice", "hunter22")

	res, _ := s.Login("alice", "hunter22")
	if res == nil {
		t.Fatal("login failed")
	}

	cookie := SessionCookieName + "=" + res.SessionID + "; theme=dark"
	u, err := s.Authenticate(cookie)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if u == nil || u.Username != "alice" {
		t.Fatalf("authenticate = %+v, want alice", u)
	}

	// Advance the clock past the TTL: cookie resolves to nothing and the
	// row is evicted.
	s.now = func() time.Time { return time.Now().Add(SessionTTL + time.Hour) }
	u, err = s.Authenticate(cookie)
	if err != nil {
		t.Fatalf("authenticate after expiry: %v", err)
	}
	if u != nil {
		t.Error("expected expired session to resolve to no user")
	}
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM sessions").Scan(&n); err != nil {
		t.Fatalf("count sessions: %v", err)
	}
	if n != 0 {
		t.Errorf("expired session rows remaining = %d, want 0", n)
	}
}

func TestLogoutRemovesSession(t *testing.T) {
	s := testStore(t)
	s.SeedUser("alice", "hunter22")
	res, _ := s.Login("alice", "hunter22")

	if err := s.Logout(res.SessionID); err != nil {
		t.Fatalf("logout: %v", err)
	}
	u, _ := s.AuthenticateSession(res.SessionID)
	if u != nil {
		t.Error("session still valid after logout")
	}
}

func TestPinValidationBoundaries(t *testing.T) {
	cases := []struct {
		pin string
		ok  bool
	}{
		{"1234", true},
		{"12345678", true},
		{"123", false},
		{"123456789", false},
		{" 1234 ", true},
		{"12a4", false},
	}
	for _, tc := range cases {
		_, err := validatePin(tc.pin)
		if (err == nil) != tc.ok {
			t.Errorf("validatePin(%q): err=%v, want ok=%v", tc.pin, err, tc.ok)
		}
	}
}

func TestDevicePinFlow(t *testing.T) {
	s := testStore(t)
	s.SeedUser("alice", "hunter22")
	u, _ := s.VerifyPassword("alice", "hunter22")

	has, err := s.HasDevicePin(testDevice)
	if err != nil {
		t.Fatalf("has pin: %v", err)
	}
	if has {
		t.Fatal("fresh device should have no pin")
	}

	if err := s.UpsertDevicePin(u.ID, "short", "1234"); err == nil {
		t.Error("expected error for short device id")
	}
	if err := s.UpsertDevicePin(u.ID, strings.Repeat("x", 201), "1234"); err == nil {
		t.Error("expected error for oversize device id")
	}

	if err := s.UpsertDevicePin(u.ID, testDevice, "1234"); err != nil {
		t.Fatalf("upsert pin: %v", err)
	}
	res, err := s.LoginWithDevicePin(testDevice, "1234")
	if err != nil {
		t.Fatalf("pin login: %v", err)
	}
	if res == nil || res.User.ID != u.ID {
		t.Fatal("expected pin login to succeed")
	}

	var lastUsed *string
	if err := s.db.QueryRow("SELECT last_used_at FROM device_pins WHERE device_id = ?", testDevice).Scan(&lastUsed); err != nil {
		t.Fatalf("read last_used_at: %v", err)
	}
	if lastUsed == nil {
		t.Error("last_used_at not set after pin login")
	}

	// Replacing the PIN invalidates the old one.
	if err := s.UpsertDevicePin(u.ID, testDevice, "8765"); err != nil {
		t.Fatalf("replace pin: %v", err)
	}
	if res, _ := s.LoginWithDevicePin(testDevice, "1234"); res != nil {
		t.Error("old pin still works after replacement")
	}
	if res, _ := s.LoginWithDevicePin(testDevice, "8765"); res == nil {
		t.Error("new pin rejected")
	}

	// Wrong pin and unknown device are opaque failures.
	if res, _ := s.LoginWithDevicePin(testDevice, "0000"); res != nil {
		t.Error("wrong pin accepted")
	}
	if res, _ := s.LoginWithDevicePin("device-ffffffffffffffff", "8765"); res != nil {
		t.Error("unknown device accepted")
	}
}

func TestSessionCookieAttributes(t *testing.T) {
	req := httptest.NewRequest("POST", "/api/auth/login", nil)
	rec := httptest.NewRecorder()
	SetSessionCookie(rec, req, "abc123")

	set := rec.Header().Get("Set-Cookie")
	for _, attr := range []string{
		SessionCookieName + "=abc123", "Path=/", "HttpOnly", "SameSite=Lax",
		fmt.Sprintf("Max-Age=%d", int(SessionTTL.Seconds())),
	} {
		if !strings.Contains(set, attr) {
			t.Errorf("Set-Cookie %q missing %q", set, attr)
		}
	}
	if strings.Contains(set, "Secure") {
		t.Errorf("Set-Cookie %q has Secure on a plain-http request", set)
	}

	rec = httptest.NewRecorder()
	ClearSessionCookie(rec)
	cleared := rec.Header().Get("Set-Cookie")
	for _, attr := range []string{"Max-Age=0", "Expires=Thu, 01 Jan 1970"} {
		if !strings.Contains(cleared, attr) {
			t.Errorf("clear Set-Cookie %q missing %q", cleared, attr)
		}
	}
}

func TestParseCookieHeader(t *testing.T) {
	cases := []struct {
		header string
		want   string
		ok     bool
	}{
		{"agenthq_session=abc123", "abc123", true},
		{"theme=dark; agenthq_session=abc123; lang=en", "abc123", true},
		{" agenthq_session = abc%3D%3D ", "abc==", true},
		{"agenthq_session=a=b=c", "a=b=c", true},
		{"other=abc", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := ParseCookieHeader(tc.header, SessionCookieName)
		if ok != tc.ok || got != tc.want {
			t.Errorf("ParseCookieHeader(%q) = (%q, %v), want (%q, %v)", tc.header, got, ok, tc.want, tc.ok)
		}
	}
}

func TestAPITokenRoundTrip(t *testing.T) {
	s := testStore(t)
	s.SeedUser("alice", "hunter22")
	u, _ := s.VerifyPassword("alice", "hunter22")

	tok, err := s.IssueAPIToken(u)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	got, err := s.ValidateAPIToken(tok)
	if err != nil {
		t.Fatalf("validate token: %v", err)
	}
	if got == nil || got.ID != u.ID {
		t.Fatalf("validate = %+v, want user %s", got, u.ID)
	}

	if got, _ := s.ValidateAPIToken("garbage"); got != nil {
		t.Error("garbage token validated")
	}

	s.now = func() time.Time { return time.Now().Add(SessionTTL + time.Hour) }
	if got, _ := s.ValidateAPIToken(tok); got != nil {
		t.Error("expired token validated")
	}
}
