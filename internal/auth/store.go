package auth

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	// SessionTTL is the default session lifetime.
	SessionTTL = 7 * 24 * time.Hour

	timeFormat = "2006-01-02 15:04:05"
)

// User is an account row.
type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"createdAt"`
}

// LoginResult pairs a fresh session id with its user.
type LoginResult struct {
	SessionID string `json:"sessionId"`
	User      User   `json:"user"`
}

// Store is the persistent credential database.
type Store struct {
	db  *sql.DB
	now func() time.Time // override in tests
}

// Open opens (creating directories on demand) the auth database and applies
// migrations.
func Open(dsn string) (*Store, error) {
	if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
			return nil, fmt.Errorf("create auth db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		var applied int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", f).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", f, err)
		}
		if applied > 0 {
			continue
		}
		content, err := migrationsFS.ReadFile("migrations/" + f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for %s: %w", f, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", f, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", f); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", f, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", f, err)
		}
	}
	return nil
}

// SeedUser creates an account if the username is not already present.
func (s *Store) SeedUser(username, password string) error {
	username = normalizeUsername(username)
	if username == "" || password == "" {
		return fmt.Errorf("username and password are required")
	}
	var exists int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM users WHERE username = ?", username).Scan(&exists); err != nil {
		return fmt.Errorf("check user: %w", err)
	}
	if exists > 0 {
		return nil
	}
	hash, salt, err := hashSecret(password)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(
		"INSERT INTO users (id, username, password_hash, password_salt) VALUES (?, ?, ?, ?)",
		uuid.New().String(), username, hash, salt,
	); err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// userByUsername returns the row including hash columns, or nil.
func (s *Store) userByUsername(username string) (*User, string, string, error) {
	row := s.db.QueryRow(
		"SELECT id, username, password_hash, password_salt, created_at FROM users WHERE username = ?",
		normalizeUsername(username),
	)
	var u User
	var hash, salt string
	err := row.Scan(&u.ID, &u.Username, &hash, &salt, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, "", "", nil
	}
	if err != nil {
		return nil, "", "", fmt.Errorf("get user: %w", err)
	}
	return &u, hash, salt, nil
}

// VerifyPassword checks credentials without creating a session. Unknown
// users and wrong passwords are indistinguishable.
func (s *Store) VerifyPassword(username, password string) (*User, error) {
	u, hash, salt, err := s.userByUsername(username)
	if err != nil {
		return nil, err
	}
	if u == nil || !verifySecret(password, hash, salt) {
		return nil, nil
	}
	return u, nil
}

// Login verifies the password and issues a session. Returns nil on any
// credential failure.
func (s *Store) Login(username, password string) (*LoginResult, error) {
	u, err := s.VerifyPassword(username, password)
	if err != nil || u == nil {
		return nil, err
	}
	return s.createSession(u)
}

func (s *Store) createSession(u *User) (*LoginResult, error) {
	id := generateToken()
	expires := s.now().Add(SessionTTL)
	if _, err := s.db.Exec(
		"INSERT INTO sessions (id, user_id, expires_at) VALUES (?, ?, ?)",
		id, u.ID, expires.UTC().Format(timeFormat),
	); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &LoginResult{SessionID: id, User: *u}, nil
}

// HasDevicePin reports whether a PIN is registered for the device.
func (s *Store) HasDevicePin(deviceID string) (bool, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM device_pins WHERE device_id = ?", deviceID).Scan(&n); err != nil {
		return false, fmt.Errorf("check device pin: %w", err)
	}
	return n > 0, nil
}

// UpsertDevicePin registers (or replaces) the PIN bound to a device.
func (s *Store) UpsertDevicePin(userID, deviceID, pin string) error {
	if err := ValidateDeviceID(deviceID); err != nil {
		return err
	}
	pin, err := validatePin(pin)
	if err != nil {
		return err
	}
	hash, salt, err := hashSecret(pin)
	if err != nil {
		return err
	}
	now := s.now().UTC().Format(timeFormat)
	if _, err := s.db.Exec(
		`INSERT INTO device_pins (device_id, user_id, pin_hash, pin_salt, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(device_id) DO UPDATE SET
		   user_id = excluded.user_id,
		   pin_hash = excluded.pin_hash,
		   pin_salt = excluded.pin_salt,
		   updated_at = excluded.updated_at`,
		deviceID, userID, hash, salt, now, now,
	); err != nil {
		return fmt.Errorf("upsert device pin: %w", err)
	}
	return nil
}

// LoginWithDevicePin verifies a device-bound PIN and issues a session,
// bumping last_used_at on success. Returns nil on any credential failure.
func (s *Store) LoginWithDevicePin(deviceID, pin string) (*LoginResult, error) {
	pin, err := validatePin(pin)
	if err != nil {
		return nil, nil
	}
	row := s.db.QueryRow(
		`SELECT u.id, u.username, u.created_at, dp.pin_hash, dp.pin_salt
		 FROM device_pins dp JOIN users u ON u.id = dp.user_id
		 WHERE dp.device_id = ?`, deviceID,
	)
	var u User
	var hash, salt string
	err = row.Scan(&u.ID, &u.Username, &u.CreatedAt, &hash, &salt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get device pin: %w", err)
	}
	if !verifySecret(pin, hash, salt) {
		return nil, nil
	}
	if _, err := s.db.Exec(
		"UPDATE device_pins SET last_used_at = ? WHERE device_id = ?",
		s.now().UTC().Format(timeFormat), deviceID,
	); err != nil {
		return nil, fmt.Errorf("touch device pin: %w", err)
	}
	return s.createSession(&u)
}

// Logout removes the session row. Unknown ids are a no-op.
func (s *Store) Logout(sessionID string) error {
	if _, err := s.db.Exec("DELETE FROM sessions WHERE id = ?", sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// AuthenticateSession resolves a session id to its user, evicting every
// expired session as a side effect.
func (s *Store) AuthenticateSession(sessionID string) (*User, error) {
	now := s.now().UTC().Format(timeFormat)
	if _, err := s.db.Exec("DELETE FROM sessions WHERE expires_at <= ?", now); err != nil {
		return nil, fmt.Errorf("evict sessions: %w", err)
	}
	row := s.db.QueryRow(
		`SELECT u.id, u.username, u.created_at
		 FROM sessions s JOIN users u ON u.id = s.user_id
		 WHERE s.id = ? AND s.expires_at > ?`, sessionID, now,
	)
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &u, nil
}

// Authenticate parses a Cookie header and resolves the session cookie.
func (s *Store) Authenticate(cookieHeader string) (*User, error) {
	id, ok := ParseCookieHeader(cookieHeader, SessionCookieName)
	if !ok {
		return nil, nil
	}
	return s.AuthenticateSession(id)
}
