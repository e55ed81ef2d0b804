package auth

import (
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const jwtSecretKey = "jwt_secret"

// APIClaims are the JWT claims for bearer API tokens minted at login.
type APIClaims struct {
	jwt.RegisteredClaims
	Username string `json:"username,omitempty"`
}

// getConfig reads one auth_config value, "" when absent.
func (s *Store) getConfig(key string) (string, error) {
	var v string
	err := s.db.QueryRow("SELECT value FROM auth_config WHERE key = ?", key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get auth config: %w", err)
	}
	return v, nil
}

func (s *Store) setConfig(key, value string) error {
	if _, err := s.db.Exec(
		"INSERT INTO auth_config (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value,
	); err != nil {
		return fmt.Errorf("set auth config: %w", err)
	}
	return nil
}

// JWTSecret returns the HS256 signing secret. Priority: AGENTHQ_JWT_SECRET
// (base64) > auth_config row > auto-generate and persist.
func (s *Store) JWTSecret() ([]byte, error) {
	if env := os.Getenv("AGENTHQ_JWT_SECRET"); env != "" {
		return base64.StdEncoding.DecodeString(env)
	}
	val, err := s.getConfig(jwtSecretKey)
	if err != nil {
		return nil, err
	}
	if val != "" {
		return base64.StdEncoding.DecodeString(val)
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate jwt secret: %w", err)
	}
	if err := s.setConfig(jwtSecretKey, base64.StdEncoding.EncodeToString(secret)); err != nil {
		return nil, err
	}
	return secret, nil
}

// IssueAPIToken signs a bearer token for a user, expiring with the session TTL.
func (s *Store) IssueAPIToken(u *User) (string, error) {
	secret, err := s.JWTSecret()
	if err != nil {
		return "", err
	}
	claims := APIClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(s.now()),
			ExpiresAt: jwt.NewNumericDate(s.now().Add(SessionTTL)),
		},
		Username: u.Username,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign jwt: %w", err)
	}
	return signed, nil
}

// ValidateAPIToken verifies a bearer token and returns the user it names.
func (s *Store) ValidateAPIToken(tokenString string) (*User, error) {
	secret, err := s.JWTSecret()
	if err != nil {
		return nil, err
	}
	token, err := jwt.ParseWithClaims(tokenString, &APIClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return s.now() }))
	if err != nil {
		return nil, nil
	}
	claims, ok := token.Claims.(*APIClaims)
	if !ok || claims.Subject == "" {
		return nil, nil
	}
	return &User{ID: claims.Subject, Username: claims.Username}, nil
}
