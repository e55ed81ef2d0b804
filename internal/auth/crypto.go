package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/scrypt"
)

// scrypt parameters; 64-byte derived key, 16-byte salt, both stored hex.
const (
	scryptN      = 16384
	scryptR      = 8
	scryptP      = 1
	keyLen       = 64
	saltLen      = 16
	minDeviceID  = 16
	maxDeviceID  = 200
)

// hashSecret derives a fresh salt+hash pair for a password or PIN.
func hashSecret(secret string) (hashHex, saltHex string, err error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", "", fmt.Errorf("generate salt: %w", err)
	}
	key, err := scrypt.Key([]byte(secret), salt, scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return "", "", fmt.Errorf("scrypt: %w", err)
	}
	return hex.EncodeToString(key), hex.EncodeToString(salt), nil
}

// verifySecret recomputes the hash and compares in constant time.
func verifySecret(secret, hashHex, saltHex string) bool {
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(hashHex)
	if err != nil {
		return false
	}
	key, err := scrypt.Key([]byte(secret), salt, scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return false
	}
	if len(key) != len(want) {
		return false
	}
	return subtle.ConstantTimeCompare(key, want) == 1
}

// normalizeUsername lower-cases and trims a username.
func normalizeUsername(u string) string {
	return strings.ToLower(strings.TrimSpace(u))
}

// validatePin trims and checks for 4-8 ASCII digits, returning the
// normalized PIN.
func validatePin(pin string) (string, error) {
	pin = strings.TrimSpace(pin)
	if len(pin) < 4 || len(pin) > 8 {
		return "", fmt.Errorf("pin must be 4-8 digits")
	}
	for _, c := range pin {
		if c < '0' || c > '9' {
			return "", fmt.Errorf("pin must be 4-8 digits")
		}
	}
	return pin, nil
}

// ValidateDeviceID checks the opaque device token length. Exported so the
// HTTP layer can reject bad ids before touching the database.
func ValidateDeviceID(deviceID string) error {
	if len(deviceID) < minDeviceID || len(deviceID) > maxDeviceID {
		return fmt.Errorf("device id must be %d-%d characters", minDeviceID, maxDeviceID)
	}
	return nil
}

// generateToken returns 32 random bytes hex-encoded (session ids).
func generateToken() string {
	b := make([]byte, 32)
	rand.Read(b)
	return hex.EncodeToString(b)
}
