// Package identity implements password hashing and complexity rules for the
// single-admin-plus-optional-users auth model (spec §3 User, §4.2).
package identity

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters (OWASP recommended for password hashing).
const (
	argon2Time    = 3         // iterations
	argon2Memory  = 64 * 1024 // 64 MB
	argon2Threads = 4         // parallelism
	argon2KeyLen  = 32        // output key length
	argon2SaltLen = 16        // salt length
)

// MaxPasswordBytes caps login-time input length to avoid amplification
// attacks on the hasher; the complexity check proper requires >= MinPasswordLen.
const MaxPasswordBytes = 72

// MinPasswordLen is the minimum character count the complexity rule accepts.
const MinPasswordLen = 8

// ErrInvalidPassword is returned by VerifyPassword on any mismatch or
// malformed stored hash.
var ErrInvalidPassword = errors.New("identity: invalid password")

// ErrPasswordTooLong is returned when a candidate password exceeds the
// login-time length cap.
var ErrPasswordTooLong = fmt.Errorf("identity: password exceeds %d bytes", MaxPasswordBytes)

// ErrPasswordTooShort is returned by ValidateComplexity.
var ErrPasswordTooShort = fmt.Errorf("identity: password must be at least %d characters", MinPasswordLen)

// ErrPasswordReused is returned when a new password matches the current hash.
var ErrPasswordReused = errors.New("identity: new password must differ from the current password")

// PasswordHasher hashes and verifies passwords with Argon2id at fixed,
// library-recommended cost parameters. Every hash embeds its own salt in a
// bare PHC-formatted string.
type PasswordHasher struct {
	time    uint32
	memory  uint32
	threads uint8
	keyLen  uint32
}

// NewPasswordHasher returns a hasher using OWASP-recommended Argon2id cost
// parameters.
func NewPasswordHasher() *PasswordHasher {
	return &PasswordHasher{
		time:    argon2Time,
		memory:  argon2Memory,
		threads: argon2Threads,
		keyLen:  argon2KeyLen,
	}
}

// NewPasswordHasherFast returns a hasher with reduced cost parameters,
// intended only for tests where Argon2id's default cost would slow the suite.
func NewPasswordHasherFast() *PasswordHasher {
	return &PasswordHasher{time: 1, memory: 8 * 1024, threads: 2, keyLen: 32}
}

// HashPassword returns a PHC-formatted Argon2id hash:
// $argon2id$v=19$m=65536,t=3,p=4$salt$hash
func (h *PasswordHasher) HashPassword(password string) (string, error) {
	if len(password) > MaxPasswordBytes {
		return "", ErrPasswordTooLong
	}
	salt := make([]byte, argon2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	hash := argon2.IDKey([]byte(password), salt, h.time, h.memory, h.threads, h.keyLen)

	b64Salt := base64.RawStdEncoding.EncodeToString(salt)
	b64Hash := base64.RawStdEncoding.EncodeToString(hash)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.memory, h.time, h.threads, b64Salt, b64Hash), nil
}

// VerifyPassword reports whether password matches encodedHash, using a
// constant-time comparison of the derived key.
func (h *PasswordHasher) VerifyPassword(encodedHash, password string) bool {
	if len(password) > MaxPasswordBytes {
		return false
	}
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return false
	}

	var memory, t uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &t, &threads); err != nil {
		return false
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}

	computed := argon2.IDKey([]byte(password), salt, t, memory, threads, uint32(len(expected)))
	return subtle.ConstantTimeCompare(expected, computed) == 1
}

// ValidateComplexity enforces the minimum-length complexity rule. It is
// independent of the login-time length cap enforced by HashPassword/
// VerifyPassword.
func ValidateComplexity(password string) error {
	if utf8.RuneCountInString(password) < MinPasswordLen {
		return ErrPasswordTooShort
	}
	return nil
}

// ValidatePasswordChange enforces complexity and the no-reuse rule for a
// password-change flow: newPassword must pass ValidateComplexity and must
// not verify against currentHash.
func (h *PasswordHasher) ValidatePasswordChange(currentHash, newPassword string) error {
	if err := ValidateComplexity(newPassword); err != nil {
		return err
	}
	if h.VerifyPassword(currentHash, newPassword) {
		return ErrPasswordReused
	}
	return nil
}
