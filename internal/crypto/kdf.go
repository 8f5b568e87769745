// Package crypto derives per-user field-encryption keys and hashes login passwords.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"

	"github.com/and161185/habitstack/internal/errs"
)

// Key derivation parameters.
const (
	SaltLen       = 16      // 128-bit per-user salt
	KeyLen        = 32      // matches chacha20poly1305.KeySize
	MinIterations = 100_000 // PBKDF2 floor
)

// Argon2id parameters for login password hashing.
const (
	argonTime    uint32 = 3
	argonMemory  uint32 = 64 * 1024
	argonThreads uint8  = 1
	argonKeyLen  uint32 = 32
)

// KDF turns a password and a per-user salt into a field-encryption key
// using PBKDF2-HMAC-SHA256. It holds no secrets and is safe for concurrent use.
type KDF struct {
	iterations int
}

// NewKDF returns a KDF with the given iteration count.
func NewKDF(iterations int) (*KDF, error) {
	if iterations < MinIterations {
		return nil, errs.Invalid("iterations", fmt.Sprintf("must be >= %d", MinIterations))
	}
	return &KDF{iterations: iterations}, nil
}

// DefaultKDF uses the minimum iteration count.
func DefaultKDF() *KDF { return &KDF{iterations: MinIterations} }

// Iterations reports the configured PBKDF2 iteration count.
func (k *KDF) Iterations() int { return k.iterations }

// DeriveKey returns KeyLen bytes of key material for password and salt.
func (k *KDF) DeriveKey(password string, salt []byte) ([]byte, error) {
	if password == "" {
		return nil, errs.Invalid("password", "empty")
	}
	if len(salt) != SaltLen {
		return nil, errs.Invalid("salt", fmt.Sprintf("must be %d bytes, got %d", SaltLen, len(salt)))
	}
	return pbkdf2.Key([]byte(password), salt, k.iterations, KeyLen, sha256.New), nil
}

// GenerateSalt returns a fresh random 128-bit salt.
func GenerateSalt() ([]byte, error) {
	return RandBytes(SaltLen)
}

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// HashPassword returns the Argon2id hash used to verify logins.
// It is unrelated to the field-encryption key and uses its own salt.
func HashPassword(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

// VerifyPassword compares password against an Argon2id hash in constant time.
func VerifyPassword(password string, salt, expected []byte) bool {
	if len(expected) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare(HashPassword(password, salt), expected) == 1
}
