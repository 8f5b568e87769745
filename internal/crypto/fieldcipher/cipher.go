// Package fieldcipher encrypts single text values into self-describing tokens
// that can share a column with plaintext.
//
// A token is Prefix followed by unpadded base64url of nonce||ciphertext, sealed
// with XChaCha20-Poly1305 under a 32-byte key. Tokens are recognised by shape
// alone, without the key.
package fieldcipher

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/and161185/habitstack/internal/errs"
)

// Prefix marks a value as ciphertext.
const Prefix = "$hs1$"

const (
	// smallest sealed payload: nonce + tag + one byte of plaintext
	minSealedLen = chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead + 1

	markerHeadLen = 20
	markerOpen    = "[CORRUPTED: "
	markerClose   = "...]"
)

var b64 = base64.RawURLEncoding

// Seal encrypts plaintext under key and returns a token.
func Seal(plaintext string, key []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", fmt.Errorf("fieldcipher: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("fieldcipher: nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return Prefix + b64.EncodeToString(sealed), nil
}

// Open decrypts a token produced by Seal. A token that does not authenticate
// under key yields errs.ErrKeyMismatch; a value that is not a token yields
// errs.ErrInvalidInput.
func Open(token string, key []byte) (string, error) {
	raw, ok := decodeToken(token)
	if !ok {
		return "", errs.Invalid("token", "not a field ciphertext")
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", fmt.Errorf("fieldcipher: %w", err)
	}
	nonce, ct := raw[:chacha20poly1305.NonceSizeX], raw[chacha20poly1305.NonceSizeX:]
	pt, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("fieldcipher: %w", errs.ErrKeyMismatch)
	}
	return string(pt), nil
}

// IsEncrypted reports whether text has the token shape. It never panics.
func IsEncrypted(text string) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	_, ok = decodeToken(text)
	return ok
}

func decodeToken(text string) ([]byte, bool) {
	body, found := strings.CutPrefix(text, Prefix)
	if !found || len(body) < b64.EncodedLen(minSealedLen) {
		return nil, false
	}
	raw, err := b64.DecodeString(body)
	if err != nil || len(raw) < minSealedLen {
		return nil, false
	}
	return raw, true
}

// CorruptedMarker is what Decrypt returns for a token that fails to open.
func CorruptedMarker(token string) string {
	head := token
	if len(head) > markerHeadLen {
		head = head[:markerHeadLen]
	}
	return markerOpen + head + markerClose
}

// IsCorruptedMarker reports whether s was produced by CorruptedMarker.
func IsCorruptedMarker(s string) bool {
	return strings.HasPrefix(s, markerOpen) && strings.HasSuffix(s, markerClose)
}

// Codec is the lenient, never-failing front end over Seal/Open used on
// request paths. Missing keys and cipher errors degrade to passthrough.
type Codec struct {
	log *zap.Logger
}

// New constructs a Codec. A nil logger is replaced with a no-op logger.
func New(log *zap.Logger) *Codec {
	if log == nil {
		log = zap.NewNop()
	}
	return &Codec{log: log}
}

// Encrypt returns a token for plaintext, or plaintext itself when it is
// empty, when key is absent, or when sealing fails.
func (c *Codec) Encrypt(plaintext string, key []byte) string {
	if plaintext == "" {
		return plaintext
	}
	if len(key) == 0 {
		c.log.Warn("no encryption key provided, storing plaintext")
		return plaintext
	}
	token, err := Seal(plaintext, key)
	if err != nil {
		c.log.Error("encryption failed", zap.Error(err))
		return plaintext
	}
	return token
}

// Decrypt opens ciphertext under key. Values that are not tokens come back
// unchanged; tokens that fail to open come back as a corrupted marker.
func (c *Codec) Decrypt(ciphertext string, key []byte) string {
	if ciphertext == "" {
		return ciphertext
	}
	if !IsEncrypted(ciphertext) {
		return ciphertext
	}
	if len(key) == 0 {
		c.log.Warn("no encryption key provided, returning value as stored")
		return ciphertext
	}
	pt, err := Open(ciphertext, key)
	if err != nil {
		c.log.Error("decryption failed", zap.Error(err))
		return CorruptedMarker(ciphertext)
	}
	return pt
}

// SmartDecrypt decrypts value only when it sniffs as ciphertext.
func (c *Codec) SmartDecrypt(value string, key []byte) string {
	if value == "" || !IsEncrypted(value) {
		return value
	}
	return c.Decrypt(value, key)
}
