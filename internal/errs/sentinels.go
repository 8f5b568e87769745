// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates failed authentication/authorization.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrAlreadyExists indicates a unique constraint violation (e.g., username taken).
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidInput indicates malformed or missing input (empty password, bad salt length, ...).
	ErrInvalidInput = errors.New("invalid input")

	// ErrNoActiveKey indicates the session holds no encryption key.
	ErrNoActiveKey = errors.New("no active encryption key")

	// ErrKeyMismatch indicates ciphertext that does not open under the supplied key.
	ErrKeyMismatch = errors.New("key mismatch")

	// ErrRateLimited indicates too many failed password attempts.
	ErrRateLimited = errors.New("rate limited")

	// ErrMigrationInProgress indicates a migration for the same user is already running.
	ErrMigrationInProgress = errors.New("migration in progress")
)
