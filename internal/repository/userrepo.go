// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/and161185/habitstack/internal/model"
	"github.com/gofrs/uuid/v5"
)

// UserRepository provides access to accounts and their encryption salt.
type UserRepository interface {
	// Create inserts a new user.
	Create(ctx context.Context, u *model.User) error
	// GetByID loads a live (not deleted) user by ID.
	GetByID(ctx context.Context, id uuid.UUID) (*model.User, error)
	// GetByUsername loads a live user by username.
	GetByUsername(ctx context.Context, username string) (*model.User, error)
	// SetEncryptionSaltIfEmpty stores the first-ever encryption salt.
	SetEncryptionSaltIfEmpty(ctx context.Context, id uuid.UUID, salt []byte) error
	// UpdateSecret replaces password hash and salts without touching module rows.
	UpdateSecret(ctx context.Context, id uuid.UUID, s model.UserSecret) error
	// SoftDelete marks the account deleted.
	SoftDelete(ctx context.Context, id uuid.UUID) error
}
