package postgres

import (
	"context"
	"errors"

	"github.com/and161185/habitstack/internal/errs"
	"github.com/and161185/habitstack/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// UserRepo implements UserRepository using PostgreSQL.
type UserRepo struct{ db *DB }

// NewUserRepo constructs a user repository.
func NewUserRepo(db *DB) *UserRepo { return &UserRepo{db: db} }

const userCols = `id, username, pwd_hash, salt_auth, encryption_salt, created_at, deleted_at`

// Create inserts a new user row.
func (r *UserRepo) Create(ctx context.Context, u *model.User) error {
	const q = `
INSERT INTO users (id, username, pwd_hash, salt_auth, encryption_salt)
VALUES ($1, $2, $3, $4, $5)`
	_, err := r.db.Pool.Exec(ctx, q, u.ID, u.Username, u.PwdHash, u.SaltAuth, u.EncryptionSalt)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// GetByID selects a live user by ID.
func (r *UserRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.User, error) {
	const q = `SELECT ` + userCols + ` FROM users WHERE id=$1 AND deleted_at IS NULL`
	return scanUser(r.db.Pool.QueryRow(ctx, q, id))
}

// GetByUsername selects a live user by username.
func (r *UserRepo) GetByUsername(ctx context.Context, username string) (*model.User, error) {
	const q = `SELECT ` + userCols + ` FROM users WHERE username=$1 AND deleted_at IS NULL`
	return scanUser(r.db.Pool.QueryRow(ctx, q, username))
}

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	if err := row.Scan(&u.ID, &u.Username, &u.PwdHash, &u.SaltAuth, &u.EncryptionSalt, &u.CreatedAt, &u.DeletedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// SetEncryptionSaltIfEmpty stores salt only when the user has none yet.
func (r *UserRepo) SetEncryptionSaltIfEmpty(ctx context.Context, id uuid.UUID, salt []byte) error {
	const q = `
UPDATE users
SET encryption_salt = $2
WHERE id = $1 AND encryption_salt IS NULL`
	tag, err := r.db.Pool.Exec(ctx, q, id, salt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrAlreadyExists
	}
	return nil
}

// UpdateSecret replaces the password hash and both salts.
func (r *UserRepo) UpdateSecret(ctx context.Context, id uuid.UUID, s model.UserSecret) error {
	tag, err := r.db.Pool.Exec(ctx, updateSecretSQL, id, s.PwdHash, s.SaltAuth, s.EncryptionSalt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

const updateSecretSQL = `
UPDATE users
SET pwd_hash = $2, salt_auth = $3, encryption_salt = $4
WHERE id = $1 AND deleted_at IS NULL`

// SoftDelete sets deleted_at on a live user.
func (r *UserRepo) SoftDelete(ctx context.Context, id uuid.UUID) error {
	const q = `UPDATE users SET deleted_at = now() WHERE id = $1 AND deleted_at IS NULL`
	tag, err := r.db.Pool.Exec(ctx, q, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}
