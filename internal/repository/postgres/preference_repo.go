package postgres

import (
	"context"
	"errors"
	"sort"

	"github.com/and161185/habitstack/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// PreferenceRepo implements PreferenceRepository using PostgreSQL.
type PreferenceRepo struct{ db *DB }

// NewPreferenceRepo constructs a preference repository.
func NewPreferenceRepo(db *DB) *PreferenceRepo { return &PreferenceRepo{db: db} }

const upsertPreferenceSQL = `
INSERT INTO user_encryption_preferences (user_id, field_key, encrypted, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (user_id, field_key) DO UPDATE
SET encrypted = EXCLUDED.encrypted, updated_at = now()`

// ListByUser returns the user's rows ordered by field key.
func (r *PreferenceRepo) ListByUser(ctx context.Context, userID uuid.UUID) ([]model.Preference, error) {
	const q = `
SELECT user_id, field_key, encrypted, updated_at
FROM user_encryption_preferences
WHERE user_id = $1
ORDER BY field_key`
	rows, err := r.db.Pool.Query(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Preference
	for rows.Next() {
		var p model.Preference
		if err := rows.Scan(&p.UserID, &p.FieldKey, &p.Encrypted, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Upsert writes one preference row.
func (r *PreferenceRepo) Upsert(ctx context.Context, userID uuid.UUID, fieldKey string, encrypted bool) error {
	_, err := r.db.Pool.Exec(ctx, upsertPreferenceSQL, userID, fieldKey, encrypted)
	return err
}

// UpsertMany writes prefs in one transaction. Rows not in prefs are kept.
func (r *PreferenceRepo) UpsertMany(ctx context.Context, userID uuid.UUID, prefs map[string]bool) error {
	if len(prefs) == 0 {
		return nil
	}
	return r.db.inTx(ctx, func(tx pgx.Tx) error {
		return upsertAll(ctx, tx, userID, prefs)
	})
}

// ReplaceAll swaps the user's whole preference set atomically.
func (r *PreferenceRepo) ReplaceAll(ctx context.Context, userID uuid.UUID, prefs map[string]bool) error {
	return r.db.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM user_encryption_preferences WHERE user_id = $1`, userID); err != nil {
			return err
		}
		return upsertAll(ctx, tx, userID, prefs)
	})
}

func upsertAll(ctx context.Context, tx pgx.Tx, userID uuid.UUID, prefs map[string]bool) error {
	keys := make([]string, 0, len(prefs))
	for k := range prefs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, err := tx.Exec(ctx, upsertPreferenceSQL, userID, k, prefs[k]); err != nil {
			return err
		}
	}
	return nil
}

// DeleteAll removes every preference row of the user.
func (r *PreferenceRepo) DeleteAll(ctx context.Context, userID uuid.UUID) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM user_encryption_preferences WHERE user_id = $1`, userID)
	return err
}

// Rename moves a row to a new key, replacing any row already at newKey.
func (r *PreferenceRepo) Rename(ctx context.Context, userID uuid.UUID, oldKey, newKey string) (moved bool, err error) {
	err = r.db.inTx(ctx, func(tx pgx.Tx) error {
		var enc bool
		err := tx.QueryRow(ctx, `
SELECT encrypted FROM user_encryption_preferences
WHERE user_id = $1 AND field_key = $2 FOR UPDATE`, userID, oldKey).Scan(&enc)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, upsertPreferenceSQL, userID, newKey, enc); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM user_encryption_preferences WHERE user_id = $1 AND field_key = $2`, userID, oldKey); err != nil {
			return err
		}
		moved = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return moved, nil
}
