package postgres

import (
	"context"

	"github.com/and161185/habitstack/internal/model"
)

// FieldRepo implements FieldRepository using PostgreSQL.
type FieldRepo struct{ db *DB }

// NewFieldRepo constructs a field catalog repository.
func NewFieldRepo(db *DB) *FieldRepo { return &FieldRepo{db: db} }

// InsertIgnore inserts f; an existing (module_name, field_name) row wins.
func (r *FieldRepo) InsertIgnore(ctx context.Context, f model.EncryptableField) error {
	const q = `
INSERT INTO encryptable_fields (module_name, field_name, display_name, description, recommended, version_added)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (module_name, field_name) DO NOTHING`
	_, err := r.db.Pool.Exec(ctx, q, f.Module, f.FieldName, f.DisplayName, f.Description, f.Recommended, f.VersionAdded)
	return err
}

// List returns the whole catalog ordered by module and field name.
func (r *FieldRepo) List(ctx context.Context) ([]model.EncryptableField, error) {
	const q = `
SELECT module_name, field_name, display_name, description, recommended, version_added
FROM encryptable_fields
ORDER BY module_name, field_name`
	rows, err := r.db.Pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.EncryptableField
	for rows.Next() {
		var f model.EncryptableField
		if err := rows.Scan(&f.Module, &f.FieldName, &f.DisplayName, &f.Description, &f.Recommended, &f.VersionAdded); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
