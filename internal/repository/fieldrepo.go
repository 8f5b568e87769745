package repository

import (
	"context"

	"github.com/and161185/habitstack/internal/model"
)

// FieldRepository persists the encryptable field catalog.
type FieldRepository interface {
	// InsertIgnore stores f unless (module, field_name) already exists.
	InsertIgnore(ctx context.Context, f model.EncryptableField) error
	// List returns every persisted field ordered by module and field name.
	List(ctx context.Context) ([]model.EncryptableField, error)
}
