package repository

import (
	"context"

	"github.com/and161185/habitstack/internal/model"
	"github.com/gofrs/uuid/v5"
)

// PreferenceRepository stores per-user, per-field encryption choices.
type PreferenceRepository interface {
	// ListByUser returns every preference row of the user.
	ListByUser(ctx context.Context, userID uuid.UUID) ([]model.Preference, error)
	// Upsert writes one row and refreshes its timestamp.
	Upsert(ctx context.Context, userID uuid.UUID, fieldKey string, encrypted bool) error
	// UpsertMany writes several rows in one transaction, leaving other rows alone.
	UpsertMany(ctx context.Context, userID uuid.UUID, prefs map[string]bool) error
	// ReplaceAll deletes every row of the user and inserts prefs, atomically.
	ReplaceAll(ctx context.Context, userID uuid.UUID, prefs map[string]bool) error
	// DeleteAll removes every row of the user.
	DeleteAll(ctx context.Context, userID uuid.UUID) error
	// Rename moves the row at oldKey to newKey, overwriting newKey; false when
	// oldKey had no row.
	Rename(ctx context.Context, userID uuid.UUID, oldKey, newKey string) (bool, error)
}
