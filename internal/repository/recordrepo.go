package repository

import (
	"context"

	"github.com/and161185/habitstack/internal/model"
	"github.com/and161185/habitstack/internal/modules"
	"github.com/gofrs/uuid/v5"
)

// RowRewriter computes new column values for one row during a sweep.
// A nil result leaves the row untouched; an error aborts the transaction.
type RowRewriter func(ctx context.Context, m modules.Module, rec model.Record) (model.Values, error)

// RecordRepository reads and writes the encryptable columns of module rows.
// Values are keyed by storage column.
type RecordRepository interface {
	// Insert creates a row and returns its id.
	Insert(ctx context.Context, userID uuid.UUID, m modules.Module, cols model.Values) (int64, error)
	// Update overwrites the given columns of one row.
	Update(ctx context.Context, userID uuid.UUID, m modules.Module, id int64, cols model.Values) error
	// Get loads one row.
	Get(ctx context.Context, userID uuid.UUID, m modules.Module, id int64) (*model.Record, error)
	// List loads every row of the user in creation order.
	List(ctx context.Context, userID uuid.UUID, m modules.Module) ([]model.Record, error)
	// Delete removes one row.
	Delete(ctx context.Context, userID uuid.UUID, m modules.Module, id int64) error
	// Sweep rewrites every row of the user in one transaction and returns
	// the number of rows written.
	Sweep(ctx context.Context, userID uuid.UUID, m modules.Module, fn RowRewriter) (int, error)
}

// KeyRotationRepository rewrites all module rows and the user's secret as one unit.
type KeyRotationRepository interface {
	// RotateSecret applies fn to every row of every module in mods and stores
	// secret, all in a single transaction. It returns the number of rows written.
	RotateSecret(ctx context.Context, userID uuid.UUID, mods []modules.Module, fn RowRewriter, secret model.UserSecret) (int, error)
}
