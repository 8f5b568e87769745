package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/and161185/habitstack/internal/errs"
	"github.com/and161185/habitstack/internal/model"
	"github.com/and161185/habitstack/internal/modules"
	"github.com/and161185/habitstack/internal/repository"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// querier is the subset shared by the pool and a transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// RecordRepo implements RecordRepository and KeyRotationRepository over the
// module tables. Table and column names come from the modules catalog and are
// quoted with pgx.Identifier.
type RecordRepo struct{ db *DB }

// NewRecordRepo constructs a module record repository.
func NewRecordRepo(db *DB) *RecordRepo { return &RecordRepo{db: db} }

func ident(name string) string { return pgx.Identifier{name}.Sanitize() }

// orderedCols returns the catalog columns present in cols, failing on unknown ones.
func orderedCols(m modules.Module, cols model.Values) ([]string, error) {
	known := make(map[string]bool, len(m.Columns))
	for _, c := range m.ColumnNames() {
		known[c] = true
	}
	for c := range cols {
		if !known[c] {
			return nil, errs.Invalid("column", fmt.Sprintf("%s has no column %q", m.Name, c))
		}
	}
	out := make([]string, 0, len(cols))
	for _, c := range m.ColumnNames() {
		if _, ok := cols[c]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func selectList(m modules.Module) string {
	parts := []string{"id"}
	for _, c := range m.ColumnNames() {
		parts = append(parts, ident(c))
	}
	return strings.Join(parts, ", ")
}

func scanRecord(m modules.Module, row pgx.Row) (model.Record, error) {
	names := m.ColumnNames()
	vals := make([]*string, len(names))
	dest := make([]any, 0, len(names)+1)
	var rec model.Record
	dest = append(dest, &rec.ID)
	for i := range vals {
		dest = append(dest, &vals[i])
	}
	if err := row.Scan(dest...); err != nil {
		return model.Record{}, err
	}
	rec.Values = make(model.Values, len(names))
	for i, n := range names {
		rec.Values[n] = vals[i]
	}
	return rec, nil
}

// Insert creates a row owned by userID.
func (r *RecordRepo) Insert(ctx context.Context, userID uuid.UUID, m modules.Module, cols model.Values) (int64, error) {
	names, err := orderedCols(m, cols)
	if err != nil {
		return 0, err
	}
	colSQL := []string{"user_id"}
	ph := []string{"$1"}
	args := []any{userID}
	for i, c := range names {
		colSQL = append(colSQL, ident(c))
		ph = append(ph, fmt.Sprintf("$%d", i+2))
		args = append(args, cols[c])
	}
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING id",
		ident(m.Table), strings.Join(colSQL, ", "), strings.Join(ph, ", "))

	var id int64
	if err := r.db.Pool.QueryRow(ctx, q, args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// Update overwrites the given columns of one row.
func (r *RecordRepo) Update(ctx context.Context, userID uuid.UUID, m modules.Module, id int64, cols model.Values) error {
	names, err := orderedCols(m, cols)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return errs.Invalid("columns", "nothing to update")
	}
	tag, err := r.db.Pool.Exec(ctx, updateSQL(m, names), updateArgs(userID, id, names, cols)...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

func updateSQL(m modules.Module, names []string) string {
	sets := make([]string, 0, len(names))
	for i, c := range names {
		sets = append(sets, fmt.Sprintf("%s = $%d", ident(c), i+3))
	}
	return fmt.Sprintf("UPDATE %s SET %s WHERE id = $1 AND user_id = $2", ident(m.Table), strings.Join(sets, ", "))
}

func updateArgs(userID uuid.UUID, id int64, names []string, cols model.Values) []any {
	args := []any{id, userID}
	for _, c := range names {
		args = append(args, cols[c])
	}
	return args
}

// Get loads one row of the user.
func (r *RecordRepo) Get(ctx context.Context, userID uuid.UUID, m modules.Module, id int64) (*model.Record, error) {
	q := fmt.Sprintf("SELECT %s FROM %s WHERE id = $1 AND user_id = $2", selectList(m), ident(m.Table))
	rec, err := scanRecord(m, r.db.Pool.QueryRow(ctx, q, id, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// List loads every row of the user ordered by id.
func (r *RecordRepo) List(ctx context.Context, userID uuid.UUID, m modules.Module) ([]model.Record, error) {
	return listRecords(ctx, r.db.Pool, userID, m, false)
}

func listRecords(ctx context.Context, q querier, userID uuid.UUID, m modules.Module, lock bool) ([]model.Record, error) {
	sql := fmt.Sprintf("SELECT %s FROM %s WHERE user_id = $1 ORDER BY id", selectList(m), ident(m.Table))
	if lock {
		sql += " FOR UPDATE"
	}
	rows, err := q.Query(ctx, sql, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Record
	for rows.Next() {
		rec, err := scanRecord(m, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Delete removes one row of the user.
func (r *RecordRepo) Delete(ctx context.Context, userID uuid.UUID, m modules.Module, id int64) error {
	q := fmt.Sprintf("DELETE FROM %s WHERE id = $1 AND user_id = $2", ident(m.Table))
	tag, err := r.db.Pool.Exec(ctx, q, id, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// Sweep locks the user's rows of m and rewrites them through fn in one transaction.
func (r *RecordRepo) Sweep(ctx context.Context, userID uuid.UUID, m modules.Module, fn repository.RowRewriter) (n int, err error) {
	err = r.db.inTx(ctx, func(tx pgx.Tx) error {
		n, err = sweepModule(ctx, tx, userID, m, fn)
		return err
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// RotateSecret rewrites every module and stores the new secret atomically.
func (r *RecordRepo) RotateSecret(ctx context.Context, userID uuid.UUID, mods []modules.Module, fn repository.RowRewriter, secret model.UserSecret) (total int, err error) {
	err = r.db.inTx(ctx, func(tx pgx.Tx) error {
		for _, m := range mods {
			n, err := sweepModule(ctx, tx, userID, m, fn)
			if err != nil {
				return fmt.Errorf("%s: %w", m.Name, err)
			}
			total += n
		}
		tag, err := tx.Exec(ctx, updateSecretSQL, userID, secret.PwdHash, secret.SaltAuth, secret.EncryptionSalt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return errs.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

func sweepModule(ctx context.Context, tx pgx.Tx, userID uuid.UUID, m modules.Module, fn repository.RowRewriter) (int, error) {
	recs, err := listRecords(ctx, tx, userID, m, true)
	if err != nil {
		return 0, err
	}
	written := 0
	for _, rec := range recs {
		cols, err := fn(ctx, m, rec)
		if err != nil {
			return 0, err
		}
		if cols == nil {
			continue
		}
		names, err := orderedCols(m, cols)
		if err != nil {
			return 0, err
		}
		if len(names) == 0 {
			continue
		}
		if _, err := tx.Exec(ctx, updateSQL(m, names), updateArgs(userID, rec.ID, names, cols)...); err != nil {
			return 0, err
		}
		written++
	}
	return written, nil
}
