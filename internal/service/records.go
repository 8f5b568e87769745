package service

import (
	"context"
	"fmt"

	"github.com/and161185/habitstack/internal/errs"
	"github.com/and161185/habitstack/internal/model"
	"github.com/and161185/habitstack/internal/modules"
	"github.com/and161185/habitstack/internal/repository"
)

// FieldCodec is the write/read contract every module goes through.
type FieldCodec interface {
	ProcessForStorage(ctx context.Context, module string, mapping model.FieldMapping, data model.Values) (model.Values, error)
	ProcessForDisplay(ctx context.Context, module string, mapping model.FieldMapping, row model.Values) (model.Values, error)
	BulkProcessForExport(ctx context.Context, module string, mapping model.FieldMapping, rows []model.Values, key []byte) []model.Values
}

// RecordService is thin CRUD over the collaborator module tables.
// Values going in and coming out are keyed by field name.
type RecordService interface {
	Create(ctx context.Context, module string, fields model.Values) (int64, error)
	Update(ctx context.Context, module string, id int64, fields model.Values) error
	Get(ctx context.Context, module string, id int64) (model.Record, error)
	List(ctx context.Context, module string) ([]model.Record, error)
	Delete(ctx context.Context, module string, id int64) error
}

type RecordServiceImpl struct {
	repo  repository.RecordRepository
	codec FieldCodec
}

// NewRecordService constructs RecordService.
func NewRecordService(repo repository.RecordRepository, codec FieldCodec) *RecordServiceImpl {
	return &RecordServiceImpl{repo: repo, codec: codec}
}

func lookupModule(name string) (modules.Module, error) {
	m, ok := modules.ByName(name)
	if !ok {
		return modules.Module{}, errs.Invalid("module", fmt.Sprintf("unknown module %q", name))
	}
	return m, nil
}

func checkFields(m modules.Module, fields model.Values) error {
	if len(fields) == 0 {
		return errs.Invalid("fields", "empty")
	}
	mapping := m.Mapping()
	for f := range fields {
		if _, ok := mapping[f]; !ok {
			return errs.Invalid("fields", fmt.Sprintf("%s has no field %q", m.Name, f))
		}
	}
	return nil
}

// Create stores a new row after applying the user's encryption choices.
func (s *RecordServiceImpl) Create(ctx context.Context, module string, fields model.Values) (int64, error) {
	sess, err := requireSession(ctx)
	if err != nil {
		return 0, err
	}
	m, err := lookupModule(module)
	if err != nil {
		return 0, err
	}
	if err := checkFields(m, fields); err != nil {
		return 0, err
	}
	cols, err := s.codec.ProcessForStorage(ctx, m.Name, m.Mapping(), fields)
	if err != nil {
		return 0, err
	}
	return s.repo.Insert(ctx, sess.UserID, m, cols)
}

// Update overwrites the given fields of one row.
func (s *RecordServiceImpl) Update(ctx context.Context, module string, id int64, fields model.Values) error {
	sess, err := requireSession(ctx)
	if err != nil {
		return err
	}
	m, err := lookupModule(module)
	if err != nil {
		return err
	}
	if err := checkFields(m, fields); err != nil {
		return err
	}
	cols, err := s.codec.ProcessForStorage(ctx, m.Name, m.Mapping(), fields)
	if err != nil {
		return err
	}
	return s.repo.Update(ctx, sess.UserID, m, id, cols)
}

// Get loads one row ready for display.
func (s *RecordServiceImpl) Get(ctx context.Context, module string, id int64) (model.Record, error) {
	sess, err := requireSession(ctx)
	if err != nil {
		return model.Record{}, err
	}
	m, err := lookupModule(module)
	if err != nil {
		return model.Record{}, err
	}
	rec, err := s.repo.Get(ctx, sess.UserID, m, id)
	if err != nil {
		return model.Record{}, err
	}
	vals, err := s.codec.ProcessForDisplay(ctx, m.Name, m.Mapping(), rec.Values)
	if err != nil {
		return model.Record{}, err
	}
	return model.Record{ID: rec.ID, Values: vals}, nil
}

// List loads every row of the module ready for display.
func (s *RecordServiceImpl) List(ctx context.Context, module string) ([]model.Record, error) {
	sess, err := requireSession(ctx)
	if err != nil {
		return nil, err
	}
	m, err := lookupModule(module)
	if err != nil {
		return nil, err
	}
	recs, err := s.repo.List(ctx, sess.UserID, m)
	if err != nil {
		return nil, err
	}
	out := make([]model.Record, 0, len(recs))
	for _, rec := range recs {
		vals, err := s.codec.ProcessForDisplay(ctx, m.Name, m.Mapping(), rec.Values)
		if err != nil {
			return nil, err
		}
		out = append(out, model.Record{ID: rec.ID, Values: vals})
	}
	return out, nil
}

// Delete removes one row.
func (s *RecordServiceImpl) Delete(ctx context.Context, module string, id int64) error {
	sess, err := requireSession(ctx)
	if err != nil {
		return err
	}
	m, err := lookupModule(module)
	if err != nil {
		return err
	}
	return s.repo.Delete(ctx, sess.UserID, m, id)
}
