// Package preferences stores per-user, per-field encryption choices and
// derives smart defaults for fields a user has not decided on yet.
package preferences

import (
	"context"
	"fmt"

	"github.com/and161185/habitstack/internal/errs"
	"github.com/and161185/habitstack/internal/model"
	"github.com/and161185/habitstack/internal/repository"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// Catalog is the read side of the field registry.
type Catalog interface {
	All() []model.EncryptableField
	FieldByKey(key string) (model.EncryptableField, bool)
}

// Ratio used when the user has no preference rows yet.
const neutralRatio = 0.5

// Store is the preference service.
type Store struct {
	repo   repository.PreferenceRepository
	fields Catalog
	log    *zap.Logger
}

// New constructs a Store.
func New(repo repository.PreferenceRepository, fields Catalog, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{repo: repo, fields: fields, log: log}
}

// GetUserPreferences returns every stored choice keyed by field key.
// A key missing from the map is unset, which is not the same as false.
func (s *Store) GetUserPreferences(ctx context.Context, userID uuid.UUID) (map[string]bool, error) {
	rows, err := s.repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list preferences: %w", err)
	}
	out := make(map[string]bool, len(rows))
	for _, p := range rows {
		out[p.FieldKey] = p.Encrypted
	}
	return out, nil
}

// ShouldEncryptField reports the user's choice; unset means false.
func (s *Store) ShouldEncryptField(ctx context.Context, userID uuid.UUID, module, fieldName string) (bool, error) {
	prefs, err := s.GetUserPreferences(ctx, userID)
	if err != nil {
		return false, err
	}
	return prefs[model.FieldKey(module, fieldName)], nil
}

func (s *Store) checkKey(key string) error {
	if _, ok := s.fields.FieldByKey(key); !ok {
		return errs.Invalid("field_key", fmt.Sprintf("unknown field %q", key))
	}
	return nil
}

// SetPreference upserts one choice.
func (s *Store) SetPreference(ctx context.Context, userID uuid.UUID, fieldKey string, encrypt bool) error {
	if err := s.checkKey(fieldKey); err != nil {
		return err
	}
	if err := s.repo.Upsert(ctx, userID, fieldKey, encrypt); err != nil {
		return fmt.Errorf("set preference: %w", err)
	}
	s.log.Info("preference set",
		zap.Stringer("user_id", userID), zap.String("field_key", fieldKey), zap.Bool("encrypted", encrypt))
	return nil
}

// BulkSetPreferences replaces the user's whole preference set with prefs.
// Callers pass the complete desired state, not a delta.
func (s *Store) BulkSetPreferences(ctx context.Context, userID uuid.UUID, prefs map[string]bool) error {
	for k := range prefs {
		if err := s.checkKey(k); err != nil {
			return err
		}
	}
	if err := s.repo.ReplaceAll(ctx, userID, prefs); err != nil {
		return fmt.Errorf("replace preferences: %w", err)
	}
	s.log.Info("preferences replaced", zap.Stringer("user_id", userID), zap.Int("count", len(prefs)))
	return nil
}

// Ratio is the share of encrypted rows among the user's stored choices.
func Ratio(prefs map[string]bool) float64 {
	if len(prefs) == 0 {
		return neutralRatio
	}
	n := 0
	for _, enc := range prefs {
		if enc {
			n++
		}
	}
	return float64(n) / float64(len(prefs))
}

// Decide is the smart default for one field given the user's ratio.
func Decide(ratio float64, recommended bool) bool {
	switch {
	case ratio > 0.7 && recommended:
		return true
	case ratio < 0.3:
		return false
	default:
		return recommended
	}
}

// SmartDefaults computes defaults for every field in fields missing from prefs.
func SmartDefaults(prefs map[string]bool, fields []model.EncryptableField) map[string]bool {
	ratio := Ratio(prefs)
	out := make(map[string]bool)
	for _, f := range fields {
		if _, ok := prefs[f.Key()]; ok {
			continue
		}
		out[f.Key()] = Decide(ratio, f.Recommended)
	}
	return out
}

// ApplySmartDefaults materializes a row for every field the user has not
// decided on. It returns the number of rows written; a second call with an
// unchanged registry writes nothing.
func (s *Store) ApplySmartDefaults(ctx context.Context, userID uuid.UUID) (int, error) {
	prefs, err := s.GetUserPreferences(ctx, userID)
	if err != nil {
		return 0, err
	}
	defaults := SmartDefaults(prefs, s.fields.All())
	if len(defaults) == 0 {
		return 0, nil
	}
	if err := s.repo.UpsertMany(ctx, userID, defaults); err != nil {
		return 0, fmt.Errorf("apply smart defaults: %w", err)
	}
	s.log.Info("smart defaults applied",
		zap.Stringer("user_id", userID), zap.Int("fields", len(defaults)), zap.Float64("ratio", Ratio(prefs)))
	return len(defaults), nil
}

// GetNewFieldsForUser lists registry fields with no stored choice.
func (s *Store) GetNewFieldsForUser(ctx context.Context, userID uuid.UUID) ([]model.EncryptableField, error) {
	prefs, err := s.GetUserPreferences(ctx, userID)
	if err != nil {
		return nil, err
	}
	var out []model.EncryptableField
	for _, f := range s.fields.All() {
		if _, ok := prefs[f.Key()]; !ok {
			out = append(out, f)
		}
	}
	return out, nil
}

// PrivacyLevelFor buckets encrypted/total for display.
func PrivacyLevelFor(encrypted, total int) model.PrivacyLevel {
	if total == 0 {
		return model.PrivacyUnknown
	}
	r := float64(encrypted) / float64(total)
	switch {
	case r >= 0.8:
		return model.PrivacyHigh
	case r >= 0.5:
		return model.PrivacyMedium
	case r > 0:
		return model.PrivacyLow
	default:
		return model.PrivacyNone
	}
}

// GetEncryptionSummary is advisory; no encryption decision reads it.
func (s *Store) GetEncryptionSummary(ctx context.Context, userID uuid.UUID) (model.EncryptionSummary, error) {
	prefs, err := s.GetUserPreferences(ctx, userID)
	if err != nil {
		return model.EncryptionSummary{PrivacyLevel: model.PrivacyUnknown}, err
	}
	total := len(s.fields.All())
	enc := 0
	for _, v := range prefs {
		if v {
			enc++
		}
	}
	sum := model.EncryptionSummary{
		TotalFields:     total,
		EncryptedFields: enc,
		HasPreferences:  len(prefs) > 0,
		PrivacyLevel:    PrivacyLevelFor(enc, total),
	}
	if total > 0 {
		sum.Ratio = float64(enc) / float64(total)
	}
	return sum, nil
}

// DeleteUserPreferences removes every row of the user.
func (s *Store) DeleteUserPreferences(ctx context.Context, userID uuid.UUID) error {
	if err := s.repo.DeleteAll(ctx, userID); err != nil {
		return fmt.Errorf("delete preferences: %w", err)
	}
	s.log.Info("preferences deleted", zap.Stringer("user_id", userID))
	return nil
}

// RenameFieldKey carries a choice over to a renamed field. It reports
// whether a row was moved.
func (s *Store) RenameFieldKey(ctx context.Context, userID uuid.UUID, oldKey, newKey string) (bool, error) {
	if oldKey == "" || newKey == "" {
		return false, errs.Invalid("field_key", "empty")
	}
	if oldKey == newKey {
		return false, nil
	}
	moved, err := s.repo.Rename(ctx, userID, oldKey, newKey)
	if err != nil {
		return false, fmt.Errorf("rename preference: %w", err)
	}
	if moved {
		s.log.Info("preference renamed",
			zap.Stringer("user_id", userID), zap.String("from", oldKey), zap.String("to", newKey))
	}
	return moved, nil
}
