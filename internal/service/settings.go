package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/and161185/habitstack/internal/datamigrate"
	"github.com/and161185/habitstack/internal/errs"
	"github.com/and161185/habitstack/internal/model"
	"github.com/and161185/habitstack/internal/modules"
	"github.com/and161185/habitstack/internal/registry"
	"github.com/and161185/habitstack/internal/repository"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// Catalog is the part of the field registry the settings page renders.
type Catalog interface {
	ByModule() []model.ModuleFields
	ModuleDisplayName(module string) string
}

// PreferenceStore is the part of the preference service settings use.
type PreferenceStore interface {
	GetUserPreferences(ctx context.Context, userID uuid.UUID) (map[string]bool, error)
	BulkSetPreferences(ctx context.Context, userID uuid.UUID, prefs map[string]bool) error
	ApplySmartDefaults(ctx context.Context, userID uuid.UUID) (int, error)
	GetNewFieldsForUser(ctx context.Context, userID uuid.UUID) ([]model.EncryptableField, error)
	GetEncryptionSummary(ctx context.Context, userID uuid.UUID) (model.EncryptionSummary, error)
}

// ReEncrypter sweeps stored rows after a preference change.
type ReEncrypter interface {
	ScheduleReEncryption(ctx context.Context) (datamigrate.Result, error)
}

// ModuleView is one settings section: a module and its fields.
type ModuleView struct {
	Module      string
	DisplayName string
	Fields      []model.EncryptableField
}

// UpdateResult reports a settings save. Migration is nil when no sweep ran.
type UpdateResult struct {
	Migration *datamigrate.Result
	Message   string
}

// ExportInfo heads an export document.
type ExportInfo struct {
	Version    string
	ExportedAt time.Time
	Username   string
}

// ModuleExport is every record of one module in readable form.
type ModuleExport struct {
	Module  string
	Records []model.Record
}

// Export is a full, human-readable dump of the user's module data.
type Export struct {
	Info    ExportInfo
	Modules []ModuleExport
}

// ModuleImport counts one module's imported rows. Rows with no values are
// skipped.
type ModuleImport struct {
	Module   string
	Imported int
	Skipped  int
}

// ImportResult reports an import in module order.
type ImportResult struct {
	Modules []ModuleImport
}

// Summary renders e.g. "Habits: 2 imported | Todos: 0 imported, 1 skipped".
func (r ImportResult) Summary() string {
	parts := make([]string, 0, len(r.Modules))
	for _, m := range r.Modules {
		title := registry.ModuleTitle(m.Module)
		if m.Skipped > 0 {
			parts = append(parts, fmt.Sprintf("%s: %d imported, %d skipped", title, m.Imported, m.Skipped))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %d imported", title, m.Imported))
	}
	return strings.Join(parts, " | ")
}

// SettingsService backs the encryption settings page and data export.
type SettingsService interface {
	Fields() []ModuleView
	Preferences(ctx context.Context) (map[string]bool, error)
	// Update replaces the preference set and, when migrate is true, sweeps
	// stored rows so they match it.
	Update(ctx context.Context, prefs map[string]bool, migrate bool) (UpdateResult, error)
	ApplySmartDefaults(ctx context.Context) (int, error)
	Summary(ctx context.Context) (model.EncryptionSummary, error)
	NewFields(ctx context.Context) ([]model.EncryptableField, error)
	Export(ctx context.Context) (Export, error)
	// Import writes an export document back as plaintext through the normal
	// write path, so current preferences decide what gets encrypted. With
	// replace, the user's existing rows are removed first.
	Import(ctx context.Context, doc Export, replace bool) (ImportResult, error)
}

// SettingsDeps are the SettingsService collaborators.
type SettingsDeps struct {
	Catalog  Catalog
	Prefs    PreferenceStore
	Migrator ReEncrypter
	Records  repository.RecordRepository
	Codec    FieldCodec
	// Version is stamped into exports.
	Version string
}

type SettingsServiceImpl struct {
	d       SettingsDeps
	records *RecordServiceImpl
	log     *zap.Logger
	now     func() time.Time
}

// NewSettingsService constructs SettingsService.
func NewSettingsService(d SettingsDeps, log *zap.Logger) *SettingsServiceImpl {
	if log == nil {
		log = zap.NewNop()
	}
	return &SettingsServiceImpl{d: d, records: NewRecordService(d.Records, d.Codec), log: log, now: time.Now}
}

// Fields lists every encryptable field grouped by module, in display order.
func (s *SettingsServiceImpl) Fields() []ModuleView {
	groups := s.d.Catalog.ByModule()
	out := make([]ModuleView, 0, len(groups))
	for _, g := range groups {
		out = append(out, ModuleView{
			Module:      g.Module,
			DisplayName: s.d.Catalog.ModuleDisplayName(g.Module),
			Fields:      g.Fields,
		})
	}
	return out
}

func (s *SettingsServiceImpl) Preferences(ctx context.Context) (map[string]bool, error) {
	sess, err := requireSession(ctx)
	if err != nil {
		return nil, err
	}
	return s.d.Prefs.GetUserPreferences(ctx, sess.UserID)
}

// Update saves prefs as the complete preference set. Without a session key
// the preferences are still saved but no sweep runs.
func (s *SettingsServiceImpl) Update(ctx context.Context, prefs map[string]bool, migrate bool) (UpdateResult, error) {
	sess, err := requireSession(ctx)
	if err != nil {
		return UpdateResult{}, err
	}
	if err := s.d.Prefs.BulkSetPreferences(ctx, sess.UserID, prefs); err != nil {
		return UpdateResult{}, err
	}
	if !migrate {
		return UpdateResult{Message: "Encryption preferences saved"}, nil
	}

	res, err := s.d.Migrator.ScheduleReEncryption(ctx)
	switch {
	case errors.Is(err, errs.ErrNoActiveKey):
		return UpdateResult{Message: "Encryption preferences saved. Existing data was not migrated: no encryption key in session"}, nil
	case err != nil:
		return UpdateResult{}, err
	}
	if perr := res.Err(); perr != nil {
		s.log.Warn("preference migration incomplete", zap.Stringer("user_id", sess.UserID), zap.Error(perr))
	}
	return UpdateResult{Migration: &res, Message: "Encryption preferences saved. " + res.Summary()}, nil
}

func (s *SettingsServiceImpl) ApplySmartDefaults(ctx context.Context) (int, error) {
	sess, err := requireSession(ctx)
	if err != nil {
		return 0, err
	}
	return s.d.Prefs.ApplySmartDefaults(ctx, sess.UserID)
}

func (s *SettingsServiceImpl) Summary(ctx context.Context) (model.EncryptionSummary, error) {
	sess, err := requireSession(ctx)
	if err != nil {
		return model.EncryptionSummary{}, err
	}
	return s.d.Prefs.GetEncryptionSummary(ctx, sess.UserID)
}

func (s *SettingsServiceImpl) NewFields(ctx context.Context) ([]model.EncryptableField, error) {
	sess, err := requireSession(ctx)
	if err != nil {
		return nil, err
	}
	return s.d.Prefs.GetNewFieldsForUser(ctx, sess.UserID)
}

// Export decrypts every stored value it can, whatever the current
// preferences say, so the document is readable on its own.
func (s *SettingsServiceImpl) Export(ctx context.Context) (Export, error) {
	sess, err := requireSession(ctx)
	if err != nil {
		return Export{}, err
	}
	out := Export{Info: ExportInfo{Version: s.d.Version, ExportedAt: s.now().UTC(), Username: sess.Username}}
	for _, m := range modules.All() {
		recs, err := s.d.Records.List(ctx, sess.UserID, m)
		if err != nil {
			return Export{}, err
		}
		rows := make([]model.Values, 0, len(recs))
		for _, r := range recs {
			rows = append(rows, r.Values)
		}
		rows = s.d.Codec.BulkProcessForExport(ctx, m.Name, m.Mapping(), rows, nil)

		me := ModuleExport{Module: m.Name, Records: make([]model.Record, 0, len(recs))}
		for i, r := range recs {
			me.Records = append(me.Records, model.Record{ID: r.ID, Values: rows[i]})
		}
		out.Modules = append(out.Modules, me)
	}
	s.log.Info("data exported", zap.Stringer("user_id", sess.UserID))
	return out, nil
}

func hasValues(v model.Values) bool {
	for _, p := range v {
		if p != nil && *p != "" {
			return true
		}
	}
	return false
}

// Import validates the whole document before touching storage: the export
// version must be set and every module and field must be known.
func (s *SettingsServiceImpl) Import(ctx context.Context, doc Export, replace bool) (ImportResult, error) {
	sess, err := requireSession(ctx)
	if err != nil {
		return ImportResult{}, err
	}
	if doc.Info.Version == "" {
		return ImportResult{}, errs.Invalid("export_info", "missing export version")
	}
	byModule := make(map[string][]model.Record, len(doc.Modules))
	for _, me := range doc.Modules {
		m, err := lookupModule(me.Module)
		if err != nil {
			return ImportResult{}, err
		}
		for _, r := range me.Records {
			if !hasValues(r.Values) {
				continue
			}
			if err := checkFields(m, r.Values); err != nil {
				return ImportResult{}, err
			}
		}
		byModule[m.Name] = append(byModule[m.Name], me.Records...)
	}

	if replace {
		for _, m := range modules.All() {
			recs, err := s.d.Records.List(ctx, sess.UserID, m)
			if err != nil {
				return ImportResult{}, fmt.Errorf("clear %s: %w", m.Name, err)
			}
			for _, r := range recs {
				if err := s.d.Records.Delete(ctx, sess.UserID, m, r.ID); err != nil {
					return ImportResult{}, fmt.Errorf("clear %s: %w", m.Name, err)
				}
			}
		}
	}

	var out ImportResult
	for _, m := range modules.All() {
		recs, ok := byModule[m.Name]
		if !ok {
			continue
		}
		mi := ModuleImport{Module: m.Name}
		for _, r := range recs {
			if !hasValues(r.Values) {
				mi.Skipped++
				continue
			}
			if _, err := s.records.Create(ctx, m.Name, r.Values); err != nil {
				return out, fmt.Errorf("import %s: %w", m.Name, err)
			}
			mi.Imported++
		}
		out.Modules = append(out.Modules, mi)
	}
	s.log.Info("data imported", zap.Stringer("user_id", sess.UserID), zap.Bool("replace", replace))
	return out, nil
}
