// Package registry is the catalog of encryptable fields.
//
// The catalog is append-only: fields are added by Register and never
// removed, so preference rows and exports that name an old field key keep
// resolving. The in-memory list starts from DefaultFields and can be
// superseded by the persisted list with Refresh.
package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/and161185/habitstack/internal/errs"
	"github.com/and161185/habitstack/internal/model"
	"github.com/and161185/habitstack/internal/modules"
	"github.com/and161185/habitstack/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Registry holds the known encryptable fields. Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	fields []model.EncryptableField

	repo repository.FieldRepository
	log  *zap.Logger
}

// New returns a registry seeded in memory with DefaultFields.
// Call Bootstrap to persist the seed.
func New(repo repository.FieldRepository, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{fields: DefaultFields(), repo: repo, log: log}
}

// Bootstrap persists the built-in catalog and then hydrates from storage.
func (r *Registry) Bootstrap(ctx context.Context) error {
	for _, f := range DefaultFields() {
		if err := r.Register(ctx, f); err != nil {
			return err
		}
	}
	return r.Refresh(ctx)
}

func validate(f model.EncryptableField) error {
	switch {
	case f.Module == "":
		return errs.Invalid("module", "empty")
	case strings.Contains(f.Module, model.KeySeparator):
		return errs.Invalid("module", fmt.Sprintf("%q contains %q", f.Module, model.KeySeparator))
	case f.FieldName == "":
		return errs.Invalid("field_name", "empty")
	}
	return nil
}

// Register adds f if (module, field_name) is new and persists it.
// Registering a known field is a no-op in memory and in storage.
func (r *Registry) Register(ctx context.Context, f model.EncryptableField) error {
	if err := validate(f); err != nil {
		return err
	}
	if f.VersionAdded == "" {
		f.VersionAdded = DefaultVersion
	}
	if err := r.repo.InsertIgnore(ctx, f); err != nil {
		r.log.Error("register field",
			zap.String("module", f.Module), zap.String("field", f.FieldName), zap.Error(err))
		return fmt.Errorf("register %s: %w", f.Key(), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, have := range r.fields {
		if have.Same(f) {
			return nil
		}
	}
	r.fields = append(r.fields, f)
	return nil
}

// All returns a copy of every registered field.
func (r *Registry) All() []model.EncryptableField {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.EncryptableField, len(r.fields))
	copy(out, r.fields)
	return out
}

// ByModule groups fields by module: the fixed module order first, then
// unknown modules in first-seen order.
func (r *Registry) ByModule() []model.ModuleFields {
	all := r.All()
	groups := make(map[string][]model.EncryptableField)
	var seen []string
	for _, f := range all {
		if _, ok := groups[f.Module]; !ok {
			seen = append(seen, f.Module)
		}
		groups[f.Module] = append(groups[f.Module], f)
	}

	out := make([]model.ModuleFields, 0, len(groups))
	for _, m := range modules.Order() {
		if fs, ok := groups[m]; ok {
			out = append(out, model.ModuleFields{Module: m, Fields: fs})
			delete(groups, m)
		}
	}
	for _, m := range seen {
		if fs, ok := groups[m]; ok {
			out = append(out, model.ModuleFields{Module: m, Fields: fs})
		}
	}
	return out
}

// FieldKey returns the canonical preference key.
func (r *Registry) FieldKey(module, fieldName string) string {
	return model.FieldKey(module, fieldName)
}

// FieldByKey resolves a key by splitting at the first separator.
func (r *Registry) FieldByKey(key string) (model.EncryptableField, bool) {
	module, name, ok := strings.Cut(key, model.KeySeparator)
	if !ok {
		return model.EncryptableField{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, f := range r.fields {
		if f.Module == module && f.FieldName == name {
			return f, true
		}
	}
	return model.EncryptableField{}, false
}

// Refresh replaces the in-memory list with the persisted catalog.
// An empty result keeps the current list.
func (r *Registry) Refresh(ctx context.Context) error {
	stored, err := r.repo.List(ctx)
	if err != nil {
		r.log.Error("refresh field registry", zap.Error(err))
		return fmt.Errorf("refresh registry: %w", err)
	}
	if len(stored) == 0 {
		r.log.Warn("field registry: storage is empty, keeping built-in catalog")
		return nil
	}
	for i := range stored {
		if stored[i].VersionAdded == "" {
			stored[i].VersionAdded = DefaultVersion
		}
	}

	r.mu.Lock()
	r.fields = stored
	r.mu.Unlock()
	r.log.Debug("field registry refreshed", zap.Int("fields", len(stored)))
	return nil
}

// ModuleDisplayName is the user-facing module name, e.g. "Daily Notes".
func (r *Registry) ModuleDisplayName(module string) string {
	if n, ok := displayNames[module]; ok {
		return n
	}
	return ModuleTitle(module)
}

// ModuleTitle title-cases a module name: "habits" -> "Habits".
func ModuleTitle(module string) string {
	return cases.Title(language.English).String(module)
}
