package datamigrate

import (
	"fmt"
	"strings"

	"github.com/and161185/habitstack/internal/errs"
	"github.com/and161185/habitstack/internal/registry"
)

// ModuleResult is the outcome of sweeping one module.
type ModuleResult struct {
	Module  string
	Updated int
	// Skipped counts values that look encrypted but do not open under the
	// current key; they are left as stored.
	Skipped int
	Err     error
}

// Result aggregates a preference sweep. Success is false only when the
// sweep could not start; failed modules are listed in Modules.
type Result struct {
	Success          bool
	ModulesProcessed int
	RecordsUpdated   int
	Modules          []ModuleResult
}

// Summary renders e.g. "Habits: 4 updated | Todos: Error - boom".
func (r Result) Summary() string {
	parts := make([]string, 0, len(r.Modules))
	for _, m := range r.Modules {
		title := registry.ModuleTitle(m.Module)
		switch {
		case m.Err != nil:
			parts = append(parts, fmt.Sprintf("%s: Error - %v", title, m.Err))
		case m.Skipped > 0:
			parts = append(parts, fmt.Sprintf("%s: %d updated, %d skipped", title, m.Updated, m.Skipped))
		default:
			parts = append(parts, fmt.Sprintf("%s: %d updated", title, m.Updated))
		}
	}
	return strings.Join(parts, " | ")
}

// Errors lists one message per failed module.
func (r Result) Errors() []string {
	var out []string
	for _, m := range r.Modules {
		if m.Err != nil {
			out = append(out, fmt.Sprintf("Failed to re-encrypt %s: %v", m.Module, m.Err))
		}
	}
	return out
}

// Err returns a *errs.PartialFailure when any module failed, else nil.
func (r Result) Err() error {
	var pf errs.PartialFailure
	for _, m := range r.Modules {
		if m.Err != nil {
			pf.Failures = append(pf.Failures, errs.ModuleFailure{Module: m.Module, Err: m.Err})
		}
	}
	if len(pf.Failures) == 0 {
		return nil
	}
	return &pf
}

// PasswordChangeResult reports a key rotation.
type PasswordChangeResult struct {
	Success         bool
	RecordsMigrated int
	// Skipped counts tokens that did not open under the old key.
	Skipped int
	Message string
}
