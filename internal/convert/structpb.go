// Package convert maps domain values to and from the protobuf well-known
// Struct type carried by the gRPC API.
package convert

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/and161185/habitstack/internal/datamigrate"
	"github.com/and161185/habitstack/internal/model"
	"github.com/and161185/habitstack/internal/service"
	"google.golang.org/protobuf/types/known/structpb"
)

// --- request readers ---

// GetString returns s[key] as a string; missing or non-string yields "".
func GetString(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

// GetBool returns s[key] as a bool; missing yields false.
func GetBool(s *structpb.Struct, key string) bool {
	return s.GetFields()[key].GetBoolValue()
}

// GetInt64 returns s[key] as an integer id.
func GetInt64(s *structpb.Struct, key string) (int64, error) {
	v, ok := s.GetFields()[key]
	if !ok {
		return 0, fmt.Errorf("missing %s", key)
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, fmt.Errorf("%s: not a number", key)
	}
	if n.NumberValue != math.Trunc(n.NumberValue) || math.Abs(n.NumberValue) > 1<<53 {
		return 0, fmt.Errorf("%s: not an integer", key)
	}
	return int64(n.NumberValue), nil
}

// GetStruct returns the nested struct at key, or nil.
func GetStruct(s *structpb.Struct, key string) *structpb.Struct {
	return s.GetFields()[key].GetStructValue()
}

// --- values ---

func optString(p *string) *structpb.Value {
	if p == nil {
		return structpb.NewNullValue()
	}
	return structpb.NewStringValue(*p)
}

// FromValues builds a Struct; nil values become null.
func FromValues(v model.Values) *structpb.Struct {
	out := &structpb.Struct{Fields: make(map[string]*structpb.Value, len(v))}
	for k, p := range v {
		out.Fields[k] = optString(p)
	}
	return out
}

// ToValues reads a Struct of string or null members.
func ToValues(s *structpb.Struct) (model.Values, error) {
	out := make(model.Values, len(s.GetFields()))
	for k, v := range s.GetFields() {
		switch kind := v.GetKind().(type) {
		case *structpb.Value_StringValue:
			out[k] = model.Str(kind.StringValue)
		case *structpb.Value_NullValue:
			out[k] = nil
		default:
			return nil, fmt.Errorf("field %q: want string or null", k)
		}
	}
	return out, nil
}

// FromRecord renders {"id": n, "fields": {...}}.
func FromRecord(r model.Record) *structpb.Value {
	return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
		"id":     structpb.NewNumberValue(float64(r.ID)),
		"fields": structpb.NewStructValue(FromValues(r.Values)),
	}})
}

// FromRecords renders a list of records.
func FromRecords(rs []model.Record) *structpb.Value {
	vals := make([]*structpb.Value, 0, len(rs))
	for _, r := range rs {
		vals = append(vals, FromRecord(r))
	}
	return structpb.NewListValue(&structpb.ListValue{Values: vals})
}

// --- preferences ---

// FromPreferences renders field key -> encrypted.
func FromPreferences(p map[string]bool) *structpb.Struct {
	out := &structpb.Struct{Fields: make(map[string]*structpb.Value, len(p))}
	for k, v := range p {
		out.Fields[k] = structpb.NewBoolValue(v)
	}
	return out
}

// ToPreferences reads field key -> encrypted; every member must be a bool.
func ToPreferences(s *structpb.Struct) (map[string]bool, error) {
	out := make(map[string]bool, len(s.GetFields()))
	for k, v := range s.GetFields() {
		b, ok := v.GetKind().(*structpb.Value_BoolValue)
		if !ok {
			return nil, fmt.Errorf("preference %q: want bool", k)
		}
		out[k] = b.BoolValue
	}
	return out, nil
}

// --- catalog ---

// FromField renders one encryptable field descriptor.
func FromField(f model.EncryptableField) *structpb.Value {
	return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
		"key":           structpb.NewStringValue(f.Key()),
		"module":        structpb.NewStringValue(f.Module),
		"field_name":    structpb.NewStringValue(f.FieldName),
		"display_name":  structpb.NewStringValue(f.DisplayName),
		"description":   structpb.NewStringValue(f.Description),
		"recommended":   structpb.NewBoolValue(f.Recommended),
		"version_added": structpb.NewStringValue(f.VersionAdded),
	}})
}

// FromFields renders a list of field descriptors.
func FromFields(fs []model.EncryptableField) *structpb.Value {
	vals := make([]*structpb.Value, 0, len(fs))
	for _, f := range fs {
		vals = append(vals, FromField(f))
	}
	return structpb.NewListValue(&structpb.ListValue{Values: vals})
}

// FromModuleViews renders the settings catalog in display order.
func FromModuleViews(vs []service.ModuleView) *structpb.Value {
	vals := make([]*structpb.Value, 0, len(vs))
	for _, v := range vs {
		vals = append(vals, structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"module":       structpb.NewStringValue(v.Module),
			"display_name": structpb.NewStringValue(v.DisplayName),
			"fields":       FromFields(v.Fields),
		}}))
	}
	return structpb.NewListValue(&structpb.ListValue{Values: vals})
}

// FromSummary renders an encryption summary.
func FromSummary(s model.EncryptionSummary) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"total_fields":     structpb.NewNumberValue(float64(s.TotalFields)),
		"encrypted_fields": structpb.NewNumberValue(float64(s.EncryptedFields)),
		"ratio":            structpb.NewNumberValue(s.Ratio),
		"has_preferences":  structpb.NewBoolValue(s.HasPreferences),
		"privacy_level":    structpb.NewStringValue(string(s.PrivacyLevel)),
	}}
}

// --- migration ---

// FromMigration renders a sweep result with its summary line.
func FromMigration(r datamigrate.Result) *structpb.Value {
	mods := make([]*structpb.Value, 0, len(r.Modules))
	for _, m := range r.Modules {
		f := map[string]*structpb.Value{
			"module":  structpb.NewStringValue(m.Module),
			"updated": structpb.NewNumberValue(float64(m.Updated)),
			"skipped": structpb.NewNumberValue(float64(m.Skipped)),
		}
		if m.Err != nil {
			f["error"] = structpb.NewStringValue(m.Err.Error())
		}
		mods = append(mods, structpb.NewStructValue(&structpb.Struct{Fields: f}))
	}
	return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
		"success":           structpb.NewBoolValue(r.Success),
		"modules_processed": structpb.NewNumberValue(float64(r.ModulesProcessed)),
		"records_updated":   structpb.NewNumberValue(float64(r.RecordsUpdated)),
		"summary":           structpb.NewStringValue(r.Summary()),
		"modules":           structpb.NewListValue(&structpb.ListValue{Values: mods}),
	}})
}

// FromUpdate renders a settings save.
func FromUpdate(u service.UpdateResult) *structpb.Struct {
	out := &structpb.Struct{Fields: map[string]*structpb.Value{
		"message": structpb.NewStringValue(u.Message),
	}}
	if u.Migration != nil {
		out.Fields["migration"] = FromMigration(*u.Migration)
	}
	return out
}

// FromPasswordChange renders a key rotation result.
func FromPasswordChange(r datamigrate.PasswordChangeResult) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"success":          structpb.NewBoolValue(r.Success),
		"records_migrated": structpb.NewNumberValue(float64(r.RecordsMigrated)),
		"skipped":          structpb.NewNumberValue(float64(r.Skipped)),
		"message":          structpb.NewStringValue(r.Message),
	}}
}

// --- export ---

// FromExport renders {"export_info": {...}, "<module>": [records...]}.
func FromExport(e service.Export) *structpb.Struct {
	out := &structpb.Struct{Fields: map[string]*structpb.Value{
		"export_info": structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"version":     structpb.NewStringValue(e.Info.Version),
			"exported_at": structpb.NewStringValue(e.Info.ExportedAt.Format(time.RFC3339)),
			"username":    structpb.NewStringValue(e.Info.Username),
		}}),
	}}
	for _, m := range e.Modules {
		out.Fields[m.Module] = FromRecords(m.Records)
	}
	return out
}

// ToExport reads the document FromExport produces. Every key other than
// export_info is a module holding a list of {"id": n, "fields": {...}}.
func ToExport(s *structpb.Struct) (service.Export, error) {
	var out service.Export
	info := GetStruct(s, "export_info")
	if info == nil {
		return out, errors.New("missing export_info")
	}
	out.Info = service.ExportInfo{Version: GetString(info, "version"), Username: GetString(info, "username")}
	if at := GetString(info, "exported_at"); at != "" {
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return out, fmt.Errorf("export_info.exported_at: %w", err)
		}
		out.Info.ExportedAt = t
	}

	names := make([]string, 0, len(s.GetFields()))
	for k := range s.GetFields() {
		if k != "export_info" {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		list := s.GetFields()[name].GetListValue()
		if list == nil {
			return out, fmt.Errorf("%s: want a list of records", name)
		}
		me := service.ModuleExport{Module: name, Records: make([]model.Record, 0, len(list.GetValues()))}
		for i, v := range list.GetValues() {
			rec := v.GetStructValue()
			if rec == nil {
				return out, fmt.Errorf("%s[%d]: want a record", name, i)
			}
			vals, err := ToValues(GetStruct(rec, "fields"))
			if err != nil {
				return out, fmt.Errorf("%s[%d]: %w", name, i, err)
			}
			me.Records = append(me.Records, model.Record{ID: int64(rec.GetFields()["id"].GetNumberValue()), Values: vals})
		}
		out.Modules = append(out.Modules, me)
	}
	return out, nil
}

// FromImport renders per-module counts and the summary line.
func FromImport(r service.ImportResult) *structpb.Struct {
	mods := make([]*structpb.Value, 0, len(r.Modules))
	for _, m := range r.Modules {
		mods = append(mods, structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"module":   structpb.NewStringValue(m.Module),
			"imported": structpb.NewNumberValue(float64(m.Imported)),
			"skipped":  structpb.NewNumberValue(float64(m.Skipped)),
		}}))
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"modules": structpb.NewListValue(&structpb.ListValue{Values: mods}),
		"message": structpb.NewStringValue(r.Summary()),
	}}
}
