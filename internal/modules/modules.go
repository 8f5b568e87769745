// Package modules is the static catalog of productivity modules whose text
// columns take part in field encryption.
package modules

import "github.com/and161185/habitstack/internal/model"

// Column maps a semantic field name to its storage column.
type Column struct {
	Field  string
	Column string
}

// Module describes one module table and its encryptable columns.
type Module struct {
	Name    string
	Table   string
	Columns []Column
}

// Mapping returns the field -> column mapping used by the field codec.
func (m Module) Mapping() model.FieldMapping {
	out := make(model.FieldMapping, len(m.Columns))
	for _, c := range m.Columns {
		out[c.Field] = c.Column
	}
	return out
}

// ColumnNames returns storage columns in declaration order.
func (m Module) ColumnNames() []string {
	out := make([]string, 0, len(m.Columns))
	for _, c := range m.Columns {
		out = append(out, c.Column)
	}
	return out
}

// Fields returns semantic field names in declaration order.
func (m Module) Fields() []string {
	out := make([]string, 0, len(m.Columns))
	for _, c := range m.Columns {
		out = append(out, c.Field)
	}
	return out
}

var (
	Habits = Module{Name: "habits", Table: "habits", Columns: []Column{
		{Field: "name", Column: "name"},
		{Field: "description", Column: "description"},
	}}
	Notes = Module{Name: "notes", Table: "daily_notes", Columns: []Column{
		{Field: "content", Column: "content"},
	}}
	Todos = Module{Name: "todos", Table: "todos", Columns: []Column{
		{Field: "title", Column: "title"},
		{Field: "description", Column: "description"},
		{Field: "category", Column: "category"},
	}}
	Reading = Module{Name: "reading", Table: "reading_list", Columns: []Column{
		{Field: "notes", Column: "notes"},
	}}
	Birthdays = Module{Name: "birthdays", Table: "birthdays", Columns: []Column{
		{Field: "name", Column: "name"},
		{Field: "notes", Column: "notes"},
	}}
	Watchlist = Module{Name: "watchlist", Table: "watchlist", Columns: []Column{
		{Field: "notes", Column: "notes"},
	}}
)

// All returns every module in sweep order.
func All() []Module {
	return []Module{Habits, Notes, Todos, Reading, Birthdays, Watchlist}
}

// Order is the preferred presentation and sweep order of module names.
func Order() []string {
	all := All()
	out := make([]string, 0, len(all))
	for _, m := range all {
		out = append(out, m.Name)
	}
	return out
}

// ByName finds a module by its name.
func ByName(name string) (Module, bool) {
	for _, m := range All() {
		if m.Name == name {
			return m, true
		}
	}
	return Module{}, false
}
