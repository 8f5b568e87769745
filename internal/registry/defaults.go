package registry

import "github.com/and161185/habitstack/internal/model"

// DefaultVersion is stamped on fields registered without a version.
const DefaultVersion = "1.0"

// DefaultFields is the built-in catalog shipped with this release.
func DefaultFields() []model.EncryptableField {
	f := func(module, name, display, desc string, rec bool) model.EncryptableField {
		return model.EncryptableField{
			Module: module, FieldName: name, DisplayName: display,
			Description: desc, Recommended: rec, VersionAdded: DefaultVersion,
		}
	}
	return []model.EncryptableField{
		f("habits", "name", "Habit Names", "Your personal habit titles and goals", true),
		f("habits", "description", "Habit Descriptions", "Detailed explanations and motivations for your habits", true),
		f("notes", "content", "Daily Notes Content", "Your private journal entries and daily reflections", true),
		f("todos", "title", "Todo Titles", "Task names and titles in your todo list", true),
		f("todos", "description", "Todo Descriptions", "Detailed task descriptions and notes", true),
		f("todos", "category", "Todo Categories", "Task organization categories and labels", false),
		f("reading", "notes", "Reading Notes", "Your personal thoughts and notes about books", true),
		f("birthdays", "name", "Contact Names", "Names of people in your birthday reminders", false),
		f("birthdays", "notes", "Birthday Notes", "Personal notes about relationships and memories", true),
		f("watchlist", "notes", "Watchlist Notes", "Your personal reviews and notes about movies/shows", true),
	}
}

var displayNames = map[string]string{
	"habits":    "Habits",
	"notes":     "Daily Notes",
	"todos":     "Todos",
	"reading":   "Reading List",
	"birthdays": "Birthdays",
	"watchlist": "Watchlist",
}
