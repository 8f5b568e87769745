package modules

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOrder_Fixed(t *testing.T) {
	require.Equal(t, []string{"habits", "notes", "todos", "reading", "birthdays", "watchlist"}, Order())
}

func TestByName(t *testing.T) {
	m, ok := ByName("todos")
	require.True(t, ok)
	require.Equal(t, "todos", m.Table)
	require.Equal(t, []string{"title", "description", "category"}, m.ColumnNames())
	require.Equal(t, []string{"title", "description", "category"}, m.Fields())

	_, ok = ByName("sports")
	require.False(t, ok)
}

func TestMapping(t *testing.T) {
	require.Equal(t, map[string]string{"content": "content"}, map[string]string(Notes.Mapping()))
	require.Len(t, Birthdays.Mapping(), 2)
}
