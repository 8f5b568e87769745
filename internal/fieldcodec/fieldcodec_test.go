package fieldcodec

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/and161185/habitstack/internal/crypto/fieldcipher"
	"github.com/and161185/habitstack/internal/errs"
	"github.com/and161185/habitstack/internal/model"
	"github.com/and161185/habitstack/internal/modules"
	"github.com/and161185/habitstack/internal/preferences"
	"github.com/and161185/habitstack/internal/registry"
	"github.com/and161185/habitstack/internal/repository/memory"
	"github.com/and161185/habitstack/internal/session"
	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

type stubPrefs struct {
	prefs map[string]bool
	err   error
	calls int
}

func (s *stubPrefs) GetUserPreferences(context.Context, uuid.UUID) (map[string]bool, error) {
	s.calls++
	return s.prefs, s.err
}

func withSession(t *testing.T, key []byte) (context.Context, session.Session) {
	t.Helper()
	m := session.NewManager(time.Hour, nil)
	s, err := m.Open(uuid.Must(uuid.NewV4()), "alice", key)
	require.NoError(t, err)
	return session.WithSession(context.Background(), s), s
}

func newService(t *testing.T, prefs Preferences, opts Options) *Service {
	t.Helper()
	log := zaptest.NewLogger(t)
	return New(prefs, fieldcipher.New(log), opts, log)
}

func TestProcessForStorage_EncryptsOnlyPreferredFields(t *testing.T) {
	ctx, _ := withSession(t, testKey)
	prefs := &stubPrefs{prefs: map[string]bool{"habits_name": true}}
	s := newService(t, prefs, Options{})

	out, err := s.ProcessForStorage(ctx, "habits", modules.Habits.Mapping(), model.Values{
		"name":        model.Str("Run"),
		"description": model.Str("every morning"),
	})
	require.NoError(t, err)
	require.True(t, fieldcipher.IsEncrypted(*out["name"]))
	require.Equal(t, "every morning", *out["description"])
	require.Equal(t, 1, prefs.calls, "preferences are loaded once per call")
}

func TestProcessForStorage_NilAndEmptyUntouched(t *testing.T) {
	ctx, _ := withSession(t, testKey)
	s := newService(t, &stubPrefs{prefs: map[string]bool{"todos_title": true, "todos_category": true}}, Options{})

	out, err := s.ProcessForStorage(ctx, "todos", modules.Todos.Mapping(), model.Values{
		"title":    model.Str(""),
		"category": nil,
	})
	require.NoError(t, err)
	require.Equal(t, "", *out["title"])
	require.Contains(t, out, "category")
	require.Nil(t, out["category"])
	require.NotContains(t, out, "description")
}

func TestProcessForStorage_RekeysToColumns(t *testing.T) {
	ctx, _ := withSession(t, testKey)
	s := newService(t, &stubPrefs{}, Options{})
	mapping := model.FieldMapping{"body": "content"}

	out, err := s.ProcessForStorage(ctx, "notes", mapping, model.Values{"body": model.Str("hi"), "extra": model.Str("x")})
	require.NoError(t, err)
	require.Equal(t, "hi", *out["content"])
	require.NotContains(t, out, "body")
	require.Equal(t, "x", *out["extra"])
}

func TestProcessForStorage_NoSessionIsPlaintext(t *testing.T) {
	prefs := &stubPrefs{prefs: map[string]bool{"notes_content": true}}
	s := newService(t, prefs, Options{})
	out, err := s.ProcessForStorage(context.Background(), "notes", modules.Notes.Mapping(), model.Values{"content": model.Str("hello")})
	require.NoError(t, err)
	require.Equal(t, "hello", *out["content"])
	require.Zero(t, prefs.calls)
}

func TestProcessForStorage_NoKeyFailOpenLogsWarning(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	log := zap.New(core)
	s := New(&stubPrefs{prefs: map[string]bool{"notes_content": true}}, fieldcipher.New(log), Options{}, log)
	ctx, _ := withSession(t, nil)

	out, err := s.ProcessForStorage(ctx, "notes", modules.Notes.Mapping(), model.Values{"content": model.Str("hello")})
	require.NoError(t, err)
	require.Equal(t, "hello", *out["content"])
	require.Equal(t, 1, logs.Len())
}

func TestProcessForDisplay_PreferenceModeNoKeyWarnsOnlyForTokens(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	log := zap.New(core)
	prefs := &stubPrefs{prefs: map[string]bool{"habits_name": true, "habits_description": true}}
	s := New(prefs, fieldcipher.New(log), Options{Display: DisplayPreference}, log)
	ctx, _ := withSession(t, nil)

	tok, err := fieldcipher.Seal("secret", testKey)
	require.NoError(t, err)
	out, err := s.ProcessForDisplay(ctx, "habits", modules.Habits.Mapping(), model.Values{
		"name":        model.Str("Run"),
		"description": &tok,
	})
	require.NoError(t, err)
	require.Equal(t, "Run", *out["name"])
	require.Equal(t, tok, *out["description"])
	require.Equal(t, 1, logs.Len())
}

func TestProcessForStorage_RequireKeyOnWrite(t *testing.T) {
	ctx, _ := withSession(t, nil)
	s := newService(t, &stubPrefs{prefs: map[string]bool{"notes_content": true}}, Options{RequireKeyOnWrite: true})

	_, err := s.ProcessForStorage(ctx, "notes", modules.Notes.Mapping(), model.Values{"content": model.Str("hello")})
	require.ErrorIs(t, err, errs.ErrNoActiveKey)

	// fields not marked for encryption still pass
	s = newService(t, &stubPrefs{}, Options{RequireKeyOnWrite: true})
	out, err := s.ProcessForStorage(ctx, "notes", modules.Notes.Mapping(), model.Values{"content": model.Str("hello")})
	require.NoError(t, err)
	require.Equal(t, "hello", *out["content"])
}

func TestProcessForStorage_PreferenceError(t *testing.T) {
	ctx, _ := withSession(t, testKey)
	s := newService(t, &stubPrefs{err: errors.New("db down")}, Options{})
	_, err := s.ProcessForStorage(ctx, "notes", modules.Notes.Mapping(), model.Values{"content": model.Str("x")})
	require.Error(t, err)
}

func TestProcessForDisplay_SniffIgnoresPreference(t *testing.T) {
	ctx, _ := withSession(t, testKey)
	tok, err := fieldcipher.Seal("Run", testKey)
	require.NoError(t, err)

	// preference now says plain, row is still ciphertext
	prefs := &stubPrefs{prefs: map[string]bool{"habits_name": false, "habits_description": true}}
	s := newService(t, prefs, Options{Display: DisplaySniff})
	out, err := s.ProcessForDisplay(ctx, "habits", modules.Habits.Mapping(), model.Values{
		"name":        &tok,
		"description": model.Str("legacy plaintext"),
	})
	require.NoError(t, err)
	require.Equal(t, "Run", *out["name"])
	require.Equal(t, "legacy plaintext", *out["description"])
	require.Zero(t, prefs.calls)
}

func TestProcessForDisplay_PreferenceModeSharpEdges(t *testing.T) {
	ctx, _ := withSession(t, testKey)
	tok, err := fieldcipher.Seal("Run", testKey)
	require.NoError(t, err)

	s := newService(t, &stubPrefs{prefs: map[string]bool{"habits_description": true}}, Options{Display: DisplayPreference})
	out, err := s.ProcessForDisplay(ctx, "habits", modules.Habits.Mapping(), model.Values{
		"name":        &tok,
		"description": model.Str("plain"),
	})
	require.NoError(t, err)
	require.Equal(t, tok, *out["name"], "unmarked field shows stored ciphertext")
	require.Equal(t, "plain", *out["description"], "plaintext passes Decrypt unchanged")
}

func TestProcessForDisplay_WrongKeyShowsMarker(t *testing.T) {
	ctx, _ := withSession(t, testKey)
	tok, err := fieldcipher.Seal("secret", []byte("ffffffffffffffffffffffffffffffff"))
	require.NoError(t, err)

	s := newService(t, &stubPrefs{}, Options{})
	out, err := s.ProcessForDisplay(ctx, "notes", modules.Notes.Mapping(), model.Values{"content": &tok})
	require.NoError(t, err)
	require.True(t, fieldcipher.IsCorruptedMarker(*out["content"]))
}

func TestProcessForDisplay_NoSessionPassthrough(t *testing.T) {
	tok, err := fieldcipher.Seal("x", testKey)
	require.NoError(t, err)
	s := newService(t, &stubPrefs{}, Options{})
	out, err := s.ProcessForDisplay(context.Background(), "notes", modules.Notes.Mapping(), model.Values{"content": &tok})
	require.NoError(t, err)
	require.Equal(t, tok, *out["content"])
}

func TestSmartDecryptField_ExplicitKeyWins(t *testing.T) {
	other := []byte("ffffffffffffffffffffffffffffffff")
	tok, err := fieldcipher.Seal("v", other)
	require.NoError(t, err)
	ctx, _ := withSession(t, testKey)
	s := newService(t, &stubPrefs{}, Options{})

	require.Equal(t, "v", s.SmartDecryptField(ctx, tok, other))
	require.True(t, fieldcipher.IsCorruptedMarker(s.SmartDecryptField(ctx, tok, nil)))
	require.Equal(t, tok, s.SmartDecryptField(context.Background(), tok, nil))
	require.Equal(t, "", s.SmartDecryptField(ctx, "", nil))
}

func TestBulkProcessForExport_MixedRows(t *testing.T) {
	ctx, _ := withSession(t, testKey)
	tok, err := fieldcipher.Seal("secret note", testKey)
	require.NoError(t, err)
	s := newService(t, &stubPrefs{}, Options{Display: DisplayPreference})

	rows := []model.Values{
		{"notes": &tok},
		{"notes": model.Str("plain note")},
		{"notes": nil},
	}
	out := s.BulkProcessForExport(ctx, "reading", modules.Reading.Mapping(), rows, nil)
	require.Len(t, out, 3)
	require.Equal(t, "secret note", *out[0]["notes"])
	require.Equal(t, "plain note", *out[1]["notes"])
	require.Nil(t, out[2]["notes"])
	require.Equal(t, tok, *rows[0]["notes"], "input rows are not modified")

	require.Empty(t, s.BulkProcessForExport(ctx, "reading", modules.Reading.Mapping(), nil, nil))
}

func TestStatusAndReady(t *testing.T) {
	s := newService(t, &stubPrefs{prefs: map[string]bool{"notes_content": true}}, Options{})

	st, err := s.Status(context.Background(), "notes", "content")
	require.NoError(t, err)
	require.False(t, st.HasSession)
	require.False(t, s.Ready(context.Background()))

	ctx, sess := withSession(t, testKey)
	st, err = s.Status(ctx, "notes", "content")
	require.NoError(t, err)
	require.Equal(t, FieldStatus{HasSession: true, IsEncrypted: true, CanEncrypt: true, UserID: sess.UserID}, st)
	require.True(t, s.Ready(ctx))

	noKey, _ := withSession(t, nil)
	require.False(t, s.Ready(noKey))
}

func TestParseDisplayMode(t *testing.T) {
	m, err := ParseDisplayMode("preference")
	require.NoError(t, err)
	require.Equal(t, DisplayPreference, m)
	_, err = ParseDisplayMode("always")
	require.ErrorIs(t, err, errs.ErrInvalidInput)
}

// Habit "Run" with habits_name encrypted is ciphertext at rest and reads back as "Run".
func TestScenario_EncryptedHabitRoundTrip(t *testing.T) {
	ctx, sess := withSession(t, testKey)
	store := memory.New()
	prefs := preferences.New(store, registry.New(memory.NewFieldStore(), nil), nil)
	require.NoError(t, prefs.SetPreference(ctx, sess.UserID, "habits_name", true))
	s := newService(t, prefs, Options{})
	m := modules.Habits

	cols, err := s.ProcessForStorage(ctx, m.Name, m.Mapping(), model.Values{"name": model.Str("Run")})
	require.NoError(t, err)
	id, err := store.Insert(ctx, sess.UserID, m, cols)
	require.NoError(t, err)

	rec, err := store.Get(ctx, sess.UserID, m, id)
	require.NoError(t, err)
	require.True(t, fieldcipher.IsEncrypted(*rec.Values["name"]))

	shown, err := s.ProcessForDisplay(ctx, m.Name, m.Mapping(), rec.Values)
	require.NoError(t, err)
	require.Equal(t, "Run", *shown["name"])
}

// A user with no preferences stores a note as literal plaintext.
func TestScenario_NoPreferencesStoresPlaintext(t *testing.T) {
	ctx, sess := withSession(t, testKey)
	store := memory.New()
	s := newService(t, preferences.New(store, registry.New(memory.NewFieldStore(), nil), nil), Options{})
	m := modules.Notes

	cols, err := s.ProcessForStorage(ctx, m.Name, m.Mapping(), model.Values{"content": model.Str("hello")})
	require.NoError(t, err)
	id, err := store.Insert(ctx, sess.UserID, m, cols)
	require.NoError(t, err)

	rec, err := store.Get(ctx, sess.UserID, m, id)
	require.NoError(t, err)
	require.Equal(t, "hello", *rec.Values["content"])
}
