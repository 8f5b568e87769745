package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/and161185/habitstack/internal/errs"
	"github.com/and161185/habitstack/internal/model"
	"github.com/and161185/habitstack/internal/modules"
	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
)

func newUser(t *testing.T, s *Store, name string) uuid.UUID {
	t.Helper()
	id := uuid.Must(uuid.NewV4())
	require.NoError(t, s.Create(context.Background(), &model.User{ID: id, Username: name, PwdHash: []byte("h"), SaltAuth: []byte("s")}))
	return id
}

func TestStore_Users(t *testing.T) {
	ctx := context.Background()
	s := New()
	id := newUser(t, s, "alice")

	err := s.Create(ctx, &model.User{ID: uuid.Must(uuid.NewV4()), Username: "alice"})
	require.ErrorIs(t, err, errs.ErrAlreadyExists)

	require.NoError(t, s.SetEncryptionSaltIfEmpty(ctx, id, []byte("salt")))
	require.ErrorIs(t, s.SetEncryptionSaltIfEmpty(ctx, id, []byte("other")), errs.ErrAlreadyExists)

	u, err := s.GetByUsername(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, []byte("salt"), u.EncryptionSalt)

	require.NoError(t, s.SoftDelete(ctx, id))
	_, err = s.GetByID(ctx, id)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestStore_ReplaceAllLeavesNoStaleRows(t *testing.T) {
	ctx := context.Background()
	s := New()
	uid := uuid.Must(uuid.NewV4())

	require.NoError(t, s.UpsertMany(ctx, uid, map[string]bool{"notes_content": true, "todos_title": false}))
	require.NoError(t, s.ReplaceAll(ctx, uid, map[string]bool{"habits_name": true}))

	prefs, err := s.ListByUser(ctx, uid)
	require.NoError(t, err)
	require.Len(t, prefs, 1)
	require.Equal(t, "habits_name", prefs[0].FieldKey)
}

func TestStore_Rename(t *testing.T) {
	ctx := context.Background()
	s := New()
	uid := uuid.Must(uuid.NewV4())
	require.NoError(t, s.Upsert(ctx, uid, "a_x", true))

	ok, err := s.Rename(ctx, uid, "a_x", "a_y")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Rename(ctx, uid, "a_x", "a_y")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStore_SweepIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	s := New()
	uid := newUser(t, s, "bob")
	_, err := s.Insert(ctx, uid, modules.Notes, model.Values{"content": model.Str("one")})
	require.NoError(t, err)
	_, err = s.Insert(ctx, uid, modules.Notes, model.Values{"content": model.Str("two")})
	require.NoError(t, err)

	calls := 0
	_, err = s.Sweep(ctx, uid, modules.Notes, func(context.Context, modules.Module, model.Record) (model.Values, error) {
		calls++
		if calls == 2 {
			return nil, errors.New("fault")
		}
		return model.Values{"content": model.Str("changed")}, nil
	})
	require.Error(t, err)

	recs, err := s.List(ctx, uid, modules.Notes)
	require.NoError(t, err)
	require.Equal(t, "one", *recs[0].Values["content"])
}

func TestStore_RotateSecret(t *testing.T) {
	ctx := context.Background()
	s := New()
	uid := newUser(t, s, "carol")
	_, err := s.Insert(ctx, uid, modules.Habits, model.Values{"name": model.Str("Run")})
	require.NoError(t, err)

	n, err := s.RotateSecret(ctx, uid, modules.All(), func(_ context.Context, m modules.Module, rec model.Record) (model.Values, error) {
		return model.Values{"name": model.Str("RUN")}, nil
	}, model.UserSecret{PwdHash: []byte("h2"), SaltAuth: []byte("s2"), EncryptionSalt: []byte("e2")})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	u, err := s.GetByID(ctx, uid)
	require.NoError(t, err)
	require.Equal(t, []byte("e2"), u.EncryptionSalt)
}

func TestFieldStore(t *testing.T) {
	ctx := context.Background()
	f := NewFieldStore()
	fld := model.EncryptableField{Module: "todos", FieldName: "title"}
	require.NoError(t, f.InsertIgnore(ctx, fld))
	require.NoError(t, f.InsertIgnore(ctx, model.EncryptableField{Module: "todos", FieldName: "title", DisplayName: "changed"}))
	require.NoError(t, f.InsertIgnore(ctx, model.EncryptableField{Module: "habits", FieldName: "name"}))

	got, err := f.List(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "habits", got[0].Module)
	require.Empty(t, got[1].DisplayName)
}
