package session

import (
	"context"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func newManager(ttl time.Duration) (*Manager, *time.Time) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewManager(ttl, nil)
	m.now = func() time.Time { return now }
	return m, &now
}

func TestManager_OpenGetClose(t *testing.T) {
	m, _ := newManager(time.Hour)
	uid := uuid.Must(uuid.NewV4())
	key := []byte("0123456789abcdef0123456789abcdef")

	s, err := m.Open(uid, "alice", key)
	require.NoError(t, err)
	require.True(t, s.HasKey())

	got, ok := m.Get(s.ID)
	require.True(t, ok)
	require.Equal(t, key, got.Key())
	require.Equal(t, "alice", got.Username)

	m.Close(s.ID)
	_, ok = m.Get(s.ID)
	require.False(t, ok)
	require.Equal(t, []byte("0123456789abcdef0123456789abcdef"), key, "caller's slice is not zeroed")
}

func TestManager_SnapshotIsIsolated(t *testing.T) {
	m, _ := newManager(time.Hour)
	s, err := m.Open(uuid.Must(uuid.NewV4()), "u", []byte("k1"))
	require.NoError(t, err)

	snap, _ := m.Get(s.ID)
	require.NoError(t, m.SetKey(s.ID, []byte("k2")))
	require.Equal(t, []byte("k1"), snap.Key())

	now, _ := m.Get(s.ID)
	require.Equal(t, []byte("k2"), now.Key())
}

func TestManager_NoKey(t *testing.T) {
	m, _ := newManager(time.Hour)
	s, err := m.Open(uuid.Must(uuid.NewV4()), "u", nil)
	require.NoError(t, err)
	require.False(t, s.HasKey())
	require.Nil(t, s.Key())
}

func TestManager_Expiry(t *testing.T) {
	m, now := newManager(time.Minute)
	s, err := m.Open(uuid.Must(uuid.NewV4()), "u", []byte("k"))
	require.NoError(t, err)

	*now = now.Add(2 * time.Minute)
	_, ok := m.Get(s.ID)
	require.False(t, ok)

	_, err = m.Open(uuid.Must(uuid.NewV4()), "v", []byte("k"))
	require.NoError(t, err)
	*now = now.Add(2 * time.Minute)
	require.Equal(t, 1, m.Sweep())
}

func TestManager_SetKeyUnknown(t *testing.T) {
	m, _ := newManager(time.Hour)
	require.Error(t, m.SetKey(uuid.Must(uuid.NewV4()), []byte("k")))
}

func TestManager_CloseUser(t *testing.T) {
	m, _ := newManager(time.Hour)
	uid := uuid.Must(uuid.NewV4())
	a, _ := m.Open(uid, "u", []byte("k"))
	_, _ = m.Open(uid, "u", []byte("k"))
	other, _ := m.Open(uuid.Must(uuid.NewV4()), "v", []byte("k"))

	require.Equal(t, 1, m.CloseUser(uid, a.ID))
	_, ok := m.Get(a.ID)
	require.True(t, ok)
	require.Equal(t, 1, m.CloseUser(uid, uuid.Nil))
	_, ok = m.Get(other.ID)
	require.True(t, ok)
}

func TestManager_CloseAll(t *testing.T) {
	m, _ := newManager(time.Hour)
	a, _ := m.Open(uuid.Must(uuid.NewV4()), "u", []byte("k"))
	_, _ = m.Open(uuid.Must(uuid.NewV4()), "v", nil)

	require.Equal(t, 2, m.CloseAll())
	_, ok := m.Get(a.ID)
	require.False(t, ok)
	require.Zero(t, m.CloseAll())
}

func TestContext(t *testing.T) {
	_, ok := FromContext(context.Background())
	require.False(t, ok)

	s := Session{ID: uuid.Must(uuid.NewV4()), key: []byte("k")}
	got, ok := FromContext(WithSession(context.Background(), s))
	require.True(t, ok)
	require.Equal(t, s.ID, got.ID)
	require.True(t, got.HasKey())
}

func TestTokens_RoundTrip(t *testing.T) {
	tk := NewTokens([]byte("secret"))
	s := Session{ID: uuid.Must(uuid.NewV4()), UserID: uuid.Must(uuid.NewV4()), ExpiresAt: time.Now().Add(time.Hour)}
	tok, err := tk.Issue(s)
	require.NoError(t, err)

	c, err := tk.Parse(tok)
	require.NoError(t, err)
	require.Equal(t, s.UserID, c.UserID)
	require.Equal(t, s.ID, c.SessionID)
}

func TestTokens_Rejects(t *testing.T) {
	tk := NewTokens([]byte("secret"))
	s := Session{ID: uuid.Must(uuid.NewV4()), UserID: uuid.Must(uuid.NewV4()), ExpiresAt: time.Now().Add(-time.Hour)}
	tok, err := tk.Issue(s)
	require.NoError(t, err)
	_, err = tk.Parse(tok)
	require.Error(t, err, "expired")

	s.ExpiresAt = time.Now().Add(time.Hour)
	tok, err = NewTokens([]byte("other")).Issue(s)
	require.NoError(t, err)
	_, err = tk.Parse(tok)
	require.Error(t, err, "wrong key")

	claims := jwt.RegisteredClaims{Subject: "not-a-uuid", ID: s.ID.String(), ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}
	bad, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = tk.Parse(bad)
	require.Error(t, err, "bad subject")

	_, err = tk.Parse("garbage")
	require.Error(t, err)
}
