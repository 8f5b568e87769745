package service

import (
	"context"
	"testing"
	"time"

	pkgcrypto "github.com/and161185/habitstack/internal/crypto"
	"github.com/and161185/habitstack/internal/crypto/fieldcipher"
	"github.com/and161185/habitstack/internal/datamigrate"
	"github.com/and161185/habitstack/internal/fieldcodec"
	"github.com/and161185/habitstack/internal/limiter"
	"github.com/and161185/habitstack/internal/preferences"
	"github.com/and161185/habitstack/internal/registry"
	"github.com/and161185/habitstack/internal/repository/memory"
	"github.com/and161185/habitstack/internal/session"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeLimiter struct {
	allowOK  bool
	allowErr error

	failBlocked bool
	failErr     error

	successErr error

	allowCalls   int
	failureCalls int
	successCalls int
}

var _ limiter.Limiter = (*fakeLimiter)(nil)

func (l *fakeLimiter) Allow(context.Context, string, []byte) (bool, time.Duration, error) {
	l.allowCalls++
	return l.allowOK, 0, l.allowErr
}
func (l *fakeLimiter) Success(context.Context, string, []byte) error {
	l.successCalls++
	return l.successErr
}
func (l *fakeLimiter) Failure(context.Context, string, []byte) (bool, time.Duration, error) {
	l.failureCalls++
	return l.failBlocked, 0, l.failErr
}

// env wires every service over the in-memory store.
type env struct {
	store    *memory.Store
	reg      *registry.Registry
	prefs    *preferences.Store
	sessions *session.Manager
	tokens   *session.Tokens
	kdf      *pkgcrypto.KDF
	lim      *fakeLimiter

	auth     *AuthServiceImpl
	records  *RecordServiceImpl
	settings *SettingsServiceImpl
}

func newEnv(t *testing.T) *env {
	t.Helper()
	log := zaptest.NewLogger(t)
	store := memory.New()
	reg := registry.New(memory.NewFieldStore(), log)
	require.NoError(t, reg.Bootstrap(context.Background()))
	prefs := preferences.New(store, reg, log)
	sessions := session.NewManager(time.Hour, log)
	tokens := session.NewTokens([]byte("test-sign-key"))
	kdf := pkgcrypto.DefaultKDF()
	lim := &fakeLimiter{allowOK: true}

	mig := datamigrate.New(datamigrate.Deps{
		Records: store, Rotation: store, Users: store,
		Prefs: prefs, Sessions: sessions, KDF: kdf,
	}, log)
	codec := fieldcodec.New(prefs, fieldcipher.New(log), fieldcodec.Options{}, log)

	return &env{
		store: store, reg: reg, prefs: prefs, sessions: sessions, tokens: tokens, kdf: kdf, lim: lim,
		auth: NewAuthService(AuthDeps{
			Users: store, Prefs: prefs, Sessions: sessions, Tokens: tokens,
			KDF: kdf, Migrator: mig, Limiter: lim,
		}, log),
		records: NewRecordService(store, codec),
		settings: NewSettingsService(SettingsDeps{
			Catalog: reg, Prefs: prefs, Migrator: mig, Records: store, Codec: codec, Version: "1.0",
		}, log),
	}
}

// login registers username and returns a context carrying its session.
func (e *env) login(t *testing.T, username, password string) (context.Context, LoginResult) {
	t.Helper()
	ctx := context.Background()
	_, err := e.auth.Register(ctx, username, password)
	require.NoError(t, err)
	res, err := e.auth.Login(ctx, username, password, "127.0.0.1:5000")
	require.NoError(t, err)
	return session.WithSession(ctx, res.Session), res
}
