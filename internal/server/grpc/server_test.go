package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	pkgcrypto "github.com/and161185/habitstack/internal/crypto"
	"github.com/and161185/habitstack/internal/crypto/fieldcipher"
	"github.com/and161185/habitstack/internal/datamigrate"
	"github.com/and161185/habitstack/internal/errs"
	"github.com/and161185/habitstack/internal/fieldcodec"
	"github.com/and161185/habitstack/internal/limiter"
	"github.com/and161185/habitstack/internal/preferences"
	"github.com/and161185/habitstack/internal/registry"
	"github.com/and161185/habitstack/internal/repository/memory"
	"github.com/and161185/habitstack/internal/service"
	"github.com/and161185/habitstack/internal/session"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

const bufSize = 1 << 20

type harness struct {
	cc    *grpc.ClientConn
	store *memory.Store
}

func startBufGRPC(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	log := zaptest.NewLogger(t)

	store := memory.New()
	reg := registry.New(memory.NewFieldStore(), log)
	require.NoError(t, reg.Bootstrap(ctx))
	prefs := preferences.New(store, reg, log)
	sessions := session.NewManager(time.Hour, log)
	tokens := session.NewTokens([]byte("secret"))
	kdf := pkgcrypto.DefaultKDF()
	mig := datamigrate.New(datamigrate.Deps{
		Records: store, Rotation: store, Users: store, Prefs: prefs, Sessions: sessions, KDF: kdf,
	}, log)
	codec := fieldcodec.New(prefs, fieldcipher.New(log), fieldcodec.Options{}, log)

	srv := New(
		service.NewAuthService(service.AuthDeps{
			Users: store, Prefs: prefs, Sessions: sessions, Tokens: tokens,
			KDF: kdf, Migrator: mig, Limiter: limiter.NewMemory(limiter.DefaultPolicy()),
		}, log),
		service.NewRecordService(store, codec),
		service.NewSettingsService(service.SettingsDeps{
			Catalog: reg, Prefs: prefs, Migrator: mig, Records: store, Codec: codec, Version: registry.DefaultVersion,
		}, log),
	)

	lis := bufconn.Listen(bufSize)
	gs := grpc.NewServer(grpc.ChainUnaryInterceptor(RecoverUnary(log), LoggingUnary(log), AuthUnary(tokens, sessions)))
	srv.Register(gs)
	go func() { _ = gs.Serve(lis) }()
	dialer := func(context.Context, string) (net.Conn, error) { return lis.Dial() }
	//nolint:staticcheck // DialContext is supported through 1.x; migrate when grpc.NewClient is stable
	cc, err := grpc.DialContext(ctx, "bufnet",
		grpc.WithContextDialer(dialer), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cc.Close(); gs.Stop(); _ = lis.Close() })
	return &harness{cc: cc, store: store}
}

func (h *harness) call(ctx context.Context, t *testing.T, method string, in map[string]any) (*structpb.Struct, error) {
	t.Helper()
	req, err := structpb.NewStruct(in)
	require.NoError(t, err)
	out := new(structpb.Struct)
	err = h.cc.Invoke(ctx, FullMethod(method), req, out)
	return out, err
}

func (h *harness) login(t *testing.T, username, password string) context.Context {
	t.Helper()
	ctx := context.Background()
	_, err := h.call(ctx, t, "Register", map[string]any{"username": username, "password": password})
	require.NoError(t, err)
	out, err := h.call(ctx, t, "Login", map[string]any{"username": username, "password": password})
	require.NoError(t, err)
	require.True(t, out.Fields["has_key"].GetBoolValue())
	tok := out.Fields["access_token"].GetStringValue()
	require.NotEmpty(t, tok)
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+tok)
}

func TestGRPC_RecordRoundTripWithEncryption(t *testing.T) {
	h := startBufGRPC(t)
	ctx := h.login(t, "alice", "pw")

	_, err := h.call(ctx, t, "UpdatePreferences", map[string]any{
		"preferences": map[string]any{"habits_name": true},
	})
	require.NoError(t, err)

	created, err := h.call(ctx, t, "CreateRecord", map[string]any{
		"module": "habits",
		"fields": map[string]any{"name": "Run", "description": nil},
	})
	require.NoError(t, err)
	id := created.Fields["id"].GetNumberValue()
	require.Positive(t, id)

	got, err := h.call(ctx, t, "GetRecord", map[string]any{"module": "habits", "id": id})
	require.NoError(t, err)
	require.Equal(t, "Run", got.Fields["fields"].GetStructValue().Fields["name"].GetStringValue())

	list, err := h.call(ctx, t, "ListRecords", map[string]any{"module": "habits"})
	require.NoError(t, err)
	require.Len(t, list.Fields["records"].GetListValue().GetValues(), 1)

	exp, err := h.call(ctx, t, "Export", nil)
	require.NoError(t, err)
	require.Equal(t, "alice", exp.Fields["export_info"].GetStructValue().Fields["username"].GetStringValue())
	habits := exp.Fields["habits"].GetListValue().GetValues()
	require.Len(t, habits, 1)
	require.Equal(t, "Run", habits[0].GetStructValue().Fields["fields"].GetStructValue().Fields["name"].GetStringValue())

	sum, err := h.call(ctx, t, "GetSummary", nil)
	require.NoError(t, err)
	require.EqualValues(t, 1, sum.Fields["encrypted_fields"].GetNumberValue())

	_, err = h.call(ctx, t, "DeleteRecord", map[string]any{"module": "habits", "id": id})
	require.NoError(t, err)
	_, err = h.call(ctx, t, "GetRecord", map[string]any{"module": "habits", "id": id})
	require.Equal(t, codes.NotFound, status.Code(err))
}

func TestGRPC_UpdatePreferencesRunsMigration(t *testing.T) {
	h := startBufGRPC(t)
	ctx := h.login(t, "bob", "pw")

	_, err := h.call(ctx, t, "CreateRecord", map[string]any{"module": "notes", "fields": map[string]any{"content": "hello"}})
	require.NoError(t, err)

	out, err := h.call(ctx, t, "UpdatePreferences", map[string]any{
		"preferences": map[string]any{"notes_content": true},
		"migrate":     true,
	})
	require.NoError(t, err)
	mig := out.Fields["migration"].GetStructValue()
	require.NotNil(t, mig)
	require.EqualValues(t, 1, mig.Fields["records_updated"].GetNumberValue())
	require.Contains(t, out.Fields["message"].GetStringValue(), "Notes: 1 updated")
}

func TestGRPC_ErrorsMapToCodes(t *testing.T) {
	h := startBufGRPC(t)
	bg := context.Background()

	_, err := h.call(bg, t, "Export", nil)
	require.Equal(t, codes.Unauthenticated, status.Code(err))

	_, err = h.call(bg, t, "Register", map[string]any{"username": "", "password": ""})
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	ctx := h.login(t, "carol", "pw")
	_, err = h.call(bg, t, "Register", map[string]any{"username": "carol", "password": "x"})
	require.Equal(t, codes.AlreadyExists, status.Code(err))

	_, err = h.call(bg, t, "Login", map[string]any{"username": "carol", "password": "wrong"})
	require.Equal(t, codes.Unauthenticated, status.Code(err))

	_, err = h.call(ctx, t, "CreateRecord", map[string]any{"module": "sports", "fields": map[string]any{"x": "y"}})
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = h.call(ctx, t, "CreateRecord", map[string]any{"module": "habits", "fields": map[string]any{"name": 3}})
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = h.call(ctx, t, "UpdatePreferences", map[string]any{"preferences": map[string]any{"unknown_field": true}})
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = h.call(ctx, t, "GetRecord", map[string]any{"module": "habits", "id": 1.5})
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	fields, err := h.call(bg, t, "ListFields", nil)
	require.NoError(t, err)
	require.Len(t, fields.Fields["modules"].GetListValue().GetValues(), 6)
}

func TestGRPC_ExportImportRoundTrip(t *testing.T) {
	h := startBufGRPC(t)
	ctx := h.login(t, "erin", "pw")

	_, err := h.call(ctx, t, "CreateRecord", map[string]any{"module": "todos", "fields": map[string]any{"title": "Buy milk"}})
	require.NoError(t, err)
	exp, err := h.call(ctx, t, "Export", nil)
	require.NoError(t, err)

	out, err := h.call(ctx, t, "Import", map[string]any{"data": exp.AsMap(), "replace": true})
	require.NoError(t, err)
	require.Contains(t, out.Fields["message"].GetStringValue(), "Todos: 1 imported")

	list, err := h.call(ctx, t, "ListRecords", map[string]any{"module": "todos"})
	require.NoError(t, err)
	recs := list.Fields["records"].GetListValue().GetValues()
	require.Len(t, recs, 1)
	require.Equal(t, "Buy milk", recs[0].GetStructValue().Fields["fields"].GetStructValue().Fields["title"].GetStringValue())

	_, err = h.call(ctx, t, "Import", map[string]any{"data": map[string]any{}})
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestGRPC_LogoutEndsSession(t *testing.T) {
	h := startBufGRPC(t)
	ctx := h.login(t, "dave", "pw")

	_, err := h.call(ctx, t, "Logout", nil)
	require.NoError(t, err)
	_, err = h.call(ctx, t, "GetPreferences", nil)
	require.Equal(t, codes.Unauthenticated, status.Code(err))
}

func Test_toStatus(t *testing.T) {
	t.Parallel()
	cases := []struct {
		err  error
		want codes.Code
	}{
		{errs.Invalid("x", "y"), codes.InvalidArgument},
		{fmt.Errorf("wrap: %w", errs.ErrUnauthorized), codes.Unauthenticated},
		{errs.ErrRateLimited, codes.ResourceExhausted},
		{errs.ErrNotFound, codes.NotFound},
		{errs.ErrAlreadyExists, codes.AlreadyExists},
		{errs.ErrNoActiveKey, codes.FailedPrecondition},
		{fmt.Errorf("rotate key: %w", errs.ErrKeyMismatch), codes.FailedPrecondition},
		{errs.ErrMigrationInProgress, codes.Aborted},
		{errors.New("boom"), codes.Internal},
	}
	for _, c := range cases {
		require.Equal(t, c.want, status.Code(toStatus("op", c.err)), c.err.Error())
	}
}
