package grpcserver

import (
	"context"
	"testing"
	"time"

	"github.com/and161185/habitstack/internal/session"
	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func ctxWithAuth(token string) context.Context {
	md := metadata.New(map[string]string{
		"authorization": "Bearer " + token,
	})
	return metadata.NewIncomingContext(context.Background(), md)
}

func Test_bearerTokenFromMD_OkAndErrors(t *testing.T) {
	t.Parallel()

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer abc.def.ghi"))
	got, err := bearerTokenFromMD(ctx)
	require.NoError(t, err)
	require.Equal(t, "abc.def.ghi", got)

	ctx = metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Basic foo"))
	_, err = bearerTokenFromMD(ctx)
	require.Error(t, err)

	ctx = metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer   "))
	_, err = bearerTokenFromMD(ctx)
	require.Error(t, err)

	_, err = bearerTokenFromMD(context.Background())
	require.Error(t, err)
}

type authFixture struct {
	tokens   *session.Tokens
	sessions *session.Manager
	ic       grpc.UnaryServerInterceptor
}

func newAuthFixture() *authFixture {
	tokens := session.NewTokens([]byte("secret"))
	sessions := session.NewManager(time.Hour, nil)
	return &authFixture{tokens: tokens, sessions: sessions, ic: AuthUnary(tokens, sessions)}
}

// seen records the session the handler observed.
func seen(got *session.Session, called *bool) grpc.UnaryHandler {
	return func(ctx context.Context, _ any) (any, error) {
		*called = true
		if s, ok := session.FromContext(ctx); ok {
			*got = s
		}
		return "ok", nil
	}
}

func TestAuthUnary_PublicAndForeignMethodsPass(t *testing.T) {
	t.Parallel()
	f := newAuthFixture()

	for _, m := range []string{FullMethod("Login"), FullMethod("Register"), "/grpc.health.v1.Health/Check"} {
		var got session.Session
		called := false
		_, err := f.ic(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: m}, seen(&got, &called))
		require.NoError(t, err, m)
		require.True(t, called, m)
		require.Equal(t, uuid.Nil, got.ID)
	}
}

func TestAuthUnary_RejectsMissingOrStaleSessions(t *testing.T) {
	t.Parallel()
	f := newAuthFixture()
	info := &grpc.UnaryServerInfo{FullMethod: FullMethod("Export")}
	var got session.Session
	called := false

	_, err := f.ic(context.Background(), nil, info, seen(&got, &called))
	require.Equal(t, codes.Unauthenticated, status.Code(err))

	_, err = f.ic(ctxWithAuth("this-is-not-a-jwt"), nil, info, seen(&got, &called))
	require.Equal(t, codes.Unauthenticated, status.Code(err))

	s, err := f.sessions.Open(uuid.Must(uuid.NewV4()), "alice", []byte("k"))
	require.NoError(t, err)
	tok, err := f.tokens.Issue(s)
	require.NoError(t, err)
	f.sessions.Close(s.ID)

	_, err = f.ic(ctxWithAuth(tok), nil, info, seen(&got, &called))
	require.Equal(t, codes.Unauthenticated, status.Code(err))
	require.False(t, called)
}

func TestAuthUnary_AttachesSession(t *testing.T) {
	t.Parallel()
	f := newAuthFixture()
	s, err := f.sessions.Open(uuid.Must(uuid.NewV4()), "alice", []byte("k"))
	require.NoError(t, err)
	tok, err := f.tokens.Issue(s)
	require.NoError(t, err)

	var got session.Session
	called := false
	_, err = f.ic(ctxWithAuth(tok), nil, &grpc.UnaryServerInfo{FullMethod: FullMethod("Export")}, seen(&got, &called))
	require.NoError(t, err)
	require.True(t, called)
	require.Equal(t, s.ID, got.ID)
	require.Equal(t, []byte("k"), got.Key())
}

func TestAuthUnary_RejectsTokenForAnotherUser(t *testing.T) {
	t.Parallel()
	f := newAuthFixture()
	s, err := f.sessions.Open(uuid.Must(uuid.NewV4()), "alice", nil)
	require.NoError(t, err)
	forged := s
	forged.UserID = uuid.Must(uuid.NewV4())
	tok, err := f.tokens.Issue(forged)
	require.NoError(t, err)

	var got session.Session
	called := false
	_, err = f.ic(ctxWithAuth(tok), nil, &grpc.UnaryServerInfo{FullMethod: FullMethod("Export")}, seen(&got, &called))
	require.Equal(t, codes.Unauthenticated, status.Code(err))
}
