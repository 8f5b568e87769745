package grpcserver

import (
	"context"
	"errors"
	"strings"

	"github.com/and161185/habitstack/internal/session"
	"github.com/gofrs/uuid/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// TokenParser verifies bearer tokens.
type TokenParser interface {
	Parse(tok string) (session.Claims, error)
}

// SessionLookup resolves live sessions.
type SessionLookup interface {
	Get(id uuid.UUID) (session.Session, bool)
}

// AuthUnary attaches the caller's session to ctx for every method of the
// HabitStack service except the public ones. Other services (health,
// reflection) pass through untouched.
func AuthUnary(tokens TokenParser, sessions SessionLookup) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		if !strings.HasPrefix(info.FullMethod, "/"+ServiceName+"/") || publicMethods[info.FullMethod] {
			return next(ctx, req)
		}
		sess, err := sessionFromMD(ctx, tokens, sessions)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "no auth")
		}
		return next(session.WithSession(ctx, sess), req)
	}
}

// sessionFromMD extracts "authorization: Bearer <JWT>", verifies it and
// returns the live session named by its jti.
func sessionFromMD(ctx context.Context, tokens TokenParser, sessions SessionLookup) (session.Session, error) {
	tok, err := bearerTokenFromMD(ctx)
	if err != nil {
		return session.Session{}, err
	}
	claims, err := tokens.Parse(tok)
	if err != nil {
		return session.Session{}, err
	}
	sess, ok := sessions.Get(claims.SessionID)
	if !ok || sess.UserID != claims.UserID {
		return session.Session{}, errors.New("session expired")
	}
	return sess, nil
}

func bearerTokenFromMD(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", errors.New("no metadata")
	}
	for _, v := range md.Get("authorization") {
		v = strings.TrimSpace(v)
		if len(v) >= 7 && strings.EqualFold(v[:7], "bearer ") {
			t := strings.TrimSpace(v[7:])
			if t != "" {
				return t, nil
			}
		}
	}
	return "", errors.New("no bearer token")
}

func remoteIP(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return ""
}
