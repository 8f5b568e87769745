package session

import (
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
)

// Claims identify a session inside a bearer token.
type Claims struct {
	UserID    uuid.UUID
	SessionID uuid.UUID
}

// Tokens issues and verifies HS256 session tokens: sub is the user id and
// jti the session id.
type Tokens struct {
	signKey []byte
	leeway  time.Duration
}

// NewTokens constructs a token codec.
func NewTokens(signKey []byte) *Tokens {
	return &Tokens{signKey: signKey, leeway: 30 * time.Second}
}

// Issue signs a token that expires with s.
func (t *Tokens) Issue(s Session) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   s.UserID.String(),
		ID:        s.ID.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(s.ExpiresAt),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.signKey)
}

// Parse verifies tok and returns its claims.
func (t *Tokens) Parse(tok string) (Claims, error) {
	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(tok, &claims, func(tk *jwt.Token) (any, error) {
		if tk.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return t.signKey, nil
	}, jwt.WithLeeway(t.leeway))
	if err != nil || !parsed.Valid {
		return Claims{}, errors.New("invalid token")
	}

	uid, err := uuid.FromString(claims.Subject)
	if err != nil {
		return Claims{}, errors.New("bad subject")
	}
	sid, err := uuid.FromString(claims.ID)
	if err != nil {
		return Claims{}, errors.New("bad session id")
	}
	return Claims{UserID: uid, SessionID: sid}, nil
}
