// Package service contains the application services behind the gRPC API:
// accounts and sessions, collaborator module records, and encryption settings.
package service

import (
	"context"
	"errors"
	"fmt"

	pkgcrypto "github.com/and161185/habitstack/internal/crypto"
	"github.com/and161185/habitstack/internal/datamigrate"
	"github.com/and161185/habitstack/internal/errs"
	"github.com/and161185/habitstack/internal/limiter"
	"github.com/and161185/habitstack/internal/model"
	"github.com/and161185/habitstack/internal/repository"
	"github.com/and161185/habitstack/internal/session"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// AuthService defines account and session operations.
type AuthService interface {
	// Register creates a new user with secure password hashing.
	Register(ctx context.Context, username, password string) (uuid.UUID, error)
	// Login applies rate limiting, derives the field key and opens a session.
	Login(ctx context.Context, username, password, ip string) (LoginResult, error)
	// Logout closes the caller's session and drops its key.
	Logout(ctx context.Context) error
	// ChangePassword verifies the old password and rotates the field key.
	ChangePassword(ctx context.Context, oldPassword, newPassword, ip string) (datamigrate.PasswordChangeResult, error)
	// DeleteAccount verifies the password, then removes preferences and the account.
	DeleteAccount(ctx context.Context, password, ip string) error
}

// LoginResult is a freshly opened session and its bearer token.
type LoginResult struct {
	Token   string
	Session session.Session
	User    model.User
}

// PasswordMigrator rotates stored data when the password changes.
type PasswordMigrator interface {
	MigrateOnPasswordChange(ctx context.Context, oldPassword, newPassword string) (datamigrate.PasswordChangeResult, error)
}

// PreferenceRemover drops every preference of a user.
type PreferenceRemover interface {
	DeleteUserPreferences(ctx context.Context, userID uuid.UUID) error
}

// AuthDeps are the AuthService collaborators.
type AuthDeps struct {
	Users    repository.UserRepository
	Prefs    PreferenceRemover
	Sessions *session.Manager
	Tokens   *session.Tokens
	KDF      *pkgcrypto.KDF
	Migrator PasswordMigrator
	Limiter  limiter.Limiter
}

type AuthServiceImpl struct {
	d   AuthDeps
	log *zap.Logger
}

// NewAuthService constructs AuthService with required dependencies.
func NewAuthService(d AuthDeps, log *zap.Logger) *AuthServiceImpl {
	if log == nil {
		log = zap.NewNop()
	}
	if d.KDF == nil {
		d.KDF = pkgcrypto.DefaultKDF()
	}
	return &AuthServiceImpl{d: d, log: log}
}

// Register creates a user record with a login salt and an encryption salt.
func (s *AuthServiceImpl) Register(ctx context.Context, username, password string) (uuid.UUID, error) {
	if username == "" || password == "" {
		return uuid.Nil, errs.Invalid("credentials", "empty username/password")
	}
	uid, err := uuid.NewV4()
	if err != nil {
		return uuid.Nil, err
	}
	saltAuth, err := pkgcrypto.RandBytes(pkgcrypto.SaltLen)
	if err != nil {
		return uuid.Nil, err
	}
	encSalt, err := pkgcrypto.GenerateSalt()
	if err != nil {
		return uuid.Nil, err
	}
	u := &model.User{
		ID:             uid,
		Username:       username,
		PwdHash:        pkgcrypto.HashPassword(password, saltAuth),
		SaltAuth:       saltAuth,
		EncryptionSalt: encSalt,
	}
	if err := s.d.Users.Create(ctx, u); err != nil {
		return uuid.Nil, err
	}
	s.log.Info("user registered", zap.Stringer("user_id", uid))
	return uid, nil
}

// checkPassword applies the limiter around one password verification.
// Unknown users and wrong passwords both come back as ErrUnauthorized.
func (s *AuthServiceImpl) checkPassword(ctx context.Context, username, password, ip string, load func() (*model.User, error)) (*model.User, error) {
	ipHash := limiter.HashIP(ip)

	allowed, _, err := s.d.Limiter.Allow(ctx, username, ipHash)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, errs.ErrRateLimited
	}

	u, err := load()
	if err != nil || !pkgcrypto.VerifyPassword(password, u.SaltAuth, u.PwdHash) {
		if blocked, _, ferr := s.d.Limiter.Failure(ctx, username, ipHash); ferr == nil && blocked {
			return nil, errs.ErrRateLimited
		}
		return nil, errs.ErrUnauthorized
	}

	_ = s.d.Limiter.Success(ctx, username, ipHash)
	return u, nil
}

// Login authenticates, derives the field key and opens a session holding it.
// Accounts created before encryption existed get their salt on first login.
func (s *AuthServiceImpl) Login(ctx context.Context, username, password, ip string) (LoginResult, error) {
	u, err := s.checkPassword(ctx, username, password, ip, func() (*model.User, error) {
		return s.d.Users.GetByUsername(ctx, username)
	})
	if err != nil {
		return LoginResult{}, err
	}

	if len(u.EncryptionSalt) == 0 {
		if u, err = s.setupSalt(ctx, u); err != nil {
			return LoginResult{}, err
		}
	}
	key, err := s.d.KDF.DeriveKey(password, u.EncryptionSalt)
	if err != nil {
		return LoginResult{}, fmt.Errorf("derive key: %w", err)
	}
	sess, err := s.d.Sessions.Open(u.ID, u.Username, key)
	wipe(key)
	if err != nil {
		return LoginResult{}, err
	}
	tok, err := s.d.Tokens.Issue(sess)
	if err != nil {
		s.d.Sessions.Close(sess.ID)
		return LoginResult{}, err
	}
	return LoginResult{Token: tok, Session: sess, User: *u}, nil
}

// setupSalt stores a first-ever encryption salt. Losing a race to a
// concurrent login is fine: the winner's salt is reloaded.
func (s *AuthServiceImpl) setupSalt(ctx context.Context, u *model.User) (*model.User, error) {
	salt, err := pkgcrypto.GenerateSalt()
	if err != nil {
		return nil, err
	}
	err = s.d.Users.SetEncryptionSaltIfEmpty(ctx, u.ID, salt)
	switch {
	case err == nil:
		u.EncryptionSalt = salt
		s.log.Info("encryption salt initialized", zap.Stringer("user_id", u.ID))
		return u, nil
	case errors.Is(err, errs.ErrAlreadyExists):
		return s.d.Users.GetByID(ctx, u.ID)
	default:
		return nil, fmt.Errorf("set encryption salt: %w", err)
	}
}

// Logout closes the session carried by ctx.
func (s *AuthServiceImpl) Logout(ctx context.Context) error {
	sess, err := requireSession(ctx)
	if err != nil {
		return err
	}
	s.d.Sessions.Close(sess.ID)
	return nil
}

// ChangePassword re-checks the old password, then rotates salt and key.
func (s *AuthServiceImpl) ChangePassword(ctx context.Context, oldPassword, newPassword, ip string) (datamigrate.PasswordChangeResult, error) {
	sess, err := requireSession(ctx)
	if err != nil {
		return datamigrate.PasswordChangeResult{}, err
	}
	if newPassword == "" {
		return datamigrate.PasswordChangeResult{}, errs.Invalid("new_password", "empty")
	}
	if _, err := s.checkPassword(ctx, sess.Username, oldPassword, ip, func() (*model.User, error) {
		return s.d.Users.GetByID(ctx, sess.UserID)
	}); err != nil {
		return datamigrate.PasswordChangeResult{}, err
	}
	return s.d.Migrator.MigrateOnPasswordChange(ctx, oldPassword, newPassword)
}

// DeleteAccount removes the caller's preferences, marks the account deleted
// and closes every session of the user.
func (s *AuthServiceImpl) DeleteAccount(ctx context.Context, password, ip string) error {
	sess, err := requireSession(ctx)
	if err != nil {
		return err
	}
	if _, err := s.checkPassword(ctx, sess.Username, password, ip, func() (*model.User, error) {
		return s.d.Users.GetByID(ctx, sess.UserID)
	}); err != nil {
		return err
	}
	if err := s.d.Prefs.DeleteUserPreferences(ctx, sess.UserID); err != nil {
		return err
	}
	if err := s.d.Users.SoftDelete(ctx, sess.UserID); err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	s.d.Sessions.CloseUser(sess.UserID, uuid.Nil)
	s.log.Info("account deleted", zap.Stringer("user_id", sess.UserID))
	return nil
}

func requireSession(ctx context.Context) (session.Session, error) {
	sess, ok := session.FromContext(ctx)
	if !ok {
		return session.Session{}, errs.ErrUnauthorized
	}
	return sess, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
