// Package datamigrate brings stored rows in line with a user's current
// preferences and key: a preference sweep after settings change, and a
// full rotation when the password (and therefore salt and key) changes.
package datamigrate

import (
	"context"
	"fmt"
	"sync"

	pkgcrypto "github.com/and161185/habitstack/internal/crypto"
	"github.com/and161185/habitstack/internal/crypto/fieldcipher"
	"github.com/and161185/habitstack/internal/errs"
	"github.com/and161185/habitstack/internal/model"
	"github.com/and161185/habitstack/internal/modules"
	"github.com/and161185/habitstack/internal/repository"
	"github.com/and161185/habitstack/internal/session"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// Preferences is the part of the preference store the migrator reads.
type Preferences interface {
	GetUserPreferences(ctx context.Context, userID uuid.UUID) (map[string]bool, error)
}

// Sessions receives the new key after a rotation commits.
type Sessions interface {
	SetKey(id uuid.UUID, key []byte) error
	CloseUser(userID, keep uuid.UUID) int
}

// Deps are the Migrator's collaborators.
type Deps struct {
	Records  repository.RecordRepository
	Rotation repository.KeyRotationRepository
	Users    repository.UserRepository
	Prefs    Preferences
	Sessions Sessions
	KDF      *pkgcrypto.KDF
	// Modules defaults to modules.All().
	Modules []modules.Module
}

// Migrator runs at most one migration per user at a time.
type Migrator struct {
	d   Deps
	log *zap.Logger

	mu      sync.Mutex
	running map[uuid.UUID]struct{}
}

// New constructs a Migrator.
func New(d Deps, log *zap.Logger) *Migrator {
	if log == nil {
		log = zap.NewNop()
	}
	if d.Modules == nil {
		d.Modules = modules.All()
	}
	if d.KDF == nil {
		d.KDF = pkgcrypto.DefaultKDF()
	}
	return &Migrator{d: d, log: log, running: make(map[uuid.UUID]struct{})}
}

func (m *Migrator) acquire(userID uuid.UUID) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.running[userID]; busy {
		return nil, errs.ErrMigrationInProgress
	}
	m.running[userID] = struct{}{}
	return func() {
		m.mu.Lock()
		delete(m.running, userID)
		m.mu.Unlock()
	}, nil
}

// ScheduleReEncryption is the entry point used after a settings change.
// It runs the sweep inline.
func (m *Migrator) ScheduleReEncryption(ctx context.Context) (Result, error) {
	return m.ReEncryptUserData(ctx)
}

// ReEncryptUserData sweeps every module of the session's user, decrypting
// with the session key and re-encrypting per current preferences. Each
// module commits on its own; a failed module is recorded and the sweep
// moves on. The returned error is non-nil only when the sweep could not
// start.
func (m *Migrator) ReEncryptUserData(ctx context.Context) (Result, error) {
	sess, ok := session.FromContext(ctx)
	if !ok || !sess.HasKey() {
		return Result{}, errs.ErrNoActiveKey
	}
	release, err := m.acquire(sess.UserID)
	if err != nil {
		return Result{}, err
	}
	defer release()

	prefs, err := m.d.Prefs.GetUserPreferences(ctx, sess.UserID)
	if err != nil {
		return Result{}, fmt.Errorf("load preferences: %w", err)
	}

	res := Result{Success: true}
	for _, mod := range m.d.Modules {
		mr := ModuleResult{Module: mod.Name}
		var skipped int
		rewrite := func(_ context.Context, mod modules.Module, rec model.Record) (model.Values, error) {
			cols, s, err := preferenceRewrite(mod, rec, prefs, sess.Key())
			skipped += s
			return cols, err
		}
		n, err := m.d.Records.Sweep(ctx, sess.UserID, mod, rewrite)
		if err != nil {
			mr.Err = err
			m.log.Error("re-encrypt module failed",
				zap.Stringer("user_id", sess.UserID), zap.String("module", mod.Name), zap.Error(err))
		} else {
			mr.Updated, mr.Skipped = n, skipped
			res.ModulesProcessed++
			res.RecordsUpdated += n
			m.log.Info("re-encrypted module",
				zap.Stringer("user_id", sess.UserID), zap.String("module", mod.Name),
				zap.Int("updated", n), zap.Int("skipped", skipped))
		}
		res.Modules = append(res.Modules, mr)
	}
	return res, nil
}

// preferenceRewrite computes the new column values of one row. Values that
// look encrypted but do not open under key are never rewritten.
func preferenceRewrite(mod modules.Module, rec model.Record, prefs map[string]bool, key []byte) (model.Values, int, error) {
	var out model.Values
	skipped := 0
	for _, c := range mod.Columns {
		v := rec.Values[c.Column]
		if v == nil || *v == "" {
			continue
		}
		stored := *v
		sealed := fieldcipher.IsEncrypted(stored)
		plain := stored
		if sealed {
			pt, err := fieldcipher.Open(stored, key)
			if err != nil {
				skipped++
				continue
			}
			plain = pt
		}

		next := plain
		if prefs[model.FieldKey(mod.Name, c.Field)] {
			if sealed {
				continue
			}
			tok, err := fieldcipher.Seal(plain, key)
			if err != nil {
				return nil, 0, fmt.Errorf("%s.%s: %w", mod.Name, c.Field, err)
			}
			next = tok
		}
		if next == stored {
			continue
		}
		if out == nil {
			out = make(model.Values)
		}
		out[c.Column] = &next
	}
	return out, skipped, nil
}

// MigrateOnPasswordChange rotates the user's salt and key. Every module row
// is re-encrypted under the new key and the new secret is stored in a single
// transaction, so a failure leaves both the data and the old salt in place.
// Tokens that do not open under the old key are carried over unchanged and
// counted as skipped. The session receives the new key only after the
// commit; the user's other sessions are closed because they hold the old key.
func (m *Migrator) MigrateOnPasswordChange(ctx context.Context, oldPassword, newPassword string) (PasswordChangeResult, error) {
	sess, ok := session.FromContext(ctx)
	if !ok {
		return PasswordChangeResult{}, errs.ErrUnauthorized
	}
	if newPassword == "" {
		return PasswordChangeResult{}, errs.Invalid("new_password", "empty")
	}
	release, err := m.acquire(sess.UserID)
	if err != nil {
		return PasswordChangeResult{}, err
	}
	defer release()

	u, err := m.d.Users.GetByID(ctx, sess.UserID)
	if err != nil {
		return PasswordChangeResult{}, err
	}
	if !pkgcrypto.VerifyPassword(oldPassword, u.SaltAuth, u.PwdHash) {
		return PasswordChangeResult{}, errs.ErrUnauthorized
	}
	saltAuth, err := pkgcrypto.RandBytes(pkgcrypto.SaltLen)
	if err != nil {
		return PasswordChangeResult{}, err
	}
	newSalt, err := pkgcrypto.GenerateSalt()
	if err != nil {
		return PasswordChangeResult{}, err
	}
	newKey, err := m.d.KDF.DeriveKey(newPassword, newSalt)
	if err != nil {
		return PasswordChangeResult{}, err
	}
	defer wipe(newKey)
	secret := model.UserSecret{
		PwdHash:        pkgcrypto.HashPassword(newPassword, saltAuth),
		SaltAuth:       saltAuth,
		EncryptionSalt: newSalt,
	}

	if len(u.EncryptionSalt) == 0 {
		if err := m.d.Users.UpdateSecret(ctx, u.ID, secret); err != nil {
			return PasswordChangeResult{}, fmt.Errorf("update secret: %w", err)
		}
		m.installKey(sess, u.ID, newKey)
		return PasswordChangeResult{Success: true, Message: "No existing encrypted data to migrate"}, nil
	}

	oldKey, err := m.d.KDF.DeriveKey(oldPassword, u.EncryptionSalt)
	if err != nil {
		return PasswordChangeResult{}, err
	}
	defer wipe(oldKey)

	prefs, err := m.d.Prefs.GetUserPreferences(ctx, u.ID)
	if err != nil {
		return PasswordChangeResult{}, fmt.Errorf("load preferences: %w", err)
	}

	skipped := 0
	rewrite := func(_ context.Context, mod modules.Module, rec model.Record) (model.Values, error) {
		out, n, err := rotationRewrite(mod, rec, prefs, oldKey, newKey)
		skipped += n
		return out, err
	}
	n, err := m.d.Rotation.RotateSecret(ctx, u.ID, m.d.Modules, rewrite, secret)
	if err != nil {
		m.log.Error("password change migration failed", zap.Stringer("user_id", u.ID), zap.Error(err))
		return PasswordChangeResult{}, fmt.Errorf("rotate key: %w", err)
	}
	m.installKey(sess, u.ID, newKey)

	m.log.Info("password change migrated",
		zap.Stringer("user_id", u.ID), zap.Int("records", n), zap.Int("skipped", skipped))
	msg := fmt.Sprintf("Successfully migrated %d encrypted records", n)
	if skipped > 0 {
		msg += fmt.Sprintf(" (%d values could not be decrypted and were kept as stored)", skipped)
	}
	return PasswordChangeResult{
		Success:         true,
		RecordsMigrated: n,
		Skipped:         skipped,
		Message:         msg,
	}, nil
}

func (m *Migrator) installKey(sess session.Session, userID uuid.UUID, key []byte) {
	if err := m.d.Sessions.SetKey(sess.ID, key); err != nil {
		m.log.Warn("session ended during key rotation", zap.Stringer("session_id", sess.ID), zap.Error(err))
	}
	m.d.Sessions.CloseUser(userID, sess.ID)
}

// rotationRewrite decrypts with oldKey and re-encrypts under newKey per
// prefs. A token that does not open under oldKey is left as stored and
// counted in the returned skip count.
func rotationRewrite(mod modules.Module, rec model.Record, prefs map[string]bool, oldKey, newKey []byte) (model.Values, int, error) {
	var out model.Values
	skipped := 0
	for _, c := range mod.Columns {
		v := rec.Values[c.Column]
		if v == nil || *v == "" {
			continue
		}
		stored := *v
		plain := stored
		if fieldcipher.IsEncrypted(stored) {
			pt, err := fieldcipher.Open(stored, oldKey)
			if err != nil {
				skipped++
				continue
			}
			plain = pt
		}
		next := plain
		if prefs[model.FieldKey(mod.Name, c.Field)] {
			tok, err := fieldcipher.Seal(plain, newKey)
			if err != nil {
				return nil, 0, fmt.Errorf("%s.%s: %w", mod.Name, c.Field, err)
			}
			next = tok
		}
		if next == stored {
			continue
		}
		if out == nil {
			out = make(model.Values)
		}
		out[c.Column] = &next
	}
	return out, skipped, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
