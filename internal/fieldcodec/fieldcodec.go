// Package fieldcodec is the write/read contract module code calls around
// storage: it encrypts mapped fields on the way in and decrypts them on the
// way out, using the caller's session key and the user's preferences.
//
// Every field is processed in isolation. A failure on one field is logged
// with its module and field name and the original value is kept, so a
// multi-field save or read never aborts because of the cipher.
package fieldcodec

import (
	"context"
	"fmt"

	"github.com/and161185/habitstack/internal/crypto/fieldcipher"
	"github.com/and161185/habitstack/internal/errs"
	"github.com/and161185/habitstack/internal/model"
	"github.com/and161185/habitstack/internal/session"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// Preferences is the part of the preference store the codec reads.
type Preferences interface {
	GetUserPreferences(ctx context.Context, userID uuid.UUID) (map[string]bool, error)
}

// DisplayMode selects how the read path decides to decrypt.
type DisplayMode string

const (
	// DisplaySniff decrypts any value that looks like ciphertext.
	DisplaySniff DisplayMode = "sniff"
	// DisplayPreference decrypts only fields the user currently marks as
	// encrypted, and decrypts those unconditionally.
	DisplayPreference DisplayMode = "preference"
)

// ParseDisplayMode validates a configured mode.
func ParseDisplayMode(s string) (DisplayMode, error) {
	switch DisplayMode(s) {
	case DisplaySniff, DisplayPreference:
		return DisplayMode(s), nil
	}
	return "", errs.Invalid("display_mode", fmt.Sprintf("unknown mode %q", s))
}

// Options are the codec policies.
type Options struct {
	// RequireKeyOnWrite refuses to store a field marked for encryption
	// when the session holds no key.
	RequireKeyOnWrite bool
	Display           DisplayMode
}

// Service applies the field contract.
type Service struct {
	prefs  Preferences
	cipher *fieldcipher.Codec
	opts   Options
	log    *zap.Logger
}

// New constructs a Service. An empty display mode means DisplaySniff.
func New(prefs Preferences, cipher *fieldcipher.Codec, opts Options, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Display == "" {
		opts.Display = DisplaySniff
	}
	return &Service{prefs: prefs, cipher: cipher, opts: opts, log: log}
}

// guarded runs fn for one field and keeps orig if fn panics.
func (s *Service) guarded(module, field, orig string, fn func() string) (out string) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("field processing failed",
				zap.String("module", module), zap.String("field", field), zap.Any("reason", r))
			out = orig
		}
	}()
	return fn()
}

func (s *Service) preferencesFor(ctx context.Context, sess session.Session) (map[string]bool, error) {
	prefs, err := s.prefs.GetUserPreferences(ctx, sess.UserID)
	if err != nil {
		return nil, fmt.Errorf("load preferences: %w", err)
	}
	return prefs, nil
}

// ProcessForStorage takes values keyed by field name and returns a copy in
// which every mapped field is re-keyed to its storage column, encrypted when
// the user's preference says so. Unmapped keys are copied unchanged.
//
// Without a session nothing is encrypted. With a session but no key, fields
// marked for encryption are stored as plaintext, or rejected with
// errs.ErrNoActiveKey when RequireKeyOnWrite is set.
func (s *Service) ProcessForStorage(ctx context.Context, module string, mapping model.FieldMapping, data model.Values) (model.Values, error) {
	out := data.Clone()
	sess, ok := session.FromContext(ctx)

	var prefs map[string]bool
	if ok {
		var err error
		if prefs, err = s.preferencesFor(ctx, sess); err != nil {
			return nil, err
		}
	}

	for field, column := range mapping {
		v, present := data[field]
		if !present {
			continue
		}
		if field != column {
			delete(out, field)
		}
		out[column] = v
		if v == nil || *v == "" || !prefs[model.FieldKey(module, field)] {
			continue
		}
		if !sess.HasKey() && s.opts.RequireKeyOnWrite {
			return nil, fmt.Errorf("%s.%s: %w", module, field, errs.ErrNoActiveKey)
		}
		orig := *v
		enc := s.guarded(module, field, orig, func() string { return s.cipher.Encrypt(orig, sess.Key()) })
		out[column] = &enc
	}
	return out, nil
}

// ProcessForDisplay takes values keyed by storage column and returns a copy
// keyed by field name with mapped fields decrypted for presentation.
func (s *Service) ProcessForDisplay(ctx context.Context, module string, mapping model.FieldMapping, row model.Values) (model.Values, error) {
	out := row.Clone()
	sess, ok := session.FromContext(ctx)

	var prefs map[string]bool
	if ok && s.opts.Display == DisplayPreference {
		var err error
		if prefs, err = s.preferencesFor(ctx, sess); err != nil {
			return nil, err
		}
	}

	for field, column := range mapping {
		v, present := row[column]
		if !present {
			continue
		}
		if field != column {
			delete(out, column)
		}
		out[field] = v
		if v == nil || *v == "" || !ok {
			continue
		}
		orig := *v
		var dec string
		switch s.opts.Display {
		case DisplayPreference:
			if !prefs[model.FieldKey(module, field)] {
				continue
			}
			dec = s.guarded(module, field, orig, func() string { return s.cipher.Decrypt(orig, sess.Key()) })
		default:
			dec = s.guarded(module, field, orig, func() string { return s.cipher.SmartDecrypt(orig, sess.Key()) })
		}
		out[field] = &dec
	}
	return out, nil
}

// SmartDecryptField decrypts value if it looks like ciphertext. A nil key
// falls back to the session key.
func (s *Service) SmartDecryptField(ctx context.Context, value string, key []byte) string {
	if value == "" {
		return value
	}
	if len(key) == 0 {
		if sess, ok := session.FromContext(ctx); ok {
			key = sess.Key()
		}
	}
	if len(key) == 0 {
		return value
	}
	return s.guarded("", "", value, func() string { return s.cipher.SmartDecrypt(value, key) })
}

// BulkProcessForExport smart-decrypts every mapped column of every row,
// regardless of current preferences. Rows come back keyed by field name.
func (s *Service) BulkProcessForExport(ctx context.Context, module string, mapping model.FieldMapping, rows []model.Values, key []byte) []model.Values {
	if len(rows) == 0 {
		return rows
	}
	out := make([]model.Values, 0, len(rows))
	for _, row := range rows {
		r := row.Clone()
		for field, column := range mapping {
			v, present := row[column]
			if !present {
				continue
			}
			if field != column {
				delete(r, column)
			}
			r[field] = v
			if v == nil {
				continue
			}
			dec := s.SmartDecryptField(ctx, *v, key)
			r[field] = &dec
		}
		out = append(out, r)
	}
	return out
}

// FieldStatus describes the encryption state of one field for the caller.
type FieldStatus struct {
	HasSession  bool
	IsEncrypted bool
	CanEncrypt  bool
	UserID      uuid.UUID
}

// Status reports whether the caller has a session, whether the field is
// marked for encryption and whether a key is available to do it.
func (s *Service) Status(ctx context.Context, module, field string) (FieldStatus, error) {
	sess, ok := session.FromContext(ctx)
	if !ok {
		return FieldStatus{}, nil
	}
	prefs, err := s.preferencesFor(ctx, sess)
	if err != nil {
		return FieldStatus{}, err
	}
	return FieldStatus{
		HasSession:  true,
		IsEncrypted: prefs[model.FieldKey(module, field)],
		CanEncrypt:  sess.HasKey(),
		UserID:      sess.UserID,
	}, nil
}

// Ready reports whether ctx carries a session with a key.
func (s *Service) Ready(ctx context.Context) bool {
	sess, ok := session.FromContext(ctx)
	return ok && sess.UserID != uuid.Nil && sess.HasKey()
}
