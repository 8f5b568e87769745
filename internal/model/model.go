// Package model defines domain entities used by services and repositories.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// KeySeparator joins module and field name into a field key.
const KeySeparator = "_"

// FieldKey is the single derivation of a flat preference key from module and field.
func FieldKey(module, fieldName string) string {
	return module + KeySeparator + fieldName
}

// EncryptableField describes one attribute users may choose to encrypt.
// Identity is (Module, FieldName).
type EncryptableField struct {
	Module       string
	FieldName    string
	DisplayName  string
	Description  string
	Recommended  bool
	VersionAdded string
}

// Key returns FieldKey(f.Module, f.FieldName).
func (f EncryptableField) Key() string { return FieldKey(f.Module, f.FieldName) }

// Same reports whether two descriptors name the same field.
func (f EncryptableField) Same(o EncryptableField) bool {
	return f.Module == o.Module && f.FieldName == o.FieldName
}

// ModuleFields is one module's fields, in registry order.
type ModuleFields struct {
	Module string
	Fields []EncryptableField
}

// Preference is a user's stored encrypt/plain choice for one field key.
type Preference struct {
	UserID    uuid.UUID
	FieldKey  string
	Encrypted bool
	UpdatedAt time.Time
}

// PrivacyLevel buckets the share of encrypted fields for display.
type PrivacyLevel string

const (
	PrivacyUnknown PrivacyLevel = "unknown"
	PrivacyNone    PrivacyLevel = "none"
	PrivacyLow     PrivacyLevel = "low"
	PrivacyMedium  PrivacyLevel = "medium"
	PrivacyHigh    PrivacyLevel = "high"
)

// EncryptionSummary is advisory; encryption decisions never read it.
type EncryptionSummary struct {
	TotalFields     int
	EncryptedFields int
	Ratio           float64
	HasPreferences  bool
	PrivacyLevel    PrivacyLevel
}

// User represents an account. The field-encryption key itself is never stored.
type User struct {
	ID             uuid.UUID // PK
	Username       string    // unique
	PwdHash        []byte    // Argon2id(password, SaltAuth)
	SaltAuth       []byte    // per-user login salt
	EncryptionSalt []byte    // per-user PBKDF2 salt, nil until first key setup
	CreatedAt      time.Time
	DeletedAt      *time.Time
}

// UserSecret is the credential material rotated together on password change.
type UserSecret struct {
	PwdHash        []byte
	SaltAuth       []byte
	EncryptionSalt []byte
}

// Values maps a field or column name to its value; nil means SQL NULL.
type Values map[string]*string

// Clone returns a shallow copy; pointed-to strings are immutable.
func (v Values) Clone() Values {
	out := make(Values, len(v))
	for k, p := range v {
		out[k] = p
	}
	return out
}

// FieldMapping maps a semantic field name to its storage column.
type FieldMapping map[string]string

// Str returns a pointer to s.
func Str(s string) *string { return &s }

// Record is one module row owned by a user: its id and mapped column values.
type Record struct {
	ID     int64
	Values Values
}
