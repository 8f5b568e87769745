// Package memory is an in-process implementation of the repository
// interfaces. It backs -storage=memory and the service-level tests.
// Multi-row operations stage their writes and apply them only when every
// step succeeded, so they are all-or-nothing like the postgres versions.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/and161185/habitstack/internal/errs"
	"github.com/and161185/habitstack/internal/model"
	"github.com/and161185/habitstack/internal/modules"
	"github.com/and161185/habitstack/internal/repository"
	"github.com/gofrs/uuid/v5"
)

var (
	_ repository.UserRepository        = (*Store)(nil)
	_ repository.FieldRepository       = (*FieldStore)(nil)
	_ repository.PreferenceRepository  = (*Store)(nil)
	_ repository.RecordRepository      = (*Store)(nil)
	_ repository.KeyRotationRepository = (*Store)(nil)
)

type row struct {
	userID uuid.UUID
	rec    model.Record
}

// Store holds users, preferences and module rows behind one mutex.
type Store struct {
	mu     sync.Mutex
	users  map[uuid.UUID]*model.User
	prefs  map[uuid.UUID]map[string]model.Preference
	tables map[string][]row // by table name, in id order
	nextID int64
	now    func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		users:  make(map[uuid.UUID]*model.User),
		prefs:  make(map[uuid.UUID]map[string]model.Preference),
		tables: make(map[string][]row),
		now:    time.Now,
	}
}

func cloneUser(u *model.User) *model.User {
	c := *u
	c.PwdHash = append([]byte(nil), u.PwdHash...)
	c.SaltAuth = append([]byte(nil), u.SaltAuth...)
	if u.EncryptionSalt != nil {
		c.EncryptionSalt = append([]byte(nil), u.EncryptionSalt...)
	}
	return &c
}

func (s *Store) live(id uuid.UUID) (*model.User, bool) {
	u, ok := s.users[id]
	if !ok || u.DeletedAt != nil {
		return nil, false
	}
	return u, true
}

// Create inserts u; usernames are unique among live users.
func (s *Store) Create(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, have := range s.users {
		if have.DeletedAt == nil && have.Username == u.Username {
			return errs.ErrAlreadyExists
		}
	}
	if _, ok := s.users[u.ID]; ok {
		return errs.ErrAlreadyExists
	}
	c := cloneUser(u)
	c.CreatedAt = s.now()
	s.users[u.ID] = c
	return nil
}

func (s *Store) GetByID(_ context.Context, id uuid.UUID) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.live(id)
	if !ok {
		return nil, errs.ErrNotFound
	}
	return cloneUser(u), nil
}

func (s *Store) GetByUsername(_ context.Context, username string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.DeletedAt == nil && u.Username == username {
			return cloneUser(u), nil
		}
	}
	return nil, errs.ErrNotFound
}

func (s *Store) SetEncryptionSaltIfEmpty(_ context.Context, id uuid.UUID, salt []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.live(id)
	if !ok || u.EncryptionSalt != nil {
		return errs.ErrAlreadyExists
	}
	u.EncryptionSalt = append([]byte(nil), salt...)
	return nil
}

func (s *Store) UpdateSecret(_ context.Context, id uuid.UUID, sec model.UserSecret) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateSecretLocked(id, sec)
}

func (s *Store) updateSecretLocked(id uuid.UUID, sec model.UserSecret) error {
	u, ok := s.live(id)
	if !ok {
		return errs.ErrNotFound
	}
	u.PwdHash = append([]byte(nil), sec.PwdHash...)
	u.SaltAuth = append([]byte(nil), sec.SaltAuth...)
	u.EncryptionSalt = append([]byte(nil), sec.EncryptionSalt...)
	return nil
}

func (s *Store) SoftDelete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.live(id)
	if !ok {
		return errs.ErrNotFound
	}
	t := s.now()
	u.DeletedAt = &t
	return nil
}

// ListByUser returns preferences ordered by field key.
func (s *Store) ListByUser(_ context.Context, userID uuid.UUID) ([]model.Preference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Preference
	for _, p := range s.prefs[userID] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FieldKey < out[j].FieldKey })
	return out, nil
}

func (s *Store) putPref(userID uuid.UUID, key string, enc bool) {
	m := s.prefs[userID]
	if m == nil {
		m = make(map[string]model.Preference)
		s.prefs[userID] = m
	}
	m[key] = model.Preference{UserID: userID, FieldKey: key, Encrypted: enc, UpdatedAt: s.now()}
}

func (s *Store) Upsert(_ context.Context, userID uuid.UUID, fieldKey string, encrypted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putPref(userID, fieldKey, encrypted)
	return nil
}

func (s *Store) UpsertMany(_ context.Context, userID uuid.UUID, prefs map[string]bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range prefs {
		s.putPref(userID, k, v)
	}
	return nil
}

func (s *Store) ReplaceAll(_ context.Context, userID uuid.UUID, prefs map[string]bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.prefs, userID)
	for k, v := range prefs {
		s.putPref(userID, k, v)
	}
	return nil
}

func (s *Store) DeleteAll(_ context.Context, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.prefs, userID)
	return nil
}

func (s *Store) Rename(_ context.Context, userID uuid.UUID, oldKey, newKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.prefs[userID]
	p, ok := m[oldKey]
	if !ok {
		return false, nil
	}
	delete(m, oldKey)
	s.putPref(userID, newKey, p.Encrypted)
	return true, nil
}

func checkCols(m modules.Module, cols model.Values) error {
	known := make(map[string]bool, len(m.Columns))
	for _, c := range m.ColumnNames() {
		known[c] = true
	}
	for c := range cols {
		if !known[c] {
			return errs.Invalid("column", fmt.Sprintf("%s has no column %q", m.Name, c))
		}
	}
	return nil
}

// Insert stores a row with every catalog column present; missing columns are NULL.
func (s *Store) Insert(_ context.Context, userID uuid.UUID, m modules.Module, cols model.Values) (int64, error) {
	if err := checkCols(m, cols); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	vals := make(model.Values, len(m.Columns))
	for _, c := range m.ColumnNames() {
		vals[c] = cols[c]
	}
	s.tables[m.Table] = append(s.tables[m.Table], row{userID: userID, rec: model.Record{ID: s.nextID, Values: vals}})
	return s.nextID, nil
}

func (s *Store) find(userID uuid.UUID, m modules.Module, id int64) (int, bool) {
	for i, r := range s.tables[m.Table] {
		if r.userID == userID && r.rec.ID == id {
			return i, true
		}
	}
	return 0, false
}

func (s *Store) Update(_ context.Context, userID uuid.UUID, m modules.Module, id int64, cols model.Values) error {
	if err := checkCols(m, cols); err != nil {
		return err
	}
	if len(cols) == 0 {
		return errs.Invalid("columns", "nothing to update")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.find(userID, m, id)
	if !ok {
		return errs.ErrNotFound
	}
	s.apply(m, i, cols)
	return nil
}

func (s *Store) apply(m modules.Module, i int, cols model.Values) {
	vals := s.tables[m.Table][i].rec.Values.Clone()
	for c, v := range cols {
		vals[c] = v
	}
	s.tables[m.Table][i].rec.Values = vals
}

func (s *Store) Get(_ context.Context, userID uuid.UUID, m modules.Module, id int64) (*model.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.find(userID, m, id)
	if !ok {
		return nil, errs.ErrNotFound
	}
	rec := s.tables[m.Table][i].rec
	rec.Values = rec.Values.Clone()
	return &rec, nil
}

func (s *Store) List(_ context.Context, userID uuid.UUID, m modules.Module) ([]model.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked(userID, m), nil
}

func (s *Store) listLocked(userID uuid.UUID, m modules.Module) []model.Record {
	var out []model.Record
	for _, r := range s.tables[m.Table] {
		if r.userID == userID {
			rec := r.rec
			rec.Values = rec.Values.Clone()
			out = append(out, rec)
		}
	}
	return out
}

func (s *Store) Delete(_ context.Context, userID uuid.UUID, m modules.Module, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.find(userID, m, id)
	if !ok {
		return errs.ErrNotFound
	}
	t := s.tables[m.Table]
	s.tables[m.Table] = append(t[:i:i], t[i+1:]...)
	return nil
}

type staged struct {
	m    modules.Module
	id   int64
	cols model.Values
}

// stageLocked runs fn over the user's rows of m without writing anything.
func (s *Store) stageLocked(ctx context.Context, userID uuid.UUID, m modules.Module, fn repository.RowRewriter) ([]staged, error) {
	var out []staged
	for _, rec := range s.listLocked(userID, m) {
		cols, err := fn(ctx, m, rec)
		if err != nil {
			return nil, err
		}
		if len(cols) == 0 {
			continue
		}
		if err := checkCols(m, cols); err != nil {
			return nil, err
		}
		out = append(out, staged{m: m, id: rec.ID, cols: cols})
	}
	return out, nil
}

func (s *Store) commitLocked(userID uuid.UUID, writes []staged) {
	for _, w := range writes {
		if i, ok := s.find(userID, w.m, w.id); ok {
			s.apply(w.m, i, w.cols)
		}
	}
}

// Sweep rewrites the user's rows of m; nothing is written if fn fails.
// fn runs with the store locked and must not call back into s.
func (s *Store) Sweep(ctx context.Context, userID uuid.UUID, m modules.Module, fn repository.RowRewriter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writes, err := s.stageLocked(ctx, userID, m, fn)
	if err != nil {
		return 0, err
	}
	s.commitLocked(userID, writes)
	return len(writes), nil
}

// RotateSecret stages every module and the secret, then applies them together.
func (s *Store) RotateSecret(ctx context.Context, userID uuid.UUID, mods []modules.Module, fn repository.RowRewriter, secret model.UserSecret) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live(userID); !ok {
		return 0, errs.ErrNotFound
	}
	var all []staged
	for _, m := range mods {
		w, err := s.stageLocked(ctx, userID, m, fn)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", m.Name, err)
		}
		all = append(all, w...)
	}
	s.commitLocked(userID, all)
	if err := s.updateSecretLocked(userID, secret); err != nil {
		return 0, err
	}
	return len(all), nil
}

// FieldStore is an in-memory field catalog.
type FieldStore struct {
	mu     sync.Mutex
	fields []model.EncryptableField
}

// NewFieldStore returns an empty catalog.
func NewFieldStore() *FieldStore { return &FieldStore{} }

func (f *FieldStore) InsertIgnore(_ context.Context, fld model.EncryptableField) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, have := range f.fields {
		if have.Same(fld) {
			return nil
		}
	}
	f.fields = append(f.fields, fld)
	return nil
}

// List returns fields ordered by module and field name.
func (f *FieldStore) List(_ context.Context) ([]model.EncryptableField, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.EncryptableField, len(f.fields))
	copy(out, f.fields)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Module != out[j].Module {
			return out[i].Module < out[j].Module
		}
		return out[i].FieldName < out[j].FieldName
	})
	return out, nil
}
