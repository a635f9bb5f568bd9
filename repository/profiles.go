package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	repo "github.com/goliatone/go-repository-bun"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/uptrace/bun"

	account "github.com/petcare/go-account"
)

// ProfileStoreOption customizes a ProfileStore.
type ProfileStoreOption func(*ProfileStore)

// WithClock injects the clock used to stamp created_at and updated_at.
func WithClock(clock func() time.Time) ProfileStoreOption {
	return func(s *ProfileStore) {
		if clock != nil {
			s.now = clock
		}
	}
}

// ProfileStore implements account.ProfileStore using Bun.
type ProfileStore struct {
	db  bun.IDB
	now func() time.Time
}

var _ account.ProfileStore = (*ProfileStore)(nil)

// NewProfileStore returns a store over db, which may be a *bun.DB or a bun.Tx.
func NewProfileStore(db bun.IDB, opts ...ProfileStoreOption) *ProfileStore {
	s := &ProfileStore{db: db, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// FindByID implements account.ProfileStore.
func (s *ProfileStore) FindByID(ctx context.Context, id string) (*account.Profile, error) {
	return s.findOne(ctx, "id", id)
}

// FindByEmail implements account.ProfileStore.
func (s *ProfileStore) FindByEmail(ctx context.Context, email string) (*account.Profile, error) {
	return s.findOne(ctx, "email", account.NormalizeEmail(email))
}

func (s *ProfileStore) findOne(ctx context.Context, column, value string) (*account.Profile, error) {
	record := &account.Profile{}
	err := s.db.NewSelect().
		Model(record).
		Where(fmt.Sprintf("?TableAlias.%s = ?", column), value).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if repo.IsRecordNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}

// Insert implements account.ProfileStore. A duplicate id or email is
// reported as account.ErrProfileConflict.
func (s *ProfileStore) Insert(ctx context.Context, profile *account.Profile) (*account.Profile, error) {
	if profile == nil || profile.ID == "" {
		return nil, errors.New("profile id is required")
	}
	record := profile.Clone()
	record.Email = account.NormalizeEmail(record.Email)
	now := s.now().UTC()
	record.CreatedAt = &now
	record.UpdatedAt = &now

	if _, err := s.db.NewInsert().Model(record).Exec(ctx); err != nil {
		return nil, mapWriteError(err)
	}
	return record, nil
}

// Update implements account.ProfileStore. It always stamps updated_at and
// returns (nil, nil) when no row has id.
func (s *ProfileStore) Update(ctx context.Context, id string, patch account.ProfilePatch) (*account.Profile, error) {
	q := s.db.NewUpdate().
		Table("profiles").
		Set("updated_at = ?", s.now().UTC()).
		Where("id = ?", id)

	for _, col := range patchColumns(patch) {
		q = q.Set("? = ?", bun.Ident(col.name), col.value)
	}

	res, err := q.Exec(ctx)
	if err != nil {
		return nil, mapWriteError(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, nil
	}

	if patch.ID != nil {
		id = *patch.ID
	}
	return s.FindByID(ctx, id)
}

type columnValue struct {
	name  string
	value string
}

func patchColumns(p account.ProfilePatch) []columnValue {
	values := map[string]*string{
		"id":             p.ID,
		"name":           p.Name,
		"profession":     p.Profession,
		"clinic_name":    p.ClinicName,
		"license_number": p.LicenseNumber,
		"phone":          p.Phone,
	}
	cols := make([]columnValue, 0, len(values))
	for _, name := range p.Columns() {
		cols = append(cols, columnValue{name: name, value: *values[name]})
	}
	return cols
}

func mapWriteError(err error) error {
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %w", account.ErrProfileConflict, err)
	}
	return err
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "PRIMARY KEY constraint failed")
}
