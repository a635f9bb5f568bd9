package repository

import (
	"context"
	"database/sql"
	"errors"
	"log"

	"github.com/uptrace/bun"
)

// Manager groups the stores sharing one database handle.
type Manager struct {
	db       *bun.DB
	profiles *ProfileStore
	opts     []ProfileStoreOption
}

// NewManager returns a Manager over db.
func NewManager(db *bun.DB, opts ...ProfileStoreOption) *Manager {
	return &Manager{
		db:       db,
		profiles: NewProfileStore(db, opts...),
		opts:     opts,
	}
}

func (m *Manager) Validate() error {
	if m.db == nil {
		return errors.New("repository db should be initialized")
	}
	if m.profiles == nil {
		return errors.New("repository profiles should be initialized")
	}
	return nil
}

func (m *Manager) MustValidate() {
	if err := m.Validate(); err != nil {
		log.Panic(err)
	}
}

// RunInTx runs f with a ProfileStore bound to a transaction.
func (m *Manager) RunInTx(ctx context.Context, opts *sql.TxOptions, f func(ctx context.Context, profiles *ProfileStore) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return m.db.RunInTx(ctx, opts, func(ctx context.Context, tx bun.Tx) error {
			return f(ctx, NewProfileStore(tx, m.opts...))
		})
	}
}

func (m *Manager) Profiles() *ProfileStore {
	return m.profiles
}

func (m *Manager) DB() *bun.DB {
	return m.db
}
