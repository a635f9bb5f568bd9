package main

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sync"
	"time"

	persistence "github.com/goliatone/go-persistence-bun"

	account "github.com/petcare/go-account"
	"github.com/petcare/go-account/provider/local"
	"github.com/petcare/go-account/repository"
)

const migrationsDir = "data/sql/migrations"

//go:embed data/fixtures/*.yml
var fixturesFS embed.FS

var registerModels sync.Once

// persistenceConfig adapts the database section to go-persistence-bun.
type persistenceConfig struct {
	driver string
	dsn    string
	debug  bool
}

func (c persistenceConfig) GetDebug() bool { return c.debug }
func (c persistenceConfig) GetDriver() string { return c.driver }
func (c persistenceConfig) GetServer() string { return c.dsn }
func (c persistenceConfig) GetDSN() string { return c.dsn }
func (c persistenceConfig) GetPingTimeout() time.Duration { return 5 * time.Second }
func (c persistenceConfig) GetOtelIdentifier() string { return "petcare-account" }

// migrate applies the SQL migrations through go-persistence-bun and, when
// fixtures is set, replaces the profiles table with the demo fixtures.
func (a *app) migrate(ctx context.Context, fixtures bool) error {
	registerModels.Do(func() {
		persistence.RegisterModel((*account.Profile)(nil))
		persistence.RegisterModel((*local.IdentityRecord)(nil))
		persistence.RegisterModel((*local.DeviceSession)(nil))
	})

	cfg := persistenceConfig{
		driver: a.cfg.Database.Driver,
		dsn:    a.cfg.Database.DSN,
		debug:  a.cfg.App.LogLevel == "debug",
	}
	client, err := persistence.New(cfg, a.db.DB, a.db.Dialect())
	if err != nil {
		return fmt.Errorf("persistence client: %w", err)
	}

	migrations, err := fs.Sub(account.GetMigrationsFS(), migrationsDir)
	if err != nil {
		return err
	}
	client.RegisterDialectMigrations(
		migrations,
		persistence.WithDialectSourceLabel(migrationsDir),
	)
	if err := client.Migrate(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	// Tables a dialect has no migration for are created from the models.
	if err := repository.Migrate(ctx, a.db); err != nil {
		return err
	}
	if err := local.Migrate(ctx, a.db); err != nil {
		return err
	}

	if !fixtures {
		return nil
	}
	client.RegisterFixtures(fixturesFS).AddOptions(persistence.WithTrucateTables())
	if err := client.Seed(ctx); err != nil {
		return fmt.Errorf("load fixtures: %w", err)
	}
	return nil
}
