package account

import (
	"embed"
)

//go:embed data/sql/migrations
var migrationsFS embed.FS

// GetMigrationsFS returns the SQL migrations for the profiles table and the
// local provider's identities and device_sessions tables.
func GetMigrationsFS() embed.FS {
	return migrationsFS
}
