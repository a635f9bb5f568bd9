package local

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

// IdentityRecord is a registered identity.
type IdentityRecord struct {
	bun.BaseModel `bun:"table:identities,alias:idn"`

	ID             string         `bun:"id,pk" json:"id"`
	Email          string         `bun:"email,notnull,unique" json:"email"`
	PasswordHash   string         `bun:"password_hash,notnull" json:"-"`
	Metadata       map[string]any `bun:"metadata,type:jsonb" json:"metadata,omitempty"`
	ConfirmedAt    *time.Time     `bun:"confirmed_at,nullzero" json:"confirmed_at,omitempty"`
	LoginAttempts  int            `bun:"login_attempts,notnull,default:0" json:"-"`
	LoginAttemptAt *time.Time     `bun:"login_attempt_at,nullzero" json:"-"`
	LoggedInAt     *time.Time     `bun:"loggedin_at,nullzero" json:"loggedin_at,omitempty"`
	CreatedAt      *time.Time     `bun:"created_at,nullzero,default:current_timestamp" json:"created_at,omitempty"`
	UpdatedAt      *time.Time     `bun:"updated_at,nullzero,default:current_timestamp" json:"updated_at,omitempty"`
}

// DeviceSession is the session persisted for one device key.
type DeviceSession struct {
	bun.BaseModel `bun:"table:device_sessions,alias:dvs"`

	Device     string     `bun:"device,pk" json:"device"`
	IdentityID string     `bun:"identity_id,notnull" json:"identity_id"`
	Token      string     `bun:"token,notnull" json:"-"`
	ExpiresAt  time.Time  `bun:"expires_at,notnull" json:"expires_at"`
	CreatedAt  *time.Time `bun:"created_at,nullzero,default:current_timestamp" json:"created_at,omitempty"`
}

// Migrate creates the identities and device_sessions tables.
func Migrate(ctx context.Context, db bun.IDB) error {
	for _, model := range []any{(*IdentityRecord)(nil), (*DeviceSession)(nil)} {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create %T: %w", model, err)
		}
	}
	return nil
}
