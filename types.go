package account

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Logger is the logging contract used across the package. Arguments after the
// message are key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Identity is the provider issued (id, email) pair for whoever is signed in.
type Identity struct {
	ID       string
	Email    string
	Metadata map[string]any
}

// Session binds the current process to an Identity.
type Session struct {
	Identity    Identity
	AccessToken string
	ExpiresAt   time.Time
}

// EventType enumerates the session change notifications a provider emits.
type EventType string

const (
	EventInitialSession   EventType = "INITIAL_SESSION"
	EventSignedIn         EventType = "SIGNED_IN"
	EventSignedOut        EventType = "SIGNED_OUT"
	EventTokenRefreshed   EventType = "TOKEN_REFRESHED"
	EventUserUpdated      EventType = "USER_UPDATED"
	EventPasswordRecovery EventType = "PASSWORD_RECOVERY"
)

// SessionEvent is delivered to subscribers of IdentityProvider.OnSessionChange.
// Session is nil for EventSignedOut.
type SessionEvent struct {
	Type    EventType
	Session *Session
}

// SessionHandler receives session change events in emission order.
type SessionHandler func(ctx context.Context, event SessionEvent)

// Subscription is returned by OnSessionChange. Unsubscribe must be idempotent.
type Subscription interface {
	Unsubscribe()
}

// Credentials holds the fields accepted by UpdateCredentials.
type Credentials struct {
	Password string
}

// SignUpResult is returned by IdentityProvider.SignUp. A nil Session means the
// identity must be confirmed before it can sign in.
type SignUpResult struct {
	Identity Identity
	Session  *Session
}

// IdentityProvider is the external authentication service.
type IdentityProvider interface {
	GetSession(ctx context.Context) (*Session, error)
	SignInWithPassword(ctx context.Context, email, password string) (*Session, error)
	SignUp(ctx context.Context, email, password string, metadata map[string]any) (*SignUpResult, error)
	SignOut(ctx context.Context) error
	UpdateCredentials(ctx context.Context, credentials Credentials) error
	OnSessionChange(handler SessionHandler) Subscription
}

// ProfileStore reads and writes the profiles table. FindByID and FindByEmail
// return (nil, nil) when no row matches; errors are reserved for transport
// and permission failures.
type ProfileStore interface {
	FindByID(ctx context.Context, id string) (*Profile, error)
	FindByEmail(ctx context.Context, email string) (*Profile, error)
	Insert(ctx context.Context, profile *Profile) (*Profile, error)
	Update(ctx context.Context, id string, patch ProfilePatch) (*Profile, error)
}

// RegistrationLedger tracks registrations in flight, keyed by normalized
// email. Release only removes the marker when token matches the one Hold
// returned.
type RegistrationLedger interface {
	Hold(ctx context.Context, email string) (token string, err error)
	Pending(ctx context.Context, email string) (bool, error)
	Release(ctx context.Context, email, token string) error
	Reset(ctx context.Context) error
}

// Config holds account options.
type Config interface {
	GetSettleDelay() time.Duration
	GetRegistrationTTL() time.Duration
	GetDemoEmail() string
	GetPhoneRegion() string
}

// NormalizeEmail lowercases and trims an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

type zapLogger struct {
	sugar *zap.SugaredLogger
}

// NewZapLogger adapts a zap logger to Logger.
func NewZapLogger(l *zap.Logger) Logger {
	if l == nil {
		l = zap.NewNop()
	}
	return zapLogger{sugar: l.Sugar()}
}

func (z zapLogger) Debug(msg string, args ...any) { z.sugar.Debugw(msg, args...) }
func (z zapLogger) Info(msg string, args ...any)  { z.sugar.Infow(msg, args...) }
func (z zapLogger) Warn(msg string, args ...any)  { z.sugar.Warnw(msg, args...) }
func (z zapLogger) Error(msg string, args ...any) { z.sugar.Errorw(msg, args...) }

func defaultLogger(name string) Logger {
	return NewZapLogger(zap.L().Named(name))
}
