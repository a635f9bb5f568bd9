package local

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"go.uber.org/zap"

	account "github.com/petcare/go-account"
)

const (
	// DefaultDevice is the device key used unless WithDevice is given.
	DefaultDevice = "default"
	// DefaultTokenTTL is how long a session token stays valid.
	DefaultTokenTTL = 24 * time.Hour
	// DefaultIssuer is the iss claim of session tokens.
	DefaultIssuer = "petcare"
)

// MaxLoginAttempts is the number of failed attempts allowed within CoolDown.
var MaxLoginAttempts = 5

// CoolDown is the window after the last failed attempt during which failures
// keep counting.
var CoolDown = 24 * time.Hour

// Option customizes a Provider.
type Option func(*Provider)

// WithRequireConfirmation makes SignUp withhold the session until Confirm is
// called for the email.
func WithRequireConfirmation(required bool) Option {
	return func(p *Provider) {
		p.requireConfirmation = required
	}
}

// WithBcryptCost overrides DefaultPasswordCost.
func WithBcryptCost(cost int) Option {
	return func(p *Provider) {
		p.cost = cost
	}
}

// WithTokenTTL overrides DefaultTokenTTL.
func WithTokenTTL(ttl time.Duration) Option {
	return func(p *Provider) {
		if ttl > 0 {
			p.tokenTTL = ttl
		}
	}
}

// WithIssuer overrides DefaultIssuer.
func WithIssuer(issuer string) Option {
	return func(p *Provider) {
		if issuer != "" {
			p.issuer = issuer
		}
	}
}

// WithDevice sets the key under which the session is persisted.
func WithDevice(device string) Option {
	return func(p *Provider) {
		if device != "" {
			p.device = device
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(logger account.Logger) Option {
	return func(p *Provider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithClock injects a custom clock (useful for tests).
func WithClock(clock func() time.Time) Option {
	return func(p *Provider) {
		if clock != nil {
			p.now = clock
		}
	}
}

// Provider implements account.IdentityProvider over a bun database.
type Provider struct {
	db     bun.IDB
	tokens *TokenService
	events *hub

	// mu orders state changes with the events that announce them.
	mu sync.Mutex

	signingKey          []byte
	requireConfirmation bool
	cost                int
	tokenTTL            time.Duration
	issuer              string
	device              string
	logger              account.Logger
	now                 func() time.Time
}

var _ account.IdentityProvider = (*Provider)(nil)

// New creates a Provider. signingKey signs session tokens and must be stable
// across restarts for persisted sessions to be restored.
func New(db bun.IDB, signingKey []byte, opts ...Option) (*Provider, error) {
	if len(signingKey) == 0 {
		return nil, goerrors.New("signing key is required", goerrors.CategoryValidation).
			WithTextCode("LOCAL_SIGNING_KEY_REQUIRED")
	}
	p := &Provider{
		db:         db,
		events:     newHub(),
		signingKey: signingKey,
		cost:       DefaultPasswordCost,
		tokenTTL:   DefaultTokenTTL,
		issuer:     DefaultIssuer,
		device:     DefaultDevice,
		logger:     account.NewZapLogger(zap.L().Named("provider.local")),
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	p.tokens = NewTokenService(p.signingKey, p.tokenTTL, p.issuer, p.now)
	return p, nil
}

// Close stops event delivery to every subscriber.
func (p *Provider) Close() {
	p.events.close()
}

// OnSessionChange registers handler for session changes.
func (p *Provider) OnSessionChange(handler account.SessionHandler) account.Subscription {
	return p.events.subscribe(handler)
}

// GetSession restores the session persisted for the device. An expired or
// tampered token is discarded and reported as no session.
func (p *Provider) GetSession(ctx context.Context) (*account.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentSession(ctx)
}

// SignInWithPassword verifies the credentials and persists a new session.
func (p *Provider) SignInWithPassword(ctx context.Context, email, password string) (*account.Session, error) {
	email = account.NormalizeEmail(email)

	p.mu.Lock()
	defer p.mu.Unlock()

	record, err := p.findByEmail(ctx, email)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to retrieve identity during sign in")
	}
	if record == nil {
		return nil, ErrInvalidCredentials
	}

	if record.LoginAttemptAt != nil && p.now().Sub(*record.LoginAttemptAt) > CoolDown {
		record.LoginAttempts = 0
	}
	if record.LoginAttempts >= MaxLoginAttempts {
		return nil, ErrTooManyLoginAttempts
	}

	if err := ComparePasswordAndHash(password, record.PasswordHash); err != nil {
		if err2 := p.trackAttempt(ctx, record); err2 != nil {
			return nil, goerrors.Wrap(err2, goerrors.CategoryInternal, "failed to track login attempt")
		}
		return nil, ErrInvalidCredentials
	}

	if p.requireConfirmation && record.ConfirmedAt == nil {
		return nil, ErrEmailNotConfirmed
	}

	if err := p.trackLogin(ctx, record); err != nil {
		p.logger.Error("failed to track successful login", "error", err)
	}

	session, err := p.issue(ctx, record)
	if err != nil {
		return nil, err
	}
	p.events.publish(account.SessionEvent{Type: account.EventSignedIn, Session: session})
	return session, nil
}

// SignUp creates an identity. Unless confirmation is required the identity is
// signed in right away.
func (p *Provider) SignUp(ctx context.Context, email, password string, metadata map[string]any) (*account.SignUpResult, error) {
	email = account.NormalizeEmail(email)
	if email == "" {
		return nil, goerrors.New("email is required", goerrors.CategoryBadInput).
			WithCode(goerrors.CodeBadRequest)
	}

	hash, err := HashPassword(password, p.cost)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryBadInput, "failed to hash password")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	existing, err := p.findByEmail(ctx, email)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to check existing identity")
	}
	if existing != nil {
		return nil, ErrEmailTaken
	}

	now := p.now().UTC()
	record := &IdentityRecord{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		Metadata:     metadata,
		CreatedAt:    &now,
		UpdatedAt:    &now,
	}
	if !p.requireConfirmation {
		record.ConfirmedAt = &now
	}

	if _, err := p.db.NewInsert().Model(record).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrEmailTaken
		}
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to create identity")
	}

	result := &account.SignUpResult{Identity: toIdentity(record)}
	if p.requireConfirmation {
		p.logger.Info("identity awaiting confirmation", "email", email)
		return result, nil
	}

	session, err := p.issue(ctx, record)
	if err != nil {
		return nil, err
	}
	result.Session = session
	p.events.publish(account.SessionEvent{Type: account.EventSignedIn, Session: session})
	return result, nil
}

// Confirm marks the identity for email as confirmed.
func (p *Provider) Confirm(ctx context.Context, email string) error {
	email = account.NormalizeEmail(email)
	res, err := p.db.NewUpdate().
		Table("identities").
		Set("confirmed_at = ?", p.now().UTC()).
		Set("updated_at = ?", p.now().UTC()).
		Where("email = ?", email).
		Exec(ctx)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to confirm identity")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrIdentityNotFound
	}
	return nil
}

// SignOut discards the device session. SIGNED_OUT is emitted even when no
// session was stored.
func (p *Provider) SignOut(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := p.db.NewDelete().
		Model((*DeviceSession)(nil)).
		Where("device = ?", p.device).
		Exec(ctx); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to delete device session")
	}
	p.events.publish(account.SessionEvent{Type: account.EventSignedOut})
	return nil
}

// UpdateCredentials replaces the password of the signed in identity.
func (p *Provider) UpdateCredentials(ctx context.Context, credentials account.Credentials) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	session, err := p.currentSession(ctx)
	if err != nil {
		return err
	}
	if session == nil {
		return ErrNotSignedIn
	}

	hash, err := HashPassword(credentials.Password, p.cost)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryBadInput, "failed to hash password")
	}

	if _, err := p.db.NewUpdate().
		Table("identities").
		Set("password_hash = ?", hash).
		Set("login_attempts = 0").
		Set("updated_at = ?", p.now().UTC()).
		Where("id = ?", session.Identity.ID).
		Exec(ctx); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to update credentials")
	}

	p.events.publish(account.SessionEvent{Type: account.EventUserUpdated, Session: session})
	return nil
}

func (p *Provider) currentSession(ctx context.Context) (*account.Session, error) {
	stored := new(DeviceSession)
	err := p.db.NewSelect().Model(stored).Where("?TableAlias.device = ?", p.device).Limit(1).Scan(ctx)
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to load device session")
	}

	claims, err := p.tokens.Validate(stored.Token)
	if err != nil {
		p.logger.Info("discarding device session", "device", p.device, "error", err)
		p.discard(ctx)
		return nil, nil
	}

	record := new(IdentityRecord)
	err = p.db.NewSelect().Model(record).Where("?TableAlias.id = ?", claims.Subject).Limit(1).Scan(ctx)
	if isNotFound(err) {
		p.discard(ctx)
		return nil, nil
	}
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to load session identity")
	}

	return &account.Session{
		Identity:    toIdentity(record),
		AccessToken: stored.Token,
		ExpiresAt:   stored.ExpiresAt,
	}, nil
}

func (p *Provider) discard(ctx context.Context) {
	if _, err := p.db.NewDelete().
		Model((*DeviceSession)(nil)).
		Where("device = ?", p.device).
		Exec(ctx); err != nil {
		p.logger.Warn("failed to discard device session", "device", p.device, "error", err)
	}
}

func (p *Provider) issue(ctx context.Context, record *IdentityRecord) (*account.Session, error) {
	token, expiresAt, err := p.tokens.Generate(record.ID, record.Email)
	if err != nil {
		return nil, err
	}

	now := p.now().UTC()
	stored := &DeviceSession{
		Device:     p.device,
		IdentityID: record.ID,
		Token:      token,
		ExpiresAt:  expiresAt.UTC(),
		CreatedAt:  &now,
	}
	if _, err := p.db.NewInsert().
		Model(stored).
		On("CONFLICT (device) DO UPDATE").
		Set("identity_id = EXCLUDED.identity_id").
		Set("token = EXCLUDED.token").
		Set("expires_at = EXCLUDED.expires_at").
		Set("created_at = EXCLUDED.created_at").
		Exec(ctx); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to persist device session")
	}

	return &account.Session{
		Identity:    toIdentity(record),
		AccessToken: token,
		ExpiresAt:   stored.ExpiresAt,
	}, nil
}

func (p *Provider) findByEmail(ctx context.Context, email string) (*IdentityRecord, error) {
	record := new(IdentityRecord)
	err := p.db.NewSelect().Model(record).Where("?TableAlias.email = ?", email).Limit(1).Scan(ctx)
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (p *Provider) trackAttempt(ctx context.Context, record *IdentityRecord) error {
	now := p.now().UTC()
	_, err := p.db.NewUpdate().
		Table("identities").
		Set("login_attempts = ?", record.LoginAttempts+1).
		Set("login_attempt_at = ?", now).
		Where("id = ?", record.ID).
		Exec(ctx)
	return err
}

func (p *Provider) trackLogin(ctx context.Context, record *IdentityRecord) error {
	now := p.now().UTC()
	_, err := p.db.NewUpdate().
		Table("identities").
		Set("login_attempts = 0").
		Set("login_attempt_at = NULL").
		Set("loggedin_at = ?", now).
		Where("id = ?", record.ID).
		Exec(ctx)
	return err
}

func isNotFound(err error) bool {
	return repository.IsRecordNotFound(err) || errors.Is(err, sql.ErrNoRows)
}

func toIdentity(record *IdentityRecord) account.Identity {
	return account.Identity{
		ID:       record.ID,
		Email:    record.Email,
		Metadata: record.Metadata,
	}
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "SQLSTATE 23505")
}
