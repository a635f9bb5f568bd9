package account

import (
	"context"
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"go.opentelemetry.io/otel/trace"

	"github.com/petcare/go-account/ledger"
)

type facadeOptions struct {
	config      Config
	ledger      RegistrationLedger
	logger      Logger
	sink        ActivitySink
	settleDelay *time.Duration
	defaults    DefaultsFunc
	clock       func() time.Time
	tracer      trace.Tracer
	phoneRegion string
}

// Option customizes a Facade.
type Option func(*facadeOptions)

// WithConfig reads settle delay, ledger TTL, demo email and phone region from
// cfg. Options given after it take precedence.
func WithConfig(cfg Config) Option {
	return func(o *facadeOptions) {
		if cfg != nil {
			o.config = cfg
		}
	}
}

// WithLedger replaces the in-process registration ledger.
func WithLedger(l RegistrationLedger) Option {
	return func(o *facadeOptions) {
		if l != nil {
			o.ledger = l
		}
	}
}

// WithLogger sets the logger shared by every component.
func WithLogger(logger Logger) Option {
	return func(o *facadeOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithActivitySink publishes activity from every component to sink.
func WithActivitySink(sink ActivitySink) Option {
	return func(o *facadeOptions) {
		o.sink = sink
	}
}

// WithSettleDelay overrides the pause between sign-up and the profile write.
func WithSettleDelay(d time.Duration) Option {
	return func(o *facadeOptions) {
		o.settleDelay = &d
	}
}

// WithDefaults overrides how auto-created profiles are built.
func WithDefaults(defaults DefaultsFunc) Option {
	return func(o *facadeOptions) {
		if defaults != nil {
			o.defaults = defaults
		}
	}
}

// WithClock injects a custom clock (useful for tests).
func WithClock(clock func() time.Time) Option {
	return func(o *facadeOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithTracer sets the tracer for resolution and registration spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *facadeOptions) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

// WithPhoneRegion sets the region for phone numbers without a country prefix.
func WithPhoneRegion(region string) Option {
	return func(o *facadeOptions) {
		if region != "" {
			o.phoneRegion = region
		}
	}
}

// Facade is the entry point application code uses for authentication and the
// current user's profile.
type Facade struct {
	provider IdentityProvider
	store    ProfileStore

	machine   *PhaseMachine
	resolver  *Resolver
	monitor   *Monitor
	registrar *Registrar

	phoneRegion string
	sink        ActivitySink
	logger      Logger
	now         func() time.Time
}

// New wires a Facade over provider and store. Call Start to begin following
// the provider's session.
func New(provider IdentityProvider, store ProfileStore, opts ...Option) *Facade {
	o := &facadeOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}

	settleDelay := DefaultSettleDelay
	ttl := ledger.DefaultTTL
	demoEmail := DemoEmail
	region := DefaultPhoneRegion
	if o.config != nil {
		settleDelay = o.config.GetSettleDelay()
		if v := o.config.GetRegistrationTTL(); v > 0 {
			ttl = v
		}
		if v := o.config.GetDemoEmail(); v != "" {
			demoEmail = v
		}
		if v := o.config.GetPhoneRegion(); v != "" {
			region = v
		}
	}
	if o.settleDelay != nil {
		settleDelay = *o.settleDelay
	}
	if o.phoneRegion != "" {
		region = o.phoneRegion
	}

	logger := o.logger
	if logger == nil {
		logger = defaultLogger("account")
	}
	sink := normalizeActivitySink(o.sink)
	clock := o.clock
	if clock == nil {
		clock = time.Now
	}
	defaults := o.defaults
	if defaults == nil {
		defaults = NewDefaults(demoEmail)
	}
	reg := o.ledger
	if reg == nil {
		reg = ledger.NewMemory(ttl)
	}

	machine := NewPhaseMachine(
		WithPhaseMachineLogger(logger),
		WithPhaseMachineActivitySink(sink),
		WithPhaseMachineClock(clock),
	)
	resolver := NewResolver(store,
		WithResolverDefaults(defaults),
		WithResolverLogger(logger),
		WithResolverActivitySink(sink),
		WithResolverTracer(o.tracer),
		WithResolverClock(clock),
	)
	monitor := NewMonitor(provider, resolver, reg, machine,
		WithMonitorLogger(logger),
		WithMonitorActivitySink(sink),
		WithMonitorClock(clock),
	)
	registrar := NewRegistrar(provider, store, resolver, reg, monitor,
		WithRegistrarDefaults(defaults),
		WithRegistrarSettleDelay(settleDelay),
		WithRegistrarPhoneRegion(region),
		WithRegistrarLogger(logger),
		WithRegistrarActivitySink(sink),
		WithRegistrarTracer(o.tracer),
		WithRegistrarClock(clock),
	)

	return &Facade{
		provider:    provider,
		store:       store,
		machine:     machine,
		resolver:    resolver,
		monitor:     monitor,
		registrar:   registrar,
		phoneRegion: region,
		sink:        sink,
		logger:      logger,
		now:         clock,
	}
}

// Start resolves the current session, if any, and begins following session
// changes.
func (f *Facade) Start(ctx context.Context) error {
	return f.monitor.Start(ctx)
}

// Close stops following session changes.
func (f *Facade) Close() {
	f.monitor.Close()
}

// Login signs in with email and password. State follows through the
// provider's SIGNED_IN notification.
func (f *Facade) Login(ctx context.Context, email, password string) error {
	email = NormalizeEmail(email)
	if email == "" || password == "" {
		return fmt.Errorf("%w: email and password are required", ErrLoginFailed)
	}
	if _, err := f.provider.SignInWithPassword(ctx, email, password); err != nil {
		f.logger.Info("login failed", "email", email, "error", err)
		return fmt.Errorf("%w: %w", ErrLoginFailed, err)
	}
	return nil
}

// Register creates an identity and its profile from in.
func (f *Facade) Register(ctx context.Context, in RegisterInput) (RegisterOutcome, error) {
	return f.registrar.Register(ctx, in)
}

// UpdateProfile writes patch to the loaded profile and publishes the result.
func (f *Facade) UpdateProfile(ctx context.Context, patch ProfilePatch) (*Profile, error) {
	current := f.machine.State()
	if current.Session == nil || current.Profile == nil {
		return nil, ErrProfileNotLoaded
	}

	patch = trimPatch(patch)
	if err := ValidateProfilePatch(patch); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidProfilePatch, err)
	}
	patch, err := normalizePatchPhone(patch, f.phoneRegion)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidProfilePatch, err)
	}

	updated, err := f.store.Update(ctx, current.Profile.ID, patch)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProfileWriteFailed, err)
	}
	if updated == nil {
		return nil, fmt.Errorf("%w: profile %s no longer exists", ErrProfileWriteFailed, current.Profile.ID)
	}

	if _, err := f.machine.Apply(ctx, ProfileSettled{IdentityID: current.IdentityID(), Profile: updated}); err != nil {
		f.logger.Debug("profile updated for identity no longer signed in", "identity_id", current.IdentityID(), "error", err)
	}

	recorder{sink: f.sink, logger: f.logger, now: f.now}.record(ctx, ActivityEvent{
		EventType:  ActivityEventProfileUpdated,
		IdentityID: current.IdentityID(),
		Email:      updated.Email,
		Metadata:   map[string]any{"fields": patch.Columns()},
	})
	return updated, nil
}

// ChangePassword replaces the signed in identity's password.
func (f *Facade) ChangePassword(ctx context.Context, password string) error {
	if f.machine.State().Session == nil {
		return ErrProfileNotLoaded
	}
	if err := validation.Validate(password, validation.Required, validation.Length(6, 72)); err != nil {
		return fmt.Errorf("%w: password %w", ErrCredentialsUpdateFailed, err)
	}
	if err := f.provider.UpdateCredentials(ctx, Credentials{Password: password}); err != nil {
		return fmt.Errorf("%w: %w", ErrCredentialsUpdateFailed, err)
	}
	return nil
}

// Refresh resolves the signed in identity's profile again.
func (f *Facade) Refresh(ctx context.Context) (*Profile, error) {
	return f.monitor.Refresh(ctx)
}

// Logout signs out. State is cleared by the provider's SIGNED_OUT
// notification.
func (f *Facade) Logout(ctx context.Context) error {
	if err := f.provider.SignOut(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrLogoutFailed, err)
	}
	return nil
}

// State returns a snapshot of the current state.
func (f *Facade) State() State {
	return f.machine.State()
}

// Subscribe calls fn after every state change until the returned function is
// called.
func (f *Facade) Subscribe(fn func(State)) func() {
	return f.machine.Subscribe(fn)
}
