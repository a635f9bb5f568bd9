package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultSettleDelay is the pause between sign-up and the profile write. It
// only smooths provider side propagation and is never relied on for ordering.
const DefaultSettleDelay = 150 * time.Millisecond

// RegisterOutcome is the result of a registration that created an identity.
type RegisterOutcome struct {
	Identity Identity
	// Profile is the written row. It is nil when RequiresConfirmation is set.
	Profile *Profile
	// RequiresConfirmation reports that the provider created the identity but
	// issued no session, typically until the email address is confirmed.
	RequiresConfirmation bool
}

// settler adopts a session and its profile into the observable state.
type settler interface {
	Generation() uint64
	Settle(ctx context.Context, generation uint64, session *Session, profile *Profile) error
	Resume(ctx context.Context, email string)
}

// RegistrarOption customizes a Registrar.
type RegistrarOption func(*Registrar)

// WithRegistrarSettleDelay overrides DefaultSettleDelay. Zero disables it.
func WithRegistrarSettleDelay(d time.Duration) RegistrarOption {
	return func(r *Registrar) {
		if d >= 0 {
			r.settleDelay = d
		}
	}
}

// WithRegistrarDefaults sets the profile that submitted fields are laid over
// when no row exists yet.
func WithRegistrarDefaults(defaults DefaultsFunc) RegistrarOption {
	return func(r *Registrar) {
		if defaults != nil {
			r.defaults = defaults
		}
	}
}

// WithRegistrarPhoneRegion sets the region used to normalize phone numbers.
func WithRegistrarPhoneRegion(region string) RegistrarOption {
	return func(r *Registrar) {
		if region != "" {
			r.phoneRegion = region
		}
	}
}

// WithRegistrarLogger overrides the logger.
func WithRegistrarLogger(logger Logger) RegistrarOption {
	return func(r *Registrar) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRegistrarActivitySink publishes registration outcomes to sink.
func WithRegistrarActivitySink(sink ActivitySink) RegistrarOption {
	return func(r *Registrar) {
		r.sink = normalizeActivitySink(sink)
	}
}

// WithRegistrarTracer overrides the tracer used for registration spans.
func WithRegistrarTracer(tracer trace.Tracer) RegistrarOption {
	return func(r *Registrar) {
		if tracer != nil {
			r.tracer = tracer
		}
	}
}

// WithRegistrarClock injects a custom clock (useful for tests).
func WithRegistrarClock(clock func() time.Time) RegistrarOption {
	return func(r *Registrar) {
		if clock != nil {
			r.now = clock
		}
	}
}

// Registrar creates an identity and writes its profile from the submitted
// form, keeping the Monitor from auto-creating a default row meanwhile.
type Registrar struct {
	provider IdentityProvider
	store    ProfileStore
	resolver *Resolver
	ledger   RegistrationLedger
	settler  settler

	defaults    DefaultsFunc
	settleDelay time.Duration
	phoneRegion string

	tracer trace.Tracer
	sink   ActivitySink
	logger Logger
	now    func() time.Time
}

// NewRegistrar wires a Registrar.
func NewRegistrar(provider IdentityProvider, store ProfileStore, resolver *Resolver, ledger RegistrationLedger, settler settler, opts ...RegistrarOption) *Registrar {
	r := &Registrar{
		provider:    provider,
		store:       store,
		resolver:    resolver,
		ledger:      ledger,
		settler:     settler,
		defaults:    NewDefaults(DemoEmail),
		settleDelay: DefaultSettleDelay,
		phoneRegion: DefaultPhoneRegion,
		tracer:      otel.Tracer(instrumentationName),
		sink:        noopActivitySink{},
		logger:      defaultLogger("account.registrar"),
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Register validates in, signs the identity up and writes its profile. The
// registration marker for the email is released on every return path,
// panics included. A sign-in for the email suppressed meanwhile and not
// settled here is resolved by the monitor once the marker is gone.
func (r *Registrar) Register(ctx context.Context, in RegisterInput) (out RegisterOutcome, err error) {
	ctx, span := r.tracer.Start(ctx, "account.Register")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	in.Email = NormalizeEmail(in.Email)
	if err := in.Validate(); err != nil {
		return out, fmt.Errorf("%w: %w", ErrInvalidRegistration, err)
	}
	phone, err := NormalizePhone(in.Phone, r.phoneRegion)
	if err != nil {
		return out, fmt.Errorf("%w: %w", ErrInvalidRegistration, err)
	}
	in.Phone = phone
	span.SetAttributes(attribute.String("email", in.Email))

	generation := r.settler.Generation()
	release := r.hold(ctx, in.Email)
	resume := true
	defer func() {
		release()
		if resume {
			r.settler.Resume(context.WithoutCancel(ctx), in.Email)
		}
	}()

	result, err := r.provider.SignUp(ctx, in.Email, in.Password, in.Metadata())
	if err == nil && result == nil {
		err = errors.New("provider returned no identity")
	}
	if err != nil {
		r.failed(ctx, "", in.Email, "sign_up", err)
		return out, fmt.Errorf("%w: %w", ErrSignUpFailed, err)
	}

	identity := signUpIdentity(result, in.Email)
	out.Identity = identity

	if result.Session == nil {
		out.RequiresConfirmation = true
		r.record(ctx, ActivityEvent{
			EventType:  ActivityEventRegistrationPending,
			IdentityID: identity.ID,
			Email:      in.Email,
		})
		return out, nil
	}
	session := result.Session
	span.SetAttributes(attribute.String("identity.id", identity.ID))

	r.wait(ctx)

	profile, err := r.writeProfile(ctx, identity, in)
	if err != nil {
		resume = !r.compensate(ctx, generation, session, release)
		r.failed(ctx, identity.ID, in.Email, "profile_write", err)
		return out, fmt.Errorf("%w: %w", ErrProfileWriteFailed, err)
	}

	release()
	if err := r.settler.Settle(ctx, generation, session, profile); err != nil {
		r.logger.Debug("registration settle skipped", "identity_id", identity.ID, "error", err)
	} else {
		resume = false
	}

	r.record(ctx, ActivityEvent{
		EventType:  ActivityEventRegistrationDone,
		IdentityID: identity.ID,
		Email:      in.Email,
	})

	out.Profile = profile
	return out, nil
}

// hold places the registration marker and returns its idempotent release.
// Without a ledger the Monitor may auto-create a default row first; the
// profile write then updates that row in place.
func (r *Registrar) hold(ctx context.Context, email string) func() {
	token, err := r.ledger.Hold(ctx, email)
	if err != nil {
		r.logger.Warn("registration ledger unavailable", "email", email, "error", err)
		return func() {}
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		if err := r.ledger.Release(context.WithoutCancel(ctx), email, token); err != nil {
			r.logger.Warn("registration ledger release failed", "email", email, "error", err)
		}
	}
}

func (r *Registrar) wait(ctx context.Context) {
	if r.settleDelay <= 0 {
		return
	}
	timer := time.NewTimer(r.settleDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// writeProfile updates the row already known for identity or inserts one
// built from the defaults with the submitted fields laid over them.
func (r *Registrar) writeProfile(ctx context.Context, identity Identity, in RegisterInput) (*Profile, error) {
	res, err := r.resolver.Resolve(ctx, identity, ResolveOptions{AutoCreate: false})
	if err != nil {
		return nil, err
	}

	if res.Profile != nil {
		updated, err := r.store.Update(ctx, res.Profile.ID, in.Patch())
		if err != nil {
			return nil, err
		}
		if updated == nil {
			return nil, fmt.Errorf("profile %s no longer exists", res.Profile.ID)
		}
		return updated, nil
	}

	draft := r.defaults(identity)
	if draft == nil {
		draft = &Profile{}
	}
	in.Patch().Apply(draft)
	draft.ID = identity.ID
	draft.Email = NormalizeEmail(identity.Email)
	return r.store.Insert(ctx, draft)
}

// compensate signs the half registered identity out and reports whether
// state is final. When the sign-out fails too the session stays, so state is
// settled without a profile instead of loading.
func (r *Registrar) compensate(ctx context.Context, generation uint64, session *Session, release func()) bool {
	ctx = context.WithoutCancel(ctx)
	err := r.provider.SignOut(ctx)
	if err == nil {
		return true
	}
	r.logger.Error("sign-out after failed profile write failed", "identity_id", session.Identity.ID, "error", err)
	release()
	settleErr := r.settler.Settle(ctx, generation, session, nil)
	if settleErr != nil && !errors.Is(settleErr, ErrInvalidTransition) {
		r.logger.Warn("settle after failed registration failed", "error", settleErr)
	}
	return settleErr == nil
}

func (r *Registrar) failed(ctx context.Context, identityID, email, stage string, err error) {
	r.logger.Warn("registration failed", "stage", stage, "email", email, "error", err)
	r.record(ctx, ActivityEvent{
		EventType:  ActivityEventRegistrationFailed,
		IdentityID: identityID,
		Email:      email,
		Metadata:   map[string]any{"stage": stage, "error": err.Error()},
	})
}

func (r *Registrar) record(ctx context.Context, event ActivityEvent) {
	recorder{sink: r.sink, logger: r.logger, now: r.now}.record(ctx, event)
}

func signUpIdentity(result *SignUpResult, email string) Identity {
	identity := result.Identity
	if result.Session != nil && identity.ID == "" {
		identity = result.Session.Identity
	}
	if identity.Email == "" {
		identity.Email = email
	}
	return identity
}
