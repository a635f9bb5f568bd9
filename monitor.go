package account

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// MonitorOption customizes a Monitor.
type MonitorOption func(*Monitor)

// WithMonitorLogger overrides the logger.
func WithMonitorLogger(logger Logger) MonitorOption {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMonitorActivitySink publishes session events to sink.
func WithMonitorActivitySink(sink ActivitySink) MonitorOption {
	return func(m *Monitor) {
		m.sink = normalizeActivitySink(sink)
	}
}

// WithMonitorClock injects a custom clock (useful for tests).
func WithMonitorClock(clock func() time.Time) MonitorOption {
	return func(m *Monitor) {
		if clock != nil {
			m.now = clock
		}
	}
}

// Monitor follows the provider's session notifications and keeps the phase
// machine's profile in step with the signed in identity.
type Monitor struct {
	provider IdentityProvider
	resolver *Resolver
	ledger   RegistrationLedger
	machine  *PhaseMachine

	sink   ActivitySink
	logger Logger
	now    func() time.Time

	mu      sync.Mutex
	started bool
	sub     Subscription

	// settleMu orders sign-outs against registration settles.
	settleMu   sync.Mutex
	generation uint64
}

// NewMonitor wires a Monitor. It does nothing until Start.
func NewMonitor(provider IdentityProvider, resolver *Resolver, ledger RegistrationLedger, machine *PhaseMachine, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		provider: provider,
		resolver: resolver,
		ledger:   ledger,
		machine:  machine,
		sink:     noopActivitySink{},
		logger:   defaultLogger("account.monitor"),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Start subscribes to session changes and then checks the current session
// once, resolving its profile. Calling Start again is a no-op.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	sub := m.provider.OnSessionChange(m.handle)
	m.mu.Lock()
	m.sub = sub
	m.mu.Unlock()

	session, err := m.provider.GetSession(ctx)
	if err != nil {
		m.logger.Warn("initial session check failed", "error", err)
		session = nil
	}

	// An event delivered since subscribing already describes a newer session.
	if m.machine.State().Phase != PhaseInitializing {
		return nil
	}
	if session == nil {
		m.apply(ctx, SessionObserved{})
		return nil
	}
	m.signedIn(ctx, session)
	return nil
}

// Close stops listening for session changes.
func (m *Monitor) Close() {
	m.mu.Lock()
	sub := m.sub
	m.sub = nil
	m.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
}

// Generation counts the SIGNED_OUT notifications handled so far. A
// registration reads it before signing up and hands it back to Settle.
func (m *Monitor) Generation() uint64 {
	m.settleMu.Lock()
	defer m.settleMu.Unlock()
	return m.generation
}

// Settle finishes a sign-in whose profile was written by someone else, such
// as a registration that started at generation. It is rejected with
// ErrInvalidTransition once a sign-out has been handled since then. Otherwise
// the session is adopted first when state does not hold it yet.
func (m *Monitor) Settle(ctx context.Context, generation uint64, session *Session, profile *Profile) error {
	if session == nil {
		return fmt.Errorf("%w: settle without session", ErrInvalidTransition)
	}

	m.settleMu.Lock()
	defer m.settleMu.Unlock()
	if m.generation != generation {
		return fmt.Errorf("%w: signed out since registration began", ErrInvalidTransition)
	}

	if m.machine.State().IdentityID() != session.Identity.ID {
		if _, err := m.machine.Apply(ctx, SessionObserved{Session: session, Resolve: true}); err != nil {
			return err
		}
	}
	_, err := m.machine.Apply(ctx, ProfileSettled{IdentityID: session.Identity.ID, Profile: profile})
	return err
}

// Resume resolves a sign-in for email that was suppressed while a
// registration held its marker and was not settled by it.
func (m *Monitor) Resume(ctx context.Context, email string) {
	email = NormalizeEmail(email)
	current := m.machine.State()
	if current.Phase != PhaseResolving || current.Session == nil {
		return
	}
	if NormalizeEmail(current.Session.Identity.Email) != email {
		return
	}
	pending, err := m.ledger.Pending(ctx, email)
	if err != nil {
		m.logger.Warn("registration ledger unavailable, resolving", "identity_id", current.IdentityID(), "error", err)
	} else if pending {
		return
	}

	m.logger.Debug("resuming suppressed sign-in", "identity_id", current.IdentityID())
	m.resolve(ctx, current.Session.Identity)
}

// Refresh resolves the current identity's profile again.
func (m *Monitor) Refresh(ctx context.Context) (*Profile, error) {
	current := m.machine.State()
	if current.Session == nil {
		return nil, fmt.Errorf("%w: no session", ErrProfileNotLoaded)
	}

	if _, err := m.machine.Apply(ctx, SessionObserved{Session: current.Session, Resolve: true}); err != nil {
		return nil, err
	}

	res, err := m.resolver.Resolve(ctx, current.Session.Identity, ResolveOptions{AutoCreate: true})
	m.settle(ctx, current.Session.Identity.ID, res.Profile)
	if err != nil {
		return nil, err
	}
	return res.Profile, nil
}

func (m *Monitor) handle(ctx context.Context, event SessionEvent) {
	m.logger.Debug("session event", "type", event.Type, "identity_id", sessionIdentityID(event.Session))

	switch event.Type {
	case EventSignedOut:
		m.signedOut(ctx)
	case EventSignedIn:
		if event.Session == nil {
			m.apply(ctx, SessionObserved{})
			return
		}
		m.signedIn(ctx, event.Session)
	default:
		m.observed(ctx, event.Session)
	}
}

// observed caches the session from events that do not announce a sign-in.
// A new identity is handled as a sign-in.
func (m *Monitor) observed(ctx context.Context, session *Session) {
	if session == nil {
		m.apply(ctx, SessionObserved{})
		return
	}
	if m.machine.State().IdentityID() != session.Identity.ID {
		m.signedIn(ctx, session)
		return
	}
	m.apply(ctx, SessionObserved{Session: session})
}

func (m *Monitor) signedIn(ctx context.Context, session *Session) {
	identity := session.Identity
	m.record(ctx, ActivityEvent{
		EventType:  ActivityEventSessionSignedIn,
		IdentityID: identity.ID,
		Email:      NormalizeEmail(identity.Email),
	})

	pending, err := m.ledger.Pending(ctx, NormalizeEmail(identity.Email))
	if err != nil {
		m.logger.Warn("registration ledger unavailable, resolving", "identity_id", identity.ID, "error", err)
		pending = false
	}

	if pending {
		m.logger.Debug("sign-in owned by registration in flight", "identity_id", identity.ID)
		m.record(ctx, ActivityEvent{
			EventType:  ActivityEventSessionSuppressed,
			IdentityID: identity.ID,
			Email:      NormalizeEmail(identity.Email),
		})
		m.apply(ctx, ResolutionSuppressed{Session: session})
		return
	}

	if !m.apply(ctx, SessionObserved{Session: session, Resolve: true}) {
		return
	}
	m.resolve(ctx, identity)
}

func (m *Monitor) resolve(ctx context.Context, identity Identity) {
	res, err := m.resolver.Resolve(ctx, identity, ResolveOptions{AutoCreate: true})
	if err != nil {
		m.logger.Error("profile resolution failed", "identity_id", identity.ID, "error", err)
	}
	m.settle(ctx, identity.ID, res.Profile)
}

func (m *Monitor) signedOut(ctx context.Context) {
	previous := m.machine.State().IdentityID()

	m.settleMu.Lock()
	m.generation++
	if err := m.ledger.Reset(ctx); err != nil {
		m.logger.Warn("registration ledger reset failed", "error", err)
	}
	m.apply(ctx, SessionObserved{})
	m.settleMu.Unlock()

	m.record(ctx, ActivityEvent{
		EventType:  ActivityEventSessionSignedOut,
		IdentityID: previous,
	})
}

func (m *Monitor) settle(ctx context.Context, identityID string, profile *Profile) {
	_, err := m.machine.Apply(ctx, ProfileSettled{IdentityID: identityID, Profile: profile})
	if errors.Is(err, ErrInvalidTransition) {
		m.logger.Debug("dropping stale resolution", "identity_id", identityID, "error", err)
	}
}

func (m *Monitor) apply(ctx context.Context, sig Signal) bool {
	if _, err := m.machine.Apply(ctx, sig); err != nil {
		m.logger.Warn("session signal rejected", "error", err)
		return false
	}
	return true
}

func (m *Monitor) record(ctx context.Context, event ActivityEvent) {
	recorder{sink: m.sink, logger: m.logger, now: m.now}.record(ctx, event)
}

func sessionIdentityID(session *Session) string {
	if session == nil {
		return ""
	}
	return session.Identity.ID
}
