package account

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Phase is the observable lifecycle position of the facade.
type Phase string

const (
	// PhaseInitializing holds until the first session check completes.
	PhaseInitializing Phase = "initializing"
	// PhaseUnauthenticated means no identity is signed in.
	PhaseUnauthenticated Phase = "unauthenticated"
	// PhaseResolving means an identity is signed in and its profile is loading.
	PhaseResolving Phase = "resolving"
	// PhaseAuthenticated means an identity is signed in and its profile is loaded.
	PhaseAuthenticated Phase = "authenticated"
	// PhaseUnresolved means resolution finished without a profile.
	PhaseUnresolved Phase = "unresolved"
)

// State is a snapshot of the facade's observable state.
type State struct {
	Phase   Phase
	Session *Session
	Profile *Profile
}

// Loading reports whether the state is still waiting on a session check or a
// profile resolution.
func (s State) Loading() bool {
	return s.Phase == PhaseInitializing || s.Phase == PhaseResolving
}

// IsAuthenticated reports whether both a session and a profile are present.
func (s State) IsAuthenticated() bool {
	return s.Phase == PhaseAuthenticated && s.Session != nil && s.Profile != nil
}

// IdentityID returns the id of the signed in identity, or "".
func (s State) IdentityID() string {
	if s.Session == nil {
		return ""
	}
	return s.Session.Identity.ID
}

func (s State) clone() State {
	out := State{Phase: s.Phase, Profile: s.Profile.Clone()}
	if s.Session != nil {
		sess := *s.Session
		out.Session = &sess
	}
	return out
}

// Signal is an input to the transition function.
type Signal interface {
	signal()
}

// SessionObserved reports the provider's current session. Resolve asks for a
// fresh profile resolution; without it the session must belong to the
// identity already in state.
type SessionObserved struct {
	Session *Session
	Resolve bool
}

// ResolutionSuppressed reports a sign-in whose profile is owned by a
// registration in flight.
type ResolutionSuppressed struct {
	Session *Session
}

// ProfileSettled reports the outcome of resolving IdentityID. A nil Profile
// settles the state as unresolved.
type ProfileSettled struct {
	IdentityID string
	Profile    *Profile
}

func (SessionObserved) signal()      {}
func (ResolutionSuppressed) signal() {}
func (ProfileSettled) signal()       {}

var phaseTransitions = map[Phase]map[Phase]struct{}{
	PhaseInitializing: {
		PhaseUnauthenticated: {},
		PhaseResolving:       {},
	},
	PhaseUnauthenticated: {
		PhaseUnauthenticated: {},
		PhaseResolving:       {},
	},
	PhaseResolving: {
		PhaseResolving:       {},
		PhaseAuthenticated:   {},
		PhaseUnresolved:      {},
		PhaseUnauthenticated: {},
	},
	PhaseAuthenticated: {
		PhaseAuthenticated:   {},
		PhaseResolving:       {},
		PhaseUnresolved:      {},
		PhaseUnauthenticated: {},
	},
	PhaseUnresolved: {
		PhaseUnresolved:      {},
		PhaseResolving:       {},
		PhaseAuthenticated:   {},
		PhaseUnauthenticated: {},
	},
}

// Next is the single transition function of the session state machine. It
// returns ErrInvalidTransition, and the unchanged state, for signals that do
// not apply to from.
func Next(from State, sig Signal) (State, error) {
	to, err := next(from, sig)
	if err != nil {
		return from, err
	}
	if !canTransition(from.Phase, to.Phase) {
		return from, invalidTransition(from.Phase, to.Phase, "phase change not allowed")
	}
	return to, nil
}

func next(from State, sig Signal) (State, error) {
	switch s := sig.(type) {
	case SessionObserved:
		if s.Session == nil {
			return State{Phase: PhaseUnauthenticated}, nil
		}
		if s.Resolve {
			return State{Phase: PhaseResolving, Session: s.Session}, nil
		}
		if from.Session == nil || from.IdentityID() != s.Session.Identity.ID {
			return from, invalidTransition(from.Phase, from.Phase, "session belongs to another identity")
		}
		return State{Phase: from.Phase, Session: s.Session, Profile: from.Profile}, nil

	case ResolutionSuppressed:
		if s.Session == nil {
			return from, invalidTransition(from.Phase, PhaseResolving, "suppressed sign-in without session")
		}
		settled := from.Phase == PhaseAuthenticated || from.Phase == PhaseUnresolved
		if settled && from.IdentityID() == s.Session.Identity.ID {
			return State{Phase: from.Phase, Session: s.Session, Profile: from.Profile}, nil
		}
		return State{Phase: PhaseResolving, Session: s.Session}, nil

	case ProfileSettled:
		if from.Session == nil {
			return from, invalidTransition(from.Phase, PhaseAuthenticated, "no session to settle")
		}
		if from.IdentityID() != s.IdentityID {
			return from, invalidTransition(from.Phase, PhaseAuthenticated, "profile settled for stale identity")
		}
		if s.Profile == nil {
			return State{Phase: PhaseUnresolved, Session: from.Session}, nil
		}
		return State{Phase: PhaseAuthenticated, Session: from.Session, Profile: s.Profile}, nil
	}

	return from, invalidTransition(from.Phase, from.Phase, fmt.Sprintf("unknown signal %T", sig))
}

func canTransition(from, to Phase) bool {
	if allowed, ok := phaseTransitions[from]; ok {
		_, exists := allowed[to]
		return exists
	}
	return false
}

func invalidTransition(from, to Phase, reason string) error {
	return fmt.Errorf("%w: %s -> %s: %s", ErrInvalidTransition, from, to, reason)
}

// PhaseMachineOption customizes PhaseMachine construction.
type PhaseMachineOption func(*PhaseMachine)

// WithPhaseMachineLogger overrides the logger.
func WithPhaseMachineLogger(logger Logger) PhaseMachineOption {
	return func(m *PhaseMachine) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithPhaseMachineActivitySink publishes phase changes to sink.
func WithPhaseMachineActivitySink(sink ActivitySink) PhaseMachineOption {
	return func(m *PhaseMachine) {
		m.sink = normalizeActivitySink(sink)
	}
}

// WithPhaseMachineClock injects a custom clock (useful for tests).
func WithPhaseMachineClock(clock func() time.Time) PhaseMachineOption {
	return func(m *PhaseMachine) {
		if clock != nil {
			m.now = clock
		}
	}
}

// PhaseMachine holds the current State and applies signals to it through Next.
// Listeners run after each accepted transition, one transition at a time.
type PhaseMachine struct {
	notifyMu  sync.Mutex
	mu        sync.RWMutex
	state     State
	listeners map[int]func(State)
	nextID    int

	sink   ActivitySink
	logger Logger
	now    func() time.Time
}

// NewPhaseMachine returns a machine in PhaseInitializing.
func NewPhaseMachine(opts ...PhaseMachineOption) *PhaseMachine {
	m := &PhaseMachine{
		state:     State{Phase: PhaseInitializing},
		listeners: map[int]func(State){},
		sink:      noopActivitySink{},
		logger:    defaultLogger("account.phase"),
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// State returns a copy of the current state.
func (m *PhaseMachine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.clone()
}

// Apply moves the machine with sig. Rejected signals leave the state unchanged.
func (m *PhaseMachine) Apply(ctx context.Context, sig Signal) (State, error) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	from := m.state
	to, err := Next(from, sig)
	if err != nil {
		m.mu.Unlock()
		m.logger.Debug("session signal rejected", "phase", from.Phase, "signal", fmt.Sprintf("%T", sig), "error", err)
		return from.clone(), err
	}
	m.state = to
	listeners := make([]func(State), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	if from.Phase != to.Phase {
		recorder{sink: m.sink, logger: m.logger, now: m.now}.record(ctx, ActivityEvent{
			EventType:  ActivityEventPhaseChanged,
			IdentityID: to.IdentityID(),
			FromPhase:  from.Phase,
			ToPhase:    to.Phase,
		})
	}

	snapshot := to.clone()
	for _, fn := range listeners {
		fn(snapshot.clone())
	}
	return snapshot, nil
}

// Subscribe registers fn for state changes and returns a function that
// removes it. Listeners must not call Apply.
func (m *PhaseMachine) Subscribe(fn func(State)) func() {
	if fn == nil {
		return func() {}
	}
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}
