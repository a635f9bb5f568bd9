package account

import (
	"context"
	"time"
)

// ActivityEventType enumerates supported activity categories.
type ActivityEventType string

const (
	ActivityEventProfileResolved     ActivityEventType = "profile.resolved"
	ActivityEventProfileRelinked     ActivityEventType = "profile.relinked"
	ActivityEventProfileCreated      ActivityEventType = "profile.created"
	ActivityEventProfileDeferred     ActivityEventType = "profile.deferred"
	ActivityEventProfileUpdated      ActivityEventType = "profile.updated"
	ActivityEventRegistrationDone    ActivityEventType = "registration.completed"
	ActivityEventRegistrationPending ActivityEventType = "registration.confirmation_required"
	ActivityEventRegistrationFailed  ActivityEventType = "registration.failed"
	ActivityEventSessionSignedIn     ActivityEventType = "session.signed_in"
	ActivityEventSessionSignedOut    ActivityEventType = "session.signed_out"
	ActivityEventSessionSuppressed   ActivityEventType = "session.suppressed"
	ActivityEventPhaseChanged        ActivityEventType = "session.phase.changed"
)

// ActivityEvent captures audit-friendly information about an action.
type ActivityEvent struct {
	EventType  ActivityEventType
	IdentityID string
	Email      string
	FromPhase  Phase
	ToPhase    Phase
	Metadata   map[string]any
	OccurredAt time.Time
}

// ActivitySink consumes activity events for auditing/telemetry purposes.
type ActivitySink interface {
	Record(ctx context.Context, event ActivityEvent) error
}

// ActivitySinkFunc adapts a function to the ActivitySink interface.
type ActivitySinkFunc func(ctx context.Context, event ActivityEvent) error

// Record implements ActivitySink.
func (f ActivitySinkFunc) Record(ctx context.Context, event ActivityEvent) error {
	if f == nil {
		return nil
	}
	return f(ctx, event)
}

// MultiSink fans an event out to every sink and returns the first error.
type MultiSink []ActivitySink

// Record implements ActivitySink.
func (m MultiSink) Record(ctx context.Context, event ActivityEvent) error {
	var first error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Record(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type noopActivitySink struct{}

func (noopActivitySink) Record(context.Context, ActivityEvent) error {
	return nil
}

func normalizeActivitySink(s ActivitySink) ActivitySink {
	if s == nil {
		return noopActivitySink{}
	}
	return s
}

// recorder stamps and forwards events, logging sink failures. Sinks run
// best-effort so they never block authentication.
type recorder struct {
	sink   ActivitySink
	logger Logger
	now    func() time.Time
}

func (r recorder) record(ctx context.Context, event ActivityEvent) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = r.now()
	}
	if err := normalizeActivitySink(r.sink).Record(ctx, event); err != nil {
		r.logger.Warn("activity sink error", "event", event.EventType, "error", err)
	}
}
