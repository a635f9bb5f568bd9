package account

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const instrumentationName = "github.com/petcare/go-account"

// ResolveOptions controls a single resolution.
type ResolveOptions struct {
	// AutoCreate inserts a default profile when neither lookup finds a row.
	AutoCreate bool
}

// Resolution is the outcome of Resolver.Resolve.
type Resolution struct {
	Profile  *Profile
	Decision DecisionKind
	// Warning is set when the email matched row could not be relinked and
	// Profile is that row unmodified.
	Warning error
}

// ResolverOption customizes a Resolver.
type ResolverOption func(*Resolver)

// WithResolverDefaults overrides how auto-created profiles are built.
func WithResolverDefaults(defaults DefaultsFunc) ResolverOption {
	return func(r *Resolver) {
		if defaults != nil {
			r.defaults = defaults
		}
	}
}

// WithResolverLogger overrides the logger.
func WithResolverLogger(logger Logger) ResolverOption {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithResolverActivitySink publishes resolution outcomes to sink.
func WithResolverActivitySink(sink ActivitySink) ResolverOption {
	return func(r *Resolver) {
		r.sink = normalizeActivitySink(sink)
	}
}

// WithResolverTracer overrides the tracer used for resolution spans.
func WithResolverTracer(tracer trace.Tracer) ResolverOption {
	return func(r *Resolver) {
		if tracer != nil {
			r.tracer = tracer
		}
	}
}

// WithResolverClock injects a custom clock (useful for tests).
func WithResolverClock(clock func() time.Time) ResolverOption {
	return func(r *Resolver) {
		if clock != nil {
			r.now = clock
		}
	}
}

// Resolver maps an Identity to exactly one Profile row, healing rows left
// under an older identity id for the same email.
type Resolver struct {
	store    ProfileStore
	defaults DefaultsFunc
	group    singleflight.Group
	tracer   trace.Tracer
	sink     ActivitySink
	logger   Logger
	now      func() time.Time
}

// NewResolver returns a Resolver backed by store.
func NewResolver(store ProfileStore, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		store:    store,
		defaults: NewDefaults(DemoEmail),
		tracer:   otel.Tracer(instrumentationName),
		sink:     noopActivitySink{},
		logger:   defaultLogger("account.resolver"),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Resolve finds, relinks or creates the profile for identity. Concurrent
// calls for the same identity and options share one execution.
func (r *Resolver) Resolve(ctx context.Context, identity Identity, opts ResolveOptions) (Resolution, error) {
	if identity.ID == "" {
		return Resolution{}, fmt.Errorf("%w: identity id is empty", ErrProfileLookup)
	}

	key := identity.ID + "|" + strconv.FormatBool(opts.AutoCreate)
	v, err, _ := r.group.Do(key, func() (any, error) {
		return r.resolve(ctx, identity, opts)
	})
	res, _ := v.(Resolution)
	return res, err
}

func (r *Resolver) resolve(ctx context.Context, identity Identity, opts ResolveOptions) (Resolution, error) {
	ctx, span := r.tracer.Start(ctx, "account.Resolve", trace.WithAttributes(
		attribute.String("identity.id", identity.ID),
		attribute.Bool("auto_create", opts.AutoCreate),
	))
	defer span.End()

	res, err := r.run(ctx, identity, opts, true)
	span.SetAttributes(attribute.String("decision", string(res.Decision)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	if res.Warning != nil {
		span.RecordError(res.Warning)
		r.logger.Warn("profile relink failed, using stale row",
			"identity_id", identity.ID,
			"profile_id", res.Profile.ID,
			"error", res.Warning,
		)
	}

	r.recordOutcome(ctx, identity, res)
	return res, nil
}

func (r *Resolver) run(ctx context.Context, identity Identity, opts ResolveOptions, retry bool) (Resolution, error) {
	byID, err := r.store.FindByID(ctx, identity.ID)
	if err != nil {
		return Resolution{}, fmt.Errorf("%w: by id: %w", ErrProfileLookup, err)
	}

	var byEmail *Profile
	if byID == nil {
		byEmail, err = r.store.FindByEmail(ctx, NormalizeEmail(identity.Email))
		if err != nil {
			return Resolution{}, fmt.Errorf("%w: by email: %w", ErrProfileLookup, err)
		}
	}

	decision := Decide(identity, byID, byEmail, opts.AutoCreate, r.defaults)

	switch decision.Kind {
	case DecisionUseExisting:
		return Resolution{Profile: decision.Existing, Decision: decision.Kind}, nil

	case DecisionDefer:
		return Resolution{Decision: decision.Kind}, nil

	case DecisionRelink:
		updated, err := r.store.Update(ctx, decision.Existing.ID, RelinkPatch(identity.ID))
		if (errors.Is(err, ErrProfileConflict) || (err == nil && updated == nil)) && retry {
			// another writer moved or created the row first
			return r.run(ctx, identity, opts, false)
		}
		if err == nil && updated == nil {
			err = fmt.Errorf("profile %s no longer exists", decision.Existing.ID)
		}
		if err != nil {
			return Resolution{
				Profile:  decision.Existing,
				Decision: decision.Kind,
				Warning:  fmt.Errorf("%w: %w", ErrRelinkFailed, err),
			}, nil
		}
		return Resolution{Profile: updated, Decision: decision.Kind}, nil

	case DecisionCreate:
		created, err := r.store.Insert(ctx, decision.Draft)
		if err != nil {
			if errors.Is(err, ErrProfileConflict) && retry {
				return r.run(ctx, identity, opts, false)
			}
			return Resolution{Decision: decision.Kind}, fmt.Errorf("%w: %w", ErrProfileCreateFailed, err)
		}
		return Resolution{Profile: created, Decision: decision.Kind}, nil
	}

	return Resolution{}, fmt.Errorf("%w: unknown decision %q", ErrProfileLookup, decision.Kind)
}

func (r *Resolver) recordOutcome(ctx context.Context, identity Identity, res Resolution) {
	event := ActivityEvent{
		IdentityID: identity.ID,
		Email:      NormalizeEmail(identity.Email),
		Metadata:   map[string]any{"decision": string(res.Decision)},
	}

	switch res.Decision {
	case DecisionUseExisting:
		event.EventType = ActivityEventProfileResolved
	case DecisionRelink:
		event.EventType = ActivityEventProfileRelinked
		if res.Warning != nil {
			event.Metadata["warning"] = res.Warning.Error()
		}
	case DecisionCreate:
		event.EventType = ActivityEventProfileCreated
	default:
		event.EventType = ActivityEventProfileDeferred
	}

	recorder{sink: r.sink, logger: r.logger, now: r.now}.record(ctx, event)
}
