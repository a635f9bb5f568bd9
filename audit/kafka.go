// Package audit publishes account activity to Kafka.
package audit

import (
	"context"
	"encoding/json"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	account "github.com/petcare/go-account"
	"github.com/petcare/go-account/activitymap"
)

const (
	// DefaultTopic receives account activity unless WithTopic is given.
	DefaultTopic = "petcare.account.activity"
	// DefaultTimeout bounds a synchronous produce call and, for clients built
	// by NewClient, the delivery of a buffered record.
	DefaultTimeout = 5 * time.Second
)

// Producer is the subset of *kgo.Client the sink needs.
type Producer interface {
	TryProduce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// Option customizes a KafkaSink.
type Option func(*KafkaSink)

// WithTopic overrides DefaultTopic.
func WithTopic(topic string) Option {
	return func(s *KafkaSink) {
		if topic != "" {
			s.topic = topic
		}
	}
}

// WithSyncProduce makes Record wait for the broker to acknowledge each record
// and return its error. Record then blocks the caller for up to the timeout.
func WithSyncProduce() Option {
	return func(s *KafkaSink) {
		s.sync = true
	}
}

// WithTimeout overrides DefaultTimeout for synchronous produces. Zero
// disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(s *KafkaSink) {
		if d >= 0 {
			s.timeout = d
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(logger account.Logger) Option {
	return func(s *KafkaSink) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithNormalizeOptions forwards options to activitymap.Normalize.
func WithNormalizeOptions(opts ...activitymap.Option) Option {
	return func(s *KafkaSink) {
		s.normalize = append(s.normalize, opts...)
	}
}

// KafkaSink produces every activity event as a JSON record keyed by actor.
// Records are buffered and delivered in the background unless WithSyncProduce
// is given; delivery failures are logged.
type KafkaSink struct {
	producer  Producer
	topic     string
	timeout   time.Duration
	sync      bool
	normalize []activitymap.Option
	logger    account.Logger
}

var _ account.ActivitySink = (*KafkaSink)(nil)

// NewKafkaSink wraps producer.
func NewKafkaSink(producer Producer, opts ...Option) *KafkaSink {
	s := &KafkaSink{
		producer: producer,
		topic:    DefaultTopic,
		timeout:  DefaultTimeout,
		logger:   account.NewZapLogger(zap.L().Named("audit.kafka")),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// NewClient connects a franz-go client to brokers.
func NewClient(brokers []string, clientID string) (*kgo.Client, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.RecordDeliveryTimeout(DefaultTimeout),
	}
	if clientID != "" {
		opts = append(opts, kgo.ClientID(clientID))
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to create kafka client")
	}
	return client, nil
}

// Record implements account.ActivitySink.
func (s *KafkaSink) Record(ctx context.Context, event account.ActivityEvent) error {
	normalized := activitymap.Normalize(event, s.normalize...)
	payload, err := json.Marshal(normalized)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to encode activity").
			WithMetadata(map[string]any{"event": normalized.Verb})
	}

	record := &kgo.Record{
		Topic:     s.topic,
		Key:       []byte(normalized.ActorID),
		Value:     payload,
		Timestamp: normalized.OccurredAt,
		Headers: []kgo.RecordHeader{
			{Key: "event", Value: []byte(normalized.Verb)},
			{Key: "channel", Value: []byte(normalized.Channel)},
		},
	}

	if !s.sync {
		s.producer.TryProduce(context.WithoutCancel(ctx), record, func(_ *kgo.Record, err error) {
			if err != nil {
				s.failed(s.topic, normalized.Verb, err)
			}
		})
		return nil
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	if err := s.producer.ProduceSync(ctx, record).FirstErr(); err != nil {
		s.failed(s.topic, normalized.Verb, err)
		return goerrors.Wrap(err, goerrors.CategoryOperation, "failed to publish activity").
			WithMetadata(map[string]any{"topic": s.topic, "event": normalized.Verb})
	}
	return nil
}

func (s *KafkaSink) failed(topic, verb string, err error) {
	s.logger.Warn("failed to publish activity", "topic", topic, "event", verb, "error", err)
}
