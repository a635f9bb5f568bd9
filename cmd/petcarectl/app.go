package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/uptrace/bun"
	"go.uber.org/zap"

	account "github.com/petcare/go-account"
	"github.com/petcare/go-account/audit"
	"github.com/petcare/go-account/config"
	"github.com/petcare/go-account/ledger"
	"github.com/petcare/go-account/metrics"
	"github.com/petcare/go-account/provider/local"
	"github.com/petcare/go-account/repository"
)

const devSigningKey = "petcare-dev-signing-key-change-me"

// app holds everything a command needs. Components are built lazily so that
// migrate and seed never touch the identity provider.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	db       *bun.DB
	manager  *repository.Manager
	provider *local.Provider
	facade   *account.Facade
	registry *prometheus.Registry

	closers []func()
}

func newApp(cfg *config.Config) (*app, error) {
	logger := cfg.NewLogger("petcarectl")
	zap.ReplaceGlobals(logger)

	db, err := repository.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		db:      db,
		manager: repository.NewManager(db),
	}
	a.closers = append(a.closers, func() { _ = db.Close() })
	return a, nil
}

// account builds and starts the facade over the local provider.
func (a *app) account(ctx context.Context) (*account.Facade, error) {
	if a.facade != nil {
		return a.facade, nil
	}

	key := a.cfg.Identity.SigningKey
	if key == "" {
		if a.cfg.App.Env == "prod" {
			return nil, fmt.Errorf("identity.signing_key is required in prod")
		}
		a.logger.Warn("using development signing key")
		key = devSigningKey
	}

	provider, err := local.New(a.db, []byte(key),
		local.WithRequireConfirmation(a.cfg.Identity.RequireConfirmation),
		local.WithBcryptCost(a.cfg.Identity.BcryptCost),
		local.WithTokenTTL(a.cfg.Identity.TokenTTL),
		local.WithIssuer(a.cfg.Identity.Issuer),
		local.WithDevice(a.cfg.Identity.Device),
		local.WithLogger(account.NewZapLogger(a.logger.Named("provider"))),
	)
	if err != nil {
		return nil, err
	}
	a.provider = provider
	a.closers = append(a.closers, provider.Close)

	reg, err := a.ledger(ctx)
	if err != nil {
		return nil, err
	}

	sinks, err := a.sinks()
	if err != nil {
		return nil, err
	}

	f := account.New(provider, a.manager.Profiles(),
		account.WithConfig(a.cfg),
		account.WithLedger(reg),
		account.WithActivitySink(sinks),
		account.WithLogger(account.NewZapLogger(a.logger.Named("account"))),
	)
	if err := f.Start(ctx); err != nil {
		return nil, err
	}
	a.facade = f
	a.closers = append(a.closers, f.Close)
	return f, nil
}

func (a *app) ledger(ctx context.Context) (account.RegistrationLedger, error) {
	if a.cfg.Ledger.Kind != config.LedgerRedis {
		return ledger.NewMemory(a.cfg.GetRegistrationTTL()), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     a.cfg.Ledger.Redis.Addr,
		Password: a.cfg.Ledger.Redis.Password,
		DB:       a.cfg.Ledger.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis ledger: %w", err)
	}
	a.closers = append(a.closers, func() { _ = client.Close() })

	return ledger.NewRedis(client,
		ledger.WithKeyPrefix(a.cfg.Ledger.Redis.Prefix),
		ledger.WithTTL(a.cfg.GetRegistrationTTL()),
	), nil
}

func (a *app) sinks() (account.ActivitySink, error) {
	var sinks account.MultiSink

	if a.cfg.Metrics.Enabled {
		a.registry = prometheus.NewRegistry()
		sinks = append(sinks, metrics.New(a.registry))
	}

	if brokers := a.cfg.Audit.Kafka.Brokers; len(brokers) > 0 {
		client, err := audit.NewClient(brokers, a.cfg.Audit.Kafka.ClientID)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() {
			ctx, cancel := context.WithTimeout(context.Background(), audit.DefaultTimeout)
			defer cancel()
			if err := client.Flush(ctx); err != nil {
				a.logger.Warn("flush audit records", zap.Error(err))
			}
			client.Close()
		})
		sinks = append(sinks, audit.NewKafkaSink(client,
			audit.WithTopic(a.cfg.Audit.Kafka.Topic),
			audit.WithLogger(account.NewZapLogger(a.logger.Named("audit"))),
		))
	}
	return sinks, nil
}

// dumpMetrics writes every gathered sample as "name{labels} value".
func (a *app) dumpMetrics(w io.Writer) {
	if a.registry == nil {
		return
	}
	families, err := a.registry.Gather()
	if err != nil {
		a.logger.Warn("gather metrics", zap.Error(err))
		return
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			labels := make([]string, 0, len(m.GetLabel()))
			for _, l := range m.GetLabel() {
				labels = append(labels, fmt.Sprintf("%s=%q", l.GetName(), l.GetValue()))
			}
			sort.Strings(labels)

			value := m.GetCounter().GetValue()
			if g := m.GetGauge(); g != nil {
				value = g.GetValue()
			}
			fmt.Fprintf(w, "%s{%s} %g\n", mf.GetName(), strings.Join(labels, ","), value)
		}
	}
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	_ = a.logger.Sync()
}

var _ audit.Producer = (*kgo.Client)(nil)
