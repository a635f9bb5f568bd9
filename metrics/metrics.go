// Package metrics exposes account activity as Prometheus metrics.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	account "github.com/petcare/go-account"
)

var phases = []account.Phase{
	account.PhaseInitializing,
	account.PhaseUnauthenticated,
	account.PhaseResolving,
	account.PhaseAuthenticated,
	account.PhaseUnresolved,
}

// Sink counts activity events and tracks the current session phase.
type Sink struct {
	Events       *prometheus.CounterVec
	Phase        *prometheus.GaugeVec
	Registration *prometheus.CounterVec
}

var _ account.ActivitySink = (*Sink)(nil)

// New registers the account metrics with reg. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer) *Sink {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	s := &Sink{
		Events: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "petcare_account_events_total",
			Help: "Total number of account activity events by type",
		}, []string{"event"}),
		Phase: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "petcare_account_session_phase",
			Help: "Current session phase (1 for the active phase, 0 otherwise)",
		}, []string{"phase"}),
		Registration: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "petcare_account_registration_failures_total",
			Help: "Total number of failed registrations by stage",
		}, []string{"stage"}),
	}
	s.setPhase(account.PhaseInitializing)
	return s
}

// Record implements account.ActivitySink.
func (s *Sink) Record(_ context.Context, event account.ActivityEvent) error {
	s.Events.WithLabelValues(string(event.EventType)).Inc()

	switch event.EventType {
	case account.ActivityEventPhaseChanged:
		s.setPhase(event.ToPhase)
	case account.ActivityEventRegistrationFailed:
		stage, _ := event.Metadata["stage"].(string)
		if stage == "" {
			stage = "unknown"
		}
		s.Registration.WithLabelValues(stage).Inc()
	}
	return nil
}

func (s *Sink) setPhase(current account.Phase) {
	for _, p := range phases {
		v := 0.0
		if p == current {
			v = 1
		}
		s.Phase.WithLabelValues(string(p)).Set(v)
	}
}
