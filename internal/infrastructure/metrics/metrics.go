// Package metrics exposes the experiment engine as Prometheus collectors.
//
// Collectors are fed three ways: as a subscriber of the event bus (run
// transitions, accrual and p-values), as the bus and dispatcher Observer
// (handler latency) and as the resilient store's StoreObserver (store
// errors and breaker state).
package metrics

import (
	"net/http"
	"time"

	"github.com/admissions-lab/reminder-ab/internal/domain/experiment"
	"github.com/admissions-lab/reminder-ab/internal/domain/shared"
	"github.com/admissions-lab/reminder-ab/pkg/circuitbreaker"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "abtest"

var allPhases = []experiment.Phase{
	experiment.PhaseConfiguring,
	experiment.PhaseAssigning,
	experiment.PhaseCollecting,
	experiment.PhaseAnalyzed,
	experiment.PhaseReset,
}

// Metrics holds every collector of the engine.
type Metrics struct {
	registry *prometheus.Registry

	// RunsByPhase counts known runs per phase. Labels: phase
	RunsByPhase *prometheus.GaugeVec

	// Accrued is the number of observed outcomes of a collecting run. Labels: run_id
	Accrued *prometheus.GaugeVec

	// Target is the planned total sample size of a run. Labels: run_id
	Target *prometheus.GaugeVec

	// PValue is the latest p-value of an analyzed run. Labels: run_id
	PValue *prometheus.GaugeVec

	// EventsTotal counts published domain events. Labels: type
	EventsTotal *prometheus.CounterVec

	// HandlerDuration measures event handler latency. Labels: type, handler, status
	HandlerDuration *prometheus.HistogramVec

	// StoreCallsTotal counts store round trips. Labels: op, status
	StoreCallsTotal *prometheus.CounterVec

	// BreakerState is 0 closed, 1 open, 2 half-open. Labels: breaker
	BreakerState *prometheus.GaugeVec
}

// New registers the collectors on a fresh registry that also carries the Go
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg)
}

// NewWithRegistry registers the collectors on reg.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		RunsByPhase: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs",
			Help:      "Number of experiment runs by phase",
		}, []string{"phase"}),
		Accrued: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "accrued_outcomes",
			Help:      "Observed outcomes of assigned subjects",
		}, []string{"run_id"}),
		Target: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "target_outcomes",
			Help:      "Planned total sample size",
		}, []string{"run_id"}),
		PValue: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "p_value",
			Help:      "Latest chi-square p-value",
		}, []string{"run_id"}),
		EventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Domain events seen on the bus",
		}, []string{"type"}),
		HandlerDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "handler_duration_seconds",
			Help:      "Event handler latency in seconds",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"type", "handler", "status"}),
		StoreCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "calls_total",
			Help:      "Observation store round trips by outcome",
		}, []string{"op", "status"}),
		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "breaker_state",
			Help:      "Circuit breaker state: 0 closed, 1 open, 2 half-open",
		}, []string{"breaker"}),
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ══════════════════════════════════════════════════════════════════════════════
// EVENT SUBSCRIBER
// ══════════════════════════════════════════════════════════════════════════════

// Subscribe attaches the metrics to every event of the bus.
func (m *Metrics) Subscribe(bus shared.EventSubscriber) error {
	return bus.SubscribeAll(m.HandleEvent)
}

// HandleEvent updates collectors from a domain event.
func (m *Metrics) HandleEvent(event shared.Event) error {
	m.EventsTotal.WithLabelValues(string(event.EventType())).Inc()
	runID := event.AggregateID()

	switch e := event.(type) {
	case shared.RunConfiguredEvent:
		m.Target.WithLabelValues(runID).Set(float64(e.TotalRequiredN))
	case shared.AccrualCheckedEvent:
		m.Accrued.WithLabelValues(runID).Set(float64(e.Accrued))
		m.Target.WithLabelValues(runID).Set(float64(e.Target))
	case shared.RunAnalyzedEvent:
		m.PValue.WithLabelValues(runID).Set(e.PValue)
	case shared.RunResetEvent:
		m.Accrued.DeleteLabelValues(runID)
		m.Target.DeleteLabelValues(runID)
		m.PValue.DeleteLabelValues(runID)
	}
	return nil
}

// ObserveRuns replaces the per-phase run counts.
func (m *Metrics) ObserveRuns(runs []*experiment.Run) {
	counts := make(map[experiment.Phase]int, len(allPhases))
	for _, r := range runs {
		counts[r.Phase]++
	}
	for _, p := range allPhases {
		m.RunsByPhase.WithLabelValues(string(p)).Set(float64(counts[p]))
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// OBSERVERS
// ══════════════════════════════════════════════════════════════════════════════

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveHandler implements messaging.Observer.
func (m *Metrics) ObserveHandler(eventType shared.EventType, handler string, duration time.Duration, err error) {
	m.HandlerDuration.WithLabelValues(string(eventType), handler, status(err)).Observe(duration.Seconds())
}

// ObserveStoreCall implements service.StoreObserver. Domain errors such as
// not-found are answers, not failures.
func (m *Metrics) ObserveStoreCall(op string, _ time.Duration, err error) {
	label := "ok"
	switch {
	case err == nil:
	case circuitbreaker.IsRejection(err):
		label = "rejected"
	case shared.IsExternalService(err):
		label = "unavailable"
	default:
		label = "domain_error"
	}
	m.StoreCallsTotal.WithLabelValues(op, label).Inc()
}

// ObserveBreakerState implements service.StoreObserver.
func (m *Metrics) ObserveBreakerState(name string, state circuitbreaker.State) {
	m.BreakerState.WithLabelValues(name).Set(float64(state))
}
