// ABOUTME: Prometheus collectors for calls, sessions, forwarded events and rejected notifications.
// ABOUTME: Served over a unix socket with promhttp when init.metrics_socket is set.

package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/kaiak-gateway/internal/transport"
)

// Metrics bundles the collectors.
type Metrics struct {
	registry       *prometheus.Registry
	Calls          *prometheus.CounterVec
	CallDuration   *prometheus.HistogramVec
	ActiveSessions prometheus.Gauge
	Events         *prometheus.CounterVec
	EventsDropped  *prometheus.CounterVec
	Rejected       *prometheus.CounterVec
	Interactions   *prometheus.CounterVec
}

// New constructs a registry with all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	calls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kaiak_calls_total",
		Help: "RPC calls handled, by method and outcome",
	}, []string{"method", "outcome"})

	durs := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kaiak_call_duration_seconds",
		Help:    "RPC call duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.005, 4, 10),
	}, []string{"method"})

	active := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kaiak_active_sessions",
		Help: "Sessions currently held in the registry",
	})

	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kaiak_events_forwarded_total",
		Help: "Engine events forwarded as notifications, by kind",
	}, []string{"kind"})

	dropped := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kaiak_events_dropped_total",
		Help: "Engine events not forwarded, by reason",
	}, []string{"reason"})

	rejected := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kaiak_notifications_rejected_total",
		Help: "Caller notifications rejected at ingress, by reason",
	}, []string{"reason"})

	interactions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kaiak_interactions_total",
		Help: "Approval decisions, by outcome",
	}, []string{"outcome"})

	reg.MustRegister(calls, durs, active, events, dropped, rejected, interactions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Metrics{
		registry:       reg,
		Calls:          calls,
		CallDuration:   durs,
		ActiveSessions: active,
		Events:         events,
		EventsDropped:  dropped,
		Rejected:       rejected,
		Interactions:   interactions,
	}
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordCall counts one finished call.
func (m *Metrics) RecordCall(method, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Calls.WithLabelValues(method, outcome).Inc()
	m.CallDuration.WithLabelValues(method).Observe(d.Seconds())
}

// SetActiveSessions sets the session gauge.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

// RecordEvent counts a forwarded event.
func (m *Metrics) RecordEvent(kind string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(kind).Inc()
}

// RecordDropped counts an event that was not forwarded.
func (m *Metrics) RecordDropped(reason string) {
	if m == nil {
		return
	}
	m.EventsDropped.WithLabelValues(reason).Inc()
}

// RecordRejected counts a rejected caller notification.
func (m *Metrics) RecordRejected(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.Rejected.WithLabelValues(reason).Inc()
}

// RecordInteraction counts an approval outcome.
func (m *Metrics) RecordInteraction(outcome string) {
	if m == nil {
		return
	}
	m.Interactions.WithLabelValues(outcome).Inc()
}

// Handler returns the promhttp handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Serve exposes /metrics on a unix socket until ctx is done.
func (m *Metrics) Serve(ctx context.Context, socketPath string) error {
	ln, err := transport.Listen(socketPath)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
