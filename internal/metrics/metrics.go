// Package metrics exposes gateway counters over a dedicated Prometheus
// endpoint. Labels stay low-cardinality: protocols, auth types, and
// coarse outcomes only, never usernames or addresses.
package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Auth attempt results.
const (
	ResultAccepted    = "accepted"
	ResultFailed      = "failed"
	ResultRateLimited = "rate_limited"
	ResultMaxSessions = "max_sessions"
	ResultInvalidUser = "invalid_user"
	ResultTwoFactor   = "missing_twofactor"
	ResultError       = "error"
)

// Metrics is the gateway metric set. A nil *Metrics is a valid no-op
// sink so callers never need to guard their increments.
type Metrics struct {
	registry *prometheus.Registry

	authAttempts *prometheus.CounterVec
	rateLimited  *prometheus.CounterVec
	abuseEvents  *prometheus.CounterVec
	openSessions *prometheus.GaugeVec
	fsOps        *prometheus.CounterVec
}

// New builds and registers the gateway metric set.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{registry: reg}
	m.authAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gridgate", Name: "auth_attempts_total",
		Help: "Authentication attempts by protocol, auth type, and result.",
	}, []string{"proto", "authtype", "result"})
	m.rateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gridgate", Name: "rate_limited_total",
		Help: "Logins refused by the rate limiter.",
	}, []string{"proto"})
	m.abuseEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gridgate", Name: "abuse_events_total",
		Help: "Abuse threshold crossings by kind.",
	}, []string{"proto", "kind"})
	m.openSessions = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gridgate", Name: "open_sessions",
		Help: "Currently open sessions per protocol.",
	}, []string{"proto"})
	m.fsOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gridgate", Name: "fs_ops_total",
		Help: "Filesystem operations through the chrooted view.",
	}, []string{"op", "result"})

	reg.MustRegister(m.authAttempts, m.rateLimited, m.abuseEvents,
		m.openSessions, m.fsOps)
	return m
}

// ObserveAuth records one authentication decision.
func (m *Metrics) ObserveAuth(proto, authtype, result string) {
	if m == nil {
		return
	}
	m.authAttempts.WithLabelValues(proto, authtype, result).Inc()
	if result == ResultRateLimited {
		m.rateLimited.WithLabelValues(proto).Inc()
	}
}

// ObserveAbuse records an abuse threshold crossing.
func (m *Metrics) ObserveAbuse(proto, kind string) {
	if m == nil {
		return
	}
	m.abuseEvents.WithLabelValues(proto, kind).Inc()
}

// SessionDelta adjusts the open session gauge.
func (m *Metrics) SessionDelta(proto string, delta float64) {
	if m == nil {
		return
	}
	m.openSessions.WithLabelValues(proto).Add(delta)
}

// ObserveFSOp records one filesystem operation outcome.
func (m *Metrics) ObserveFSOp(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.fsOps.WithLabelValues(op, result).Inc()
}

// Serve runs the metrics endpoint on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, lg *slog.Logger) error {
	if m == nil || addr == "" {
		return nil
	}
	if lg == nil {
		lg = slog.Default()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	lg.Info("metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
