// Package observability — metrics.go
//
// Prometheus metrics for the subsystem supervisor core.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only — no external exposure.
//
// Metric naming convention: supervisor_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - Oper/admin state labels use the string state name (ten values max).
//   - Subsystem, process and alarm-subject names are used as label
//     values via WithLabelValues; their number is bounded by the
//     configured subsystems and processes, not an unbounded runtime
//     quantity like a pid.
//
// Of the collectors below, only AlarmsRaisedTotal (fed by AlarmSink) and
// SupervisorUptimeSeconds are updated inside this module; the others are
// registered and exported, and nothing in this module records into them.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dloman/gocapcom/internal/alarm"
)

// Metrics holds all Prometheus metric descriptors for the supervisor.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Oper state machine ──────────────────────────────────────────────────

	// StateTransitionsTotal counts oper-state transitions.
	// Labels: subsystem, from_state, to_state
	StateTransitionsTotal *prometheus.CounterVec

	// SubsystemsByOperState is the current count of subsystems in each
	// oper state. Labels: oper_state
	SubsystemsByOperState *prometheus.GaugeVec

	// ─── Restarts ─────────────────────────────────────────────────────────────

	// RestartsTotal counts full-subsystem restarts. Labels: subsystem
	RestartsTotal *prometheus.CounterVec

	// ProcessRestartsTotal counts per-process restarts under ProcessOnly.
	// Labels: subsystem, process
	ProcessRestartsTotal *prometheus.CounterVec

	// RestartDelaySeconds records the backoff delay actually waited
	// before a restart attempt. Labels: subsystem
	RestartDelaySeconds *prometheus.HistogramVec

	// ─── Umbilicals ───────────────────────────────────────────────────────────

	// UmbilicalRefCount is the current refcount of a held umbilical.
	// Labels: subsystem, compute
	UmbilicalRefCount *prometheus.GaugeVec

	// UmbilicalConnectFailuresTotal counts failed connect attempts.
	// Labels: subsystem, compute
	UmbilicalConnectFailuresTotal *prometheus.CounterVec

	// ─── Alarms ───────────────────────────────────────────────────────────────

	// AlarmsRaisedTotal counts alarms raised. Labels: subject, severity, reason
	AlarmsRaisedTotal *prometheus.CounterVec

	// ─── Process launches ────────────────────────────────────────────────────

	// LaunchLatencySeconds records time from Launch call to confirmed
	// ProcessStarted. Labels: subsystem
	LaunchLatencySeconds *prometheus.HistogramVec

	// ─── Supervisor ───────────────────────────────────────────────────────────

	// SupervisorUptimeSeconds is the number of seconds since the daemon
	// started.
	SupervisorUptimeSeconds prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates and registers all supervisor Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		StateTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "supervisor",
			Subsystem: "oper",
			Name:      "state_transitions_total",
			Help:      "Total oper-state transitions, by subsystem, from_state, and to_state.",
		}, []string{"subsystem", "from_state", "to_state"}),

		SubsystemsByOperState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "supervisor",
			Subsystem: "oper",
			Name:      "subsystems_in_state",
			Help:      "Current number of subsystems in each oper state.",
		}, []string{"oper_state"}),

		RestartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "supervisor",
			Subsystem: "restart",
			Name:      "subsystem_restarts_total",
			Help:      "Total full-subsystem restarts, by subsystem.",
		}, []string{"subsystem"}),

		ProcessRestartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "supervisor",
			Subsystem: "restart",
			Name:      "process_restarts_total",
			Help:      "Total per-process restarts under the ProcessOnly policy, by subsystem and process.",
		}, []string{"subsystem", "process"}),

		RestartDelaySeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "supervisor",
			Subsystem: "restart",
			Name:      "delay_seconds",
			Help:      "Backoff delay actually waited before a restart attempt, by subsystem.",
			Buckets:   []float64{1, 2, 4, 8, 16, 32},
		}, []string{"subsystem"}),

		UmbilicalRefCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "supervisor",
			Subsystem: "umbilical",
			Name:      "ref_count",
			Help:      "Current reference count of a held umbilical, by subsystem and compute.",
		}, []string{"subsystem", "compute"}),

		UmbilicalConnectFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "supervisor",
			Subsystem: "umbilical",
			Name:      "connect_failures_total",
			Help:      "Total failed umbilical connect attempts, by subsystem and compute.",
		}, []string{"subsystem", "compute"}),

		AlarmsRaisedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "supervisor",
			Subsystem: "alarm",
			Name:      "raised_total",
			Help:      "Total alarms raised, by subject, severity, and reason.",
		}, []string{"subject", "severity", "reason"}),

		LaunchLatencySeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "supervisor",
			Subsystem: "process",
			Name:      "launch_latency_seconds",
			Help:      "Time from a Launch call to a confirmed ProcessStarted event, by subsystem.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"subsystem"}),

		SupervisorUptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "supervisor",
			Subsystem: "daemon",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the supervisor daemon started.",
		}),
	}

	reg.MustRegister(
		m.StateTransitionsTotal,
		m.SubsystemsByOperState,
		m.RestartsTotal,
		m.ProcessRestartsTotal,
		m.RestartDelaySeconds,
		m.UmbilicalRefCount,
		m.UmbilicalConnectFailuresTotal,
		m.AlarmsRaisedTotal,
		m.LaunchLatencySeconds,
		m.SupervisorUptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on addr. Blocks
// until ctx is cancelled or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.SupervisorUptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}

// AlarmSink adapts Metrics to alarm.Sink so every raise also increments
// the Prometheus counter. Composes with ledger.Sink and alarm.LogSink
// through alarm.MultiSink.
type AlarmSink struct {
	m *Metrics
}

// NewAlarmSink wraps m as an alarm.Sink.
func NewAlarmSink(m *Metrics) AlarmSink { return AlarmSink{m: m} }

func (s AlarmSink) Raise(a alarm.Alarm) {
	s.m.AlarmsRaisedTotal.WithLabelValues(a.Subject, a.Severity.String(), string(a.Reason)).Inc()
}

func (s AlarmSink) Clear(string) {}
