// Package monitor exposes the host's Prometheus metrics.
package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	// CycleDuration tracks the relay loop's per-cycle wall time.
	CycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "armkit_cycle_duration_seconds",
		Help:    "Relay loop cycle duration",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
	})
	// CommandsApplied counts commands applied to the driver, per arm.
	CommandsApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "armkit_commands_applied_total",
		Help: "Commands applied to arm drivers",
	}, []string{"arm"})
	// CommandsConflated counts stale queued commands discarded in favor
	// of a newer one.
	CommandsConflated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "armkit_commands_conflated_total",
		Help: "Stale commands discarded by conflation",
	})
	// CommandsRejected counts commands refused because the arm was
	// mid-recovery.
	CommandsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "armkit_commands_rejected_total",
		Help: "Commands rejected while an arm was recovering",
	}, []string{"arm"})
	// ClampEvents counts command values bounded to the physical range.
	ClampEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "armkit_clamp_events_total",
		Help: "Command values clamped to joint limits",
	}, []string{"arm"})
	// RecoveryRuns counts recovery outcomes per arm and terminal state.
	RecoveryRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "armkit_recovery_runs_total",
		Help: "Recovery engine runs by outcome",
	}, []string{"arm", "state"})
	// MalformedMessages counts undecodable channel payloads.
	MalformedMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "armkit_malformed_messages_total",
		Help: "Malformed channel messages skipped",
	})
)

// Register installs the collectors on the default registry. Call once at
// startup.
func Register() {
	prometheus.MustRegister(
		CycleDuration,
		CommandsApplied,
		CommandsConflated,
		CommandsRejected,
		ClampEvents,
		RecoveryRuns,
		MalformedMessages,
	)
}

// Serve exposes /metrics on addr in a background goroutine. An empty
// addr disables the listener.
func Serve(addr string, log *zap.Logger) {
	if addr == "" {
		return
	}
	if log == nil {
		log = zap.NewNop()
	}
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		log.Info("metrics listening", zap.String("addr", addr))
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()
}
