// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Stream supervisor counters
	StreamsStarted      = promauto.NewCounter(prometheus.CounterOpts{Name: "stream_starts_total", Help: "Number of stream sessions started"})
	StreamSpawnFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "stream_spawn_failures_total", Help: "Number of encoder spawn failures"})
	StreamRestarts      = promauto.NewCounter(prometheus.CounterOpts{Name: "stream_restarts_total", Help: "Number of encoder restart attempts"})
	StreamAbnormalExits = promauto.NewCounter(prometheus.CounterOpts{Name: "stream_abnormal_exits_total", Help: "Number of abnormal encoder exits"})

	// Auto-reply counters
	AutoReplyTicks    = promauto.NewCounter(prometheus.CounterOpts{Name: "autoreply_ticks_total", Help: "Number of auto-reply polling ticks executed"})
	CommentsProcessed = promauto.NewCounter(prometheus.CounterOpts{Name: "autoreply_comments_processed_total", Help: "Number of comments marked processed"})
	RepliesSent       = promauto.NewCounter(prometheus.CounterOpts{Name: "autoreply_replies_sent_total", Help: "Number of immediate replies sent"})
	FollowUpsSent     = promauto.NewCounter(prometheus.CounterOpts{Name: "autoreply_followups_sent_total", Help: "Number of follow-up replies sent"})
	ReplySendFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "autoreply_send_failures_total", Help: "Number of reply sink send failures"})

	// Histograms (seconds)
	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "autoreply_tick_duration_seconds", Help: "Auto-reply tick duration seconds", Buckets: prometheus.DefBuckets})

	// Gauges
	ActiveStreamsGauge    = promauto.NewGauge(prometheus.GaugeOpts{Name: "stream_active_sessions", Help: "Current number of tracked stream sessions"})
	PendingFollowUpsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "autoreply_pending_followups", Help: "Currently scheduled follow-up tasks"})
)

// SetActiveStreams records the current tracked session count.
func SetActiveStreams(n int) { ActiveStreamsGauge.Set(float64(n)) }

// SetPendingFollowUps records the currently scheduled follow-up count.
func SetPendingFollowUps(n int) { PendingFollowUpsGauge.Set(float64(n)) }

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
