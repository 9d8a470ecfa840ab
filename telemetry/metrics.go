// Package telemetry provides Prometheus metrics, OpenTelemetry tracing
// setup, and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	PollsTotal         prometheus.Counter
	LiveDetections     prometheus.Counter
	SessionsStarted    prometheus.Counter
	SessionsCompleted  prometheus.Counter
	SessionRetries     prometheus.Counter
	SegmentsCompleted  prometheus.Counter
	ArtifactsPublished prometheus.Counter
	ArtifactsFailed    prometheus.Counter

	// Per-class poll failures (transient, auth_required, unsupported_response)
	PollErrors *prometheus.CounterVec

	// Histograms (seconds)
	ResolveDuration prometheus.Observer
	SegmentDuration prometheus.Observer

	// Gauges
	ActiveSessionsGauge   prometheus.Gauge
	DegradedChannelsGauge prometheus.Gauge
	InflightPollsGauge    prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		PollsTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "monitor_polls_total", Help: "Number of liveness polls performed"})
		LiveDetections = promauto.NewCounter(prometheus.CounterOpts{Name: "monitor_live_detections_total", Help: "Number of offline-to-live transitions detected"})
		SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{Name: "monitor_sessions_started_total", Help: "Number of recording sessions started"})
		SessionsCompleted = promauto.NewCounter(prometheus.CounterOpts{Name: "monitor_sessions_completed_total", Help: "Number of recording sessions completed"})
		SessionRetries = promauto.NewCounter(prometheus.CounterOpts{Name: "monitor_session_retries_total", Help: "Number of in-session recorder restarts (stall or crash)"})
		SegmentsCompleted = promauto.NewCounter(prometheus.CounterOpts{Name: "monitor_segments_completed_total", Help: "Number of completed segment files"})
		ArtifactsPublished = promauto.NewCounter(prometheus.CounterOpts{Name: "monitor_artifacts_published_total", Help: "Number of artifact events delivered to all sinks"})
		ArtifactsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "monitor_artifact_sink_failures_total", Help: "Number of per-sink artifact delivery failures"})
		PollErrors = promauto.NewCounterVec(prometheus.CounterOpts{Name: "monitor_poll_errors_total", Help: "Number of failed polls by error class"}, []string{"class"})
		ResolveDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "monitor_resolve_duration_seconds", Help: "Resolution call duration seconds", Buckets: prometheus.DefBuckets})
		SegmentDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "monitor_segment_duration_seconds", Help: "Completed segment duration seconds", Buckets: []float64{10, 60, 300, 900, 1800, 3600, 7200}})
		ActiveSessionsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "monitor_active_sessions", Help: "Current number of active recording sessions"})
		DegradedChannelsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "monitor_degraded_channels", Help: "Current number of channels in degraded state"})
		InflightPollsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "monitor_inflight_polls", Help: "Resolve calls currently in flight"})
	})
}

// Counter/observer helpers below are nil-safe so packages can record
// metrics without caring whether Init ran (it doesn't in unit tests).

func CountPoll() {
	if PollsTotal != nil {
		PollsTotal.Inc()
	}
}

func CountLiveDetection() {
	if LiveDetections != nil {
		LiveDetections.Inc()
	}
}

func CountSessionStarted() {
	if SessionsStarted != nil {
		SessionsStarted.Inc()
	}
}

func CountSessionCompleted() {
	if SessionsCompleted != nil {
		SessionsCompleted.Inc()
	}
}

func CountSessionRetry() {
	if SessionRetries != nil {
		SessionRetries.Inc()
	}
}

func CountSegmentCompleted() {
	if SegmentsCompleted != nil {
		SegmentsCompleted.Inc()
	}
}

// ObserveResolve records one resolution call duration.
func ObserveResolve(d time.Duration) {
	if ResolveDuration != nil {
		ResolveDuration.Observe(d.Seconds())
	}
}

// ObserveSegment records one completed segment duration.
func ObserveSegment(d time.Duration) {
	if SegmentDuration != nil {
		SegmentDuration.Observe(d.Seconds())
	}
}

// AddInflightPoll tracks resolve calls currently holding a poll slot.
func AddInflightPoll(delta float64) {
	if InflightPollsGauge != nil {
		InflightPollsGauge.Add(delta)
	}
}

// CountArtifactPublished increments the delivered-artifact counter.
func CountArtifactPublished() {
	if ArtifactsPublished != nil {
		ArtifactsPublished.Inc()
	}
}

// CountArtifactFailed increments the per-sink failure counter.
func CountArtifactFailed() {
	if ArtifactsFailed != nil {
		ArtifactsFailed.Inc()
	}
}

// CountPollError increments the failure counter for an error class label.
func CountPollError(class string) {
	if PollErrors != nil {
		PollErrors.WithLabelValues(class).Inc()
	}
}

// SetActiveSessions records the current session count.
func SetActiveSessions(n int) {
	if ActiveSessionsGauge != nil {
		ActiveSessionsGauge.Set(float64(n))
	}
}

// SetDegradedChannels records the current degraded channel count.
func SetDegradedChannels(n int) {
	if DegradedChannelsGauge != nil {
		DegradedChannelsGauge.Set(float64(n))
	}
}

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

// WithCorrelation returns a new context embedding the correlation id.
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
