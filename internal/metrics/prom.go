package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "assay_build_info",
			Help:        "Build information",
			ConstLabels: prometheus.Labels{"component": "server"},
		},
		[]string{"date", "sha", "version"},
	)

	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "assay_sessions_active",
			Help: "Number of live purity-test sessions",
		},
	)

	framesProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assay_frames_processed_total",
			Help: "Frames accepted and run through the stage engine",
		},
		[]string{"transport", "stage"},
	)

	framesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assay_frames_dropped_total",
			Help: "Frames dropped by backpressure or decode failure",
		},
		[]string{"transport", "reason"},
	)

	stageTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assay_stage_transitions_total",
			Help: "Stage machine transitions",
		},
		[]string{"from", "to"},
	)

	detectorDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "assay_detector_duration_seconds",
			Help:    "Detector invocation latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model"},
	)

	detectorTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assay_detector_timeouts_total",
			Help: "Detector invocations that exceeded their deadline",
		},
		[]string{"model"},
	)

	statusBroadcasts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "assay_status_broadcasts_total",
			Help: "Delta-triggered status updates delivered to clients",
		},
	)
)

// Register registers all metrics with the provided registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, sessionsActive, framesProcessed, framesDropped, stageTransitions, detectorDuration, detectorTimeouts, statusBroadcasts)
}

// SetServerBuildInfo sets the build info metric for the server.
func SetServerBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

// IncSessions adjusts the live session gauge.
func IncSessions() { sessionsActive.Inc() }
func DecSessions() { sessionsActive.Dec() }

// RecordFrameProcessed counts an accepted frame.
func RecordFrameProcessed(transport, stage string) {
	framesProcessed.WithLabelValues(transport, stage).Inc()
}

// RecordFrameDropped counts a rejected frame.
func RecordFrameDropped(transport, reason string) {
	framesDropped.WithLabelValues(transport, reason).Inc()
}

// RecordStageTransition counts a stage machine transition.
func RecordStageTransition(from, to string) {
	stageTransitions.WithLabelValues(from, to).Inc()
}

// ObserveDetectorDuration records the latency of one detector call.
func ObserveDetectorDuration(model string, d time.Duration) {
	detectorDuration.WithLabelValues(model).Observe(d.Seconds())
}

// RecordDetectorTimeout counts a detector deadline miss.
func RecordDetectorTimeout(model string) {
	detectorTimeouts.WithLabelValues(model).Inc()
}

// RecordStatusBroadcast counts one delivered status update.
func RecordStatusBroadcast() { statusBroadcasts.Inc() }
