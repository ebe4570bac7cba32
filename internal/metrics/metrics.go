package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons.
const (
	DropQueueFull = "queue_full"
	DropOverrun   = "overrun"
	DropInvalid   = "invalid"
	DropFlagged   = "flagged"
	DropNoBuffer  = "no_buffer"
)

var (
	FramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alohacapture_frames_received_total",
			Help: "Frames dequeued from the driver",
		},
		[]string{"stream"},
	)

	FramesRendered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alohacapture_frames_rendered_total",
			Help: "Frames released by the consumer",
		},
		[]string{"stream"},
	)

	FramesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alohacapture_frames_dropped_total",
			Help: "Frames dropped before reaching the consumer, by reason",
		},
		[]string{"stream", "reason"},
	)

	CaptureErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alohacapture_capture_errors_total",
			Help: "Transient errors absorbed by the capture loop",
		},
		[]string{"stream"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "alohacapture_handoff_queue_depth",
			Help: "Frames waiting in the handoff queue",
		},
		[]string{"stream"},
	)

	FramesPerSecond = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "alohacapture_frames_per_second",
			Help: "Rendered frame rate over a rolling window",
		},
		[]string{"stream"},
	)

	PreviewViewers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "alohacapture_preview_viewers",
			Help: "Connected preview clients",
		},
		[]string{"stream"},
	)

	PreviewSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alohacapture_preview_frames_skipped_total",
			Help: "Frames a slow preview client never received",
		},
		[]string{"stream"},
	)
)

func RecordReceived(stream string) {
	FramesReceived.WithLabelValues(stream).Inc()
}

func RecordRendered(stream string) {
	FramesRendered.WithLabelValues(stream).Inc()
}

func RecordDropped(stream, reason string) {
	FramesDropped.WithLabelValues(stream, reason).Inc()
}

func RecordError(stream string) {
	CaptureErrors.WithLabelValues(stream).Inc()
}

func SetQueueDepth(stream string, n int) {
	QueueDepth.WithLabelValues(stream).Set(float64(n))
}

func SetFPS(stream string, fps float64) {
	FramesPerSecond.WithLabelValues(stream).Set(fps)
}

func SetViewers(stream string, n int) {
	PreviewViewers.WithLabelValues(stream).Set(float64(n))
}

func RecordSkipped(stream string) {
	PreviewSkipped.WithLabelValues(stream).Inc()
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
