// Package metrics defines the service's Prometheus instruments. Per-camera
// series carry a camera_id label; the rest are low-cardinality.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// FramesTotal counts frames by camera and disposition.
	FramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fas_frames_total",
			Help: "Frames by camera and disposition (processed, dropped, failed)",
		},
		[]string{"camera_id", "disposition"},
	)

	// DetectionsTotal counts face detections per camera.
	DetectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fas_detections_total",
			Help: "Total face detections",
		},
		[]string{"camera_id"},
	)

	// RecognitionsTotal counts identifications above threshold per camera.
	RecognitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fas_recognitions_total",
			Help: "Total identifications above the identify threshold",
		},
		[]string{"camera_id"},
	)

	// AttendanceTotal counts recorder outcomes.
	AttendanceTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fas_attendance_events_total",
			Help: "Attendance events by outcome (accepted, debounced, spilled)",
		},
		[]string{"outcome"},
	)

	// InferenceLatency tracks model latency per stage.
	InferenceLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fas_inference_latency_ms",
			Help:    "Inference latency in milliseconds",
			Buckets: []float64{5, 10, 25, 50, 100, 200, 500, 1000},
		},
		[]string{"stage"},
	)

	// PipelineState publishes the numeric pipeline state per camera.
	PipelineState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fas_pipeline_state",
			Help: "Pipeline state (0=initializing 1=running 2=degraded 3=stopping 4=stopped)",
		},
		[]string{"camera_id"},
	)

	// PipelineRestartsTotal counts capture reopen attempts per camera.
	PipelineRestartsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fas_pipeline_restarts_total",
			Help: "Capture reopen attempts",
		},
		[]string{"camera_id"},
	)

	// SubscriberFramesDropped counts MJPEG frames dropped for slow viewers.
	SubscriberFramesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fas_mjpeg_subscriber_dropped_total",
			Help: "Frames dropped for lagging MJPEG subscribers",
		},
		[]string{"camera_id"},
	)

	// ServiceUp is 1 while the controller reports Running.
	ServiceUp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fas_service_up",
			Help: "Face tracking service running state",
		},
	)
)

func RecordFrame(cameraID, disposition string) {
	FramesTotal.WithLabelValues(cameraID, disposition).Inc()
}

func RecordAttendance(outcome string) {
	AttendanceTotal.WithLabelValues(outcome).Inc()
}

func SetServiceUp(up bool) {
	if up {
		ServiceUp.Set(1)
	} else {
		ServiceUp.Set(0)
	}
}

// Handler serves the default registry, which promauto feeds.
func Handler() http.Handler {
	return promhttp.Handler()
}
