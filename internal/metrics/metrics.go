// Package metrics provides Prometheus instrumentation for reframe.
//
// Collectors are registered with the default registry through promauto.
// Mount promhttp.Handler() to expose them:
//
//	mux.Handle("/metrics", promhttp.Handler())
//
// All metrics are prefixed with "reframe_".
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Run status label values
const (
	StatusSuccess  = "success"
	StatusFailed   = "failed"
	StatusCanceled = "canceled"
)

// Transcoder metrics
var (
	TranscoderRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reframe_transcoder_runs_total",
			Help: "Total number of transcode runs by outcome",
		},
		[]string{"status"},
	)

	TranscoderRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reframe_transcoder_run_duration_seconds",
			Help:    "Duration of transcode runs in seconds",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	TranscoderRunsInProgress = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reframe_transcoder_runs_in_progress",
			Help: "Number of transcode runs currently executing",
		},
	)

	FramesRendered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reframe_transcoder_frames_rendered_total",
			Help: "Total number of frames drawn by the transform stage",
		},
	)
)

// Muxer metrics
var (
	MuxerSamplesWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reframe_muxer_samples_written_total",
			Help: "Total number of samples written to output containers",
		},
		[]string{"track"},
	)
)

// Scheduler metrics
var (
	SchedulerRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reframe_scheduler_retries_total",
			Help: "Total number of transcode retries after a failed run",
		},
	)

	SchedulerQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reframe_scheduler_queue_depth",
			Help: "Number of jobs waiting for the transcode lock",
		},
	)
)
