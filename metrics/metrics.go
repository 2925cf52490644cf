package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type ClientMetrics struct {
	RetryCount      *prometheus.GaugeVec
	FailureCount    *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

type ClipforgeAPIMetrics struct {
	Version                *prometheus.GaugeVec
	HTTPRequestsInFlight   prometheus.Gauge
	APIRequestDurationSec  *prometheus.SummaryVec
	PipelineDurationSec    *prometheus.SummaryVec
	PipelineStageCount     *prometheus.CounterVec
	DownloadBytes          prometheus.Counter
	TUSUploadDurationSec   prometheus.Histogram
	CallbacksReceivedCount *prometheus.CounterVec
	CallbacksUnmatched     prometheus.Counter
	ProgressClientsGauge   prometheus.Gauge
	ProgressFramesSent     prometheus.Counter

	ASRClient         ClientMetrics
	EditorClient      ClientMetrics
	ObjectStoreClient ClientMetrics
}

func NewMetrics() *ClipforgeAPIMetrics {
	m := &ClipforgeAPIMetrics{
		Version: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "version",
			Help: "Running version of the service, always 1 with the version as a label",
		}, []string{"app", "version"}),
		HTTPRequestsInFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "The number of API requests currently being served",
		}),
		APIRequestDurationSec: promauto.NewSummaryVec(prometheus.SummaryOpts{
			Name: "api_request_duration_seconds",
			Help: "The latency of API requests in seconds broken up by success and status code",
		}, []string{"success", "status_code"}),
		PipelineDurationSec: promauto.NewSummaryVec(prometheus.SummaryOpts{
			Name: "pipeline_duration_seconds",
			Help: "The time pipeline tasks take to run, broken up by task type and success",
		}, []string{"task_type", "success"}),
		PipelineStageCount: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_stage_count",
			Help: "The total number of pipeline stage completions by stage and status",
		}, []string{"stage", "status"}),
		DownloadBytes: promauto.NewCounter(prometheus.CounterOpts{
			Name: "download_bytes_total",
			Help: "Total bytes of source video fetched by the download worker",
		}),
		TUSUploadDurationSec: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "tus_upload_duration_seconds",
			Help:    "Time taken to upload audio to the resumable ASR backend",
			Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		CallbacksReceivedCount: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "asr_callbacks_received_count",
			Help: "The total number of ASR completion callbacks received by status",
		}, []string{"status"}),
		CallbacksUnmatched: promauto.NewCounter(prometheus.CounterOpts{
			Name: "asr_callbacks_unmatched_count",
			Help: "The total number of ASR callbacks that could not be matched to a task",
		}),
		ProgressClientsGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "progress_ws_clients",
			Help: "The number of currently connected progress WebSocket clients",
		}),
		ProgressFramesSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "progress_frames_sent_count",
			Help: "The total number of progress frames pushed to WebSocket clients",
		}),

		// Clients metrics

		ASRClient: ClientMetrics{
			RetryCount: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "asr_client_retry_count",
				Help: "The number of retries of a successful request to the ASR backend",
			}, []string{"host"}),
			FailureCount: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "asr_client_failure_count",
				Help: "The total number of failed ASR backend requests",
			}, []string{"host", "status_code"}),
			RequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "asr_client_request_duration",
				Help:    "Time taken for ASR backend requests",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			}, []string{"host"}),
		},

		EditorClient: ClientMetrics{
			RetryCount: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "editor_client_retry_count",
				Help: "The number of retries of a successful request to an editor backend",
			}, []string{"host"}),
			FailureCount: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "editor_client_failure_count",
				Help: "The total number of failed editor backend requests",
			}, []string{"host", "status_code"}),
			RequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "editor_client_request_duration",
				Help:    "Time taken for editor backend requests",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			}, []string{"host"}),
		},

		ObjectStoreClient: ClientMetrics{
			RetryCount: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "object_store_retry_count",
				Help: "The number of retries of a successful object store operation",
			}, []string{"host", "operation"}),
			FailureCount: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "object_store_failure_count",
				Help: "The total number of failed object store operations",
			}, []string{"host", "operation"}),
			RequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "object_store_request_duration",
				Help:    "Time taken for object store operations",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			}, []string{"host", "operation"}),
		},
	}

	return m
}

var Metrics = NewMetrics()
