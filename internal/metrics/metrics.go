package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EndpointResponses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "endpoint_responses_total",
		Help: "The total number of endpoint responses",
	}, []string{"endpoint", "status_code"})

	// Fusion plan cache
	FusionPlanLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dnn_fusion_plan_lookups_total",
		Help: "Fusion plan cache lookups by fusion type and result (hit, miss)",
	}, []string{"fusion", "result"})

	FusionPlanCompiles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dnn_fusion_plan_compiles_total",
		Help: "Fusion plan compile attempts by fusion type and outcome (compiled, unsupported)",
	}, []string{"fusion", "outcome"})

	// Pooling workspace cache
	PoolingWorkspaceBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dnn_pooling_workspace_bytes",
		Help: "Bytes held by cached pooling workspaces",
	})

	PoolingWorkspaceEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dnn_pooling_workspace_entries",
		Help: "Number of cached pooling workspaces",
	})

	PoolingWorkspaceEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dnn_pooling_workspace_evictions_total",
		Help: "Pooling workspaces evicted by the trim policy",
	})

	PoolingWorkspaceLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dnn_pooling_workspace_lookups_total",
		Help: "Pooling workspace cache lookups by result (hit, miss)",
	}, []string{"result"})

	// Algorithm selection
	ConvAlgorithmsReturned = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dnn_conv_algorithms_returned",
		Help:    "Number of convolution algorithms returned per query",
		Buckets: prometheus.LinearBuckets(1, 2, 8),
	}, []string{"mode", "kind"})

	ProviderErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dnn_provider_errors_total",
		Help: "Provider calls that returned a non-success status",
	}, []string{"call"})

	HandleWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dnn_handle_wait_seconds",
		Help:    "Time spent waiting to acquire the shared provider handle",
		Buckets: prometheus.ExponentialBuckets(1e-6, 4, 10), // 1us to ~0.26s
	})

	AutotuneElapsedMs = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dnn_autotune_elapsed_ms",
		Help: "Mean elapsed time of the fastest runner found for a configuration",
	}, []string{"config"})
)
