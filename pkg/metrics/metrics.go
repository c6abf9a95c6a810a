package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// GateAdmissions counts TryEnter outcomes: admitted, duplicate or conflict.
	GateAdmissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_gate_admissions_total",
			Help: "Atomic gate admission outcomes",
		},
		[]string{"result"},
	)

	// GateBusy is 1 while an atomic operation holds the gate.
	GateBusy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "portal_gate_busy",
			Help: "Whether an atomic operation is in flight",
		},
	)

	// InferenceDuration tracks backend predict calls including post-processing.
	InferenceDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "portal_inference_duration_seconds",
			Help:    "Time spent in backend inference and post-processing",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"model", "kind"},
	)

	// PredictionCache counts cache lookups by result.
	PredictionCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_prediction_cache_total",
			Help: "Prediction cache lookups by result",
		},
		[]string{"result"},
	)

	// LoadedModels is the number of resident models.
	LoadedModels = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "portal_loaded_models",
			Help: "Number of models currently loaded",
		},
	)

	// HTTPRequests counts API requests by route pattern and status code.
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_http_requests_total",
			Help: "HTTP requests by route and status",
		},
		[]string{"route", "status"},
	)
)
