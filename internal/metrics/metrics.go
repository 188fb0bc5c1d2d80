// Package metrics registers the runtime's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LoadsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "npud_model_loads_total",
		Help: "Number of artifacts loaded onto execution groups (siblings counted once).",
	})
	UnloadsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "npud_model_unloads_total",
		Help: "Number of models unloaded.",
	})
	ModelSwapsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "npud_model_swaps_total",
		Help: "Number of stop/start transitions caused by a request targeting a non-running model.",
	})
	InfersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "npud_infer_requests_total",
		Help: "Number of inference requests posted to the driver.",
	})
	InferErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "npud_infer_errors_total",
		Help: "Number of inference requests that surfaced a driver error.",
	})
	MicroBatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "npud_micro_batches_total",
		Help: "Number of micro-batches produced by batch splitting.",
	})
)
