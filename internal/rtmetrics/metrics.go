// Package rtmetrics exposes a small set of prometheus gauges/counters for
// the runtime's internal health — commands dispatched and not yet
// complete, in-flight pushes, horizons applied — distinct from the
// user-facing benchmarking API that this design explicitly keeps out of
// scope.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package rtmetrics

import "github.com/prometheus/client_golang/prometheus"

// Registry is a private prometheus registry: this runtime has no HTTP
// control plane (see DESIGN.md, dropped valyala/fasthttp), so nothing
// scrapes it; no code in this module gathers it either.
var Registry = prometheus.NewRegistry()

var (
	ReadyCommands = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "celerity_ready_commands",
		Help: "Number of commands dispatched by the serializer and not yet complete.",
	})
	InFlightTransfers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "celerity_inflight_transfers",
		Help: "Number of BTM pushes sent and not yet completed.",
	})
	HorizonsApplied = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "celerity_horizons_applied_total",
		Help: "Total number of horizon tasks applied (and their ancestors pruned).",
	})
	TasksSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "celerity_tasks_submitted_total",
		Help: "Total number of tasks submitted to the task manager.",
	})
)

func init() {
	Registry.MustRegister(ReadyCommands, InFlightTransfers, HorizonsApplied, TasksSubmitted)
}
