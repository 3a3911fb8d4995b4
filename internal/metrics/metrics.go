// Package metrics exposes the daemon's operational counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Acquisitions counts acquisition attempts by outcome:
	// success, failure, skip.
	Acquisitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "airfieldwx_acquisitions_total",
		Help: "Acquisition attempts by airport, kind, and outcome.",
	}, []string{"airport", "kind", "outcome"})

	// Rejections counts quality-gate rejections by reason class
	Rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "airfieldwx_rejections_total",
		Help: "Quality-gate rejections by airport and reason.",
	}, []string{"airport", "reason"})

	// VariantsWritten counts published variant files
	VariantsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "airfieldwx_variants_written_total",
		Help: "Published variant files by airport and format.",
	}, []string{"airport", "format"})

	// PoolJobs counts pool job outcomes: completed, timed_out, failed
	PoolJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "airfieldwx_pool_jobs_total",
		Help: "Worker pool job outcomes by pool and outcome.",
	}, []string{"pool", "outcome"})

	// SchedulerLoops counts scheduler loop iterations
	SchedulerLoops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "airfieldwx_scheduler_loops_total",
		Help: "Scheduler loop iterations.",
	})

	// CircuitsOpen gauges currently suppressed sources
	CircuitsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "airfieldwx_circuits_open",
		Help: "Sources currently suppressed by an open circuit.",
	})

	// WeatherFetches counts weather polls by outcome
	WeatherFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "airfieldwx_weather_fetches_total",
		Help: "Weather source polls by airport, source, and outcome.",
	}, []string{"airport", "source", "outcome"})
)
