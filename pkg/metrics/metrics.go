// Package metrics holds the prometheus collectors of the harness.
package metrics

import (
	"reflect"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are safe to update without registration; RegisterMetrics exposes them.
var Metrics = struct {
	ServerStarts        *prometheus.CounterVec
	ServerStartFailures *prometheus.CounterVec
	ServerStartDuration *prometheus.HistogramVec
	ServersRunning      prometheus.Gauge

	ConvergencePolls     *prometheus.CounterVec
	ConvergenceOutcomes  *prometheus.CounterVec
	ConvergenceDurations prometheus.Histogram

	Transfers         *prometheus.CounterVec
	TransferFailures  *prometheus.CounterVec
	DiffMismatches    prometheus.Counter
	DiffRecordsOnlyIn prometheus.Counter

	ZonesGenerated   prometheus.Counter
	RecordsGenerated prometheus.Counter

	Runs *prometheus.CounterVec
}{
	ServerStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "harness_server_starts_total",
		Help: "The total number of server processes started, by family",
	}, []string{"family"}),
	ServerStartFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "harness_server_start_failures_total",
		Help: "The total number of server processes that failed to become ready, by family",
	}, []string{"family"}),
	ServerStartDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "harness_server_start_duration_seconds",
		Help:    "Time from spawn until a server answered its readiness probe",
		Buckets: prometheus.ExponentialBucketsRange(0.01, 30, 15),
	}, []string{"family"}),
	ServersRunning: prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "harness_servers_running",
		Help: "The number of server processes currently running",
	}),
	ConvergencePolls: prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "harness_convergence_polls_total",
		Help: "The total number of SOA serial polls, by result",
	}, []string{"result"}),
	ConvergenceOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "harness_convergence_outcomes_total",
		Help: "The total number of (zone, server) waits, by final state",
	}, []string{"state"}),
	ConvergenceDurations: prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "harness_convergence_duration_seconds",
		Help:    "Time until a (zone, server) pair converged or timed out",
		Buckets: prometheus.ExponentialBucketsRange(0.05, 120, 15),
	}),
	Transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "harness_transfers_total",
		Help: "The total number of zone transfers fetched for comparison, by type",
	}, []string{"type"}),
	TransferFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "harness_transfer_failures_total",
		Help: "The total number of failed zone transfers, by type",
	}, []string{"type"}),
	DiffMismatches: prometheus.NewCounter(prometheus.CounterOpts{
		Name: "harness_diff_mismatches_total",
		Help: "The total number of zone comparisons that found differences",
	}),
	DiffRecordsOnlyIn: prometheus.NewCounter(prometheus.CounterOpts{
		Name: "harness_diff_records_total",
		Help: "The total number of records present on only one side of a comparison",
	}),
	ZonesGenerated: prometheus.NewCounter(prometheus.CounterOpts{
		Name: "harness_zones_generated_total",
		Help: "The total number of synthetic zones generated",
	}),
	RecordsGenerated: prometheus.NewCounter(prometheus.CounterOpts{
		Name: "harness_records_generated_total",
		Help: "The total number of records in generated zones",
	}),
	Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "harness_runs_total",
		Help: "The total number of harness runs, by result",
	}, []string{"result"}),
}

// RegisterMetrics registers every collector with reg.
func RegisterMetrics(reg prometheus.Registerer) {
	val := reflect.ValueOf(Metrics)
	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		reg.MustRegister(field.Interface().(prometheus.Collector))
	}
}
