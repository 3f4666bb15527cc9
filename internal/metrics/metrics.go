// Package metrics exposes the Prometheus collectors of the pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CaptureLinesTotal counts capture lines by outcome (parsed, skipped, out_of_scope).
	CaptureLinesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "styx_capture_lines_total",
			Help: "Total number of capture lines read, by outcome",
		},
		[]string{"outcome"},
	)

	// DNSRepliesTotal counts DNS replies learned from the resolution log.
	DNSRepliesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "styx_resolver_dns_replies_total",
			Help: "Total number of DNS replies ingested from the resolution log",
		},
	)

	// LookupsTotal counts on-demand lookups by result (resolved, unresolved, dropped).
	LookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "styx_resolver_lookups_total",
			Help: "Total number of on-demand name lookups, by result",
		},
		[]string{"result"},
	)

	// FlushesTotal counts window flushes by result (written, empty, failed).
	FlushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "styx_sink_flushes_total",
			Help: "Total number of window flushes, by result",
		},
		[]string{"result"},
	)

	// RowsWrittenTotal counts rows committed to the store.
	RowsWrittenTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "styx_sink_rows_written_total",
			Help: "Total number of traffic rows written",
		},
	)

	// FlushLatencySeconds measures the time spent writing one window.
	FlushLatencySeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "styx_sink_flush_latency_seconds",
			Help:    "Latency of window writes in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
		},
	)

	// ActiveFlows tracks the number of flows in the last flushed window.
	ActiveFlows = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "styx_aggregator_window_flows",
			Help: "Number of flows in the last flushed window",
		},
	)
)
