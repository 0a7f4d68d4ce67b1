// Package metrics exposes prometheus instrumentation for the verification
// pipeline. Registration happens at init on the default registry; Serve
// starts an optional /metrics listener.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// StreamsChecked counts finished verdicts by result ("working",
	// "dead") and origin ("probe", "cache").
	StreamsChecked = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "streamkeeper_streams_checked_total",
		Help: "Stream verdicts produced, by result and origin.",
	}, []string{"result", "origin"})

	// ProbeOutcomes counts individual probe method attempts.
	ProbeOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "streamkeeper_probe_attempts_total",
		Help: "Probe method attempts, by method and outcome.",
	}, []string{"method", "outcome"})

	// ProbesInFlight tracks concurrently running aggregations.
	ProbesInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "streamkeeper_probes_in_flight",
		Help: "Aggregation tasks currently running.",
	})

	// ChannelsDropped counts catalog entries removed by cleanup.
	ChannelsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "streamkeeper_channels_dropped_total",
		Help: "Channels removed from the catalog, by category.",
	}, []string{"category"})

	// ChannelsMerged counts same-channel duplicates collapsed by cleanup.
	ChannelsMerged = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "streamkeeper_channels_merged_total",
		Help: "Duplicate channel entries merged away, by category.",
	}, []string{"category"})

	// ChannelsRestored counts entries re-added from donors.
	ChannelsRestored = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "streamkeeper_channels_restored_total",
		Help: "Channels restored from donor sources, by category.",
	}, []string{"category"})

	// BatchDuration observes wall-clock time of whole verification batches.
	BatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "streamkeeper_batch_duration_seconds",
		Help:    "Duration of runBatch calls.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})
)

func init() {
	prometheus.MustRegister(
		StreamsChecked, ProbeOutcomes, ProbesInFlight,
		ChannelsDropped, ChannelsMerged, ChannelsRestored, BatchDuration,
	)
}

// Serve blocks serving /metrics on addr.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv.ListenAndServe()
}
