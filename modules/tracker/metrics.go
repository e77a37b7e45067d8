package tracker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nowplaying",
		Subsystem: module,
		Name:      "track_changes_total",
		Help:      "Confirmed track changes per station.",
	}, []string{"station"})

	metricDuplicates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nowplaying",
		Subsystem: module,
		Name:      "duplicate_observations_total",
		Help:      "Observations matching the current track.",
	}, []string{"station"})

	metricParseMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nowplaying",
		Subsystem: module,
		Name:      "parse_misses_total",
		Help:      "Stream titles that are not in artist - title form.",
	}, []string{"station"})

	metricReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nowplaying",
		Subsystem: module,
		Name:      "ingest_reconnects_total",
		Help:      "Reconnections to a station source after a failure.",
	}, []string{"station"})

	metricConnected = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "nowplaying",
		Subsystem: module,
		Name:      "ingest_connected",
		Help:      "Whether the metadata reader of a station is connected.",
	}, []string{"station"})

	metricDroppedChanges = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "nowplaying",
		Subsystem: module,
		Name:      "dropped_changes_total",
		Help:      "Change notifications dropped because the broadcaster fell behind.",
	})
)
