package tree

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics instruments loads and merges.
type Metrics struct {
	LoadsStarted   prometheus.Counter
	LoadsCancelled prometheus.Counter
	LoadsFailed    *prometheus.CounterVec
	LoadDuration   prometheus.Histogram
	NodesMerged    prometheus.Counter
	PartsDiscarded prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		LoadsStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: "arbor",
			Name:      "level_loads_started_total",
			Help:      "Hierarchy level loads issued to the provider.",
		}),
		LoadsCancelled: f.NewCounter(prometheus.CounterOpts{
			Namespace: "arbor",
			Name:      "level_loads_cancelled_total",
			Help:      "Hierarchy level loads abandoned after cancellation.",
		}),
		LoadsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arbor",
			Name:      "level_loads_failed_total",
			Help:      "Hierarchy level loads that produced an info node.",
		}, []string{"reason"}),
		LoadDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "arbor",
			Name:      "level_load_duration_seconds",
			Help:      "Time to load one hierarchy level.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		NodesMerged: f.NewCounter(prometheus.CounterOpts{
			Namespace: "arbor",
			Name:      "nodes_merged_total",
			Help:      "Nodes swapped into the tree model.",
		}),
		PartsDiscarded: f.NewCounter(prometheus.CounterOpts{
			Namespace: "arbor",
			Name:      "parts_discarded_total",
			Help:      "Loaded parts dropped because their request was superseded.",
		}),
	}
}
