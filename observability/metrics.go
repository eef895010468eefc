package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// AnchorMetrics tracks the admission pipeline and broadcast loops.
type AnchorMetrics struct {
	admissions       *prometheus.CounterVec
	broadcasts       *prometheus.CounterVec
	broadcastLatency *prometheus.HistogramVec
	batchSize        prometheus.Histogram
	poolDepth        *prometheus.GaugeVec
	unstuckJobs      prometheus.Counter
	capacityAlarms   prometheus.Counter
	splits           *prometheus.CounterVec
}

var (
	anchorMetricsOnce sync.Once
	anchorRegistry    *AnchorMetrics
)

// Anchor returns the lazily-initialised metrics registry shared by the
// admission server and the worker loops.
func Anchor() *AnchorMetrics {
	anchorMetricsOnce.Do(func() {
		anchorRegistry = &AnchorMetrics{
			admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "anchor",
				Subsystem: "admission",
				Name:      "intents_total",
				Help:      "Publish intents segmented by admission outcome.",
			}, []string{"outcome"}),
			broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "anchor",
				Subsystem: "broadcast",
				Name:      "attempts_total",
				Help:      "Broadcast attempts segmented by worker path and outcome.",
			}, []string{"path", "outcome"}),
			broadcastLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "anchor",
				Subsystem: "broadcast",
				Name:      "duration_seconds",
				Help:      "Latency distribution of ledger broadcast calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"path"}),
			batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "anchor",
				Subsystem: "batch",
				Name:      "size",
				Help:      "Distribution of collected batch sizes.",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
			}),
			poolDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "anchor",
				Subsystem: "pool",
				Name:      "utxos",
				Help:      "UTXO pool depth segmented by state.",
			}, []string{"state"}),
			unstuckJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "anchor",
				Subsystem: "batch",
				Name:      "unstuck_jobs_total",
				Help:      "Jobs reverted from sending to processing_batch by the TTL sweep.",
			}),
			capacityAlarms: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "anchor",
				Subsystem: "pool",
				Name:      "capacity_alarms_total",
				Help:      "Replenisher cycles where no funding input could cover a split.",
			}),
			splits: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "anchor",
				Subsystem: "pool",
				Name:      "splits_total",
				Help:      "Pool split attempts segmented by outcome.",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(
			anchorRegistry.admissions,
			anchorRegistry.broadcasts,
			anchorRegistry.broadcastLatency,
			anchorRegistry.batchSize,
			anchorRegistry.poolDepth,
			anchorRegistry.unstuckJobs,
			anchorRegistry.capacityAlarms,
			anchorRegistry.splits,
		)
	})
	return anchorRegistry
}

// RecordAdmission increments the admission counter for the given outcome.
// Outcomes are the taxonomy codes plus "accepted" and "duplicate".
func (m *AnchorMetrics) RecordAdmission(outcome string) {
	if m == nil {
		return
	}
	if outcome = strings.TrimSpace(outcome); outcome == "" {
		outcome = "unknown"
	}
	m.admissions.WithLabelValues(outcome).Inc()
}

// RecordBroadcast records one broadcast attempt. Path is "single", "batch",
// or "split".
func (m *AnchorMetrics) RecordBroadcast(path, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.broadcasts.WithLabelValues(path, outcome).Inc()
	m.broadcastLatency.WithLabelValues(path).Observe(duration.Seconds())
}

// RecordBatch observes the size of a freshly collected batch.
func (m *AnchorMetrics) RecordBatch(size int) {
	if m == nil || size <= 0 {
		return
	}
	m.batchSize.Observe(float64(size))
}

// SetPoolDepth publishes the current pool counters.
func (m *AnchorMetrics) SetPoolDepth(available, reserved, dirty, spent int64) {
	if m == nil {
		return
	}
	m.poolDepth.WithLabelValues("available").Set(float64(available))
	m.poolDepth.WithLabelValues("reserved").Set(float64(reserved))
	m.poolDepth.WithLabelValues("dirty").Set(float64(dirty))
	m.poolDepth.WithLabelValues("spent").Set(float64(spent))
}

// RecordUnstuck adds to the recovered-job counter.
func (m *AnchorMetrics) RecordUnstuck(count int64) {
	if m == nil || count <= 0 {
		return
	}
	m.unstuckJobs.Add(float64(count))
}

// RecordCapacityAlarm increments the no-funding-input alarm counter.
func (m *AnchorMetrics) RecordCapacityAlarm() {
	if m == nil {
		return
	}
	m.capacityAlarms.Inc()
}

// RecordSplit increments the split counter for the supplied outcome.
func (m *AnchorMetrics) RecordSplit(outcome string) {
	if m == nil {
		return
	}
	m.splits.WithLabelValues(outcome).Inc()
}
