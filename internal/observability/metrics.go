package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	ledgerPersistGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sadhana",
		Subsystem: "ledger",
		Name:      "last_entry_persisted_timestamp_seconds",
		Help:      "Unix timestamp of the most recent ledger entry persisted.",
	})

	ledgerWritesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sadhana",
		Subsystem: "ledger",
		Name:      "writes_total",
		Help:      "Ledger writes grouped by operation (create, update, delete).",
	}, []string{"op"})

	aggregationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sadhana",
		Subsystem: "aggregation",
		Name:      "duration_seconds",
		Help:      "Time spent computing point aggregates, by scope.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"scope"})

	rollupCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sadhana",
		Subsystem: "rollup",
		Name:      "runs_total",
		Help:      "Family roll-ups grouped by outcome (ok, not_found, error).",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(ledgerPersistGauge, ledgerWritesCounter, aggregationDuration, rollupCounter)
}

// RecordLedgerPersisted updates the persistence watermark gauge.
func RecordLedgerPersisted(ts time.Time) {
	if ts.IsZero() {
		return
	}
	ledgerPersistGauge.Set(float64(ts.Unix()))
}

// RecordLedgerWrite counts a ledger mutation.
func RecordLedgerWrite(op string) {
	ledgerWritesCounter.WithLabelValues(op).Inc()
}

// ObserveAggregation records the time since start for scope. Use with defer.
func ObserveAggregation(scope string, start time.Time) {
	aggregationDuration.WithLabelValues(scope).Observe(time.Since(start).Seconds())
}

// RecordRollup counts a roll-up outcome.
func RecordRollup(outcome string) {
	rollupCounter.WithLabelValues(outcome).Inc()
}
