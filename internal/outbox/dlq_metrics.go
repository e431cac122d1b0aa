package outbox

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// Outcomes of one DLQ pass over an entry.
const (
	dlqRequeued    = "requeued"
	dlqRescheduled = "rescheduled"
	dlqQuarantined = "quarantined"
)

// Backlog states of the outbox_dlq table.
const (
	backlogPending     = "pending"
	backlogQuarantined = "quarantined"
)

var (
	dlqOutcomeCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sadhana",
		Subsystem: "dlq",
		Name:      "entries_handled_total",
		Help:      "DLQ entries handled, by topic, event type and outcome (requeued, rescheduled, quarantined).",
	}, []string{"topic", "event_type", "outcome"})

	dlqAttemptsHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sadhana",
		Subsystem: "dlq",
		Name:      "attempts",
		Help:      "Delivery attempts an entry used before it left the DLQ, by topic and outcome.",
		Buckets:   prometheus.LinearBuckets(1, 1, 10),
	}, []string{"topic", "outcome"})

	dlqBacklogGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "sadhana",
		Subsystem: "dlq",
		Name:      "backlog_entries",
		Help:      "Entries in the DLQ by topic and state (pending, quarantined).",
	}, []string{"topic", "state"})
)

func init() {
	prometheus.MustRegister(dlqOutcomeCounter, dlqAttemptsHistogram, dlqBacklogGauge)
}

// recordDLQOutcome counts one handled entry. Entries leaving the DLQ also record how
// many attempts they used.
func recordDLQOutcome(entry dlqEntry, outcome string) {
	dlqOutcomeCounter.WithLabelValues(entry.Topic, entry.EventType, outcome).Inc()
	if outcome != dlqRescheduled {
		dlqAttemptsHistogram.WithLabelValues(entry.Topic, outcome).Observe(float64(entry.RetryCount + 1))
	}
}

type backlogKey struct {
	topic string
	state string
}

// setBacklog replaces the backlog gauge with counts. Both sadhana topics are always
// reported so a drained queue reads zero.
func setBacklog(counts map[backlogKey]int) {
	dlqBacklogGauge.Reset()
	for _, topic := range []string{TopicLedgerEvents, TopicFamilyEvents} {
		for _, state := range []string{backlogPending, backlogQuarantined} {
			dlqBacklogGauge.WithLabelValues(topic, state).Set(0)
		}
	}
	for key, n := range counts {
		dlqBacklogGauge.WithLabelValues(key.topic, key.state).Set(float64(n))
	}
}

func updateBacklogGauge(ctx context.Context, pool *pgxpool.Pool) {
	rows, err := pool.Query(ctx, `SELECT topic, quarantined_at IS NOT NULL, COUNT(*) FROM outbox_dlq GROUP BY 1, 2`)
	if err != nil {
		return
	}
	defer rows.Close()

	counts := make(map[backlogKey]int)
	for rows.Next() {
		var (
			topic       string
			quarantined bool
			n           int
		)
		if err := rows.Scan(&topic, &quarantined, &n); err != nil {
			return
		}
		state := backlogPending
		if quarantined {
			state = backlogQuarantined
		}
		counts[backlogKey{topic: topic, state: state}] = n
	}
	if rows.Err() != nil {
		return
	}
	setBacklog(counts)
}
