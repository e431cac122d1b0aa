package consumer

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditHandler appends every consumed event to the event_log table.
type AuditHandler struct {
	pool *pgxpool.Pool
}

// NewAuditHandler constructs an AuditHandler.
func NewAuditHandler(pool *pgxpool.Pool) *AuditHandler {
	return &AuditHandler{pool: pool}
}

// Handle records msg. Redelivered messages are ignored.
func (h *AuditHandler) Handle(ctx context.Context, msg Message) error {
	_, err := h.pool.Exec(ctx,
		`INSERT INTO event_log (event_type, schema_id, schema_subject, topic, partition, record_offset, record_key, payload, received_at)
         VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
         ON CONFLICT (topic, partition, record_offset) DO NOTHING`,
		msg.EventType,
		msg.SchemaID,
		msg.SchemaSubject,
		msg.Topic,
		msg.Partition,
		msg.Offset,
		msg.Key,
		msg.Payload,
		msg.Timestamp,
	)
	return err
}
