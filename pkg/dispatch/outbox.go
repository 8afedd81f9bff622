package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// OutboxWriter is the hand-off to the internal hosted-path message table,
// an external collaborator specified only by the contract this dispatcher
// consumes: a durable, ordered record the hosted worker pool later drains.
type OutboxWriter interface {
	Write(ctx context.Context, messageType string, payload json.RawMessage) error
}

// PostgresOutboxWriter persists outbox records to outbox_messages.
type PostgresOutboxWriter struct {
	pool *pgxpool.Pool
}

// NewPostgresOutboxWriter creates a PostgresOutboxWriter.
func NewPostgresOutboxWriter(pool *pgxpool.Pool) *PostgresOutboxWriter {
	return &PostgresOutboxWriter{pool: pool}
}

// Write inserts a new outbox_messages row in the pending state.
func (w *PostgresOutboxWriter) Write(ctx context.Context, messageType string, payload json.RawMessage) error {
	_, err := w.pool.Exec(ctx,
		`INSERT INTO outbox_messages (message_type, payload, status) VALUES ($1, $2, 'pending')`,
		messageType, payload,
	)
	if err != nil {
		return fmt.Errorf("writing outbox message: %w", err)
	}
	return nil
}
