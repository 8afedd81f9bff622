package edgetask

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// uniqueViolation is the Postgres SQLSTATE for a unique constraint violation.
const uniqueViolation = "23505"

// ReceiptStore is the deduplication ledger for result-ingestion requests,
// keyed by (tenant_id, runtime_id, request_id), backed by edge_result_receipts.
type ReceiptStore struct {
	pool *pgxpool.Pool
}

// NewReceiptStore creates a ReceiptStore backed by the given connection pool.
func NewReceiptStore(pool *pgxpool.Pool) *ReceiptStore {
	return &ReceiptStore{pool: pool}
}

// Exists reports whether a receipt for (tenantID, runtimeID, requestID) has
// already been recorded.
func (s *ReceiptStore) Exists(ctx context.Context, tenantID, runtimeID uuid.UUID, requestID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM edge_result_receipts WHERE tenant_id = $1 AND runtime_id = $2 AND request_id = $3)`,
		tenantID, runtimeID, requestID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking receipt existence: %w", err)
	}
	return exists, nil
}

// Insert records a new receipt. If a unique-constraint violation races with
// a concurrent insert of the same (tenant, runtime, request_id), it returns
// (false, nil) to signal "already recorded by someone else" rather than an error.
func (s *ReceiptStore) Insert(ctx context.Context, tenantID, runtimeID uuid.UUID, requestID string, taskID *uuid.UUID, payloadHash string) (inserted bool, err error) {
	_, err = s.pool.Exec(ctx,
		`INSERT INTO edge_result_receipts (tenant_id, runtime_id, request_id, task_id, payload_hash)
		 VALUES ($1, $2, $3, $4, $5)`,
		tenantID, runtimeID, requestID, taskID, payloadHash,
	)
	if err == nil {
		return true, nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return false, nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return false, fmt.Errorf("inserting receipt: %w", err)
}
