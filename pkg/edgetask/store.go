package edgetask

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const taskColumns = `id, tenant_id, message_type, message_payload, status, target_runtime_id,
	lease_id, lease_expires_at, leased_to_runtime_id, attempt_count, max_attempts,
	last_error, enqueued_at, acked_at, failed_at, updated_at`

// TaskStore is the durable system of record for EdgeTask rows, backed by
// edge_task_records. State transitions are enforced by TaskGateway; the
// store itself offers primitive CRUD plus transactional mutation.
type TaskStore struct {
	pool *pgxpool.Pool
}

// NewTaskStore creates a TaskStore backed by the given connection pool.
func NewTaskStore(pool *pgxpool.Pool) *TaskStore {
	return &TaskStore{pool: pool}
}

func scanTask(row pgx.Row) (EdgeTask, error) {
	var t EdgeTask
	var leaseID *string
	var lastError *string
	err := row.Scan(
		&t.ID, &t.TenantID, &t.MessageType, &t.Envelope, &t.Status, &t.TargetRuntimeID,
		&leaseID, &t.LeaseExpiresAt, &t.LeasedToRuntimeID, &t.AttemptCount, &t.MaxAttempts,
		&lastError, &t.EnqueuedAt, &t.AckedAt, &t.FailedAt, &t.UpdatedAt,
	)
	if err != nil {
		return EdgeTask{}, err
	}
	if leaseID != nil {
		t.LeaseID = *leaseID
	}
	if lastError != nil {
		t.LastError = *lastError
	}
	return t, nil
}

// Insert creates a new EdgeTask row in the queued state.
func (s *TaskStore) Insert(ctx context.Context, tenantID, targetRuntimeID uuid.UUID, messageType string, envelope []byte, maxAttempts int) (EdgeTask, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO edge_task_records
			(tenant_id, message_type, message_payload, status, target_runtime_id, attempt_count, max_attempts, enqueued_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $7)
		 RETURNING `+taskColumns,
		tenantID, messageType, envelope, StatusQueued, targetRuntimeID, maxAttempts, time.Now(),
	)
	return scanTask(row)
}

// GetByID loads a task scoped to a tenant.
func (s *TaskStore) GetByID(ctx context.Context, tenantID, taskID uuid.UUID) (EdgeTask, error) {
	query := `SELECT ` + taskColumns + ` FROM edge_task_records WHERE id = $1 AND tenant_id = $2`
	return scanTask(s.pool.QueryRow(ctx, query, taskID, tenantID))
}

// MarkLeased persists the leased transition for a claimed task.
func (s *TaskStore) MarkLeased(ctx context.Context, taskID uuid.UUID, leaseID string, leaseExpiresAt time.Time, leasedTo uuid.UUID, attemptCount int) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE edge_task_records
		 SET status = $1, lease_id = $2, lease_expires_at = $3, leased_to_runtime_id = $4,
		     attempt_count = $5, updated_at = $6
		 WHERE id = $7`,
		StatusLeased, leaseID, leaseExpiresAt, leasedTo, attemptCount, time.Now(), taskID,
	)
	if err != nil {
		return fmt.Errorf("persisting lease: %w", err)
	}
	return nil
}

// MarkAcked persists the acked transition, clearing the lease triple.
func (s *TaskStore) MarkAcked(ctx context.Context, taskID uuid.UUID) error {
	now := time.Now()
	_, err := s.pool.Exec(ctx,
		`UPDATE edge_task_records
		 SET status = $1, lease_id = NULL, lease_expires_at = NULL, leased_to_runtime_id = NULL,
		     acked_at = $2, updated_at = $2
		 WHERE id = $3`,
		StatusAcked, now, taskID,
	)
	if err != nil {
		return fmt.Errorf("persisting ack: %w", err)
	}
	return nil
}

// MarkRequeued persists a lease->queued transition with a new last_error.
func (s *TaskStore) MarkRequeued(ctx context.Context, taskID uuid.UUID, lastError string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE edge_task_records
		 SET status = $1, lease_id = NULL, lease_expires_at = NULL, leased_to_runtime_id = NULL,
		     last_error = $2, updated_at = $3
		 WHERE id = $4`,
		StatusQueued, nullableString(lastError), time.Now(), taskID,
	)
	if err != nil {
		return fmt.Errorf("persisting requeue: %w", err)
	}
	return nil
}

// MarkDeadLetter persists the terminal dead_letter transition.
func (s *TaskStore) MarkDeadLetter(ctx context.Context, taskID uuid.UUID, lastError string) error {
	now := time.Now()
	_, err := s.pool.Exec(ctx,
		`UPDATE edge_task_records
		 SET status = $1, lease_id = NULL, lease_expires_at = NULL, leased_to_runtime_id = NULL,
		     last_error = $2, failed_at = $3, updated_at = $3
		 WHERE id = $4`,
		StatusDeadLetter, nullableString(lastError), now, taskID,
	)
	if err != nil {
		return fmt.Errorf("persisting dead-letter: %w", err)
	}
	return nil
}

// ListQueued returns all queued EdgeTask rows, used to rebuild the LeaseIndex
// on process restart.
func (s *TaskStore) ListQueued(ctx context.Context) ([]EdgeTask, error) {
	return s.listByStatus(ctx, StatusQueued)
}

// ListLeased returns all leased EdgeTask rows, used to rebuild the
// LeaseIndex on process restart.
func (s *TaskStore) ListLeased(ctx context.Context) ([]EdgeTask, error) {
	return s.listByStatus(ctx, StatusLeased)
}

func (s *TaskStore) listByStatus(ctx context.Context, status string) ([]EdgeTask, error) {
	query := `SELECT ` + taskColumns + ` FROM edge_task_records WHERE status = $1`
	rows, err := s.pool.Query(ctx, query, status)
	if err != nil {
		return nil, fmt.Errorf("listing tasks by status: %w", err)
	}
	defer rows.Close()

	var out []EdgeTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task row: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating task rows: %w", err)
	}
	return out, nil
}

// CountByStatus returns the number of EdgeTask rows currently in status,
// used by the periodic dead-letter sweep report.
func (s *TaskStore) CountByStatus(ctx context.Context, status string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM edge_task_records WHERE status = $1`, status).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting tasks by status: %w", err)
	}
	return count, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
