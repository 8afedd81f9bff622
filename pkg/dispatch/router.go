// Package dispatch is the admission layer: it decides, per tenant,
// hosted-vs-edge execution and enqueues a job envelope onto either the
// internal outbox or a selected runtime's edge queue.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ExecutionMode selects where a tenant's jobs run.
type ExecutionMode string

const (
	ModeHosted          ExecutionMode = "hosted"
	ModeCustomerRuntime ExecutionMode = "customer_runtime"
)

// ExecutionRouter reads the per-tenant execution_mode setting, falling back
// to a process-wide default. It is a pure read with no side effects.
type ExecutionRouter struct {
	pool        *pgxpool.Pool
	logger      *slog.Logger
	defaultMode ExecutionMode
}

// NewExecutionRouter creates an ExecutionRouter. defaultMode is used when a
// tenant has no setting row or the read fails.
func NewExecutionRouter(pool *pgxpool.Pool, logger *slog.Logger, defaultMode string) *ExecutionRouter {
	return &ExecutionRouter{pool: pool, logger: logger, defaultMode: parseMode(defaultMode)}
}

// GetModeForTenant reads the tenant's execution_mode setting. Unknown stored
// values collapse to hosted.
func (r *ExecutionRouter) GetModeForTenant(ctx context.Context, tenantID uuid.UUID) ExecutionMode {
	var raw string
	err := r.pool.QueryRow(ctx,
		`SELECT execution_mode FROM tenant_execution_settings WHERE tenant_id = $1`,
		tenantID,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return r.defaultMode
	}
	if err != nil {
		r.logger.Warn("reading tenant execution mode, falling back to default", "tenant_id", tenantID, "error", err)
		return r.defaultMode
	}
	return parseMode(raw)
}

func parseMode(raw string) ExecutionMode {
	switch ExecutionMode(raw) {
	case ModeCustomerRuntime:
		return ModeCustomerRuntime
	case ModeHosted:
		return ModeHosted
	default:
		return ModeHosted
	}
}

// SetModeForTenant upserts a tenant's execution_mode setting. Exposed for
// administrative configuration and seed/test fixtures.
func (r *ExecutionRouter) SetModeForTenant(ctx context.Context, tenantID uuid.UUID, mode ExecutionMode) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO tenant_execution_settings (tenant_id, execution_mode)
		 VALUES ($1, $2)
		 ON CONFLICT (tenant_id) DO UPDATE SET execution_mode = EXCLUDED.execution_mode`,
		tenantID, string(mode),
	)
	if err != nil {
		return fmt.Errorf("setting tenant execution mode: %w", err)
	}
	return nil
}
