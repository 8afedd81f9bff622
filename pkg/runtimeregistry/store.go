package runtimeregistry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const runtimeColumns = `id, tenant_id, display_name, tags, capabilities, metadata, status, last_seen_at, registered_at`

// Store provides database operations for runtimes and registration tokens
// against the ep_runtime_instances / ep_runtime_registration_tokens tables.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func scanRuntime(row pgx.Row) (Runtime, error) {
	var rt Runtime
	var tagsJSON, capsJSON, metaJSON []byte
	var lastSeen *time.Time
	err := row.Scan(
		&rt.ID, &rt.TenantID, &rt.DisplayName, &tagsJSON, &capsJSON, &metaJSON,
		&rt.Status, &lastSeen, &rt.RegisteredAt,
	)
	if err != nil {
		return Runtime{}, err
	}
	rt.LastSeenAt = lastSeen
	if len(tagsJSON) > 0 {
		if err := json.Unmarshal(tagsJSON, &rt.Tags); err != nil {
			return Runtime{}, fmt.Errorf("unmarshalling tags: %w", err)
		}
	}
	if len(capsJSON) > 0 {
		if err := json.Unmarshal(capsJSON, &rt.Capabilities); err != nil {
			return Runtime{}, fmt.Errorf("unmarshalling capabilities: %w", err)
		}
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &rt.Metadata); err != nil {
			return Runtime{}, fmt.Errorf("unmarshalling metadata: %w", err)
		}
	}
	return rt, nil
}

// GetByEpID loads a runtime scoped to a tenant. Returns pgx.ErrNoRows if absent
// or owned by a different tenant.
func (s *Store) GetByEpID(ctx context.Context, tenantID, epID uuid.UUID) (Runtime, error) {
	query := `SELECT ` + runtimeColumns + ` FROM ep_runtime_instances WHERE id = $1 AND tenant_id = $2`
	return scanRuntime(s.pool.QueryRow(ctx, query, epID, tenantID))
}

// ListForTenant returns active runtimes for a tenant ordered freshest-first.
func (s *Store) ListForTenant(ctx context.Context, tenantID uuid.UUID) ([]Runtime, error) {
	query := `SELECT ` + runtimeColumns + ` FROM ep_runtime_instances
		WHERE tenant_id = $1 AND status = $2
		ORDER BY last_seen_at DESC NULLS LAST`
	rows, err := s.pool.Query(ctx, query, tenantID, StatusActive)
	if err != nil {
		return nil, fmt.Errorf("listing runtimes: %w", err)
	}
	defer rows.Close()

	var out []Runtime
	for rows.Next() {
		rt, err := scanRuntime(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning runtime row: %w", err)
		}
		out = append(out, rt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating runtime rows: %w", err)
	}
	return out, nil
}

// RegisterTx atomically consumes a registration token and inserts the new
// runtime row, within a single transaction.
//
// Returns ErrRegistrationTokenInvalid/Expired/Used on precondition failure.
func (s *Store) RegisterTx(ctx context.Context, tokenHash string, req RegisterRequest) (Runtime, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Runtime{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var tokenID, tenantID uuid.UUID
	var expiresAt time.Time
	var usedAt *time.Time
	err = tx.QueryRow(ctx,
		`SELECT id, tenant_id, expires_at, used_at FROM ep_runtime_registration_tokens
			WHERE token_hash = $1 FOR UPDATE`,
		tokenHash,
	).Scan(&tokenID, &tenantID, &expiresAt, &usedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Runtime{}, ErrRegistrationTokenInvalid
	}
	if err != nil {
		return Runtime{}, fmt.Errorf("loading registration token: %w", err)
	}
	if usedAt != nil {
		return Runtime{}, ErrRegistrationTokenUsed
	}
	if !expiresAt.After(time.Now()) {
		return Runtime{}, ErrRegistrationTokenExpired
	}

	tagsJSON, err := json.Marshal(nonNilStrings(req.Tags))
	if err != nil {
		return Runtime{}, fmt.Errorf("marshalling tags: %w", err)
	}
	capsJSON, err := json.Marshal(req.Capabilities)
	if err != nil {
		return Runtime{}, fmt.Errorf("marshalling capabilities: %w", err)
	}
	metaJSON, err := json.Marshal(nonNilMap(req.Metadata))
	if err != nil {
		return Runtime{}, fmt.Errorf("marshalling metadata: %w", err)
	}

	var rt Runtime
	now := time.Now()
	err = tx.QueryRow(ctx,
		`INSERT INTO ep_runtime_instances
			(tenant_id, display_name, tags, capabilities, metadata, status, last_seen_at, registered_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		 RETURNING `+runtimeColumns,
		tenantID, req.DisplayName, tagsJSON, capsJSON, metaJSON, StatusActive, now,
	).Scan(&rt.ID, &rt.TenantID, &rt.DisplayName, &tagsJSON, &capsJSON, &metaJSON,
		&rt.Status, &rt.LastSeenAt, &rt.RegisteredAt)
	if err != nil {
		return Runtime{}, fmt.Errorf("inserting runtime: %w", err)
	}
	_ = json.Unmarshal(tagsJSON, &rt.Tags)
	_ = json.Unmarshal(capsJSON, &rt.Capabilities)
	_ = json.Unmarshal(metaJSON, &rt.Metadata)

	tag, err := tx.Exec(ctx,
		`UPDATE ep_runtime_registration_tokens SET used_at = $1, runtime_id = $2 WHERE id = $3 AND used_at IS NULL`,
		now, rt.ID, tokenID,
	)
	if err != nil {
		return Runtime{}, fmt.Errorf("consuming registration token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Runtime{}, ErrRegistrationTokenUsed
	}

	if err := tx.Commit(ctx); err != nil {
		return Runtime{}, fmt.Errorf("committing registration: %w", err)
	}
	return rt, nil
}

// Heartbeat updates last_seen_at, optional status, and shallow-merges metadata.
func (s *Store) Heartbeat(ctx context.Context, tenantID, epID uuid.UUID, status string, metadata map[string]any) (Runtime, error) {
	rt, err := s.GetByEpID(ctx, tenantID, epID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Runtime{}, ErrRuntimeNotFound
	}
	if err != nil {
		return Runtime{}, fmt.Errorf("loading runtime: %w", err)
	}

	newStatus := rt.Status
	if status == StatusActive || status == StatusDraining || status == StatusOffline {
		newStatus = status
	}

	merged := rt.Metadata
	if merged == nil {
		merged = map[string]any{}
	}
	for k, v := range metadata {
		merged[k] = v
	}
	metaJSON, err := json.Marshal(merged)
	if err != nil {
		return Runtime{}, fmt.Errorf("marshalling metadata: %w", err)
	}

	now := time.Now()
	_, err = s.pool.Exec(ctx,
		`UPDATE ep_runtime_instances SET last_seen_at = $1, status = $2, metadata = $3 WHERE id = $4 AND tenant_id = $5`,
		now, newStatus, metaJSON, epID, tenantID,
	)
	if err != nil {
		return Runtime{}, fmt.Errorf("updating heartbeat: %w", err)
	}

	rt.LastSeenAt = &now
	rt.Status = newStatus
	rt.Metadata = merged
	return rt, nil
}

// UpdateCapabilities atomically replaces tags and capabilities and bumps last_seen_at.
func (s *Store) UpdateCapabilities(ctx context.Context, tenantID, epID uuid.UUID, tags []string, caps Capabilities) error {
	tagsJSON, err := json.Marshal(nonNilStrings(tags))
	if err != nil {
		return fmt.Errorf("marshalling tags: %w", err)
	}
	capsJSON, err := json.Marshal(caps)
	if err != nil {
		return fmt.Errorf("marshalling capabilities: %w", err)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE ep_runtime_instances SET tags = $1, capabilities = $2, last_seen_at = $3 WHERE id = $4 AND tenant_id = $5`,
		tagsJSON, capsJSON, time.Now(), epID, tenantID,
	)
	if err != nil {
		return fmt.Errorf("updating capabilities: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRuntimeNotFound
	}
	return nil
}

// CreateRegistrationToken persists a new registration token hash for a tenant.
func (s *Store) CreateRegistrationToken(ctx context.Context, tenantID uuid.UUID, tokenHash string, expiresAt time.Time, createdBy *uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ep_runtime_registration_tokens (tenant_id, token_hash, expires_at, created_by_user_id)
		 VALUES ($1, $2, $3, $4)`,
		tenantID, tokenHash, expiresAt, createdBy,
	)
	if err != nil {
		return fmt.Errorf("creating registration token: %w", err)
	}
	return nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
