package runtimeregistry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/langbridge/edge-gateway/pkg/token"
)

// Service implements the RuntimeRegistry operations from the component
// design: registration-token minting, runtime registration, heartbeat,
// capability updates, and dispatch-time runtime selection.
type Service struct {
	store  *Store
	tokens *token.Service
	logger *slog.Logger
	regTTL time.Duration
}

// NewService creates a Service backed by store, using tokens to mint/issue
// bearer and registration tokens. regTTL is the registration-token lifetime.
func NewService(store *Store, tokens *token.Service, logger *slog.Logger, regTTL time.Duration) *Service {
	return &Service{store: store, tokens: tokens, logger: logger, regTTL: regTTL}
}

// CreateRegistrationToken mints a one-shot registration token for a tenant.
func (s *Service) CreateRegistrationToken(ctx context.Context, tenantID uuid.UUID, createdBy *uuid.UUID) (rawToken string, expiresAt time.Time, err error) {
	rawToken, hash, err := token.MintRegistrationToken()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("minting registration token: %w", err)
	}
	expiresAt = time.Now().Add(s.regTTL)

	if err := s.store.CreateRegistrationToken(ctx, tenantID, hash, expiresAt, createdBy); err != nil {
		return "", time.Time{}, err
	}
	return rawToken, expiresAt, nil
}

// RegisterRuntime consumes a registration token and mints the runtime's
// first access token. Runtime insert and token consumption are atomic inside
// Store.RegisterTx; a
// losing concurrent caller observes ErrRegistrationTokenUsed.
func (s *Service) RegisterRuntime(ctx context.Context, req RegisterRequest) (RegistrationResponse, error) {
	hash := token.HashRegistrationToken(req.RegistrationToken)

	rt, err := s.store.RegisterTx(ctx, hash, req)
	if err != nil {
		return RegistrationResponse{}, err
	}

	accessToken, expiresAt, err := s.tokens.IssueAccessToken(rt.TenantID, rt.ID)
	if err != nil {
		return RegistrationResponse{}, fmt.Errorf("issuing access token: %w", err)
	}

	return RegistrationResponse{
		EpID:        rt.ID,
		TenantID:    rt.TenantID,
		AccessToken: accessToken,
		TokenType:   "bearer",
		ExpiresAt:   expiresAt,
	}, nil
}

// Heartbeat updates last-seen and status/metadata, and rotates the access
// token. Whether to revoke prior tokens before their exp is an open question
// left unspecified upstream; this preserves the permissive behavior of
// letting overlapping tokens remain valid until natural expiry.
func (s *Service) Heartbeat(ctx context.Context, tenantID, epID uuid.UUID, req HeartbeatRequest) (HeartbeatResponse, error) {
	if _, err := s.store.Heartbeat(ctx, tenantID, epID, req.Status, req.Metadata); err != nil {
		return HeartbeatResponse{}, err
	}

	accessToken, expiresAt, err := s.tokens.IssueAccessToken(tenantID, epID)
	if err != nil {
		return HeartbeatResponse{}, fmt.Errorf("issuing access token: %w", err)
	}

	return HeartbeatResponse{
		Accepted:    true,
		ServerTime:  time.Now(),
		AccessToken: accessToken,
		ExpiresAt:   expiresAt,
	}, nil
}

// UpdateCapabilities replaces a runtime's tags and capabilities.
func (s *Service) UpdateCapabilities(ctx context.Context, tenantID, epID uuid.UUID, req UpdateCapabilitiesRequest) error {
	return s.store.UpdateCapabilities(ctx, tenantID, epID, req.Tags, req.Capabilities)
}

// ListRuntimesForTenant returns active runtimes, freshest heartbeat first.
func (s *Service) ListRuntimesForTenant(ctx context.Context, tenantID uuid.UUID) ([]Runtime, error) {
	return s.store.ListForTenant(ctx, tenantID)
}

// GetRuntimeForToken resolves the runtime identified by a verified access
// token's (tenant_id, ep_id) pair. Used to re-validate that a bearer token's
// subject still names a known runtime before the edge-task gateway acts on
// its behalf (a runtime row is never deleted, only tombstoned to offline, so
// this only fails for tokens whose runtime_id no longer exists at all).
func (s *Service) GetRuntimeForToken(ctx context.Context, identity token.Identity) (Runtime, error) {
	rt, err := s.store.GetByEpID(ctx, identity.TenantID, identity.EpID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Runtime{}, ErrRuntimeNotFound
	}
	if err != nil {
		return Runtime{}, fmt.Errorf("loading runtime for token: %w", err)
	}
	return rt, nil
}

// SelectRuntimeForDispatch returns the freshest active runtime whose tags
// are a superset of requiredTags and whose capabilities include messageType
// (or declare no message_types restriction at all).
func (s *Service) SelectRuntimeForDispatch(ctx context.Context, tenantID uuid.UUID, messageType string, requiredTags []string) (Runtime, error) {
	candidates, err := s.store.ListForTenant(ctx, tenantID)
	if err != nil {
		return Runtime{}, fmt.Errorf("listing runtimes: %w", err)
	}

	for _, rt := range candidates {
		if !hasAllTags(rt.Tags, requiredTags) {
			continue
		}
		if len(rt.Capabilities.MessageTypes) > 0 && !containsString(rt.Capabilities.MessageTypes, messageType) {
			continue
		}
		return rt, nil
	}
	return Runtime{}, ErrNoEligibleRuntime
}

func hasAllTags(have, want []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, t := range have {
		set[t] = struct{}{}
	}
	for _, w := range want {
		if _, ok := set[w]; !ok {
			return false
		}
	}
	return true
}

func containsString(items []string, target string) bool {
	for _, it := range items {
		if it == target {
			return true
		}
	}
	return false
}
