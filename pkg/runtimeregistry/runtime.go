// Package runtimeregistry persists runtime (edge worker) identities, their
// heartbeat/capability state, and the one-shot registration tokens runtimes
// exchange for their first access token.
package runtimeregistry

import (
	"time"

	"github.com/google/uuid"
)

// Status values a Runtime may hold.
const (
	StatusActive   = "active"
	StatusDraining = "draining"
	StatusOffline  = "offline"
)

// Capabilities describes what a runtime can execute.
type Capabilities struct {
	MessageTypes []string `json:"message_types,omitempty"`
}

// Runtime is one logical worker process registered by a tenant.
type Runtime struct {
	ID           uuid.UUID      `json:"ep_id"`
	TenantID     uuid.UUID      `json:"tenant_id"`
	DisplayName  string         `json:"display_name"`
	Tags         []string       `json:"tags"`
	Capabilities Capabilities   `json:"capabilities"`
	Metadata     map[string]any `json:"metadata"`
	Status       string         `json:"status"`
	LastSeenAt   *time.Time     `json:"last_seen_at,omitempty"`
	RegisteredAt time.Time      `json:"registered_at"`
}

// RegistrationToken is a single-use credential a runtime exchanges for its
// first access token. Only TokenHash is persisted; the raw value is returned
// exactly once from createRegistrationToken.
type RegistrationToken struct {
	ID          uuid.UUID
	TenantID    uuid.UUID
	TokenHash   string
	ExpiresAt   time.Time
	UsedAt      *time.Time
	RuntimeID   *uuid.UUID
	CreatedByID *uuid.UUID
	CreatedAt   time.Time
}

// RegisterRequest is the JSON body for POST /runtimes/register.
type RegisterRequest struct {
	RegistrationToken string         `json:"registration_token" validate:"required"`
	DisplayName       string         `json:"display_name"`
	Tags              []string       `json:"tags"`
	Capabilities      Capabilities   `json:"capabilities"`
	Metadata          map[string]any `json:"metadata"`
}

// RegistrationResponse is returned from a successful registration.
type RegistrationResponse struct {
	EpID        uuid.UUID `json:"ep_id"`
	TenantID    uuid.UUID `json:"tenant_id"`
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// HeartbeatRequest is the JSON body for POST /runtimes/heartbeat.
type HeartbeatRequest struct {
	Status   string         `json:"status"`
	Metadata map[string]any `json:"metadata"`
}

// HeartbeatResponse is returned from a heartbeat call.
type HeartbeatResponse struct {
	Accepted    bool      `json:"accepted"`
	ServerTime  time.Time `json:"server_time"`
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// UpdateCapabilitiesRequest is the JSON body for POST /runtimes/capabilities.
type UpdateCapabilitiesRequest struct {
	Tags         []string     `json:"tags"`
	Capabilities Capabilities `json:"capabilities"`
}

// CreateTokenResponse is returned from POST /runtimes/{tenant_id}/tokens.
type CreateTokenResponse struct {
	RegistrationToken string    `json:"registration_token"`
	ExpiresAt         time.Time `json:"expires_at"`
}
