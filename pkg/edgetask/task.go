// Package edgetask implements the per-runtime FIFO task queue: durable
// task records, a fast visibility-lease index, result-ingestion receipts,
// and the pull/ack/fail/result operations an authenticated runtime drives.
package edgetask

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status values an EdgeTask may hold.
const (
	StatusQueued     = "queued"
	StatusLeased     = "leased"
	StatusAcked      = "acked"
	StatusDeadLetter = "dead_letter"
)

// DefaultMaxAttempts is used when an envelope's headers omit max_attempts.
const DefaultMaxAttempts = 5

// EnvelopeHeaders carries routing and retry metadata alongside a payload.
type EnvelopeHeaders struct {
	ContentType    string `json:"content_type,omitempty"`
	SchemaVersion  string `json:"schema_version,omitempty"`
	OrganisationID string `json:"organisation_id,omitempty"`
	CorrelationID  string `json:"correlation_id,omitempty"`
	CausationID    string `json:"causation_id,omitempty"`
	TraceID        string `json:"trace_id,omitempty"`
	SpanID         string `json:"span_id,omitempty"`
	ReplyTo        string `json:"reply_to,omitempty"`
	Attempt        int    `json:"attempt"`
	MaxAttempts    *int   `json:"max_attempts,omitempty"`
}

// MessageEnvelope is the uniform wire payload shared by the hosted and edge
// paths. The gateway never interprets Payload; only MessageType is read for
// routing.
type MessageEnvelope struct {
	ID          uuid.UUID       `json:"id"`
	MessageType string          `json:"message_type"`
	Payload     json.RawMessage `json:"payload"`
	Headers     EnvelopeHeaders `json:"headers"`
	CreatedAt   time.Time       `json:"created_at"`
}

// maxAttempts resolves the envelope's declared max_attempts, defaulting when absent.
func (e MessageEnvelope) maxAttempts() int {
	if e.Headers.MaxAttempts != nil && *e.Headers.MaxAttempts > 0 {
		return *e.Headers.MaxAttempts
	}
	return DefaultMaxAttempts
}

// EdgeTask is the durable record of one unit of work targeting a runtime.
type EdgeTask struct {
	ID                uuid.UUID       `json:"id"`
	TenantID          uuid.UUID       `json:"tenant_id"`
	TargetRuntimeID   uuid.UUID       `json:"target_runtime_id"`
	MessageType       string          `json:"message_type"`
	Envelope          json.RawMessage `json:"envelope"`
	Status            string          `json:"status"`
	AttemptCount      int             `json:"attempt_count"`
	MaxAttempts       int             `json:"max_attempts"`
	LeaseID           string          `json:"lease_id,omitempty"`
	LeaseExpiresAt    *time.Time      `json:"lease_expires_at,omitempty"`
	LeasedToRuntimeID *uuid.UUID      `json:"leased_to_runtime_id,omitempty"`
	LastError         string          `json:"last_error,omitempty"`
	EnqueuedAt        time.Time       `json:"enqueued_at"`
	AckedAt           *time.Time      `json:"acked_at,omitempty"`
	FailedAt          *time.Time      `json:"failed_at,omitempty"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Lease is the outcome of a successful claim, returned from pullTasks.
type Lease struct {
	TaskID          uuid.UUID       `json:"task_id"`
	LeaseID         string          `json:"lease_id"`
	DeliveryAttempt int             `json:"delivery_attempt"`
	Envelope        json.RawMessage `json:"envelope"`
}

// PullRequest holds the resolved inputs to a pull call, after the HTTP layer
// has applied configured defaults for anything the runtime omitted.
type PullRequest struct {
	MaxTasks                 int
	LongPollSeconds          int
	VisibilityTimeoutSeconds int
}

// PullResponse is returned from a pull call.
type PullResponse struct {
	Tasks []Lease `json:"tasks"`
}

// AckRequest is the JSON body for POST /edge/tasks/ack.
type AckRequest struct {
	TaskID  uuid.UUID `json:"task_id" validate:"required"`
	LeaseID string    `json:"lease_id" validate:"required"`
}

// AckResponse is returned from a successful ack.
type AckResponse struct {
	Accepted bool   `json:"accepted"`
	Status   string `json:"status"`
}

// FailRequest holds the resolved inputs to a fail call.
type FailRequest struct {
	TaskID            uuid.UUID
	LeaseID           string
	Error             string
	RetryDelaySeconds int
}

// FailResponse is returned from a fail call.
type FailResponse struct {
	Accepted bool   `json:"accepted"`
	Status   string `json:"status"`
}

// ResultRequest is the JSON body for POST /edge/tasks/result.
type ResultRequest struct {
	RequestID string            `json:"request_id" validate:"required"`
	TaskID    *uuid.UUID        `json:"task_id,omitempty"`
	LeaseID   *string           `json:"lease_id,omitempty"`
	Envelopes []MessageEnvelope `json:"envelopes" validate:"required"`
}

// ResultResponse is returned from ingestResult.
type ResultResponse struct {
	Accepted  bool `json:"accepted"`
	Duplicate bool `json:"duplicate"`
}
