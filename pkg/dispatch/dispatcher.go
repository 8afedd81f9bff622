package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/langbridge/edge-gateway/pkg/edgetask"
	"github.com/langbridge/edge-gateway/pkg/runtimeregistry"
)

// ErrNoEligibleRuntime surfaces as a business-validation error (400) when
// dispatch cannot find an active runtime matching tags/capabilities.
var ErrNoEligibleRuntime = errors.New("no eligible runtime")

// edgeEligibleTypes is the set of message types that may be routed to the
// edge path at all, even when a tenant is in customer_runtime mode. The set
// is fixed in code; it is not read from configuration.
var edgeEligibleTypes = map[string]bool{
	"semantic_query_request": true,
}

// Payload is the admission-side job description passed into dispatch.
type Payload struct {
	MessageType   string
	Body          json.RawMessage
	CorrelationID string
}

// TaskDispatcher is the entry point used by admission: given a tenant and
// payload, it decides hosted-vs-edge and either writes an outbox record or
// enqueues onto a selected runtime's edge queue.
type TaskDispatcher struct {
	router   *ExecutionRouter
	runtimes *runtimeregistry.Service
	gateway  *edgetask.TaskGateway
	outbox   OutboxWriter
}

// NewTaskDispatcher creates a TaskDispatcher.
func NewTaskDispatcher(router *ExecutionRouter, runtimes *runtimeregistry.Service, gateway *edgetask.TaskGateway, outbox OutboxWriter) *TaskDispatcher {
	return &TaskDispatcher{router: router, runtimes: runtimes, gateway: gateway, outbox: outbox}
}

// DispatchJobMessage routes a job either to the hosted
// outbox or onto a customer runtime's edge queue, depending on the tenant's
// execution mode and whether the message type is edge-eligible at all.
func (d *TaskDispatcher) DispatchJobMessage(ctx context.Context, tenantID uuid.UUID, payload Payload, requiredTags []string) (ExecutionMode, error) {
	mode := d.router.GetModeForTenant(ctx, tenantID)

	if mode == ModeHosted || !edgeEligibleTypes[payload.MessageType] {
		if err := d.outbox.Write(ctx, payload.MessageType, payload.Body); err != nil {
			return "", fmt.Errorf("writing outbox message: %w", err)
		}
		return ModeHosted, nil
	}

	runtime, err := d.runtimes.SelectRuntimeForDispatch(ctx, tenantID, payload.MessageType, requiredTags)
	if err != nil {
		if errors.Is(err, runtimeregistry.ErrNoEligibleRuntime) {
			return "", ErrNoEligibleRuntime
		}
		return "", fmt.Errorf("selecting runtime: %w", err)
	}

	envelope := edgetask.MessageEnvelope{
		ID:          uuid.New(),
		MessageType: payload.MessageType,
		Payload:     payload.Body,
		Headers: edgetask.EnvelopeHeaders{
			OrganisationID: tenantID.String(),
			CorrelationID:  payload.CorrelationID,
		},
		CreatedAt: time.Now(),
	}

	if _, err := d.gateway.EnqueueForRuntime(ctx, tenantID, runtime.ID, envelope); err != nil {
		return "", fmt.Errorf("enqueueing edge task: %w", err)
	}
	return ModeCustomerRuntime, nil
}
