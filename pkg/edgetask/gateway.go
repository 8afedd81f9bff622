package edgetask

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/langbridge/edge-gateway/internal/telemetry"
)

// pullPollInterval is the fixed sleep between claim attempts within a single
// pullTasks call. Adaptive backoff is out of scope.
const pullPollInterval = 500 * time.Millisecond

// TaskPersister is the durable side of every task transition; *TaskStore is
// the production implementation.
type TaskPersister interface {
	Insert(ctx context.Context, tenantID, targetRuntimeID uuid.UUID, messageType string, envelope []byte, maxAttempts int) (EdgeTask, error)
	MarkLeased(ctx context.Context, taskID uuid.UUID, leaseID string, leaseExpiresAt time.Time, leasedTo uuid.UUID, attemptCount int) error
	MarkAcked(ctx context.Context, taskID uuid.UUID) error
	MarkRequeued(ctx context.Context, taskID uuid.UUID, lastError string) error
	MarkDeadLetter(ctx context.Context, taskID uuid.UUID, lastError string) error
}

// ReceiptLedger deduplicates result-ingestion requests; *ReceiptStore is the
// production implementation.
type ReceiptLedger interface {
	Exists(ctx context.Context, tenantID, runtimeID uuid.UUID, requestID string) (bool, error)
	Insert(ctx context.Context, tenantID, runtimeID uuid.UUID, requestID string, taskID *uuid.UUID, payloadHash string) (bool, error)
}

// ResultPublisher re-emits accepted result envelopes onto internal streams;
// *fanout.ResultFanout is the production implementation.
type ResultPublisher interface {
	Publish(ctx context.Context, messageType string, envelope json.RawMessage) error
}

// TaskGateway is the heart of the subsystem: it composes TaskStore,
// LeaseIndex, ReceiptStore, and ResultFanout to expose pull/ack/fail/result
// to authenticated runtimes. All operations are scoped by an authenticated
// (tenant_id, runtime_id).
type TaskGateway struct {
	tasks    TaskPersister
	leases   *LeaseIndex
	receipts ReceiptLedger
	fanout   ResultPublisher
	logger   *slog.Logger
}

// NewTaskGateway creates a TaskGateway.
func NewTaskGateway(tasks TaskPersister, leases *LeaseIndex, receipts ReceiptLedger, fanoutPub ResultPublisher, logger *slog.Logger) *TaskGateway {
	return &TaskGateway{tasks: tasks, leases: leases, receipts: receipts, fanout: fanoutPub, logger: logger}
}

// EnqueueForRuntime inserts a new EdgeTask in the queued state and
// immediately adds it to Pending. It never blocks on lease availability.
func (g *TaskGateway) EnqueueForRuntime(ctx context.Context, tenantID, runtimeID uuid.UUID, envelope MessageEnvelope) (uuid.UUID, error) {
	maxAttempts := envelope.maxAttempts()

	rawEnvelope, err := json.Marshal(envelope)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshalling envelope: %w", err)
	}

	task, err := g.tasks.Insert(ctx, tenantID, runtimeID, envelope.MessageType, rawEnvelope, maxAttempts)
	if err != nil {
		return uuid.Nil, fmt.Errorf("inserting task: %w", err)
	}

	now := time.Now()
	if err := g.leases.AddPending(ctx, tenantID, runtimeID, task.ID, now, envelope.MessageType, rawEnvelope, 0, maxAttempts); err != nil {
		return uuid.Nil, fmt.Errorf("indexing pending task: %w", err)
	}

	telemetry.TasksEnqueuedTotal.WithLabelValues(envelope.MessageType).Inc()
	return task.ID, nil
}

// PullTasks runs a cooperative long-poll loop bounded by
// request.LongPollSeconds that lazily requeues expired leases before each
// claim attempt. The loop exits early if ctx is cancelled (caller disconnect),
// without acquiring new leases.
func (g *TaskGateway) PullTasks(ctx context.Context, tenantID, runtimeID uuid.UUID, req PullRequest) ([]Lease, error) {
	deadline := time.Now().Add(time.Duration(req.LongPollSeconds) * time.Second)
	visibilityTimeout := time.Duration(req.VisibilityTimeoutSeconds) * time.Second

	var leases []Lease
	for time.Now().Before(deadline) && len(leases) < req.MaxTasks {
		select {
		case <-ctx.Done():
			return leases, nil
		default:
		}

		expired, err := g.leases.RequeueExpiredLeases(ctx, tenantID, runtimeID)
		if err != nil {
			return nil, fmt.Errorf("requeueing expired leases: %w", err)
		}
		for _, e := range expired {
			if e.Status == StatusDeadLetter {
				if err := g.tasks.MarkDeadLetter(ctx, e.TaskID, "lease expired"); err != nil {
					return nil, fmt.Errorf("persisting expired dead-letter: %w", err)
				}
				telemetry.TasksDeadLetteredTotal.Inc()
				continue
			}
			if err := g.tasks.MarkRequeued(ctx, e.TaskID, "lease expired"); err != nil {
				return nil, fmt.Errorf("persisting expired requeue: %w", err)
			}
			telemetry.TasksRequeuedTotal.WithLabelValues("lease_expired").Inc()
		}

		lease, claimed, err := g.leases.ClaimOneTask(ctx, tenantID, runtimeID, visibilityTimeout)
		if err != nil {
			return nil, fmt.Errorf("claiming task: %w", err)
		}
		if claimed {
			if err := g.tasks.MarkLeased(ctx, lease.TaskID, lease.LeaseID, time.Now().Add(visibilityTimeout), runtimeID, lease.DeliveryAttempt); err != nil {
				return nil, fmt.Errorf("persisting lease: %w", err)
			}
			telemetry.TasksClaimedTotal.WithLabelValues(taskMessageType(lease.Envelope)).Inc()
			leases = append(leases, lease)
			continue
		}

		select {
		case <-ctx.Done():
			return leases, nil
		case <-time.After(pullPollInterval):
		}
	}
	return leases, nil
}

// AckTask marks a leased task as delivered. The lease triple must still
// match the caller's claim; a stale lease id fails without mutation.
func (g *TaskGateway) AckTask(ctx context.Context, tenantID, runtimeID uuid.UUID, req AckRequest) (AckResponse, error) {
	if err := g.leases.Ack(ctx, tenantID, runtimeID, req.TaskID, req.LeaseID); err != nil {
		return AckResponse{}, err
	}
	if err := g.tasks.MarkAcked(ctx, req.TaskID); err != nil {
		return AckResponse{}, fmt.Errorf("persisting ack: %w", err)
	}

	telemetry.TasksAckedTotal.Inc()
	return AckResponse{Accepted: true, Status: StatusAcked}, nil
}

// FailTask records a worker-reported failure: the task either returns to the
// pending queue after retry_delay_seconds or dead-letters once attempts are
// exhausted.
func (g *TaskGateway) FailTask(ctx context.Context, tenantID, runtimeID uuid.UUID, req FailRequest) (FailResponse, error) {
	retryDelay := time.Duration(req.RetryDelaySeconds) * time.Second

	outcome, err := g.leases.Fail(ctx, tenantID, runtimeID, req.TaskID, req.LeaseID, retryDelay)
	if err != nil {
		return FailResponse{}, err
	}

	switch outcome.Status {
	case StatusDeadLetter:
		if err := g.tasks.MarkDeadLetter(ctx, req.TaskID, req.Error); err != nil {
			return FailResponse{}, fmt.Errorf("persisting dead-letter: %w", err)
		}
		telemetry.TasksDeadLetteredTotal.Inc()
	default:
		if err := g.tasks.MarkRequeued(ctx, req.TaskID, req.Error); err != nil {
			return FailResponse{}, fmt.Errorf("persisting requeue: %w", err)
		}
		telemetry.TasksRequeuedTotal.WithLabelValues("worker_failed").Inc()
	}

	return FailResponse{Accepted: true, Status: outcome.Status}, nil
}

// IngestResult accepts a worker-produced result envelope batch. Exactly-once
// semantics are provided at the receipt boundary: repeated ingestions with
// the same request_id fan out at most once.
func (g *TaskGateway) IngestResult(ctx context.Context, tenantID, runtimeID uuid.UUID, req ResultRequest) (ResultResponse, error) {
	payloadHash, err := hashRequest(req)
	if err != nil {
		return ResultResponse{}, fmt.Errorf("hashing request: %w", err)
	}

	exists, err := g.receipts.Exists(ctx, tenantID, runtimeID, req.RequestID)
	if err != nil {
		return ResultResponse{}, fmt.Errorf("checking receipt: %w", err)
	}
	if exists {
		telemetry.ResultsIngestedTotal.WithLabelValues("true").Inc()
		return ResultResponse{Accepted: true, Duplicate: true}, nil
	}

	inserted, err := g.receipts.Insert(ctx, tenantID, runtimeID, req.RequestID, req.TaskID, payloadHash)
	if err != nil {
		return ResultResponse{}, fmt.Errorf("inserting receipt: %w", err)
	}
	if !inserted {
		telemetry.ResultsIngestedTotal.WithLabelValues("true").Inc()
		return ResultResponse{Accepted: true, Duplicate: true}, nil
	}

	for _, envelope := range req.Envelopes {
		rawEnvelope, err := json.Marshal(envelope)
		if err != nil {
			g.logger.Error("marshalling result envelope", "error", err, "message_type", envelope.MessageType)
			continue
		}
		if err := g.fanout.Publish(ctx, envelope.MessageType, rawEnvelope); err != nil {
			g.logger.Error("publishing result envelope", "error", err, "message_type", envelope.MessageType)
		}
	}

	telemetry.ResultsIngestedTotal.WithLabelValues("false").Inc()
	return ResultResponse{Accepted: true, Duplicate: false}, nil
}

func hashRequest(req ResultRequest) (string, error) {
	canonical, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func taskMessageType(envelope json.RawMessage) string {
	var partial struct {
		MessageType string `json:"message_type"`
	}
	if err := json.Unmarshal(envelope, &partial); err != nil {
		return "unknown"
	}
	if partial.MessageType == "" {
		return "unknown"
	}
	return partial.MessageType
}
