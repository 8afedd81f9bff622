package edgetask

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// LeaseIndex is the fast per-(tenant, runtime) Pending/Leases sorted-set
// index described in the component design: Pending scored by visible_at,
// Leases scored by lease_expires_at, plus a per-task hash record for O(1)
// lookup during ack/fail/expire. The ZREM on Pending is the single point of
// serialization between concurrent claimers.
type LeaseIndex struct {
	rdb    *redis.Client
	prefix string
}

// NewLeaseIndex creates a LeaseIndex namespaced under prefix.
func NewLeaseIndex(rdb *redis.Client, prefix string) *LeaseIndex {
	return &LeaseIndex{rdb: rdb, prefix: prefix}
}

func (l *LeaseIndex) pendingKey(tenantID, runtimeID uuid.UUID) string {
	return fmt.Sprintf("%s:tenant:%s:runtime:%s:pending", l.prefix, tenantID, runtimeID)
}

func (l *LeaseIndex) leasesKey(tenantID, runtimeID uuid.UUID) string {
	return fmt.Sprintf("%s:tenant:%s:runtime:%s:leases", l.prefix, tenantID, runtimeID)
}

func (l *LeaseIndex) taskKey(taskID uuid.UUID) string {
	return fmt.Sprintf("%s:task:%s", l.prefix, taskID)
}

// taskRecord is the per-task hash record mirrored alongside TaskStore.
type taskRecord struct {
	Status            string          `redis:"status"`
	LeaseID           string          `redis:"lease_id"`
	LeaseExpiresAt    int64           `redis:"lease_expires_at"`
	LeasedToRuntimeID string          `redis:"leased_to_runtime_id"`
	AttemptCount      int             `redis:"attempt_count"`
	MaxAttempts       int             `redis:"max_attempts"`
	Envelope          json.RawMessage `redis:"envelope"`
	MessageType       string          `redis:"message_type"`
}

// AddPending adds a task to the Pending set for (tenantID, runtimeID) scored
// by visibleAt, and writes/refreshes its per-task record.
func (l *LeaseIndex) AddPending(ctx context.Context, tenantID, runtimeID, taskID uuid.UUID, visibleAt time.Time, messageType string, envelope json.RawMessage, attemptCount, maxAttempts int) error {
	pipe := l.rdb.TxPipeline()
	pipe.ZAdd(ctx, l.pendingKey(tenantID, runtimeID), redis.Z{
		Score:  float64(visibleAt.Unix()),
		Member: taskID.String(),
	})
	pipe.HSet(ctx, l.taskKey(taskID), map[string]any{
		"status":        StatusQueued,
		"attempt_count": attemptCount,
		"max_attempts":  maxAttempts,
		"envelope":      string(envelope),
		"message_type":  messageType,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("adding pending entry: %w", err)
	}
	return nil
}

// ClaimOneTask reads the oldest eligible Pending member, attempts to remove
// it (the serialization point),
// and on success writes the leased transition. Returns (Lease{}, false, nil)
// if no eligible member exists or another claimer won the race.
func (l *LeaseIndex) ClaimOneTask(ctx context.Context, tenantID, runtimeID uuid.UUID, visibilityTimeout time.Duration) (Lease, bool, error) {
	now := time.Now()
	pendingKey := l.pendingKey(tenantID, runtimeID)

	members, err := l.rdb.ZRangeByScoreWithScores(ctx, pendingKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.Unix(), 10),
		Count: 1,
	}).Result()
	if err != nil {
		return Lease{}, false, fmt.Errorf("scanning pending set: %w", err)
	}
	if len(members) == 0 {
		return Lease{}, false, nil
	}

	taskIDStr := members[0].Member.(string)
	removed, err := l.rdb.ZRem(ctx, pendingKey, taskIDStr).Result()
	if err != nil {
		return Lease{}, false, fmt.Errorf("removing pending entry: %w", err)
	}
	if removed == 0 {
		// Another claimer won the race; caller retries.
		return Lease{}, false, nil
	}

	taskID, err := uuid.Parse(taskIDStr)
	if err != nil {
		return Lease{}, false, fmt.Errorf("parsing task id: %w", err)
	}

	rec, err := l.getTaskRecord(ctx, taskID)
	if err != nil {
		return Lease{}, false, err
	}

	leaseID := uuid.New().String()
	leaseExpiresAt := now.Add(visibilityTimeout)
	attemptCount := rec.AttemptCount + 1

	pipe := l.rdb.TxPipeline()
	pipe.HSet(ctx, l.taskKey(taskID), map[string]any{
		"status":               StatusLeased,
		"lease_id":             leaseID,
		"lease_expires_at":     leaseExpiresAt.Unix(),
		"leased_to_runtime_id": runtimeID.String(),
		"attempt_count":        attemptCount,
	})
	pipe.ZAdd(ctx, l.leasesKey(tenantID, runtimeID), redis.Z{
		Score:  float64(leaseExpiresAt.Unix()),
		Member: taskIDStr,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return Lease{}, false, fmt.Errorf("writing lease: %w", err)
	}

	return Lease{
		TaskID:          taskID,
		LeaseID:         leaseID,
		DeliveryAttempt: attemptCount,
		Envelope:        rec.Envelope,
	}, true, nil
}

// Ack validates the lease triple and, on success, clears it and removes the
// task from Leases. Returns ErrTaskLeaseInvalid on any precondition failure.
func (l *LeaseIndex) Ack(ctx context.Context, tenantID, runtimeID, taskID uuid.UUID, leaseID string) error {
	rec, err := l.getTaskRecord(ctx, taskID)
	if err != nil {
		return err
	}
	if rec.Status != StatusLeased || rec.LeaseID != leaseID || rec.LeasedToRuntimeID != runtimeID.String() {
		return ErrTaskLeaseInvalid
	}

	pipe := l.rdb.TxPipeline()
	pipe.HSet(ctx, l.taskKey(taskID), map[string]any{
		"status":               StatusAcked,
		"lease_id":             "",
		"lease_expires_at":     0,
		"leased_to_runtime_id": "",
	})
	pipe.ZRem(ctx, l.leasesKey(tenantID, runtimeID), taskID.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("persisting ack: %w", err)
	}
	return nil
}

// FailOutcome reports the result of a Fail call.
type FailOutcome struct {
	Status       string
	AttemptCount int
	MaxAttempts  int
}

// Fail validates the lease triple, then transitions to dead_letter (if
// attempts are exhausted) or back to queued with a delayed visible_at.
func (l *LeaseIndex) Fail(ctx context.Context, tenantID, runtimeID, taskID uuid.UUID, leaseID string, retryDelay time.Duration) (FailOutcome, error) {
	rec, err := l.getTaskRecord(ctx, taskID)
	if err != nil {
		return FailOutcome{}, err
	}
	if rec.Status != StatusLeased || rec.LeaseID != leaseID || rec.LeasedToRuntimeID != runtimeID.String() {
		return FailOutcome{}, ErrTaskLeaseInvalid
	}

	if _, err := l.rdb.ZRem(ctx, l.leasesKey(tenantID, runtimeID), taskID.String()).Result(); err != nil {
		return FailOutcome{}, fmt.Errorf("removing lease entry: %w", err)
	}

	if rec.AttemptCount >= rec.MaxAttempts {
		if err := l.setDeadLetter(ctx, taskID); err != nil {
			return FailOutcome{}, err
		}
		return FailOutcome{Status: StatusDeadLetter, AttemptCount: rec.AttemptCount, MaxAttempts: rec.MaxAttempts}, nil
	}

	visibleAt := time.Now().Add(retryDelay)
	if err := l.requeue(ctx, tenantID, runtimeID, taskID, visibleAt); err != nil {
		return FailOutcome{}, err
	}
	return FailOutcome{Status: StatusQueued, AttemptCount: rec.AttemptCount, MaxAttempts: rec.MaxAttempts}, nil
}

// ExpiredLease reports one task whose lease elapsed, and the state it was
// promoted to: StatusQueued (back to Pending) or StatusDeadLetter.
type ExpiredLease struct {
	TaskID uuid.UUID
	Status string
}

// RequeueExpiredLeases scans a small batch of expired Leases entries for
// (tenantID, runtimeID) and promotes each to either
// Pending (visible_at=now) or dead_letter, depending on remaining attempts.
// The returned outcomes let the caller mirror each transition into TaskStore.
func (l *LeaseIndex) RequeueExpiredLeases(ctx context.Context, tenantID, runtimeID uuid.UUID) ([]ExpiredLease, error) {
	const batchSize = 25
	leasesKey := l.leasesKey(tenantID, runtimeID)
	now := time.Now()

	expired, err := l.rdb.ZRangeByScore(ctx, leasesKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.Unix(), 10),
		Count: batchSize,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scanning expired leases: %w", err)
	}

	var outcomes []ExpiredLease
	for _, taskIDStr := range expired {
		if _, err := l.rdb.ZRem(ctx, leasesKey, taskIDStr).Result(); err != nil {
			return outcomes, fmt.Errorf("removing expired lease: %w", err)
		}

		taskID, err := uuid.Parse(taskIDStr)
		if err != nil {
			continue
		}

		rec, err := l.getTaskRecord(ctx, taskID)
		if err != nil {
			continue
		}
		if rec.Status != StatusLeased {
			continue
		}

		if rec.AttemptCount >= rec.MaxAttempts {
			if err := l.setDeadLetter(ctx, taskID); err != nil {
				return outcomes, err
			}
			outcomes = append(outcomes, ExpiredLease{TaskID: taskID, Status: StatusDeadLetter})
			continue
		}

		if err := l.requeue(ctx, tenantID, runtimeID, taskID, now); err != nil {
			return outcomes, err
		}
		outcomes = append(outcomes, ExpiredLease{TaskID: taskID, Status: StatusQueued})
	}
	return outcomes, nil
}

// Rebuild reconstructs the soft-state index from TaskStore on process
// restart: every queued row is re-added to Pending with
// visible_at=now; every leased row with lease_expires_at already elapsed is
// promoted to Pending and its TaskStore row requeued, while still-live
// leases are re-indexed into Leases so a later expiry is still caught.
func (l *LeaseIndex) Rebuild(ctx context.Context, store *TaskStore) error {
	now := time.Now()

	queued, err := store.ListQueued(ctx)
	if err != nil {
		return fmt.Errorf("listing queued tasks: %w", err)
	}
	for _, t := range queued {
		if err := l.AddPending(ctx, t.TenantID, t.TargetRuntimeID, t.ID, now, t.MessageType, t.Envelope, t.AttemptCount, t.MaxAttempts); err != nil {
			return fmt.Errorf("reindexing queued task %s: %w", t.ID, err)
		}
	}

	leased, err := store.ListLeased(ctx)
	if err != nil {
		return fmt.Errorf("listing leased tasks: %w", err)
	}
	for _, t := range leased {
		runtimeID := t.TargetRuntimeID
		if t.LeasedToRuntimeID != nil {
			runtimeID = *t.LeasedToRuntimeID
		}
		if t.LeaseExpiresAt != nil && !t.LeaseExpiresAt.After(now) {
			if err := store.MarkRequeued(ctx, t.ID, t.LastError); err != nil {
				return fmt.Errorf("requeueing expired lease %s: %w", t.ID, err)
			}
			if err := l.AddPending(ctx, t.TenantID, runtimeID, t.ID, now, t.MessageType, t.Envelope, t.AttemptCount, t.MaxAttempts); err != nil {
				return fmt.Errorf("reindexing expired lease %s: %w", t.ID, err)
			}
			continue
		}

		leaseID := t.LeaseID
		leaseExpiresAt := now
		if t.LeaseExpiresAt != nil {
			leaseExpiresAt = *t.LeaseExpiresAt
		}
		pipe := l.rdb.TxPipeline()
		pipe.HSet(ctx, l.taskKey(t.ID), map[string]any{
			"status":               StatusLeased,
			"lease_id":             leaseID,
			"lease_expires_at":     leaseExpiresAt.Unix(),
			"leased_to_runtime_id": runtimeID.String(),
			"attempt_count":        t.AttemptCount,
			"max_attempts":         t.MaxAttempts,
			"envelope":             string(t.Envelope),
			"message_type":         t.MessageType,
		})
		pipe.ZAdd(ctx, l.leasesKey(t.TenantID, runtimeID), redis.Z{
			Score:  float64(leaseExpiresAt.Unix()),
			Member: t.ID.String(),
		})
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("reindexing live lease %s: %w", t.ID, err)
		}
	}

	return nil
}

func (l *LeaseIndex) getTaskRecord(ctx context.Context, taskID uuid.UUID) (taskRecord, error) {
	var rec taskRecord
	if err := l.rdb.HGetAll(ctx, l.taskKey(taskID)).Scan(&rec); err != nil {
		return taskRecord{}, fmt.Errorf("loading task record: %w", err)
	}
	if rec.Status == "" {
		return taskRecord{}, ErrTaskPayloadMissing
	}
	return rec, nil
}

func (l *LeaseIndex) setDeadLetter(ctx context.Context, taskID uuid.UUID) error {
	_, err := l.rdb.HSet(ctx, l.taskKey(taskID), map[string]any{
		"status":               StatusDeadLetter,
		"lease_id":             "",
		"lease_expires_at":     0,
		"leased_to_runtime_id": "",
	}).Result()
	if err != nil {
		return fmt.Errorf("persisting dead-letter record: %w", err)
	}
	return nil
}

func (l *LeaseIndex) requeue(ctx context.Context, tenantID, runtimeID, taskID uuid.UUID, visibleAt time.Time) error {
	pipe := l.rdb.TxPipeline()
	pipe.HSet(ctx, l.taskKey(taskID), map[string]any{
		"status":               StatusQueued,
		"lease_id":             "",
		"lease_expires_at":     0,
		"leased_to_runtime_id": "",
	})
	pipe.ZAdd(ctx, l.pendingKey(tenantID, runtimeID), redis.Z{
		Score:  float64(visibleAt.Unix()),
		Member: taskID.String(),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("requeueing task: %w", err)
	}
	return nil
}
