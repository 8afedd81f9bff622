package edgetask

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// fakeTaskPersister is an in-memory TaskPersister that records every durable
// transition, standing in for the Postgres-backed TaskStore.
type fakeTaskPersister struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*EdgeTask
}

func newFakeTaskPersister() *fakeTaskPersister {
	return &fakeTaskPersister{tasks: map[uuid.UUID]*EdgeTask{}}
}

func (f *fakeTaskPersister) Insert(_ context.Context, tenantID, targetRuntimeID uuid.UUID, messageType string, envelope []byte, maxAttempts int) (EdgeTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := EdgeTask{
		ID:              uuid.New(),
		TenantID:        tenantID,
		TargetRuntimeID: targetRuntimeID,
		MessageType:     messageType,
		Envelope:        envelope,
		Status:          StatusQueued,
		MaxAttempts:     maxAttempts,
		EnqueuedAt:      time.Now(),
	}
	f.tasks[t.ID] = &t
	return t, nil
}

func (f *fakeTaskPersister) MarkLeased(_ context.Context, taskID uuid.UUID, leaseID string, leaseExpiresAt time.Time, leasedTo uuid.UUID, attemptCount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s not found", taskID)
	}
	t.Status = StatusLeased
	t.LeaseID = leaseID
	t.LeaseExpiresAt = &leaseExpiresAt
	t.LeasedToRuntimeID = &leasedTo
	t.AttemptCount = attemptCount
	return nil
}

func (f *fakeTaskPersister) MarkAcked(_ context.Context, taskID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s not found", taskID)
	}
	now := time.Now()
	t.Status = StatusAcked
	t.LeaseID = ""
	t.LeaseExpiresAt = nil
	t.LeasedToRuntimeID = nil
	t.AckedAt = &now
	return nil
}

func (f *fakeTaskPersister) MarkRequeued(_ context.Context, taskID uuid.UUID, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s not found", taskID)
	}
	t.Status = StatusQueued
	t.LeaseID = ""
	t.LeaseExpiresAt = nil
	t.LeasedToRuntimeID = nil
	t.LastError = lastError
	return nil
}

func (f *fakeTaskPersister) MarkDeadLetter(_ context.Context, taskID uuid.UUID, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s not found", taskID)
	}
	now := time.Now()
	t.Status = StatusDeadLetter
	t.LeaseID = ""
	t.LeaseExpiresAt = nil
	t.LeasedToRuntimeID = nil
	t.LastError = lastError
	t.FailedAt = &now
	return nil
}

func (f *fakeTaskPersister) get(t *testing.T, taskID uuid.UUID) EdgeTask {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[taskID]
	require.True(t, ok, "task %s not recorded", taskID)
	return *task
}

// fakeReceiptLedger is an in-memory ReceiptLedger.
type fakeReceiptLedger struct {
	mu       sync.Mutex
	receipts map[string]struct{}
}

func newFakeReceiptLedger() *fakeReceiptLedger {
	return &fakeReceiptLedger{receipts: map[string]struct{}{}}
}

func receiptKey(tenantID, runtimeID uuid.UUID, requestID string) string {
	return tenantID.String() + "|" + runtimeID.String() + "|" + requestID
}

func (f *fakeReceiptLedger) Exists(_ context.Context, tenantID, runtimeID uuid.UUID, requestID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.receipts[receiptKey(tenantID, runtimeID, requestID)]
	return ok, nil
}

func (f *fakeReceiptLedger) Insert(_ context.Context, tenantID, runtimeID uuid.UUID, requestID string, _ *uuid.UUID, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := receiptKey(tenantID, runtimeID, requestID)
	if _, ok := f.receipts[key]; ok {
		return false, nil
	}
	f.receipts[key] = struct{}{}
	return true, nil
}

// fakePublisher records every envelope handed to fanout.
type fakePublisher struct {
	mu        sync.Mutex
	published []json.RawMessage
}

func (f *fakePublisher) Publish(_ context.Context, _ string, envelope json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, envelope)
	return nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func newTestGateway(t *testing.T) (*TaskGateway, *fakeTaskPersister, *fakePublisher) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	tasks := newFakeTaskPersister()
	publisher := &fakePublisher{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw := NewTaskGateway(tasks, NewLeaseIndex(client, "edge_gateway_test"), newFakeReceiptLedger(), publisher, logger)
	return gw, tasks, publisher
}

func testEnvelope(messageType string, maxAttempts int) MessageEnvelope {
	env := MessageEnvelope{
		ID:          uuid.New(),
		MessageType: messageType,
		Payload:     json.RawMessage(`{"message":"hello"}`),
		CreatedAt:   time.Now().UTC(),
	}
	if maxAttempts > 0 {
		env.Headers.MaxAttempts = &maxAttempts
	}
	return env
}

func TestGateway_PullAndAck(t *testing.T) {
	gw, tasks, _ := newTestGateway(t)
	ctx := context.Background()
	tenantID, runtimeID := uuid.New(), uuid.New()

	env := testEnvelope("test", 0)
	taskID, err := gw.EnqueueForRuntime(ctx, tenantID, runtimeID, env)
	require.NoError(t, err)

	leases, err := gw.PullTasks(ctx, tenantID, runtimeID, PullRequest{
		MaxTasks: 1, LongPollSeconds: 1, VisibilityTimeoutSeconds: 60,
	})
	require.NoError(t, err)
	require.Len(t, leases, 1)
	require.Equal(t, taskID, leases[0].TaskID)
	require.Equal(t, 1, leases[0].DeliveryAttempt)

	var delivered MessageEnvelope
	require.NoError(t, json.Unmarshal(leases[0].Envelope, &delivered))
	require.Empty(t, cmp.Diff(env, delivered), "delivered envelope must round-trip unchanged")

	resp, err := gw.AckTask(ctx, tenantID, runtimeID, AckRequest{TaskID: taskID, LeaseID: leases[0].LeaseID})
	require.NoError(t, err)
	require.True(t, resp.Accepted)
	require.Equal(t, StatusAcked, resp.Status)

	stored := tasks.get(t, taskID)
	require.Equal(t, StatusAcked, stored.Status)
	require.Equal(t, 1, stored.AttemptCount)
	require.Empty(t, stored.LeaseID)
	require.Nil(t, stored.LeaseExpiresAt)
	require.Nil(t, stored.LeasedToRuntimeID)
	require.NotNil(t, stored.AckedAt)
}

func TestGateway_LeaseExpiryRequeue(t *testing.T) {
	gw, tasks, _ := newTestGateway(t)
	ctx := context.Background()
	tenantID, runtimeID := uuid.New(), uuid.New()

	taskID, err := gw.EnqueueForRuntime(ctx, tenantID, runtimeID, testEnvelope("test", 0))
	require.NoError(t, err)

	// A zero visibility timeout expires the lease at claim time.
	leases, err := gw.PullTasks(ctx, tenantID, runtimeID, PullRequest{
		MaxTasks: 1, LongPollSeconds: 1, VisibilityTimeoutSeconds: 0,
	})
	require.NoError(t, err)
	require.Len(t, leases, 1)

	leases, err = gw.PullTasks(ctx, tenantID, runtimeID, PullRequest{
		MaxTasks: 1, LongPollSeconds: 1, VisibilityTimeoutSeconds: 60,
	})
	require.NoError(t, err)
	require.Len(t, leases, 1)
	require.Equal(t, taskID, leases[0].TaskID)
	require.Equal(t, 2, leases[0].DeliveryAttempt)

	stored := tasks.get(t, taskID)
	require.Equal(t, StatusLeased, stored.Status)
	require.Equal(t, 2, stored.AttemptCount)
	require.Equal(t, "lease expired", stored.LastError)
}

func TestGateway_DeadLetterAfterMaxAttempts(t *testing.T) {
	gw, tasks, _ := newTestGateway(t)
	ctx := context.Background()
	tenantID, runtimeID := uuid.New(), uuid.New()

	taskID, err := gw.EnqueueForRuntime(ctx, tenantID, runtimeID, testEnvelope("test", 2))
	require.NoError(t, err)

	pull := PullRequest{MaxTasks: 1, LongPollSeconds: 1, VisibilityTimeoutSeconds: 60}

	leases, err := gw.PullTasks(ctx, tenantID, runtimeID, pull)
	require.NoError(t, err)
	require.Len(t, leases, 1)

	resp, err := gw.FailTask(ctx, tenantID, runtimeID, FailRequest{
		TaskID: taskID, LeaseID: leases[0].LeaseID, Error: "boom", RetryDelaySeconds: 0,
	})
	require.NoError(t, err)
	require.Equal(t, StatusQueued, resp.Status)
	require.Equal(t, StatusQueued, tasks.get(t, taskID).Status)

	leases, err = gw.PullTasks(ctx, tenantID, runtimeID, pull)
	require.NoError(t, err)
	require.Len(t, leases, 1)
	require.Equal(t, 2, leases[0].DeliveryAttempt)

	resp, err = gw.FailTask(ctx, tenantID, runtimeID, FailRequest{
		TaskID: taskID, LeaseID: leases[0].LeaseID, Error: "boom again", RetryDelaySeconds: 0,
	})
	require.NoError(t, err)
	require.Equal(t, StatusDeadLetter, resp.Status)

	stored := tasks.get(t, taskID)
	require.Equal(t, StatusDeadLetter, stored.Status)
	require.Equal(t, "boom again", stored.LastError)
	require.NotNil(t, stored.FailedAt)

	// A dead-lettered task is excluded from further delivery.
	leases, err = gw.PullTasks(ctx, tenantID, runtimeID, pull)
	require.NoError(t, err)
	require.Empty(t, leases)
}

func TestGateway_ResultIdempotence(t *testing.T) {
	gw, _, publisher := newTestGateway(t)
	ctx := context.Background()
	tenantID, runtimeID := uuid.New(), uuid.New()

	req := ResultRequest{
		RequestID: "r-1",
		Envelopes: []MessageEnvelope{testEnvelope("semantic_query_result", 0)},
	}

	resp, err := gw.IngestResult(ctx, tenantID, runtimeID, req)
	require.NoError(t, err)
	require.True(t, resp.Accepted)
	require.False(t, resp.Duplicate)
	require.Equal(t, 1, publisher.count())

	resp, err = gw.IngestResult(ctx, tenantID, runtimeID, req)
	require.NoError(t, err)
	require.True(t, resp.Accepted)
	require.True(t, resp.Duplicate)
	require.Equal(t, 1, publisher.count(), "duplicate ingestion must not fan out again")
}

func TestGateway_PullStopsOnCancelledContext(t *testing.T) {
	gw, _, _ := newTestGateway(t)
	tenantID, runtimeID := uuid.New(), uuid.New()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	leases, err := gw.PullTasks(ctx, tenantID, runtimeID, PullRequest{
		MaxTasks: 1, LongPollSeconds: 30, VisibilityTimeoutSeconds: 60,
	})
	require.NoError(t, err)
	require.Empty(t, leases)
	require.Less(t, time.Since(start), 2*time.Second, "pull must exit promptly on disconnect")
}
