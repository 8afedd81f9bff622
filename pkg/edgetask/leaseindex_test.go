package edgetask

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestLeaseIndex(t *testing.T) *LeaseIndex {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewLeaseIndex(client, "edge_gateway_test")
}

func TestLeaseIndex_EnqueueAndClaim(t *testing.T) {
	li := newTestLeaseIndex(t)
	ctx := context.Background()
	tenantID, runtimeID, taskID := uuid.New(), uuid.New(), uuid.New()

	envelope, _ := json.Marshal(map[string]string{"message": "hello"})
	require.NoError(t, li.AddPending(ctx, tenantID, runtimeID, taskID, time.Now(), "test", envelope, 0, 5))

	lease, claimed, err := li.ClaimOneTask(ctx, tenantID, runtimeID, time.Minute)
	require.NoError(t, err)
	require.True(t, claimed)
	require.Equal(t, taskID, lease.TaskID)
	require.Equal(t, 1, lease.DeliveryAttempt)
	require.JSONEq(t, string(envelope), string(lease.Envelope))

	// No second claimable task.
	_, claimed, err = li.ClaimOneTask(ctx, tenantID, runtimeID, time.Minute)
	require.NoError(t, err)
	require.False(t, claimed)
}

func TestLeaseIndex_PendingMemberClaimedOnce(t *testing.T) {
	li := newTestLeaseIndex(t)
	ctx := context.Background()
	tenantID, runtimeID, taskID := uuid.New(), uuid.New(), uuid.New()

	require.NoError(t, li.AddPending(ctx, tenantID, runtimeID, taskID, time.Now(), "test", []byte(`{}`), 0, 5))

	wins := 0
	for i := 0; i < 5; i++ {
		_, claimed, err := li.ClaimOneTask(ctx, tenantID, runtimeID, time.Minute)
		require.NoError(t, err)
		if claimed {
			wins++
		}
	}
	require.Equal(t, 1, wins, "exactly one claimer should win the pending member")
}

func TestLeaseIndex_AckRejectsStaleLeaseID(t *testing.T) {
	li := newTestLeaseIndex(t)
	ctx := context.Background()
	tenantID, runtimeID, taskID := uuid.New(), uuid.New(), uuid.New()

	require.NoError(t, li.AddPending(ctx, tenantID, runtimeID, taskID, time.Now(), "test", []byte(`{}`), 0, 5))
	lease, claimed, err := li.ClaimOneTask(ctx, tenantID, runtimeID, time.Minute)
	require.NoError(t, err)
	require.True(t, claimed)

	err = li.Ack(ctx, tenantID, runtimeID, taskID, "a-stale-lease-id")
	require.ErrorIs(t, err, ErrTaskLeaseInvalid)

	require.NoError(t, li.Ack(ctx, tenantID, runtimeID, taskID, lease.LeaseID))
}

func TestLeaseIndex_FailRequeuesUnderMaxAttempts(t *testing.T) {
	li := newTestLeaseIndex(t)
	ctx := context.Background()
	tenantID, runtimeID, taskID := uuid.New(), uuid.New(), uuid.New()

	require.NoError(t, li.AddPending(ctx, tenantID, runtimeID, taskID, time.Now(), "test", []byte(`{}`), 0, 2))
	lease, claimed, err := li.ClaimOneTask(ctx, tenantID, runtimeID, time.Minute)
	require.NoError(t, err)
	require.True(t, claimed)

	outcome, err := li.Fail(ctx, tenantID, runtimeID, taskID, lease.LeaseID, 0)
	require.NoError(t, err)
	require.Equal(t, StatusQueued, outcome.Status)

	lease2, claimed, err := li.ClaimOneTask(ctx, tenantID, runtimeID, time.Minute)
	require.NoError(t, err)
	require.True(t, claimed)
	require.Equal(t, 2, lease2.DeliveryAttempt)

	outcome2, err := li.Fail(ctx, tenantID, runtimeID, taskID, lease2.LeaseID, 0)
	require.NoError(t, err)
	require.Equal(t, StatusDeadLetter, outcome2.Status)
}

func TestLeaseIndex_RequeueExpiredLeases(t *testing.T) {
	li := newTestLeaseIndex(t)
	ctx := context.Background()
	tenantID, runtimeID, taskID := uuid.New(), uuid.New(), uuid.New()

	require.NoError(t, li.AddPending(ctx, tenantID, runtimeID, taskID, time.Now(), "test", []byte(`{}`), 0, 5))
	_, claimed, err := li.ClaimOneTask(ctx, tenantID, runtimeID, -time.Second) // already-expired lease
	require.NoError(t, err)
	require.True(t, claimed)

	expired, err := li.RequeueExpiredLeases(ctx, tenantID, runtimeID)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, taskID, expired[0].TaskID)
	require.Equal(t, StatusQueued, expired[0].Status)

	lease, claimed, err := li.ClaimOneTask(ctx, tenantID, runtimeID, time.Minute)
	require.NoError(t, err)
	require.True(t, claimed)
	require.Equal(t, 2, lease.DeliveryAttempt)
}
