package fanout

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestFanout(t *testing.T) (*ResultFanout, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewResultFanout(client), client
}

func TestPublish_AppendsToMappedStream(t *testing.T) {
	f, client := newTestFanout(t)
	ctx := context.Background()

	envelope := json.RawMessage(`{"id":"e-1","message_type":"semantic_query_result","payload":{"rows":[]}}`)
	require.NoError(t, f.Publish(ctx, "semantic_query_result", envelope))

	entries, err := client.XRange(ctx, "stream:semantic_query_results", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "semantic_query_result", entries[0].Values["type"])
	require.JSONEq(t, string(envelope), entries[0].Values["data"].(string))
}

func TestPublish_SkipsUnmappedMessageType(t *testing.T) {
	f, client := newTestFanout(t)
	ctx := context.Background()

	require.NoError(t, f.Publish(ctx, "unknown_type", json.RawMessage(`{}`)))

	keys, err := client.Keys(ctx, "stream:*").Result()
	require.NoError(t, err)
	require.Empty(t, keys, "unmapped types must not create streams")
}

func TestPublish_PreservesOrderWithinRequest(t *testing.T) {
	f, client := newTestFanout(t)
	ctx := context.Background()

	require.NoError(t, f.Publish(ctx, "job_progress", json.RawMessage(`{"seq":1}`)))
	require.NoError(t, f.Publish(ctx, "job_progress", json.RawMessage(`{"seq":2}`)))

	entries, err := client.XRange(ctx, "stream:job_progress", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.JSONEq(t, `{"seq":1}`, entries[0].Values["data"].(string))
	require.JSONEq(t, `{"seq":2}`, entries[1].Values["data"].(string))
}
