// Package fanout republishes accepted result envelopes onto internal Redis
// streams, mapped from envelope message_type via a static lookup.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// streamMapping is the static message_type → stream lookup the component
// design calls for. Envelopes whose type is unmapped are skipped rather than
// failing the ingestResult call.
var streamMapping = map[string]string{
	"semantic_query_result":    "stream:semantic_query_results",
	"agent_chat_result":        "stream:agent_chat_results",
	"copilot_dashboard_result": "stream:copilot_dashboard_results",
	"job_progress":             "stream:job_progress",
	"job_failed":               "stream:job_failed",
}

// ResultFanout appends accepted envelopes to their mapped internal stream.
type ResultFanout struct {
	rdb *redis.Client
}

// NewResultFanout creates a ResultFanout.
func NewResultFanout(rdb *redis.Client) *ResultFanout {
	return &ResultFanout{rdb: rdb}
}

// Publish appends envelope (as its canonical JSON form) to the stream mapped
// from messageType, preserving the order envelopes were submitted in. It is
// a no-op for unmapped message types.
func (f *ResultFanout) Publish(ctx context.Context, messageType string, envelope json.RawMessage) error {
	stream, ok := streamMapping[messageType]
	if !ok {
		return nil
	}

	if err := f.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{
			"data": string(envelope),
			"type": messageType,
		},
	}).Err(); err != nil {
		return fmt.Errorf("appending to stream %s: %w", stream, err)
	}
	return nil
}
