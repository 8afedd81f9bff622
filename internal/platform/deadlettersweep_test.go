package platform

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeDeadLetterCounter struct {
	count int
	calls chan struct{}
}

func (f *fakeDeadLetterCounter) CountByStatus(ctx context.Context, status string) (int, error) {
	select {
	case f.calls <- struct{}{}:
	default:
	}
	return f.count, nil
}

func TestDeadLetterSweep_FiresOnSchedule(t *testing.T) {
	counter := &fakeDeadLetterCounter{count: 3, calls: make(chan struct{}, 1)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	sweep, err := NewDeadLetterSweep(counter, logger, "* * * * * *")
	require.Error(t, err, "standard cron parser should reject a 6-field seconds expression")

	sweep, err = NewDeadLetterSweep(counter, logger, "@every 1s")
	require.NoError(t, err)

	sweep.Start()
	defer sweep.Stop()

	select {
	case <-counter.calls:
	case <-time.After(2 * time.Second):
		t.Fatal("dead-letter sweep did not fire within 2s")
	}
}

func TestNewDeadLetterSweep_RejectsInvalidSchedule(t *testing.T) {
	counter := &fakeDeadLetterCounter{calls: make(chan struct{}, 1)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, err := NewDeadLetterSweep(counter, logger, "not-a-cron-expression")
	require.Error(t, err)
}
