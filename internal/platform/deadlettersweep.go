package platform

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// DeadLetterCounter reports the number of tasks currently parked in
// dead_letter, used by the worker-mode sweep report.
type DeadLetterCounter interface {
	CountByStatus(ctx context.Context, status string) (int, error)
}

// DeadLetterSweep runs a daily cron job that logs the current dead-letter
// backlog size, giving operators a cheap signal without a dedicated alerting
// pipeline. One cron.Cron per job, started and stopped alongside worker mode.
type DeadLetterSweep struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// NewDeadLetterSweep builds a sweep that fires on schedule (a standard
// 5-field cron expression) against store.
func NewDeadLetterSweep(store DeadLetterCounter, logger *slog.Logger, schedule string) (*DeadLetterSweep, error) {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		count, err := store.CountByStatus(context.Background(), "dead_letter")
		if err != nil {
			logger.Error("dead-letter sweep: counting dead_letter tasks", "error", err)
			return
		}
		logger.Info("dead-letter sweep report", "dead_letter_count", count)
	})
	if err != nil {
		return nil, err
	}
	return &DeadLetterSweep{cron: c, logger: logger}, nil
}

// Start begins the scheduler. It returns immediately; the job runs in its
// own goroutine managed by the underlying cron.Cron.
func (s *DeadLetterSweep) Start() {
	s.cron.Start()
	s.logger.Info("dead-letter sweep scheduled")
}

// Stop cancels the scheduler and waits for any in-flight run to finish.
func (s *DeadLetterSweep) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
