package queue

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/parleyhq/parley/internal/observability"
)

// Janitor periodically fails expired pending events so they never surface to
// a worker. The claim path already skips expired rows; the sweep keeps the
// queue table honest for inspection and metrics.
type Janitor struct {
	queue  Queue
	logger *observability.Logger
	cron   *cron.Cron
}

// NewJanitor builds a janitor sweeping on the given cron schedule
// (e.g. "@every 1m").
func NewJanitor(q Queue, logger *observability.Logger, schedule string) (*Janitor, error) {
	j := &Janitor{
		queue:  q,
		logger: logger,
		cron:   cron.New(),
	}
	if _, err := j.cron.AddFunc(schedule, j.sweep); err != nil {
		return nil, err
	}
	return j, nil
}

// Start begins the schedule.
func (j *Janitor) Start() {
	j.cron.Start()
}

// Stop halts the schedule and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
}

func (j *Janitor) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	swept, err := j.queue.FailExpired(ctx, time.Now())
	if err != nil {
		j.logger.Error(ctx, "expired event sweep failed", "error", err)
		return
	}
	if swept > 0 {
		j.logger.Info(ctx, "swept expired events", "count", swept)
	}
}
