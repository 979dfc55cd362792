package notifyqueue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"escalation/internal/clock"
	"escalation/internal/config"
	"escalation/internal/notify"
)

// MemoryQueue is a bounded in-process redelivery backlog drained on a
// fixed retry cycle. Used in single and redis modes.
// Params: pending bound, attempt cap, handler, logger, and clock.
// Returns: producer plus cycle runner for the service loop.
type MemoryQueue struct {
	maxPending int
	maxRetries int
	handler    func(ctx context.Context, job Job) error
	logger     *slog.Logger
	clk        clock.Clock

	mu   sync.Mutex
	jobs []Job
}

// NewMemoryQueue creates bounded in-memory redelivery backlog.
// Params: queue config, redelivery handler, logger, and clock.
// Returns: initialized queue.
func NewMemoryQueue(
	cfg config.QueueConfig,
	handler func(ctx context.Context, job Job) error,
	logger *slog.Logger,
	clk clock.Clock,
) *MemoryQueue {
	return &MemoryQueue{
		maxPending: cfg.MaxPending,
		maxRetries: cfg.MaxRetries,
		handler:    handler,
		logger:     logger,
		clk:        clk,
		jobs:       make([]Job, 0),
	}
}

// Enqueue appends one job unless the backlog is full.
// Params: context and queue job payload.
// Returns: rejection error when the pending bound is reached.
func (q *MemoryQueue) Enqueue(_ context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.maxPending > 0 && len(q.jobs) >= q.maxPending {
		return fmt.Errorf("retry backlog is full (%d pending)", len(q.jobs))
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = q.clk.Now()
	}
	q.jobs = append(q.jobs, job)
	return nil
}

// RunCycle drains the current backlog once, retrying each job and
// dropping jobs that exhausted their attempt budget.
// Params: context for redelivery handlers.
// Returns: number of jobs redelivered this cycle.
func (q *MemoryQueue) RunCycle(ctx context.Context) int {
	q.mu.Lock()
	pending := q.jobs
	q.jobs = make([]Job, 0, len(pending))
	q.mu.Unlock()

	delivered := 0
	for _, job := range pending {
		if ctx.Err() != nil {
			q.requeue(job)
			continue
		}
		job.Attempts++
		err := q.handler(ctx, job)
		if err == nil {
			delivered++
			q.logger.Info("queued delivery succeeded",
				"job_id", job.ID,
				"channel", job.Channel,
				"attempt", job.Attempts,
			)
			continue
		}
		if IsPermanent(err) {
			q.logger.Warn("queued delivery dropped, permanent failure",
				"job_id", job.ID,
				"channel", job.Channel,
				"error", err.Error(),
			)
			continue
		}
		if q.maxRetries > 0 && job.Attempts >= q.maxRetries {
			q.logger.Warn("queued delivery dropped, retries exhausted",
				"job_id", job.ID,
				"channel", job.Channel,
				"attempts", job.Attempts,
				"error", err.Error(),
			)
			continue
		}
		q.logger.Debug("queued delivery failed, will retry",
			"job_id", job.ID,
			"channel", job.Channel,
			"attempt", job.Attempts,
			"error", err.Error(),
		)
		q.requeue(job)
	}
	return delivered
}

// requeue puts one job back for the next cycle, dropping on overflow.
// Params: job to requeue.
// Returns: none.
func (q *MemoryQueue) requeue(job Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.maxPending > 0 && len(q.jobs) >= q.maxPending {
		q.logger.Warn("queued delivery dropped, backlog full", "job_id", job.ID, "channel", job.Channel)
		return
	}
	q.jobs = append(q.jobs, job)
}

// Pending returns current backlog depth.
// Params: none.
// Returns: pending job count.
func (q *MemoryQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Close releases the backlog.
// Params: none.
// Returns: nil.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	q.jobs = nil
	q.mu.Unlock()
	return nil
}

// Enqueuer adapts one Producer into the gateway retry hook.
// Params: backing producer.
// Returns: gateway-facing enqueue adapter.
type Enqueuer struct {
	producer Producer
	clk      clock.Clock
}

// NewEnqueuer wraps one producer for the gateway.
// Params: backing producer and clock.
// Returns: initialized adapter.
func NewEnqueuer(producer Producer, clk clock.Clock) *Enqueuer {
	return &Enqueuer{producer: producer, clk: clk}
}

// Enqueue converts one failed delivery into a queue job.
// Params: context, outbound payload, and failing channel.
// Returns: producer enqueue error.
func (e *Enqueuer) Enqueue(ctx context.Context, outbound notify.Outbound, channel string) error {
	return e.producer.Enqueue(ctx, Job{
		ID:        BuildJobID(channel, outbound),
		Channel:   channel,
		Outbound:  outbound,
		CreatedAt: e.clk.Now(),
	})
}
