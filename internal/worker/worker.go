// Package worker implements the fetch-execute-ack dispatch loop. Each worker
// holds one message at a time; a pool runs many workers in parallel. All
// status writes for a job happen under the single in-flight attempt holding
// its message, so no locking beyond transactional isolation is needed.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	api "github.com/rangelab/solverqueue/api/v1alpha1"
	"github.com/rangelab/solverqueue/internal/compute"
	"github.com/rangelab/solverqueue/internal/queue"
	"github.com/rangelab/solverqueue/internal/store"
	"github.com/rangelab/solverqueue/pkg/metrics"
)

const maxErrorMessageLen = 2048

type Worker struct {
	id           int
	jobType      api.JobType
	store        store.Store
	broker       queue.Broker
	registry     *compute.Registry
	maxAttempts  int
	retryBackoff time.Duration
	logger       *zap.SugaredLogger
}

func New(id int, jobType api.JobType, store store.Store, broker queue.Broker, registry *compute.Registry, maxAttempts int, retryBackoff time.Duration) *Worker {
	return &Worker{
		id:           id,
		jobType:      jobType,
		store:        store,
		broker:       broker,
		registry:     registry,
		maxAttempts:  maxAttempts,
		retryBackoff: retryBackoff,
		logger:       zap.S().Named("worker").With("worker_id", id, "queue", jobType.Queue()),
	}
}

// Run consumes the worker's queue until ctx is done. A broken consume channel
// is fatal: the error propagates up and the process exits for the supervisor
// to restart, rather than retry-looping inside the process.
func (w *Worker) Run(ctx context.Context) error {
	deliveries, err := w.broker.Consume(ctx, w.jobType)
	if err != nil {
		return fmt.Errorf("worker %d: consuming %s: %w", w.id, w.jobType.Queue(), err)
	}

	w.logger.Info("worker started")
	for delivery := range deliveries {
		w.handle(ctx, delivery)
	}

	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	w.logger.Info("worker stopped")
	return nil
}

func (w *Worker) handle(ctx context.Context, delivery queue.Delivery) {
	msg := delivery.Message()
	logger := w.logger.With("job_id", msg.JobID, "attempt", msg.Attempt)

	_, err := w.store.Job().Get(ctx, msg.JobID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			// a message without a row can never succeed; this indicates the
			// submission ordering was violated and operators must look at it
			logger.Errorf("integrity error: message references job %s with no store record, rejecting without requeue", msg.JobID)
			_ = delivery.Nack(false)
			return
		}
		logger.Errorf("store lookup failed, requeueing: %v", err)
		_ = delivery.Nack(true)
		return
	}

	if _, err := w.store.Job().MarkRunning(ctx, msg.JobID, msg.TaskID); err != nil {
		if errors.Is(err, store.ErrIllegalTransition) {
			// duplicate delivery of an already completed job
			logger.Warnf("job %s is already terminal, dropping duplicate delivery", msg.JobID)
			_ = delivery.Ack()
			return
		}
		logger.Errorf("marking job running failed, requeueing: %v", err)
		_ = delivery.Nack(true)
		return
	}

	fn, ok := w.registry.Lookup(msg.Type)
	if !ok {
		// submission validates the type, so this only happens when a worker
		// instance consumes a queue it has no engine for
		w.fail(ctx, delivery, msg, fmt.Errorf("no compute function registered for %q", msg.Type), logger)
		return
	}

	start := time.Now()
	result, err := fn(ctx, msg.Payload, func(p float64) {
		if err := w.store.Job().UpdateProgress(ctx, msg.JobID, p); err != nil {
			logger.Warnf("progress update failed: %v", err)
		}
	})
	metrics.ObserveJobDuration(msg.Type, time.Since(start).Seconds())

	if err != nil {
		w.fail(ctx, delivery, msg, err, logger)
		return
	}

	if _, err := w.store.Job().MarkCompleted(ctx, msg.JobID, result); err != nil {
		logger.Errorf("marking job completed failed, requeueing: %v", err)
		_ = delivery.Nack(true)
		return
	}
	metrics.IncJobsCompleted(msg.Type)
	_ = delivery.Ack()
	logger.Infof("job %s completed in %s", msg.JobID, time.Since(start))
}

// fail records the attempt's outcome on the row, then either schedules a
// bounded delayed retry or lets the broker dead-letter the message. The row
// is overwritten by the next attempt if one happens.
func (w *Worker) fail(ctx context.Context, delivery queue.Delivery, msg queue.Message, cause error, logger *zap.SugaredLogger) {
	metrics.IncJobsFailed(msg.Type)

	if _, err := w.store.Job().MarkFailed(ctx, msg.JobID, truncate(cause.Error(), maxErrorMessageLen)); err != nil {
		logger.Errorf("marking job failed: %v", err)
	}

	if msg.Attempt < w.maxAttempts {
		delay := w.backoff(msg.Attempt)
		if err := w.broker.PublishDelayed(ctx, msg.NextAttempt(), delay); err != nil {
			logger.Errorf("scheduling retry failed, dead-lettering: %v", err)
			_ = delivery.Nack(false)
			return
		}
		_ = delivery.Ack()
		logger.Warnf("job %s failed (%v), retry %d/%d in %s", msg.JobID, cause, msg.Attempt+1, w.maxAttempts, delay)
		return
	}

	_ = delivery.Nack(false)
	logger.Errorf("job %s failed after %d attempts, dead-lettered: %v", msg.JobID, msg.Attempt, cause)
}

func (w *Worker) backoff(attempt int) time.Duration {
	delay := w.retryBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
