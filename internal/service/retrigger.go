package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	api "github.com/rangelab/solverqueue/api/v1alpha1"
	"github.com/rangelab/solverqueue/internal/queue"
	"github.com/rangelab/solverqueue/internal/store"
	"github.com/rangelab/solverqueue/pkg/metrics"
)

// RetriggerService is the operator-facing recovery path for dead-lettered
// jobs. It is distinct from the broker's bounded automatic redelivery:
// retriggering is unbounded and always explicit.
type RetriggerService struct {
	store  store.Store
	broker queue.Broker
}

func NewRetriggerService(store store.Store, broker queue.Broker) *RetriggerService {
	return &RetriggerService{store: store, broker: broker}
}

// List reads every DLQ without consuming it and joins each message with its
// job row. Calling List twice without an intervening retrigger yields the
// same set of jobs.
func (s *RetriggerService) List(ctx context.Context) ([]api.DeadLetteredJob, error) {
	logger := zap.S().Named("retrigger_service")

	var entries []api.DeadLetteredJob
	for _, jobType := range api.JobTypes() {
		messages, err := s.broker.ListDLQ(ctx, jobType)
		if err != nil {
			return nil, fmt.Errorf("listing %s: %w", jobType.DLQ(), err)
		}

		for _, msg := range messages {
			entry := api.DeadLetteredJob{ID: msg.JobID, Type: msg.Type}
			job, err := s.store.Job().Get(ctx, msg.JobID)
			if err != nil {
				// a dead-lettered message without a row is a submission
				// ordering violation, keep it visible to the operator
				logger.Errorf("dead-lettered job %s has no store record: %v", msg.JobID, err)
			} else {
				entry.ErrorMessage = job.ErrorMessage
				entry.UpdatedAt = job.UpdatedAt
			}
			entries = append(entries, entry)
		}
	}

	return entries, nil
}

// RetriggerJob moves one dead-lettered job back into normal processing: the
// DLQ message is removed, the row is reset to QUEUED with a fresh broker task
// id and a cleared error, and a new message is published to the main queue.
func (s *RetriggerService) RetriggerJob(ctx context.Context, id uuid.UUID) (*api.Job, error) {
	logger := zap.S().Named("retrigger_service")

	job, err := s.store.Job().Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, NewErrJobNotFound(id)
		}
		return nil, err
	}

	if job.Status != string(api.JobStatusFailed) {
		return nil, NewErrJobNotFailed(id, job.Status)
	}

	jobType := api.JobType(job.Type)
	if _, err := s.broker.TakeFromDLQ(ctx, jobType, id); err != nil {
		if errors.Is(err, queue.ErrMessageNotFound) {
			// lost the race with another retrigger, the row stays untouched
			return nil, NewErrJobNotInDLQ(id)
		}
		return nil, fmt.Errorf("removing job %s from %s: %w", id, jobType.DLQ(), err)
	}

	msg := queue.NewMessage(id, jobType, job.Payload)
	requeued, err := s.store.Job().Requeue(ctx, id, msg.TaskID)
	if err != nil {
		return nil, fmt.Errorf("requeueing job %s: %w", id, err)
	}

	if err := s.broker.Publish(ctx, msg); err != nil {
		logger.Errorf("job %s: publish failed after requeue: %v", id, err)
		failed, markErr := s.store.Job().MarkFailed(ctx, id, fmt.Sprintf("failed to enqueue: %v", err))
		if markErr != nil {
			return nil, fmt.Errorf("enqueueing job %s: %w", id, err)
		}
		apiJob := failed.ToApiResource()
		return &apiJob, nil
	}

	metrics.IncJobsRetriggered(jobType)
	logger.Infof("job %s (%s) retriggered", id, jobType)

	apiJob := requeued.ToApiResource()
	return &apiJob, nil
}

// RetriggerAll applies RetriggerJob to every dead-lettered message. A single
// job's failure never aborts the batch; the per-job outcome is reported.
func (s *RetriggerService) RetriggerAll(ctx context.Context) ([]api.RetriggerResult, error) {
	var results []api.RetriggerResult
	for _, jobType := range api.JobTypes() {
		messages, err := s.broker.ListDLQ(ctx, jobType)
		if err != nil {
			return results, fmt.Errorf("listing %s: %w", jobType.DLQ(), err)
		}

		for _, msg := range messages {
			result := api.RetriggerResult{ID: msg.JobID, Type: jobType}
			if _, err := s.RetriggerJob(ctx, msg.JobID); err != nil {
				result.Error = err.Error()
			}
			results = append(results, result)
		}
	}
	return results, nil
}

// ClearAll purges every DLQ without resubmitting anything. Job rows are not
// touched: jobs that were FAILED remain FAILED permanently.
func (s *RetriggerService) ClearAll(ctx context.Context) (int, error) {
	total := 0
	for _, jobType := range api.JobTypes() {
		count, err := s.broker.PurgeDLQ(ctx, jobType)
		if err != nil {
			return total, fmt.Errorf("purging %s: %w", jobType.DLQ(), err)
		}
		total += count
		zap.S().Named("retrigger_service").Infof("purged %d messages from %s", count, jobType.DLQ())
	}
	return total, nil
}
