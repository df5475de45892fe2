package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	api "github.com/rangelab/solverqueue/api/v1alpha1"
	"github.com/rangelab/solverqueue/internal/compute"
	"github.com/rangelab/solverqueue/internal/queue"
	"github.com/rangelab/solverqueue/internal/store"
	"github.com/rangelab/solverqueue/internal/store/model"
	"github.com/rangelab/solverqueue/pkg/metrics"
)

// JobService accepts job submissions and answers status queries. The job row
// is committed before the message is published, so a worker that dequeues
// immediately always finds the row. When the publish fails after the commit,
// the row is marked FAILED ("fail the row, not the call") and the submission
// still returns the job id; the failure is visible through the status query.
type JobService struct {
	store  store.Store
	broker queue.Broker
}

func NewJobService(store store.Store, broker queue.Broker) *JobService {
	return &JobService{store: store, broker: broker}
}

func (s *JobService) Submit(ctx context.Context, jobType api.JobType, payload json.RawMessage) (*api.Job, error) {
	logger := zap.S().Named("job_service")

	if !jobType.Valid() {
		return nil, NewErrInvalidJobType(string(jobType))
	}
	if err := compute.ValidatePayload(jobType, payload); err != nil {
		return nil, NewErrInvalidPayload(string(jobType), err)
	}

	job := model.NewJob(jobType, payload)
	msg := queue.NewMessage(job.ID, jobType, payload)
	job.BrokerTaskID = &msg.TaskID

	// the row must be durable before the message exists, so a worker that
	// dequeues immediately always finds it
	ctx, err := s.store.NewTransactionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}

	job, err = s.store.Job().Create(ctx, job)
	if err != nil {
		_, _ = store.Rollback(ctx)
		return nil, fmt.Errorf("creating job record: %w", err)
	}

	if ctx, err = store.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing job record: %w", err)
	}
	metrics.IncJobsSubmitted(jobType)

	if err := s.broker.Publish(ctx, msg); err != nil {
		logger.Errorf("job %s: publish failed after row commit: %v", job.ID, err)
		failed, markErr := s.store.Job().MarkFailed(ctx, job.ID, fmt.Sprintf("failed to enqueue: %v", err))
		if markErr != nil {
			logger.Errorf("job %s: failed to mark enqueue failure: %v", job.ID, markErr)
			return nil, fmt.Errorf("enqueueing job: %w", err)
		}
		metrics.IncJobsFailed(jobType)
		apiJob := failed.ToApiResource()
		return &apiJob, nil
	}

	logger.Infof("job %s (%s) queued on %s", job.ID, jobType, jobType.Queue())
	apiJob := job.ToApiResource()
	return &apiJob, nil
}

// ListFilter narrows a job listing. Zero values leave the dimension
// unconstrained.
type ListFilter struct {
	Status api.JobStatus
	Type   api.JobType
}

func (s *JobService) List(ctx context.Context, filter ListFilter) ([]api.Job, error) {
	qf := store.NewJobQueryFilter()
	if filter.Status != "" {
		if !filter.Status.Valid() {
			return nil, NewErrInvalidJobStatus(string(filter.Status))
		}
		qf = qf.ByStatus(string(filter.Status))
	}
	if filter.Type != "" {
		if !filter.Type.Valid() {
			return nil, NewErrInvalidJobType(string(filter.Type))
		}
		qf = qf.ByType(string(filter.Type))
	}

	jobs, err := s.store.Job().List(ctx, qf)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}

	return jobs.ToApiResource(), nil
}

func (s *JobService) Get(ctx context.Context, id uuid.UUID) (*api.Job, error) {
	job, err := s.store.Job().Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, NewErrJobNotFound(id)
		}
		return nil, err
	}
	apiJob := job.ToApiResource()
	return &apiJob, nil
}
