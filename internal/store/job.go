package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	api "github.com/rangelab/solverqueue/api/v1alpha1"
	"github.com/rangelab/solverqueue/internal/store/model"
)

// Job exposes the job-row operations. Every status transition is guarded
// so the lifecycle can only move forward; the single backward edge
// (FAILED -> QUEUED) is Requeue, used by the retrigger tool.
type Job interface {
	Create(ctx context.Context, job *model.Job) (*model.Job, error)
	Get(ctx context.Context, id uuid.UUID) (*model.Job, error)
	List(ctx context.Context, filter *JobQueryFilter) (model.JobList, error)
	Count(ctx context.Context) (int64, error)
	MarkRunning(ctx context.Context, id uuid.UUID, brokerTaskID string) (*model.Job, error)
	MarkCompleted(ctx context.Context, id uuid.UUID, result []byte) (*model.Job, error)
	MarkFailed(ctx context.Context, id uuid.UUID, errorMessage string) (*model.Job, error)
	Requeue(ctx context.Context, id uuid.UUID, brokerTaskID string) (*model.Job, error)
	UpdateProgress(ctx context.Context, id uuid.UUID, progress float64) error
	InitialMigration() error
}

type JobStore struct {
	db *gorm.DB
}

// Make sure we conform to Job interface
var _ Job = (*JobStore)(nil)

func NewJobStore(db *gorm.DB) Job {
	return &JobStore{db: db}
}

func (s *JobStore) InitialMigration() error {
	return s.db.AutoMigrate(&model.Job{})
}

func (s *JobStore) Create(ctx context.Context, job *model.Job) (*model.Job, error) {
	result := s.getDB(ctx).Create(job)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return nil, ErrDuplicateKey
		}
		return nil, fmt.Errorf("creating job: %w", result.Error)
	}
	return job, nil
}

func (s *JobStore) Get(ctx context.Context, id uuid.UUID) (*model.Job, error) {
	var job model.Job
	result := s.getDB(ctx).First(&job, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("querying job: %w", result.Error)
	}
	return &job, nil
}

func (s *JobStore) List(ctx context.Context, filter *JobQueryFilter) (model.JobList, error) {
	tx := s.getDB(ctx)
	if filter != nil {
		for _, fn := range filter.QueryFn {
			tx = fn(tx)
		}
	}

	var jobs model.JobList
	result := tx.Order("created_at").Find(&jobs)
	if result.Error != nil {
		return nil, fmt.Errorf("listing jobs: %w", result.Error)
	}
	return jobs, nil
}

func (s *JobStore) Count(ctx context.Context) (int64, error) {
	var count int64
	result := s.getDB(ctx).Model(&model.Job{}).Count(&count)
	if result.Error != nil {
		return 0, fmt.Errorf("counting jobs: %w", result.Error)
	}
	return count, nil
}

// MarkRunning records the start of a new attempt. A redelivered message may
// find the row still RUNNING (dead worker) or FAILED (automatic retry); the
// new attempt overwrites both. Completed jobs never run again.
func (s *JobStore) MarkRunning(ctx context.Context, id uuid.UUID, brokerTaskID string) (*model.Job, error) {
	return s.transition(ctx, id,
		[]string{string(api.JobStatusQueued), string(api.JobStatusRunning), string(api.JobStatusFailed)},
		map[string]interface{}{
			"status":         string(api.JobStatusRunning),
			"broker_task_id": brokerTaskID,
			"error_message":  nil,
			"result":         nil,
			"progress":       0.0,
		})
}

func (s *JobStore) MarkCompleted(ctx context.Context, id uuid.UUID, result []byte) (*model.Job, error) {
	return s.transition(ctx, id,
		[]string{string(api.JobStatusRunning)},
		map[string]interface{}{
			"status":        string(api.JobStatusCompleted),
			"result":        result,
			"error_message": nil,
			"progress":      1.0,
		})
}

// MarkFailed is reached from RUNNING (compute raised) and from QUEUED
// (publish failed after the row committed).
func (s *JobStore) MarkFailed(ctx context.Context, id uuid.UUID, errorMessage string) (*model.Job, error) {
	return s.transition(ctx, id,
		[]string{string(api.JobStatusQueued), string(api.JobStatusRunning)},
		map[string]interface{}{
			"status":        string(api.JobStatusFailed),
			"error_message": errorMessage,
			"result":        nil,
		})
}

// Requeue is the explicit FAILED -> QUEUED retrigger edge.
func (s *JobStore) Requeue(ctx context.Context, id uuid.UUID, brokerTaskID string) (*model.Job, error) {
	return s.transition(ctx, id,
		[]string{string(api.JobStatusFailed)},
		map[string]interface{}{
			"status":         string(api.JobStatusQueued),
			"broker_task_id": brokerTaskID,
			"error_message":  nil,
			"result":         nil,
			"progress":       0.0,
		})
}

func (s *JobStore) UpdateProgress(ctx context.Context, id uuid.UUID, progress float64) error {
	result := s.getDB(ctx).Model(&model.Job{}).
		Where("id = ? AND status = ?", id, string(api.JobStatusRunning)).
		Update("progress", progress)
	if result.Error != nil {
		return fmt.Errorf("updating job progress: %w", result.Error)
	}
	return nil
}

func (s *JobStore) transition(ctx context.Context, id uuid.UUID, fromStatuses []string, updates map[string]interface{}) (*model.Job, error) {
	db := s.getDB(ctx)

	result := db.Model(&model.Job{}).
		Where("id = ? AND status IN ?", id, fromStatuses).
		Updates(updates)
	if result.Error != nil {
		return nil, fmt.Errorf("updating job status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		// distinguish a missing row from a guarded transition
		if _, err := s.Get(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrIllegalTransition
	}

	return s.Get(ctx, id)
}

func (s *JobStore) getDB(ctx context.Context) *gorm.DB {
	tx := FromContext(ctx)
	if tx != nil {
		return tx
	}
	return s.db
}
