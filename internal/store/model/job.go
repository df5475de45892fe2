package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	api "github.com/rangelab/solverqueue/api/v1alpha1"
)

// Job is the durable record of one submitted compute job. The row is the
// source of truth for the job lifecycle; queue messages are dispatch
// vehicles only. Rows are never deleted by this core.
type Job struct {
	ID           uuid.UUID `gorm:"primaryKey;"`
	Type         string    `gorm:"index;not null"`
	Status       string    `gorm:"index;not null"`
	Payload      []byte    `gorm:"type:jsonb"`
	Result       []byte    `gorm:"type:jsonb"`
	ErrorMessage *string
	// BrokerTaskID identifies the in-flight broker delivery of the current
	// attempt. Replaced on every retrigger.
	BrokerTaskID *string
	Progress     float64 `gorm:"not null;default:0"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type JobList []Job

func NewJob(jobType api.JobType, payload []byte) *Job {
	return &Job{
		ID:      uuid.New(),
		Type:    string(jobType),
		Status:  string(api.JobStatusQueued),
		Payload: payload,
	}
}

func (j Job) String() string {
	val, _ := json.Marshal(j)
	return string(val)
}

func (j *Job) ToApiResource() api.Job {
	job := api.Job{
		ID:           j.ID,
		Type:         api.JobType(j.Type),
		Status:       api.JobStatus(j.Status),
		Progress:     j.Progress,
		ErrorMessage: j.ErrorMessage,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
	}
	if len(j.Result) > 0 {
		job.Result = json.RawMessage(j.Result)
	}
	return job
}

func (l JobList) ToApiResource() []api.Job {
	jobs := make([]api.Job, 0, len(l))
	for i := range l {
		jobs = append(jobs, l[i].ToApiResource())
	}
	return jobs
}
