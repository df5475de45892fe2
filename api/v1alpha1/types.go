package v1alpha1

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobType identifies which compute engine a job is dispatched to.
// The set is closed; unknown types are rejected at submission.
type JobType string

const (
	JobTypeSpotSimulation JobType = "spot_simulation"
	JobTypeSolverAnalysis JobType = "solver_analysis"
)

// JobTypes lists every supported job type in dispatch order.
func JobTypes() []JobType {
	return []JobType{JobTypeSpotSimulation, JobTypeSolverAnalysis}
}

// Valid reports whether t is a recognized job type.
func (t JobType) Valid() bool {
	switch t {
	case JobTypeSpotSimulation, JobTypeSolverAnalysis:
		return true
	default:
		return false
	}
}

// Queue returns the main processing queue for the job type.
func (t JobType) Queue() string {
	switch t {
	case JobTypeSpotSimulation:
		return "spot-processing"
	case JobTypeSolverAnalysis:
		return "solver-processing"
	default:
		return string(t) + "-processing"
	}
}

// DLQ returns the dead-letter queue paired with the type's main queue.
func (t JobType) DLQ() string {
	return t.Queue() + "-dlq"
}

// JobStatus is the lifecycle state of a job.
// The only backward transition is FAILED -> QUEUED via an explicit retrigger.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "QUEUED"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
)

// Terminal reports whether the status is a terminal state.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Valid reports whether s is a recognized lifecycle state.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusRunning, JobStatusCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}

// SubmitJobRequest is the submission payload accepted by the API layer.
type SubmitJobRequest struct {
	Type    JobType         `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Job is the externally visible view of a job row.
type Job struct {
	ID           uuid.UUID       `json:"id"`
	Type         JobType         `json:"type"`
	Status       JobStatus       `json:"status"`
	Progress     float64         `json:"progress"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// DeadLetteredJob is one entry of the retrigger tool's list output.
type DeadLetteredJob struct {
	ID           uuid.UUID `json:"id"`
	Type         JobType   `json:"type"`
	ErrorMessage *string   `json:"error_message,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// RetriggerResult reports the outcome of retriggering a single job.
type RetriggerResult struct {
	ID    uuid.UUID `json:"id"`
	Type  JobType   `json:"type"`
	Error string    `json:"error,omitempty"`
}

// Error is the generic error body returned by the API.
type Error struct {
	Message   string  `json:"message"`
	RequestId *string `json:"request_id,omitempty"`
}
