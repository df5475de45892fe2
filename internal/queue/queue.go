// Package queue defines the broker contract the job pipeline runs on:
// a durable main queue per job type, a paired dead-letter queue, and
// on-demand delayed-retry queues used for backoff scheduling.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	api "github.com/rangelab/solverqueue/api/v1alpha1"
)

var (
	// ErrMessageNotFound is returned when a dead-lettered message cannot be
	// located, typically because a concurrent retrigger already consumed it.
	ErrMessageNotFound = errors.New("message not found in dead-letter queue")
)

// Message is the dispatch vehicle carried by the broker. It is not persisted
// independently of the job row, which remains the source of truth.
type Message struct {
	JobID   uuid.UUID       `json:"job_id"`
	Type    api.JobType     `json:"job_type"`
	Payload json.RawMessage `json:"payload"`
	// TaskID is the broker-side identity of the current attempt,
	// assigned at publish time.
	TaskID string `json:"task_id"`
	// Attempt is 1 on first delivery and incremented on every
	// delayed-retry republish.
	Attempt int `json:"attempt"`
}

// Delivery is one received message awaiting manual acknowledgment.
// Nack with requeue=false routes the message to the type's DLQ.
type Delivery interface {
	Message() Message
	Ack() error
	Nack(requeue bool) error
}

// Broker is the queue contract shared by the submission service, the worker
// pool and the retrigger tool. Implementations are constructed explicitly and
// passed to their consumers; connections are scoped to component lifetime.
type Broker interface {
	// DeclareTopology declares the main queue and DLQ for every job type.
	// Declaring an existing queue with matching properties is a no-op;
	// mismatched properties surface as a fatal error.
	DeclareTopology(ctx context.Context) error

	// Publish sends a persistent message to the type's main queue.
	Publish(ctx context.Context, msg Message) error

	// PublishDelayed holds the message in a per-duration delay queue and
	// re-routes it to the main queue once the delay expires.
	PublishDelayed(ctx context.Context, msg Message, delay time.Duration) error

	// Consume delivers messages from the type's main queue until ctx is done.
	Consume(ctx context.Context, jobType api.JobType) (<-chan Delivery, error)

	// ListDLQ reads the type's DLQ without consuming it.
	ListDLQ(ctx context.Context, jobType api.JobType) ([]Message, error)

	// TakeFromDLQ removes exactly the message belonging to jobID from the
	// type's DLQ, returning ErrMessageNotFound when absent.
	TakeFromDLQ(ctx context.Context, jobType api.JobType, jobID uuid.UUID) (*Message, error)

	// PurgeDLQ drops every message from the type's DLQ and returns the count.
	PurgeDLQ(ctx context.Context, jobType api.JobType) (int, error)

	Close() error
}

// NewMessage builds a first-attempt message with a fresh broker task id.
func NewMessage(jobID uuid.UUID, jobType api.JobType, payload json.RawMessage) Message {
	return Message{
		JobID:   jobID,
		Type:    jobType,
		Payload: payload,
		TaskID:  uuid.NewString(),
		Attempt: 1,
	}
}

// NextAttempt returns a copy of msg for the following delivery attempt.
func (m Message) NextAttempt() Message {
	next := m
	next.TaskID = uuid.NewString()
	next.Attempt++
	return next
}
