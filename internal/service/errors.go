package service

import (
	"fmt"

	"github.com/google/uuid"
)

type ErrJobNotFound struct {
	error
}

func NewErrJobNotFound(id uuid.UUID) *ErrJobNotFound {
	return &ErrJobNotFound{fmt.Errorf("job %s not found", id)}
}

type ErrInvalidJobType struct {
	error
}

func NewErrInvalidJobType(jobType string) *ErrInvalidJobType {
	return &ErrInvalidJobType{fmt.Errorf("unrecognized job type %q", jobType)}
}

type ErrInvalidPayload struct {
	error
}

func NewErrInvalidPayload(jobType string, err error) *ErrInvalidPayload {
	return &ErrInvalidPayload{fmt.Errorf("invalid %s payload: %v", jobType, err)}
}

type ErrInvalidJobStatus struct {
	error
}

func NewErrInvalidJobStatus(status string) *ErrInvalidJobStatus {
	return &ErrInvalidJobStatus{fmt.Errorf("unrecognized job status %q", status)}
}

type ErrJobNotFailed struct {
	error
}

func NewErrJobNotFailed(id uuid.UUID, status string) *ErrJobNotFailed {
	return &ErrJobNotFailed{fmt.Errorf("job %s is %s, only failed jobs can be retriggered", id, status)}
}

type ErrJobNotInDLQ struct {
	error
}

func NewErrJobNotInDLQ(id uuid.UUID) *ErrJobNotInDLQ {
	return &ErrJobNotInDLQ{fmt.Errorf("no dead-lettered message found for job %s", id)}
}
