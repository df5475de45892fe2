package store

import "errors"

var (
	ErrRecordNotFound = errors.New("record not found")
	ErrDuplicateKey   = errors.New("already exists")
	// ErrIllegalTransition is returned when a status update would violate
	// the QUEUED -> RUNNING -> (COMPLETED | FAILED) lifecycle. The only
	// permitted backward edge is FAILED -> QUEUED on retrigger.
	ErrIllegalTransition = errors.New("illegal status transition")
)
