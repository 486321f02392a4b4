package store

import (
	"context"
	"errors"
	"time"

	"batch-ingestion-service/internal/models"
)

var (
	// ErrNotFound is returned for unknown submission or unit ids.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when a unit is not in the state the
	// requested transition starts from.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrDuplicate is returned when a submission or unit id is already taken.
	ErrDuplicate = errors.New("duplicate id")
)

// Store is the authoritative record of submissions and their work units.
// Reads return copies; callers never see shared state.
type Store interface {
	// CreateSubmission registers a submission and all its units atomically.
	CreateSubmission(ctx context.Context, sub models.Submission) error
	// DeleteSubmission removes a submission whose units never reached the queue.
	DeleteSubmission(ctx context.Context, id string) error
	GetSubmission(ctx context.Context, id string) (models.Submission, error)
	GetUnit(ctx context.Context, unitID string) (models.WorkUnit, error)
	// MarkDispatched moves a unit Pending -> Dispatched.
	MarkDispatched(ctx context.Context, unitID string, at time.Time) (models.WorkUnit, error)
	// MarkCompleted moves a unit Dispatched -> Completed.
	MarkCompleted(ctx context.Context, unitID string, at time.Time) (models.WorkUnit, error)
	// RecordFailure notes a downstream failure on a dispatched unit without
	// changing its state.
	RecordFailure(ctx context.Context, unitID string, msg string) error
}
