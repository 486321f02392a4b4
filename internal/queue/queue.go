package queue

import (
	"context"
	"time"

	"batch-ingestion-service/internal/models"
)

// Entry is the queue's handle on a pending work unit. It mirrors the fields
// needed for ordering; the store keeps the authoritative unit.
type Entry struct {
	UnitID       string          `json:"unit_id"`
	SubmissionID string          `json:"submission_id"`
	Priority     models.Priority `json:"priority"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Queue holds pending work units ordered by tier, then creation time, then
// arrival. Dequeue on an empty queue returns ok=false and no error.
type Queue interface {
	// Enqueue inserts every entry or none of them.
	Enqueue(ctx context.Context, entries ...Entry) error
	Dequeue(ctx context.Context) (Entry, bool, error)
	Len(ctx context.Context) (int64, error)
}

// EntryFor builds the queue handle for a unit.
func EntryFor(u models.WorkUnit) Entry {
	return Entry{
		UnitID:       u.ID,
		SubmissionID: u.SubmissionID,
		Priority:     u.Priority,
		CreatedAt:    u.CreatedAt,
	}
}
