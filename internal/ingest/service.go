package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"batch-ingestion-service/internal/models"
	"batch-ingestion-service/internal/queue"
	"batch-ingestion-service/internal/store"
	"batch-ingestion-service/internal/telemetry"
)

var (
	// ErrInvalidInput marks a client fault; nothing was created.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound is returned for unknown submission ids.
	ErrNotFound = errors.New("ingestion id not found")
)

// Service is the intake and status path over a shared store and queue.
type Service struct {
	store     store.Store
	queue     queue.Queue
	batchSize int
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string

	// intakeMu makes creation timestamps and queue append order agree.
	intakeMu sync.Mutex
}

func NewService(st store.Store, q queue.Queue, batchSize int, logger *slog.Logger) *Service {
	if batchSize <= 0 {
		batchSize = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     st,
		queue:     q,
		batchSize: batchSize,
		logger:    logger,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Submit validates ids, splits them into work units and queues every unit.
// It returns as soon as the units are queued.
func (s *Service) Submit(ctx context.Context, ids []int64, priority models.Priority) (string, error) {
	if err := Validate(ids, priority); err != nil {
		telemetry.IntakeRejects.Inc()
		return "", err
	}

	s.intakeMu.Lock()
	defer s.intakeMu.Unlock()

	created := s.now()
	sub := models.Submission{ID: s.newID(), Priority: priority, CreatedAt: created}
	for i, chunk := range Partition(ids, s.batchSize) {
		sub.Units = append(sub.Units, models.WorkUnit{
			ID:           s.newID(),
			SubmissionID: sub.ID,
			Index:        i,
			IDs:          chunk,
			Priority:     priority,
			State:        models.StatePending,
			CreatedAt:    created,
		})
	}

	if err := s.store.CreateSubmission(ctx, sub); err != nil {
		return "", fmt.Errorf("store submission: %w", err)
	}

	entries := make([]queue.Entry, 0, len(sub.Units))
	for _, u := range sub.Units {
		entries = append(entries, queue.EntryFor(u))
	}
	if err := s.queue.Enqueue(ctx, entries...); err != nil {
		if derr := s.store.DeleteSubmission(context.WithoutCancel(ctx), sub.ID); derr != nil {
			s.logger.Error("roll back submission", "ingestion_id", sub.ID, "error", derr)
		}
		return "", fmt.Errorf("enqueue submission: %w", err)
	}

	telemetry.SubmissionCounter.WithLabelValues(string(priority)).Inc()
	telemetry.UnitsEnqueued.Add(float64(len(entries)))
	s.logger.Info("submission accepted",
		"ingestion_id", sub.ID,
		"priority", string(priority),
		"ids", len(ids),
		"batches", len(sub.Units))
	return sub.ID, nil
}

// Status reports the aggregate status and per-unit detail of a submission.
// It reads fresh state on every call and never mutates anything.
func (s *Service) Status(ctx context.Context, id string) (models.SubmissionView, error) {
	sub, err := s.store.GetSubmission(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return models.SubmissionView{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return models.SubmissionView{}, fmt.Errorf("load submission %s: %w", id, err)
	}
	return sub.View(), nil
}

// Validate rejects empty id lists, ids outside the accepted range and unknown tiers.
func Validate(ids []int64, priority models.Priority) error {
	if !priority.Valid() {
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidInput, priority)
	}
	if len(ids) == 0 {
		return fmt.Errorf("%w: at least one ID is required", ErrInvalidInput)
	}
	for _, id := range ids {
		if id < models.MinIdentifier || id > models.MaxIdentifier {
			return fmt.Errorf("%w: ID %d is out of range (%d to %d)", ErrInvalidInput, id, models.MinIdentifier, models.MaxIdentifier)
		}
	}
	return nil
}

// Partition splits ids into contiguous chunks of at most size, preserving order.
func Partition(ids []int64, size int) [][]int64 {
	if size <= 0 {
		size = 1
	}
	chunks := make([][]int64, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := min(start+size, len(ids))
		chunks = append(chunks, append([]int64(nil), ids[start:end]...))
	}
	return chunks
}
