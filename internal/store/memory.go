package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"batch-ingestion-service/internal/models"
)

// MemoryStore keeps submissions in process memory behind a RWMutex.
type MemoryStore struct {
	mu          sync.RWMutex
	submissions map[string]*memSubmission
	units       map[string]*models.WorkUnit
}

type memSubmission struct {
	meta  models.Submission
	units []*models.WorkUnit
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		submissions: make(map[string]*memSubmission),
		units:       make(map[string]*models.WorkUnit),
	}
}

func (s *MemoryStore) CreateSubmission(_ context.Context, sub models.Submission) error {
	if sub.ID == "" {
		return fmt.Errorf("create submission: id is empty")
	}
	if len(sub.Units) == 0 {
		return fmt.Errorf("create submission %s: no work units", sub.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.submissions[sub.ID]; ok {
		return fmt.Errorf("create submission %s: %w", sub.ID, ErrDuplicate)
	}
	seen := make(map[string]struct{}, len(sub.Units))
	for _, u := range sub.Units {
		if _, ok := s.units[u.ID]; ok {
			return fmt.Errorf("create unit %s: %w", u.ID, ErrDuplicate)
		}
		if _, ok := seen[u.ID]; ok {
			return fmt.Errorf("create unit %s: %w", u.ID, ErrDuplicate)
		}
		seen[u.ID] = struct{}{}
	}

	rec := &memSubmission{meta: sub, units: make([]*models.WorkUnit, 0, len(sub.Units))}
	rec.meta.Units = nil
	for _, u := range sub.Units {
		cp := u.Clone()
		cp.SubmissionID = sub.ID
		rec.units = append(rec.units, &cp)
		s.units[cp.ID] = &cp
	}
	s.submissions[sub.ID] = rec
	return nil
}

func (s *MemoryStore) DeleteSubmission(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.submissions[id]
	if !ok {
		return fmt.Errorf("submission %s: %w", id, ErrNotFound)
	}
	for _, u := range rec.units {
		delete(s.units, u.ID)
	}
	delete(s.submissions, id)
	return nil
}

func (s *MemoryStore) GetSubmission(_ context.Context, id string) (models.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.submissions[id]
	if !ok {
		return models.Submission{}, fmt.Errorf("submission %s: %w", id, ErrNotFound)
	}
	out := rec.meta
	out.Units = make([]models.WorkUnit, 0, len(rec.units))
	for _, u := range rec.units {
		out.Units = append(out.Units, u.Clone())
	}
	return out, nil
}

func (s *MemoryStore) GetUnit(_ context.Context, unitID string) (models.WorkUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.units[unitID]
	if !ok {
		return models.WorkUnit{}, fmt.Errorf("unit %s: %w", unitID, ErrNotFound)
	}
	return u.Clone(), nil
}

func (s *MemoryStore) MarkDispatched(_ context.Context, unitID string, at time.Time) (models.WorkUnit, error) {
	return s.transition(unitID, models.StateDispatched, func(u *models.WorkUnit) {
		t := at
		u.DispatchedAt = &t
	})
}

func (s *MemoryStore) MarkCompleted(_ context.Context, unitID string, at time.Time) (models.WorkUnit, error) {
	return s.transition(unitID, models.StateCompleted, func(u *models.WorkUnit) {
		t := at
		u.CompletedAt = &t
	})
}

func (s *MemoryStore) RecordFailure(_ context.Context, unitID string, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.units[unitID]
	if !ok {
		return fmt.Errorf("unit %s: %w", unitID, ErrNotFound)
	}
	if u.State != models.StateDispatched {
		return fmt.Errorf("record failure on unit %s in state %s: %w", unitID, u.State, ErrInvalidTransition)
	}
	u.LastError = &msg
	return nil
}

func (s *MemoryStore) transition(unitID string, next models.UnitState, stamp func(*models.WorkUnit)) (models.WorkUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.units[unitID]
	if !ok {
		return models.WorkUnit{}, fmt.Errorf("unit %s: %w", unitID, ErrNotFound)
	}
	if !u.State.CanTransition(next) {
		return models.WorkUnit{}, fmt.Errorf("unit %s %s -> %s: %w", unitID, u.State, next, ErrInvalidTransition)
	}
	u.State = next
	stamp(u)
	return u.Clone(), nil
}
