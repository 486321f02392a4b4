package models

import (
	"fmt"
	"strings"
	"time"
)

// Identifier bounds accepted at intake.
const (
	MinIdentifier int64 = 1
	MaxIdentifier int64 = 1_000_000_007
)

// Priority is the dispatch tier requested for a submission.
type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityMedium Priority = "MEDIUM"
	PriorityLow    Priority = "LOW"
)

// Priorities lists every tier in dispatch order.
var Priorities = []Priority{PriorityHigh, PriorityMedium, PriorityLow}

// Rank orders tiers; lower ranks dispatch first. Unknown tiers rank last.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return len(Priorities) + 1
	}
}

// Valid reports whether p is one of the known tiers.
func (p Priority) Valid() bool {
	return p.Rank() <= len(Priorities)
}

// ParsePriority accepts a tier name in any case.
func ParsePriority(s string) (Priority, error) {
	p := Priority(strings.ToUpper(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("unknown priority %q", s)
	}
	return p, nil
}

// UnitState is the lifecycle state of a single work unit.
type UnitState string

const (
	StatePending    UnitState = "yet_to_start"
	StateDispatched UnitState = "triggered"
	StateCompleted  UnitState = "completed"
)

// CanTransition reports whether moving from s to next is a legal single step.
func (s UnitState) CanTransition(next UnitState) bool {
	switch s {
	case StatePending:
		return next == StateDispatched
	case StateDispatched:
		return next == StateCompleted
	default:
		return false
	}
}

// SubmissionStatus is the aggregate status derived from unit states.
type SubmissionStatus string

const (
	StatusYetToStart SubmissionStatus = "yet_to_start"
	StatusTriggered  SubmissionStatus = "triggered"
	StatusCompleted  SubmissionStatus = "completed"
)

// WorkUnit is a fixed-size chunk of a submission's identifiers.
type WorkUnit struct {
	ID           string     `json:"batch_id"`
	SubmissionID string     `json:"ingestion_id"`
	Index        int        `json:"index"`
	IDs          []int64    `json:"ids"`
	Priority     Priority   `json:"priority"`
	State        UnitState  `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	LastError    *string    `json:"last_error,omitempty"`
}

// Clone returns a deep copy safe to hand out of a locked structure.
func (u WorkUnit) Clone() WorkUnit {
	out := u
	out.IDs = append([]int64(nil), u.IDs...)
	if u.DispatchedAt != nil {
		t := *u.DispatchedAt
		out.DispatchedAt = &t
	}
	if u.CompletedAt != nil {
		t := *u.CompletedAt
		out.CompletedAt = &t
	}
	if u.LastError != nil {
		e := *u.LastError
		out.LastError = &e
	}
	return out
}

// Submission is one caller request and the work units it was split into.
type Submission struct {
	ID        string     `json:"ingestion_id"`
	Priority  Priority   `json:"priority"`
	CreatedAt time.Time  `json:"created_at"`
	Units     []WorkUnit `json:"batches"`
}

// Status derives the aggregate status from the current unit states.
func (s Submission) Status() SubmissionStatus {
	states := make([]UnitState, len(s.Units))
	for i, u := range s.Units {
		states[i] = u.State
	}
	return Aggregate(states)
}

// Aggregate applies the three-way rule: all pending is yet_to_start, all
// completed is completed, anything else is triggered.
func Aggregate(states []UnitState) SubmissionStatus {
	allPending, allCompleted := true, true
	for _, st := range states {
		if st != StatePending {
			allPending = false
		}
		if st != StateCompleted {
			allCompleted = false
		}
	}
	switch {
	case allPending:
		return StatusYetToStart
	case allCompleted:
		return StatusCompleted
	default:
		return StatusTriggered
	}
}

// UnitView is the per-unit detail returned by a status query.
type UnitView struct {
	ID        string    `json:"batch_id"`
	IDs       []int64   `json:"ids"`
	State     UnitState `json:"status"`
	LastError *string   `json:"last_error,omitempty"`
}

// SubmissionView is the response shape of a status query.
type SubmissionView struct {
	ID      string           `json:"ingestion_id"`
	Status  SubmissionStatus `json:"status"`
	Batches []UnitView       `json:"batches"`
}

// View builds the status response for s.
func (s Submission) View() SubmissionView {
	batches := make([]UnitView, 0, len(s.Units))
	for _, u := range s.Units {
		batches = append(batches, UnitView{
			ID:        u.ID,
			IDs:       append([]int64(nil), u.IDs...),
			State:     u.State,
			LastError: u.LastError,
		})
	}
	return SubmissionView{ID: s.ID, Status: s.Status(), Batches: batches}
}
