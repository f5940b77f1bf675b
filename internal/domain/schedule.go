package domain

import (
	"time"

	"github.com/google/uuid"
)

// CancellationWindow is how long before execution a schedule stops being cancellable.
const CancellationWindow = 24 * time.Hour

// MinimumScheduleLead is the shortest allowed delay between creation and execution.
const MinimumScheduleLead = time.Hour

// JobState is the state of a deferred execution job.
type JobState string

const (
	JobPending    JobState = "Pendiente"
	JobInProgress JobState = "EnProceso"
	JobExecuted   JobState = "Ejecutada"
	JobFailed     JobState = "Fallida"
	JobCancelled  JobState = "Cancelada"
)

var jobTransitions = map[JobState][]JobState{
	JobPending: {JobInProgress, JobCancelled},
	// InProgress -> Pending releases a claim after an infrastructure error.
	JobInProgress: {JobExecuted, JobFailed, JobPending},
}

// Valid reports whether s is a known job state.
func (s JobState) Valid() bool {
	switch s {
	case JobPending, JobInProgress, JobExecuted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// Terminal reports whether the job has finished.
func (s JobState) Terminal() bool {
	return len(jobTransitions[s]) == 0
}

// CanTransitionTo reports whether the job state machine allows s -> next.
func (s JobState) CanTransitionTo(next JobState) bool {
	for _, allowed := range jobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Schedule pairs a Transaction with its deferred execution time.
type Schedule struct {
	ID             uuid.UUID  `json:"id"`
	TransactionID  uuid.UUID  `json:"transaction_id"`
	ScheduledAt    time.Time  `json:"scheduled_at"`
	CancelDeadline time.Time  `json:"cancel_deadline"`
	JobState       JobState   `json:"job_state"`
	ClaimedAt      *time.Time `json:"claimed_at,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// NewSchedule builds a Pending schedule for transactionID due at scheduledAt.
func NewSchedule(transactionID uuid.UUID, scheduledAt, now time.Time) *Schedule {
	return &Schedule{
		ID:             uuid.New(),
		TransactionID:  transactionID,
		ScheduledAt:    scheduledAt,
		CancelDeadline: scheduledAt.Add(-CancellationWindow),
		JobState:       JobPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Cancellable reports whether the client can still cancel at the given instant.
func (s *Schedule) Cancellable(now time.Time) bool {
	return s.JobState == JobPending && now.Before(s.CancelDeadline)
}

// Clone returns a deep copy.
func (s *Schedule) Clone() *Schedule {
	if s == nil {
		return nil
	}
	cp := *s
	if s.ClaimedAt != nil {
		v := *s.ClaimedAt
		cp.ClaimedAt = &v
	}
	return &cp
}
