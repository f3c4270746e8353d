package session

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of one run attempt.
type Status string

const (
	// StatusRunning indicates a live run with an active engine process.
	StatusRunning Status = "running"
	// StatusSucceeded indicates the engine exited cleanly.
	StatusSucceeded Status = "succeeded"
	// StatusFailed indicates the engine exited with an error or crashed.
	StatusFailed Status = "failed"
	// StatusStopped indicates the run was terminated by operator action.
	StatusStopped Status = "stopped"
)

// allowedTransitions encodes the run lifecycle: running is the only
// non-terminal status.
var allowedTransitions = map[Status]map[Status]struct{}{
	StatusRunning: {
		StatusSucceeded: {},
		StatusFailed:    {},
		StatusStopped:   {},
	},
}

// CanTransition reports whether a record may move from one status to another.
func CanTransition(from, to Status) bool {
	_, ok := allowedTransitions[from][to]
	return ok
}

// Record is one run attempt. ID, Goal, Workdir, and StateDir are immutable
// after creation; ThreadID is overwritten as the engine announces handles.
type Record struct {
	ID            string     `json:"id"`
	Goal          string     `json:"goal"`
	MaxIterations int        `json:"maxIterations"`
	Workdir       string     `json:"workdir"`
	StateDir      string     `json:"stateDir"`
	StartedAt     time.Time  `json:"startedAt"`
	EndedAt       *time.Time `json:"endedAt,omitempty"`
	Status        Status     `json:"status"`
	ThreadID      string     `json:"threadId,omitempty"`
}

// Finalize moves the record to a terminal status and stamps EndedAt.
func (r *Record) Finalize(status Status, at time.Time) error {
	if r == nil {
		return fmt.Errorf("record is nil")
	}
	if !CanTransition(r.Status, status) {
		return fmt.Errorf("invalid status transition %s -> %s", r.Status, status)
	}
	ended := at.UTC()
	r.Status = status
	r.EndedAt = &ended
	return nil
}
