package models

import "fmt"

type Status string

const (
	StatusQueued     Status = "Queued"
	StatusProcessing Status = "Processing"
	StatusAssigned   Status = "Assigned"
	StatusCompleted  Status = "Completed"
	StatusFailed     Status = "Failed"
	StatusCancelled  Status = "Cancelled"
)

var terminalStatuses = map[Status]bool{
	StatusCompleted: true,
	StatusCancelled: true,
}

// Lifecycle: Queued → Processing → Assigned → {Completed | Failed};
// any non-terminal status → Cancelled; Failed → Queued via retry.
var validTransitions = map[Status]map[Status]bool{
	StatusQueued: {
		StatusProcessing: true,
		StatusCancelled:  true,
	},
	StatusProcessing: {
		StatusAssigned:  true,
		StatusCancelled: true,
	},
	StatusAssigned: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusFailed: {
		StatusQueued: true, // retry
	},
}

// IsTerminal reports whether no further mutation is accepted for the status.
// Failed is not terminal: it can re-enter the queue while retries remain.
func IsTerminal(s Status) bool {
	return terminalStatuses[s]
}

// ValidateTransition checks a status move against the mission lifecycle.
func ValidateTransition(from, to Status) error {
	if IsTerminal(from) {
		return fmt.Errorf("cannot transition from terminal status %q", from)
	}
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("unknown status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition: %q → %q", from, to)
	}
	return nil
}

// CanCancel reports whether the item may still be cancelled.
func (q *QueueItem) CanCancel() bool {
	switch q.Status {
	case StatusQueued, StatusProcessing, StatusAssigned:
		return true
	}
	return false
}

// CanRetry reports whether the item is failed with retry budget remaining.
func (q *QueueItem) CanRetry() bool {
	return q.Status == StatusFailed && q.RetryCount < q.MaxRetries
}

// CanMoveUp reports whether the item can move toward the front of the queue.
// Position comes from the last fetched snapshot, so this is advisory only;
// the server rejects moves that raced with a concurrent reorder.
func (q *QueueItem) CanMoveUp() bool {
	return q.Status == StatusQueued && q.QueuePosition > 1
}

// CanMoveDown reports whether the item can move toward the back of the queue.
// The lower-boundary check is left to the server, which rejects no-op moves.
func (q *QueueItem) CanMoveDown() bool {
	return q.Status == StatusQueued
}

// InHistory reports whether the item belongs in the history partition.
func (q *QueueItem) InHistory() bool {
	switch q.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}
