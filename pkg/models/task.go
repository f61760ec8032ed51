package models

import (
	"fmt"
	"time"
)

// TaskStatus is the state-machine position of a task on the board.
type TaskStatus string

// Task status values. Done and Cancelled are terminal.
const (
	TaskTodo       TaskStatus = "todo"
	TaskClaimed    TaskStatus = "claimed"
	TaskInProgress TaskStatus = "in_progress"
	TaskDone       TaskStatus = "done"
	TaskCancelled  TaskStatus = "cancelled"
)

// Priority bounds. 1 is the highest priority.
const (
	PriorityHighest = 1
	PriorityLowest  = 5
)

// Task is one unit of work on the shared board. The status-dependent fields
// (Assignee, ClaimedAt, ...) are only meaningful in the statuses that carry
// them; readers must treat Status as the discriminator.
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Priority    int        `json:"priority"`
	Capability  string     `json:"capability,omitempty"`
	Files       []string   `json:"files,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	Status      TaskStatus `json:"status"`

	// Claimed / InProgress / Done
	Assignee  string    `json:"assignee,omitempty"`
	ClaimedAt time.Time `json:"claimed_at,omitzero"`
	StartedAt time.Time `json:"started_at,omitzero"`

	// Done
	CompletedAt time.Time `json:"completed_at,omitzero"`
	Notes       string    `json:"notes,omitempty"`

	// Cancelled
	CancelledBy string    `json:"cancelled_by,omitempty"`
	CancelledAt time.Time `json:"cancelled_at,omitzero"`
	Reason      string    `json:"reason,omitempty"`
}

// TaskID formats the canonical task id for the given counter value.
func TaskID(n uint64) string {
	return fmt.Sprintf("task-%d", n)
}

// Terminal reports whether the task can never transition again.
func (t *Task) Terminal() bool {
	return t.Status == TaskDone || t.Status == TaskCancelled
}

// CanTransition reports whether the state machine permits moving from the
// task's current status to the target status. Callers still enforce the
// assignee checks; this covers the edge set only.
func (t *Task) CanTransition(to TaskStatus) bool {
	switch t.Status {
	case TaskTodo:
		return to == TaskClaimed || to == TaskCancelled
	case TaskClaimed:
		return to == TaskInProgress || to == TaskTodo || to == TaskDone || to == TaskCancelled
	case TaskInProgress:
		return to == TaskDone || to == TaskCancelled
	default:
		return false
	}
}

// ValidatePriority checks the 1..5 priority range.
func ValidatePriority(p int) error {
	if p < PriorityHighest || p > PriorityLowest {
		return fmt.Errorf("priority must be between %d and %d", PriorityHighest, PriorityLowest)
	}
	return nil
}
