package room

import (
	"errors"
	"fmt"

	"github.com/masc-io/masc/pkg/storage"
)

// Sentinel domain errors.
var (
	// ErrNotInitialized is returned for any command issued before Init.
	ErrNotInitialized = errors.New("room not initialized")

	// ErrNoAvailableTasks is returned by ClaimNext when no Todo task
	// matches the caller's capability filter.
	ErrNoAvailableTasks = errors.New("no available tasks")

	// ErrInvalidPath is returned when a lock resource escapes the base path.
	ErrInvalidPath = errors.New("invalid path")

	// ErrTimeout is returned when a cooperative wait exceeds its deadline.
	ErrTimeout = errors.New("timeout")

	// ErrRoomPaused is returned for mutating commands while the room is paused.
	ErrRoomPaused = errors.New("room is paused")
)

// AgentNotFoundError reports a command referencing an unknown agent.
type AgentNotFoundError struct{ Name string }

func (e *AgentNotFoundError) Error() string {
	return fmt.Sprintf("agent not found: %s", e.Name)
}

// AgentExistsError reports a join colliding with a live agent record.
type AgentExistsError struct{ Name string }

func (e *AgentExistsError) Error() string {
	return fmt.Sprintf("agent already exists: %s", e.Name)
}

// TaskNotFoundError reports a command referencing an unknown task.
type TaskNotFoundError struct{ ID string }

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task not found: %s", e.ID)
}

// TaskClaimedError reports a claim lost to another agent.
type TaskClaimedError struct {
	ID string
	By string
}

func (e *TaskClaimedError) Error() string {
	return fmt.Sprintf("task %s already claimed by %s", e.ID, e.By)
}

// NotAssignedError reports a release/done by an agent that does not hold
// the task.
type NotAssignedError struct {
	ID string
	By string
}

func (e *NotAssignedError) Error() string {
	return fmt.Sprintf("task %s is not assigned to you (assignee: %s)", e.ID, e.By)
}

// InvalidTransitionError reports a state-machine violation.
type InvalidTransitionError struct {
	From string
	To   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s -> %s", e.From, e.To)
}

// FileLockedError reports a lock attempt on a resource held by another agent.
type FileLockedError struct {
	File string
	By   string
}

func (e *FileLockedError) Error() string {
	return fmt.Sprintf("file %s is locked by %s", e.File, e.By)
}

// FileNotLockedError reports an unlock of a resource with no live lock.
type FileNotLockedError struct{ File string }

func (e *FileNotLockedError) Error() string {
	return fmt.Sprintf("file %s is not locked", e.File)
}

// SchemaError reports a request that could not be decoded or validated.
type SchemaError struct{ Detail string }

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema error: %s", e.Detail)
}

// VoteNotFoundError reports a ballot cast on an unknown vote.
type VoteNotFoundError struct{ ID string }

func (e *VoteNotFoundError) Error() string {
	return fmt.Sprintf("vote not found: %s", e.ID)
}

// VoteClosedError reports a ballot cast on a closed vote.
type VoteClosedError struct{ ID string }

func (e *VoteClosedError) Error() string {
	return fmt.Sprintf("vote %s is closed", e.ID)
}

// PortalError reports portal lifecycle violations (already open, no portal,
// peer mismatch).
type PortalError struct{ Detail string }

func (e *PortalError) Error() string {
	return fmt.Sprintf("portal: %s", e.Detail)
}

// Retryable reports whether err is a transient persistence failure the
// gate may retry with backoff. Domain errors are never retryable.
func Retryable(err error) bool {
	return storage.IsUnavailable(err)
}

// Kind returns the short machine-readable error kind surfaced to adapters.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotInitialized):
		return "not_initialized"
	case errors.Is(err, ErrNoAvailableTasks):
		return "no_available_tasks"
	case errors.Is(err, ErrInvalidPath):
		return "invalid_path"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrRoomPaused):
		return "room_paused"
	case storage.IsUnavailable(err):
		return "io_error"
	}

	var (
		agentNotFound *AgentNotFoundError
		agentExists   *AgentExistsError
		taskNotFound  *TaskNotFoundError
		taskClaimed   *TaskClaimedError
		notAssigned   *NotAssignedError
		invalidTrans  *InvalidTransitionError
		fileLocked    *FileLockedError
		fileNotLocked *FileNotLockedError
		schemaErr     *SchemaError
		voteNotFound  *VoteNotFoundError
		voteClosed    *VoteClosedError
		portalErr     *PortalError
	)
	switch {
	case errors.As(err, &agentNotFound):
		return "agent_not_found"
	case errors.As(err, &agentExists):
		return "agent_already_exists"
	case errors.As(err, &taskNotFound):
		return "task_not_found"
	case errors.As(err, &taskClaimed):
		return "task_claimed"
	case errors.As(err, &notAssigned):
		return "task_not_assigned_to_you"
	case errors.As(err, &invalidTrans):
		return "invalid_transition"
	case errors.As(err, &fileLocked):
		return "file_locked"
	case errors.As(err, &fileNotLocked):
		return "file_not_locked"
	case errors.As(err, &schemaErr):
		return "schema_error"
	case errors.As(err, &voteNotFound):
		return "vote_not_found"
	case errors.As(err, &voteClosed):
		return "vote_closed"
	case errors.As(err, &portalErr):
		return "portal_error"
	}
	return "internal_error"
}
