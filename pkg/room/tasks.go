package room

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/masc-io/masc/pkg/models"
	"github.com/masc-io/masc/pkg/storage"
)

// AddTaskInput carries the attributes of a new task.
type AddTaskInput struct {
	Title       string
	Description string
	Priority    int
	Capability  string
	Files       []string
}

// AddTask creates a Todo task with the next id from the task counter.
func (e *Engine) AddTask(ctx context.Context, caller string, in AddTaskInput) (*models.Task, error) {
	if err := e.requireUnpaused(ctx); err != nil {
		return nil, err
	}
	if in.Title == "" {
		return nil, &SchemaError{Detail: "task title must not be empty"}
	}
	if in.Priority == 0 {
		in.Priority = models.PriorityLowest
	}
	if err := models.ValidatePriority(in.Priority); err != nil {
		return nil, &SchemaError{Detail: err.Error()}
	}

	n, err := e.backend.AtomicInc(ctx, storage.CounterTask, 1)
	if err != nil {
		return nil, err
	}
	task := &models.Task{
		ID:          models.TaskID(uint64(n)),
		Title:       in.Title,
		Description: in.Description,
		Priority:    in.Priority,
		Capability:  in.Capability,
		Files:       in.Files,
		CreatedAt:   e.clock.Now(),
		Status:      models.TaskTodo,
	}
	if err := e.putJSON(ctx, storage.PrefixTasks+task.ID, task); err != nil {
		return nil, err
	}

	e.notify(EventTaskUpdate, caller, map[string]any{"task_id": task.ID, "status": string(task.Status)})
	e.logger.Info("Task added", "task", task.ID, "priority", task.Priority, "by", caller)
	return task, nil
}

// GetTasks returns a snapshot of every task, ordered by id.
func (e *Engine) GetTasks(ctx context.Context) ([]*models.Task, error) {
	keys, err := e.backend.List(ctx, storage.PrefixTasks)
	if err != nil {
		return nil, err
	}
	tasks := make([]*models.Task, 0, len(keys))
	for _, key := range keys {
		var t models.Task
		ok, err := e.getJSON(ctx, key, &t)
		if err != nil {
			return nil, err
		}
		if ok {
			tasks = append(tasks, &t)
		}
	}
	return tasks, nil
}

// Claim moves a Todo task to Claimed for the caller. Concurrent claims on
// the same task race on a backend lease over the task key: exactly one
// caller wins, the rest get TaskClaimedError.
func (e *Engine) Claim(ctx context.Context, caller, taskID string) (*models.Task, error) {
	if err := e.requireUnpaused(ctx); err != nil {
		return nil, err
	}
	if _, err := e.getAgent(ctx, caller); err != nil {
		return nil, err
	}
	task, err := e.getTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != models.TaskTodo {
		return nil, &TaskClaimedError{ID: taskID, By: task.Assignee}
	}

	leaseKey := storage.PrefixTasks + taskID
	won, err := e.backend.AcquireLock(ctx, leaseKey, caller, claimLeaseTTL)
	if err != nil {
		return nil, err
	}
	if !won {
		// Lease held by a racing claimer whose record write is in flight.
		fresh, rerr := e.getTask(ctx, taskID)
		if rerr == nil && fresh.Assignee != "" {
			return nil, &TaskClaimedError{ID: taskID, By: fresh.Assignee}
		}
		return nil, &TaskClaimedError{ID: taskID, By: "another agent"}
	}
	defer func() {
		if _, rerr := e.backend.ReleaseLock(ctx, leaseKey, caller); rerr != nil {
			e.logger.Warn("Claim lease release failed", "task", taskID, "error", rerr)
		}
	}()

	// Re-check under the lease: a winner may have committed between our
	// read and the acquire.
	task, err = e.getTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != models.TaskTodo {
		return nil, &TaskClaimedError{ID: taskID, By: task.Assignee}
	}

	task.Status = models.TaskClaimed
	task.Assignee = caller
	task.ClaimedAt = e.clock.Now()
	return task, e.commitAssignment(ctx, caller, task, fmt.Sprintf("%s claimed %s", caller, taskID))
}

// ClaimNext claims the best available Todo task for the caller: lowest
// priority number first, then oldest, restricted to tasks whose required
// capability the caller advertises. Races lost to other claimers are
// skipped, not surfaced.
func (e *Engine) ClaimNext(ctx context.Context, caller string) (*models.Task, error) {
	if err := e.requireUnpaused(ctx); err != nil {
		return nil, err
	}
	agent, err := e.getAgent(ctx, caller)
	if err != nil {
		return nil, err
	}

	tasks, err := e.GetTasks(ctx)
	if err != nil {
		return nil, err
	}
	candidates := tasks[:0]
	for _, t := range tasks {
		if t.Status == models.TaskTodo && agent.HasCapability(t.Capability) {
			candidates = append(candidates, t)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		if !candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		}
		return candidates[i].ID < candidates[j].ID
	})

	for _, t := range candidates {
		claimed, err := e.Claim(ctx, caller, t.ID)
		if err == nil {
			return claimed, nil
		}
		var claimedErr *TaskClaimedError
		if errors.As(err, &claimedErr) {
			continue
		}
		return nil, err
	}
	return nil, ErrNoAvailableTasks
}

// Start moves the caller's Claimed task to InProgress.
func (e *Engine) Start(ctx context.Context, caller, taskID string) (*models.Task, error) {
	return e.transitionOwned(ctx, caller, taskID, models.TaskInProgress, func(t *models.Task) {
		t.StartedAt = e.clock.Now()
	})
}

// Release returns the caller's Claimed task to the board.
func (e *Engine) Release(ctx context.Context, caller, taskID string) (*models.Task, error) {
	task, err := e.transitionOwned(ctx, caller, taskID, models.TaskTodo, func(t *models.Task) {
		t.Assignee = ""
		t.ClaimedAt = time.Time{}
		t.StartedAt = time.Time{}
	})
	if err != nil {
		return nil, err
	}
	e.clearCurrentTask(ctx, caller, taskID)
	return task, nil
}

// Done completes the caller's task from Claimed or InProgress.
func (e *Engine) Done(ctx context.Context, caller, taskID, notes string) (*models.Task, error) {
	task, err := e.transitionOwned(ctx, caller, taskID, models.TaskDone, func(t *models.Task) {
		t.CompletedAt = e.clock.Now()
		t.Notes = notes
	})
	if err != nil {
		return nil, err
	}
	e.clearCurrentTask(ctx, caller, taskID)
	e.notify(EventCompletion, caller, map[string]any{"task_id": taskID, "notes": notes})
	return task, nil
}

// CancelTask cancels a non-terminal task. Any active agent may cancel.
func (e *Engine) CancelTask(ctx context.Context, caller, taskID, reason string) (*models.Task, error) {
	if err := e.requireUnpaused(ctx); err != nil {
		return nil, err
	}
	if _, err := e.getAgent(ctx, caller); err != nil {
		return nil, err
	}
	task, err := e.getTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !task.CanTransition(models.TaskCancelled) {
		return nil, &InvalidTransitionError{From: string(task.Status), To: string(models.TaskCancelled)}
	}

	assignee := task.Assignee
	task.Status = models.TaskCancelled
	task.CancelledBy = caller
	task.CancelledAt = e.clock.Now()
	task.Reason = reason
	if err := e.putJSON(ctx, storage.PrefixTasks+taskID, task); err != nil {
		return nil, err
	}
	if assignee != "" {
		e.clearCurrentTask(ctx, assignee, taskID)
	}
	e.notify(EventTaskUpdate, caller, map[string]any{"task_id": taskID, "status": string(task.Status)})
	e.logger.Info("Task cancelled", "task", taskID, "by", caller, "reason", reason)
	return task, nil
}

// Transition is the operator override: any edge the state machine allows,
// without the assignee check.
func (e *Engine) Transition(ctx context.Context, caller, taskID string, to models.TaskStatus) (*models.Task, error) {
	if err := e.requireUnpaused(ctx); err != nil {
		return nil, err
	}
	task, err := e.getTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !task.CanTransition(to) {
		return nil, &InvalidTransitionError{From: string(task.Status), To: string(to)}
	}

	now := e.clock.Now()
	task.Status = to
	switch to {
	case models.TaskTodo:
		task.Assignee = ""
		task.ClaimedAt = time.Time{}
		task.StartedAt = time.Time{}
	case models.TaskClaimed:
		task.Assignee = caller
		task.ClaimedAt = now
	case models.TaskInProgress:
		task.StartedAt = now
	case models.TaskDone:
		task.CompletedAt = now
	case models.TaskCancelled:
		task.CancelledBy = caller
		task.CancelledAt = now
	}
	if err := e.putJSON(ctx, storage.PrefixTasks+taskID, task); err != nil {
		return nil, err
	}
	e.audit(ctx, models.AuditTaskReverted, caller, map[string]string{"task": taskID, "to": string(to), "reason": "operator"})
	e.notify(EventTaskUpdate, caller, map[string]any{"task_id": taskID, "status": string(to)})
	return task, nil
}

// UpdatePriority changes a task's priority. Any active agent may call it;
// no other field changes.
func (e *Engine) UpdatePriority(ctx context.Context, caller, taskID string, priority int) (*models.Task, error) {
	if err := e.requireUnpaused(ctx); err != nil {
		return nil, err
	}
	if _, err := e.getAgent(ctx, caller); err != nil {
		return nil, err
	}
	if err := models.ValidatePriority(priority); err != nil {
		return nil, &SchemaError{Detail: err.Error()}
	}
	task, err := e.getTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	task.Priority = priority
	if err := e.putJSON(ctx, storage.PrefixTasks+taskID, task); err != nil {
		return nil, err
	}
	e.notify(EventTaskUpdate, caller, map[string]any{"task_id": taskID, "priority": priority})
	return task, nil
}

// transitionOwned applies a transition that requires assignee = caller.
func (e *Engine) transitionOwned(ctx context.Context, caller, taskID string, to models.TaskStatus, apply func(*models.Task)) (*models.Task, error) {
	if err := e.requireUnpaused(ctx); err != nil {
		return nil, err
	}
	if _, err := e.getAgent(ctx, caller); err != nil {
		return nil, err
	}
	task, err := e.getTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Assignee != caller {
		return nil, &NotAssignedError{ID: taskID, By: task.Assignee}
	}
	if !task.CanTransition(to) {
		return nil, &InvalidTransitionError{From: string(task.Status), To: string(to)}
	}
	task.Status = to
	apply(task)
	if err := e.putJSON(ctx, storage.PrefixTasks+taskID, task); err != nil {
		return nil, err
	}
	e.notify(EventTaskUpdate, caller, map[string]any{"task_id": taskID, "status": string(to)})
	e.logger.Info("Task transitioned", "task", taskID, "status", to, "by", caller)
	return task, nil
}

// commitAssignment writes the records implicated by a successful claim in
// the order task, agent, message. The task record is the source of truth:
// a failure after it is written is corrected by the next read.
func (e *Engine) commitAssignment(ctx context.Context, caller string, task *models.Task, announce string) error {
	if err := e.putJSON(ctx, storage.PrefixTasks+task.ID, task); err != nil {
		return err
	}

	agent, err := e.getAgent(ctx, caller)
	if err == nil {
		agent.CurrentTask = task.ID
		agent.Status = models.AgentBusy
		if err := e.putJSON(ctx, storage.PrefixAgents+caller, agent); err != nil {
			e.logger.Warn("Agent record update failed after claim", "task", task.ID, "error", err)
		}
	}

	if _, err := e.appendMessage(ctx, "", models.MessageSystem, announce, ""); err != nil {
		e.logger.Warn("Claim system message failed", "task", task.ID, "error", err)
	}

	e.notify(EventTaskUpdate, caller, map[string]any{"task_id": task.ID, "status": string(task.Status)})
	e.logger.Info("Task claimed", "task", task.ID, "by", caller)
	return nil
}

// clearCurrentTask drops an agent's current_task pointer if it references
// the given task. Best-effort, the task record wins on disagreement.
func (e *Engine) clearCurrentTask(ctx context.Context, name, taskID string) {
	agent, err := e.getAgent(ctx, name)
	if err != nil || agent.CurrentTask != taskID {
		return
	}
	agent.CurrentTask = ""
	agent.Status = models.AgentActive
	if err := e.putJSON(ctx, storage.PrefixAgents+name, agent); err != nil {
		e.logger.Warn("Agent record update failed", "agent", name, "error", err)
	}
}

func (e *Engine) getTask(ctx context.Context, id string) (*models.Task, error) {
	if _, err := e.loadRoom(ctx); err != nil {
		return nil, err
	}
	var task models.Task
	ok, err := e.getJSON(ctx, storage.PrefixTasks+id, &task)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &TaskNotFoundError{ID: id}
	}
	return &task, nil
}
