package room

import (
	"context"

	"github.com/masc-io/masc/pkg/models"
	"github.com/masc-io/masc/pkg/storage"
)

// JoinInput carries the optional attributes of a join command.
type JoinInput struct {
	Capabilities []string
	Meta         map[string]string
}

// Join registers an agent in the room. Rejoining an inactive agent record
// revives it; joining over a live record of the same name fails with
// AgentExistsError so two processes cannot share an identity.
func (e *Engine) Join(ctx context.Context, name string, in JoinInput) (*models.Agent, error) {
	if err := models.ValidateAgentName(name); err != nil {
		return nil, &SchemaError{Detail: err.Error()}
	}
	if _, err := e.loadRoom(ctx); err != nil {
		return nil, err
	}

	key := storage.PrefixAgents + name
	var existing models.Agent
	ok, err := e.getJSON(ctx, key, &existing)
	if err != nil {
		return nil, err
	}
	if ok && existing.Status != models.AgentInactive {
		return nil, &AgentExistsError{Name: name}
	}

	now := e.clock.Now()
	agent := &models.Agent{
		Name:         name,
		Status:       models.AgentActive,
		Capabilities: in.Capabilities,
		JoinedAt:     now,
		LastSeen:     now,
		Meta:         in.Meta,
	}
	if ok {
		agent.JoinedAt = existing.JoinedAt
	}
	if err := e.putJSON(ctx, key, agent); err != nil {
		return nil, err
	}

	e.audit(ctx, models.AuditAgentJoined, name, nil)
	if _, err := e.appendMessage(ctx, "", models.MessageSystem, name+" joined the room", ""); err != nil {
		e.logger.Warn("Join system message failed", "agent", name, "error", err)
	}
	e.notify(EventBroadcast, name, map[string]any{"event": "agent_joined"})
	e.logger.Info("Agent joined", "agent", name)
	return agent, nil
}

// Leave marks an agent inactive, releases its locks, and reverts any task
// it holds back to Todo.
func (e *Engine) Leave(ctx context.Context, name string) error {
	agent, err := e.getAgent(ctx, name)
	if err != nil {
		return err
	}

	if err := e.ReleaseAgentState(ctx, name, "left"); err != nil {
		return err
	}

	agent.Status = models.AgentInactive
	agent.CurrentTask = ""
	agent.LastSeen = e.clock.Now()
	if err := e.putJSON(ctx, storage.PrefixAgents+name, agent); err != nil {
		return err
	}

	e.audit(ctx, models.AuditAgentLeft, name, map[string]string{"reason": "left"})
	if _, err := e.appendMessage(ctx, "", models.MessageSystem, name+" left the room", ""); err != nil {
		e.logger.Warn("Leave system message failed", "agent", name, "error", err)
	}
	e.logger.Info("Agent left", "agent", name)
	return nil
}

// Heartbeat refreshes an agent's last_seen. Works while paused so agents
// do not go zombie during an operator pause.
func (e *Engine) Heartbeat(ctx context.Context, name string) error {
	agent, err := e.getAgent(ctx, name)
	if err != nil {
		return err
	}
	agent.LastSeen = e.clock.Now()
	return e.putJSON(ctx, storage.PrefixAgents+name, agent)
}

// SetAgentStatus updates the lifecycle status of an agent.
func (e *Engine) SetAgentStatus(ctx context.Context, name string, status models.AgentStatus) error {
	agent, err := e.getAgent(ctx, name)
	if err != nil {
		return err
	}
	agent.Status = status
	agent.LastSeen = e.clock.Now()
	return e.putJSON(ctx, storage.PrefixAgents+name, agent)
}

// GetAgents returns a snapshot of every agent record.
func (e *Engine) GetAgents(ctx context.Context) ([]*models.Agent, error) {
	keys, err := e.backend.List(ctx, storage.PrefixAgents)
	if err != nil {
		return nil, err
	}
	agents := make([]*models.Agent, 0, len(keys))
	for _, key := range keys {
		var a models.Agent
		ok, err := e.getJSON(ctx, key, &a)
		if err != nil {
			return nil, err
		}
		if ok {
			agents = append(agents, &a)
		}
	}
	return agents, nil
}

// ExpireAgent retires an agent that stopped heartbeating: its locks are
// released, its tasks revert to Todo, and the record goes inactive with
// last_seen preserved as evidence of when it was last alive.
func (e *Engine) ExpireAgent(ctx context.Context, name, reason string) error {
	agent, err := e.getAgent(ctx, name)
	if err != nil {
		return err
	}
	if agent.Status == models.AgentInactive {
		return nil
	}
	if err := e.ReleaseAgentState(ctx, name, reason); err != nil {
		return err
	}
	agent.Status = models.AgentInactive
	agent.CurrentTask = ""
	if err := e.putJSON(ctx, storage.PrefixAgents+name, agent); err != nil {
		return err
	}
	e.audit(ctx, models.AuditAgentLeft, name, map[string]string{"reason": reason})
	if _, err := e.appendMessage(ctx, "", models.MessageSystem, name+" was retired ("+reason+")", ""); err != nil {
		e.logger.Warn("Expire system message failed", "agent", name, "error", err)
	}
	e.logger.Info("Agent expired", "agent", name, "reason", reason)
	return nil
}

// ReleaseAgentState releases every lock an agent owns and reverts its
// claimed or in-progress tasks to Todo. Shared by Leave and the zombie
// sweeper; reason lands in the audit trail.
func (e *Engine) ReleaseAgentState(ctx context.Context, name, reason string) error {
	// Locks first: a reverted task may be re-claimed immediately and its
	// claimer may want the files.
	locks, err := e.GetLocks(ctx)
	if err != nil {
		return err
	}
	for _, l := range locks {
		if l.Owner != name {
			continue
		}
		key := storage.PrefixLocks + storage.EscapeKeySegment(l.Resource)
		if _, err := e.backend.ReleaseLock(ctx, key, name); err != nil {
			return err
		}
		if _, err := e.backend.Delete(ctx, key); err != nil {
			return err
		}
		e.audit(ctx, models.AuditFileUnlocked, name, map[string]string{"resource": l.Resource, "reason": reason})
	}

	tasks, err := e.GetTasks(ctx)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.Assignee != name || (t.Status != models.TaskClaimed && t.Status != models.TaskInProgress) {
			continue
		}
		reverted := *t
		reverted.Status = models.TaskTodo
		reverted.Assignee = ""
		reverted.ClaimedAt = models.Task{}.ClaimedAt
		reverted.StartedAt = models.Task{}.StartedAt
		if err := e.putJSON(ctx, storage.PrefixTasks+t.ID, &reverted); err != nil {
			return err
		}
		e.audit(ctx, models.AuditTaskReverted, name, map[string]string{"task": t.ID, "reason": reason})
		e.notify(EventTaskUpdate, name, map[string]any{"task_id": t.ID, "status": string(models.TaskTodo)})
	}
	return nil
}

func (e *Engine) getAgent(ctx context.Context, name string) (*models.Agent, error) {
	if err := models.ValidateAgentName(name); err != nil {
		return nil, &SchemaError{Detail: err.Error()}
	}
	if _, err := e.loadRoom(ctx); err != nil {
		return nil, err
	}
	var agent models.Agent
	ok, err := e.getJSON(ctx, storage.PrefixAgents+name, &agent)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &AgentNotFoundError{Name: name}
	}
	return &agent, nil
}
