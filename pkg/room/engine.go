// Package room implements the Room State Engine: authoritative mutations
// over the coordination data model with durable persistence, per-resource
// ordering, and change notification. The engine is backend-agnostic; all
// persistence goes through storage.Backend.
package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/masc-io/masc/pkg/clock"
	"github.com/masc-io/masc/pkg/models"
	"github.com/masc-io/masc/pkg/storage"
)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithNotifier sets the streaming fabric sink for domain events.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// claimLeaseTTL bounds how long a claim's compare-and-swap lease on a task
// key can outlive a crashed claimer.
const claimLeaseTTL = 10 * time.Second

// Engine is the Room State Engine.
type Engine struct {
	backend  storage.Backend
	basePath string
	clock    clock.Clock
	notifier Notifier
	logger   *slog.Logger
}

// New creates an Engine over the given backend. basePath is the room's
// filesystem root used for lock path normalization.
func New(backend storage.Backend, basePath string, opts ...Option) *Engine {
	e := &Engine{
		backend:  backend,
		basePath: basePath,
		clock:    clock.NewSystem(),
	}
	for _, o := range opts {
		o(e)
	}
	if e.logger == nil {
		e.logger = slog.New(slog.DiscardHandler)
	}
	return e
}

// Backend exposes the storage backend for supervisors that share it.
func (e *Engine) Backend() storage.Backend { return e.backend }

// Init creates the room record if absent and returns it. Re-running Init
// on an existing room is a no-op returning the current record.
func (e *Engine) Init(ctx context.Context, projectName string) (*models.Room, error) {
	if room, err := e.loadRoom(ctx); err == nil {
		return room, nil
	} else if !errors.Is(err, ErrNotInitialized) {
		return nil, err
	}

	room := &models.Room{
		ProtocolVersion: models.ProtocolVersion,
		ProjectName:     projectName,
		StartedAt:       e.clock.Now(),
	}
	if err := e.putJSON(ctx, storage.KeyRoom, room); err != nil {
		return nil, err
	}
	e.audit(ctx, models.AuditRoomInit, "", map[string]string{"project": projectName})
	e.logger.Info("Room initialized", "project", projectName)
	return room, nil
}

// Reset deletes every record in the room and re-initializes it with the
// same project name. The message seq counter is NOT reset: seq values
// stay globally unique across the room's whole history.
func (e *Engine) Reset(ctx context.Context) (*models.Room, error) {
	room, err := e.loadRoom(ctx)
	if err != nil {
		return nil, err
	}

	for _, prefix := range []string{
		storage.PrefixAgents, storage.PrefixTasks, storage.PrefixMessages,
		storage.PrefixLocks, storage.PrefixVotes, storage.PrefixPortals,
	} {
		keys, err := e.backend.List(ctx, prefix)
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			if _, err := e.backend.Delete(ctx, key); err != nil {
				return nil, err
			}
		}
	}

	fresh := &models.Room{
		ProtocolVersion: models.ProtocolVersion,
		ProjectName:     room.ProjectName,
		StartedAt:       e.clock.Now(),
	}
	if err := e.putJSON(ctx, storage.KeyRoom, fresh); err != nil {
		return nil, err
	}
	e.audit(ctx, models.AuditRoomReset, "", nil)
	e.logger.Info("Room reset", "project", room.ProjectName)
	return fresh, nil
}

// Pause suspends mutating commands room-wide. Reads, Heartbeat, and
// Resume remain available.
func (e *Engine) Pause(ctx context.Context, by, reason string) error {
	room, err := e.loadRoom(ctx)
	if err != nil {
		return err
	}
	room.Paused = true
	room.PauseReason = reason
	room.PausedBy = by
	room.PausedAt = e.clock.Now()
	if err := e.putJSON(ctx, storage.KeyRoom, room); err != nil {
		return err
	}
	e.audit(ctx, models.AuditRoomPaused, by, map[string]string{"reason": reason})
	return nil
}

// Resume lifts a room-wide pause.
func (e *Engine) Resume(ctx context.Context, by string) error {
	room, err := e.loadRoom(ctx)
	if err != nil {
		return err
	}
	room.Paused = false
	room.PauseReason = ""
	room.PausedBy = ""
	room.PausedAt = time.Time{}
	if err := e.putJSON(ctx, storage.KeyRoom, room); err != nil {
		return err
	}
	e.audit(ctx, models.AuditRoomResumed, by, nil)
	return nil
}

// Status is the room summary returned by the status command.
type Status struct {
	Room         *models.Room   `json:"room"`
	ActiveAgents int            `json:"active_agents"`
	TaskCounts   map[string]int `json:"task_counts"`
	LockCount    int            `json:"lock_count"`
	OpenVotes    int            `json:"open_votes"`
	MessageSeq   uint64         `json:"message_seq"`
}

// GetStatus builds the summary snapshot from backend reads.
func (e *Engine) GetStatus(ctx context.Context) (*Status, error) {
	room, err := e.loadRoom(ctx)
	if err != nil {
		return nil, err
	}

	agents, err := e.GetAgents(ctx)
	if err != nil {
		return nil, err
	}
	active := 0
	for _, a := range agents {
		if a.Status != models.AgentInactive {
			active++
		}
	}

	tasks, err := e.GetTasks(ctx)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, t := range tasks {
		counts[string(t.Status)]++
	}

	lockKeys, err := e.backend.List(ctx, storage.PrefixLocks)
	if err != nil {
		return nil, err
	}

	votes, err := e.VotesStatus(ctx)
	if err != nil {
		return nil, err
	}
	open := 0
	for _, v := range votes {
		if v.State == models.VoteOpen {
			open++
		}
	}

	seq, err := e.backend.AtomicInc(ctx, storage.CounterMessage, 0)
	if err != nil {
		return nil, err
	}

	return &Status{
		Room:         room,
		ActiveAgents: active,
		TaskCounts:   counts,
		LockCount:    len(lockKeys),
		OpenVotes:    open,
		MessageSeq:   uint64(seq),
	}, nil
}

// --- internal helpers ---

// loadRoom reads the room record, mapping absence to ErrNotInitialized.
func (e *Engine) loadRoom(ctx context.Context) (*models.Room, error) {
	var room models.Room
	ok, err := e.getJSON(ctx, storage.KeyRoom, &room)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotInitialized
	}
	return &room, nil
}

// requireUnpaused loads the room and refuses mutation while paused.
func (e *Engine) requireUnpaused(ctx context.Context) error {
	room, err := e.loadRoom(ctx)
	if err != nil {
		return err
	}
	if room.Paused {
		return ErrRoomPaused
	}
	return nil
}

func (e *Engine) getJSON(ctx context.Context, key string, v any) (bool, error) {
	data, ok, err := e.backend.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("corrupt record %s: %w", key, err)
	}
	return true, nil
}

func (e *Engine) putJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", key, err)
	}
	return e.backend.Put(ctx, key, data)
}

// audit appends one line to the room's audit log. Best-effort: failures
// are logged, never propagated. Audit must not fail commands.
func (e *Engine) audit(ctx context.Context, kind, agent string, detail map[string]string) {
	line, err := json.Marshal(models.AuditEvent{
		Kind:      kind,
		Agent:     agent,
		Detail:    detail,
		Timestamp: e.clock.Now(),
	})
	if err != nil {
		return
	}
	if err := e.backend.Append(ctx, storage.KeyAudit, line); err != nil {
		e.logger.Warn("Audit append failed", "kind", kind, "error", err)
	}
}

// notify pushes a domain event to the streaming fabric, if attached.
func (e *Engine) notify(eventType, agent string, data map[string]any) {
	if e.notifier == nil {
		return
	}
	e.notifier.Notify(Event{
		Type:      eventType,
		Agent:     agent,
		Data:      data,
		Timestamp: e.clock.Now(),
	})
}
