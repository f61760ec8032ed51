// Package walph implements the per-agent cooperative work loop: claim the
// next task, hand it to an executor, record the outcome, repeat until
// stopped, paused out, or the backlog drains.
package walph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/masc-io/masc/pkg/models"
	"github.com/masc-io/masc/pkg/room"
)

// Board is the slice of the engine the loop drives. *room.Engine
// satisfies it; tests substitute probes.
type Board interface {
	ClaimNext(ctx context.Context, caller string) (*models.Task, error)
	Done(ctx context.Context, caller, taskID, notes string) (*models.Task, error)
	Release(ctx context.Context, caller, taskID string) (*models.Task, error)
	Broadcast(ctx context.Context, caller, content, mention string) (*models.Message, error)
}

var _ Board = (*room.Engine)(nil)

// Executor runs one claimed task and returns a short output excerpt.
type Executor interface {
	Execute(ctx context.Context, task *models.Task) (string, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, task *models.Task) (string, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, task *models.Task) (string, error) {
	return f(ctx, task)
}

// Loop errors.
var (
	// ErrAlreadyRunning is returned by Start when the agent's loop is live.
	ErrAlreadyRunning = errors.New("loop already running")

	// ErrNotRunning is returned by Stop/Pause/Resume without a live loop.
	ErrNotRunning = errors.New("loop not running")

	// ErrStateRunning refuses Remove while the loop is live.
	ErrStateRunning = errors.New("cannot remove state while running")

	// ErrNoState is returned for agents with no loop state at all.
	ErrNoState = errors.New("no loop state")

	// ErrEmptyAgent rejects the empty agent name.
	ErrEmptyAgent = errors.New("agent name must not be empty")
)

// noteExcerptLen bounds the executor output recorded on Done.
const noteExcerptLen = 200

// Status is a snapshot of one agent's loop.
type Status struct {
	Agent         string `json:"agent"`
	Running       bool   `json:"running"`
	Paused        bool   `json:"paused"`
	StopRequested bool   `json:"stop_requested"`
	Preset        string `json:"preset"`
	Iterations    int    `json:"iterations"`
	Completed     int    `json:"completed"`
	StopReason    string `json:"stop_reason,omitempty"`
}

// state is the per-(room, agent) loop record. The condition variable
// parks the loop during pause; every control command broadcasts it.
type state struct {
	mu   sync.Mutex
	cond *sync.Cond

	agent         string
	running       bool
	paused        bool
	stopRequested bool
	preset        string
	iterations    int
	maxIterations int
	completed     int
	stopReason    string
}

// Supervisor owns the loop state table for one room.
type Supervisor struct {
	mu     sync.Mutex
	states map[string]*state

	board    Board
	executor Executor
	roomPath string
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// New creates a Supervisor for the room at roomPath.
func New(board Board, executor Executor, roomPath string, opts ...Option) *Supervisor {
	s := &Supervisor{
		states:   make(map[string]*state),
		board:    board,
		executor: executor,
		roomPath: roomPath,
	}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	return s
}

// StateKey builds the table key. "|" in agent names is doubled so a name
// can never collide with the room/agent separator.
func StateKey(roomPath, agent string) string {
	return roomPath + "|" + strings.ReplaceAll(agent, "|", "||")
}

// Start launches the loop for an agent. Fails if one is already running.
func (s *Supervisor) Start(ctx context.Context, agent, preset string, maxIterations int) error {
	if agent == "" {
		return ErrEmptyAgent
	}
	st := s.getOrCreate(agent)

	st.mu.Lock()
	if st.running {
		st.mu.Unlock()
		return ErrAlreadyRunning
	}
	st.running = true
	st.paused = false
	st.stopRequested = false
	st.preset = preset
	st.iterations = 0
	st.completed = 0
	st.maxIterations = maxIterations
	st.stopReason = ""
	st.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx, st)
	s.logger.Info("Walph loop started", "agent", agent, "preset", preset, "max_iterations", maxIterations)
	return nil
}

// Stop requests a clean exit at the next cooperative checkpoint.
func (s *Supervisor) Stop(agent string) error {
	return s.signal(agent, func(st *state) {
		st.stopRequested = true
		st.stopReason = "stopped"
	})
}

// Pause parks the loop at its next checkpoint.
func (s *Supervisor) Pause(agent string) error {
	return s.signal(agent, func(st *state) { st.paused = true })
}

// Resume wakes a parked loop.
func (s *Supervisor) Resume(agent string) error {
	return s.signal(agent, func(st *state) { st.paused = false })
}

// StatusOf snapshots one agent's loop state.
func (s *Supervisor) StatusOf(agent string) (Status, error) {
	s.mu.Lock()
	st, ok := s.states[StateKey(s.roomPath, agent)]
	s.mu.Unlock()
	if !ok {
		return Status{}, ErrNoState
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.snapshotLocked(), nil
}

// Remove drops an agent's loop state. Refused while the loop runs.
func (s *Supervisor) Remove(agent string) error {
	key := StateKey(s.roomPath, agent)
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[key]
	if !ok {
		return ErrNoState
	}
	st.mu.Lock()
	running := st.running
	st.mu.Unlock()
	if running {
		return ErrStateRunning
	}
	delete(s.states, key)
	return nil
}

// SwarmStatus snapshots every loop in the room.
func (s *Supervisor) SwarmStatus() []Status {
	s.mu.Lock()
	states := make([]*state, 0, len(s.states))
	for _, st := range s.states {
		states = append(states, st)
	}
	s.mu.Unlock()

	out := make([]Status, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		out = append(out, st.snapshotLocked())
		st.mu.Unlock()
	}
	return out
}

// SwarmStop requests a stop on every running loop.
func (s *Supervisor) SwarmStop() {
	s.swarmSignal(func(st *state) {
		st.stopRequested = true
		st.stopReason = "stopped"
	})
}

// SwarmPause parks every running loop.
func (s *Supervisor) SwarmPause() { s.swarmSignal(func(st *state) { st.paused = true }) }

// SwarmResume wakes every parked loop.
func (s *Supervisor) SwarmResume() { s.swarmSignal(func(st *state) { st.paused = false }) }

// Wait blocks until every loop goroutine has exited. Used by shutdown
// after SwarmStop.
func (s *Supervisor) Wait() { s.wg.Wait() }

func (s *Supervisor) getOrCreate(agent string) *state {
	key := StateKey(s.roomPath, agent)
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[key]
	if !ok {
		st = &state{agent: agent}
		st.cond = sync.NewCond(&st.mu)
		s.states[key] = st
	}
	return st
}

func (s *Supervisor) signal(agent string, apply func(*state)) error {
	if agent == "" {
		return ErrEmptyAgent
	}
	s.mu.Lock()
	st, ok := s.states[StateKey(s.roomPath, agent)]
	s.mu.Unlock()
	if !ok {
		return ErrNoState
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.running {
		return ErrNotRunning
	}
	apply(st)
	st.cond.Broadcast()
	return nil
}

func (s *Supervisor) swarmSignal(apply func(*state)) {
	s.mu.Lock()
	states := make([]*state, 0, len(s.states))
	for _, st := range s.states {
		states = append(states, st)
	}
	s.mu.Unlock()

	for _, st := range states {
		st.mu.Lock()
		if st.running {
			apply(st)
			st.cond.Broadcast()
		}
		st.mu.Unlock()
	}
}

// run is the loop body. running is reset on every exit path, panics
// included.
func (s *Supervisor) run(ctx context.Context, st *state) {
	defer s.wg.Done()

	// A parked loop waits on the condition variable, which cancellation
	// alone cannot wake; broadcast it when the context ends.
	stopWatch := context.AfterFunc(ctx, func() {
		st.mu.Lock()
		st.cond.Broadcast()
		st.mu.Unlock()
	})
	defer stopWatch()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Walph loop panicked", "agent", st.agent, "panic", r)
		}
		st.mu.Lock()
		st.running = false
		st.paused = false
		st.stopRequested = false
		st.cond.Broadcast()
		st.mu.Unlock()
	}()

	for {
		if !s.checkpoint(ctx, st) {
			return
		}

		task, err := s.board.ClaimNext(ctx, st.agent)
		if err != nil {
			if errors.Is(err, room.ErrNoAvailableTasks) {
				s.finish(st, "backlog drained")
				return
			}
			s.logger.Warn("Walph claim failed", "agent", st.agent, "error", err)
			s.finish(st, fmt.Sprintf("claim failed: %v", err))
			return
		}

		excerpt, execErr := s.executor.Execute(ctx, task)
		if execErr != nil {
			s.logger.Warn("Executor failed", "agent", st.agent, "task", task.ID, "error", execErr)
			if _, err := s.board.Broadcast(ctx, st.agent, fmt.Sprintf("task %s failed: %v", task.ID, execErr), ""); err != nil {
				s.logger.Warn("Failure broadcast failed", "agent", st.agent, "error", err)
			}
			if _, err := s.board.Release(ctx, st.agent, task.ID); err != nil {
				s.logger.Warn("Release after failure failed", "agent", st.agent, "task", task.ID, "error", err)
			}
		} else {
			if _, err := s.board.Done(ctx, st.agent, task.ID, truncate(excerpt, noteExcerptLen)); err != nil {
				s.logger.Warn("Done after execution failed", "agent", st.agent, "task", task.ID, "error", err)
			}
		}

		st.mu.Lock()
		st.iterations++
		if execErr == nil {
			st.completed++
		}
		progress := fmt.Sprintf("%s finished iteration %d (task %s)", st.agent, st.iterations, task.ID)
		st.mu.Unlock()

		if _, err := s.board.Broadcast(ctx, st.agent, progress, ""); err != nil {
			s.logger.Debug("Progress broadcast failed", "agent", st.agent, "error", err)
		}
	}
}

// checkpoint is the cooperative scheduling point: it parks while paused,
// honors stop requests and cancellation, and enforces the iteration cap.
// Returns false when the loop must exit.
func (s *Supervisor) checkpoint(ctx context.Context, st *state) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	for st.paused && !st.stopRequested && ctx.Err() == nil {
		st.cond.Wait()
	}
	switch {
	case ctx.Err() != nil:
		st.stopReason = "cancelled"
		return false
	case st.stopRequested:
		if st.stopReason == "" {
			st.stopReason = "stopped"
		}
		return false
	case st.maxIterations > 0 && st.iterations >= st.maxIterations:
		st.stopReason = "iteration limit"
		return false
	}
	return true
}

func (s *Supervisor) finish(st *state, reason string) {
	st.mu.Lock()
	st.stopReason = reason
	st.mu.Unlock()
	s.logger.Info("Walph loop finished", "agent", st.agent, "reason", reason)
}

func (st *state) snapshotLocked() Status {
	return Status{
		Agent:         st.agent,
		Running:       st.running,
		Paused:        st.paused,
		StopRequested: st.stopRequested,
		Preset:        st.preset,
		Iterations:    st.iterations,
		Completed:     st.completed,
		StopReason:    st.stopReason,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
