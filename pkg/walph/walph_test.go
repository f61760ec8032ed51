package walph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/masc-io/masc/pkg/models"
	"github.com/masc-io/masc/pkg/room"
	"github.com/masc-io/masc/pkg/storage/filestore"
)

func newTestBoard(t *testing.T) *room.Engine {
	t.Helper()
	ctx := context.Background()
	base := t.TempDir()
	store, err := filestore.New(base)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	engine := room.New(store, base)
	_, err = engine.Init(ctx, "demo")
	require.NoError(t, err)
	return engine
}

// probeBoard counts ClaimNext calls on the way through to the real board.
type probeBoard struct {
	Board
	mu     sync.Mutex
	claims int
}

func (p *probeBoard) ClaimNext(ctx context.Context, caller string) (*models.Task, error) {
	p.mu.Lock()
	p.claims++
	p.mu.Unlock()
	return p.Board.ClaimNext(ctx, caller)
}

func (p *probeBoard) claimCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.claims
}

func addTasks(t *testing.T, engine *room.Engine, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		_, err := engine.AddTask(ctx, "a1", room.AddTaskInput{Title: fmt.Sprintf("work-%d", i)})
		require.NoError(t, err)
	}
}

func TestStateKeyEscapesSeparator(t *testing.T) {
	assert.Equal(t, "/room|a1", StateKey("/room", "a1"))
	assert.Equal(t, "/room|a||1", StateKey("/room", "a|1"))
	assert.NotEqual(t, StateKey("/room|a", "1"), StateKey("/room", "a|1"))
}

func TestLoopDrainsBacklog(t *testing.T) {
	ctx := context.Background()
	engine := newTestBoard(t)
	_, err := engine.Join(ctx, "a1", room.JoinInput{})
	require.NoError(t, err)
	addTasks(t, engine, 3)

	sup := New(engine, ExecutorFunc(func(ctx context.Context, task *models.Task) (string, error) {
		return "done: " + task.Title, nil
	}), "/room")

	require.NoError(t, sup.Start(ctx, "a1", "default", 10))
	sup.Wait()

	status, err := sup.StatusOf("a1")
	require.NoError(t, err)
	assert.False(t, status.Running)
	assert.Equal(t, 3, status.Iterations)
	assert.Equal(t, 3, status.Completed)
	assert.Equal(t, "backlog drained", status.StopReason)

	tasks, err := engine.GetTasks(ctx)
	require.NoError(t, err)
	for _, task := range tasks {
		assert.Equal(t, models.TaskDone, task.Status)
		assert.Contains(t, task.Notes, "done:")
	}
}

func TestLoopHonorsIterationLimit(t *testing.T) {
	ctx := context.Background()
	engine := newTestBoard(t)
	_, err := engine.Join(ctx, "a1", room.JoinInput{})
	require.NoError(t, err)
	addTasks(t, engine, 5)

	sup := New(engine, ExecutorFunc(func(context.Context, *models.Task) (string, error) {
		return "", nil
	}), "/room")

	require.NoError(t, sup.Start(ctx, "a1", "default", 2))
	sup.Wait()

	status, err := sup.StatusOf("a1")
	require.NoError(t, err)
	assert.Equal(t, 2, status.Iterations)
	assert.Equal(t, "iteration limit", status.StopReason)
}

func TestStartRefusedWhileRunning(t *testing.T) {
	ctx := context.Background()
	engine := newTestBoard(t)
	_, err := engine.Join(ctx, "a1", room.JoinInput{})
	require.NoError(t, err)
	addTasks(t, engine, 1)

	release := make(chan struct{})
	sup := New(engine, ExecutorFunc(func(context.Context, *models.Task) (string, error) {
		<-release
		return "", nil
	}), "/room")

	require.NoError(t, sup.Start(ctx, "a1", "default", 5))
	assert.ErrorIs(t, sup.Start(ctx, "a1", "default", 5), ErrAlreadyRunning)
	assert.ErrorIs(t, sup.Start(ctx, "", "default", 5), ErrEmptyAgent)

	close(release)
	sup.Wait()

	// After the loop exits, a fresh start is legal again.
	addTasks(t, engine, 1)
	require.NoError(t, sup.Start(ctx, "a1", "default", 5))
	sup.Wait()
}

func TestPauseResume(t *testing.T) {
	ctx := context.Background()
	engine := newTestBoard(t)
	_, err := engine.Join(ctx, "a1", room.JoinInput{})
	require.NoError(t, err)
	addTasks(t, engine, 3)

	probe := &probeBoard{Board: engine}
	execStarted := make(chan string, 8)
	release := make(chan struct{}, 8)
	sup := New(probe, ExecutorFunc(func(ctx context.Context, task *models.Task) (string, error) {
		execStarted <- task.ID
		<-release
		return "ok", nil
	}), "/room")

	require.NoError(t, sup.Start(ctx, "a1", "default", 5))

	// Iteration 1 is inside the executor; pause before letting it finish
	// so the loop parks at the next checkpoint.
	<-execStarted
	require.NoError(t, sup.Pause("a1"))
	release <- struct{}{}

	require.Eventually(t, func() bool {
		status, err := sup.StatusOf("a1")
		return err == nil && status.Paused && status.Iterations == 1
	}, 2*time.Second, 10*time.Millisecond)

	status, err := sup.StatusOf("a1")
	require.NoError(t, err)
	assert.True(t, status.Running, "paused loop is still running")
	assert.True(t, status.Paused)

	claimsWhilePaused := probe.claimCount()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, claimsWhilePaused, probe.claimCount(), "no claims while parked")

	// Remove is refused while the loop lives.
	assert.ErrorIs(t, sup.Remove("a1"), ErrStateRunning)

	require.NoError(t, sup.Resume("a1"))
	go func() {
		for range execStarted {
			release <- struct{}{}
		}
	}()
	sup.Wait()
	close(execStarted)

	final, err := sup.StatusOf("a1")
	require.NoError(t, err)
	assert.False(t, final.Running)
	assert.LessOrEqual(t, final.Iterations, 5)
	assert.GreaterOrEqual(t, final.Iterations, 1)

	require.NoError(t, sup.Remove("a1"))
	_, err = sup.StatusOf("a1")
	assert.ErrorIs(t, err, ErrNoState)
}

func TestStopExitsCleanly(t *testing.T) {
	ctx := context.Background()
	engine := newTestBoard(t)
	_, err := engine.Join(ctx, "a1", room.JoinInput{})
	require.NoError(t, err)
	addTasks(t, engine, 10)

	execStarted := make(chan struct{}, 16)
	release := make(chan struct{}, 16)
	sup := New(engine, ExecutorFunc(func(context.Context, *models.Task) (string, error) {
		execStarted <- struct{}{}
		<-release
		return "", nil
	}), "/room")

	require.NoError(t, sup.Start(ctx, "a1", "default", 0))
	<-execStarted
	require.NoError(t, sup.Stop("a1"))
	release <- struct{}{}
	sup.Wait()

	status, err := sup.StatusOf("a1")
	require.NoError(t, err)
	assert.False(t, status.Running)
	assert.Equal(t, 1, status.Iterations, "stop lands at the next checkpoint")
	assert.Equal(t, "stopped", status.StopReason)

	assert.ErrorIs(t, sup.Stop("a1"), ErrNotRunning)
}

func TestExecutorFailureReleasesTask(t *testing.T) {
	ctx := context.Background()
	engine := newTestBoard(t)
	_, err := engine.Join(ctx, "a1", room.JoinInput{})
	require.NoError(t, err)
	addTasks(t, engine, 1)

	attempts := 0
	sup := New(engine, ExecutorFunc(func(context.Context, *models.Task) (string, error) {
		attempts++
		if attempts == 1 {
			return "", errors.New("flaky tool")
		}
		return "second try worked", nil
	}), "/room")

	require.NoError(t, sup.Start(ctx, "a1", "default", 5))
	sup.Wait()

	status, err := sup.StatusOf("a1")
	require.NoError(t, err)
	assert.Equal(t, 2, status.Iterations)
	assert.Equal(t, 1, status.Completed)

	tasks, err := engine.GetTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, models.TaskDone, tasks[0].Status)
}

func TestLoopRecoversRunningFlagOnPanic(t *testing.T) {
	ctx := context.Background()
	engine := newTestBoard(t)
	_, err := engine.Join(ctx, "a1", room.JoinInput{})
	require.NoError(t, err)
	addTasks(t, engine, 1)

	sup := New(engine, ExecutorFunc(func(context.Context, *models.Task) (string, error) {
		panic("executor bug")
	}), "/room")

	require.NoError(t, sup.Start(ctx, "a1", "default", 5))
	sup.Wait()

	status, err := sup.StatusOf("a1")
	require.NoError(t, err)
	assert.False(t, status.Running, "running resets even when the loop panics")
}

func TestSwarmCommands(t *testing.T) {
	ctx := context.Background()
	engine := newTestBoard(t)
	for _, name := range []string{"a1", "a2"} {
		_, err := engine.Join(ctx, name, room.JoinInput{})
		require.NoError(t, err)
	}
	addTasks(t, engine, 20)

	execStarted := make(chan struct{}, 64)
	release := make(chan struct{}, 64)
	sup := New(engine, ExecutorFunc(func(context.Context, *models.Task) (string, error) {
		execStarted <- struct{}{}
		<-release
		return "", nil
	}), "/room")

	require.NoError(t, sup.Start(ctx, "a1", "default", 0))
	require.NoError(t, sup.Start(ctx, "a2", "default", 0))
	<-execStarted
	<-execStarted

	statuses := sup.SwarmStatus()
	require.Len(t, statuses, 2)
	for _, st := range statuses {
		assert.True(t, st.Running)
	}

	sup.SwarmStop()
	release <- struct{}{}
	release <- struct{}{}
	sup.Wait()

	for _, st := range sup.SwarmStatus() {
		assert.False(t, st.Running, "agent %s", st.Agent)
	}
}
