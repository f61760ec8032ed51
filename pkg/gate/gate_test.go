package gate

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/masc-io/masc/pkg/clock"
	"github.com/masc-io/masc/pkg/room"
	"github.com/masc-io/masc/pkg/storage"
	"github.com/masc-io/masc/pkg/storage/filestore"
)

func newTestGate(t *testing.T, cfg Config, fake *clock.Fake) *Gate {
	t.Helper()
	ctx := context.Background()
	base := t.TempDir()

	var opts []Option
	var storeOpts []filestore.Option
	if fake != nil {
		opts = append(opts, WithClock(fake))
		storeOpts = append(storeOpts, filestore.WithClock(fake))
	}
	store, err := filestore.New(base, storeOpts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	engine := room.New(store, base)
	_, err = engine.Init(ctx, "demo")
	require.NoError(t, err)

	g, err := New(ctx, engine, cfg, opts...)
	require.NoError(t, err)
	return g
}

func TestSessionIDShape(t *testing.T) {
	s := NewSessionStore(clock.NewSystem(), time.Minute)
	sess := s.Create()

	assert.True(t, strings.HasPrefix(sess.ID, SessionIDPrefix))
	for _, r := range sess.ID {
		assert.True(t, r >= 0x21 && r <= 0x7E, "session id must be visible ASCII, got %q", r)
	}

	other := s.Create()
	assert.NotEqual(t, sess.ID, other.ID)
}

func TestSessionExpiry(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))
	s := NewSessionStore(fake, time.Minute)
	sess := s.Create()
	require.True(t, s.Bind(sess.ID, "a1"))

	resolved, ok := s.Resolve(sess.ID)
	require.True(t, ok)
	assert.Equal(t, "a1", resolved.Agent)

	fake.Advance(61 * time.Second)
	_, ok = s.Resolve(sess.ID)
	assert.False(t, ok, "idle session expires")

	// Resolving refreshes last-seen.
	active := s.Create()
	fake.Advance(50 * time.Second)
	_, ok = s.Resolve(active.ID)
	require.True(t, ok)
	fake.Advance(50 * time.Second)
	_, ok = s.Resolve(active.ID)
	assert.True(t, ok)
}

func TestAuthTokenLifecycle(t *testing.T) {
	ctx := context.Background()
	fake := clock.NewFake(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))
	g := newTestGate(t, DefaultConfig(), fake)
	auth := g.Auth()

	// Disabled auth treats everyone as Worker.
	role, err := auth.Verify("a1", "")
	require.NoError(t, err)
	assert.Equal(t, RoleWorker, role)

	secret, err := auth.Enable(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, secret)

	_, err = auth.Enable(ctx)
	assert.Error(t, err, "secret is issued once")

	_, err = auth.CreateToken(ctx, "wrong-secret", "a1", RoleWorker)
	assert.ErrorIs(t, err, ErrInvalidToken)

	token, err := auth.CreateToken(ctx, secret, "a1", RoleWorker)
	require.NoError(t, err)
	assert.NotEqual(t, secret, token)

	role, err = auth.Verify("a1", token)
	require.NoError(t, err)
	assert.Equal(t, RoleWorker, role)

	// The secret itself grants admin.
	role, err = auth.Verify("anyone", secret)
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, role)

	_, err = auth.Verify("a1", "forged")
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = auth.Verify("a2", token)
	assert.ErrorIs(t, err, ErrInvalidToken, "tokens are bound to one agent")

	fake.Advance(25 * time.Hour)
	_, err = auth.Verify("a1", token)
	var expired *TokenExpiredError
	assert.ErrorAs(t, err, &expired)
}

func TestAuthStateSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	store, err := filestore.New(base)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	engine := room.New(store, base)
	_, err = engine.Init(ctx, "demo")
	require.NoError(t, err)

	first, err := New(ctx, engine, DefaultConfig())
	require.NoError(t, err)
	secret, err := first.Auth().Enable(ctx)
	require.NoError(t, err)
	token, err := first.Auth().CreateToken(ctx, secret, "a1", RoleObserver)
	require.NoError(t, err)

	// A fresh gate over the same backend sees the same hashes.
	second, err := New(ctx, engine, DefaultConfig())
	require.NoError(t, err)
	assert.True(t, second.Auth().Enabled())
	role, err := second.Auth().Verify("a1", token)
	require.NoError(t, err)
	assert.Equal(t, RoleObserver, role)
}

func TestRateLimitDenialAndRecovery(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))
	rl := NewRateLimiter(fake, 1, 2, time.Minute)

	ok, _ := rl.Allow("sess-1")
	assert.True(t, ok)
	ok, _ = rl.Allow("sess-1")
	assert.True(t, ok)
	ok, wait := rl.Allow("sess-1")
	assert.False(t, ok, "burst of 2 exhausted")
	assert.Greater(t, wait, time.Duration(0))

	// Other keys have their own buckets.
	ok, _ = rl.Allow("sess-2")
	assert.True(t, ok)

	fake.Advance(time.Second)
	ok, _ = rl.Allow("sess-1")
	assert.True(t, ok, "one token refilled after a second")
}

func TestRateLimiterPrune(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))
	rl := NewRateLimiter(fake, 1, 2, 30*time.Second)

	rl.Allow("old")
	fake.Advance(20 * time.Second)
	rl.Allow("fresh")
	fake.Advance(15 * time.Second)

	assert.Equal(t, 1, rl.Prune())
	ok, _ := rl.Allow("old")
	assert.True(t, ok, "pruned key starts with a full bucket again")
}

func TestIdempotencyCache(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))
	c := NewIdempotencyCache(fake, 2, time.Minute)

	_, _, hit := c.Get("k1")
	assert.False(t, hit)

	c.Put("k1", "task-1", nil)
	v, err, hit := c.Get("k1")
	require.True(t, hit)
	require.NoError(t, err)
	assert.Equal(t, "task-1", v)

	// Capacity 2: k2 and k3 both arrived after the k1 read, so k1 is the
	// least recently used entry when k3 forces an eviction.
	c.Put("k2", "task-2", nil)
	c.Put("k3", "task-3", nil)
	_, _, hit = c.Get("k1")
	assert.False(t, hit, "k1 was least recently used at eviction time")
	_, _, hit = c.Get("k2")
	assert.True(t, hit)

	fake.Advance(2 * time.Minute)
	_, _, hit = c.Get("k2")
	assert.False(t, hit, "entries expire after the window")

	c.Put("", "ignored", nil)
	_, _, hit = c.Get("")
	assert.False(t, hit, "empty keys are never cached")
}

func TestDispatchThroughGate(t *testing.T) {
	ctx := context.Background()
	g := newTestGate(t, DefaultConfig(), nil)

	_, err := g.Do(ctx, Request{Command: "join", Agent: "a1"}, func(ctx context.Context, caller string) (any, error) {
		return g.Engine().Join(ctx, "a1", room.JoinInput{})
	})
	require.NoError(t, err)

	result, err := g.Do(ctx, Request{Command: "add_task", Agent: "a1", IdempotencyKey: "create-1"},
		func(ctx context.Context, caller string) (any, error) {
			return g.Engine().AddTask(ctx, "a1", room.AddTaskInput{Title: "build"})
		})
	require.NoError(t, err)

	// Same key replays the cached response without re-executing.
	replay, err := g.Do(ctx, Request{Command: "add_task", Agent: "a1", IdempotencyKey: "create-1"},
		func(ctx context.Context, caller string) (any, error) {
			t.Fatal("handler must not run on idempotent replay")
			return nil, nil
		})
	require.NoError(t, err)
	assert.Equal(t, result, replay)

	tasks, err := g.Engine().GetTasks(ctx)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestDispatchRejectsUnknownSession(t *testing.T) {
	ctx := context.Background()
	g := newTestGate(t, DefaultConfig(), nil)

	_, err := g.Do(ctx, Request{Command: "status", SessionID: "mcp_forged"}, func(ctx context.Context, caller string) (any, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = g.Do(ctx, Request{Command: "status"}, func(ctx context.Context, caller string) (any, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrUnauthorized, "no session and no agent name")
}

func TestDispatchEnforcesPermissions(t *testing.T) {
	ctx := context.Background()
	g := newTestGate(t, DefaultConfig(), nil)

	secret, err := g.Auth().Enable(ctx)
	require.NoError(t, err)
	observerToken, err := g.Auth().CreateToken(ctx, secret, "watcher", RoleObserver)
	require.NoError(t, err)

	_, err = g.Do(ctx, Request{Command: "add_task", Agent: "watcher", Token: observerToken},
		func(ctx context.Context, caller string) (any, error) { return nil, nil })
	var forbidden *ForbiddenError
	require.ErrorAs(t, err, &forbidden)
	assert.Equal(t, "add_task", forbidden.Action)

	// Reads stay open to observers.
	_, err = g.Do(ctx, Request{Command: "status", Agent: "watcher", Token: observerToken},
		func(ctx context.Context, caller string) (any, error) { return g.Engine().GetStatus(ctx) })
	require.NoError(t, err)

	// Worker default cannot reset.
	_, err = g.Do(ctx, Request{Command: "reset", Agent: "a1"},
		func(ctx context.Context, caller string) (any, error) { return nil, nil })
	require.ErrorAs(t, err, &forbidden)

	// The room secret grants admin.
	_, err = g.Do(ctx, Request{Command: "reset", Agent: "op", Token: secret},
		func(ctx context.Context, caller string) (any, error) { return g.Engine().Reset(ctx) })
	require.NoError(t, err)
}

func TestDispatchOpenRoomSkipsPermissions(t *testing.T) {
	ctx := context.Background()
	g := newTestGate(t, DefaultConfig(), nil)

	// Without auth enabled, even admin-gated commands run. The first
	// auth_enable has to get through somehow.
	_, err := g.Do(ctx, Request{Command: "auth_enable", Agent: "op"},
		func(ctx context.Context, caller string) (any, error) { return g.Auth().Enable(ctx) })
	require.NoError(t, err)

	// Once enabled, the same tokenless caller is a worker and is refused.
	_, err = g.Do(ctx, Request{Command: "auth_enable", Agent: "op"},
		func(ctx context.Context, caller string) (any, error) { return nil, nil })
	var forbidden *ForbiddenError
	assert.ErrorAs(t, err, &forbidden)
}

func TestDispatchRateLimitsPerCaller(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.Rate = 1
	cfg.Burst = 2
	fake := clock.NewFake(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))
	g := newTestGate(t, cfg, fake)

	ok := func(ctx context.Context, caller string) (any, error) { return "ok", nil }

	_, err := g.Do(ctx, Request{Command: "status", Agent: "a1"}, ok)
	require.NoError(t, err)
	_, err = g.Do(ctx, Request{Command: "status", Agent: "a1"}, ok)
	require.NoError(t, err)

	_, err = g.Do(ctx, Request{Command: "status", Agent: "a1"}, ok)
	var limited *RateLimitedError
	require.ErrorAs(t, err, &limited)
	assert.Greater(t, limited.RetryAfter, time.Duration(0))

	fake.Advance(time.Second)
	_, err = g.Do(ctx, Request{Command: "status", Agent: "a1"}, ok)
	require.NoError(t, err)
}

func TestDispatchRetriesTransientErrors(t *testing.T) {
	ctx := context.Background()
	g := newTestGate(t, DefaultConfig(), nil)

	calls := 0
	_, err := g.Do(ctx, Request{Command: "status", Agent: "a1"}, func(ctx context.Context, caller string) (any, error) {
		calls++
		if calls < 3 {
			return nil, storage.Unavailable("flaky backend", errors.New("disk hiccup"))
		}
		return "recovered", nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	// Domain errors are surfaced immediately.
	calls = 0
	_, err = g.Do(ctx, Request{Command: "status", Agent: "a1"}, func(ctx context.Context, caller string) (any, error) {
		calls++
		return nil, room.ErrNoAvailableTasks
	})
	assert.ErrorIs(t, err, room.ErrNoAvailableTasks)
	assert.Equal(t, 1, calls)
}

func TestDispatchConvertsPanics(t *testing.T) {
	ctx := context.Background()
	g := newTestGate(t, DefaultConfig(), nil)

	_, err := g.Do(ctx, Request{Command: "status", Agent: "a1"}, func(ctx context.Context, caller string) (any, error) {
		panic("handler bug")
	})
	require.ErrorIs(t, err, ErrInternal)
	assert.Equal(t, "internal_error", Kind(err))
}

func TestDispatchBindsSessionOnJoin(t *testing.T) {
	ctx := context.Background()
	g := newTestGate(t, DefaultConfig(), nil)

	sess := g.Sessions().Create()
	_, err := g.Do(ctx, Request{Command: "join", SessionID: sess.ID, Agent: "a1"},
		func(ctx context.Context, caller string) (any, error) {
			return g.Engine().Join(ctx, "a1", room.JoinInput{})
		})
	require.NoError(t, err)

	resolved, ok := g.Sessions().Resolve(sess.ID)
	require.True(t, ok)
	assert.Equal(t, "a1", resolved.Agent)
}
