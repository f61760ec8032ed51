// Package gate is the Session & Auth Gate: the single write path between
// protocol adapters and the Room State Engine. It resolves caller
// identity, enforces authorization and rate limits, deduplicates creating
// commands, and retries transient persistence failures.
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/masc-io/masc/pkg/clock"
	"github.com/masc-io/masc/pkg/room"
)

// Config tunes the gate.
type Config struct {
	// Rate and Burst shape the per-caller token bucket.
	Rate  float64
	Burst float64
	// BucketPruneAge drops idle rate buckets.
	BucketPruneAge time.Duration
	// SessionTTL expires idle sessions. Zero disables expiry.
	SessionTTL time.Duration
	// TokenTTL bounds agent token lifetime. Zero means no expiry.
	TokenTTL time.Duration
	// IdempotencyWindow and IdempotencyCap bound the dedup cache.
	IdempotencyWindow time.Duration
	IdempotencyCap    int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Rate:              10,
		Burst:             20,
		BucketPruneAge:    10 * time.Minute,
		SessionTTL:        30 * time.Minute,
		TokenTTL:          24 * time.Hour,
		IdempotencyWindow: 5 * time.Minute,
		IdempotencyCap:    1024,
	}
}

// Request identifies one inbound command.
type Request struct {
	// Command is the canonical command name, e.g. "claim_next".
	Command string
	// SessionID identifies HTTP/WebSocket callers. Empty for stdio.
	SessionID string
	// Agent is the explicit caller name for stdio transports, or the
	// name being bound by a join.
	Agent string
	// Token is the optional auth token presented with the call.
	Token string
	// IdempotencyKey deduplicates creating commands when set.
	IdempotencyKey string
}

// Handler executes the command body against the engine. caller is the
// resolved identity of the requester.
type Handler func(ctx context.Context, caller string) (any, error)

// Gate wires sessions, auth, rate limiting, and dispatch in front of the
// engine.
type Gate struct {
	engine   *room.Engine
	sessions *SessionStore
	auth     *Authorizer
	limiter  *RateLimiter
	idem     *IdempotencyCache
	clock    clock.Clock
	logger   *slog.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(g *Gate) { g.clock = c }
}

// New builds a Gate over the engine, restoring persisted auth and rate
// state from the engine's backend.
func New(ctx context.Context, engine *room.Engine, cfg Config, opts ...Option) (*Gate, error) {
	g := &Gate{engine: engine, clock: clock.NewSystem()}
	for _, o := range opts {
		o(g)
	}
	if g.logger == nil {
		g.logger = slog.New(slog.DiscardHandler)
	}

	auth, err := NewAuthorizer(ctx, engine.Backend(), g.clock, cfg.TokenTTL)
	if err != nil {
		return nil, fmt.Errorf("load auth state: %w", err)
	}
	g.auth = auth
	g.sessions = NewSessionStore(g.clock, cfg.SessionTTL)
	g.limiter = NewRateLimiter(g.clock, cfg.Rate, cfg.Burst, cfg.BucketPruneAge)
	if err := g.limiter.Load(ctx, engine.Backend()); err != nil {
		g.logger.Warn("Rate bucket restore failed, starting fresh", "error", err)
	}
	g.idem = NewIdempotencyCache(g.clock, cfg.IdempotencyCap, cfg.IdempotencyWindow)
	return g, nil
}

// Engine exposes the underlying engine for adapters' read paths.
func (g *Gate) Engine() *room.Engine { return g.engine }

// Sessions exposes the session store to the HTTP adapter.
func (g *Gate) Sessions() *SessionStore { return g.sessions }

// Auth exposes the authorizer for the auth_enable/auth_create_token tools.
func (g *Gate) Auth() *Authorizer { return g.auth }

// Limiter exposes the rate limiter for shutdown persistence and pruning.
func (g *Gate) Limiter() *RateLimiter { return g.limiter }

// maxRetries bounds transient-error retries before surfacing IoError.
const maxRetries = 3

// commandPermissions maps each command to the permission it needs when
// auth is enabled. Unlisted commands require read access.
var commandPermissions = map[string]Permission{
	"init":              CanInit,
	"reset":             CanReset,
	"pause":             CanPause,
	"resume":            CanPause,
	"join":              CanJoin,
	"leave":             CanJoin,
	"heartbeat":         CanJoin,
	"add_task":          CanEditTasks,
	"cancel_task":       CanEditTasks,
	"transition":        CanEditTasks,
	"update_priority":   CanEditTasks,
	"claim":             CanClaimTask,
	"claim_next":        CanClaimTask,
	"release":           CanClaimTask,
	"done":              CanClaimTask,
	"broadcast":         CanBroadcast,
	"lock":              CanLock,
	"unlock":            CanLock,
	"vote_create":       CanVote,
	"vote_cast":         CanVote,
	"portal_open":       CanPortal,
	"portal_send":       CanPortal,
	"portal_close":      CanPortal,
	"subscribe":         CanSubscribe,
	"unsubscribe":       CanSubscribe,
	"poll_events":       CanSubscribe,
	"walph_start":       CanWalph,
	"walph_stop":        CanWalph,
	"walph_pause":       CanWalph,
	"walph_resume":      CanWalph,
	"auth_enable":       CanAdminAuth,
	"auth_create_token": CanAdminAuth,
}

// Do runs one command through the full gate pipeline: identity, rate
// limit, authorization, idempotency, then the handler with retries.
func (g *Gate) Do(ctx context.Context, req Request, fn Handler) (any, error) {
	caller, limitKey, err := g.resolveIdentity(req)
	if err != nil {
		return nil, err
	}

	if ok, wait := g.limiter.Allow(limitKey); !ok {
		g.logger.Debug("Rate limited", "key", limitKey, "command", req.Command)
		return nil, &RateLimitedError{RetryAfter: wait}
	}

	role, err := g.auth.Verify(caller, req.Token)
	if err != nil {
		return nil, err
	}
	// An open room enforces no permissions. This is also what lets the
	// first auth_enable through.
	if g.auth.Enabled() {
		perm, ok := commandPermissions[req.Command]
		if !ok {
			perm = CanRead
		}
		if !role.Allowed(perm) {
			return nil, &ForbiddenError{Agent: caller, Action: req.Command}
		}
	}

	if cached, cachedErr, hit := g.idem.Get(req.IdempotencyKey); hit {
		g.logger.Debug("Idempotent replay", "command", req.Command, "key", req.IdempotencyKey)
		return cached, cachedErr
	}

	result, err := g.execute(ctx, req.Command, caller, fn)
	if !room.Retryable(err) {
		// Transient failures are not cached: the client should retry.
		g.idem.Put(req.IdempotencyKey, result, err)
	}

	if req.Command == "join" && err == nil && req.SessionID != "" {
		g.sessions.Bind(req.SessionID, req.Agent)
	}
	return result, err
}

// resolveIdentity maps the request to a caller name and rate-limit key.
// Session callers are limited per session; stdio callers per agent name.
func (g *Gate) resolveIdentity(req Request) (caller, limitKey string, err error) {
	if req.SessionID != "" {
		sess, ok := g.sessions.Resolve(req.SessionID)
		if !ok {
			return "", "", ErrUnauthorized
		}
		caller = sess.Agent
		if caller == "" {
			caller = req.Agent
		}
		return caller, req.SessionID, nil
	}
	if req.Agent == "" {
		return "", "", ErrUnauthorized
	}
	return req.Agent, req.Agent, nil
}

// execute runs the handler with panic conversion and bounded retries on
// transient persistence errors.
func (g *Gate) execute(ctx context.Context, command, caller string, fn Handler) (result any, err error) {
	backoff := 50 * time.Millisecond
	for attempt := 0; ; attempt++ {
		result, err = g.runProtected(ctx, command, caller, fn)
		if err == nil || !room.Retryable(err) || attempt >= maxRetries-1 {
			return result, err
		}
		g.logger.Warn("Transient failure, retrying", "command", command, "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return nil, err
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// runProtected converts handler panics into an internal error instead of
// letting them unwind into the request loop.
func (g *Gate) runProtected(ctx context.Context, command, caller string, fn Handler) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("Command handler panicked", "command", command, "panic", r)
			result, err = nil, fmt.Errorf("%w: %v", ErrInternal, r)
		}
	}()
	return fn(ctx, caller)
}
