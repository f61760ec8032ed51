// Package cleanup runs the room's background garbage collectors: zombie
// agent retirement, expired lock sweeping, and cancellation token expiry.
// All sweeps are idempotent and safe to rerun.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/masc-io/masc/pkg/cancel"
	"github.com/masc-io/masc/pkg/clock"
	"github.com/masc-io/masc/pkg/models"
	"github.com/masc-io/masc/pkg/room"
)

// Config tunes the supervisor loops.
type Config struct {
	// Interval paces all three sweeps.
	Interval time.Duration
	// ZombieThreshold retires agents whose last heartbeat is older.
	ZombieThreshold time.Duration
	// TokenMaxAge sweeps cancellation tokens older than this.
	TokenMaxAge time.Duration
	// MaxBackoff caps the exponential backoff after backend errors.
	MaxBackoff time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:        60 * time.Second,
		ZombieThreshold: 300 * time.Second,
		TokenMaxAge:     time.Hour,
		MaxBackoff:      5 * time.Minute,
	}
}

// Service runs the periodic sweeps until stopped.
type Service struct {
	config Config
	engine *room.Engine
	tokens *cancel.Store
	clock  clock.Clock
	logger *slog.Logger

	// backoff doubles after a failed sweep round, resets on success.
	backoff time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// NewService creates the supervisor. tokens may be nil when the host does
// not use cancellation tokens.
func NewService(cfg Config, engine *room.Engine, tokens *cancel.Store, opts ...Option) *Service {
	s := &Service{
		config: cfg,
		engine: engine,
		tokens: tokens,
		clock:  clock.NewSystem(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	return s
}

// Start launches the background sweep loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	s.logger.Info("Cleanup service started",
		"interval", s.config.Interval,
		"zombie_threshold", s.config.ZombieThreshold,
		"token_max_age", s.config.TokenMaxAge)
}

// Stop signals the loop to exit and waits for the in-flight sweep to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.RunOnce(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
			if s.backoff > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(s.backoff):
				}
			}
		}
	}
}

// RunOnce performs one sweep round. Exposed so tests and operators can
// trigger a sweep without waiting for the ticker.
func (s *Service) RunOnce(ctx context.Context) {
	failed := false
	if err := s.sweepZombies(ctx); err != nil {
		s.logger.Error("Zombie sweep failed", "error", err)
		failed = true
	}
	if err := s.sweepLocks(ctx); err != nil {
		s.logger.Error("Lock sweep failed", "error", err)
		failed = true
	}
	if s.tokens != nil {
		if n := s.tokens.Sweep(s.config.TokenMaxAge); n > 0 {
			s.logger.Info("Swept stale cancellation tokens", "count", n)
		}
	}

	if failed {
		if s.backoff == 0 {
			s.backoff = s.config.Interval
		} else {
			s.backoff *= 2
		}
		if s.backoff > s.config.MaxBackoff {
			s.backoff = s.config.MaxBackoff
		}
	} else {
		s.backoff = 0
	}
}

func (s *Service) sweepZombies(ctx context.Context) error {
	agents, err := s.engine.GetAgents(ctx)
	if err != nil {
		return err
	}
	cutoff := s.clock.Now().Add(-s.config.ZombieThreshold)
	for _, a := range agents {
		if a.Status == models.AgentInactive || !a.LastSeen.Before(cutoff) {
			continue
		}
		if err := s.engine.ExpireAgent(ctx, a.Name, "zombie"); err != nil {
			return err
		}
		s.logger.Info("Retired zombie agent", "agent", a.Name, "last_seen", a.LastSeen)
	}
	return nil
}

func (s *Service) sweepLocks(ctx context.Context) error {
	evicted, err := s.engine.SweepExpiredLocks(ctx)
	if err != nil {
		return err
	}
	if len(evicted) > 0 {
		s.logger.Info("Evicted expired locks", "count", len(evicted), "resources", evicted)
	}
	return nil
}
