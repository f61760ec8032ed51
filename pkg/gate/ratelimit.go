package gate

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/masc-io/masc/pkg/clock"
	"github.com/masc-io/masc/pkg/storage"
)

// RateLimiter is a per-key token bucket. Buckets are created lazily on
// first use and pruned once idle longer than the prune age.
type RateLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	rate     float64 // tokens per second
	burst    float64 // bucket capacity
	pruneAge time.Duration
	clock    clock.Clock
}

type bucket struct {
	Tokens     float64   `json:"tokens"`
	LastUpdate time.Time `json:"last_update"`
}

// NewRateLimiter builds a limiter refilling rate tokens per second up to
// burst capacity.
func NewRateLimiter(c clock.Clock, rate, burst float64, pruneAge time.Duration) *RateLimiter {
	return &RateLimiter{
		buckets:  make(map[string]*bucket),
		rate:     rate,
		burst:    burst,
		pruneAge: pruneAge,
		clock:    c,
	}
}

// Allow takes one token from the key's bucket. On denial it returns the
// wait until a token is available.
func (rl *RateLimiter) Allow(key string) (bool, time.Duration) {
	now := rl.clock.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{Tokens: rl.burst, LastUpdate: now}
		rl.buckets[key] = b
	} else {
		elapsed := now.Sub(b.LastUpdate).Seconds()
		b.Tokens = min(rl.burst, b.Tokens+elapsed*rl.rate)
		b.LastUpdate = now
	}

	if b.Tokens >= 1 {
		b.Tokens--
		return true, 0
	}
	wait := time.Duration((1 - b.Tokens) / rl.rate * float64(time.Second))
	return false, wait
}

// Prune drops buckets idle longer than the prune age. Returns how many
// were removed.
func (rl *RateLimiter) Prune() int {
	if rl.pruneAge <= 0 {
		return 0
	}
	now := rl.clock.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	removed := 0
	for key, b := range rl.buckets {
		if now.Sub(b.LastUpdate) > rl.pruneAge {
			delete(rl.buckets, key)
			removed++
		}
	}
	return removed
}

// persistedBuckets is the on-disk shape of the limiter state.
type persistedBuckets struct {
	SchemaVersion int                `json:"schema_version"`
	Buckets       map[string]*bucket `json:"buckets"`
}

// Save persists the bucket map so a restart does not grant every client a
// fresh burst.
func (rl *RateLimiter) Save(ctx context.Context, backend storage.Backend) error {
	rl.mu.Lock()
	snapshot := persistedBuckets{SchemaVersion: 1, Buckets: make(map[string]*bucket, len(rl.buckets))}
	for k, b := range rl.buckets {
		copied := *b
		snapshot.Buckets[k] = &copied
	}
	rl.mu.Unlock()

	data, err := json.Marshal(&snapshot)
	if err != nil {
		return err
	}
	return backend.Put(ctx, storage.KeySecurityRates, data)
}

// Load restores persisted buckets. Missing or unreadable state starts fresh.
func (rl *RateLimiter) Load(ctx context.Context, backend storage.Backend) error {
	data, ok, err := backend.Get(ctx, storage.KeySecurityRates)
	if err != nil || !ok {
		return err
	}
	var snapshot persistedBuckets
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil
	}
	rl.mu.Lock()
	for k, b := range snapshot.Buckets {
		rl.buckets[k] = b
	}
	rl.mu.Unlock()
	return nil
}
