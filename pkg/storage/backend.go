// Package storage defines the pluggable persistence contract of the room.
// The engine never assumes a concrete backend, only this interface.
// Implementations live in the filestore and sqlstore subpackages.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Backend is the storage contract. Keys are namespaced slash-separated
// strings ("tasks/task-1", "agents/a1"). Values are opaque JSON bytes.
//
// Guarantees required of every implementation:
//   - Put is an atomic replace (temp-file + rename, or a single UPSERT).
//   - List returns keys in lexicographic order, consistent with the most
//     recent Puts on the same backend instance.
//   - AtomicInc is linearizable against other AtomicInc calls on the same key.
//   - AcquireLock admits at most one holder per key until the TTL elapses.
type Backend interface {
	// Get returns the value for key, with ok=false when the key is absent.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Put atomically replaces the value for key.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes key, reporting whether it existed. Idempotent.
	Delete(ctx context.Context, key string) (existed bool, err error)

	// List returns all keys with the given prefix in lexicographic order.
	List(ctx context.Context, prefix string) ([]string, error)

	// AtomicInc adds delta to the counter at key and returns the new value.
	// Missing counters start at zero.
	AtomicInc(ctx context.Context, key string, delta int64) (int64, error)

	// AcquireLock takes the lease on key for owner until ttl elapses.
	// Re-acquisition by the current owner extends the lease. Returns false
	// without error when another owner holds an unexpired lease.
	AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)

	// ReleaseLock drops the lease on key. Returns false when the lease is
	// absent or held by a different owner.
	ReleaseLock(ctx context.Context, key, owner string) (bool, error)

	// Append adds one line to the append-only log at key (audit trail).
	Append(ctx context.Context, key string, line []byte) error

	// ReadLog returns up to limit appended lines with index > afterIndex,
	// oldest first. Indexes are strictly increasing per key but not
	// necessarily contiguous. limit <= 0 means unbounded.
	ReadLog(ctx context.Context, key string, afterIndex uint64, limit int) ([]LogEntry, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// LogEntry is one line of an append-only log with its position.
type LogEntry struct {
	Index uint64
	Line  []byte
}

// ErrUnavailable marks transient backend failures. Callers may retry;
// the gate retries up to three times with backoff before surfacing it.
var ErrUnavailable = errors.New("storage backend unavailable")

// Unavailable wraps err as a retryable backend failure.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}

// IsUnavailable reports whether err is a retryable backend failure.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
