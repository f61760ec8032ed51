package room

import (
	"context"
	"path"
	"strings"
	"time"

	"github.com/masc-io/masc/pkg/models"
	"github.com/masc-io/masc/pkg/storage"
)

// DefaultLockTTL applies when a lock request does not name a TTL.
const DefaultLockTTL = 10 * time.Minute

// Lock acquires an exclusive TTL lock on a resource path for the caller.
// Re-locking a resource the caller already holds extends the TTL. Expired
// locks are free regardless of whether the sweeper has evicted them yet.
func (e *Engine) Lock(ctx context.Context, caller, resource string, ttl time.Duration) (*models.Lock, error) {
	if err := e.requireUnpaused(ctx); err != nil {
		return nil, err
	}
	if _, err := e.getAgent(ctx, caller); err != nil {
		return nil, err
	}
	norm, err := normalizeResource(resource)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}

	key := storage.PrefixLocks + storage.EscapeKeySegment(norm)
	won, err := e.backend.AcquireLock(ctx, key, caller, ttl)
	if err != nil {
		return nil, err
	}
	if !won {
		var held models.Lock
		if ok, rerr := e.getJSON(ctx, key, &held); rerr == nil && ok {
			return nil, &FileLockedError{File: norm, By: held.Owner}
		}
		return nil, &FileLockedError{File: norm, By: "another agent"}
	}

	now := e.clock.Now()
	lock := &models.Lock{
		Resource:   norm,
		Owner:      caller,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	if err := e.putJSON(ctx, key, lock); err != nil {
		return nil, err
	}
	e.audit(ctx, models.AuditFileLocked, caller, map[string]string{"resource": norm})
	e.logger.Info("File locked", "resource", norm, "owner", caller, "ttl", ttl)
	return lock, nil
}

// Unlock releases a lock the caller owns.
func (e *Engine) Unlock(ctx context.Context, caller, resource string) error {
	if _, err := e.getAgent(ctx, caller); err != nil {
		return err
	}
	norm, err := normalizeResource(resource)
	if err != nil {
		return err
	}

	key := storage.PrefixLocks + storage.EscapeKeySegment(norm)
	var lock models.Lock
	ok, err := e.getJSON(ctx, key, &lock)
	if err != nil {
		return err
	}
	if !ok || lock.ExpiredAt(e.clock.Now()) {
		return &FileNotLockedError{File: norm}
	}
	if lock.Owner != caller {
		return &FileLockedError{File: norm, By: lock.Owner}
	}

	if _, err := e.backend.ReleaseLock(ctx, key, caller); err != nil {
		return err
	}
	if _, err := e.backend.Delete(ctx, key); err != nil {
		return err
	}
	e.audit(ctx, models.AuditFileUnlocked, caller, map[string]string{"resource": norm})
	e.logger.Info("File unlocked", "resource", norm, "owner", caller)
	return nil
}

// GetLocks returns the live locks. Expired records still awaiting the
// sweeper are filtered out.
func (e *Engine) GetLocks(ctx context.Context) ([]*models.Lock, error) {
	keys, err := e.backend.List(ctx, storage.PrefixLocks)
	if err != nil {
		return nil, err
	}
	now := e.clock.Now()
	locks := make([]*models.Lock, 0, len(keys))
	for _, key := range keys {
		var l models.Lock
		ok, err := e.getJSON(ctx, key, &l)
		if err != nil {
			return nil, err
		}
		if ok && !l.ExpiredAt(now) {
			locks = append(locks, &l)
		}
	}
	return locks, nil
}

// SweepExpiredLocks deletes lock records whose TTL has passed. Called by
// the lock sweeper supervisor; returns the evicted resources.
func (e *Engine) SweepExpiredLocks(ctx context.Context) ([]string, error) {
	keys, err := e.backend.List(ctx, storage.PrefixLocks)
	if err != nil {
		return nil, err
	}
	now := e.clock.Now()
	var evicted []string
	for _, key := range keys {
		var l models.Lock
		ok, err := e.getJSON(ctx, key, &l)
		if err != nil {
			return evicted, err
		}
		if !ok || !l.ExpiredAt(now) {
			continue
		}
		if _, err := e.backend.ReleaseLock(ctx, key, l.Owner); err != nil {
			return evicted, err
		}
		if _, err := e.backend.Delete(ctx, key); err != nil {
			return evicted, err
		}
		e.audit(ctx, models.AuditFileUnlocked, l.Owner, map[string]string{"resource": l.Resource, "reason": "expired"})
		evicted = append(evicted, l.Resource)
	}
	return evicted, nil
}

// normalizeResource cleans a resource path and rejects anything that would
// escape the room's base path: absolute paths, drive-style prefixes, and
// parent traversal.
func normalizeResource(resource string) (string, error) {
	if resource == "" {
		return "", ErrInvalidPath
	}
	norm := path.Clean(strings.ReplaceAll(resource, "\\", "/"))
	if norm == "." || norm == ".." ||
		strings.HasPrefix(norm, "/") || strings.HasPrefix(norm, "../") ||
		strings.Contains(norm, ":") {
		return "", ErrInvalidPath
	}
	return norm, nil
}
