package models

import "time"

// Lock is an advisory lease on a path under the room's base path.
// Expired locks are treated as free even before the sweeper removes them.
type Lock struct {
	Resource   string    `json:"resource"`
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// ExpiredAt reports whether the lock is past its TTL at the given instant.
func (l *Lock) ExpiredAt(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}
