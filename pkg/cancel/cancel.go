// Package cancel provides one-shot cancellation tokens with registered
// callbacks. Tokens live in process memory; the token GC supervisor sweeps
// tokens past their max age.
package cancel

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/masc-io/masc/pkg/clock"
)

// Token is a one-shot cancellation flag. Once cancelled, every registered
// callback runs exactly once; callbacks registered after cancellation run
// immediately.
type Token struct {
	ID        string
	CreatedAt time.Time

	mu        sync.Mutex
	cancelled bool
	reason    string
	callbacks []func()
}

// Cancelled reports whether the token fired.
func (t *Token) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Reason returns the cancellation reason, empty until cancelled.
func (t *Token) Reason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// OnCancel registers a callback. If the token already fired, the callback
// runs synchronously right away.
func (t *Token) OnCancel(fn func()) {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		fn()
		return
	}
	t.callbacks = append(t.callbacks, fn)
	t.mu.Unlock()
}

// Cancel fires the token. The first call wins; later calls are no-ops and
// callbacks never run twice.
func (t *Token) Cancel(reason string) {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		return
	}
	t.cancelled = true
	t.reason = reason
	callbacks := t.callbacks
	t.callbacks = nil
	t.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
}

// Store holds live tokens.
type Store struct {
	mu     sync.Mutex
	tokens map[string]*Token
	clock  clock.Clock
}

// NewStore creates an empty token store.
func NewStore(c clock.Clock) *Store {
	return &Store{tokens: make(map[string]*Token), clock: c}
}

// Create mints and registers a token.
func (s *Store) Create() *Token {
	t := &Token{ID: uuid.NewString(), CreatedAt: s.clock.Now()}
	s.mu.Lock()
	s.tokens[t.ID] = t
	s.mu.Unlock()
	return t
}

// Get looks up a token by id.
func (s *Store) Get(id string) (*Token, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[id]
	return t, ok
}

// Remove drops a token from the store. The token itself stays usable by
// holders of the pointer.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	delete(s.tokens, id)
	s.mu.Unlock()
}

// Sweep cancels and removes tokens older than maxAge. Returns how many
// were swept.
func (s *Store) Sweep(maxAge time.Duration) int {
	cutoff := s.clock.Now().Add(-maxAge)
	s.mu.Lock()
	var stale []*Token
	for id, t := range s.tokens {
		if t.CreatedAt.Before(cutoff) {
			stale = append(stale, t)
			delete(s.tokens, id)
		}
	}
	s.mu.Unlock()

	// Cancel outside the store mutex: callbacks may call back into the store.
	for _, t := range stale {
		t.Cancel("expired")
	}
	return len(stale)
}

// Len reports the live token count.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}
