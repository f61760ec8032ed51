package gate

import (
	"crypto/rand"
	"math/big"
	"os"
	"sync"
	"time"

	"github.com/masc-io/masc/pkg/clock"
)

// SessionIDPrefix marks server-assigned session ids.
const SessionIDPrefix = "mcp_"

const base62Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// Session binds a transport session to an agent identity.
type Session struct {
	ID        string
	Agent     string
	CreatedAt time.Time
	LastSeen  time.Time
}

// SessionStore is the session_id to agent mapping shared by the HTTP and
// WebSocket adapters. Read-mostly; one mutex suffices.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	clock    clock.Clock
	ttl      time.Duration
}

// NewSessionStore creates a store whose sessions expire after ttl of
// inactivity. ttl <= 0 disables expiry.
func NewSessionStore(c clock.Clock, ttl time.Duration) *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*Session),
		clock:    c,
		ttl:      ttl,
	}
}

// Create mints a new unbound session.
func (s *SessionStore) Create() *Session {
	now := s.clock.Now()
	sess := &Session{
		ID:        newSessionID(now),
		CreatedAt: now,
		LastSeen:  now,
	}
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	return sess
}

// Resolve looks up a live session and refreshes its last-seen time.
func (s *SessionStore) Resolve(id string) (*Session, bool) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	if s.ttl > 0 && now.Sub(sess.LastSeen) > s.ttl {
		delete(s.sessions, id)
		return nil, false
	}
	sess.LastSeen = now
	return sess, true
}

// Bind attaches an agent identity to a session after a successful join.
func (s *SessionStore) Bind(id, agent string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return false
	}
	sess.Agent = agent
	return true
}

// Remove drops a session.
func (s *SessionStore) Remove(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// Prune deletes sessions idle past the TTL. Returns how many were dropped.
func (s *SessionStore) Prune() int {
	if s.ttl <= 0 {
		return 0
	}
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := 0
	for id, sess := range s.sessions {
		if now.Sub(sess.LastSeen) > s.ttl {
			delete(s.sessions, id)
			dropped++
		}
	}
	return dropped
}

// newSessionID builds "mcp_" + base62(timestamp) + base62(pid) + base62(rand).
// All characters fall in visible ASCII.
func newSessionID(now time.Time) string {
	return SessionIDPrefix +
		base62(uint64(now.UnixMilli())) + "_" +
		base62(uint64(os.Getpid())) + "_" +
		randBase62(8)
}

func base62(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [11]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = base62Alphabet[n%62]
		n /= 62
	}
	return string(buf[i:])
}

func randBase62(n int) string {
	buf := make([]byte, n)
	max := big.NewInt(int64(len(base62Alphabet)))
	for i := range buf {
		v, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand never fails on supported platforms; fall back
			// to a position-derived character rather than panicking.
			buf[i] = base62Alphabet[i%62]
			continue
		}
		buf[i] = base62Alphabet[v.Int64()]
	}
	return string(buf)
}
