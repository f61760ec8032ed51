package gate

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/masc-io/masc/pkg/clock"
	"github.com/masc-io/masc/pkg/storage"
)

// Permission tags commands map to when auth is enabled.
type Permission string

// Permissions.
const (
	CanInit      Permission = "can_init"
	CanReset     Permission = "can_reset"
	CanPause     Permission = "can_pause"
	CanJoin      Permission = "can_join"
	CanClaimTask Permission = "can_claim_task"
	CanEditTasks Permission = "can_edit_tasks"
	CanBroadcast Permission = "can_broadcast"
	CanLock      Permission = "can_lock"
	CanVote      Permission = "can_vote"
	CanPortal    Permission = "can_portal"
	CanRead      Permission = "can_read"
	CanSubscribe Permission = "can_subscribe"
	CanWalph     Permission = "can_walph"
	CanAdminAuth Permission = "can_admin_auth"
)

// Role is a named static permission set.
type Role string

// Roles. Worker is the default for valid sessions bearing no token.
const (
	RoleAdmin    Role = "admin"
	RoleWorker   Role = "worker"
	RoleObserver Role = "observer"
)

var rolePermissions = map[Role]map[Permission]bool{
	RoleAdmin: permSet(
		CanInit, CanReset, CanPause, CanJoin, CanClaimTask, CanEditTasks,
		CanBroadcast, CanLock, CanVote, CanPortal, CanRead, CanSubscribe,
		CanWalph, CanAdminAuth,
	),
	RoleWorker: permSet(
		CanInit, CanJoin, CanClaimTask, CanEditTasks, CanBroadcast,
		CanLock, CanVote, CanPortal, CanRead, CanSubscribe, CanWalph,
	),
	RoleObserver: permSet(CanRead, CanSubscribe),
}

func permSet(perms ...Permission) map[Permission]bool {
	m := make(map[Permission]bool, len(perms))
	for _, p := range perms {
		m[p] = true
	}
	return m
}

// Allowed reports whether the role grants the permission.
func (r Role) Allowed(p Permission) bool {
	return rolePermissions[r][p]
}

const keySecurityAuth = "security/auth"

// tokenRecord is a stored agent token. Only the hash is persisted; the
// plaintext is returned exactly once at creation.
type tokenRecord struct {
	Agent     string    `json:"agent"`
	Hash      string    `json:"hash"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

type authState struct {
	Enabled       bool          `json:"enabled"`
	SecretHash    string        `json:"secret_hash,omitempty"`
	Tokens        []tokenRecord `json:"tokens"`
	SchemaVersion int           `json:"schema_version"`
}

// Authorizer verifies tokens and answers permission checks. Hashes are
// persisted through the backend so auth survives restarts.
type Authorizer struct {
	mu       sync.Mutex
	state    authState
	backend  storage.Backend
	clock    clock.Clock
	tokenTTL time.Duration
}

// NewAuthorizer loads persisted auth state from the backend.
func NewAuthorizer(ctx context.Context, backend storage.Backend, c clock.Clock, tokenTTL time.Duration) (*Authorizer, error) {
	a := &Authorizer{backend: backend, clock: c, tokenTTL: tokenTTL}
	data, ok, err := backend.Get(ctx, keySecurityAuth)
	if err != nil {
		return nil, err
	}
	if ok {
		if err := json.Unmarshal(data, &a.state); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Enabled reports whether token auth is enforced.
func (a *Authorizer) Enabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.Enabled
}

// Enable turns auth on and returns the room secret. The secret is shown
// exactly once; only its hash is stored.
func (a *Authorizer) Enable(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state.Enabled {
		return "", ErrUnauthorized
	}
	secret, err := randomToken()
	if err != nil {
		return "", err
	}
	a.state.Enabled = true
	a.state.SecretHash = hashToken(secret)
	a.state.SchemaVersion = 1
	if err := a.persistLocked(ctx); err != nil {
		return "", err
	}
	return secret, nil
}

// CreateToken mints an agent token under the given role. The plaintext is
// returned exactly once. Requires the room secret.
func (a *Authorizer) CreateToken(ctx context.Context, secret, agent string, role Role) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.state.Enabled {
		return "", ErrUnauthorized
	}
	if !hashEqual(a.state.SecretHash, secret) {
		return "", ErrInvalidToken
	}
	if _, ok := rolePermissions[role]; !ok {
		role = RoleWorker
	}

	token, err := randomToken()
	if err != nil {
		return "", err
	}
	rec := tokenRecord{
		Agent:     agent,
		Hash:      hashToken(token),
		Role:      role,
		CreatedAt: a.clock.Now(),
	}
	if a.tokenTTL > 0 {
		rec.ExpiresAt = rec.CreatedAt.Add(a.tokenTTL)
	}

	// One live token per agent: minting replaces the previous one.
	kept := a.state.Tokens[:0]
	for _, t := range a.state.Tokens {
		if t.Agent != agent {
			kept = append(kept, t)
		}
	}
	a.state.Tokens = append(kept, rec)
	if err := a.persistLocked(ctx); err != nil {
		return "", err
	}
	return token, nil
}

// Verify resolves a presented token to its role. With auth disabled, any
// caller is a Worker. A valid session presenting no token is a Worker.
func (a *Authorizer) Verify(agent, token string) (Role, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.state.Enabled || token == "" {
		return RoleWorker, nil
	}
	if hashEqual(a.state.SecretHash, token) {
		return RoleAdmin, nil
	}
	for _, rec := range a.state.Tokens {
		if rec.Agent != agent || !hashEqual(rec.Hash, token) {
			continue
		}
		if !rec.ExpiresAt.IsZero() && !rec.ExpiresAt.After(a.clock.Now()) {
			return "", &TokenExpiredError{Agent: agent}
		}
		return rec.Role, nil
	}
	return "", ErrInvalidToken
}

func (a *Authorizer) persistLocked(ctx context.Context) error {
	data, err := json.Marshal(&a.state)
	if err != nil {
		return err
	}
	return a.backend.Put(ctx, keySecurityAuth, data)
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func hashEqual(storedHash, presented string) bool {
	h := hashToken(presented)
	return subtle.ConstantTimeCompare([]byte(storedHash), []byte(h)) == 1
}
