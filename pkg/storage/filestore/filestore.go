// Package filestore implements storage.Backend as one JSON file per record
// under <base_path>/.masc/. Writes are crash-safe: temp file + fsync +
// rename. List reads the entity directory.
package filestore

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/masc-io/masc/pkg/clock"
	"github.com/masc-io/masc/pkg/storage"
)

// RoomDir is the room state directory created under the base path.
const RoomDir = ".masc"

// Option configures a Store.
type Option func(*Store)

// WithLogger sets a structured logger. Without it the store is silent.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock sets the time source used for lease expiry. Defaults to the
// guarded system clock.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithSecureMode restricts directory permissions to 0700 (default 0755).
func WithSecureMode(secure bool) Option {
	return func(s *Store) { s.secure = secure }
}

// Store is the file-backed storage.Backend. A single Store instance owns a
// room directory; its mutex serializes counter and lease mutations, which
// gives AtomicInc and AcquireLock their linearizability within the instance.
type Store struct {
	root   string // <base_path>/.masc
	logger *slog.Logger
	clock  clock.Clock
	secure bool

	// Serializes read-modify-write operations (counters, leases) and
	// append-log writes. Plain record Puts rely on rename atomicity and
	// do not take it.
	mu sync.Mutex
}

var _ storage.Backend = (*Store)(nil)

type counterRecord struct {
	Value int64 `json:"value"`
}

type leaseRecord struct {
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

// New creates a Store rooted at basePath/.masc, creating the directory.
func New(basePath string, opts ...Option) (*Store, error) {
	s := &Store{
		root:  filepath.Join(basePath, RoomDir),
		clock: clock.NewSystem(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	if err := os.MkdirAll(s.root, s.dirMode()); err != nil {
		return nil, storage.Unavailable("filestore: create root", err)
	}
	s.logger.Debug("filestore opened", "root", s.root)
	return s, nil
}

func (s *Store) dirMode() os.FileMode {
	if s.secure {
		return 0o700
	}
	return 0o755
}

// keyPath maps a namespaced key to its file path. Each segment is escaped
// so keys can never traverse outside the root.
func (s *Store) keyPath(key string) string {
	segs := strings.Split(key, "/")
	for i, seg := range segs {
		segs[i] = storage.EscapeKeySegment(seg)
	}
	return filepath.Join(s.root, filepath.Join(segs...)) + ".json"
}

// Get returns the record bytes for key.
func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	data, err := os.ReadFile(s.keyPath(key))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, storage.Unavailable("filestore: get "+key, err)
	}
	return data, true, nil
}

// Put atomically replaces the record at key: write temp, fsync, rename.
func (s *Store) Put(_ context.Context, key string, value []byte) error {
	path := s.keyPath(key)
	if err := os.MkdirAll(filepath.Dir(path), s.dirMode()); err != nil {
		return storage.Unavailable("filestore: put "+key, err)
	}
	if err := atomicWrite(path, value); err != nil {
		return storage.Unavailable("filestore: put "+key, err)
	}
	return nil
}

// Delete removes the record at key.
func (s *Store) Delete(_ context.Context, key string) (bool, error) {
	err := os.Remove(s.keyPath(key))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, storage.Unavailable("filestore: delete "+key, err)
	}
	return true, nil
}

// List returns all keys under prefix in lexicographic order. The prefix is
// expected to name an entity directory ("tasks/").
func (s *Store) List(_ context.Context, prefix string) ([]string, error) {
	dir := filepath.Join(s.root, strings.TrimSuffix(prefix, "/"))
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, storage.Unavailable("filestore: list "+prefix, err)
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		keys = append(keys, prefix+strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(keys)
	return keys, nil
}

// AtomicInc adds delta to the counter at key under the store mutex.
func (s *Store) AtomicInc(ctx context.Context, key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counterKey := "counters/" + key
	var rec counterRecord
	data, ok, err := s.Get(ctx, counterKey)
	if err != nil {
		return 0, err
	}
	if ok {
		if err := json.Unmarshal(data, &rec); err != nil {
			return 0, fmt.Errorf("filestore: corrupt counter %s: %w", key, err)
		}
	}
	rec.Value += delta

	out, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("filestore: marshal counter %s: %w", key, err)
	}
	if err := s.Put(ctx, counterKey, out); err != nil {
		return 0, err
	}
	return rec.Value, nil
}

// AcquireLock takes the lease at key if free, expired, or already owned by
// owner (extension). The store mutex makes check-and-set atomic.
func (s *Store) AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	leaseKey := "leases/" + key
	now := s.clock.Now()

	data, ok, err := s.Get(ctx, leaseKey)
	if err != nil {
		return false, err
	}
	if ok {
		var lease leaseRecord
		if err := json.Unmarshal(data, &lease); err == nil &&
			lease.Owner != owner && lease.ExpiresAt.After(now) {
			return false, nil
		}
	}

	lease := leaseRecord{Owner: owner, ExpiresAt: now.Add(ttl)}
	out, err := json.Marshal(lease)
	if err != nil {
		return false, fmt.Errorf("filestore: marshal lease %s: %w", key, err)
	}
	if err := s.Put(ctx, leaseKey, out); err != nil {
		return false, err
	}
	return true, nil
}

// ReleaseLock drops the lease at key when held by owner.
func (s *Store) ReleaseLock(ctx context.Context, key, owner string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	leaseKey := "leases/" + key
	data, ok, err := s.Get(ctx, leaseKey)
	if err != nil || !ok {
		return false, err
	}
	var lease leaseRecord
	if err := json.Unmarshal(data, &lease); err != nil {
		return false, fmt.Errorf("filestore: corrupt lease %s: %w", key, err)
	}
	if lease.Owner != owner {
		return false, nil
	}
	return s.Delete(ctx, leaseKey)
}

// Append adds one line to the .jsonl log at key using O_APPEND on a
// 0600-permission file. Single-write appends below the page size are
// atomic on POSIX filesystems.
func (s *Store) Append(_ context.Context, key string, line []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.root, storage.EscapeKeySegment(key)+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return storage.Unavailable("filestore: append "+key, err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return storage.Unavailable("filestore: append "+key, err)
	}
	return nil
}

// ReadLog scans the .jsonl log at key, returning lines with a one-based
// index greater than afterIndex. A missing log reads as empty.
func (s *Store) ReadLog(_ context.Context, key string, afterIndex uint64, limit int) ([]storage.LogEntry, error) {
	path := filepath.Join(s.root, storage.EscapeKeySegment(key)+".jsonl")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, storage.Unavailable("filestore: read_log "+key, err)
	}
	defer f.Close()

	var entries []storage.LogEntry
	var index uint64
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		index++
		if index <= afterIndex {
			continue
		}
		line := make([]byte, len(sc.Bytes()))
		copy(line, sc.Bytes())
		entries = append(entries, storage.LogEntry{Index: index, Line: line})
		if limit > 0 && len(entries) >= limit {
			break
		}
	}
	if err := sc.Err(); err != nil {
		return nil, storage.Unavailable("filestore: read_log "+key, err)
	}
	return entries, nil
}

// Ping verifies the root directory is accessible.
func (s *Store) Ping(_ context.Context) error {
	if _, err := os.Stat(s.root); err != nil {
		return storage.Unavailable("filestore: ping", err)
	}
	return nil
}

// Close is a no-op; the store holds no open handles between operations.
func (s *Store) Close() error { return nil }

// atomicWrite writes value to path via temp file + fsync + rename so a
// crash never leaves a half-written record.
func atomicWrite(path string, value []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
