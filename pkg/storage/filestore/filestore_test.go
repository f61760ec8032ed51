package filestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/masc-io/masc/pkg/clock"
	"github.com/masc-io/masc/pkg/storage"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestPutGetDelete(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	_, ok, err := s.Get(ctx, "tasks/task-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, "tasks/task-1", []byte(`{"id":"task-1"}`)))

	data, ok, err := s.Get(ctx, "tasks/task-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"id":"task-1"}`, string(data))

	existed, err := s.Delete(ctx, "tasks/task-1")
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = s.Delete(ctx, "tasks/task-1")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestListOrdered(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	for _, key := range []string{"tasks/task-3", "tasks/task-1", "tasks/task-2"} {
		require.NoError(t, s.Put(ctx, key, []byte("{}")))
	}

	keys, err := s.List(ctx, "tasks/")
	require.NoError(t, err)
	assert.Equal(t, []string{"tasks/task-1", "tasks/task-2", "tasks/task-3"}, keys)

	keys, err = s.List(ctx, "agents/")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestAtomicIncSequential(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	v, err := s.AtomicInc(ctx, "room.message_seq", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	v, err = s.AtomicInc(ctx, "room.message_seq", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
}

func TestAtomicIncConcurrent(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	const goroutines = 20
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.AtomicInc(ctx, "ctr", 1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	v, err := s.AtomicInc(ctx, "ctr", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(goroutines), v)
}

func TestAcquireLockExclusive(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	ok, err := s.AcquireLock(ctx, "tasks/task-1", "a1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AcquireLock(ctx, "tasks/task-1", "a2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second owner must not acquire a held lease")

	// Same owner extends.
	ok, err = s.AcquireLock(ctx, "tasks/task-1", "a1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	released, err := s.ReleaseLock(ctx, "tasks/task-1", "a2")
	require.NoError(t, err)
	assert.False(t, released, "release by non-owner must fail")

	released, err = s.ReleaseLock(ctx, "tasks/task-1", "a1")
	require.NoError(t, err)
	assert.True(t, released)

	ok, err = s.AcquireLock(ctx, "tasks/task-1", "a2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAcquireLockExpiry(t *testing.T) {
	ctx := context.Background()
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s, err := New(t.TempDir(), WithClock(fake))
	require.NoError(t, err)

	ok, err := s.AcquireLock(ctx, "r", "a1", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.AcquireLock(ctx, "r", "a2", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	fake.Advance(31 * time.Second)

	ok, err = s.AcquireLock(ctx, "r", "a2", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease is free")
}

func TestAppendLines(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	s, err := New(base)
	require.NoError(t, err)

	require.NoError(t, s.Append(ctx, "audit", []byte(`{"kind":"RoomInit"}`)))
	require.NoError(t, s.Append(ctx, "audit", []byte(`{"kind":"AgentJoined"}`)))

	data, err := os.ReadFile(filepath.Join(base, RoomDir, "audit.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, "{\"kind\":\"RoomInit\"}\n{\"kind\":\"AgentJoined\"}\n", string(data))

	info, err := os.Stat(filepath.Join(base, RoomDir, "audit.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestReadLogPagination(t *testing.T) {
	ctx := context.Background()
	s, err := New(t.TempDir())
	require.NoError(t, err)

	entries, err := s.ReadLog(ctx, "audit", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, entries, "missing log reads as empty")

	for i := 1; i <= 5; i++ {
		require.NoError(t, s.Append(ctx, "audit", []byte(fmt.Sprintf(`{"n":%d}`, i))))
	}

	entries, err = s.ReadLog(ctx, "audit", 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	assert.Equal(t, uint64(1), entries[0].Index)
	assert.Equal(t, `{"n":1}`, string(entries[0].Line))

	entries, err = s.ReadLog(ctx, "audit", 3, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(4), entries[0].Index)

	entries, err = s.ReadLog(ctx, "audit", 0, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(2), entries[1].Index)
}

func TestKeyEscapingStaysInRoot(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	// A hostile key must not write outside the room directory.
	require.NoError(t, s.Put(ctx, "locks/../../etc/passwd", []byte("{}")))

	keys, err := s.List(ctx, "locks/")
	require.NoError(t, err)
	assert.Empty(t, keys, "escaped key lands in a nested escaped path, not locks/")

	_, err = os.Stat(filepath.Join(s.root, "..", "..", "etc", "passwd.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestPutIsAtomicReplace(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.Put(ctx, "state", []byte(`{"v":1}`)))
	require.NoError(t, s.Put(ctx, "state", []byte(`{"v":2}`)))

	data, ok, err := s.Get(ctx, "state")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"v":2}`, string(data))

	var unavailable error = storage.Unavailable("probe", os.ErrPermission)
	assert.True(t, storage.IsUnavailable(unavailable))
}
