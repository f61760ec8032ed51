package sqlstore

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/masc-io/masc/pkg/clock"
)

func newSQLiteStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	s, err := Open(ctx, DialectSQLite, filepath.Join(t.TempDir(), "masc.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordsRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)

	_, ok, err := s.Get(ctx, "agents/a1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, "agents/a1", []byte(`{"name":"a1"}`)))
	require.NoError(t, s.Put(ctx, "agents/a1", []byte(`{"name":"a1","status":"active"}`)))

	data, ok, err := s.Get(ctx, "agents/a1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"name":"a1","status":"active"}`, string(data))

	existed, err := s.Delete(ctx, "agents/a1")
	require.NoError(t, err)
	assert.True(t, existed)
	existed, err = s.Delete(ctx, "agents/a1")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestListPrefixOrdered(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)

	for _, key := range []string{"tasks/task-2", "tasks/task-1", "agents/a1"} {
		require.NoError(t, s.Put(ctx, key, []byte("{}")))
	}

	keys, err := s.List(ctx, "tasks/")
	require.NoError(t, err)
	assert.Equal(t, []string{"tasks/task-1", "tasks/task-2"}, keys)
}

func TestAtomicIncConcurrent(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)

	const goroutines = 20
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.AtomicInc(ctx, "room.message_seq", 1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	v, err := s.AtomicInc(ctx, "room.message_seq", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(goroutines), v)
}

func TestLeaseSemantics(t *testing.T) {
	ctx := context.Background()
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s, err := Open(ctx, DialectSQLite, filepath.Join(t.TempDir(), "masc.db"), WithClock(fake))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ok, err := s.AcquireLock(ctx, "tasks/task-1", "a1", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AcquireLock(ctx, "tasks/task-1", "a2", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	released, err := s.ReleaseLock(ctx, "tasks/task-1", "a2")
	require.NoError(t, err)
	assert.False(t, released)

	fake.Advance(31 * time.Second)
	ok, err = s.AcquireLock(ctx, "tasks/task-1", "a2", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease is free")

	released, err = s.ReleaseLock(ctx, "tasks/task-1", "a2")
	require.NoError(t, err)
	assert.True(t, released)
}

func TestAppendLog(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)

	require.NoError(t, s.Append(ctx, "audit", []byte(`{"kind":"RoomInit"}`)))
	require.NoError(t, s.Append(ctx, "audit", []byte(`{"kind":"AgentJoined"}`)))

	rows, err := s.db.QueryContext(ctx, `SELECT line FROM masc_log WHERE key = 'audit' ORDER BY id`)
	require.NoError(t, err)
	defer rows.Close()

	var lines []string
	for rows.Next() {
		var line []byte
		require.NoError(t, rows.Scan(&line))
		lines = append(lines, string(line))
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []string{`{"kind":"RoomInit"}`, `{"kind":"AgentJoined"}`}, lines)

	entries, err := s.ReadLog(ctx, "audit", 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, `{"kind":"RoomInit"}`, string(entries[0].Line))
	assert.Less(t, entries[0].Index, entries[1].Index)

	tail, err := s.ReadLog(ctx, "audit", entries[0].Index, 1)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, entries[1].Index, tail[0].Index)
}
