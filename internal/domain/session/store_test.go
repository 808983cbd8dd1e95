package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxterm/gateway/internal/infrastructure/audit"
	"github.com/voxterm/gateway/internal/infrastructure/logging"
)

// memDurable is an in-memory Durable for tests. Setting failing makes
// every call error, simulating an unreachable store.
type memDurable struct {
	mu      sync.Mutex
	records map[string]*Record
	failing bool
	puts    int
}

func newMemDurable() *memDurable {
	return &memDurable{records: make(map[string]*Record)}
}

func (m *memDurable) setFailing(failing bool) {
	m.mu.Lock()
	m.failing = failing
	m.mu.Unlock()
}

func (m *memDurable) Put(ctx context.Context, record *Record, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return errors.New("connection refused")
	}
	m.puts++
	m.records[record.ID] = record
	return nil
}

func (m *memDurable) Get(ctx context.Context, id string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return nil, errors.New("connection refused")
	}
	return m.records[id], nil
}

func (m *memDurable) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return errors.New("connection refused")
	}
	delete(m.records, id)
	return nil
}

func (m *memDurable) RefreshTTL(ctx context.Context, id string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return errors.New("connection refused")
	}
	return nil
}

func newTestStore(t *testing.T, cfg Config, durable Durable) *Store {
	t.Helper()
	if cfg.TTL == 0 {
		cfg.TTL = time.Hour
	}
	if cfg.OrphanGrace == 0 {
		cfg.OrphanGrace = time.Hour
	}
	if cfg.CacheCapacity == 0 {
		cfg.CacheCapacity = 100
	}
	return NewStore(cfg, logging.NewNop(), audit.NopSink{}, durable)
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t, Config{}, nil)
	ctx := context.Background()

	snap := s.Create(ctx, "build", "user-1", map[string]interface{}{"cwd": "/src"})
	assert.NotEmpty(t, snap.ID)
	assert.Equal(t, "build", snap.Name)
	assert.Equal(t, "user-1", snap.OwnerID)

	got, ok := s.Get(ctx, snap.ID)
	require.True(t, ok)
	assert.Equal(t, snap.ID, got.ID)

	_, ok = s.Get(ctx, "missing")
	assert.False(t, ok)
}

func TestAttachDetach(t *testing.T) {
	s := newTestStore(t, Config{}, nil)
	ctx := context.Background()

	snap := s.Create(ctx, "build", "user-1", nil)
	require.NoError(t, s.Attach(ctx, snap.ID, "conn-1"))
	require.NoError(t, s.Attach(ctx, snap.ID, "conn-2"))

	got, ok := s.Get(ctx, snap.ID)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"conn-1", "conn-2"}, got.Connections)

	require.NoError(t, s.Detach(ctx, snap.ID, "conn-1"))
	got, _ = s.Get(ctx, snap.ID)
	assert.Equal(t, []string{"conn-2"}, got.Connections)

	assert.ErrorIs(t, s.Attach(ctx, "missing", "conn-1"), ErrNotFound)
}

func TestDetachAll(t *testing.T) {
	s := newTestStore(t, Config{}, nil)
	ctx := context.Background()

	a := s.Create(ctx, "a", "user-1", nil)
	b := s.Create(ctx, "b", "user-1", nil)
	c := s.Create(ctx, "c", "user-2", nil)
	require.NoError(t, s.Attach(ctx, a.ID, "conn-1"))
	require.NoError(t, s.Attach(ctx, b.ID, "conn-1"))
	require.NoError(t, s.Attach(ctx, c.ID, "conn-2"))

	touched := s.DetachAll(ctx, "conn-1")
	assert.ElementsMatch(t, []string{a.ID, b.ID}, touched)

	got, _ := s.Get(ctx, c.ID)
	assert.Equal(t, []string{"conn-2"}, got.Connections)
}

func TestRemove(t *testing.T) {
	s := newTestStore(t, Config{}, nil)
	ctx := context.Background()

	snap := s.Create(ctx, "build", "user-1", nil)
	require.NoError(t, s.Remove(ctx, snap.ID))

	_, ok := s.Get(ctx, snap.ID)
	assert.False(t, ok)
	assert.ErrorIs(t, s.Remove(ctx, snap.ID), ErrNotFound)
}

func TestListByOwner(t *testing.T) {
	s := newTestStore(t, Config{}, nil)
	ctx := context.Background()

	s.Create(ctx, "a", "user-1", nil)
	s.Create(ctx, "b", "user-1", nil)
	s.Create(ctx, "c", "user-2", nil)

	assert.Len(t, s.ListByOwner("user-1"), 2)
	assert.Len(t, s.ListByOwner("user-2"), 1)
	assert.Empty(t, s.ListByOwner("user-3"))
}

func TestSweepOrphanGrace(t *testing.T) {
	s := newTestStore(t, Config{OrphanGrace: 20 * time.Millisecond}, nil)
	ctx := context.Background()

	// Orphaned since creation; never attached.
	orphan := s.Create(ctx, "orphan", "user-1", nil)

	// Attached, then detached: grace restarts from the detach.
	detached := s.Create(ctx, "detached", "user-1", nil)
	require.NoError(t, s.Attach(ctx, detached.ID, "conn-1"))

	// Still attached: exempt from the orphan sweep entirely.
	attached := s.Create(ctx, "attached", "user-1", nil)
	require.NoError(t, s.Attach(ctx, attached.ID, "conn-2"))

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, s.Detach(ctx, detached.ID, "conn-1"))

	result := s.Sweep(ctx)
	assert.Equal(t, 1, result.Orphaned, "only the never-attached session is past grace")

	_, ok := s.Get(ctx, orphan.ID)
	assert.False(t, ok)
	_, ok = s.Get(ctx, detached.ID)
	assert.True(t, ok, "recently detached session is inside its grace window")
	_, ok = s.Get(ctx, attached.ID)
	assert.True(t, ok)
}

func TestReattachCancelsOrphanGrace(t *testing.T) {
	s := newTestStore(t, Config{OrphanGrace: 10 * time.Millisecond}, nil)
	ctx := context.Background()

	snap := s.Create(ctx, "build", "user-1", nil)
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Attach(ctx, snap.ID, "conn-1"))

	result := s.Sweep(ctx)
	assert.Equal(t, 0, result.Orphaned)
}

func TestSweepTTLExpiry(t *testing.T) {
	s := newTestStore(t, Config{TTL: 10 * time.Millisecond}, nil)
	ctx := context.Background()

	snap := s.Create(ctx, "build", "user-1", nil)
	require.NoError(t, s.Attach(ctx, snap.ID, "conn-1"))

	time.Sleep(20 * time.Millisecond)

	result := s.Sweep(ctx)
	assert.Equal(t, 1, result.Expired, "TTL applies even while attached")

	_, ok := s.Get(ctx, snap.ID)
	assert.False(t, ok)
}

func TestLRUEviction(t *testing.T) {
	s := newTestStore(t, Config{CacheCapacity: 2}, nil)
	ctx := context.Background()

	a := s.Create(ctx, "a", "user-1", nil)
	b := s.Create(ctx, "b", "user-1", nil)

	// Touch a so b is the least recently used.
	_, ok := s.Get(ctx, a.ID)
	require.True(t, ok)

	s.Create(ctx, "c", "user-1", nil)

	assert.Equal(t, 2, s.Len())
	_, ok = s.Get(ctx, b.ID)
	assert.False(t, ok, "least recently used session should have been evicted")
	_, ok = s.Get(ctx, a.ID)
	assert.True(t, ok)
}

func TestDurableRepopulatesCache(t *testing.T) {
	durable := newMemDurable()
	s := newTestStore(t, Config{CacheCapacity: 1}, durable)
	ctx := context.Background()

	a := s.Create(ctx, "a", "user-1", nil)
	s.Create(ctx, "b", "user-1", nil) // evicts a from the cache

	got, ok := s.Get(ctx, a.ID)
	require.True(t, ok, "evicted session should be served from the durable tier")
	assert.Equal(t, "a", got.Name)
}

func TestDurableFailureDegradesToCacheOnly(t *testing.T) {
	durable := newMemDurable()
	s := newTestStore(t, Config{}, durable)
	ctx := context.Background()

	durable.setFailing(true)

	// Writes and reads keep working against the cache.
	snap := s.Create(ctx, "build", "user-1", nil)
	got, ok := s.Get(ctx, snap.ID)
	require.True(t, ok)
	assert.Equal(t, snap.ID, got.ID)

	require.NoError(t, s.Attach(ctx, snap.ID, "conn-1"))
	require.NoError(t, s.Remove(ctx, snap.ID))
}

func TestClearAffinity(t *testing.T) {
	s := newTestStore(t, Config{}, nil)
	ctx := context.Background()

	a := s.Create(ctx, "a", "user-1", nil)
	b := s.Create(ctx, "b", "user-1", nil)
	require.NoError(t, s.Update(ctx, a.ID, func(sess *Session) { sess.BackendID = "be-1" }))
	require.NoError(t, s.Update(ctx, b.ID, func(sess *Session) { sess.BackendID = "be-2" }))

	cleared := s.ClearAffinity(ctx, "be-1")
	assert.Equal(t, 1, cleared)

	got, _ := s.Get(ctx, a.ID)
	assert.Empty(t, got.BackendID)
	got, _ = s.Get(ctx, b.ID)
	assert.Equal(t, "be-2", got.BackendID)
}

func TestLRUCacheBasics(t *testing.T) {
	c := newLRUCache(2)

	assert.Nil(t, c.put("a", &Session{ID: "a"}))
	assert.Nil(t, c.put("b", &Session{ID: "b"}))

	// Refreshing an existing key does not evict.
	assert.Nil(t, c.put("a", &Session{ID: "a"}))

	evicted := c.put("c", &Session{ID: "c"})
	require.NotNil(t, evicted)
	assert.Equal(t, "b", evicted.ID, "b was the least recently touched")

	_, ok := c.get("b")
	assert.False(t, ok)
	assert.Equal(t, 2, c.len())

	c.remove("a")
	assert.Equal(t, 1, c.len())
}
