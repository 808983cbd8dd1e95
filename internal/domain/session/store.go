// Package session maintains the mapping from session identifier to
// session state: owning user, attached connections, backend affinity.
//
// Reads hit an in-process LRU cache first and fall back to the durable
// store on miss. Durable-store unavailability degrades to cache-only
// operation; it never fails the caller's request.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/voxterm/gateway/internal/infrastructure/audit"
	"github.com/voxterm/gateway/internal/infrastructure/logging"
	"github.com/voxterm/gateway/internal/shared/id"
)

var ErrNotFound = errors.New("session not found")

// Session is one logical unit of work. The store owns the canonical
// copy; accessors return snapshots.
type Session struct {
	ID            string
	Name          string
	OwnerID       string
	BackendID     string // affinity; empty when unassigned
	Connections   map[string]struct{}
	CreatedAt     time.Time
	LastAccessed  time.Time
	Metadata      map[string]interface{}
	orphanedSince time.Time // zero while at least one connection is attached
}

// Snapshot is a read-only copy of a session handed to callers.
type Snapshot struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	OwnerID      string                 `json:"owner_id"`
	BackendID    string                 `json:"backend_id,omitempty"`
	Connections  []string               `json:"connections"`
	CreatedAt    time.Time              `json:"created_at"`
	LastAccessed time.Time              `json:"last_accessed"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// Config holds session store tunables.
type Config struct {
	TTL           time.Duration
	OrphanGrace   time.Duration
	CacheCapacity int
}

// SweepResult reports what a sweep reclaimed.
type SweepResult struct {
	Expired  int `json:"expired"`
	Orphaned int `json:"orphaned"`
}

// Store is the session registry.
type Store struct {
	cfg     Config
	logger  *logging.Logger
	sink    audit.Sink
	durable Durable // nil means cache-only

	mu    sync.RWMutex
	cache *lruCache
}

// NewStore creates a session store. durable may be nil.
func NewStore(cfg Config, logger *logging.Logger, sink audit.Sink, durable Durable) *Store {
	return &Store{
		cfg:     cfg,
		logger:  logger,
		sink:    sink,
		durable: durable,
		cache:   newLRUCache(cfg.CacheCapacity),
	}
}

// Create makes a new session owned by a user and stores it.
func (s *Store) Create(ctx context.Context, name, ownerID string, metadata map[string]interface{}) Snapshot {
	now := time.Now()
	sess := &Session{
		ID:            string(id.NewSessionID()),
		Name:          name,
		OwnerID:       ownerID,
		Connections:   make(map[string]struct{}),
		CreatedAt:     now,
		LastAccessed:  now,
		Metadata:      metadata,
		orphanedSince: now,
	}

	s.mu.Lock()
	evicted := s.cache.put(sess.ID, sess)
	s.mu.Unlock()

	if evicted != nil {
		s.logger.Debug("session evicted from cache", zap.String("session_id", evicted.ID))
	}
	s.mirror(ctx, sess)

	s.sink.Record(audit.Event{
		Severity: audit.SeverityInfo,
		Source:   "session-store",
		Action:   "create",
		Outcome:  audit.OutcomeAllowed,
		Subject:  ownerID,
		Fields:   map[string]interface{}{"session_id": sess.ID, "name": name},
	})
	return snapshot(sess)
}

// Put stores an externally constructed session, replacing any existing
// entry with the same ID.
func (s *Store) Put(ctx context.Context, snap Snapshot) {
	sess := fromSnapshot(snap)
	if len(sess.Connections) == 0 {
		sess.orphanedSince = time.Now()
	}

	s.mu.Lock()
	s.cache.put(sess.ID, sess)
	s.mu.Unlock()

	s.mirror(ctx, sess)
}

// Get returns a session, consulting the durable store on cache miss.
// A durable hit repopulates the cache and refreshes the record's TTL.
func (s *Store) Get(ctx context.Context, sessionID string) (Snapshot, bool) {
	s.mu.Lock()
	if sess, ok := s.cache.get(sessionID); ok {
		sess.LastAccessed = time.Now()
		snap := snapshot(sess)
		s.mu.Unlock()
		if s.durable != nil {
			if err := s.durable.RefreshTTL(ctx, sessionID, s.cfg.TTL); err != nil {
				s.logger.Warn("durable TTL refresh failed", zap.String("session_id", sessionID), zap.Error(err))
			}
		}
		return snap, true
	}
	s.mu.Unlock()

	if s.durable == nil {
		return Snapshot{}, false
	}

	record, err := s.durable.Get(ctx, sessionID)
	if err != nil {
		s.logger.Warn("durable read failed, serving cache only",
			zap.String("session_id", sessionID), zap.Error(err))
		return Snapshot{}, false
	}
	if record == nil {
		return Snapshot{}, false
	}

	sess := fromRecord(record)
	sess.LastAccessed = time.Now()

	s.mu.Lock()
	s.cache.put(sess.ID, sess)
	snap := snapshot(sess)
	s.mu.Unlock()

	if err := s.durable.RefreshTTL(ctx, sessionID, s.cfg.TTL); err != nil {
		s.logger.Warn("durable TTL refresh failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	return snap, true
}

// Update applies a patch to a session under the store lock.
func (s *Store) Update(ctx context.Context, sessionID string, patch func(*Session)) error {
	s.mu.Lock()
	sess, ok := s.cache.peek(sessionID)
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	patch(sess)
	sess.LastAccessed = time.Now()
	s.mu.Unlock()

	s.mirror(ctx, sess)
	return nil
}

// Remove deletes a session from cache and durable store.
func (s *Store) Remove(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	sess, ok := s.cache.peek(sessionID)
	s.cache.remove(sessionID)
	s.mu.Unlock()

	if s.durable != nil {
		if err := s.durable.Remove(ctx, sessionID); err != nil {
			s.logger.Warn("durable remove failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	if !ok {
		return ErrNotFound
	}

	s.sink.Record(audit.Event{
		Severity: audit.SeverityInfo,
		Source:   "session-store",
		Action:   "remove",
		Outcome:  audit.OutcomeAllowed,
		Subject:  sess.OwnerID,
		Fields:   map[string]interface{}{"session_id": sessionID},
	})
	return nil
}

// Attach binds a connection to a session.
func (s *Store) Attach(ctx context.Context, sessionID, connectionID string) error {
	return s.Update(ctx, sessionID, func(sess *Session) {
		sess.Connections[connectionID] = struct{}{}
		sess.orphanedSince = time.Time{}
	})
}

// Detach unbinds a connection. A session whose last connection detaches
// starts its orphan grace period; the session itself survives so a
// later connection can reattach.
func (s *Store) Detach(ctx context.Context, sessionID, connectionID string) error {
	return s.Update(ctx, sessionID, func(sess *Session) {
		delete(sess.Connections, connectionID)
		if len(sess.Connections) == 0 {
			sess.orphanedSince = time.Now()
		}
	})
}

// DetachAll removes a connection from every session referencing it.
// Used when a connection closes without naming its sessions.
func (s *Store) DetachAll(ctx context.Context, connectionID string) []string {
	now := time.Now()

	s.mu.Lock()
	var touched []*Session
	s.cache.each(func(_ string, sess *Session) {
		if _, ok := sess.Connections[connectionID]; ok {
			delete(sess.Connections, connectionID)
			if len(sess.Connections) == 0 {
				sess.orphanedSince = now
			}
			touched = append(touched, sess)
		}
	})
	ids := make([]string, len(touched))
	for i, sess := range touched {
		ids[i] = sess.ID
	}
	s.mu.Unlock()

	for _, sess := range touched {
		s.mirror(ctx, sess)
	}
	return ids
}

// ListByOwner returns all cached sessions owned by a user.
func (s *Store) ListByOwner(userID string) []Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Snapshot
	s.cache.each(func(_ string, sess *Session) {
		if sess.OwnerID == userID {
			out = append(out, snapshot(sess))
		}
	})
	return out
}

// ClearAffinity clears backend affinity on every session served by a
// backend, so unregistering a backend never leaves dangling references.
func (s *Store) ClearAffinity(ctx context.Context, backendID string) int {
	s.mu.Lock()
	var touched []*Session
	s.cache.each(func(_ string, sess *Session) {
		if sess.BackendID == backendID {
			sess.BackendID = ""
			touched = append(touched, sess)
		}
	})
	s.mu.Unlock()

	for _, sess := range touched {
		s.mirror(ctx, sess)
	}
	return len(touched)
}

// Sweep reclaims expired and orphaned sessions through the common
// remove path so cache and durable store stay consistent.
func (s *Store) Sweep(ctx context.Context) SweepResult {
	now := time.Now()

	s.mu.RLock()
	var expired, orphaned []string
	s.cache.each(func(sid string, sess *Session) {
		switch {
		case now.Sub(sess.LastAccessed) > s.cfg.TTL:
			expired = append(expired, sid)
		case len(sess.Connections) == 0 && !sess.orphanedSince.IsZero() &&
			now.Sub(sess.orphanedSince) > s.cfg.OrphanGrace:
			orphaned = append(orphaned, sid)
		}
	})
	s.mu.RUnlock()

	for _, sid := range expired {
		_ = s.Remove(ctx, sid)
	}
	for _, sid := range orphaned {
		_ = s.Remove(ctx, sid)
	}

	result := SweepResult{Expired: len(expired), Orphaned: len(orphaned)}
	if result.Expired > 0 || result.Orphaned > 0 {
		s.logger.Info("session sweep reclaimed sessions",
			zap.Int("expired", result.Expired),
			zap.Int("orphaned", result.Orphaned),
		)
	}
	return result
}

// Len returns the number of cached sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cache.len()
}

// mirror writes a session through to the durable store, degrading to
// cache-only on failure.
func (s *Store) mirror(ctx context.Context, sess *Session) {
	if s.durable == nil {
		return
	}
	s.mu.RLock()
	record := toRecord(sess)
	s.mu.RUnlock()

	if err := s.durable.Put(ctx, record, s.cfg.TTL); err != nil {
		s.logger.Warn("durable write failed, continuing cache-only",
			zap.String("session_id", record.ID), zap.Error(err))
	}
}

func snapshot(sess *Session) Snapshot {
	conns := make([]string, 0, len(sess.Connections))
	for cid := range sess.Connections {
		conns = append(conns, cid)
	}
	return Snapshot{
		ID:           sess.ID,
		Name:         sess.Name,
		OwnerID:      sess.OwnerID,
		BackendID:    sess.BackendID,
		Connections:  conns,
		CreatedAt:    sess.CreatedAt,
		LastAccessed: sess.LastAccessed,
		Metadata:     sess.Metadata,
	}
}

func fromSnapshot(snap Snapshot) *Session {
	conns := make(map[string]struct{}, len(snap.Connections))
	for _, cid := range snap.Connections {
		conns[cid] = struct{}{}
	}
	sess := &Session{
		ID:           snap.ID,
		Name:         snap.Name,
		OwnerID:      snap.OwnerID,
		BackendID:    snap.BackendID,
		Connections:  conns,
		CreatedAt:    snap.CreatedAt,
		LastAccessed: snap.LastAccessed,
		Metadata:     snap.Metadata,
	}
	return sess
}

func toRecord(sess *Session) *Record {
	conns := make([]string, 0, len(sess.Connections))
	for cid := range sess.Connections {
		conns = append(conns, cid)
	}
	return &Record{
		ID:           sess.ID,
		Name:         sess.Name,
		OwnerID:      sess.OwnerID,
		BackendID:    sess.BackendID,
		Connections:  conns,
		CreatedAt:    sess.CreatedAt,
		LastAccessed: sess.LastAccessed,
		Metadata:     sess.Metadata,
	}
}

func fromRecord(record *Record) *Session {
	sess := fromSnapshot(Snapshot{
		ID:           record.ID,
		Name:         record.Name,
		OwnerID:      record.OwnerID,
		BackendID:    record.BackendID,
		Connections:  record.Connections,
		CreatedAt:    record.CreatedAt,
		LastAccessed: record.LastAccessed,
		Metadata:     record.Metadata,
	})
	if len(sess.Connections) == 0 {
		sess.orphanedSince = time.Now()
	}
	return sess
}
