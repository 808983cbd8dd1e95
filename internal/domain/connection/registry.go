// Package connection implements admission control, per-source rate
// limiting and abuse detection for raw client connections.
//
// The registry owns connection records exclusively; the gateway and the
// session store reference connections by ID only. The registry never
// closes sockets itself: it signals over the event bus and the gateway
// performs the close.
package connection

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/voxterm/gateway/internal/infrastructure/audit"
	"github.com/voxterm/gateway/internal/infrastructure/events"
	"github.com/voxterm/gateway/internal/infrastructure/logging"
)

var (
	ErrCapacity       = errors.New("global connection ceiling reached")
	ErrSourceCapacity = errors.New("per-source connection ceiling reached")
	ErrSourceBlocked  = errors.New("source address is blocked")
	ErrNotFound       = errors.New("connection not found")
)

// Activity classifies what RecordActivity is counting.
type Activity int

const (
	ActivityMessage Activity = iota
	ActivityError
)

// Connection is one physical client link. Fields are mutated only
// under the registry lock.
type Connection struct {
	ID            string
	Source        string
	FirstSeen     time.Time
	LastActivity  time.Time
	Messages      int64
	Errors        int64
	Authenticated bool
	UserID        string
	SessionID     string
}

// Config holds registry tunables.
type Config struct {
	MaxConnections     int
	MaxPerSource       int
	IdleTimeout        time.Duration
	MessagesPerMinute  int
	AbuseBlockDuration time.Duration
	// AdmissionsPerSecond bounds how fast one source may attempt new
	// connections, independent of the per-source ceiling.
	AdmissionsPerSecond float64
	AdmissionBurst      int
}

// Registry tracks live connections and blocked sources.
type Registry struct {
	cfg    Config
	logger *logging.Logger
	sink   audit.Sink
	bus    *events.Bus

	mu       sync.RWMutex
	conns    map[string]*Connection
	bySource map[string]int
	blocked  map[string]time.Time
	limiters map[string]*rate.Limiter
}

// NewRegistry creates a connection registry.
func NewRegistry(cfg Config, logger *logging.Logger, sink audit.Sink, bus *events.Bus) *Registry {
	if cfg.AdmissionsPerSecond <= 0 {
		cfg.AdmissionsPerSecond = 5
	}
	if cfg.AdmissionBurst <= 0 {
		cfg.AdmissionBurst = 10
	}
	return &Registry{
		cfg:      cfg,
		logger:   logger,
		sink:     sink,
		bus:      bus,
		conns:    make(map[string]*Connection),
		bySource: make(map[string]int),
		blocked:  make(map[string]time.Time),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Admit decides whether a new connection from source may be accepted.
// It must be called before Register.
func (r *Registry) Admit(source string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.admitLocked(source); err != nil {
		r.sink.Record(audit.Event{
			Severity: audit.SeverityWarning,
			Source:   "connection-registry",
			Action:   "admit",
			Outcome:  audit.OutcomeDenied,
			Risk:     40,
			Address:  source,
			Detail:   err.Error(),
		})
		return err
	}

	r.sink.Record(audit.Event{
		Severity: audit.SeverityInfo,
		Source:   "connection-registry",
		Action:   "admit",
		Outcome:  audit.OutcomeAllowed,
		Address:  source,
	})
	return nil
}

func (r *Registry) admitLocked(source string) error {
	if until, ok := r.blocked[source]; ok {
		if time.Now().Before(until) {
			return ErrSourceBlocked
		}
		delete(r.blocked, source)
	}

	if len(r.conns) >= r.cfg.MaxConnections {
		return ErrCapacity
	}
	if r.bySource[source] >= r.cfg.MaxPerSource {
		return ErrSourceCapacity
	}

	limiter, ok := r.limiters[source]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(r.cfg.AdmissionsPerSecond), r.cfg.AdmissionBurst)
		r.limiters[source] = limiter
	}
	if !limiter.Allow() {
		return ErrSourceBlocked
	}

	return nil
}

// Register records a newly established connection.
func (r *Registry) Register(id, source string) *Connection {
	now := time.Now()
	conn := &Connection{
		ID:           id,
		Source:       source,
		FirstSeen:    now,
		LastActivity: now,
	}

	r.mu.Lock()
	r.conns[id] = conn
	r.bySource[source]++
	r.mu.Unlock()

	return conn
}

// Unregister removes a connection. The reason is audited.
func (r *Registry) Unregister(id, reason string) {
	r.mu.Lock()
	conn, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
		if r.bySource[conn.Source] <= 1 {
			delete(r.bySource, conn.Source)
		} else {
			r.bySource[conn.Source]--
		}
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	r.sink.Record(audit.Event{
		Severity: audit.SeverityInfo,
		Source:   "connection-registry",
		Action:   "unregister",
		Outcome:  audit.OutcomeAllowed,
		Address:  conn.Source,
		Detail:   reason,
		Fields:   map[string]interface{}{"connection_id": id},
	})
}

// Bind marks a connection authenticated and associates it with a user.
func (r *Registry) Bind(id, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[id]
	if !ok {
		return ErrNotFound
	}
	conn.Authenticated = true
	conn.UserID = userID
	return nil
}

// SetSession associates a connection with a session, or clears the
// association when sessionID is empty.
func (r *Registry) SetSession(id, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[id]
	if !ok {
		return ErrNotFound
	}
	conn.SessionID = sessionID
	return nil
}

// Get returns a snapshot of a connection record.
func (r *Registry) Get(id string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[id]
	if !ok {
		return Connection{}, false
	}
	return *conn, true
}

// RecordActivity bumps the message or error counter for a connection
// and evaluates the abuse heuristics. Either heuristic blocks the
// source and signals "should close" for every connection from it.
func (r *Registry) RecordActivity(id string, kind Activity) {
	r.mu.Lock()

	conn, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return
	}

	conn.LastActivity = time.Now()
	switch kind {
	case ActivityError:
		conn.Errors++
	default:
		conn.Messages++
	}

	suspicious, reason := r.evaluateLocked(conn)
	var victims []string
	source := conn.Source
	if suspicious {
		r.blockLocked(source, r.cfg.AbuseBlockDuration)
		victims = r.connectionsFromLocked(source)
	}
	r.mu.Unlock()

	if !suspicious {
		return
	}

	r.logger.Warn("suspicious activity detected",
		zap.String("connection_id", id),
		zap.String("source", source),
		zap.String("reason", reason),
	)
	r.sink.Record(audit.Event{
		Severity: audit.SeverityCritical,
		Source:   "connection-registry",
		Action:   "abuse-detected",
		Outcome:  audit.OutcomeDenied,
		Risk:     80,
		Address:  source,
		Detail:   reason,
	})
	r.bus.Publish(events.Event{
		Kind:          events.KindSuspiciousActivity,
		Address:       source,
		ConnectionIDs: victims,
		Detail:        reason,
	})
}

// evaluateLocked runs the two anomaly heuristics against a connection.
func (r *Registry) evaluateLocked(conn *Connection) (bool, string) {
	// Error ratio: more than half of all traffic failing, once enough
	// errors accumulated to be meaningful.
	if conn.Errors >= 10 {
		total := conn.Messages + conn.Errors
		if total > 0 && float64(conn.Errors)/float64(total) > 0.5 {
			return true, "error ratio exceeded 50%"
		}
	}

	// Message rate over the connection's lifetime, floored at one
	// minute so short-lived bursts are judged against a full window.
	if r.cfg.MessagesPerMinute > 0 {
		minutes := time.Since(conn.FirstSeen).Minutes()
		if minutes < 1 {
			minutes = 1
		}
		if float64(conn.Messages)/minutes > float64(r.cfg.MessagesPerMinute) {
			return true, "message rate ceiling exceeded"
		}
	}

	return false, ""
}

// BlockSource blocks a source address for the given duration.
func (r *Registry) BlockSource(source string, duration time.Duration) {
	r.mu.Lock()
	r.blockLocked(source, duration)
	r.mu.Unlock()
}

func (r *Registry) blockLocked(source string, duration time.Duration) {
	r.blocked[source] = time.Now().Add(duration)
	r.sink.Record(audit.Event{
		Severity: audit.SeverityWarning,
		Source:   "connection-registry",
		Action:   "block-source",
		Outcome:  audit.OutcomeDenied,
		Risk:     60,
		Address:  source,
		Fields:   map[string]interface{}{"duration": duration.String()},
	})
	r.bus.Publish(events.Event{
		Kind:    events.KindSourceBlocked,
		Address: source,
		Detail:  duration.String(),
	})
}

// IsBlocked reports whether a source address is currently blocked.
func (r *Registry) IsBlocked(source string) bool {
	r.mu.RLock()
	until, ok := r.blocked[source]
	r.mu.RUnlock()

	return ok && time.Now().Before(until)
}

func (r *Registry) connectionsFromLocked(source string) []string {
	var ids []string
	for id, conn := range r.conns {
		if conn.Source == source {
			ids = append(ids, id)
		}
	}
	return ids
}

// Sweep signals a close for every connection idle past the timeout and
// prunes expired blocks and stale limiters. Returns the IDs signalled.
func (r *Registry) Sweep() []string {
	now := time.Now()

	r.mu.Lock()
	var idle []string
	for id, conn := range r.conns {
		if now.Sub(conn.LastActivity) > r.cfg.IdleTimeout {
			idle = append(idle, id)
		}
	}
	for source, until := range r.blocked {
		if now.After(until) {
			delete(r.blocked, source)
		}
	}
	for source := range r.limiters {
		if r.bySource[source] == 0 {
			delete(r.limiters, source)
		}
	}
	r.mu.Unlock()

	if len(idle) > 0 {
		r.bus.Publish(events.Event{
			Kind:          events.KindIdleTimeout,
			ConnectionIDs: idle,
			Detail:        "idle timeout",
		})
	}
	return idle
}

// Stats is a point-in-time view of the registry.
type Stats struct {
	Active         int `json:"active"`
	BlockedSources int `json:"blocked_sources"`
	Sources        int `json:"sources"`
}

// Stats returns current registry statistics.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return Stats{
		Active:         len(r.conns),
		BlockedSources: len(r.blocked),
		Sources:        len(r.bySource),
	}
}
