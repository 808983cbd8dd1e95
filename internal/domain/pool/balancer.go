// Package pool maintains the registry of backend executor instances,
// health-checks them, selects one per request under a pluggable
// strategy, and trips a per-backend circuit breaker on repeated failure.
//
// Health checks and the breaker are independent gates: a backend must
// pass both to be eligible for selection. Selection itself only reads
// cached state and never blocks on I/O.
package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/voxterm/gateway/internal/executor"
	"github.com/voxterm/gateway/internal/infrastructure/audit"
	"github.com/voxterm/gateway/internal/infrastructure/events"
	"github.com/voxterm/gateway/internal/infrastructure/logging"
)

var (
	ErrUnavailable    = errors.New("no eligible backend available")
	ErrDuplicate      = errors.New("backend already registered")
	ErrUnknownBackend = errors.New("backend not registered")
)

// ewmaAlpha is the smoothing factor for response times:
// new = alpha*sample + (1-alpha)*old.
const ewmaAlpha = 0.1

// Config holds balancer tunables.
type Config struct {
	Strategy            string
	FailoverThreshold   int
	BreakerThreshold    int
	BreakerOpenDuration time.Duration
	HealthCheckInterval time.Duration
	HealthCheckTimeout  time.Duration
	DrainTimeout        time.Duration
	// OnUnregister runs after a backend leaves the pool, so dependents
	// (session affinity) can clean up.
	OnUnregister func(backendID string)
}

// instance is the balancer's book-keeping for one backend.
type instance struct {
	id   string
	exec executor.Executor

	mu                  sync.Mutex
	healthy             bool
	lastLatency         time.Duration
	consecutiveFailures int
	active              int
	ewmaMs              float64
	totalRequests       int64
	failedRequests      int64
	draining            bool

	breaker *breaker
}

func (i *instance) errorRate() float64 {
	if i.totalRequests == 0 {
		return 0
	}
	return float64(i.failedRequests) / float64(i.totalRequests)
}

// Handle is a selected backend the caller runs a command on.
type Handle struct {
	ID   string
	exec executor.Executor
}

// Run forwards a command to the selected backend.
func (h *Handle) Run(ctx context.Context, cmd executor.Command) (*executor.Result, error) {
	return h.exec.Run(ctx, cmd)
}

// BackendStats is a point-in-time view of one backend.
type BackendStats struct {
	ID                  string  `json:"id"`
	Healthy             bool    `json:"healthy"`
	BreakerState        string  `json:"breaker_state"`
	Active              int     `json:"active"`
	EWMAResponseMs      float64 `json:"ewma_response_ms"`
	ErrorRate           float64 `json:"error_rate"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	TotalRequests       int64   `json:"total_requests"`
	FailedRequests      int64   `json:"failed_requests"`
	LastLatencyMs       int64   `json:"last_latency_ms"`
}

// Stats is the balancer-wide view.
type Stats struct {
	Strategy   string         `json:"strategy"`
	Registered int            `json:"registered"`
	Healthy    int            `json:"healthy"`
	Backends   []BackendStats `json:"backends"`
}

// Balancer is the backend pool.
type Balancer struct {
	cfg      Config
	strategy Strategy
	logger   *logging.Logger
	sink     audit.Sink
	bus      *events.Bus

	mu        sync.RWMutex
	instances map[string]*instance
	order     []string // registration order, for deterministic rotation
}

// NewBalancer creates a balancer with the configured strategy.
func NewBalancer(cfg Config, logger *logging.Logger, sink audit.Sink, bus *events.Bus) (*Balancer, error) {
	strategy, err := NewStrategy(cfg.Strategy)
	if err != nil {
		return nil, err
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 10 * time.Second
	}
	return &Balancer{
		cfg:       cfg,
		strategy:  strategy,
		logger:    logger,
		sink:      sink,
		bus:       bus,
		instances: make(map[string]*instance),
	}, nil
}

// Register adds a backend to the pool. New backends start healthy and
// closed; the first health-check pass corrects optimism.
func (b *Balancer) Register(backendID string, exec executor.Executor) error {
	inst := &instance{
		id:      backendID,
		exec:    exec,
		healthy: true,
	}
	inst.breaker = newBreaker(b.cfg.BreakerThreshold, b.cfg.BreakerOpenDuration, func(from, to BreakerState) {
		b.onBreakerTransition(backendID, from, to)
	})

	b.mu.Lock()
	if _, exists := b.instances[backendID]; exists {
		b.mu.Unlock()
		return ErrDuplicate
	}
	b.instances[backendID] = inst
	b.order = append(b.order, backendID)
	b.mu.Unlock()

	b.logger.Info("backend registered", zap.String("backend_id", backendID))
	return nil
}

// Unregister drains a backend and removes it from the pool. Draining
// waits for in-flight requests up to the drain timeout, then shuts the
// executor down regardless.
func (b *Balancer) Unregister(ctx context.Context, backendID string) error {
	b.mu.Lock()
	inst, ok := b.instances[backendID]
	b.mu.Unlock()
	if !ok {
		return ErrUnknownBackend
	}

	inst.mu.Lock()
	inst.draining = true
	inst.mu.Unlock()

	b.drain(ctx, inst)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), b.cfg.DrainTimeout)
	defer cancel()
	if err := inst.exec.Shutdown(shutdownCtx); err != nil {
		b.logger.Warn("backend shutdown error", zap.String("backend_id", backendID), zap.Error(err))
	}

	b.mu.Lock()
	delete(b.instances, backendID)
	for i, oid := range b.order {
		if oid == backendID {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	b.mu.Unlock()

	if b.cfg.OnUnregister != nil {
		b.cfg.OnUnregister(backendID)
	}
	b.logger.Info("backend unregistered", zap.String("backend_id", backendID))
	return nil
}

// drain waits for a backend's active count to hit zero, bounded by the
// drain timeout and the caller's context.
func (b *Balancer) drain(ctx context.Context, inst *instance) {
	deadline := time.Now().Add(b.cfg.DrainTimeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		inst.mu.Lock()
		active := inst.active
		inst.mu.Unlock()
		if active == 0 || time.Now().After(deadline) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Select picks an eligible backend. Eligible means: health check
// passing, breaker not open (a half-open backend admits one probe),
// consecutive failures below the failover threshold, not draining.
func (b *Balancer) Select() (*Handle, error) {
	b.mu.RLock()
	eligible := make([]*instance, 0, len(b.order))
	views := make([]candidate, 0, len(b.order))
	for _, backendID := range b.order {
		inst := b.instances[backendID]
		inst.mu.Lock()
		ok := inst.healthy && !inst.draining && inst.consecutiveFailures < b.cfg.FailoverThreshold
		view := candidate{
			id:        inst.id,
			active:    inst.active,
			errorRate: inst.errorRate(),
			ewmaMs:    inst.ewmaMs,
		}
		inst.mu.Unlock()
		if !ok || !inst.breaker.selectable() {
			continue
		}
		eligible = append(eligible, inst)
		views = append(views, view)
	}
	b.mu.RUnlock()

	if len(eligible) == 0 {
		b.sink.Record(audit.Event{
			Severity: audit.SeverityWarning,
			Source:   "pool",
			Action:   "select",
			Outcome:  audit.OutcomeError,
			Risk:     40,
			Detail:   "no eligible backend",
		})
		return nil, ErrUnavailable
	}

	picked := b.strategy.Pick(views)
	var inst *instance
	for _, e := range eligible {
		if e.id == picked.id {
			inst = e
			break
		}
	}

	// A half-open backend admits exactly one probe; losing the race
	// means this selection fails closed rather than doubling up.
	if !inst.breaker.tryAcquire() {
		return nil, ErrUnavailable
	}

	inst.mu.Lock()
	inst.active++
	inst.mu.Unlock()

	return &Handle{ID: inst.id, exec: inst.exec}, nil
}

// Acquire returns a handle on a specific backend if it is currently
// eligible, for callers honoring session affinity. Ineligible or
// unknown backends return ErrUnavailable so the caller can fall back
// to Select.
func (b *Balancer) Acquire(backendID string) (*Handle, error) {
	b.mu.RLock()
	inst, ok := b.instances[backendID]
	b.mu.RUnlock()
	if !ok {
		return nil, ErrUnavailable
	}

	inst.mu.Lock()
	eligible := inst.healthy && !inst.draining && inst.consecutiveFailures < b.cfg.FailoverThreshold
	inst.mu.Unlock()
	if !eligible || !inst.breaker.tryAcquire() {
		return nil, ErrUnavailable
	}

	inst.mu.Lock()
	inst.active++
	inst.mu.Unlock()

	return &Handle{ID: inst.id, exec: inst.exec}, nil
}

// RecordOutcome reports the result of a request previously issued
// against a selected backend. Must be called exactly once per Select.
func (b *Balancer) RecordOutcome(backendID string, success bool, latency time.Duration, err error) {
	b.mu.RLock()
	inst, ok := b.instances[backendID]
	b.mu.RUnlock()
	if !ok {
		return
	}

	sample := float64(latency.Milliseconds())

	inst.mu.Lock()
	if inst.active > 0 {
		inst.active--
	}
	inst.totalRequests++
	inst.lastLatency = latency
	if inst.ewmaMs == 0 {
		inst.ewmaMs = sample
	} else {
		inst.ewmaMs = ewmaAlpha*sample + (1-ewmaAlpha)*inst.ewmaMs
	}
	if success {
		inst.consecutiveFailures = 0
	} else {
		inst.failedRequests++
		inst.consecutiveFailures++
	}
	inst.mu.Unlock()

	inst.breaker.record(success)

	if !success && err != nil {
		b.logger.Debug("backend request failed",
			zap.String("backend_id", backendID),
			zap.Duration("latency", latency),
			zap.Error(err),
		)
	}
}

// onBreakerTransition publishes breaker state changes to the audit
// sink and the internal event bus.
func (b *Balancer) onBreakerTransition(backendID string, from, to BreakerState) {
	severity := audit.SeverityInfo
	risk := 10
	if to == BreakerOpen {
		severity = audit.SeverityCritical
		risk = 70
	}
	b.sink.Record(audit.Event{
		Severity: severity,
		Source:   "pool",
		Action:   "breaker-" + to.String(),
		Outcome:  audit.OutcomeAllowed,
		Risk:     risk,
		Detail:   from.String() + " -> " + to.String(),
		Fields:   map[string]interface{}{"backend_id": backendID},
	})
	b.bus.Publish(events.Event{
		Kind:      events.KindBreakerTransition,
		BackendID: backendID,
		From:      from.String(),
		To:        to.String(),
	})
}

// Start runs the health-check loop until ctx is cancelled.
func (b *Balancer) Start(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.CheckHealth(ctx)
		}
	}
}

// CheckHealth probes every registered backend concurrently, each under
// its own timeout so one hung backend cannot stall the sweep. All
// probes are awaited; individual failures are tolerated.
func (b *Balancer) CheckHealth(ctx context.Context) {
	b.mu.RLock()
	targets := make([]*instance, 0, len(b.instances))
	for _, inst := range b.instances {
		targets = append(targets, inst)
	}
	b.mu.RUnlock()

	var wg sync.WaitGroup
	for _, inst := range targets {
		wg.Add(1)
		go func(inst *instance) {
			defer wg.Done()
			b.probe(ctx, inst)
		}(inst)
	}
	wg.Wait()
}

// probe runs one health check and updates the instance. A failing
// check marks the backend unavailable without touching the breaker;
// the two signals stay independent.
func (b *Balancer) probe(ctx context.Context, inst *instance) {
	probeCtx, cancel := context.WithTimeout(ctx, b.cfg.HealthCheckTimeout)
	defer cancel()

	start := time.Now()
	err := inst.exec.HealthCheck(probeCtx)
	latency := time.Since(start)

	inst.mu.Lock()
	wasHealthy := inst.healthy
	inst.healthy = err == nil
	inst.lastLatency = latency
	inst.mu.Unlock()

	if err != nil && wasHealthy {
		b.logger.Warn("backend health check failed",
			zap.String("backend_id", inst.id),
			zap.Duration("latency", latency),
			zap.Error(err),
		)
		b.bus.Publish(events.Event{
			Kind:      events.KindHealthDegraded,
			BackendID: inst.id,
			Detail:    err.Error(),
		})
		b.sink.Record(audit.Event{
			Severity: audit.SeverityWarning,
			Source:   "pool",
			Action:   "health-degraded",
			Outcome:  audit.OutcomeError,
			Risk:     50,
			Detail:   err.Error(),
			Fields:   map[string]interface{}{"backend_id": inst.id},
		})
	} else if err == nil && !wasHealthy {
		b.logger.Info("backend recovered", zap.String("backend_id", inst.id))
		b.bus.Publish(events.Event{
			Kind:      events.KindHealthRecovered,
			BackendID: inst.id,
		})
	}
}

// Stats returns a point-in-time view of the pool.
func (b *Balancer) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := Stats{
		Strategy:   b.strategy.Name(),
		Registered: len(b.instances),
	}
	for _, backendID := range b.order {
		inst := b.instances[backendID]
		inst.mu.Lock()
		s := BackendStats{
			ID:                  inst.id,
			Healthy:             inst.healthy,
			Active:              inst.active,
			EWMAResponseMs:      inst.ewmaMs,
			ErrorRate:           inst.errorRate(),
			ConsecutiveFailures: inst.consecutiveFailures,
			TotalRequests:       inst.totalRequests,
			FailedRequests:      inst.failedRequests,
			LastLatencyMs:       inst.lastLatency.Milliseconds(),
		}
		inst.mu.Unlock()
		s.BreakerState = inst.breaker.State().String()
		if s.Healthy {
			stats.Healthy++
		}
		stats.Backends = append(stats.Backends, s)
	}
	return stats
}

// Shutdown drains and unregisters every backend.
func (b *Balancer) Shutdown(ctx context.Context) {
	b.mu.RLock()
	ids := append([]string(nil), b.order...)
	b.mu.RUnlock()

	for _, backendID := range ids {
		if err := b.Unregister(ctx, backendID); err != nil && !errors.Is(err, ErrUnknownBackend) {
			b.logger.Warn("backend unregister failed during shutdown",
				zap.String("backend_id", backendID), zap.Error(err))
		}
	}
}
