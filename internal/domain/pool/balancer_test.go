package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxterm/gateway/internal/executor"
	"github.com/voxterm/gateway/internal/infrastructure/audit"
	"github.com/voxterm/gateway/internal/infrastructure/events"
	"github.com/voxterm/gateway/internal/infrastructure/logging"
)

// fakeExec is a controllable executor for pool tests.
type fakeExec struct {
	mu        sync.Mutex
	failRun   bool
	failCheck bool
	runs      int
	shutdowns int
}

func (f *fakeExec) Run(ctx context.Context, cmd executor.Command) (*executor.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs++
	if f.failRun {
		return nil, errors.New("boom")
	}
	return &executor.Result{Success: true, Output: "ok"}, nil
}

func (f *fakeExec) HealthCheck(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCheck {
		return errors.New("unreachable")
	}
	return nil
}

func (f *fakeExec) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdowns++
	return nil
}

func (f *fakeExec) setFailCheck(fail bool) {
	f.mu.Lock()
	f.failCheck = fail
	f.mu.Unlock()
}

func newTestBalancer(t *testing.T, cfg Config) *Balancer {
	t.Helper()
	if cfg.Strategy == "" {
		cfg.Strategy = "round-robin"
	}
	if cfg.FailoverThreshold == 0 {
		cfg.FailoverThreshold = 3
	}
	if cfg.BreakerThreshold == 0 {
		cfg.BreakerThreshold = 5
	}
	if cfg.BreakerOpenDuration == 0 {
		cfg.BreakerOpenDuration = time.Minute
	}
	if cfg.HealthCheckInterval == 0 {
		cfg.HealthCheckInterval = time.Minute
	}
	if cfg.HealthCheckTimeout == 0 {
		cfg.HealthCheckTimeout = time.Second
	}
	if cfg.DrainTimeout == 0 {
		cfg.DrainTimeout = 100 * time.Millisecond
	}

	b, err := NewBalancer(cfg, logging.NewNop(), audit.NopSink{}, events.NewBus(64))
	require.NoError(t, err)
	return b
}

func TestRegisterDuplicate(t *testing.T) {
	b := newTestBalancer(t, Config{})

	require.NoError(t, b.Register("a", &fakeExec{}))
	assert.ErrorIs(t, b.Register("a", &fakeExec{}), ErrDuplicate)
}

func TestSelectRoundRobinRotates(t *testing.T) {
	b := newTestBalancer(t, Config{})
	require.NoError(t, b.Register("a", &fakeExec{}))
	require.NoError(t, b.Register("b", &fakeExec{}))

	var picked []string
	for i := 0; i < 3; i++ {
		h, err := b.Select()
		require.NoError(t, err)
		picked = append(picked, h.ID)
		b.RecordOutcome(h.ID, true, 10*time.Millisecond, nil)
	}

	assert.Equal(t, []string{"a", "b", "a"}, picked)
}

func TestSelectEmptyPool(t *testing.T) {
	b := newTestBalancer(t, Config{})

	_, err := b.Select()
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestSelectSkipsUnhealthy(t *testing.T) {
	b := newTestBalancer(t, Config{})
	sick := &fakeExec{}
	require.NoError(t, b.Register("a", sick))
	require.NoError(t, b.Register("b", &fakeExec{}))

	sick.setFailCheck(true)
	b.CheckHealth(context.Background())

	for i := 0; i < 4; i++ {
		h, err := b.Select()
		require.NoError(t, err)
		assert.Equal(t, "b", h.ID)
		b.RecordOutcome(h.ID, true, time.Millisecond, nil)
	}
}

func TestHealthRecoveryRestoresEligibility(t *testing.T) {
	b := newTestBalancer(t, Config{})
	exec := &fakeExec{}
	require.NoError(t, b.Register("a", exec))

	exec.setFailCheck(true)
	b.CheckHealth(context.Background())
	_, err := b.Select()
	require.ErrorIs(t, err, ErrUnavailable)

	exec.setFailCheck(false)
	b.CheckHealth(context.Background())
	h, err := b.Select()
	require.NoError(t, err)
	assert.Equal(t, "a", h.ID)
}

func TestFailoverThresholdExcludesBackend(t *testing.T) {
	// Failover threshold below breaker threshold: the backend drops out
	// of rotation before its breaker opens.
	b := newTestBalancer(t, Config{FailoverThreshold: 2, BreakerThreshold: 5})
	require.NoError(t, b.Register("a", &fakeExec{}))
	require.NoError(t, b.Register("b", &fakeExec{}))

	b.RecordOutcome("a", false, time.Millisecond, errors.New("boom"))
	b.RecordOutcome("a", false, time.Millisecond, errors.New("boom"))

	for i := 0; i < 3; i++ {
		h, err := b.Select()
		require.NoError(t, err)
		assert.Equal(t, "b", h.ID)
		b.RecordOutcome(h.ID, true, time.Millisecond, nil)
	}

	stats := b.Stats()
	require.Len(t, stats.Backends, 2)
	assert.Equal(t, "closed", stats.Backends[0].BreakerState)

	// One success clears the streak and restores rotation.
	b.RecordOutcome("a", true, time.Millisecond, nil)
	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		h, err := b.Select()
		require.NoError(t, err)
		seen[h.ID] = true
		b.RecordOutcome(h.ID, true, time.Millisecond, nil)
	}
	assert.True(t, seen["a"])
}

func TestBreakerOpensAndRecovers(t *testing.T) {
	b := newTestBalancer(t, Config{
		FailoverThreshold:   100, // keep the failover gate out of the way
		BreakerThreshold:    3,
		BreakerOpenDuration: 20 * time.Millisecond,
	})
	require.NoError(t, b.Register("a", &fakeExec{}))

	for i := 0; i < 3; i++ {
		b.RecordOutcome("a", false, time.Millisecond, errors.New("boom"))
	}

	_, err := b.Select()
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, "open", b.Stats().Backends[0].BreakerState)

	time.Sleep(30 * time.Millisecond)

	// Half-open admits exactly one probe.
	h, err := b.Select()
	require.NoError(t, err)
	_, err = b.Select()
	assert.ErrorIs(t, err, ErrUnavailable)

	b.RecordOutcome(h.ID, true, time.Millisecond, nil)
	assert.Equal(t, "closed", b.Stats().Backends[0].BreakerState)

	_, err = b.Select()
	assert.NoError(t, err)
}

func TestAcquireHonorsEligibility(t *testing.T) {
	b := newTestBalancer(t, Config{FailoverThreshold: 2})
	require.NoError(t, b.Register("a", &fakeExec{}))

	h, err := b.Acquire("a")
	require.NoError(t, err)
	assert.Equal(t, "a", h.ID)
	b.RecordOutcome("a", true, time.Millisecond, nil)

	_, err = b.Acquire("missing")
	assert.ErrorIs(t, err, ErrUnavailable)

	b.RecordOutcome("a", false, time.Millisecond, errors.New("boom"))
	b.RecordOutcome("a", false, time.Millisecond, errors.New("boom"))
	_, err = b.Acquire("a")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestRecordOutcomeEWMA(t *testing.T) {
	b := newTestBalancer(t, Config{})
	require.NoError(t, b.Register("a", &fakeExec{}))

	// First sample seeds the average directly.
	b.RecordOutcome("a", true, 100*time.Millisecond, nil)
	assert.InDelta(t, 100, b.Stats().Backends[0].EWMAResponseMs, 0.01)

	// Second sample: 0.1*200 + 0.9*100 = 110.
	b.RecordOutcome("a", true, 200*time.Millisecond, nil)
	assert.InDelta(t, 110, b.Stats().Backends[0].EWMAResponseMs, 0.01)
}

func TestUnregisterDrainsAndNotifies(t *testing.T) {
	var unregistered []string
	b := newTestBalancer(t, Config{
		OnUnregister: func(backendID string) {
			unregistered = append(unregistered, backendID)
		},
	})
	exec := &fakeExec{}
	require.NoError(t, b.Register("a", exec))

	require.NoError(t, b.Unregister(context.Background(), "a"))

	assert.Equal(t, []string{"a"}, unregistered)
	assert.Equal(t, 1, exec.shutdowns)
	assert.Equal(t, 0, b.Stats().Registered)
	assert.ErrorIs(t, b.Unregister(context.Background(), "a"), ErrUnknownBackend)
}

func TestStats(t *testing.T) {
	b := newTestBalancer(t, Config{Strategy: "least-connections"})
	require.NoError(t, b.Register("a", &fakeExec{}))
	require.NoError(t, b.Register("b", &fakeExec{}))

	b.RecordOutcome("a", false, 50*time.Millisecond, errors.New("boom"))

	stats := b.Stats()
	assert.Equal(t, "least-connections", stats.Strategy)
	assert.Equal(t, 2, stats.Registered)
	assert.Equal(t, 2, stats.Healthy)
	require.Len(t, stats.Backends, 2)
	assert.Equal(t, "a", stats.Backends[0].ID)
	assert.Equal(t, int64(1), stats.Backends[0].FailedRequests)
	assert.InDelta(t, 1.0, stats.Backends[0].ErrorRate, 0.001)
}

func TestHandleRunForwards(t *testing.T) {
	b := newTestBalancer(t, Config{})
	exec := &fakeExec{}
	require.NoError(t, b.Register("a", exec))

	h, err := b.Select()
	require.NoError(t, err)

	result, err := h.Run(context.Background(), executor.Command{Line: "true"})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 1, exec.runs)
}
