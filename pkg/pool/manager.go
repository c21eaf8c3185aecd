package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/edforman-75/bentham-sub003/pkg/contracts"
	"github.com/edforman-75/bentham-sub003/pkg/events"
	"github.com/edforman-75/bentham-sub003/pkg/observability"
)

// SystemHealth is a snapshot across every pool.
type SystemHealth struct {
	Score        float64               `json:"score"`
	Capabilities map[string]PoolHealth `json:"capabilities"`
	Unavailable  []string              `json:"unavailable,omitempty"`
	CheckedAt    time.Time             `json:"checked_at"`
}

// Manager owns one pool per capability (surface) id. Pools are created on
// first registration and dropped with their last adapter.
type Manager struct {
	cfg Config

	mu    sync.RWMutex
	pools map[string]*Pool

	// last is the snapshot the health-change detector diffs against.
	lastMu sync.Mutex
	last   *SystemHealth

	bus     *events.Bus
	metrics *observability.Metrics
	base    *slog.Logger
	logger  *slog.Logger
	clock   func() time.Time
}

// NewManager creates an empty manager.
func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:    cfg,
		pools:  make(map[string]*Pool),
		bus:    events.NewBus("health"),
		base:   slog.Default(),
		logger: slog.Default().With("component", "pool_manager"),
		clock:  time.Now,
	}
}

// WithClock overrides the clock for deterministic testing. Existing and
// future pools share it.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	m.bus.WithClock(clock)
	m.mu.RLock()
	for _, p := range m.pools {
		p.WithClock(clock)
	}
	m.mu.RUnlock()
	return m
}

// WithLogger overrides the structured logger.
func (m *Manager) WithLogger(logger *slog.Logger) *Manager {
	m.base = logger
	m.logger = logger.With("component", "pool_manager")
	m.bus.WithLogger(logger)
	return m
}

// WithMetrics attaches metric instruments to every pool.
func (m *Manager) WithMetrics(metrics *observability.Metrics) *Manager {
	m.metrics = metrics
	return m
}

// Events exposes the health-change bus.
func (m *Manager) Events() *events.Bus { return m.bus }

// Register adds an adapter to the pool for surfaceID, creating the pool if
// needed.
func (m *Manager) Register(surfaceID, adapterID string, backend contracts.Backend, priority int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[surfaceID]
	if !ok {
		p = NewPool(surfaceID, m.cfg).WithClock(m.clock).WithMetrics(m.metrics).WithLogger(m.base)
		m.pools[surfaceID] = p
	}
	if err := p.Add(adapterID, backend, priority); err != nil {
		return err
	}
	m.logger.Info("adapter registered", "surface", surfaceID, "adapter_id", adapterID, "priority", priority)
	return nil
}

// Unregister removes and closes an adapter. The pool goes with its last
// adapter.
func (m *Manager) Unregister(surfaceID, adapterID string) error {
	m.mu.Lock()
	p, ok := m.pools[surfaceID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s/%s", ErrAdapterNotFound, surfaceID, adapterID)
	}
	backend, err := p.Remove(adapterID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if p.Len() == 0 {
		delete(m.pools, surfaceID)
	}
	m.mu.Unlock()

	if err := backend.Close(); err != nil {
		return fmt.Errorf("close %s/%s: %w", surfaceID, adapterID, err)
	}
	return nil
}

// Pool returns the pool for surfaceID.
func (m *Manager) Pool(surfaceID string) (*Pool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[surfaceID]
	return p, ok
}

// Surfaces lists capability ids with at least one adapter, sorted.
func (m *Manager) Surfaces() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.pools))
	for id := range m.pools {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Query routes a request to the pool for surfaceID.
func (m *Manager) Query(ctx context.Context, surfaceID string, req contracts.QueryRequest) (*contracts.QueryResponse, error) {
	p, ok := m.Pool(surfaceID)
	if !ok {
		return nil, contracts.ServiceUnavailable(fmt.Sprintf("no pool for surface %s", surfaceID))
	}
	req.SurfaceID = surfaceID
	return p.Query(ctx, req)
}

// QueryWithFallback tries capabilities in order. It stops at the first
// success or the first non-retryable error. Running out of capabilities
// yields a retryable SERVICE_UNAVAILABLE, as does an empty list.
func (m *Manager) QueryWithFallback(ctx context.Context, surfaceIDs []string, req contracts.QueryRequest) (*contracts.QueryResponse, error) {
	if len(surfaceIDs) == 0 {
		return nil, contracts.ServiceUnavailable("no capabilities given")
	}
	var lastErr error
	for _, id := range surfaceIDs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		resp, err := m.Query(ctx, id, req)
		if err == nil {
			return resp, nil
		}
		var qe *contracts.QueryError
		if errors.As(err, &qe) && !qe.Retryable {
			return nil, err
		}
		lastErr = err
		m.logger.DebugContext(ctx, "capability failed, falling back",
			"surface", id,
			"job_id", req.JobID,
			"error", err,
		)
	}
	return nil, contracts.ServiceUnavailable(fmt.Sprintf("all %d capabilities failed, last: %v", len(surfaceIDs), lastErr))
}

// SystemHealth snapshots every pool. The system score is the mean of the
// per-capability scores.
func (m *Manager) SystemHealth() SystemHealth {
	m.mu.RLock()
	pools := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.RUnlock()

	h := SystemHealth{
		Capabilities: make(map[string]PoolHealth, len(pools)),
		CheckedAt:    m.clock(),
	}
	var sum float64
	for _, p := range pools {
		ph := p.Health()
		h.Capabilities[p.SurfaceID()] = ph
		sum += ph.Score
		if !ph.CanServe() {
			h.Unavailable = append(h.Unavailable, p.SurfaceID())
		}
	}
	if len(pools) > 0 {
		h.Score = sum / float64(len(pools))
	}
	sort.Strings(h.Unavailable)
	return h
}

// CheckHealthChanges diffs the current snapshot against the one stored by
// the previous call and emits an event for each boundary crossed. The first
// call only records a baseline.
func (m *Manager) CheckHealthChanges() []contracts.Event {
	cur := m.SystemHealth()

	m.lastMu.Lock()
	prev := m.last
	m.last = &cur
	m.lastMu.Unlock()

	if prev == nil {
		return nil
	}

	var out []contracts.Event
	emit := func(t contracts.EventType, subject string, details map[string]any) {
		out = append(out, m.bus.Emit(t, subject, details))
	}

	for _, id := range sortedKeys(prev.Capabilities) {
		was := prev.Capabilities[id]
		now, ok := cur.Capabilities[id]
		if !ok {
			if was.CanServe() {
				emit(contracts.EventCapabilityUnavailable, id, map[string]any{"reason": "no adapters registered"})
			}
			continue
		}
		switch {
		case was.CanServe() && !now.CanServe():
			emit(contracts.EventCapabilityUnavailable, id, map[string]any{"score": now.Score})
		case !was.CanServe() && now.CanServe():
			emit(contracts.EventCapabilityAvailable, id, map[string]any{"score": now.Score})
		}
		switch {
		case was.Score >= m.cfg.HealthyThreshold && now.Score < m.cfg.HealthyThreshold:
			emit(contracts.EventCapabilityDegraded, id, map[string]any{"previous_score": was.Score, "score": now.Score})
		case was.Score < m.cfg.HealthyThreshold && now.Score >= m.cfg.HealthyThreshold:
			emit(contracts.EventCapabilityRecovered, id, map[string]any{"previous_score": was.Score, "score": now.Score})
		}

		before := make(map[string]AdapterStatus, len(was.Adapters))
		for _, a := range was.Adapters {
			before[a.ID] = a
		}
		for _, a := range now.Adapters {
			b, ok := before[a.ID]
			if !ok {
				continue
			}
			details := map[string]any{
				"surface":        id,
				"previous_score": b.Score,
				"score":          a.Score,
				"circuit":        string(a.Circuit),
			}
			switch {
			case b.Score >= m.cfg.DegradedThreshold && a.Score < m.cfg.DegradedThreshold:
				emit(contracts.EventAdapterUnhealthy, a.ID, details)
			case b.Score < m.cfg.DegradedThreshold && a.Score >= m.cfg.DegradedThreshold:
				emit(contracts.EventAdapterRecovered, a.ID, details)
			}
		}
	}
	for _, id := range sortedKeys(cur.Capabilities) {
		if _, ok := prev.Capabilities[id]; ok {
			continue
		}
		if cur.Capabilities[id].CanServe() {
			emit(contracts.EventCapabilityAvailable, id, map[string]any{"score": cur.Capabilities[id].Score})
		}
	}

	for _, evt := range out {
		m.logger.Info("health change", "event", evt.Type, "subject_id", evt.SubjectID)
	}
	return out
}

func sortedKeys(m map[string]PoolHealth) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// StartHealthMonitor polls CheckHealthChanges every interval until ctx is
// cancelled. It returns immediately.
func (m *Manager) StartHealthMonitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	m.CheckHealthChanges()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.CheckHealthChanges()
			}
		}
	}()
}

// Close closes every backend and removes every pool.
func (m *Manager) Close() error {
	m.mu.Lock()
	pools := m.pools
	m.pools = make(map[string]*Pool)
	m.mu.Unlock()

	var errs []error
	for _, p := range pools {
		if err := p.closeAll(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
