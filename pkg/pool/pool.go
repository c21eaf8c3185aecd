// Package pool routes queries for a surface to the best available backend
// adapter, scoring adapters by health and isolating failing ones with a
// per-adapter circuit breaker.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edforman-75/bentham-sub003/pkg/contracts"
	"github.com/edforman-75/bentham-sub003/pkg/observability"
)

var (
	ErrAdapterExists   = errors.New("adapter already registered")
	ErrAdapterNotFound = errors.New("adapter not found")
)

// Config tunes health scoring and circuit breaking.
type Config struct {
	CircuitBreakerThreshold int
	CircuitBreakerCooldown  time.Duration
	HalfOpenSuccesses       int
	WindowSize              int
	HealthyThreshold        float64
	DegradedThreshold       float64
	RoundRobin              bool
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		CircuitBreakerThreshold: 5,
		CircuitBreakerCooldown:  30 * time.Second,
		HalfOpenSuccesses:       2,
		WindowSize:              20,
		HealthyThreshold:        80,
		DegradedThreshold:       50,
	}
}

// Adapter is one backend instance inside a pool. Its health record and
// breaker form a single mutable record guarded by mu.
type Adapter struct {
	ID       string
	Priority int

	backend contracts.Backend

	mu      sync.Mutex
	enabled bool
	health  healthRecord
	breaker *CircuitBreaker
}

// AdapterStatus is a point-in-time view of an adapter.
type AdapterStatus struct {
	ID                string        `json:"id"`
	SurfaceID         string        `json:"surface_id"`
	Priority          int           `json:"priority"`
	Enabled           bool          `json:"enabled"`
	Score             float64       `json:"score"`
	Health            AdapterHealth `json:"health"`
	Circuit           CircuitState  `json:"circuit"`
	StateChangeAt     time.Time     `json:"state_change_at,omitempty"`
	ConsecutiveErrors int           `json:"consecutive_errors"`
	ErrorRate         float64       `json:"error_rate"`
	AvgResponseMs     float64       `json:"avg_response_ms"`
	TotalQueries      int64         `json:"total_queries"`
	TotalErrors       int64         `json:"total_errors"`
	LastError         string        `json:"last_error,omitempty"`
}

// PoolHealth summarizes one surface.
type PoolHealth struct {
	SurfaceID string          `json:"surface_id"`
	Score     float64         `json:"score"`
	Healthy   int             `json:"healthy"`
	Degraded  int             `json:"degraded"`
	Unhealthy int             `json:"unhealthy"`
	Adapters  []AdapterStatus `json:"adapters"`
}

// CanServe reports whether at least one adapter is healthy or degraded.
func (h PoolHealth) CanServe() bool { return h.Healthy+h.Degraded > 0 }

// Pool holds the adapters of one surface.
type Pool struct {
	surfaceID string
	cfg       Config

	mu       sync.RWMutex
	adapters []*Adapter
	rr       atomic.Uint64

	metrics *observability.Metrics
	logger  *slog.Logger
	clock   func() time.Time
}

// NewPool creates an empty pool for surfaceID.
func NewPool(surfaceID string, cfg Config) *Pool {
	return &Pool{
		surfaceID: surfaceID,
		cfg:       cfg,
		logger:    slog.Default().With("component", "pool", "surface", surfaceID),
		clock:     time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (p *Pool) WithClock(clock func() time.Time) *Pool {
	p.clock = clock
	return p
}

// WithLogger overrides the structured logger.
func (p *Pool) WithLogger(logger *slog.Logger) *Pool {
	p.logger = logger.With("component", "pool", "surface", p.surfaceID)
	return p
}

// WithMetrics attaches metric instruments.
func (p *Pool) WithMetrics(m *observability.Metrics) *Pool {
	p.metrics = m
	return p
}

// SurfaceID returns the surface this pool serves.
func (p *Pool) SurfaceID() string { return p.surfaceID }

// Add registers an enabled adapter.
func (p *Pool) Add(id string, backend contracts.Backend, priority int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range p.adapters {
		if a.ID == id {
			return fmt.Errorf("%w: %s/%s", ErrAdapterExists, p.surfaceID, id)
		}
	}
	p.adapters = append(p.adapters, &Adapter{
		ID:       id,
		Priority: priority,
		backend:  backend,
		enabled:  true,
		health:   newHealthRecord(p.cfg.WindowSize),
		breaker:  NewCircuitBreaker(p.cfg.CircuitBreakerThreshold, p.cfg.HalfOpenSuccesses, p.cfg.CircuitBreakerCooldown),
	})
	return nil
}

// Remove drops an adapter and returns its backend so the caller can close it.
func (p *Pool) Remove(id string) (contracts.Backend, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, a := range p.adapters {
		if a.ID == id {
			p.adapters = append(p.adapters[:i], p.adapters[i+1:]...)
			return a.backend, nil
		}
	}
	return nil, fmt.Errorf("%w: %s/%s", ErrAdapterNotFound, p.surfaceID, id)
}

// SetEnabled takes an adapter in or out of rotation without removing it.
func (p *Pool) SetEnabled(id string, enabled bool) error {
	a, ok := p.adapter(id)
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrAdapterNotFound, p.surfaceID, id)
	}
	a.mu.Lock()
	a.enabled = enabled
	a.mu.Unlock()
	return nil
}

// Len is the number of registered adapters.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.adapters)
}

func (p *Pool) adapter(id string) (*Adapter, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, a := range p.adapters {
		if a.ID == id {
			return a, true
		}
	}
	return nil, false
}

func (p *Pool) snapshotAdapters() []*Adapter {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]*Adapter(nil), p.adapters...)
}

type candidate struct {
	adapter *Adapter
	score   float64
}

// Select picks the adapter for the next request. Enabled adapters whose
// circuit is not open are ranked by score, then priority. With round robin
// on and at least two healthy candidates, selection rotates among the
// healthy ones. No candidate yields a retryable SERVICE_UNAVAILABLE.
func (p *Pool) Select() (*Adapter, error) {
	now := p.clock()
	var cands []candidate
	for _, a := range p.snapshotAdapters() {
		a.mu.Lock()
		if !a.enabled {
			a.mu.Unlock()
			continue
		}
		state := a.breaker.State(now)
		score := a.health.score(state)
		a.mu.Unlock()
		if state == CircuitOpen {
			continue
		}
		cands = append(cands, candidate{adapter: a, score: score})
	}
	if len(cands) == 0 {
		return nil, contracts.ServiceUnavailable(fmt.Sprintf("no available adapter for surface %s", p.surfaceID))
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].score != cands[j].score {
			return cands[i].score > cands[j].score
		}
		return cands[i].adapter.Priority > cands[j].adapter.Priority
	})

	if p.cfg.RoundRobin {
		healthy := make([]*Adapter, 0, len(cands))
		for _, c := range cands {
			if c.score >= p.cfg.HealthyThreshold {
				healthy = append(healthy, c.adapter)
			}
		}
		if len(healthy) >= 2 {
			n := p.rr.Add(1) - 1
			return healthy[n%uint64(len(healthy))], nil
		}
	}
	return cands[0].adapter, nil
}

// Query selects an adapter, runs the request and feeds the outcome into the
// adapter's health and circuit state. Backend failures, including panics,
// come back as *contracts.QueryError.
func (p *Pool) Query(ctx context.Context, req contracts.QueryRequest) (*contracts.QueryResponse, error) {
	a, err := p.Select()
	if err != nil {
		return nil, err
	}

	start := p.clock()
	resp, callErr := invoke(ctx, a.backend, req)
	elapsed := p.clock().Sub(start)
	if resp != nil && resp.Timing.TotalMs > 0 {
		elapsed = time.Duration(resp.Timing.TotalMs) * time.Millisecond
	}

	qerr := toQueryError(ctx, resp, callErr)
	p.record(ctx, a, elapsed, qerr)

	code := ""
	if qerr != nil {
		code = string(qerr.Code)
	}
	p.metrics.AdapterQuery(ctx, p.surfaceID, a.ID, elapsed, code)

	if qerr != nil {
		p.logger.DebugContext(ctx, "adapter query failed",
			"adapter_id", a.ID,
			"job_id", req.JobID,
			"code", qerr.Code,
			"retryable", qerr.Retryable,
			"error", qerr.Message,
		)
		return nil, qerr
	}
	resp.AdapterID = a.ID
	resp.SurfaceID = p.surfaceID
	if resp.Timing.TotalMs == 0 {
		resp.Timing.TotalMs = elapsed.Milliseconds()
	}
	return resp, nil
}

func invoke(ctx context.Context, b contracts.Backend, req contracts.QueryRequest) (resp *contracts.QueryResponse, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp = nil
			err = &contracts.QueryError{
				Code:      contracts.ErrCodeAdapterPanic,
				Message:   fmt.Sprint(r),
				Retryable: true,
			}
		}
	}()
	return b.Query(ctx, req)
}

// toQueryError converts a backend outcome into a structured error, or nil on
// success.
func toQueryError(ctx context.Context, resp *contracts.QueryResponse, err error) *contracts.QueryError {
	if err != nil {
		var qe *contracts.QueryError
		if errors.As(err, &qe) {
			return qe
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &contracts.QueryError{Code: contracts.ErrCodeTimeout, Message: err.Error(), Retryable: true}
		}
		return &contracts.QueryError{Code: contracts.ErrCodeBackend, Message: err.Error(), Retryable: true}
	}
	if resp == nil {
		return &contracts.QueryError{Code: contracts.ErrCodeBackend, Message: "backend returned no response", Retryable: true}
	}
	if !resp.Success {
		if resp.Error != nil {
			return resp.Error
		}
		return &contracts.QueryError{Code: contracts.ErrCodeBackend, Message: "backend reported failure", Retryable: true}
	}
	return nil
}

// record applies one outcome. INVALID_REQUEST is the caller's fault and does
// not count against the adapter.
func (p *Pool) record(ctx context.Context, a *Adapter, elapsed time.Duration, qerr *contracts.QueryError) {
	now := p.clock()
	a.mu.Lock()
	opened := false
	switch {
	case qerr == nil:
		a.health.success(now, elapsed.Milliseconds())
		a.breaker.Success()
	case qerr.Code == contracts.ErrCodeInvalidRequest:
	default:
		a.health.failure(now, qerr.Error())
		opened = a.breaker.Failure(now)
	}
	reopenAt := a.breaker.StateChangeAt()
	a.mu.Unlock()

	if opened {
		p.metrics.CircuitOpened(ctx, p.surfaceID, a.ID)
		p.logger.WarnContext(ctx, "circuit opened",
			"adapter_id", a.ID,
			"probe_at", reopenAt,
		)
	}
}

// Status returns a view of one adapter.
func (p *Pool) Status(id string) (AdapterStatus, bool) {
	a, ok := p.adapter(id)
	if !ok {
		return AdapterStatus{}, false
	}
	return p.status(a), true
}

func (p *Pool) status(a *Adapter) AdapterStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	state := a.breaker.Peek()
	score := a.health.score(state)
	return AdapterStatus{
		ID:                a.ID,
		SurfaceID:         p.surfaceID,
		Priority:          a.Priority,
		Enabled:           a.enabled,
		Score:             score,
		Health:            classify(score, p.cfg.HealthyThreshold, p.cfg.DegradedThreshold),
		Circuit:           state,
		StateChangeAt:     a.breaker.StateChangeAt(),
		ConsecutiveErrors: a.health.consecutiveErrors,
		ErrorRate:         a.health.errorRate(),
		AvgResponseMs:     a.health.avgResponseMs(),
		TotalQueries:      a.health.totalQueries,
		TotalErrors:       a.health.totalErrors,
		LastError:         a.health.lastError,
	}
}

// Health summarizes the pool. The score is the mean over enabled adapters;
// disabled adapters are listed but neither scored nor counted.
func (p *Pool) Health() PoolHealth {
	h := PoolHealth{SurfaceID: p.surfaceID}
	var sum float64
	var n int
	for _, a := range p.snapshotAdapters() {
		st := p.status(a)
		h.Adapters = append(h.Adapters, st)
		if !st.Enabled {
			continue
		}
		sum += st.Score
		n++
		switch st.Health {
		case HealthHealthy:
			h.Healthy++
		case HealthDegraded:
			h.Degraded++
		default:
			h.Unhealthy++
		}
	}
	if n > 0 {
		h.Score = sum / float64(n)
	}
	return h
}

// closeAll closes every backend and empties the pool.
func (p *Pool) closeAll() error {
	p.mu.Lock()
	adapters := p.adapters
	p.adapters = nil
	p.mu.Unlock()
	var errs []error
	for _, a := range adapters {
		if err := a.backend.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s/%s: %w", p.surfaceID, a.ID, err))
		}
	}
	return errors.Join(errs...)
}
