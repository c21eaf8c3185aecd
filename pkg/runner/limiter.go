package runner

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimit bounds how fast one surface is queried.
type RateLimit struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// surfaceLimiters hands out one token bucket per surface. Surfaces without a
// configured limit share the fallback, which is unlimited when zero.
type surfaceLimiters struct {
	mu       sync.Mutex
	limits   map[string]RateLimit
	fallback RateLimit
	limiters map[string]*rate.Limiter
}

func newSurfaceLimiters(limits map[string]RateLimit, fallback RateLimit) *surfaceLimiters {
	return &surfaceLimiters{
		limits:   limits,
		fallback: fallback,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (s *surfaceLimiters) get(surfaceID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.limiters[surfaceID]; ok {
		return l
	}
	cfg, ok := s.limits[surfaceID]
	if !ok {
		cfg = s.fallback
	}
	limit := rate.Inf
	if cfg.PerSecond > 0 {
		limit = rate.Limit(cfg.PerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	l := rate.NewLimiter(limit, burst)
	s.limiters[surfaceID] = l
	return l
}

// Wait blocks until the surface may be queried again.
func (s *surfaceLimiters) Wait(ctx context.Context, surfaceID string) error {
	return s.get(surfaceID).Wait(ctx)
}
