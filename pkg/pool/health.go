package pool

import "time"

// AdapterHealth classifies an adapter by score.
type AdapterHealth string

const (
	HealthHealthy   AdapterHealth = "healthy"
	HealthDegraded  AdapterHealth = "degraded"
	HealthUnhealthy AdapterHealth = "unhealthy"
)

const baselineSamples = 5

// healthRecord is the rolling outcome history of one adapter.
type healthRecord struct {
	window  []bool // true = error; ring buffer
	next    int
	filled  int
	samples []int64 // response times in ms, first baselineSamples kept as baseline
	recent  []int64

	consecutiveErrors int
	totalQueries      int64
	totalErrors       int64
	lastError         string
	lastSuccessAt     time.Time
	lastFailureAt     time.Time
}

func newHealthRecord(windowSize int) healthRecord {
	if windowSize < 1 {
		windowSize = 1
	}
	return healthRecord{window: make([]bool, windowSize)}
}

func (h *healthRecord) push(isErr bool) {
	h.window[h.next] = isErr
	h.next = (h.next + 1) % len(h.window)
	if h.filled < len(h.window) {
		h.filled++
	}
}

func (h *healthRecord) success(now time.Time, elapsedMs int64) {
	h.push(false)
	h.totalQueries++
	h.consecutiveErrors = 0
	h.lastSuccessAt = now
	if len(h.samples) < baselineSamples {
		h.samples = append(h.samples, elapsedMs)
		return
	}
	h.recent = append(h.recent, elapsedMs)
	if len(h.recent) > baselineSamples {
		h.recent = h.recent[1:]
	}
}

func (h *healthRecord) failure(now time.Time, msg string) {
	h.push(true)
	h.totalQueries++
	h.totalErrors++
	h.consecutiveErrors++
	h.lastError = msg
	h.lastFailureAt = now
}

// errorRate is the error fraction over the filled part of the window.
func (h *healthRecord) errorRate() float64 {
	if h.filled == 0 {
		return 0
	}
	errs := 0
	for i := 0; i < h.filled; i++ {
		if h.window[i] {
			errs++
		}
	}
	return float64(errs) / float64(h.filled)
}

func mean(xs []int64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum int64
	for _, x := range xs {
		sum += x
	}
	return float64(sum) / float64(len(xs))
}

func (h *healthRecord) avgResponseMs() float64 {
	if len(h.recent) > 0 {
		return mean(h.recent)
	}
	return mean(h.samples)
}

// latencyPenalty compares recent latency to the first-samples baseline.
func (h *healthRecord) latencyPenalty() float64 {
	if len(h.samples) < baselineSamples || len(h.recent) == 0 {
		return 0
	}
	base := mean(h.samples)
	if base <= 0 {
		return 0
	}
	switch ratio := mean(h.recent) / base; {
	case ratio >= 2:
		return 10
	case ratio >= 1.5:
		return 5
	}
	return 0
}

// score combines health and circuit state into 0..100.
func (h *healthRecord) score(circuit CircuitState) float64 {
	s := 100.0
	s -= 40 * h.errorRate()
	consec := float64(10 * h.consecutiveErrors)
	if consec > 30 {
		consec = 30
	}
	s -= consec
	switch circuit {
	case CircuitOpen:
		s -= 30
	case CircuitHalfOpen:
		s -= 15
	}
	s -= h.latencyPenalty()
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}

func classify(score, healthy, degraded float64) AdapterHealth {
	switch {
	case score >= healthy:
		return HealthHealthy
	case score >= degraded:
		return HealthDegraded
	default:
		return HealthUnhealthy
	}
}
