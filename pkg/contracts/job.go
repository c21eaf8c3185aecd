package contracts

import "time"

// JobStatus is the lifecycle state of a single cell.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobExecuting JobStatus = "executing"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Priority orders ready jobs. Lower values are handed out first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// Job is one query × surface × location cell.
type Job struct {
	ID              string     `json:"id"`
	StudyID         string     `json:"study_id"`
	QueryIndex      int        `json:"query_index"`
	QueryText       string     `json:"query_text"`
	SurfaceID       string     `json:"surface_id"`
	LocationID      string     `json:"location_id"`
	Status          JobStatus  `json:"status"`
	Priority        Priority   `json:"priority"`
	Attempts        int        `json:"attempts"`
	MaxAttempts     int        `json:"max_attempts"`
	LastAttemptAt   *time.Time `json:"last_attempt_at,omitempty"`
	NextAttemptAt   *time.Time `json:"next_attempt_at,omitempty"`
	DependsOn       []string   `json:"depends_on,omitempty"`
	RequiredSurface bool       `json:"required_surface"`
	LastError       string     `json:"last_error,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// JobOutcome carries what a worker learned from a successful cell.
type JobOutcome struct {
	CostUSD      float64 `json:"cost_usd,omitempty"`
	EvidenceHash string  `json:"evidence_hash,omitempty"`
	AdapterID    string  `json:"adapter_id,omitempty"`
}
