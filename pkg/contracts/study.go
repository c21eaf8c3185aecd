package contracts

import (
	"encoding/json"
	"math"
	"time"
)

// StudyStatus is the lifecycle state of a study.
type StudyStatus string

const (
	StudyManifestReceived          StudyStatus = "manifest_received"
	StudyValidating                StudyStatus = "validating"
	StudyQueued                    StudyStatus = "queued"
	StudyExecuting                 StudyStatus = "executing"
	StudyPaused                    StudyStatus = "paused"
	StudyHumanInterventionRequired StudyStatus = "human_intervention_required"
	StudyValidatingResults         StudyStatus = "validating_results"
	StudyComplete                  StudyStatus = "complete"
	StudyFailed                    StudyStatus = "failed"
)

// IsTerminal reports whether no further transition can leave the status.
func (s StudyStatus) IsTerminal() bool {
	return s == StudyComplete || s == StudyFailed
}

// Query is one prompt or question issued against every surface.
type Query struct {
	Text string `json:"text" yaml:"text"`
}

// Surface identifies an external target capability.
type Surface struct {
	ID string `json:"id" yaml:"id"`
}

// Location identifies where a query is issued from.
type Location struct {
	ID string `json:"id" yaml:"id"`
}

// RequiredSurfaces lists surfaces that must reach a coverage threshold.
type RequiredSurfaces struct {
	SurfaceIDs        []string `json:"surfaceIds" yaml:"surfaceIds"`
	CoverageThreshold float64  `json:"coverageThreshold" yaml:"coverageThreshold"`
}

// CompletionCriteria decides when a study is successful.
type CompletionCriteria struct {
	RequiredSurfaces  RequiredSurfaces `json:"requiredSurfaces" yaml:"requiredSurfaces"`
	MaxRetriesPerCell int              `json:"maxRetriesPerCell" yaml:"maxRetriesPerCell"`
}

// Manifest is the immutable, already validated input of a study.
type Manifest struct {
	Version            string             `json:"version,omitempty" yaml:"version,omitempty"`
	Name               string             `json:"name,omitempty" yaml:"name,omitempty"`
	Queries            []Query            `json:"queries" yaml:"queries"`
	Surfaces           []Surface          `json:"surfaces" yaml:"surfaces"`
	Locations          []Location         `json:"locations" yaml:"locations"`
	CompletionCriteria CompletionCriteria `json:"completionCriteria" yaml:"completionCriteria"`
	Deadline           time.Time          `json:"deadline" yaml:"deadline"`
	// EvidenceLevel is the capture level applied to every successful cell.
	EvidenceLevel string `json:"evidenceLevel,omitempty" yaml:"evidenceLevel,omitempty"`
	LegalHold     bool   `json:"legalHold,omitempty" yaml:"legalHold,omitempty"`
}

// CellCount returns queries × surfaces × locations.
func (m *Manifest) CellCount() int {
	return len(m.Queries) * len(m.Surfaces) * len(m.Locations)
}

// IsRequiredSurface reports whether the surface is in the required set.
func (m *Manifest) IsRequiredSurface(surfaceID string) bool {
	for _, id := range m.CompletionCriteria.RequiredSurfaces.SurfaceIDs {
		if id == surfaceID {
			return true
		}
	}
	return false
}

// SurfaceProgress counts cells for a single surface.
type SurfaceProgress struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Coverage is completed/total, zero when the surface has no cells.
func (p SurfaceProgress) Coverage() float64 {
	if p.Total == 0 {
		return 0
	}
	return float64(p.Completed) / float64(p.Total)
}

// Progress is an aggregate snapshot of a study's job graph.
type Progress struct {
	Total           int                        `json:"total"`
	Pending         int                        `json:"pending"`
	Executing       int                        `json:"executing"`
	Completed       int                        `json:"completed"`
	Failed          int                        `json:"failed"`
	PercentComplete float64                    `json:"percent_complete"`
	BySurface       map[string]SurfaceProgress `json:"by_surface,omitempty"`
	UpdatedAt       time.Time                  `json:"updated_at"`
}

// DeadlineStatus is derived from progress on every update.
type DeadlineStatus struct {
	Deadline       time.Time `json:"deadline"`
	HoursRemaining float64   `json:"hours_remaining"`
	RequiredRate   float64   `json:"required_rate"` // cells per hour, +Inf past the deadline
	CurrentRate    float64   `json:"current_rate"`  // cells per hour since start
	AtRisk         bool      `json:"at_risk"`
	EvaluatedAt    time.Time `json:"evaluated_at"`
}

// MarshalJSON encodes an infinite required rate as null.
func (d DeadlineStatus) MarshalJSON() ([]byte, error) {
	type plain DeadlineStatus
	out := struct {
		plain
		RequiredRate *float64 `json:"required_rate"`
	}{plain: plain(d)}
	if !math.IsInf(d.RequiredRate, 0) && !math.IsNaN(d.RequiredRate) {
		out.RequiredRate = &d.RequiredRate
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads a null required rate back as +Inf.
func (d *DeadlineStatus) UnmarshalJSON(data []byte) error {
	type plain DeadlineStatus
	in := struct {
		*plain
		RequiredRate *float64 `json:"required_rate"`
	}{plain: (*plain)(d)}
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	switch {
	case in.RequiredRate != nil:
		d.RequiredRate = *in.RequiredRate
	case !d.Deadline.IsZero():
		d.RequiredRate = math.Inf(1)
	default:
		d.RequiredRate = 0
	}
	return nil
}

// Transition records one status change.
type Transition struct {
	From      StudyStatus `json:"from"`
	To        StudyStatus `json:"to"`
	Timestamp time.Time   `json:"timestamp"`
	Reason    string      `json:"reason,omitempty"`
	Actor     string      `json:"actor,omitempty"`
}

// Study is a tenant's execution of a manifest. Values handed out by the
// orchestrator are snapshots; mutating them has no effect on the study.
type Study struct {
	ID              string         `json:"id"`
	TenantID        string         `json:"tenant_id"`
	Manifest        Manifest       `json:"manifest"`
	Status          StudyStatus    `json:"status"`
	StatusReason    string         `json:"status_reason,omitempty"`
	Progress        Progress       `json:"progress"`
	Deadline        DeadlineStatus `json:"deadline"`
	CostEstimateUSD float64        `json:"cost_estimate_usd"`
	CostActualUSD   float64        `json:"cost_actual_usd"`
	CreatedAt       time.Time      `json:"created_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	LastCheckpoint  *Checkpoint    `json:"last_checkpoint,omitempty"`
}

// Checkpoint is an immutable, sequence-numbered snapshot of a study's
// execution state. It is the only state that must survive a restart.
type Checkpoint struct {
	StudyID          string      `json:"study_id"`
	Sequence         uint64      `json:"sequence"`
	Status           StudyStatus `json:"status"`
	CompletedJobIDs  []string    `json:"completed_job_ids"`
	FailedJobIDs     []string    `json:"failed_job_ids"`
	InProgressJobIDs []string    `json:"in_progress_job_ids"`
	Progress         Progress    `json:"progress"`
	CreatedAt        time.Time   `json:"created_at"`
}
