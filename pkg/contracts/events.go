package contracts

import "time"

// EventType names an emitted event.
type EventType string

// Orchestrator lifecycle events.
const (
	EventStudyStarted      EventType = "study_started"
	EventStudyPaused       EventType = "study_paused"
	EventStudyCompleted    EventType = "study_completed"
	EventStudyFailed       EventType = "study_failed"
	EventJobCompleted      EventType = "job_completed"
	EventJobFailed         EventType = "job_failed"
	EventDeadlineAtRisk    EventType = "deadline_at_risk"
	EventCheckpointCreated EventType = "checkpoint_created"
)

// Health-change events.
const (
	EventCapabilityUnavailable EventType = "capability_unavailable"
	EventCapabilityAvailable   EventType = "capability_available"
	EventCapabilityDegraded    EventType = "capability_degraded"
	EventCapabilityRecovered   EventType = "capability_recovered"
	EventAdapterUnhealthy      EventType = "adapter_unhealthy"
	EventAdapterRecovered      EventType = "adapter_recovered"
)

// Event is a plain structured record delivered to listeners.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	SubjectID string         `json:"subject_id"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}
