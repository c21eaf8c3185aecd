// Package orchestrator turns manifests into dependency-tracked job graphs and
// drives studies through their lifecycle.
//
// The orchestrator performs no I/O. Workers pull batches with GetNextJobs,
// claim them with StartJob and report back with CompleteJob or FailJob; any
// number of workers may do so concurrently. Each study is guarded by a single
// mutex so that aggregate progress is always consistent with job membership.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/edforman-75/bentham-sub003/pkg/contracts"
	"github.com/edforman-75/bentham-sub003/pkg/events"
	"github.com/edforman-75/bentham-sub003/pkg/observability"
)

// Config tunes scheduling, retry and deadline behavior.
type Config struct {
	PerStudyConcurrency int
	GlobalConcurrency   int
	CheckpointInterval  time.Duration
	Backoff             BackoffPolicy
	// AtRiskFactor flags a study when currentRate < factor × requiredRate.
	AtRiskFactor   float64
	CostPerCellUSD float64
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		PerStudyConcurrency: 10,
		GlobalConcurrency:   50,
		CheckpointInterval:  30 * time.Second,
		Backoff:             DefaultBackoff(),
		AtRiskFactor:        0.8,
	}
}

// ManifestValidator may reject a manifest while the study is validating.
type ManifestValidator interface {
	ValidateManifest(ctx context.Context, m contracts.Manifest) error
}

// ResultsValidator is the external authority consulted between
// validating_results and complete. A non-nil error fails the study.
type ResultsValidator interface {
	ValidateResults(ctx context.Context, study contracts.Study) error
}

// EscalationHook is called once each time a study enters the at-risk state.
type EscalationHook func(ctx context.Context, study contracts.Study, status contracts.DeadlineStatus)

// CheckpointSink persists checkpoints produced by the checkpoint loop.
type CheckpointSink interface {
	Save(ctx context.Context, cp *contracts.Checkpoint) error
}

type studyState struct {
	mu      sync.Mutex
	study   contracts.Study
	graph   *JobGraph
	history []contracts.Transition
	seq     uint64
	atRisk  bool
}

// Orchestrator owns every study in the process.
type Orchestrator struct {
	mu      sync.RWMutex
	studies map[string]*studyState

	cfg             Config
	globalExecuting atomic.Int64

	bus        *events.Bus
	manifests  ManifestValidator
	results    ResultsValidator
	escalate   EscalationHook
	sink       CheckpointSink
	metrics    *observability.Metrics
	logger     *slog.Logger
	clock      func() time.Time
	newStudyID func() string
}

// New creates an orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.PerStudyConcurrency <= 0 {
		cfg.PerStudyConcurrency = DefaultConfig().PerStudyConcurrency
	}
	if cfg.Backoff.Base <= 0 || cfg.Backoff.Max <= 0 {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.AtRiskFactor <= 0 {
		cfg.AtRiskFactor = DefaultConfig().AtRiskFactor
	}
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = DefaultConfig().CheckpointInterval
	}
	return &Orchestrator{
		studies:    make(map[string]*studyState),
		cfg:        cfg,
		bus:        events.NewBus("orchestrator"),
		logger:     slog.Default().With("component", "orchestrator"),
		clock:      time.Now,
		newStudyID: func() string { return uuid.New().String() },
	}
}

// WithClock overrides the clock for deterministic testing.
func (o *Orchestrator) WithClock(clock func() time.Time) *Orchestrator {
	o.clock = clock
	o.bus.WithClock(clock)
	return o
}

// WithLogger overrides the structured logger.
func (o *Orchestrator) WithLogger(logger *slog.Logger) *Orchestrator {
	o.logger = logger.With("component", "orchestrator")
	o.bus.WithLogger(logger)
	return o
}

// WithManifestValidator installs the validation hook used by CreateStudy.
func (o *Orchestrator) WithManifestValidator(v ManifestValidator) *Orchestrator {
	o.manifests = v
	return o
}

// WithResultsValidator installs the hook consulted before completion.
func (o *Orchestrator) WithResultsValidator(v ResultsValidator) *Orchestrator {
	o.results = v
	return o
}

// WithEscalation installs the deadline escalation hook.
func (o *Orchestrator) WithEscalation(h EscalationHook) *Orchestrator {
	o.escalate = h
	return o
}

// WithCheckpointSink sets where periodic checkpoints are persisted.
func (o *Orchestrator) WithCheckpointSink(s CheckpointSink) *Orchestrator {
	o.sink = s
	return o
}

// WithMetrics attaches metric instruments.
func (o *Orchestrator) WithMetrics(m *observability.Metrics) *Orchestrator {
	o.metrics = m
	return o
}

// Events exposes the lifecycle event bus for subscription.
func (o *Orchestrator) Events() *events.Bus { return o.bus }

// Config returns the active configuration.
func (o *Orchestrator) Config() Config { return o.cfg }

func (o *Orchestrator) get(studyID string) (*studyState, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	st, ok := o.studies[studyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStudyNotFound, studyID)
	}
	return st, nil
}

// effects collects work that must happen after the study lock is released:
// event delivery and hook calls may re-enter the orchestrator.
type effects struct {
	events   []contracts.Event
	escalate *contracts.DeadlineStatus
	evaluate bool
}

func (o *Orchestrator) flush(ctx context.Context, st *studyState, fx *effects) {
	for _, evt := range fx.events {
		o.bus.Publish(evt)
	}
	if fx.escalate != nil {
		snap := o.snapshot(st)
		o.bus.Emit(contracts.EventDeadlineAtRisk, snap.ID, map[string]any{
			"required_rate":   fx.escalate.RequiredRate,
			"current_rate":    fx.escalate.CurrentRate,
			"hours_remaining": fx.escalate.HoursRemaining,
		})
		if o.escalate != nil {
			o.escalate(ctx, snap, *fx.escalate)
		}
	}
	if fx.evaluate {
		o.finalize(ctx, st)
	}
}

func (o *Orchestrator) event(t contracts.EventType, subject string, details map[string]any) contracts.Event {
	return contracts.Event{
		ID:        uuid.New().String(),
		Type:      t,
		SubjectID: subject,
		Timestamp: o.clock(),
		Details:   details,
	}
}

// transitionLocked applies a legal edge and queues its lifecycle event.
// Caller holds st.mu.
func (o *Orchestrator) transitionLocked(ctx context.Context, st *studyState, fx *effects, to contracts.StudyStatus, reason, actor string) error {
	from := st.study.Status
	if !CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	now := o.clock()
	st.study.Status = to
	st.study.StatusReason = reason
	st.history = append(st.history, contracts.Transition{
		From:      from,
		To:        to,
		Timestamp: now,
		Reason:    reason,
		Actor:     actor,
	})
	switch {
	case to == contracts.StudyExecuting && st.study.StartedAt == nil:
		st.study.StartedAt = &now
	case to.IsTerminal():
		st.study.CompletedAt = &now
	}
	o.metrics.StudyTransition(ctx, string(from), string(to))
	o.logger.InfoContext(ctx, "study transition",
		"study_id", st.study.ID,
		"from", from,
		"to", to,
		"reason", reason,
		"actor", actor,
	)
	if t, ok := lifecycleEvent(from, to); ok {
		details := map[string]any{"from": string(from), "to": string(to)}
		if reason != "" {
			details["reason"] = reason
		}
		if actor != "" {
			details["actor"] = actor
		}
		fx.events = append(fx.events, o.event(t, st.study.ID, details))
	}
	return nil
}

func (o *Orchestrator) snapshot(st *studyState) contracts.Study {
	st.mu.Lock()
	defer st.mu.Unlock()
	return copyStudy(&st.study)
}

func copyStudy(s *contracts.Study) contracts.Study {
	out := *s
	if s.Progress.BySurface != nil {
		out.Progress.BySurface = make(map[string]contracts.SurfaceProgress, len(s.Progress.BySurface))
		for k, v := range s.Progress.BySurface {
			out.Progress.BySurface[k] = v
		}
	}
	if s.LastCheckpoint != nil {
		cp := *s.LastCheckpoint
		out.LastCheckpoint = &cp
	}
	return out
}

// CreateStudy registers a manifest, runs manifest validation and builds the
// job graph. On success the study is queued. A rejected manifest leaves the
// study failed and returns an error wrapping ErrManifestRejected.
func (o *Orchestrator) CreateStudy(ctx context.Context, tenantID string, m contracts.Manifest) (*contracts.Study, error) {
	return o.createStudy(ctx, o.newStudyID(), tenantID, m)
}

func (o *Orchestrator) createStudy(ctx context.Context, studyID, tenantID string, m contracts.Manifest) (*contracts.Study, error) {
	now := o.clock()
	st := &studyState{
		study: contracts.Study{
			ID:              studyID,
			TenantID:        tenantID,
			Manifest:        m,
			Status:          contracts.StudyManifestReceived,
			CostEstimateUSD: float64(m.CellCount()) * o.cfg.CostPerCellUSD,
			CreatedAt:       now,
			Deadline:        contracts.DeadlineStatus{Deadline: m.Deadline},
		},
	}

	o.mu.Lock()
	if _, exists := o.studies[studyID]; exists {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrStudyExists, studyID)
	}
	o.studies[studyID] = st
	o.mu.Unlock()

	fx := &effects{}
	st.mu.Lock()
	if err := o.transitionLocked(ctx, st, fx, contracts.StudyValidating, "manifest received", "system"); err != nil {
		st.mu.Unlock()
		return nil, err
	}
	st.mu.Unlock()

	var verr error
	if o.manifests != nil {
		verr = o.manifests.ValidateManifest(ctx, m)
	}

	st.mu.Lock()
	if verr != nil {
		_ = o.transitionLocked(ctx, st, fx, contracts.StudyFailed, "manifest validation failed: "+verr.Error(), "system")
		snap := copyStudy(&st.study)
		st.mu.Unlock()
		o.flush(ctx, st, fx)
		return &snap, fmt.Errorf("%w: %v", ErrManifestRejected, verr)
	}
	st.graph = BuildJobGraph(studyID, &m)
	st.study.Progress = st.graph.progress(now)
	_ = o.transitionLocked(ctx, st, fx, contracts.StudyQueued, "job graph built", "system")
	snap := copyStudy(&st.study)
	st.mu.Unlock()

	o.flush(ctx, st, fx)
	return &snap, nil
}

// AddDependency makes jobID wait for dependsOn. Only allowed while queued.
func (o *Orchestrator) AddDependency(studyID, jobID, dependsOn string) error {
	st, err := o.get(studyID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.study.Status != contracts.StudyQueued {
		return fmt.Errorf("%w: status %s", ErrStudyNotQueued, st.study.Status)
	}
	return st.graph.AddDependency(jobID, dependsOn)
}

// Transition applies a status change if the edge is legal.
func (o *Orchestrator) Transition(ctx context.Context, studyID string, to contracts.StudyStatus, reason, actor string) error {
	st, err := o.get(studyID)
	if err != nil {
		return err
	}
	fx := &effects{}
	st.mu.Lock()
	err = o.transitionLocked(ctx, st, fx, to, reason, actor)
	if err == nil && to == contracts.StudyExecuting {
		o.refreshLocked(ctx, st, fx)
	}
	st.mu.Unlock()
	if err != nil {
		return err
	}
	o.flush(ctx, st, fx)
	return nil
}

// StartStudy moves a queued study to executing.
func (o *Orchestrator) StartStudy(ctx context.Context, studyID string) error {
	return o.Transition(ctx, studyID, contracts.StudyExecuting, "study started", "system")
}

// PauseStudy stops handing out new jobs. In-flight jobs may still report.
func (o *Orchestrator) PauseStudy(ctx context.Context, studyID, reason, actor string) error {
	return o.Transition(ctx, studyID, contracts.StudyPaused, reason, actor)
}

// ResumeStudy returns a paused study to executing.
func (o *Orchestrator) ResumeStudy(ctx context.Context, studyID, actor string) error {
	return o.Transition(ctx, studyID, contracts.StudyExecuting, "resumed", actor)
}

// RequestIntervention parks an executing study until an operator resolves it.
func (o *Orchestrator) RequestIntervention(ctx context.Context, studyID, reason, actor string) error {
	return o.Transition(ctx, studyID, contracts.StudyHumanInterventionRequired, reason, actor)
}

// ResolveIntervention returns the study to executing.
func (o *Orchestrator) ResolveIntervention(ctx context.Context, studyID, actor string) error {
	return o.Transition(ctx, studyID, contracts.StudyExecuting, "intervention resolved", actor)
}

// CancelStudy fails a non-terminal study.
func (o *Orchestrator) CancelStudy(ctx context.Context, studyID, reason, actor string) error {
	return o.Transition(ctx, studyID, contracts.StudyFailed, reason, actor)
}

// GetStudy returns a snapshot of the study.
func (o *Orchestrator) GetStudy(studyID string) (*contracts.Study, error) {
	st, err := o.get(studyID)
	if err != nil {
		return nil, err
	}
	snap := o.snapshot(st)
	return &snap, nil
}

// ListStudies returns snapshots of every study, oldest first.
func (o *Orchestrator) ListStudies() []contracts.Study {
	o.mu.RLock()
	states := make([]*studyState, 0, len(o.studies))
	for _, st := range o.studies {
		states = append(states, st)
	}
	o.mu.RUnlock()

	out := make([]contracts.Study, 0, len(states))
	for _, st := range states {
		out = append(out, o.snapshot(st))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// History returns the recorded transitions of a study.
func (o *Orchestrator) History(studyID string) ([]contracts.Transition, error) {
	st, err := o.get(studyID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]contracts.Transition, len(st.history))
	copy(out, st.history)
	return out, nil
}

// Jobs returns copies of every job of a study, in cell order.
func (o *Orchestrator) Jobs(studyID string) ([]contracts.Job, error) {
	st, err := o.get(studyID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.graph == nil {
		return nil, nil
	}
	out := make([]contracts.Job, 0, st.graph.Len())
	for id := range st.graph.jobs {
		out = append(out, copyJob(st.graph.jobs[id]))
	}
	sort.Slice(out, func(i, j int) bool {
		return st.graph.order[out[i].ID] < st.graph.order[out[j].ID]
	})
	return out, nil
}

// Membership returns the partition sets of a study's job graph.
func (o *Orchestrator) Membership(studyID string) (Membership, error) {
	st, err := o.get(studyID)
	if err != nil {
		return Membership{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.graph == nil {
		return Membership{}, nil
	}
	return st.graph.Membership(), nil
}

func copyJob(j *contracts.Job) contracts.Job {
	out := *j
	if j.DependsOn != nil {
		out.DependsOn = append([]string(nil), j.DependsOn...)
	}
	if j.LastAttemptAt != nil {
		t := *j.LastAttemptAt
		out.LastAttemptAt = &t
	}
	if j.NextAttemptAt != nil {
		t := *j.NextAttemptAt
		out.NextAttemptAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	return out
}
