package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edforman-75/bentham-sub003/pkg/contracts"
	"github.com/edforman-75/bentham-sub003/pkg/events"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testManifest(queries, surfaces, locations int, deadline time.Time) contracts.Manifest {
	m := contracts.Manifest{Deadline: deadline}
	for i := 0; i < queries; i++ {
		m.Queries = append(m.Queries, contracts.Query{Text: fmt.Sprintf("query %d", i)})
	}
	for i := 0; i < surfaces; i++ {
		m.Surfaces = append(m.Surfaces, contracts.Surface{ID: fmt.Sprintf("s%d", i)})
	}
	for i := 0; i < locations; i++ {
		m.Locations = append(m.Locations, contracts.Location{ID: fmt.Sprintf("l%d", i)})
	}
	return m
}

func newTestOrchestrator(t *testing.T, cfg Config) (*Orchestrator, *fakeClock, *events.Recorder) {
	t.Helper()
	clk := newFakeClock()
	o := New(cfg).WithClock(clk.Now)
	rec := &events.Recorder{}
	o.Events().Subscribe(rec.Listen)
	return o, clk, rec
}

func createAndStart(t *testing.T, o *Orchestrator, m contracts.Manifest) string {
	t.Helper()
	ctx := context.Background()
	study, err := o.CreateStudy(ctx, "tenant-1", m)
	require.NoError(t, err)
	require.Equal(t, contracts.StudyQueued, study.Status)
	require.NoError(t, o.StartStudy(ctx, study.ID))
	return study.ID
}

// runOne claims the next eligible job and reports it as completed.
func runOne(t *testing.T, o *Orchestrator, studyID string) contracts.Job {
	t.Helper()
	ctx := context.Background()
	next, err := o.GetNextJobs(studyID, 1)
	require.NoError(t, err)
	require.Len(t, next, 1)
	_, err = o.StartJob(ctx, studyID, next[0].ID)
	require.NoError(t, err)
	require.NoError(t, o.CompleteJob(ctx, studyID, next[0].ID, contracts.JobOutcome{}))
	return next[0]
}

func assertPartition(t *testing.T, o *Orchestrator, studyID string, total int) {
	t.Helper()
	mem, err := o.Membership(studyID)
	require.NoError(t, err)
	seen := map[string]int{}
	for _, set := range [][]string{mem.Ready, mem.Executing, mem.Completed, mem.Failed} {
		for _, id := range set {
			seen[id]++
		}
	}
	assert.Len(t, seen, total, "union of sets must equal the job set")
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %s appears in %d sets", id, n)
	}
}

func TestCreateStudy_BuildsOneJobPerCell(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, DefaultConfig())
	m := testManifest(3, 2, 2, time.Time{})
	m.CompletionCriteria = contracts.CompletionCriteria{
		RequiredSurfaces:  contracts.RequiredSurfaces{SurfaceIDs: []string{"s1"}, CoverageThreshold: 0.5},
		MaxRetriesPerCell: 2,
	}

	study, err := o.CreateStudy(context.Background(), "tenant-1", m)
	require.NoError(t, err)
	assert.Equal(t, contracts.StudyQueued, study.Status)
	assert.Equal(t, 12, study.Progress.Total)

	jobs, err := o.Jobs(study.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 12)
	for _, j := range jobs {
		assert.Equal(t, contracts.JobPending, j.Status)
		assert.Equal(t, 3, j.MaxAttempts)
		assert.Equal(t, JobID(study.ID, j.QueryIndex, j.SurfaceID, j.LocationID), j.ID)
		if j.SurfaceID == "s1" {
			assert.Equal(t, contracts.PriorityHigh, j.Priority)
			assert.True(t, j.RequiredSurface)
		} else {
			assert.Equal(t, contracts.PriorityNormal, j.Priority)
		}
	}
	assertPartition(t, o, study.ID, 12)

	history, err := o.History(study.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, contracts.StudyManifestReceived, history[0].From)
	assert.Equal(t, contracts.StudyQueued, history[1].To)
}

type rejectAll struct{}

func (rejectAll) ValidateManifest(context.Context, contracts.Manifest) error {
	return errors.New("no queries allowed on tuesdays")
}

func TestCreateStudy_ManifestRejected(t *testing.T) {
	o, _, rec := newTestOrchestrator(t, DefaultConfig())
	o.WithManifestValidator(rejectAll{})

	study, err := o.CreateStudy(context.Background(), "tenant-1", testManifest(1, 1, 1, time.Time{}))
	require.ErrorIs(t, err, ErrManifestRejected)
	require.NotNil(t, study)
	assert.Equal(t, contracts.StudyFailed, study.Status)
	assert.Contains(t, study.StatusReason, "tuesdays")
	assert.Len(t, rec.OfType(contracts.EventStudyFailed), 1)
}

func TestTransition_RejectsUnlistedEdges(t *testing.T) {
	o, _, rec := newTestOrchestrator(t, DefaultConfig())
	ctx := context.Background()
	study, err := o.CreateStudy(ctx, "tenant-1", testManifest(1, 1, 1, time.Time{}))
	require.NoError(t, err)

	err = o.Transition(ctx, study.ID, contracts.StudyComplete, "skip ahead", "tester")
	require.ErrorIs(t, err, ErrIllegalTransition)
	var terr *TransitionError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, contracts.StudyQueued, terr.From)
	assert.Equal(t, contracts.StudyComplete, terr.To)

	got, err := o.GetStudy(study.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StudyQueued, got.Status, "rejected transition must not mutate")

	require.NoError(t, o.CancelStudy(ctx, study.ID, "operator abort", "ops"))
	require.ErrorIs(t, o.StartStudy(ctx, study.ID), ErrIllegalTransition)
	require.ErrorIs(t, o.Transition(ctx, study.ID, contracts.StudyFailed, "again", "ops"), ErrIllegalTransition)
	assert.Len(t, rec.OfType(contracts.EventStudyFailed), 1)
	assert.Empty(t, rec.OfType(contracts.EventStudyStarted))
}

func TestCanTransition_TerminalStatesHaveNoExits(t *testing.T) {
	all := []contracts.StudyStatus{
		contracts.StudyManifestReceived, contracts.StudyValidating, contracts.StudyQueued,
		contracts.StudyExecuting, contracts.StudyPaused, contracts.StudyHumanInterventionRequired,
		contracts.StudyValidatingResults, contracts.StudyComplete, contracts.StudyFailed,
	}
	for _, to := range all {
		assert.False(t, CanTransition(contracts.StudyComplete, to), "complete -> %s", to)
		assert.False(t, CanTransition(contracts.StudyFailed, to), "failed -> %s", to)
	}
	for _, from := range all {
		if from.IsTerminal() {
			continue
		}
		assert.True(t, CanTransition(from, contracts.StudyFailed), "%s -> failed", from)
	}
}

func TestPauseAndIntervention(t *testing.T) {
	o, _, rec := newTestOrchestrator(t, DefaultConfig())
	ctx := context.Background()
	id := createAndStart(t, o, testManifest(1, 1, 2, time.Time{}))

	require.NoError(t, o.PauseStudy(ctx, id, "maintenance", "ops"))
	next, err := o.GetNextJobs(id, 10)
	require.NoError(t, err)
	assert.Empty(t, next, "paused studies hand out no work")
	require.NoError(t, o.ResumeStudy(ctx, id, "ops"))

	require.NoError(t, o.RequestIntervention(ctx, id, "captcha wall", "runner"))
	next, err = o.GetNextJobs(id, 10)
	require.NoError(t, err)
	assert.Empty(t, next)
	require.NoError(t, o.ResolveIntervention(ctx, id, "ops"))

	next, err = o.GetNextJobs(id, 10)
	require.NoError(t, err)
	assert.Len(t, next, 2)

	assert.Len(t, rec.OfType(contracts.EventStudyStarted), 1, "only queued -> executing starts a study")
	assert.Len(t, rec.OfType(contracts.EventStudyPaused), 1)
}

func TestGetNextJobs_PriorityAndCaps(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PerStudyConcurrency = 2
	o, _, _ := newTestOrchestrator(t, cfg)
	ctx := context.Background()

	m := testManifest(1, 3, 1, time.Time{})
	m.CompletionCriteria.RequiredSurfaces = contracts.RequiredSurfaces{SurfaceIDs: []string{"s2"}, CoverageThreshold: 0}
	id := createAndStart(t, o, m)

	next, err := o.GetNextJobs(id, 10)
	require.NoError(t, err)
	require.Len(t, next, 2, "bounded by the per-study cap")
	assert.Equal(t, "s2", next[0].SurfaceID, "required surface jobs come first")
	assert.Equal(t, "s0", next[1].SurfaceID)

	for _, j := range next {
		_, err := o.StartJob(ctx, id, j.ID)
		require.NoError(t, err)
	}
	next, err = o.GetNextJobs(id, 10)
	require.NoError(t, err)
	assert.Empty(t, next)

	_, err = o.StartJob(ctx, id, JobID(id, 0, "s2", "l0"))
	require.ErrorIs(t, err, ErrJobNotReady)
	assertPartition(t, o, id, 3)
}

func TestGetNextJobs_GlobalCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GlobalConcurrency = 3
	o, _, _ := newTestOrchestrator(t, cfg)
	ctx := context.Background()

	a := createAndStart(t, o, testManifest(1, 1, 4, time.Time{}))
	b := createAndStart(t, o, testManifest(1, 1, 4, time.Time{}))

	next, err := o.GetNextJobs(a, 10)
	require.NoError(t, err)
	require.Len(t, next, 3)
	for _, j := range next {
		_, err := o.StartJob(ctx, a, j.ID)
		require.NoError(t, err)
	}

	next, err = o.GetNextJobs(b, 10)
	require.NoError(t, err)
	assert.Empty(t, next, "global cap reached by the other study")

	require.NoError(t, o.CompleteJob(ctx, a, JobID(a, 0, "s0", "l0"), contracts.JobOutcome{}))
	next, err = o.GetNextJobs(b, 10)
	require.NoError(t, err)
	assert.Len(t, next, 1)
}

func TestFailJob_RetriesThenFails(t *testing.T) {
	o, clk, rec := newTestOrchestrator(t, DefaultConfig())
	ctx := context.Background()
	m := testManifest(1, 1, 1, time.Time{})
	m.CompletionCriteria.MaxRetriesPerCell = 1
	id := createAndStart(t, o, m)
	jobID := JobID(id, 0, "s0", "l0")

	_, err := o.StartJob(ctx, id, jobID)
	require.NoError(t, err)
	require.NoError(t, o.FailJob(ctx, id, jobID, "BACKEND_ERROR"))

	mem, err := o.Membership(id)
	require.NoError(t, err)
	assert.Empty(t, mem.Failed, "retryable failure never lands in the failed set")
	assert.Equal(t, []string{jobID}, mem.Ready)

	jobs, err := o.Jobs(id)
	require.NoError(t, err)
	require.NotNil(t, jobs[0].NextAttemptAt)
	assert.Equal(t, clk.Now().Add(2*time.Second), *jobs[0].NextAttemptAt)
	assert.Equal(t, contracts.JobPending, jobs[0].Status)
	assert.Equal(t, "BACKEND_ERROR", jobs[0].LastError)
	assert.Empty(t, rec.OfType(contracts.EventJobFailed))

	clk.Advance(2 * time.Second)
	_, err = o.StartJob(ctx, id, jobID)
	require.NoError(t, err)
	require.NoError(t, o.FailJob(ctx, id, jobID, "BACKEND_ERROR"))

	mem, err = o.Membership(id)
	require.NoError(t, err)
	assert.Equal(t, []string{jobID}, mem.Failed)
	assert.Len(t, rec.OfType(contracts.EventJobFailed), 1)

	require.ErrorIs(t, o.FailJob(ctx, id, jobID, "again"), ErrJobNotExecuting)
	assert.Len(t, rec.OfType(contracts.EventJobFailed), 1, "failed exactly once")
}

func TestGetNextJobs_HonorsBackoffWindow(t *testing.T) {
	o, clk, _ := newTestOrchestrator(t, DefaultConfig())
	ctx := context.Background()
	m := testManifest(1, 1, 1, time.Time{})
	m.CompletionCriteria.MaxRetriesPerCell = 3
	id := createAndStart(t, o, m)
	jobID := JobID(id, 0, "s0", "l0")

	_, err := o.StartJob(ctx, id, jobID)
	require.NoError(t, err)
	require.NoError(t, o.FailJob(ctx, id, jobID, "TIMEOUT"))

	next, err := o.GetNextJobs(id, 5)
	require.NoError(t, err)
	assert.Empty(t, next)

	clk.Advance(1999 * time.Millisecond)
	next, err = o.GetNextJobs(id, 5)
	require.NoError(t, err)
	assert.Empty(t, next)

	clk.Advance(time.Millisecond)
	next, err = o.GetNextJobs(id, 5)
	require.NoError(t, err)
	assert.Len(t, next, 1)
}

func TestStartJob_RejectsJobInsideBackoffWindow(t *testing.T) {
	o, clk, _ := newTestOrchestrator(t, DefaultConfig())
	ctx := context.Background()
	m := testManifest(1, 1, 1, time.Time{})
	m.CompletionCriteria.MaxRetriesPerCell = 3
	id := createAndStart(t, o, m)
	jobID := JobID(id, 0, "s0", "l0")

	_, err := o.StartJob(ctx, id, jobID)
	require.NoError(t, err)
	require.NoError(t, o.FailJob(ctx, id, jobID, "TIMEOUT"))

	_, err = o.StartJob(ctx, id, jobID)
	require.ErrorIs(t, err, ErrJobNotReady)
	jobs, err := o.Jobs(id)
	require.NoError(t, err)
	assert.Equal(t, 1, jobs[0].Attempts, "rejected start does not count")
	assert.Zero(t, o.globalExecuting.Load())

	clk.Advance(2 * time.Second)
	job, err := o.StartJob(ctx, id, jobID)
	require.NoError(t, err)
	assert.Equal(t, 2, job.Attempts)
}

func TestStartJob_RejectsJobWithPendingDependency(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, DefaultConfig())
	ctx := context.Background()
	study, err := o.CreateStudy(ctx, "tenant-1", testManifest(2, 1, 1, time.Time{}))
	require.NoError(t, err)
	id := study.ID
	q0, q1 := JobID(id, 0, "s0", "l0"), JobID(id, 1, "s0", "l0")
	require.NoError(t, o.AddDependency(id, q1, q0))
	require.NoError(t, o.StartStudy(ctx, id))

	_, err = o.StartJob(ctx, id, q1)
	require.ErrorIs(t, err, ErrJobNotReady)
	mem, err := o.Membership(id)
	require.NoError(t, err)
	assert.Empty(t, mem.Executing)

	_, err = o.StartJob(ctx, id, q0)
	require.NoError(t, err)
	_, err = o.StartJob(ctx, id, q1)
	require.ErrorIs(t, err, ErrJobNotReady, "dependency still executing")

	require.NoError(t, o.CompleteJob(ctx, id, q0, contracts.JobOutcome{}))
	_, err = o.StartJob(ctx, id, q1)
	require.NoError(t, err)
}

func TestStartJob_EnforcesConcurrencyCaps(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PerStudyConcurrency = 1
	cfg.GlobalConcurrency = 2
	o, _, _ := newTestOrchestrator(t, cfg)
	ctx := context.Background()

	a := createAndStart(t, o, testManifest(1, 1, 2, time.Time{}))
	_, err := o.StartJob(ctx, a, JobID(a, 0, "s0", "l0"))
	require.NoError(t, err)
	_, err = o.StartJob(ctx, a, JobID(a, 0, "s0", "l1"))
	require.ErrorIs(t, err, ErrJobNotReady, "per-study cap")

	b := createAndStart(t, o, testManifest(1, 1, 1, time.Time{}))
	c := createAndStart(t, o, testManifest(1, 1, 1, time.Time{}))
	_, err = o.StartJob(ctx, b, JobID(b, 0, "s0", "l0"))
	require.NoError(t, err)
	_, err = o.StartJob(ctx, c, JobID(c, 0, "s0", "l0"))
	require.ErrorIs(t, err, ErrJobNotReady, "global cap")
	assert.Equal(t, int64(2), o.globalExecuting.Load())
}

func TestStudyNotCompleteWhileWorkRemains(t *testing.T) {
	o, _, rec := newTestOrchestrator(t, DefaultConfig())
	ctx := context.Background()
	id := createAndStart(t, o, testManifest(2, 2, 1, time.Time{}))

	next, err := o.GetNextJobs(id, 10)
	require.NoError(t, err)
	require.Len(t, next, 4)
	for _, j := range next {
		_, err := o.StartJob(ctx, id, j.ID)
		require.NoError(t, err)
	}
	for _, j := range next[:3] {
		require.NoError(t, o.CompleteJob(ctx, id, j.ID, contracts.JobOutcome{CostUSD: 0.25}))
	}

	study, err := o.GetStudy(id)
	require.NoError(t, err)
	assert.Equal(t, contracts.StudyExecuting, study.Status)
	assert.Equal(t, 3, study.Progress.Completed)
	assert.Equal(t, 1, study.Progress.Executing)
	assertPartition(t, o, id, 4)

	require.NoError(t, o.CompleteJob(ctx, id, next[3].ID, contracts.JobOutcome{CostUSD: 0.25}))
	study, err = o.GetStudy(id)
	require.NoError(t, err)
	assert.Equal(t, contracts.StudyComplete, study.Status)
	assert.InDelta(t, 1.0, study.CostActualUSD, 1e-9)
	require.NotNil(t, study.CompletedAt)
	assert.Len(t, rec.OfType(contracts.EventJobCompleted), 4)
	assert.Len(t, rec.OfType(contracts.EventStudyCompleted), 1)
}

func TestCoverageMissFailsStudy(t *testing.T) {
	o, _, rec := newTestOrchestrator(t, DefaultConfig())
	ctx := context.Background()
	m := testManifest(1, 2, 1, time.Time{})
	m.CompletionCriteria.RequiredSurfaces = contracts.RequiredSurfaces{SurfaceIDs: []string{"s0"}, CoverageThreshold: 1.0}
	id := createAndStart(t, o, m)

	s0 := JobID(id, 0, "s0", "l0")
	s1 := JobID(id, 0, "s1", "l0")
	for _, j := range []string{s0, s1} {
		_, err := o.StartJob(ctx, id, j)
		require.NoError(t, err)
	}
	require.NoError(t, o.CompleteJob(ctx, id, s1, contracts.JobOutcome{}))
	require.NoError(t, o.FailJob(ctx, id, s0, "BACKEND_ERROR"))

	study, err := o.GetStudy(id)
	require.NoError(t, err)
	assert.Equal(t, contracts.StudyFailed, study.Status)
	assert.Contains(t, study.StatusReason, `required surface "s0" coverage 0.00 below threshold 1.00 (0/1 cells completed)`)
	assert.Len(t, rec.OfType(contracts.EventStudyFailed), 1)
	assert.Empty(t, rec.OfType(contracts.EventStudyCompleted))
}

func TestDependencies_BlockAndCascade(t *testing.T) {
	o, _, rec := newTestOrchestrator(t, DefaultConfig())
	ctx := context.Background()
	study, err := o.CreateStudy(ctx, "tenant-1", testManifest(1, 3, 1, time.Time{}))
	require.NoError(t, err)
	id := study.ID
	j0, j1, j2 := JobID(id, 0, "s0", "l0"), JobID(id, 0, "s1", "l0"), JobID(id, 0, "s2", "l0")

	require.NoError(t, o.AddDependency(id, j1, j0))
	require.NoError(t, o.AddDependency(id, j2, j1))
	require.ErrorIs(t, o.AddDependency(id, j0, j2), ErrDependencyCycle)
	require.ErrorIs(t, o.AddDependency(id, j0, "nope"), ErrJobNotFound)

	require.NoError(t, o.StartStudy(ctx, id))
	require.ErrorIs(t, o.AddDependency(id, j0, j1), ErrStudyNotQueued)

	next, err := o.GetNextJobs(id, 10)
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, j0, next[0].ID)

	_, err = o.StartJob(ctx, id, j0)
	require.NoError(t, err)
	require.NoError(t, o.FailJob(ctx, id, j0, "BACKEND_ERROR"))

	mem, err := o.Membership(id)
	require.NoError(t, err)
	assert.Equal(t, []string{j0, j1, j2}, mem.Failed)
	assert.Len(t, rec.OfType(contracts.EventJobFailed), 3)

	got, err := o.GetStudy(id)
	require.NoError(t, err)
	assert.True(t, got.Status.IsTerminal(), "settled graph must be evaluated")
}

func TestDeadlineEscalationIsEdgeTriggered(t *testing.T) {
	o, clk, rec := newTestOrchestrator(t, DefaultConfig())
	var escalations []contracts.DeadlineStatus
	o.WithEscalation(func(_ context.Context, _ contracts.Study, ds contracts.DeadlineStatus) {
		escalations = append(escalations, ds)
	})
	id := createAndStart(t, o, testManifest(1, 1, 10, clk.Now().Add(10*time.Hour)))
	ctx := context.Background()

	next, err := o.GetNextJobs(id, 1)
	require.NoError(t, err)
	_, err = o.StartJob(ctx, id, next[0].ID)
	require.NoError(t, err)
	assert.Empty(t, escalations, "no completions yet, current rate is zero")

	clk.Advance(5 * time.Hour)
	require.NoError(t, o.CompleteJob(ctx, id, next[0].ID, contracts.JobOutcome{}))
	require.Len(t, escalations, 1)
	assert.True(t, escalations[0].AtRisk)
	assert.InDelta(t, 1.8, escalations[0].RequiredRate, 1e-9)
	assert.InDelta(t, 0.2, escalations[0].CurrentRate, 1e-9)

	// still at risk: no re-fire
	for i := 0; i < 3; i++ {
		runOne(t, o, id)
	}
	assert.Len(t, escalations, 1)

	// 5 of 10 done in 5h with 5h left: back on track
	runOne(t, o, id)
	study, err := o.GetStudy(id)
	require.NoError(t, err)
	assert.False(t, study.Deadline.AtRisk)

	clk.Advance(4 * time.Hour)
	runOne(t, o, id)
	assert.Len(t, escalations, 2, "re-entering at-risk fires again")
	assert.Len(t, rec.OfType(contracts.EventDeadlineAtRisk), 2)
}

func TestEvaluateDeadline(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	started := now.Add(-2 * time.Hour)
	p := contracts.Progress{Total: 10, Completed: 2}

	ds := EvaluateDeadline(p, now.Add(-time.Minute), &started, now, 0.8)
	assert.True(t, ds.RequiredRate > 1e300, "past deadline needs an infinite rate")
	assert.True(t, ds.AtRisk)

	ds = EvaluateDeadline(contracts.Progress{Total: 10}, now.Add(-time.Minute), &started, now, 0.8)
	assert.False(t, ds.AtRisk, "zero current rate is never flagged")

	ds = EvaluateDeadline(p, now.Add(4*time.Hour), &started, now, 0.8)
	assert.InDelta(t, 2.0, ds.RequiredRate, 1e-9)
	assert.InDelta(t, 1.0, ds.CurrentRate, 1e-9)
	assert.True(t, ds.AtRisk)

	ds = EvaluateDeadline(p, time.Time{}, &started, now, 0.8)
	assert.False(t, ds.AtRisk)
	assert.Zero(t, ds.RequiredRate)
}

// End to end: one cell, one retry allowed. The first attempt fails, the
// second succeeds after backoff and the study completes.
func TestSingleCellRetryThenComplete(t *testing.T) {
	o, clk, rec := newTestOrchestrator(t, DefaultConfig())
	ctx := context.Background()
	m := testManifest(1, 1, 1, clk.Now().Add(24*time.Hour))
	m.CompletionCriteria = contracts.CompletionCriteria{
		RequiredSurfaces:  contracts.RequiredSurfaces{SurfaceIDs: []string{"s0"}, CoverageThreshold: 1.0},
		MaxRetriesPerCell: 1,
	}
	id := createAndStart(t, o, m)

	next, err := o.GetNextJobs(id, 10)
	require.NoError(t, err)
	require.Len(t, next, 1)
	jobID := next[0].ID

	job, err := o.StartJob(ctx, id, jobID)
	require.NoError(t, err)
	assert.Equal(t, 1, job.Attempts)
	require.NoError(t, o.FailJob(ctx, id, jobID, "BACKEND_ERROR"))

	jobs, err := o.Jobs(id)
	require.NoError(t, err)
	require.NotNil(t, jobs[0].NextAttemptAt)
	assert.True(t, jobs[0].NextAttemptAt.After(clk.Now()))

	clk.Advance(2 * time.Second)
	next, err = o.GetNextJobs(id, 10)
	require.NoError(t, err)
	require.Len(t, next, 1)
	job, err = o.StartJob(ctx, id, jobID)
	require.NoError(t, err)
	assert.Equal(t, 2, job.Attempts)
	require.NoError(t, o.CompleteJob(ctx, id, jobID, contracts.JobOutcome{EvidenceHash: "sha256:abc"}))

	study, err := o.GetStudy(id)
	require.NoError(t, err)
	assert.Equal(t, contracts.StudyComplete, study.Status)

	history, err := o.History(id)
	require.NoError(t, err)
	n := len(history)
	require.GreaterOrEqual(t, n, 2)
	assert.Equal(t, contracts.StudyExecuting, history[n-2].From)
	assert.Equal(t, contracts.StudyValidatingResults, history[n-2].To)
	assert.Equal(t, contracts.StudyComplete, history[n-1].To)

	completed := rec.OfType(contracts.EventJobCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, "sha256:abc", completed[0].Details["evidence_hash"])
	assert.Empty(t, rec.OfType(contracts.EventJobFailed))
	assert.Len(t, rec.OfType(contracts.EventStudyCompleted), 1)
	assert.Zero(t, o.globalExecuting.Load())
}

func TestListenerPanicDoesNotAbortScheduling(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, DefaultConfig())
	o.Events().Subscribe(func(contracts.Event) { panic("bad listener") }, contracts.EventJobCompleted)
	id := createAndStart(t, o, testManifest(1, 1, 1, time.Time{}))

	runOne(t, o, id)
	study, err := o.GetStudy(id)
	require.NoError(t, err)
	assert.Equal(t, contracts.StudyComplete, study.Status)
}

func TestConcurrentWorkersPreservePartition(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PerStudyConcurrency = 4
	o, _, _ := newTestOrchestrator(t, cfg)
	ctx := context.Background()
	id := createAndStart(t, o, testManifest(5, 4, 3, time.Time{}))

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				next, err := o.GetNextJobs(id, 1)
				if err != nil {
					return
				}
				if len(next) == 0 {
					s, _ := o.GetStudy(id)
					if s.Status != contracts.StudyExecuting {
						return
					}
					time.Sleep(time.Millisecond)
					continue
				}
				if _, err := o.StartJob(ctx, id, next[0].ID); err != nil {
					continue
				}
				_ = o.CompleteJob(ctx, id, next[0].ID, contracts.JobOutcome{})
			}
		}()
	}
	wg.Wait()

	study, err := o.GetStudy(id)
	require.NoError(t, err)
	assert.Equal(t, contracts.StudyComplete, study.Status)
	assert.Equal(t, 60, study.Progress.Completed)
	assertPartition(t, o, id, 60)
}
