package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edforman-75/bentham-sub003/pkg/contracts"
)

type recordingSink struct {
	mu    sync.Mutex
	saved []*contracts.Checkpoint
	err   error
}

func (s *recordingSink) Save(_ context.Context, cp *contracts.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.saved = append(s.saved, cp)
	return nil
}

// checkpointMidway leaves a 2x2x1 study with one completed, one executing
// and two ready jobs, then checkpoints it.
func checkpointMidway(t *testing.T, o *Orchestrator) (string, *contracts.Checkpoint) {
	t.Helper()
	ctx := context.Background()
	id := createAndStart(t, o, testManifest(2, 2, 1, time.Time{}))
	next, err := o.GetNextJobs(id, 2)
	require.NoError(t, err)
	require.Len(t, next, 2)
	for _, j := range next {
		_, err := o.StartJob(ctx, id, j.ID)
		require.NoError(t, err)
	}
	require.NoError(t, o.CompleteJob(ctx, id, next[0].ID, contracts.JobOutcome{}))

	cp, err := o.CreateCheckpoint(ctx, id)
	require.NoError(t, err)
	return id, cp
}

func TestCreateCheckpoint(t *testing.T) {
	o, clk, rec := newTestOrchestrator(t, DefaultConfig())
	sink := &recordingSink{}
	o.WithCheckpointSink(sink)

	id, cp := checkpointMidway(t, o)
	assert.Equal(t, id, cp.StudyID)
	assert.Equal(t, uint64(1), cp.Sequence)
	assert.Equal(t, contracts.StudyExecuting, cp.Status)
	assert.Equal(t, []string{JobID(id, 0, "s0", "l0")}, cp.CompletedJobIDs)
	assert.Equal(t, []string{JobID(id, 0, "s1", "l0")}, cp.InProgressJobIDs)
	assert.Empty(t, cp.FailedJobIDs)
	assert.Equal(t, 4, cp.Progress.Total)
	assert.Equal(t, clk.Now(), cp.CreatedAt)
	require.Len(t, sink.saved, 1)
	assert.Len(t, rec.OfType(contracts.EventCheckpointCreated), 1)

	cp2, err := o.CreateCheckpoint(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), cp2.Sequence)

	study, err := o.GetStudy(id)
	require.NoError(t, err)
	require.NotNil(t, study.LastCheckpoint)
	assert.Equal(t, uint64(2), study.LastCheckpoint.Sequence)
}

func TestCreateCheckpoint_SinkFailureIsReported(t *testing.T) {
	o, _, rec := newTestOrchestrator(t, DefaultConfig())
	o.WithCheckpointSink(&recordingSink{err: errors.New("disk full")})

	id := createAndStart(t, o, testManifest(1, 1, 1, time.Time{}))
	cp, err := o.CreateCheckpoint(context.Background(), id)
	require.Error(t, err)
	require.NotNil(t, cp)
	assert.Empty(t, rec.OfType(contracts.EventCheckpointCreated))

	study, err := o.GetStudy(id)
	require.NoError(t, err)
	assert.NotNil(t, study.LastCheckpoint, "snapshot is kept even if persistence failed")
}

func TestRestoreFromCheckpoint_Idempotent(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, DefaultConfig())
	ctx := context.Background()
	id, cp := checkpointMidway(t, o)

	// progress after the checkpoint is discarded by the restore
	runOne(t, o, id)
	assert.Equal(t, int64(1), o.globalExecuting.Load())

	require.NoError(t, o.RestoreFromCheckpoint(ctx, id, cp))
	first, err := o.Membership(id)
	require.NoError(t, err)
	assert.Equal(t, cp.CompletedJobIDs, first.Completed)
	assert.Empty(t, first.Executing, "in-progress jobs are re-queued")
	assert.Len(t, first.Ready, 3)
	assert.Zero(t, o.globalExecuting.Load())

	require.NoError(t, o.RestoreFromCheckpoint(ctx, id, cp))
	second, err := o.Membership(id)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assertPartition(t, o, id, 4)

	jobs, err := o.Jobs(id)
	require.NoError(t, err)
	for _, j := range jobs {
		if j.Status == contracts.JobPending {
			assert.Nil(t, j.NextAttemptAt)
		}
	}

	cp3, err := o.CreateCheckpoint(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), cp3.Sequence)
}

func TestRestoreFromCheckpoint_WrongStudy(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, DefaultConfig())
	id, cp := checkpointMidway(t, o)

	other := *cp
	other.StudyID = "someone-else"
	require.ErrorIs(t, o.RestoreFromCheckpoint(context.Background(), id, &other), ErrCheckpointMismatch)
	require.ErrorIs(t, o.RestoreFromCheckpoint(context.Background(), id, nil), ErrCheckpointMismatch)
}

func TestRestoreStudy_AfterRestart(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, DefaultConfig())
	id, cp := checkpointMidway(t, o)
	before, err := o.GetStudy(id)
	require.NoError(t, err)

	restarted, _, rec := newTestOrchestrator(t, DefaultConfig())
	study, err := restarted.RestoreStudy(context.Background(), id, before.TenantID, before.Manifest, cp)
	require.NoError(t, err)
	assert.Equal(t, id, study.ID)
	assert.Equal(t, contracts.StudyExecuting, study.Status)
	assert.Equal(t, 1, study.Progress.Completed)
	assert.Equal(t, 3, study.Progress.Pending)
	assert.Len(t, rec.OfType(contracts.EventStudyStarted), 1)

	history, err := restarted.History(id)
	require.NoError(t, err)
	last := history[len(history)-1]
	assert.Equal(t, contracts.StudyQueued, last.From)
	assert.Equal(t, contracts.StudyExecuting, last.To)
	assert.Equal(t, "restored from checkpoint", last.Reason)

	for i := 0; i < 3; i++ {
		runOne(t, restarted, id)
	}
	study, err = restarted.GetStudy(id)
	require.NoError(t, err)
	assert.Equal(t, contracts.StudyComplete, study.Status)

	_, err = restarted.RestoreStudy(context.Background(), id, before.TenantID, before.Manifest, cp)
	require.ErrorIs(t, err, ErrStudyExists)
}

func TestRestoreFromCheckpoint_TerminalStudyIsNotRevived(t *testing.T) {
	o, _, rec := newTestOrchestrator(t, DefaultConfig())
	ctx := context.Background()
	id := createAndStart(t, o, testManifest(1, 1, 1, time.Time{}))
	cp, err := o.CreateCheckpoint(ctx, id)
	require.NoError(t, err)
	require.Equal(t, contracts.StudyExecuting, cp.Status)

	runOne(t, o, id)
	study, err := o.GetStudy(id)
	require.NoError(t, err)
	require.Equal(t, contracts.StudyComplete, study.Status)
	before, err := o.Membership(id)
	require.NoError(t, err)
	historyLen := len(mustHistory(t, o, id))
	started := len(rec.OfType(contracts.EventStudyStarted))

	err = o.RestoreFromCheckpoint(ctx, id, cp)
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	require.ErrorIs(t, err, ErrIllegalTransition)
	assert.Equal(t, contracts.StudyComplete, te.From)
	assert.Equal(t, contracts.StudyExecuting, te.To)

	study, err = o.GetStudy(id)
	require.NoError(t, err)
	assert.Equal(t, contracts.StudyComplete, study.Status)
	after, err := o.Membership(id)
	require.NoError(t, err)
	assert.Equal(t, before, after, "graph untouched")
	assert.Len(t, mustHistory(t, o, id), historyLen)
	assert.Len(t, rec.OfType(contracts.EventStudyStarted), started)
}

func TestRestoreStudy_FollowsLegalEdges(t *testing.T) {
	tests := []struct {
		status contracts.StudyStatus
		want   contracts.StudyStatus
		path   []contracts.StudyStatus
	}{
		{contracts.StudyPaused, contracts.StudyPaused,
			[]contracts.StudyStatus{contracts.StudyExecuting, contracts.StudyPaused}},
		{contracts.StudyFailed, contracts.StudyFailed,
			[]contracts.StudyStatus{contracts.StudyFailed}},
		// validation reruns after the restore
		{contracts.StudyValidatingResults, contracts.StudyComplete,
			[]contracts.StudyStatus{contracts.StudyExecuting, contracts.StudyValidatingResults, contracts.StudyComplete}},
	}
	for _, tc := range tests {
		t.Run(string(tc.status), func(t *testing.T) {
			o, _, _ := newTestOrchestrator(t, DefaultConfig())
			id := createAndStart(t, o, testManifest(1, 1, 1, time.Time{}))
			runOne(t, o, id)
			study, err := o.GetStudy(id)
			require.NoError(t, err)

			restarted, _, _ := newTestOrchestrator(t, DefaultConfig())
			cp := &contracts.Checkpoint{
				StudyID:         id,
				Sequence:        3,
				Status:          tc.status,
				CompletedJobIDs: []string{JobID(id, 0, "s0", "l0")},
			}
			got, err := restarted.RestoreStudy(context.Background(), id, study.TenantID, study.Manifest, cp)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got.Status)

			var hops []contracts.StudyStatus
			for _, tr := range mustHistory(t, restarted, id) {
				if tr.From == contracts.StudyQueued || len(hops) > 0 {
					hops = append(hops, tr.To)
				}
			}
			assert.Equal(t, tc.path, hops)
		})
	}
}

func TestRestorePath(t *testing.T) {
	path, ok := restorePath(contracts.StudyQueued, contracts.StudyComplete)
	require.True(t, ok)
	assert.Equal(t, []contracts.StudyStatus{
		contracts.StudyExecuting, contracts.StudyValidatingResults, contracts.StudyComplete,
	}, path)

	path, ok = restorePath(contracts.StudyExecuting, contracts.StudyExecuting)
	require.True(t, ok)
	assert.Empty(t, path)

	_, ok = restorePath(contracts.StudyExecuting, contracts.StudyQueued)
	assert.False(t, ok)
}

func mustHistory(t *testing.T, o *Orchestrator, id string) []contracts.Transition {
	t.Helper()
	h, err := o.History(id)
	require.NoError(t, err)
	return h
}

func TestCheckpointExecuting_OnlyExecutingStudies(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, DefaultConfig())
	sink := &recordingSink{}
	o.WithCheckpointSink(sink)
	ctx := context.Background()

	running := createAndStart(t, o, testManifest(1, 1, 2, time.Time{}))
	_, err := o.CreateStudy(ctx, "tenant-2", testManifest(1, 1, 1, time.Time{}))
	require.NoError(t, err)

	assert.Equal(t, 1, o.CheckpointExecuting(ctx))
	require.Len(t, sink.saved, 1)
	assert.Equal(t, running, sink.saved[0].StudyID)
}

func TestRunCheckpointLoop_StopsOnCancel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CheckpointInterval = 5 * time.Millisecond
	o := New(cfg)
	sink := &recordingSink{}
	o.WithCheckpointSink(sink)
	createAndStart(t, o, testManifest(1, 1, 2, time.Time{}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		o.RunCheckpointLoop(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.saved) >= 2
	}, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("checkpoint loop did not stop")
	}
}
