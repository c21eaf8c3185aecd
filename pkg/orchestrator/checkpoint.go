package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/edforman-75/bentham-sub003/pkg/contracts"
)

// CreateCheckpoint snapshots a study's membership sets and progress. The
// study lock is held only for the copy. When a sink is configured the
// checkpoint is persisted; a persistence failure is logged and returned but
// the snapshot is still recorded on the study.
func (o *Orchestrator) CreateCheckpoint(ctx context.Context, studyID string) (*contracts.Checkpoint, error) {
	st, err := o.get(studyID)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	if st.graph == nil {
		status := st.study.Status
		st.mu.Unlock()
		return nil, fmt.Errorf("%w: status %s has no job graph", ErrStudyNotQueued, status)
	}
	st.seq++
	mem := st.graph.Membership()
	cp := &contracts.Checkpoint{
		StudyID:          studyID,
		Sequence:         st.seq,
		Status:           st.study.Status,
		CompletedJobIDs:  mem.Completed,
		FailedJobIDs:     mem.Failed,
		InProgressJobIDs: mem.Executing,
		Progress:         copyStudy(&st.study).Progress,
		CreatedAt:        o.clock(),
	}
	recorded := *cp
	st.study.LastCheckpoint = &recorded
	st.mu.Unlock()

	persisted := false
	if o.sink != nil {
		if err := o.sink.Save(ctx, cp); err != nil {
			o.logger.ErrorContext(ctx, "checkpoint save failed",
				"study_id", studyID,
				"sequence", cp.Sequence,
				"error", err,
			)
			o.metrics.CheckpointCreated(ctx, false)
			return cp, fmt.Errorf("save checkpoint %s#%d: %w", studyID, cp.Sequence, err)
		}
		persisted = true
	}
	o.metrics.CheckpointCreated(ctx, persisted)
	o.bus.Emit(contracts.EventCheckpointCreated, studyID, map[string]any{
		"sequence":  cp.Sequence,
		"completed": len(cp.CompletedJobIDs),
		"failed":    len(cp.FailedJobIDs),
		"executing": len(cp.InProgressJobIDs),
	})
	return cp, nil
}

// RestoreFromCheckpoint resets a study's job graph to the checkpoint. Jobs
// that were in progress when it was taken are re-queued, so execution is
// at-least-once. Restoring the same checkpoint twice yields the same sets.
// The study's status follows the checkpoint through legal transitions only;
// a study that already reached complete or failed is never restored.
func (o *Orchestrator) RestoreFromCheckpoint(ctx context.Context, studyID string, cp *contracts.Checkpoint) error {
	if cp == nil {
		return fmt.Errorf("%w: nil checkpoint", ErrCheckpointMismatch)
	}
	if cp.StudyID != studyID {
		return fmt.Errorf("%w: checkpoint for %s applied to %s", ErrCheckpointMismatch, cp.StudyID, studyID)
	}
	st, err := o.get(studyID)
	if err != nil {
		return err
	}

	fx := &effects{}
	st.mu.Lock()
	if st.graph == nil {
		st.mu.Unlock()
		return fmt.Errorf("%w: study %s has no job graph", ErrStudyNotQueued, studyID)
	}
	target := restoreTarget(cp.Status)
	if st.study.Status.IsTerminal() {
		from := st.study.Status
		st.mu.Unlock()
		return &TransitionError{From: from, To: target}
	}
	path, ok := restorePath(st.study.Status, target)
	if !ok {
		from := st.study.Status
		st.mu.Unlock()
		return &TransitionError{From: from, To: target}
	}
	for _, id := range append(append([]string(nil), cp.CompletedJobIDs...), cp.FailedJobIDs...) {
		if _, ok := st.graph.Job(id); !ok {
			st.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
	}
	lost := st.graph.restore(cp.CompletedJobIDs, cp.FailedJobIDs)
	o.globalExecuting.Add(-int64(lost))
	if cp.Sequence > st.seq {
		st.seq = cp.Sequence
	}
	recorded := *cp
	st.study.LastCheckpoint = &recorded

	for _, to := range path {
		// every hop was checked against the table by restorePath
		_ = o.transitionLocked(ctx, st, fx, to, "restored from checkpoint", "system")
	}
	o.refreshLocked(ctx, st, fx)
	st.mu.Unlock()

	o.logger.InfoContext(ctx, "study restored from checkpoint",
		"study_id", studyID,
		"sequence", cp.Sequence,
		"completed", len(cp.CompletedJobIDs),
		"failed", len(cp.FailedJobIDs),
		"requeued", len(cp.InProgressJobIDs),
	)
	o.flush(ctx, st, fx)
	return nil
}

// restoreTarget is the status a study resumes in. A checkpoint taken while
// results were being validated resumes as executing so that the completion
// rule runs again against the restored graph.
func restoreTarget(s contracts.StudyStatus) contracts.StudyStatus {
	if s == contracts.StudyValidatingResults {
		return contracts.StudyExecuting
	}
	return s
}

// restorePath is the shortest chain of legal transitions from -> to,
// excluding from itself. An empty path means no change is needed.
func restorePath(from, to contracts.StudyStatus) ([]contracts.StudyStatus, bool) {
	if from == to {
		return nil, true
	}
	prev := map[contracts.StudyStatus]contracts.StudyStatus{from: from}
	queue := []contracts.StudyStatus{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range transitions[cur] {
			if _, seen := prev[next]; seen {
				continue
			}
			prev[next] = cur
			if next == to {
				var path []contracts.StudyStatus
				for s := to; s != from; s = prev[s] {
					path = append([]contracts.StudyStatus{s}, path...)
				}
				return path, true
			}
			queue = append(queue, next)
		}
	}
	return nil, false
}

// RestoreStudy recreates a study after a process restart: it rebuilds the
// job graph from the manifest under the original study id and applies cp.
func (o *Orchestrator) RestoreStudy(ctx context.Context, studyID, tenantID string, m contracts.Manifest, cp *contracts.Checkpoint) (*contracts.Study, error) {
	if cp != nil && cp.StudyID != studyID {
		return nil, fmt.Errorf("%w: checkpoint for %s applied to %s", ErrCheckpointMismatch, cp.StudyID, studyID)
	}
	if _, err := o.createStudy(ctx, studyID, tenantID, m); err != nil {
		return nil, err
	}
	if cp != nil {
		if err := o.RestoreFromCheckpoint(ctx, studyID, cp); err != nil {
			return nil, err
		}
	}
	return o.GetStudy(studyID)
}

// RunCheckpointLoop checkpoints every executing study on each tick until ctx
// is cancelled. Failures are logged and do not stop the loop.
func (o *Orchestrator) RunCheckpointLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.CheckpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.CheckpointExecuting(ctx)
		}
	}
}

// CheckpointExecuting takes one checkpoint of every executing study and
// returns how many were taken.
func (o *Orchestrator) CheckpointExecuting(ctx context.Context) int {
	n := 0
	for _, s := range o.ListStudies() {
		if s.Status != contracts.StudyExecuting {
			continue
		}
		if _, err := o.CreateCheckpoint(ctx, s.ID); err != nil {
			continue
		}
		n++
	}
	return n
}
