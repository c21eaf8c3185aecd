package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/edforman-75/bentham-sub003/pkg/contracts"
)

// GetNextJobs returns up to limit jobs that may be started now. It never
// mutates the graph: callers claim jobs with StartJob. The batch size is
// further bounded by the per-study and global concurrency caps.
func (o *Orchestrator) GetNextJobs(studyID string, limit int) ([]contracts.Job, error) {
	st, err := o.get(studyID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.study.Status != contracts.StudyExecuting || limit <= 0 {
		return nil, nil
	}
	capacity := o.cfg.PerStudyConcurrency - len(st.graph.executing)
	if o.cfg.GlobalConcurrency > 0 {
		if global := o.cfg.GlobalConcurrency - int(o.globalExecuting.Load()); global < capacity {
			capacity = global
		}
	}
	if limit < capacity {
		capacity = limit
	}
	if capacity <= 0 {
		return nil, nil
	}

	candidates := st.graph.eligible(o.clock())
	if len(candidates) > capacity {
		candidates = candidates[:capacity]
	}
	out := make([]contracts.Job, len(candidates))
	for i, job := range candidates {
		out[i] = copyJob(job)
	}
	return out, nil
}

// StartJob moves a job from ready to executing and counts the attempt. The
// job must be eligible exactly as GetNextJobs defines it, and both
// concurrency caps must have room; otherwise ErrJobNotReady is returned.
func (o *Orchestrator) StartJob(ctx context.Context, studyID, jobID string) (*contracts.Job, error) {
	st, err := o.get(studyID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	if st.study.Status != contracts.StudyExecuting {
		status := st.study.Status
		st.mu.Unlock()
		return nil, fmt.Errorf("%w: status %s", ErrStudyNotExecuting, status)
	}
	job, ok := st.graph.Job(jobID)
	if !ok {
		st.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if job.Status != contracts.JobPending {
		st.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrJobNotReady, jobID, job.Status)
	}
	now := o.clock()
	if job.NextAttemptAt != nil && job.NextAttemptAt.After(now) {
		st.mu.Unlock()
		return nil, fmt.Errorf("%w: %s backs off until %s", ErrJobNotReady, jobID, job.NextAttemptAt.Format(time.RFC3339Nano))
	}
	if !st.graph.depsComplete(job) {
		st.mu.Unlock()
		return nil, fmt.Errorf("%w: %s waits on %v", ErrJobNotReady, jobID, job.DependsOn)
	}
	if len(st.graph.executing) >= o.cfg.PerStudyConcurrency {
		st.mu.Unlock()
		return nil, fmt.Errorf("%w: study %s at concurrency limit %d", ErrJobNotReady, studyID, o.cfg.PerStudyConcurrency)
	}
	if !o.reserveSlot() {
		st.mu.Unlock()
		return nil, fmt.Errorf("%w: global concurrency limit %d reached", ErrJobNotReady, o.cfg.GlobalConcurrency)
	}

	st.graph.move(jobID, contracts.JobExecuting)
	job.Attempts++
	job.LastAttemptAt = &now
	job.NextAttemptAt = nil

	fx := &effects{}
	o.refreshLocked(ctx, st, fx)
	out := copyJob(job)
	st.mu.Unlock()

	o.metrics.JobStarted(ctx, out.SurfaceID)
	o.flush(ctx, st, fx)
	return &out, nil
}

// reserveSlot takes one global execution slot if the cap allows it.
func (o *Orchestrator) reserveSlot() bool {
	limit := int64(o.cfg.GlobalConcurrency)
	for {
		cur := o.globalExecuting.Load()
		if limit > 0 && cur >= limit {
			return false
		}
		if o.globalExecuting.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// lockExecutingJob loads a job that must currently be executing. On success
// the study lock is held.
func (o *Orchestrator) lockExecutingJob(studyID, jobID string) (*studyState, *contracts.Job, error) {
	st, err := o.get(studyID)
	if err != nil {
		return nil, nil, err
	}
	st.mu.Lock()
	if st.graph == nil {
		st.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	job, ok := st.graph.Job(jobID)
	if !ok {
		st.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if job.Status != contracts.JobExecuting {
		st.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: %s is %s", ErrJobNotExecuting, jobID, job.Status)
	}
	return st, job, nil
}

// CompleteJob records a successful attempt.
func (o *Orchestrator) CompleteJob(ctx context.Context, studyID, jobID string, outcome contracts.JobOutcome) error {
	st, job, err := o.lockExecutingJob(studyID, jobID)
	if err != nil {
		return err
	}
	now := o.clock()
	st.graph.move(jobID, contracts.JobCompleted)
	job.CompletedAt = &now
	job.LastError = ""
	o.globalExecuting.Add(-1)
	st.study.CostActualUSD += outcome.CostUSD

	fx := &effects{}
	details := map[string]any{
		"study_id": studyID,
		"surface":  job.SurfaceID,
		"attempts": job.Attempts,
	}
	if outcome.EvidenceHash != "" {
		details["evidence_hash"] = outcome.EvidenceHash
	}
	if outcome.AdapterID != "" {
		details["adapter_id"] = outcome.AdapterID
	}
	fx.events = append(fx.events, o.event(contracts.EventJobCompleted, jobID, details))
	o.refreshLocked(ctx, st, fx)
	surface := job.SurfaceID
	st.mu.Unlock()

	o.metrics.JobCompleted(ctx, surface)
	o.flush(ctx, st, fx)
	return nil
}

// FailJob records a failed attempt. While attempts remain the job goes back
// to the ready queue behind a capped exponential backoff; otherwise it moves
// to the failed set, along with any job that depends on it.
func (o *Orchestrator) FailJob(ctx context.Context, studyID, jobID, reason string) error {
	st, job, err := o.lockExecutingJob(studyID, jobID)
	if err != nil {
		return err
	}
	now := o.clock()
	o.globalExecuting.Add(-1)
	job.LastError = reason
	fx := &effects{}

	terminal := job.Attempts >= job.MaxAttempts
	if !terminal {
		next := now.Add(o.cfg.Backoff.Delay(job.Attempts))
		job.NextAttemptAt = &next
		st.graph.move(jobID, contracts.JobPending)
		o.logger.DebugContext(ctx, "job attempt failed, retrying",
			"study_id", studyID,
			"job_id", jobID,
			"attempts", job.Attempts,
			"next_attempt_at", next,
			"reason", reason,
		)
	} else {
		st.graph.move(jobID, contracts.JobFailed)
		fx.events = append(fx.events, o.event(contracts.EventJobFailed, jobID, map[string]any{
			"study_id": studyID,
			"surface":  job.SurfaceID,
			"attempts": job.Attempts,
			"reason":   reason,
		}))
		for _, dep := range st.graph.failDependents(jobID) {
			fx.events = append(fx.events, o.event(contracts.EventJobFailed, dep, map[string]any{
				"study_id": studyID,
				"reason":   "dependency failed: " + jobID,
			}))
		}
		o.logger.WarnContext(ctx, "job failed permanently",
			"study_id", studyID,
			"job_id", jobID,
			"attempts", job.Attempts,
			"reason", reason,
		)
	}
	o.refreshLocked(ctx, st, fx)
	surface := job.SurfaceID
	st.mu.Unlock()

	o.metrics.JobFailed(ctx, surface, terminal)
	o.flush(ctx, st, fx)
	return nil
}
