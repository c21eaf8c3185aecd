package orchestrator

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/edforman-75/bentham-sub003/pkg/contracts"
)

// EvaluateDeadline computes required and current completion rates.
//
// requiredRate = remaining / hoursRemaining (+Inf once the deadline passed)
// currentRate  = completed / hoursElapsed
// atRisk       = 0 < currentRate < factor × requiredRate
func EvaluateDeadline(p contracts.Progress, deadline time.Time, startedAt *time.Time, now time.Time, factor float64) contracts.DeadlineStatus {
	ds := contracts.DeadlineStatus{
		Deadline:    deadline,
		EvaluatedAt: now,
	}
	if deadline.IsZero() {
		return ds
	}
	remaining := p.Total - p.Completed - p.Failed
	ds.HoursRemaining = deadline.Sub(now).Hours()
	switch {
	case ds.HoursRemaining <= 0:
		ds.RequiredRate = math.Inf(1)
	default:
		ds.RequiredRate = float64(remaining) / ds.HoursRemaining
	}
	if startedAt != nil {
		if elapsed := now.Sub(*startedAt).Hours(); elapsed > 0 {
			ds.CurrentRate = float64(p.Completed) / elapsed
		}
	}
	ds.AtRisk = ds.CurrentRate > 0 && ds.CurrentRate < factor*ds.RequiredRate
	return ds
}

// refreshLocked recomputes progress and deadline status after a mutation.
// The escalation fires only on the edge into at-risk. Caller holds st.mu.
func (o *Orchestrator) refreshLocked(ctx context.Context, st *studyState, fx *effects) {
	_ = ctx
	now := o.clock()
	st.study.Progress = st.graph.progress(now)
	ds := EvaluateDeadline(st.study.Progress, st.study.Manifest.Deadline, st.study.StartedAt, now, o.cfg.AtRiskFactor)
	if ds.AtRisk && !st.atRisk {
		fx.escalate = &ds
	}
	st.atRisk = ds.AtRisk
	st.study.Deadline = ds
	if st.study.Status == contracts.StudyExecuting && st.graph.Settled() {
		fx.evaluate = true
	}
}

// coverageFailures lists required surfaces that missed the threshold.
func coverageFailures(m *contracts.Manifest, p contracts.Progress) []string {
	threshold := m.CompletionCriteria.RequiredSurfaces.CoverageThreshold
	var failures []string
	for _, id := range m.CompletionCriteria.RequiredSurfaces.SurfaceIDs {
		sp, ok := p.BySurface[id]
		if !ok || sp.Total == 0 {
			failures = append(failures, fmt.Sprintf("required surface %q has no cells", id))
			continue
		}
		if cov := sp.Coverage(); cov < threshold {
			failures = append(failures, fmt.Sprintf(
				"required surface %q coverage %.2f below threshold %.2f (%d/%d cells completed)",
				id, cov, threshold, sp.Completed, sp.Total))
		}
	}
	return failures
}

// finalize runs the completion rule once nothing is ready or executing:
// executing -> validating_results -> complete, or executing -> failed when a
// required surface misses its coverage threshold.
func (o *Orchestrator) finalize(ctx context.Context, st *studyState) {
	fx := &effects{}
	st.mu.Lock()
	if st.study.Status != contracts.StudyExecuting || !st.graph.Settled() {
		st.mu.Unlock()
		return
	}
	if failures := coverageFailures(&st.study.Manifest, st.study.Progress); len(failures) > 0 {
		_ = o.transitionLocked(ctx, st, fx, contracts.StudyFailed, strings.Join(failures, "; "), "system")
		st.mu.Unlock()
		o.publish(fx)
		return
	}
	_ = o.transitionLocked(ctx, st, fx, contracts.StudyValidatingResults, "all jobs settled", "system")
	snap := copyStudy(&st.study)
	st.mu.Unlock()
	o.publish(fx)

	var verr error
	if o.results != nil {
		verr = o.results.ValidateResults(ctx, snap)
	}

	fx = &effects{}
	st.mu.Lock()
	if st.study.Status != contracts.StudyValidatingResults {
		st.mu.Unlock()
		return
	}
	if verr != nil {
		_ = o.transitionLocked(ctx, st, fx, contracts.StudyFailed, "results validation failed: "+verr.Error(), "validator")
	} else {
		_ = o.transitionLocked(ctx, st, fx, contracts.StudyComplete, "required surfaces met coverage", "system")
	}
	st.mu.Unlock()
	o.publish(fx)
}

func (o *Orchestrator) publish(fx *effects) {
	for _, evt := range fx.events {
		o.bus.Publish(evt)
	}
}
