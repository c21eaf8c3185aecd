// Package runner drives executing studies: it claims ready jobs from the
// orchestrator, queries the adapter pools, captures evidence for successful
// cells and reports each outcome back.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/edforman-75/bentham-sub003/pkg/contracts"
	"github.com/edforman-75/bentham-sub003/pkg/evidence"
	"github.com/edforman-75/bentham-sub003/pkg/observability"
	"github.com/edforman-75/bentham-sub003/pkg/orchestrator"
)

// Scheduler is the slice of the orchestrator the runner needs.
type Scheduler interface {
	GetStudy(studyID string) (*contracts.Study, error)
	GetNextJobs(studyID string, limit int) ([]contracts.Job, error)
	StartJob(ctx context.Context, studyID, jobID string) (*contracts.Job, error)
	CompleteJob(ctx context.Context, studyID, jobID string, outcome contracts.JobOutcome) error
	FailJob(ctx context.Context, studyID, jobID, reason string) error
}

// Querier executes one request against an ordered list of capabilities.
type Querier interface {
	QueryWithFallback(ctx context.Context, surfaceIDs []string, req contracts.QueryRequest) (*contracts.QueryResponse, error)
}

// EvidenceSink captures and persists the evidence of a successful cell.
type EvidenceSink interface {
	CaptureAndStore(ctx context.Context, req evidence.CaptureRequest, policy evidence.RetentionPolicy) (*evidence.Bundle, *evidence.Record, error)
}

// Config tunes the runner.
type Config struct {
	// Workers bounds in-flight queries across all studies of this runner.
	Workers      int
	BatchSize    int
	PollInterval time.Duration
	QueryTimeout time.Duration
	// Fallbacks lists capabilities tried after a surface's own pool.
	Fallbacks   map[string][]string
	RateLimits  map[string]RateLimit
	DefaultRate RateLimit
	Retention   evidence.RetentionPolicy
}

// DefaultConfig returns runner defaults.
func DefaultConfig() Config {
	return Config{
		Workers:      10,
		BatchSize:    10,
		PollInterval: 250 * time.Millisecond,
		QueryTimeout: 2 * time.Minute,
	}
}

// Runner executes studies.
type Runner struct {
	cfg      Config
	sched    Scheduler
	querier  Querier
	evidence EvidenceSink
	limiters *surfaceLimiters
	logger   *slog.Logger
}

// New creates a runner. evidence may be nil, in which case cells complete
// without a capture.
func New(cfg Config, sched Scheduler, querier Querier, sink EvidenceSink) *Runner {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = cfg.Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = def.QueryTimeout
	}
	return &Runner{
		cfg:      cfg,
		sched:    sched,
		querier:  querier,
		evidence: sink,
		limiters: newSurfaceLimiters(cfg.RateLimits, cfg.DefaultRate),
		logger:   slog.Default().With("component", "runner"),
	}
}

// WithLogger sets the logger.
func (r *Runner) WithLogger(logger *slog.Logger) *Runner {
	r.logger = logger.With("component", "runner")
	return r
}

// RunStudy dispatches jobs until the study reaches a terminal status or ctx
// ends. Paused studies are waited on, not abandoned. The returned study is
// the last snapshot observed.
func (r *Runner) RunStudy(ctx context.Context, studyID string) (*contracts.Study, error) {
	var g errgroup.Group
	g.SetLimit(r.cfg.Workers)
	wake := make(chan struct{}, 1)

	defer func() { _ = g.Wait() }()

	for {
		study, err := r.sched.GetStudy(studyID)
		if err != nil {
			return nil, err
		}
		if study.Status.IsTerminal() {
			_ = g.Wait()
			final, err := r.sched.GetStudy(studyID)
			if err != nil {
				return study, nil
			}
			return final, nil
		}

		dispatched := 0
		if study.Status == contracts.StudyExecuting {
			dispatched, err = r.dispatch(ctx, &g, study, wake)
			if err != nil {
				return study, err
			}
		}
		if dispatched > 0 {
			continue
		}

		timer := time.NewTimer(r.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return study, ctx.Err()
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (r *Runner) dispatch(ctx context.Context, g *errgroup.Group, study *contracts.Study, wake chan struct{}) (int, error) {
	jobs, err := r.sched.GetNextJobs(study.ID, r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, j := range jobs {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		job, err := r.sched.StartJob(ctx, study.ID, j.ID)
		if err != nil {
			if errors.Is(err, orchestrator.ErrJobNotReady) || errors.Is(err, orchestrator.ErrStudyNotExecuting) {
				continue
			}
			return n, err
		}
		n++
		manifest := study.Manifest
		g.Go(func() error {
			r.execute(ctx, manifest, *job)
			select {
			case wake <- struct{}{}:
			default:
			}
			return nil
		})
	}
	return n, nil
}

// execute runs one attempt and always reports an outcome, even when ctx
// was cancelled, so the job never stays executing.
func (r *Runner) execute(ctx context.Context, m contracts.Manifest, job contracts.Job) {
	ctx, done := observability.TrackOperation(ctx, "job.execute",
		observability.JobAttributes(job.StudyID, job.ID, job.SurfaceID, job.LocationID, job.Attempts)...)
	var spanErr error
	defer func() { done(spanErr) }()

	report := context.WithoutCancel(ctx)
	logger := r.logger.With("study_id", job.StudyID, "job_id", job.ID, "attempt", job.Attempts)
	fail := func(reason string) {
		spanErr = errors.New(reason)
		r.fail(report, logger, job, reason)
	}

	if err := r.limiters.Wait(ctx, job.SurfaceID); err != nil {
		fail(fmt.Sprintf("rate limiter: %v", err))
		return
	}

	qctx, cancel := context.WithTimeout(ctx, r.cfg.QueryTimeout)
	defer cancel()

	surfaces := append([]string{job.SurfaceID}, r.cfg.Fallbacks[job.SurfaceID]...)
	resp, err := r.querier.QueryWithFallback(qctx, surfaces, contracts.QueryRequest{
		JobID:      job.ID,
		StudyID:    job.StudyID,
		SurfaceID:  job.SurfaceID,
		QueryText:  job.QueryText,
		LocationID: job.LocationID,
	})
	if err != nil {
		fail(err.Error())
		return
	}
	observability.AddSpanEvent(ctx, "backend.answered", observability.AttrAdapterID.String(resp.AdapterID))

	outcome := contracts.JobOutcome{CostUSD: resp.CostUSD, AdapterID: resp.AdapterID}
	if r.evidence != nil {
		level, err := evidence.ParseCaptureLevel(m.EvidenceLevel)
		if err != nil {
			fail(err.Error())
			return
		}
		b, _, err := r.evidence.CaptureAndStore(report, evidence.CaptureRequest{
			Level:     level,
			LegalHold: m.LegalHold,
			Job:       job,
			Response:  resp,
		}, r.cfg.Retention)
		if err != nil {
			fail(fmt.Sprintf("evidence: %v", err))
			return
		}
		outcome.EvidenceHash = b.ContentHash
	}

	if err := r.sched.CompleteJob(report, job.StudyID, job.ID, outcome); err != nil {
		spanErr = err
		logger.WarnContext(ctx, "complete job rejected", "error", err)
		return
	}
	logger.DebugContext(ctx, "job completed", "adapter_id", resp.AdapterID)
}

func (r *Runner) fail(ctx context.Context, logger *slog.Logger, job contracts.Job, reason string) {
	logger.DebugContext(ctx, "job attempt failed", "reason", reason)
	if err := r.sched.FailJob(ctx, job.StudyID, job.ID, reason); err != nil {
		logger.WarnContext(ctx, "fail job rejected", "error", err)
	}
}
