package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/edforman-75/bentham-sub003/pkg/config"
	"github.com/edforman-75/bentham-sub003/pkg/contracts"
	"github.com/edforman-75/bentham-sub003/pkg/manifest"
	"github.com/edforman-75/bentham-sub003/pkg/orchestrator"
	"github.com/edforman-75/bentham-sub003/pkg/runner"
	"github.com/edforman-75/bentham-sub003/pkg/store/checkpoint"
)

type stringList []string

func (s *stringList) String() string     { return strings.Join(*s, ", ") }
func (s *stringList) Set(v string) error { *s = append(*s, v); return nil }

// runSummary is printed to stdout when a run ends.
type runSummary struct {
	StudyID       string                `json:"study_id"`
	Status        contracts.StudyStatus `json:"status"`
	StatusReason  string                `json:"status_reason,omitempty"`
	Progress      contracts.Progress    `json:"progress"`
	CostActualUSD float64               `json:"cost_actual_usd"`
	Checkpoint    uint64                `json:"checkpoint_sequence,omitempty"`
}

// runStudyCmd implements `bentham run`.
//
// Exit codes:
//
//	0 = study complete
//	1 = study failed or manifest rejected
//	2 = runtime error
func runStudyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("run", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		configPath   string
		manifestPath string
		studyID      string
		tenantID     string
		resume       bool
		rules        stringList
	)
	cmd.StringVar(&configPath, "config", "", "Path to a YAML config overlay")
	cmd.StringVar(&manifestPath, "manifest", "", "Path to the study manifest (REQUIRED)")
	cmd.StringVar(&studyID, "study-id", "", "Study id (default: random; required with -resume)")
	cmd.StringVar(&tenantID, "tenant", "default", "Tenant that owns the study")
	cmd.BoolVar(&resume, "resume", false, "Restore the study from its latest checkpoint")
	cmd.Var(&rules, "results-rule", "CEL rule the finished study must satisfy (repeatable)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if manifestPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: -manifest is required")
		return 2
	}
	if resume && studyID == "" {
		_, _ = fmt.Fprintln(stderr, "Error: -resume requires -study-id")
		return 2
	}
	if studyID == "" {
		studyID = uuid.New().String()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	subs, err := openSubsystems(ctx, configPath, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = subs.Close() }()
	logger := subs.logger

	validator, err := manifest.NewValidator()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	m, err := validator.Load(manifestPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		if errors.Is(err, manifest.ErrInvalid) {
			return 1
		}
		return 2
	}

	orch := orchestrator.New(orchestratorConfig(subs.cfg)).
		WithLogger(logger).
		WithMetrics(subs.metrics).
		WithManifestValidator(validator).
		WithCheckpointSink(subs.checkpoints).
		WithEscalation(func(ctx context.Context, study contracts.Study, status contracts.DeadlineStatus) {
			logger.WarnContext(ctx, "study at risk of missing its deadline",
				"study_id", study.ID,
				"percent_complete", study.Progress.PercentComplete,
				"hours_remaining", status.HoursRemaining,
			)
		})
	if len(rules) > 0 {
		rv, err := orchestrator.NewCELResultsValidator(rules...)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		orch = orch.WithResultsValidator(rv)
	}

	var cp *contracts.Checkpoint
	if resume {
		cp, err = subs.checkpoints.Latest(ctx, studyID)
		switch {
		case errors.Is(err, checkpoint.ErrNotFound):
			logger.WarnContext(ctx, "no checkpoint found, starting fresh", "study_id", studyID)
		case err != nil:
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
	}

	study, err := orch.RestoreStudy(ctx, studyID, tenantID, m, cp)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		if errors.Is(err, orchestrator.ErrManifestRejected) {
			return 1
		}
		return 2
	}

	switch study.Status {
	case contracts.StudyQueued:
		err = orch.StartStudy(ctx, studyID)
	case contracts.StudyPaused:
		err = orch.ResumeStudy(ctx, studyID, "cli")
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	pm, err := subs.newPoolManager()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = pm.Close() }()
	pm.StartHealthMonitor(ctx, subs.cfg.Pool.HealthInterval)
	go orch.RunCheckpointLoop(ctx)

	r := runner.New(runnerConfig(subs.cfg), orch, pm, subs.evidence).WithLogger(logger)
	final, runErr := r.RunStudy(ctx, studyID)

	// A last checkpoint lets an interrupted run resume exactly where it stopped.
	last, cpErr := orch.CreateCheckpoint(context.WithoutCancel(ctx), studyID)
	if cpErr != nil {
		logger.Error("final checkpoint failed", "study_id", studyID, "error", cpErr)
	}

	if final == nil {
		if final, err = orch.GetStudy(studyID); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
	}
	summary := runSummary{
		StudyID:       final.ID,
		Status:        final.Status,
		StatusReason:  final.StatusReason,
		Progress:      final.Progress,
		CostActualUSD: final.CostActualUSD,
	}
	if last != nil && cpErr == nil {
		summary.Checkpoint = last.Sequence
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return 2
	}

	if runErr != nil {
		_, _ = fmt.Fprintf(stderr, "Run interrupted: %v (resume with -resume -study-id %s)\n", runErr, studyID)
		return 2
	}
	if final.Status == contracts.StudyComplete {
		return 0
	}
	return 1
}

func orchestratorConfig(cfg *config.Config) orchestrator.Config {
	oc := orchestrator.DefaultConfig()
	sc := cfg.Scheduling
	if sc.PerStudyConcurrency > 0 {
		oc.PerStudyConcurrency = sc.PerStudyConcurrency
	}
	if sc.GlobalConcurrency > 0 {
		oc.GlobalConcurrency = sc.GlobalConcurrency
	}
	if cfg.Checkpoint.Interval > 0 {
		oc.CheckpointInterval = cfg.Checkpoint.Interval
	}
	if sc.BackoffBase > 0 {
		oc.Backoff.Base = sc.BackoffBase
	}
	if sc.BackoffMax > 0 {
		oc.Backoff.Max = sc.BackoffMax
	}
	oc.CostPerCellUSD = sc.CostPerCellUSD
	return oc
}

func runnerConfig(cfg *config.Config) runner.Config {
	rc := runner.DefaultConfig()
	if cfg.Scheduling.Workers > 0 {
		rc.Workers = cfg.Scheduling.Workers
		rc.BatchSize = cfg.Scheduling.Workers
	}
	if cfg.Scheduling.QueryTimeout > 0 {
		rc.QueryTimeout = cfg.Scheduling.QueryTimeout
	}
	rc.Fallbacks = make(map[string][]string)
	rc.RateLimits = make(map[string]runner.RateLimit)
	for id, s := range cfg.Surfaces {
		if len(s.Fallbacks) > 0 {
			rc.Fallbacks[id] = s.Fallbacks
		}
		if s.RatePerSecond > 0 {
			rc.RateLimits[id] = runner.RateLimit{PerSecond: s.RatePerSecond, Burst: s.Burst}
		}
	}
	rc.Retention.Days = cfg.Evidence.RetentionDays
	return rc
}
