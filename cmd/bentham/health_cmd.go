package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/edforman-75/bentham-sub003/pkg/contracts"
	"github.com/edforman-75/bentham-sub003/pkg/pool"
)

type healthReport struct {
	Database    string            `json:"database"`
	Checkpoints string            `json:"checkpoints"`
	Pools       pool.SystemHealth `json:"pools"`
	Healthy     bool              `json:"healthy"`
}

// runHealthCmd implements `bentham health`. Storage is pinged directly.
// With -probe every configured surface is sent one query so that the pool
// report reflects live adapters rather than an empty window.
func runHealthCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("health", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		configPath string
		probe      string
		timeout    time.Duration
	)
	cmd.StringVar(&configPath, "config", "", "Path to a YAML config overlay")
	cmd.StringVar(&probe, "probe", "", "Query text sent once to each surface")
	cmd.DurationVar(&timeout, "timeout", 10*time.Second, "Overall deadline for the checks")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	subs, err := openSubsystems(ctx, configPath, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer func() { _ = subs.Close() }()

	report := healthReport{Database: "ok", Checkpoints: "ok", Healthy: true}
	if err := subs.db.PingContext(ctx); err != nil {
		report.Database = err.Error()
		report.Healthy = false
	}
	if subs.redis != nil {
		if err := subs.redis.Ping(ctx); err != nil {
			report.Checkpoints = err.Error()
			report.Healthy = false
		}
	}

	pm, err := subs.newPoolManager()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer func() { _ = pm.Close() }()

	if probe != "" {
		for _, surfaceID := range pm.Surfaces() {
			_, err := pm.Query(ctx, surfaceID, contracts.QueryRequest{
				JobID:     "health-probe",
				SurfaceID: surfaceID,
				QueryText: probe,
			})
			if err != nil {
				subs.logger.WarnContext(ctx, "probe failed", "surface_id", surfaceID, "error", err)
			}
		}
	}
	report.Pools = pm.SystemHealth()
	if len(report.Pools.Unavailable) > 0 {
		report.Healthy = false
	}

	data, _ := json.MarshalIndent(report, "", "  ")
	_, _ = fmt.Fprintln(stdout, string(data))
	if !report.Healthy {
		return 1
	}
	return 0
}
