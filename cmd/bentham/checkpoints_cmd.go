package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/edforman-75/bentham-sub003/pkg/store/checkpoint"
)

// runCheckpointsCmd implements `bentham checkpoints`. Without -study it
// lists the studies that have checkpoints; with it, it prints the latest one.
func runCheckpointsCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("checkpoints", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var configPath, studyID string
	cmd.StringVar(&configPath, "config", "", "Path to a YAML config overlay")
	cmd.StringVar(&studyID, "study", "", "Show the latest checkpoint of this study")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	subs, err := openSubsystems(ctx, configPath, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = subs.Close() }()

	if studyID == "" {
		ids, err := subs.checkpoints.Studies(ctx)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		for _, id := range ids {
			_, _ = fmt.Fprintln(stdout, id)
		}
		return 0
	}

	cp, err := subs.checkpoints.Latest(ctx, studyID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		_, _ = fmt.Fprintf(stderr, "No checkpoint for study %s\n", studyID)
		return 1
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	data, _ := json.MarshalIndent(cp, "", "  ")
	_, _ = fmt.Fprintln(stdout, string(data))
	return 0
}
