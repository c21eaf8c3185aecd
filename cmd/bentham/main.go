package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing. Exit codes:
//
//	0 = success
//	1 = the operation ran and reported failure
//	2 = usage or runtime error
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "run":
		return runStudyCmd(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "purge":
		return runPurgeCmd(args[2:], stdout, stderr)
	case "checkpoints":
		return runCheckpointsCmd(args[2:], stdout, stderr)
	case "health":
		return runHealthCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "Usage: bentham <command> [flags]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Commands:")
	_, _ = fmt.Fprintln(w, "  run          Execute a study manifest (resumes from the latest checkpoint with -resume)")
	_, _ = fmt.Fprintln(w, "  verify       Verify stored evidence and its custody chain for a job")
	_, _ = fmt.Fprintln(w, "  purge        Delete evidence past its retention that is not under legal hold")
	_, _ = fmt.Fprintln(w, "  checkpoints  List studies with checkpoints or show the latest one")
	_, _ = fmt.Fprintln(w, "  health       Check storage backends and configured adapters")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Every command accepts -config <file.yaml>; environment variables override the file.")
}
