package orchestrator

import "errors"

var (
	ErrStudyNotFound      = errors.New("study not found")
	ErrStudyExists        = errors.New("study already exists")
	ErrJobNotFound        = errors.New("job not found")
	ErrJobNotReady        = errors.New("job is not in the ready queue")
	ErrJobNotExecuting    = errors.New("job is not executing")
	ErrStudyNotExecuting  = errors.New("study is not executing")
	ErrStudyNotQueued     = errors.New("study is not queued")
	ErrManifestRejected   = errors.New("manifest rejected")
	ErrDependencyCycle    = errors.New("dependency would create a cycle")
	ErrCheckpointMismatch = errors.New("checkpoint belongs to another study")
)
