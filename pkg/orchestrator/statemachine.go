package orchestrator

import (
	"errors"
	"fmt"

	"github.com/edforman-75/bentham-sub003/pkg/contracts"
)

// ErrIllegalTransition is wrapped by every rejected status change.
var ErrIllegalTransition = errors.New("illegal study transition")

// TransitionError describes a rejected edge.
type TransitionError struct {
	From contracts.StudyStatus
	To   contracts.StudyStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s -> %s", ErrIllegalTransition, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrIllegalTransition }

// transitions is authoritative: any edge not listed is rejected.
var transitions = map[contracts.StudyStatus][]contracts.StudyStatus{
	contracts.StudyManifestReceived: {contracts.StudyValidating, contracts.StudyFailed},
	contracts.StudyValidating:       {contracts.StudyQueued, contracts.StudyFailed},
	contracts.StudyQueued:           {contracts.StudyExecuting, contracts.StudyFailed},
	contracts.StudyExecuting: {
		contracts.StudyPaused,
		contracts.StudyHumanInterventionRequired,
		contracts.StudyValidatingResults,
		contracts.StudyFailed,
	},
	contracts.StudyPaused:                    {contracts.StudyExecuting, contracts.StudyFailed},
	contracts.StudyHumanInterventionRequired: {contracts.StudyExecuting, contracts.StudyFailed},
	contracts.StudyValidatingResults:         {contracts.StudyComplete, contracts.StudyFailed},
}

// CanTransition reports whether from -> to is a listed edge.
func CanTransition(from, to contracts.StudyStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// lifecycleEvent maps a transition to the event it fires, if any.
func lifecycleEvent(from, to contracts.StudyStatus) (contracts.EventType, bool) {
	switch to {
	case contracts.StudyExecuting:
		if from == contracts.StudyQueued {
			return contracts.EventStudyStarted, true
		}
	case contracts.StudyPaused:
		return contracts.EventStudyPaused, true
	case contracts.StudyComplete:
		return contracts.EventStudyCompleted, true
	case contracts.StudyFailed:
		return contracts.EventStudyFailed, true
	}
	return "", false
}
