package jobs

import (
	"fmt"

	"github.com/poiesic/mailkb/core"
)

var transitions = map[core.JobState][]core.JobState{
	core.JobQueued: {
		core.JobRunning,
		core.JobFailed,
	},
	core.JobRunning: {
		core.JobSucceeded,
		core.JobFailed,
		core.JobPartiallySucceeded,
		core.JobRetryScheduled,
		core.JobQueued,
	},
	core.JobRetryScheduled: {
		core.JobQueued,
		core.JobFailed,
	},
}

// CanTransition reports whether a job may move from one state to another.
// Terminal states have no outgoing transitions.
func CanTransition(from, to core.JobState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// transition moves job to state to, or returns core.ErrInvalidTransition.
// It returns the state the job was in.
func transition(job *core.Job, to core.JobState) (core.JobState, error) {
	from := job.State
	if !CanTransition(from, to) {
		return from, fmt.Errorf("%w: %s -> %s", core.ErrInvalidTransition, from, to)
	}
	job.State = to
	return from, nil
}
