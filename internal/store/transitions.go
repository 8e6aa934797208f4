package store

// validNext enumerates the legal state-transition table. A job in a
// terminal state has no outgoing edges; the only way out is an
// administrative purge, which operates outside this table entirely.
var validNext = map[JobState]map[JobState]bool{
	JobQueued: {
		JobAssigned:  true,
		JobCancelled: true,
	},
	JobAssigned: {
		JobRunning:   true,
		JobQueued:    true, // worker lost before it acknowledged the assignment
		JobCancelled: true,
		JobFailed:    true, // exhausted requeue attempts
	},
	JobRunning: {
		JobCompleted: true,
		JobFailed:    true,
		JobQueued:    true, // worker lost mid-run, requeued for retry
		JobCancelled: true,
	},
}

func isValidTransition(from, to JobState) bool {
	if from == to {
		return false
	}
	next, ok := validNext[from]
	if !ok {
		return false
	}
	return next[to]
}
