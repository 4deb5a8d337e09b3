package coordinator

import "github.com/aescanero/dagrun/pkg/domain"

// upstreamOutcome counts upstream statuses the way trigger rules see them.
// Blocked upstream tasks count as failed; skipped ones are done but neither
// succeeded nor failed.
type upstreamOutcome struct {
	total     int
	succeeded int
	failed    int
	skipped   int
}

func (o upstreamOutcome) settled() bool {
	return o.succeeded+o.failed+o.skipped == o.total
}

func outcomeOf(statuses []domain.TaskStatus) upstreamOutcome {
	o := upstreamOutcome{total: len(statuses)}
	for _, s := range statuses {
		switch s {
		case domain.TaskStatusSuccess:
			o.succeeded++
		case domain.TaskStatusFailed, domain.TaskStatusBlocked:
			o.failed++
		case domain.TaskStatusSkipped:
			o.skipped++
		}
	}
	return o
}

// ready applies a trigger rule to the outcome of a task's upstream tasks
func ready(rule domain.TriggerRule, o upstreamOutcome) bool {
	if o.total == 0 {
		return true
	}
	switch rule {
	case domain.TriggerAllSuccess:
		return o.succeeded == o.total
	case domain.TriggerAllDone:
		return o.settled()
	case domain.TriggerAllFailed:
		return o.failed == o.total
	case domain.TriggerOneSuccess:
		return o.succeeded > 0
	case domain.TriggerOneFailed:
		return o.failed > 0
	case domain.TriggerNoneFailed:
		return o.succeeded+o.skipped == o.total
	case domain.TriggerDummy:
		return true
	}
	return false
}

// unreachable returns the terminal status for a pending task that can never
// become ready: blocked when an upstream failure caused it, skipped when it
// only lost its trigger through skipped or differently-ending upstreams.
// The second value is false while the task may still become ready.
func unreachable(rule domain.TriggerRule, o upstreamOutcome) (domain.TaskStatus, bool) {
	if ready(rule, o) || !o.settled() {
		return "", false
	}
	if o.failed > 0 {
		return domain.TaskStatusBlocked, true
	}
	return domain.TaskStatusSkipped, true
}
