package job

import (
	"agentd/internal/apperrors"
	"time"
)

// transitions is the only legal transition table. Same-state transitions are
// handled separately and are always allowed.
var transitions = map[Status][]Status{
	StatusNew:        {StatusPending, StatusStarted, StatusCancelled},
	StatusPending:    {StatusNew, StatusStarted, StatusCancelled},
	StatusStarted:    {StatusNew, StatusProcessing, StatusPaused, StatusStalled, StatusCompleted, StatusFailed, StatusCancelled},
	StatusProcessing: {StatusNew, StatusStarted, StatusPaused, StatusStalled, StatusCompleted, StatusFailed, StatusCancelled},
	StatusPaused:     {StatusNew, StatusStarted, StatusProcessing, StatusStalled, StatusCompleted, StatusFailed, StatusCancelled},
	StatusStalled:    {StatusNew, StatusCancelled},
	StatusCompleted:  {StatusNew},
	StatusFailed:     {StatusNew},
	StatusCancelled:  {StatusNew},
}

// CanTransition reports whether a job may move from one state to another.
func CanTransition(from, to Status) bool {
	if from == to {
		return from.Valid()
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves j to the target state and stamps the fields that belong to
// it. Illegal transitions return an InvalidTransition error and leave j
// untouched. Moving to the current state is a no-op.
func Transition(j *Job, to Status, now time.Time) error {
	if j.Status == to {
		return nil
	}
	if !CanTransition(j.Status, to) {
		return apperrors.InvalidTransition(string(j.Status), string(to))
	}

	j.Status = to
	j.UpdatedAt = now

	switch {
	case to == StatusNew:
		// A pending cancel survives; only Reset clears it.
		clearExecution(j)
	case to == StatusStarted:
		if j.StartedAt == nil {
			j.StartedAt = timePtr(now)
		}
		j.HeartbeatAt = timePtr(now)
		j.LastActivityAt = timePtr(now)
		clearInteraction(j)
	case to == StatusProcessing:
		j.LastActivityAt = timePtr(now)
		clearInteraction(j)
	case to == StatusPaused:
		j.PausedAt = timePtr(now)
	case to.IsTerminal():
		j.CompletedAt = timePtr(now)
		j.WorkerID = ""
		j.ProcessID = 0
		j.Activity = ""
		clearInteraction(j)
	}
	return nil
}

// Requeue returns j to New for another attempt, incrementing the retry count
// and recording reason as the diagnostic. notBefore, when non-zero, delays
// the next selection.
func Requeue(j *Job, reason string, now, notBefore time.Time) error {
	if err := Transition(j, StatusNew, now); err != nil {
		return err
	}
	j.RetryCount++
	j.Error = reason
	if !notBefore.IsZero() {
		j.NotBefore = timePtr(notBefore)
	}
	return nil
}

// Fail moves j to Failed with a human-readable reason.
func Fail(j *Job, reason string, now time.Time) error {
	if err := Transition(j, StatusFailed, now); err != nil {
		return err
	}
	j.Error = reason
	return nil
}

// clearExecution resets every field scoped to a single execution attempt.
func clearExecution(j *Job) {
	j.WorkerID = ""
	j.HeartbeatAt = nil
	j.LastActivityAt = nil
	j.ProcessID = 0
	j.Activity = ""
	j.StartedAt = nil
	j.CompletedAt = nil
	j.CurrentCycle = 0
	j.SessionID = ""
	j.Output = ""
	j.NotBefore = nil
	j.BaseRevision = ""
	j.Diff = ""
	j.CommitHash = ""
	clearInteraction(j)
}

func clearInteraction(j *Job) {
	j.PausedAt = nil
	j.InteractionPrompt = ""
	j.InteractionType = ""
	j.InteractionChoices = nil
}

func timePtr(t time.Time) *time.Time {
	return &t
}
