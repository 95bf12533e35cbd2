package job

import (
	"regexp"
	"time"
)

// Criteria bounds a single job's execution. It is derived from the job at
// evaluation time and never persisted.
type Criteria struct {
	MaxDuration    time.Duration
	MaxCostUSD     float64
	MaxTokens      int64
	StallTimeout   time.Duration
	SuccessPattern *regexp.Regexp
	FailurePattern *regexp.Regexp
}

// CriteriaFor merges the job's own budgets over defaults.
func CriteriaFor(j *Job, defaults Criteria) Criteria {
	c := defaults
	if j.MaxDuration > 0 {
		c.MaxDuration = j.MaxDuration
	}
	if j.MaxCostUSD > 0 {
		c.MaxCostUSD = j.MaxCostUSD
	}
	if j.MaxTokens > 0 {
		c.MaxTokens = j.MaxTokens
	}
	return c
}

// Reason names the single rule that decided an evaluation.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonAlreadyTerminal  Reason = "already terminal"
	ReasonTimeBudget       Reason = "time budget exceeded"
	ReasonTokenBudget      Reason = "token budget exceeded"
	ReasonCostBudget       Reason = "cost budget exceeded"
	ReasonStalled          Reason = "stalled"
	ReasonRetriesExhausted Reason = "retries exhausted"
	ReasonSuccessMarker    Reason = "success marker"
	ReasonFailureMarker    Reason = "failure marker"
)

// Evaluation is the verdict of EvaluateCompletion. At most one of Complete and
// Fail is set; Retry is only set together with Fail.
type Evaluation struct {
	Complete bool
	Fail     bool
	Retry    bool
	Reason   Reason
}

// Decided reports whether any rule matched.
func (e Evaluation) Decided() bool {
	return e.Reason != ReasonNone
}

// EvaluateCompletion checks j against c in priority order and reports the
// first matching rule.
func EvaluateCompletion(j *Job, c Criteria, now time.Time) Evaluation {
	if j.Status.IsTerminal() {
		return Evaluation{Complete: true, Reason: ReasonAlreadyTerminal}
	}

	if c.MaxDuration > 0 && j.StartedAt != nil && now.Sub(*j.StartedAt) > c.MaxDuration {
		return Evaluation{Fail: true, Reason: ReasonTimeBudget}
	}

	if c.MaxTokens > 0 && j.OutputTokens > c.MaxTokens {
		return Evaluation{Fail: true, Reason: ReasonTokenBudget}
	}

	if c.MaxCostUSD > 0 && j.CostUSD > c.MaxCostUSD {
		return Evaluation{Fail: true, Reason: ReasonCostBudget}
	}

	// Paused jobs are idle by definition; their timeout is the watchdog's concern.
	if c.StallTimeout > 0 && (j.Status == StatusStarted || j.Status == StatusProcessing) {
		if last := j.LastSeenActivity(); !last.IsZero() && now.Sub(last) > c.StallTimeout {
			return Evaluation{Fail: true, Retry: j.CanRetry(), Reason: ReasonStalled}
		}
	}

	// RetryCount == MaxRetries is the final attempt and may run. Requeue never
	// goes past that, so this only fires after MaxRetries was lowered on a job
	// that had already retried more.
	if j.MaxRetries > 0 && j.RetryCount > j.MaxRetries {
		return Evaluation{Fail: true, Reason: ReasonRetriesExhausted}
	}

	if j.Output != "" {
		if c.SuccessPattern != nil && c.SuccessPattern.MatchString(j.Output) {
			return Evaluation{Complete: true, Reason: ReasonSuccessMarker}
		}
		if c.FailurePattern != nil && c.FailurePattern.MatchString(j.Output) {
			return Evaluation{Fail: true, Reason: ReasonFailureMarker}
		}
	}

	return Evaluation{}
}

// LastSeenActivity returns the time of the last output or state change,
// falling back to the start time.
func (j *Job) LastSeenActivity() time.Time {
	if j.LastActivityAt != nil {
		return *j.LastActivityAt
	}
	if j.StartedAt != nil {
		return *j.StartedAt
	}
	return time.Time{}
}
