package job

import (
	"regexp"
	"testing"
	"time"
)

func TestEvaluateCompletion(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	ago := func(d time.Duration) *time.Time {
		v := now.Add(-d)
		return &v
	}

	base := Criteria{
		MaxDuration:    time.Hour,
		MaxCostUSD:     5,
		MaxTokens:      1000,
		StallTimeout:   2 * time.Minute,
		SuccessPattern: regexp.MustCompile(`ALL TESTS PASSED`),
		FailurePattern: regexp.MustCompile(`FATAL`),
	}

	tests := []struct {
		name string
		job  *Job
		want Evaluation
	}{
		{
			name: "terminal wins over everything",
			job:  &Job{Status: StatusFailed, StartedAt: ago(2 * time.Hour), OutputTokens: 5000, Output: "ALL TESTS PASSED"},
			want: Evaluation{Complete: true, Reason: ReasonAlreadyTerminal},
		},
		{
			name: "time budget before token budget",
			job:  &Job{Status: StatusProcessing, StartedAt: ago(2 * time.Hour), LastActivityAt: ago(time.Second), OutputTokens: 5000},
			want: Evaluation{Fail: true, Reason: ReasonTimeBudget},
		},
		{
			name: "token budget before cost",
			job:  &Job{Status: StatusProcessing, StartedAt: ago(time.Minute), LastActivityAt: ago(time.Second), OutputTokens: 1001, CostUSD: 10},
			want: Evaluation{Fail: true, Reason: ReasonTokenBudget},
		},
		{
			name: "cost budget",
			job:  &Job{Status: StatusProcessing, StartedAt: ago(time.Minute), LastActivityAt: ago(time.Second), CostUSD: 5.01},
			want: Evaluation{Fail: true, Reason: ReasonCostBudget},
		},
		{
			name: "stalled with retries left",
			job:  &Job{Status: StatusProcessing, StartedAt: ago(10 * time.Minute), LastActivityAt: ago(3 * time.Minute), MaxRetries: 3},
			want: Evaluation{Fail: true, Retry: true, Reason: ReasonStalled},
		},
		{
			name: "stalled without retries",
			job:  &Job{Status: StatusStarted, StartedAt: ago(10 * time.Minute), LastActivityAt: ago(3 * time.Minute), MaxRetries: 2, RetryCount: 2},
			want: Evaluation{Fail: true, Reason: ReasonStalled},
		},
		{
			name: "paused is not stalled",
			job:  &Job{Status: StatusPaused, StartedAt: ago(10 * time.Minute), LastActivityAt: ago(3 * time.Minute)},
			want: Evaluation{},
		},
		{
			name: "final attempt runs",
			job:  &Job{Status: StatusProcessing, StartedAt: ago(time.Minute), LastActivityAt: ago(time.Second), MaxRetries: 2, RetryCount: 2},
			want: Evaluation{},
		},
		{
			name: "retries exhausted after lowering the ceiling",
			job:  &Job{Status: StatusProcessing, StartedAt: ago(time.Minute), LastActivityAt: ago(time.Second), MaxRetries: 2, RetryCount: 3},
			want: Evaluation{Fail: true, Reason: ReasonRetriesExhausted},
		},
		{
			name: "success marker",
			job:  &Job{Status: StatusProcessing, StartedAt: ago(time.Minute), LastActivityAt: ago(time.Second), Output: "...\nALL TESTS PASSED\nFATAL"},
			want: Evaluation{Complete: true, Reason: ReasonSuccessMarker},
		},
		{
			name: "failure marker",
			job:  &Job{Status: StatusProcessing, StartedAt: ago(time.Minute), LastActivityAt: ago(time.Second), Output: "FATAL: disk full"},
			want: Evaluation{Fail: true, Reason: ReasonFailureMarker},
		},
		{
			name: "nothing matches",
			job:  &Job{Status: StatusProcessing, StartedAt: ago(time.Minute), LastActivityAt: ago(time.Second), Output: "working"},
			want: Evaluation{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := EvaluateCompletion(tt.job, base, now)
			if got != tt.want {
				t.Errorf("EvaluateCompletion() = %+v, want %+v", got, tt.want)
			}
			if got.Complete && got.Fail {
				t.Error("evaluation reported both complete and fail")
			}
			if got.Decided() != (tt.want.Reason != ReasonNone) {
				t.Errorf("Decided() = %v", got.Decided())
			}
		})
	}
}

func TestEvaluateCompletion_TerminalAlwaysComplete(t *testing.T) {
	t.Parallel()
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		got := EvaluateCompletion(&Job{Status: s}, Criteria{}, time.Now())
		if !got.Complete || got.Reason != ReasonAlreadyTerminal {
			t.Errorf("%s: got %+v", s, got)
		}
	}
}

func TestCriteriaFor(t *testing.T) {
	t.Parallel()
	defaults := Criteria{MaxDuration: time.Hour, MaxCostUSD: 10, MaxTokens: 100, StallTimeout: time.Minute}

	c := CriteriaFor(&Job{}, defaults)
	if c != defaults {
		t.Errorf("CriteriaFor(empty job) = %+v, want defaults", c)
	}

	c = CriteriaFor(&Job{MaxDuration: time.Minute, MaxCostUSD: 1, MaxTokens: 5}, defaults)
	if c.MaxDuration != time.Minute || c.MaxCostUSD != 1 || c.MaxTokens != 5 {
		t.Errorf("job budgets not applied: %+v", c)
	}
	if c.StallTimeout != time.Minute {
		t.Errorf("StallTimeout = %v, want default", c.StallTimeout)
	}
}

func TestJob_CanRetry(t *testing.T) {
	t.Parallel()
	tests := []struct {
		retries, max int
		want         bool
	}{
		{0, 0, true},
		{10, 0, true},
		{0, 3, true},
		{2, 3, true},
		{3, 3, false},
	}
	for _, tt := range tests {
		j := &Job{RetryCount: tt.retries, MaxRetries: tt.max}
		if got := j.CanRetry(); got != tt.want {
			t.Errorf("CanRetry(retries=%d, max=%d) = %v, want %v", tt.retries, tt.max, got, tt.want)
		}
	}
}
