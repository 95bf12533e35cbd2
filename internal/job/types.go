package job

import (
	"time"
)

// Status is the lifecycle state of a job.
type Status string

// Job states. Completed, Failed and Cancelled are terminal.
const (
	StatusNew        Status = "new"
	StatusPending    Status = "pending"
	StatusStarted    Status = "started"
	StatusProcessing Status = "processing"
	StatusPaused     Status = "paused"
	StatusStalled    Status = "stalled"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// AllStatuses lists every state in lifecycle order.
var AllStatuses = []Status{
	StatusNew,
	StatusPending,
	StatusStarted,
	StatusProcessing,
	StatusPaused,
	StatusStalled,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

// BusyStatuses hold a job's project. Stalled is included because its process
// may still be unwinding.
var BusyStatuses = []Status{
	StatusStarted,
	StatusProcessing,
	StatusPaused,
	StatusStalled,
}

// Valid reports whether s is a known state.
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s is Completed, Failed or Cancelled.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsActive reports whether a worker currently owns a job in state s.
func (s Status) IsActive() bool {
	return s == StatusStarted || s == StatusProcessing || s == StatusPaused
}

// IsWaiting reports whether a job in state s is waiting to be scheduled.
func (s Status) IsWaiting() bool {
	return s == StatusNew || s == StatusPending
}

// CycleMode controls how many times a provider is invoked for one job.
type CycleMode string

const (
	// CycleSingle invokes the provider once.
	CycleSingle CycleMode = "single"
	// CycleContinuation re-invokes with the job's continuation prompt until MaxCycles.
	CycleContinuation CycleMode = "continuation"
	// CycleAutonomous re-invokes with a fixed continue prompt until MaxCycles or
	// until the output carries the completion marker.
	CycleAutonomous CycleMode = "autonomous"
)

// Valid reports whether m is a known cycle mode.
func (m CycleMode) Valid() bool {
	return m == CycleSingle || m == CycleContinuation || m == CycleAutonomous
}

// Job is the unit of agent work.
type Job struct {
	ID         string    `json:"id"`
	Goal       string    `json:"goal"`
	Status     Status    `json:"status"`
	ProjectID  string    `json:"projectId"`
	ProviderID string    `json:"providerId"`
	Model      string    `json:"model,omitempty"`
	Priority   int       `json:"priority"`
	DependsOn  string    `json:"dependsOn,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`

	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	InputTokens  int64   `json:"inputTokens"`
	OutputTokens int64   `json:"outputTokens"`
	CostUSD      float64 `json:"costUsd"`

	CancelRequested   bool       `json:"cancelRequested"`
	CancelRequestedAt *time.Time `json:"cancelRequestedAt,omitempty"`

	RetryCount int        `json:"retryCount"`
	MaxRetries int        `json:"maxRetries"` // 0 means unlimited
	NotBefore  *time.Time `json:"notBefore,omitempty"`

	// Liveness and out-of-band control.
	WorkerID       string     `json:"workerId,omitempty"`
	HeartbeatAt    *time.Time `json:"heartbeatAt,omitempty"`
	LastActivityAt *time.Time `json:"lastActivityAt,omitempty"`
	ProcessID      int        `json:"processId,omitempty"`
	Activity       string     `json:"activity,omitempty"`

	// Multi-cycle configuration.
	MaxCycles          int       `json:"maxCycles"`
	CycleMode          CycleMode `json:"cycleMode"`
	ContinuationPrompt string    `json:"continuationPrompt,omitempty"`
	ContinueSession    bool      `json:"continueSession"`
	CurrentCycle       int       `json:"currentCycle,omitempty"`
	SessionID          string    `json:"sessionId,omitempty"`

	// Budgets; zero falls back to service defaults.
	MaxDuration time.Duration `json:"maxDuration,omitempty"`
	MaxCostUSD  float64       `json:"maxCostUsd,omitempty"`
	MaxTokens   int64         `json:"maxTokens,omitempty"`

	// Pending interaction, set while paused.
	PausedAt           *time.Time `json:"pausedAt,omitempty"`
	InteractionPrompt  string     `json:"interactionPrompt,omitempty"`
	InteractionType    string     `json:"interactionType,omitempty"`
	InteractionChoices []string   `json:"interactionChoices,omitempty"`

	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`

	// Version-control results of the last execution.
	BaseRevision string `json:"baseRevision,omitempty"`
	Diff         string `json:"diff,omitempty"`
	CommitHash   string `json:"commitHash,omitempty"`

	// Version is bumped on every successful Save and used for compare-and-swap.
	Version int64 `json:"version"`
}

// Clone returns a deep copy of j.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.StartedAt = cloneTime(j.StartedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	c.CancelRequestedAt = cloneTime(j.CancelRequestedAt)
	c.NotBefore = cloneTime(j.NotBefore)
	c.HeartbeatAt = cloneTime(j.HeartbeatAt)
	c.LastActivityAt = cloneTime(j.LastActivityAt)
	c.PausedAt = cloneTime(j.PausedAt)
	if j.InteractionChoices != nil {
		c.InteractionChoices = append([]string(nil), j.InteractionChoices...)
	}
	return &c
}

// CanRetry reports whether the job still has retries left.
func (j *Job) CanRetry() bool {
	return j.MaxRetries == 0 || j.RetryCount < j.MaxRetries
}

// LastSeen returns the most recent liveness timestamp: heartbeat, then
// activity, then start time.
func (j *Job) LastSeen() time.Time {
	var last time.Time
	for _, t := range []*time.Time{j.HeartbeatAt, j.LastActivityAt, j.StartedAt} {
		if t != nil && t.After(last) {
			last = *t
		}
	}
	return last
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Message is one entry of a job's structured agent transcript.
type Message struct {
	JobID     string    `json:"jobId"`
	Seq       int       `json:"seq"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	ToolName  string    `json:"toolName,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Request represents a request to submit a new job.
type Request struct {
	Goal               string    `json:"goal"`
	ProjectID          string    `json:"projectId"`
	ProviderID         string    `json:"providerId"`
	Model              string    `json:"model,omitempty"`
	Priority           int       `json:"priority"`
	DependsOn          string    `json:"dependsOn,omitempty"`
	MaxRetries         *int      `json:"maxRetries,omitempty"`
	MaxCycles          int       `json:"maxCycles,omitempty"`
	CycleMode          CycleMode `json:"cycleMode,omitempty"`
	ContinuationPrompt string    `json:"continuationPrompt,omitempty"`
	ContinueSession    bool      `json:"continueSession,omitempty"`
	TimeoutSeconds     int       `json:"timeoutSeconds,omitempty"`
	MaxCostUSD         float64   `json:"maxCostUsd,omitempty"`
	MaxTokens          int64     `json:"maxTokens,omitempty"`
}

// ListResponse represents the response for listing jobs.
type ListResponse struct {
	Jobs []*Job `json:"jobs"`
}

// ResumeRequest carries an operator's answer to a paused job's interaction.
type ResumeRequest struct {
	Response string `json:"response"`
}
