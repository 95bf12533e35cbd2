package orchestrator

import (
	"agentd/internal/config"
	"agentd/internal/interaction"
	"agentd/internal/job"
	"agentd/pkg/backoff"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// Default prompts for multi-cycle jobs.
const (
	DefaultCompletionMarker = "<<AGENTD_TASK_COMPLETE>>"
	DefaultContinuePrompt   = "Continue working on the task. Pick up where you left off and keep going until it is done."
)

// Retry delays are spread by ±20% so jobs failed together do not return together.
const retryJitter = 0.2

// Config holds configuration for the execution orchestrator.
type Config struct {
	WorkerID             string        // owner stamped on claimed jobs (default: host-uuid)
	MaxConcurrency       int           // concurrent executions on this worker (default: 5)
	PollInterval         time.Duration // dispatch tick (default: 5s)
	MonitorInterval      time.Duration // cancellation and budget polling (default: 2s)
	HeartbeatInterval    time.Duration // heartbeat refresh (default: 15s)
	StatusUpdateInterval time.Duration // minimum gap between persisted activity updates (default: 1500ms)
	CancelGrace          time.Duration // wait after a cooperative cancel before killing the process tree (default: 30s)
	FinalizeTimeout      time.Duration // bound on finalization writes (default: 30s)

	InteractionThreshold float64 // detector acceptance floor (default: 0.70)
	AutoRespond          bool    // answer interactions with a safe default instead of pausing
	ConsoleLimit         int     // bytes of console output kept per job (default: 512KiB)
	ContextLines         int     // recent lines offered to the detector (default: 8)
	ProgressBuffer       int     // capacity of the per-execution progress channel (default: 256)

	CompletionMarker string // autonomous-mode completion marker
	ContinuePrompt   string // autonomous-mode prompt for cycles after the first

	RetryBackoff backoff.Config // delay before a failed job is retried (default: 30s doubling to 15m)

	BreakerThreshold int           // consecutive preflight failures that open a provider's breaker (default: 3)
	BreakerCooldown  time.Duration // how long an open breaker rejects preflights (default: 1m)

	Criteria job.Criteria // default budgets; per-job budgets override
}

// LoadConfigFromEnv loads orchestrator configuration from environment variables.
func LoadConfigFromEnv() (Config, error) {
	cfg := Config{
		WorkerID:             config.GetEnv("WORKER_ID", ""),
		MaxConcurrency:       config.GetIntEnv("MAX_CONCURRENCY", 5),
		PollInterval:         config.GetDurationEnv("POLL_INTERVAL", 5*time.Second),
		MonitorInterval:      config.GetDurationEnv("MONITOR_INTERVAL", 2*time.Second),
		HeartbeatInterval:    config.GetDurationEnv("HEARTBEAT_INTERVAL", 15*time.Second),
		StatusUpdateInterval: config.GetDurationEnv("STATUS_UPDATE_INTERVAL", 1500*time.Millisecond),
		CancelGrace:          config.GetDurationEnv("CANCEL_GRACE", 30*time.Second),
		InteractionThreshold: config.GetFloatEnv("INTERACTION_THRESHOLD", interaction.ExecutionThreshold),
		AutoRespond:          config.GetBoolEnv("AUTO_RESPOND", false),
		ConsoleLimit:         config.GetIntEnv("CONSOLE_LIMIT", 512*1024),
		CompletionMarker:     config.GetEnv("COMPLETION_MARKER", DefaultCompletionMarker),
		ContinuePrompt:       config.GetEnv("CONTINUE_PROMPT", DefaultContinuePrompt),
		RetryBackoff: backoff.Config{
			Initial: config.GetDurationEnv("RETRY_BACKOFF_INITIAL", 30*time.Second),
			Max:     config.GetDurationEnv("RETRY_BACKOFF_MAX", 15*time.Minute),
			Jitter:  retryJitter,
		},
		Criteria: job.Criteria{
			MaxDuration:  config.GetDurationEnv("JOB_MAX_DURATION", 0),
			MaxCostUSD:   config.GetFloatEnv("JOB_MAX_COST_USD", 0),
			MaxTokens:    int64(config.GetIntEnv("JOB_MAX_TOKENS", 0)),
			StallTimeout: config.GetDurationEnv("JOB_IDLE_TIMEOUT", 0),
		},
	}

	var err error
	if cfg.Criteria.SuccessPattern, err = compileOptional("SUCCESS_PATTERN"); err != nil {
		return Config{}, err
	}
	if cfg.Criteria.FailurePattern, err = compileOptional("FAILURE_PATTERN"); err != nil {
		return Config{}, err
	}
	return cfg.withDefaults(), nil
}

func compileOptional(key string) (*regexp.Regexp, error) {
	expr := config.GetEnv(key, "")
	if expr == "" {
		return nil, nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", key, err)
	}
	return re, nil
}

func (c Config) withDefaults() Config {
	if c.WorkerID == "" {
		c.WorkerID = NewWorkerID()
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 5
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = 2 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.StatusUpdateInterval <= 0 {
		c.StatusUpdateInterval = 1500 * time.Millisecond
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = 30 * time.Second
	}
	if c.FinalizeTimeout <= 0 {
		c.FinalizeTimeout = 30 * time.Second
	}
	if c.InteractionThreshold <= 0 || c.InteractionThreshold > 1 {
		c.InteractionThreshold = interaction.ExecutionThreshold
	}
	if c.ConsoleLimit <= 0 {
		c.ConsoleLimit = 512 * 1024
	}
	if c.ContextLines <= 0 {
		c.ContextLines = 8
	}
	if c.ProgressBuffer <= 0 {
		c.ProgressBuffer = 256
	}
	if c.CompletionMarker == "" {
		c.CompletionMarker = DefaultCompletionMarker
	}
	if c.ContinuePrompt == "" {
		c.ContinuePrompt = DefaultContinuePrompt
	}
	if c.RetryBackoff.Initial <= 0 {
		c.RetryBackoff.Initial = 30 * time.Second
	}
	if c.RetryBackoff.Max <= 0 {
		c.RetryBackoff.Max = 15 * time.Minute
	}
	if c.RetryBackoff.Jitter <= 0 {
		c.RetryBackoff.Jitter = retryJitter
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 3
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = time.Minute
	}
	return c
}

// NewWorkerID returns an identifier unique to this process: the host name
// followed by a random UUID.
func NewWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()
}
