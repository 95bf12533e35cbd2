// Package provider runs CLI AI agents as opaque subprocesses.
//
// A Provider exposes a narrow contract: a preflight connectivity check, an
// availability report, and Execute, which runs one agent invocation and
// streams progress onto a caller-owned channel. Variants are closed: New maps
// a configuration entry to a CLI or Docker provider.
package provider

import (
	"agentd/internal/apperrors"
	"context"
	"fmt"
	"time"
)

// Variant types accepted in the provider configuration.
const (
	TypeCLI    = "cli"
	TypeDocker = "docker"
)

// Provider is an agent backend.
type Provider interface {
	ID() string

	// TestConnection performs a preflight check. The error message is the
	// provider's own diagnostic and is surfaced to the user verbatim.
	TestConnection(ctx context.Context) error

	GetInfo(ctx context.Context) Info

	// AcceptsInput reports whether Execute forwards Options.Input to the
	// agent. Prompts from an agent that takes no input cannot be answered.
	AcceptsInput() bool

	// Execute runs one invocation. Progress is sent on progress until Execute
	// returns; the provider never sends after returning and never closes it.
	// A non-nil error means the invocation could not run to an outcome
	// (failed to start, interrupted); a provider-reported failure is a Result
	// with Success false.
	Execute(ctx context.Context, prompt string, opts Options, progress chan<- Progress) (*Result, error)
}

// Info reports whether a provider can currently accept work.
type Info struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
}

// Options parameterise a single invocation.
type Options struct {
	JobID         string
	SessionID     string // resume this agent session when set
	WorkDir       string
	Model         string
	MCPConfigPath string

	// Input carries interaction responses to the running agent. Nil when the
	// caller never answers prompts.
	Input <-chan string
}

// Progress is one incremental signal from a running agent. Only the fields
// relevant to the signal are set.
type Progress struct {
	ProcessID      int
	OutputLine     string
	IsError        bool
	ToolName       string
	IsStreaming    bool
	CurrentMessage string
}

// Message is one structured transcript entry reported by the agent.
type Message struct {
	Role     string
	Content  string
	ToolName string
}

// UsageLimit is a quota the agent reported hitting.
type UsageLimit struct {
	Message  string
	ResetsAt time.Time // zero when the agent did not say
}

// Result is the outcome of one invocation.
type Result struct {
	Success      bool
	SessionID    string
	Output       string
	Error        string
	ExitCode     int
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
	Messages     []Message

	DetectedUsageLimits []UsageLimit
}

// Config declares one provider in the YAML file.
type Config struct {
	ID      string `yaml:"id"`
	Type    string `yaml:"type"`    // cli (default) or docker
	Enabled *bool  `yaml:"enabled"` // defaults to true

	Command     string            `yaml:"command"`
	Args        []string          `yaml:"args"`        // {{prompt}} is replaced by the prompt
	SessionArgs []string          `yaml:"sessionArgs"` // appended when resuming; {{session}}
	ModelArgs   []string          `yaml:"modelArgs"`   // appended when a model is set; {{model}}
	MCPArgs     []string          `yaml:"mcpArgs"`     // appended when an MCP config is set; {{mcp_config}}
	VersionArgs []string          `yaml:"versionArgs"` // preflight; defaults to --version
	Env         map[string]string `yaml:"env"`

	PTY   bool `yaml:"pty"`   // run under a pseudo-terminal
	Stdin bool `yaml:"stdin"` // attach stdin for interaction responses without a PTY

	StopGrace time.Duration `yaml:"stopGrace"`

	// Docker only.
	Image      string `yaml:"image"`
	MountPath  string `yaml:"mountPath"`
	Network    string `yaml:"network"`
	PullPolicy string `yaml:"pullPolicy"` // missing (default) or never

	// Daily budgets enforced by the usage ledger. Zero is unlimited.
	DailyCostUSD float64 `yaml:"dailyCostUsd"`
	DailyTokens  int64   `yaml:"dailyTokens"`
}

// IsEnabled reports whether the provider accepts work.
func (c Config) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// takesInput reports whether the agent is given a PTY or stdin to answer on.
func (c Config) takesInput() bool {
	return c.PTY || c.Stdin
}

func (c Config) withDefaults() Config {
	if c.Type == "" {
		c.Type = TypeCLI
	}
	if len(c.VersionArgs) == 0 {
		c.VersionArgs = []string{"--version"}
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 10 * time.Second
	}
	if c.MountPath == "" {
		c.MountPath = "/workspace"
	}
	if c.PullPolicy == "" {
		c.PullPolicy = "missing"
	}
	return c
}

func (c Config) validate() error {
	if c.ID == "" {
		return apperrors.Validation("id", "provider id is required")
	}
	if c.Command == "" {
		return apperrors.Validation("command", fmt.Sprintf("provider %s: command is required", c.ID))
	}
	switch c.Type {
	case TypeCLI:
	case TypeDocker:
		if c.Image == "" {
			return apperrors.Validation("image", fmt.Sprintf("provider %s: image is required for docker providers", c.ID))
		}
	default:
		return apperrors.Validation("type", fmt.Sprintf("provider %s: unknown type %q", c.ID, c.Type))
	}
	return nil
}

// New builds the provider variant declared by cfg.
func New(cfg Config) (Provider, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	switch cfg.Type {
	case TypeDocker:
		return NewDocker(cfg)
	default:
		return NewCLI(cfg), nil
	}
}

// Emit delivers p on ch, giving up once ctx is done.
func Emit(ctx context.Context, ch chan<- Progress, p Progress) {
	if ch == nil {
		return
	}
	select {
	case ch <- p:
	case <-ctx.Done():
	}
}
