package job

import (
	"agentd/internal/apperrors"
	"agentd/internal/notify"
	"agentd/internal/observability"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Validation limits
const (
	maxGoalLength       = 10000
	maxPromptLength     = 4000
	maxCycles           = 50
	maxTimeoutSecs      = 86400 // 24 hours
	maxRetriesCeiling   = 100
	defaultMaxRetries   = 3
	defaultMaxCycles    = 1
	maxDependencyLength = 64
)

// Catalog answers whether referenced projects and providers are configured.
type Catalog interface {
	HasProject(id string) bool
	HasProvider(id string) bool
}

// Resumer delivers an operator response to a paused execution.
type Resumer interface {
	Resume(ctx context.Context, jobID, response string) error
}

// Service is the submission and control surface over the job repository.
// It never drives execution; the orchestrator and watchdog own that.
type Service struct {
	repo     Repository
	ids      *IDGenerator
	catalog  Catalog
	resumer  Resumer
	notifier notify.Notifier
	metrics  *observability.Metrics
	trigger  func()
	now      func() time.Time
}

// ServiceConfig wires the Service. Repo and IDs are required.
type ServiceConfig struct {
	Repo     Repository
	IDs      *IDGenerator
	Catalog  Catalog                // optional
	Resumer  Resumer                // optional; resume is rejected without it
	Notifier notify.Notifier        // optional
	Metrics  *observability.Metrics // optional
	Trigger  func()                 // optional; called after submissions and resets
}

// NewService creates a new job service.
func NewService(cfg ServiceConfig) *Service {
	return &Service{
		repo:     cfg.Repo,
		ids:      cfg.IDs,
		catalog:  cfg.Catalog,
		resumer:  cfg.Resumer,
		notifier: notify.OrNop(cfg.Notifier),
		metrics:  cfg.Metrics,
		trigger:  cfg.Trigger,
		now:      time.Now,
	}
}

// Create validates and stores a new job in a waiting state.
// Note: This method applies defaults to the request before validation.
func (s *Service) Create(ctx context.Context, req *Request) (*Job, error) {
	applyDefaults(req)
	if err := s.validate(req); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	j := &Job{
		ID:                 s.ids.Next(),
		Goal:               req.Goal,
		Status:             StatusNew,
		ProjectID:          req.ProjectID,
		ProviderID:         req.ProviderID,
		Model:              req.Model,
		Priority:           req.Priority,
		DependsOn:          req.DependsOn,
		CreatedAt:          now,
		UpdatedAt:          now,
		MaxRetries:         *req.MaxRetries,
		MaxCycles:          req.MaxCycles,
		CycleMode:          req.CycleMode,
		ContinuationPrompt: req.ContinuationPrompt,
		ContinueSession:    req.ContinueSession,
		MaxDuration:        time.Duration(req.TimeoutSeconds) * time.Second,
		MaxCostUSD:         req.MaxCostUSD,
		MaxTokens:          req.MaxTokens,
	}
	// Jobs gated on another job wait as Pending until the dependency completes.
	if j.DependsOn != "" {
		j.Status = StatusPending
	}

	if err := s.repo.Create(ctx, j); err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.RecordJobCreated(ctx, j.ProviderID)
	}
	s.notifier.Notify(ctx, NewEventBuilder(j).BuildStatusEvent(""))
	slog.Info("Job created", "jobId", j.ID, "projectId", j.ProjectID, "providerId", j.ProviderID, "priority", j.Priority)

	s.kick()
	return j, nil
}

// Get returns a job.
func (s *Service) Get(ctx context.Context, jobID string) (*Job, error) {
	return s.repo.Get(ctx, jobID)
}

// List returns jobs matching the filter.
func (s *Service) List(ctx context.Context, filter Filter) (*ListResponse, error) {
	jobs, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	return &ListResponse{Jobs: jobs}, nil
}

// Messages returns a job's stored transcript.
func (s *Service) Messages(ctx context.Context, jobID string) ([]Message, error) {
	if _, err := s.repo.Get(ctx, jobID); err != nil {
		return nil, err
	}
	return s.repo.Messages(ctx, jobID)
}

// Cancel requests cancellation. Jobs that are still waiting are cancelled
// immediately; running jobs are cancelled by their owner's monitor, with the
// watchdog as backstop.
func (s *Service) Cancel(ctx context.Context, jobID string) (*Job, error) {
	logger := slog.With("jobId", jobID)
	now := s.now().UTC()

	j, err := s.repo.RequestCancel(ctx, jobID, now)
	if err != nil {
		logger.Warn("Job cancellation rejected", "error", err)
		return nil, err
	}

	if j.Status.IsWaiting() {
		prev := j.Status
		if err := Transition(j, StatusCancelled, now); err != nil {
			return nil, err
		}
		if err := s.repo.Save(ctx, j); err != nil {
			// Lost a race with a claim; the owner will observe the flag.
			logger.Info("Waiting job changed during cancel, leaving to owner", "error", err)
			return s.repo.Get(ctx, jobID)
		}
		s.notifier.Notify(ctx, NewEventBuilder(j).BuildStatusEvent(prev))
	}

	logger.Info("Job cancellation requested", "status", j.Status)
	return j, nil
}

// Reset returns a finished or stalled job to New for an explicit re-run.
func (s *Service) Reset(ctx context.Context, jobID string) (*Job, error) {
	j, err := s.repo.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !j.Status.IsTerminal() && j.Status != StatusStalled {
		return nil, apperrors.Conflict("job", jobID, fmt.Sprintf("job is %s; only finished or stalled jobs can be reset", j.Status))
	}

	prev := j.Status
	if err := Transition(j, StatusNew, s.now().UTC()); err != nil {
		return nil, err
	}
	j.RetryCount = 0
	j.Error = ""
	j.CancelRequested = false
	j.CancelRequestedAt = nil
	if err := s.repo.Save(ctx, j); err != nil {
		return nil, err
	}

	s.notifier.Notify(ctx, NewEventBuilder(j).BuildStatusEvent(prev))
	slog.Info("Job reset", "jobId", jobID, "from", prev)
	s.kick()
	return j, nil
}

// Resume answers a paused job's pending interaction.
func (s *Service) Resume(ctx context.Context, jobID, response string) error {
	j, err := s.repo.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status != StatusPaused {
		return apperrors.Conflict("job", jobID, fmt.Sprintf("job is %s, not paused", j.Status))
	}
	if s.resumer == nil {
		return apperrors.Unavailable("orchestrator", "resume is not available on this instance")
	}
	return s.resumer.Resume(ctx, jobID, response)
}

func (s *Service) kick() {
	if s.trigger != nil {
		s.trigger()
	}
}

// applyDefaults sets default values for unspecified request fields.
func applyDefaults(req *Request) {
	req.Goal = strings.TrimSpace(req.Goal)
	if req.MaxRetries == nil {
		n := defaultMaxRetries
		req.MaxRetries = &n
	}
	if req.MaxCycles <= 0 {
		req.MaxCycles = defaultMaxCycles
	}
	if req.CycleMode == "" {
		if req.MaxCycles > 1 {
			req.CycleMode = CycleContinuation
		} else {
			req.CycleMode = CycleSingle
		}
	}
}

// validate validates a job request. Does not modify the request.
func (s *Service) validate(req *Request) error {
	if req.Goal == "" {
		return apperrors.Validation("goal", "goal is required")
	}
	if len(req.Goal) > maxGoalLength {
		return apperrors.Validation("goal", fmt.Sprintf("goal exceeds maximum length of %d", maxGoalLength))
	}

	if req.ProjectID == "" {
		return apperrors.Validation("projectId", "projectId is required")
	}
	if req.ProviderID == "" {
		return apperrors.Validation("providerId", "providerId is required")
	}
	if s.catalog != nil {
		if !s.catalog.HasProject(req.ProjectID) {
			return apperrors.Validation("projectId", fmt.Sprintf("unknown project %q", req.ProjectID))
		}
		if !s.catalog.HasProvider(req.ProviderID) {
			return apperrors.Validation("providerId", fmt.Sprintf("unknown provider %q", req.ProviderID))
		}
	}

	if len(req.DependsOn) > maxDependencyLength {
		return apperrors.Validation("dependsOn", "dependsOn is not a valid job ID")
	}

	if req.MaxRetries != nil && (*req.MaxRetries < 0 || *req.MaxRetries > maxRetriesCeiling) {
		return apperrors.Validation("maxRetries", fmt.Sprintf("maxRetries must be between 0 and %d", maxRetriesCeiling))
	}

	if !req.CycleMode.Valid() {
		return apperrors.Validation("cycleMode", fmt.Sprintf("unknown cycle mode %q", req.CycleMode))
	}
	if req.MaxCycles > maxCycles {
		return apperrors.Validation("maxCycles", fmt.Sprintf("maxCycles exceeds maximum of %d", maxCycles))
	}
	if len(req.ContinuationPrompt) > maxPromptLength {
		return apperrors.Validation("continuationPrompt", fmt.Sprintf("continuation prompt exceeds maximum length of %d", maxPromptLength))
	}

	if req.TimeoutSeconds < 0 || req.TimeoutSeconds > maxTimeoutSecs {
		return apperrors.Validation("timeoutSeconds", fmt.Sprintf("timeout must be between 0 and %d seconds", maxTimeoutSecs))
	}
	if req.MaxCostUSD < 0 {
		return apperrors.Validation("maxCostUsd", "maxCostUsd cannot be negative")
	}
	if req.MaxTokens < 0 {
		return apperrors.Validation("maxTokens", "maxTokens cannot be negative")
	}

	return nil
}
