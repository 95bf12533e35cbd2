// Package orchestrator drives claimed jobs through a provider: claim,
// preflight, cycles, progress supervision, pause/resume and finalization.
package orchestrator

import (
	"agentd/internal/apperrors"
	"agentd/internal/interaction"
	"agentd/internal/job"
	"agentd/internal/notify"
	"agentd/internal/observability"
	"agentd/internal/process"
	"agentd/internal/project"
	"agentd/internal/provider"
	"agentd/internal/usage"
	"agentd/internal/vcs"
	"agentd/pkg/circuitbreaker"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Queue hands out jobs to claim.
type Queue interface {
	SelectNext(ctx context.Context, n int) ([]*job.Job, error)
	MarkClaimed(jobID string)
	MarkNotClaimed(jobID string)
}

// Providers resolves provider ids.
type Providers interface {
	Lookup(id string) (provider.Provider, error)
}

// Projects resolves project ids.
type Projects interface {
	Lookup(id string) (project.Project, error)
}

// VCS is the version-control collaborator. Every operation is optional; a
// work directory that is not a repository is skipped.
type VCS interface {
	IsRepo(ctx context.Context, dir string) bool
	CurrentCommit(ctx context.Context, dir string) (string, error)
	Sync(ctx context.Context, dir string) error
	DiffSince(ctx context.Context, dir, commit string) (string, error)
	CommitLog(ctx context.Context, dir, since string) ([]vcs.CommitInfo, error)
	Commit(ctx context.Context, dir, message string) (string, error)
	Push(ctx context.Context, dir string) error
}

// Deps wires the Orchestrator. Repo, Queue, Providers and Projects are required.
type Deps struct {
	Repo      job.Repository
	Queue     Queue
	Providers Providers
	Projects  Projects
	VCS       VCS                    // optional
	Usage     usage.Ledger           // optional
	Notifier  notify.Notifier        // optional
	Metrics   *observability.Metrics // optional
}

// Cancellation causes.
var (
	errCancelRequested = errors.New("cancelled by user")
	errLostOwnership   = errors.New("job ownership lost")
	errShutdown        = errors.New("interrupted by worker shutdown")
)

// Orchestrator runs claimed jobs on this worker.
type Orchestrator struct {
	cfg       Config
	repo      job.Repository
	queue     Queue
	providers Providers
	projects  Projects
	vcs       VCS
	usage     usage.Ledger
	notifier  notify.Notifier
	metrics   *observability.Metrics
	detector  *interaction.Detector
	breakers  *circuitbreaker.Registry
	logger    *slog.Logger
	now       func() time.Time
	terminate func(pid int, grace time.Duration) error

	execs   *registry
	slots   chan struct{}
	trigger chan struct{}

	mu       sync.Mutex
	stopping bool
	wg       sync.WaitGroup

	// ctx is cancelled by Shutdown; every execution stops with it.
	ctx  context.Context
	stop context.CancelCauseFunc
}

// New creates an Orchestrator.
func New(cfg Config, deps Deps) *Orchestrator {
	cfg = cfg.withDefaults()
	ctx, stop := context.WithCancelCause(context.Background())
	logger := slog.With("component", "orchestrator", "workerId", cfg.WorkerID)
	return &Orchestrator{
		cfg:       cfg,
		repo:      deps.Repo,
		queue:     deps.Queue,
		providers: deps.Providers,
		projects:  deps.Projects,
		vcs:       deps.VCS,
		usage:     deps.Usage,
		notifier:  notify.OrNop(deps.Notifier),
		metrics:   deps.Metrics,
		detector:  interaction.New(cfg.InteractionThreshold),
		breakers: circuitbreaker.NewRegistry(circuitbreaker.Config{
			Threshold: cfg.BreakerThreshold,
			Cooldown:  cfg.BreakerCooldown,
			OnStateChange: func(providerID string, from, to circuitbreaker.State) {
				logger.Info("Provider breaker changed", "providerId", providerID, "from", from.String(), "to", to.String())
			},
		}),
		logger:    logger,
		now:       time.Now,
		terminate: process.Terminate,
		execs:     newRegistry(),
		slots:     make(chan struct{}, cfg.MaxConcurrency),
		trigger:   make(chan struct{}, 1),
		ctx:       ctx,
		stop:      stop,
	}
}

// WorkerID returns the owner identifier this orchestrator stamps on jobs.
func (o *Orchestrator) WorkerID() string {
	return o.cfg.WorkerID
}

// Running returns the ids of jobs executing on this worker.
func (o *Orchestrator) Running() []string {
	return o.execs.ids()
}

// Trigger requests a dispatch pass without waiting for the next tick.
func (o *Orchestrator) Trigger() {
	select {
	case o.trigger <- struct{}{}:
	default:
	}
}

// Run dispatches jobs until ctx is done. Running executions are not stopped
// by ctx; call Shutdown for that.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("Orchestrator started",
		"maxConcurrency", o.cfg.MaxConcurrency,
		"pollInterval", o.cfg.PollInterval,
		"autoRespond", o.cfg.AutoRespond,
	)

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		o.dispatch(ctx)

		select {
		case <-ctx.Done():
			o.logger.Info("Orchestrator dispatch loop stopped")
			return nil
		case <-o.ctx.Done():
			return nil
		case <-ticker.C:
		case <-o.trigger:
		}
	}
}

// dispatch starts as many selected jobs as there are free slots.
func (o *Orchestrator) dispatch(ctx context.Context) {
	free := cap(o.slots) - len(o.slots)
	if free <= 0 || o.ctx.Err() != nil {
		return
	}

	jobs, err := o.queue.SelectNext(ctx, free)
	if err != nil {
		o.logger.Error("Job selection failed", "error", err)
		return
	}

	for _, j := range jobs {
		select {
		case o.slots <- struct{}{}:
		default:
			o.queue.MarkNotClaimed(j.ID)
			continue
		}
		go func(jobID string) {
			defer func() { <-o.slots }()
			if err := o.Execute(o.ctx, jobID); err != nil {
				o.logger.Info("Job not executed", "jobId", jobID, "error", err)
			}
		}(j.ID)
	}
}

// begin registers an execution with the shutdown wait group. It fails once
// Shutdown has started.
func (o *Orchestrator) begin() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopping {
		return false
	}
	o.wg.Add(1)
	return true
}

// Shutdown cancels every in-flight execution and waits for them to unwind.
// Interrupted jobs go back to New without consuming a retry.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	running := o.execs.len()
	o.logger.Info("Shutting down orchestrator", "running", running)

	o.mu.Lock()
	o.stopping = true
	o.mu.Unlock()
	o.stop(errShutdown)

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.logger.Info("All executions stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %d executions: %w", o.execs.len(), ctx.Err())
	}
}

// Resume delivers an operator response to a paused execution on this worker
// and returns the job to Processing. The state is saved before the agent sees
// the response.
func (o *Orchestrator) Resume(ctx context.Context, jobID, response string) error {
	e, ok := o.execs.get(jobID)
	if !ok || e == nil {
		return apperrors.Unavailable("execution", fmt.Sprintf("job %s is not executing on this worker", jobID))
	}
	if !e.acceptsInput() {
		return apperrors.Unavailable("execution", fmt.Sprintf("provider %s does not accept input", e.providerID))
	}
	if !e.unpause() {
		return apperrors.Conflict("job", jobID, "job is not waiting for input")
	}

	now := o.now()
	j, err := o.update(ctx, e, func(j *job.Job) error {
		return job.Transition(j, job.StatusProcessing, now)
	})
	if err != nil {
		e.setPaused(true)
		return err
	}
	if !e.send(response) {
		return apperrors.Unavailable("execution", "agent is not accepting input")
	}

	o.notifier.Notify(ctx, job.NewEventBuilder(j).BuildStatusEvent(job.StatusPaused))
	e.logger.Info("Job resumed", "responseLength", len(response))
	return nil
}

// update applies mutate to a fresh snapshot of the execution's job and saves
// it. A version conflict is retried once against the stored record; if that
// shows another party took the job, the execution is aborted.
func (o *Orchestrator) update(ctx context.Context, e *execution, mutate func(*job.Job) error) (*job.Job, error) {
	e.saveMu.Lock()
	defer e.saveMu.Unlock()

	for attempt := 0; ; attempt++ {
		j := e.snapshot()
		if mutate != nil {
			if err := mutate(j); err != nil {
				return nil, err
			}
		}

		err := o.repo.Save(ctx, j)
		if err == nil {
			e.saved(j, o.now())
			return j, nil
		}
		if !errors.Is(err, apperrors.ErrConflict) || attempt > 0 {
			return nil, err
		}

		fresh, gerr := o.repo.Get(ctx, e.jobID)
		if gerr != nil {
			return nil, err
		}
		if fresh.WorkerID != o.cfg.WorkerID || !fresh.Status.IsActive() {
			e.abort(errLostOwnership)
			return nil, fmt.Errorf("%w: %w", errLostOwnership, err)
		}
		e.saved(fresh, o.now())
	}
}

// writeCtx returns a context for persistence that outlives cancellation of
// the execution.
func (o *Orchestrator) writeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), o.cfg.FinalizeTimeout)
}
