package orchestrator

import (
	"agentd/internal/apperrors"
	"agentd/internal/job"
	"agentd/internal/project"
	"agentd/internal/provider"
	"agentd/internal/usage"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// outcome is how an execution ended, before cancellation is re-checked.
type outcome struct {
	status  job.Status // Completed, Failed, Cancelled, or New for a requeue
	reason  string
	retry   bool // New consumes a retry; otherwise the attempt is not counted
	lost    bool // another party owns the job; leave it alone
	warning *usage.Warning
}

func completed() outcome           { return outcome{status: job.StatusCompleted} }
func failed(reason string) outcome { return outcome{status: job.StatusFailed, reason: reason} }
func transient(reason string) outcome {
	return outcome{status: job.StatusNew, reason: reason, retry: true}
}
func cancelled() outcome {
	return outcome{status: job.StatusCancelled, reason: errCancelRequested.Error()}
}
func interrupted(reason string) outcome { return outcome{status: job.StatusNew, reason: reason} }

// verdict aborts an execution on behalf of EvaluateCompletion.
type verdict struct {
	eval job.Evaluation
}

func (v *verdict) Error() string { return string(v.eval.Reason) }

// outcomeFor maps the cause of an aborted execution to its outcome.
func outcomeFor(cause error) outcome {
	var v *verdict
	switch {
	case errors.Is(cause, errCancelRequested):
		return cancelled()
	case errors.Is(cause, errLostOwnership):
		return outcome{lost: true}
	case errors.As(cause, &v):
		switch {
		case v.eval.Complete:
			return completed()
		case v.eval.Retry:
			return transient(string(v.eval.Reason))
		default:
			return failed(string(v.eval.Reason))
		}
	case errors.Is(cause, errShutdown):
		return interrupted(errShutdown.Error())
	default:
		return interrupted(fmt.Sprintf("execution interrupted: %v", cause))
	}
}

// Execute drives one job from claim to a terminal, requeued or interrupted
// outcome. It returns an error only when the job could not be claimed.
func (o *Orchestrator) Execute(ctx context.Context, jobID string) error {
	if !o.begin() {
		return apperrors.Unavailable("orchestrator", "worker is shutting down")
	}
	defer o.wg.Done()

	if err := o.execs.reserve(jobID); err != nil {
		return err
	}
	defer o.execs.release(jobID)

	logger := o.logger.With("jobId", jobID)

	j, err := o.repo.Get(ctx, jobID)
	if err != nil {
		o.queue.MarkNotClaimed(jobID)
		return err
	}

	if j.CancelRequested {
		o.queue.MarkNotClaimed(jobID)
		return o.cancelWaiting(ctx, j, logger)
	}
	if !j.Status.IsWaiting() {
		o.queue.MarkNotClaimed(jobID)
		return apperrors.Conflict("job", jobID, fmt.Sprintf("job is %s", j.Status))
	}

	if err := o.checkProjectFree(ctx, j, logger); err != nil {
		o.queue.MarkNotClaimed(jobID)
		return err
	}

	// Claim.
	now := o.now()
	prev := j.Status
	if err := job.Transition(j, job.StatusStarted, now); err != nil {
		return err
	}
	j.WorkerID = o.cfg.WorkerID
	j.Error = ""
	if err := o.repo.Save(ctx, j); err != nil {
		o.queue.MarkNotClaimed(jobID)
		logger.Info("Job claim lost", "error", err)
		return err
	}
	// Two claims in the same project can both pass the check above; each
	// looks again after saving and the later one (or both) backs off.
	if err := o.checkProjectFree(ctx, j, logger); err != nil {
		o.queue.MarkNotClaimed(jobID)
		o.unclaim(ctx, j, logger)
		return err
	}
	o.queue.MarkClaimed(jobID)

	o.notifier.Notify(ctx, job.NewEventBuilder(j).BuildStatusEvent(prev))
	if o.metrics != nil {
		o.metrics.RecordJobStarted(ctx, j.ProviderID)
	}
	logger.Info("Job claimed", "projectId", j.ProjectID, "providerId", j.ProviderID, "attempt", j.RetryCount+1)

	e := newExecution(j, o.cfg, logger)
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	e.cancel = cancel
	o.execs.commit(jobID, e)

	stopOnShutdown := context.AfterFunc(o.ctx, func() { cancel(errShutdown) })
	defer stopOnShutdown()

	finished := make(chan struct{})
	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		o.monitor(runCtx, e, finished)
	}()

	out := o.run(runCtx, e)
	if cause := context.Cause(runCtx); cause != nil {
		out = outcomeFor(cause)
	}
	close(finished)
	<-monitorDone

	o.finalize(ctx, e, out)
	return nil
}

// checkProjectFree returns a conflict when another job holds j's project.
func (o *Orchestrator) checkProjectFree(ctx context.Context, j *job.Job, logger *slog.Logger) error {
	busy, err := o.repo.List(ctx, job.Filter{ProjectID: j.ProjectID, Statuses: job.BusyStatuses})
	if err != nil {
		return err
	}
	for _, other := range busy {
		if other.ID != j.ID {
			logger.Info("Project already has an active job, not claiming", "projectId", j.ProjectID, "activeJobId", other.ID)
			return apperrors.Conflict("job", j.ID, fmt.Sprintf("project %s already has active job %s", j.ProjectID, other.ID))
		}
	}
	return nil
}

// unclaim hands a just-claimed job back to the queue without counting a retry.
func (o *Orchestrator) unclaim(ctx context.Context, j *job.Job, logger *slog.Logger) {
	ctx, cancel := o.writeCtx(ctx)
	defer cancel()

	if err := job.Transition(j, job.StatusNew, o.now()); err != nil {
		logger.Error("Failed to release claim", "error", err)
		return
	}
	if err := o.repo.Save(ctx, j); err != nil {
		// The watchdog recovers the job once its heartbeat goes stale.
		logger.Warn("Failed to release claim", "error", err)
	}
}

// cancelWaiting moves a job that was cancelled before it started straight to
// Cancelled.
func (o *Orchestrator) cancelWaiting(ctx context.Context, j *job.Job, logger *slog.Logger) error {
	prev := j.Status
	if err := job.Transition(j, job.StatusCancelled, o.now()); err != nil {
		return err
	}
	j.Error = errCancelRequested.Error()
	if err := o.repo.Save(ctx, j); err != nil {
		return err
	}
	o.notifier.Notify(ctx, job.NewEventBuilder(j).BuildStatusEvent(prev))
	if o.metrics != nil {
		o.metrics.RecordJobCancelled(ctx, j.ProviderID)
	}
	logger.Info("Job cancelled before start")
	return nil
}

// run performs the pre-flight checks and the cycle loop.
func (o *Orchestrator) run(ctx context.Context, e *execution) outcome {
	prov, err := o.providers.Lookup(e.providerID)
	if err != nil {
		return failed(err.Error())
	}
	if info := prov.GetInfo(ctx); !info.Available {
		return failed(fmt.Sprintf("provider %s is unavailable: %s", e.providerID, info.Reason))
	}
	e.setInteractive(prov.AcceptsInput())
	proj, err := o.projects.Lookup(e.projectID)
	if err != nil {
		return failed(err.Error())
	}

	if err := o.preflight(ctx, prov); err != nil {
		if ctx.Err() != nil {
			return outcome{}
		}
		e.logger.Warn("Provider preflight failed", "providerId", e.providerID, "error", err)
		return failed(err.Error())
	}

	if w := o.exhaustion(ctx, e); w != nil {
		e.logger.Warn("Provider usage exhausted", "providerId", e.providerID, "kind", w.Kind, "resetsAt", w.ResetsAt)
		return outcome{status: job.StatusFailed, reason: w.Message, warning: w}
	}

	now := o.now()
	j, err := o.update(ctx, e, func(j *job.Job) error {
		return job.Transition(j, job.StatusProcessing, now)
	})
	if err != nil {
		if ctx.Err() != nil {
			return outcome{}
		}
		return transient(fmt.Sprintf("could not start processing: %v", err))
	}
	o.notifier.Notify(ctx, job.NewEventBuilder(j).BuildStatusEvent(job.StatusStarted))

	o.prepareWorkDir(ctx, e, proj)
	return o.cycles(ctx, e, prov, proj)
}

// preflight checks provider connectivity behind a per-provider breaker.
func (o *Orchestrator) preflight(ctx context.Context, prov provider.Provider) error {
	b := o.breakers.Get(prov.ID())
	if !b.Allow() {
		if at := b.RetryAt(); !at.IsZero() {
			return fmt.Errorf("provider %s failed its last %d connection checks; next check after %s", prov.ID(), b.Failures(), at.UTC().Format(time.RFC3339))
		}
		return fmt.Errorf("provider %s is being rechecked after %d failed connection checks", prov.ID(), b.Failures())
	}
	if err := prov.TestConnection(ctx); err != nil {
		if ctx.Err() == nil {
			b.RecordFailure()
		}
		return err
	}
	b.RecordSuccess()
	return nil
}

// exhaustion asks the usage ledger whether the provider is out of budget.
// Ledger errors are logged and treated as not exhausted.
func (o *Orchestrator) exhaustion(ctx context.Context, e *execution) *usage.Warning {
	if o.usage == nil {
		return nil
	}
	w, err := o.usage.CheckExhaustion(ctx, e.providerID)
	if err != nil {
		e.logger.Warn("Usage check failed", "providerId", e.providerID, "error", err)
		return nil
	}
	return w
}

// prepareWorkDir syncs the work directory and records the base revision.
// Failures are logged only.
func (o *Orchestrator) prepareWorkDir(ctx context.Context, e *execution, proj project.Project) {
	if o.vcs == nil || !o.vcs.IsRepo(ctx, proj.WorkDir) {
		return
	}
	if proj.SyncBeforeRun {
		if err := o.vcs.Sync(ctx, proj.WorkDir); err != nil {
			e.logger.Warn("Work directory sync failed", "workDir", proj.WorkDir, "error", err)
		}
	}
	rev, err := o.vcs.CurrentCommit(ctx, proj.WorkDir)
	if err != nil {
		e.logger.Warn("Could not read base revision", "workDir", proj.WorkDir, "error", err)
		return
	}
	e.setBaseRevision(rev)
}

// cycles invokes the provider once per cycle until the mode's stop condition.
func (o *Orchestrator) cycles(ctx context.Context, e *execution, prov provider.Provider, proj project.Project) outcome {
	j := e.current()
	limit := 1
	if j.CycleMode != job.CycleSingle && j.MaxCycles > 1 {
		limit = j.MaxCycles
	}

	for cycle := 1; cycle <= limit; cycle++ {
		if ctx.Err() != nil {
			return outcome{}
		}

		e.setCycle(cycle)
		if _, err := o.update(ctx, e, nil); err != nil {
			e.logger.Warn("Failed to persist cycle start", "cycle", cycle, "error", err)
		}

		opts := provider.Options{
			JobID:         e.jobID,
			WorkDir:       proj.WorkDir,
			Model:         j.Model,
			MCPConfigPath: proj.MCPConfig,
		}
		if e.acceptsInput() {
			opts.Input = e.input
		}
		if cycle > 1 && j.ContinueSession {
			opts.SessionID = e.session()
		}

		e.logger.Info("Cycle started", "cycle", cycle, "maxCycles", limit, "sessionId", opts.SessionID)
		res, err := o.invoke(ctx, e, prov, o.promptFor(j, cycle), opts)
		if res != nil {
			e.accumulate(res)
		}
		if ctx.Err() != nil {
			return outcome{}
		}
		if err != nil {
			return transient(err.Error())
		}
		if !res.Success {
			reason := res.Error
			if reason == "" {
				reason = fmt.Sprintf("provider %s reported failure", prov.ID())
			}
			if len(res.DetectedUsageLimits) > 0 {
				return failed(reason)
			}
			return transient(reason)
		}

		if j.CycleMode == job.CycleAutonomous && e.sawMarker() {
			e.logger.Info("Completion marker found", "cycle", cycle)
			break
		}
	}
	return completed()
}

// invoke runs one provider call with a fresh progress channel drained by a
// single consumer.
func (o *Orchestrator) invoke(ctx context.Context, e *execution, prov provider.Provider, prompt string, opts provider.Options) (*provider.Result, error) {
	progress := make(chan provider.Progress, o.cfg.ProgressBuffer)
	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		o.consume(ctx, e, progress)
	}()

	res, err := prov.Execute(ctx, prompt, opts, progress)
	close(progress)
	<-consumed
	return res, err
}

// promptFor builds the prompt for a cycle. Without session continuation the
// goal is repeated so the agent keeps its context.
func (o *Orchestrator) promptFor(j *job.Job, cycle int) string {
	markerNote := fmt.Sprintf("When the task is completely finished, print %s on a line by itself.", o.cfg.CompletionMarker)

	switch {
	case j.CycleMode == job.CycleAutonomous && cycle == 1:
		return j.Goal + "\n\n" + markerNote
	case j.CycleMode == job.CycleAutonomous:
		prompt := o.cfg.ContinuePrompt + "\n\n" + markerNote
		if !j.ContinueSession {
			prompt = j.Goal + "\n\n" + prompt
		}
		return prompt
	case cycle == 1:
		return j.Goal
	default:
		prompt := j.ContinuationPrompt
		if prompt == "" {
			prompt = o.cfg.ContinuePrompt
		}
		if !j.ContinueSession {
			prompt = j.Goal + "\n\n" + prompt
		}
		return prompt
	}
}

// finalize applies the outcome: a pending cancel overrides it, then the job
// moves to its final state and results are recorded. Failures after the
// state is saved are logged and never change it.
func (o *Orchestrator) finalize(parent context.Context, e *execution, out outcome) {
	ctx, cancel := o.writeCtx(parent)
	defer cancel()
	defer o.queue.MarkNotClaimed(e.jobID)

	if out.lost {
		e.logger.Warn("Job ownership lost, abandoning execution")
		if o.metrics != nil {
			o.metrics.RecordJobFinished(ctx, e.providerID, "abandoned", o.now().Sub(e.started).Seconds())
		}
		return
	}

	now := o.now()
	start := e.current()
	if out.status == job.StatusNew && out.retry && !start.CanRetry() {
		out = failed(fmt.Sprintf("%s (retries exhausted after %d attempts)", out.reason, start.RetryCount+1))
	}

	prev := start.Status
	j, err := o.update(ctx, e, func(j *job.Job) error {
		// A cancel bumps the version, so one requested after the last save
		// shows up here on the conflict retry.
		if j.CancelRequested && out.status != job.StatusCancelled {
			out = cancelled()
		}
		switch out.status {
		case job.StatusCompleted:
			j.Error = ""
			return job.Transition(j, job.StatusCompleted, now)
		case job.StatusFailed:
			return job.Fail(j, out.reason, now)
		case job.StatusCancelled:
			if err := job.Transition(j, job.StatusCancelled, now); err != nil {
				return err
			}
			j.Error = out.reason
			return nil
		case job.StatusNew:
			if out.retry {
				delay := o.cfg.RetryBackoff.Delay(j.RetryCount + 1)
				return job.Requeue(j, out.reason, now, now.Add(delay))
			}
			if err := job.Transition(j, job.StatusNew, now); err != nil {
				return err
			}
			j.Error = out.reason
			return nil
		default:
			return fmt.Errorf("unexpected outcome status %q", out.status)
		}
	})
	if err != nil {
		e.logger.Error("Failed to persist final job state", "status", out.status, "error", err)
		return
	}

	if msgs := e.transcript(now); len(msgs) > 0 {
		if err := o.repo.AppendMessages(ctx, e.jobID, msgs); err != nil {
			e.logger.Warn("Failed to store transcript", "messages", len(msgs), "error", err)
		}
	}

	if j.Status == job.StatusCompleted || j.Status == job.StatusFailed {
		o.captureChanges(ctx, e, j)
	}

	o.recordUsage(ctx, e, out.warning)

	o.notifier.Notify(ctx, job.NewEventBuilder(j).BuildStatusEvent(prev))
	if j.Status.IsTerminal() {
		o.notifier.Notify(ctx, job.NewEventBuilder(j).BuildCompletedEvent())
	}

	duration := now.Sub(e.started)
	if o.metrics != nil {
		o.metrics.RecordJobFinished(ctx, e.providerID, string(j.Status), duration.Seconds())
		o.metrics.RecordJobUsage(ctx, e.providerID, j.InputTokens+j.OutputTokens-e.priorInput-e.priorOutput, j.CostUSD-e.priorCost)
		if out.retry && j.Status == job.StatusNew {
			o.metrics.RecordJobRetry(ctx, e.providerID)
		}
	}

	attrs := []any{"status", j.Status, "cycles", j.CurrentCycle, "duration", duration, "costUsd", j.CostUSD}
	if j.Error != "" {
		attrs = append(attrs, "reason", j.Error)
	}
	if j.NotBefore != nil {
		attrs = append(attrs, "retryAt", *j.NotBefore)
	}
	e.logger.Info("Job finished", attrs...)
}

// captureChanges stores the diff against the base revision and, for
// completed jobs, applies the project's commit policy.
func (o *Orchestrator) captureChanges(ctx context.Context, e *execution, j *job.Job) {
	base := e.revision()
	if o.vcs == nil || base == "" {
		return
	}
	proj, err := o.projects.Lookup(j.ProjectID)
	if err != nil {
		return
	}
	logger := e.logger.With("workDir", proj.WorkDir)

	diff, err := o.vcs.DiffSince(ctx, proj.WorkDir, base)
	if err != nil {
		logger.Warn("Diff capture failed", "error", err)
	}
	j.Diff = diff

	if commits, err := o.vcs.CommitLog(ctx, proj.WorkDir, base); err == nil && len(commits) > 0 {
		logger.Info("Agent created commits", "count", len(commits), "latest", commits[0].Hash)
		j.CommitHash = commits[0].Hash
	}

	if j.Status == job.StatusCompleted && proj.AutoCommit {
		hash, err := o.vcs.Commit(ctx, proj.WorkDir, commitMessage(j))
		switch {
		case err != nil:
			logger.Warn("Auto-commit failed", "error", err)
		case hash != "":
			j.CommitHash = hash
			logger.Info("Changes committed", "commit", hash)
			if proj.AutoPush {
				if err := o.vcs.Push(ctx, proj.WorkDir); err != nil {
					logger.Warn("Push failed", "error", err)
				}
			}
		}
	}

	if j.Diff == "" && j.CommitHash == "" {
		return
	}
	if err := o.repo.Save(ctx, j); err != nil {
		logger.Warn("Failed to store changes", "error", err)
	}
}

// recordUsage adds this execution's spend to the ledger and raises a usage
// warning when the provider is exhausted.
func (o *Orchestrator) recordUsage(ctx context.Context, e *execution, warning *usage.Warning) {
	if o.usage != nil {
		spent := e.usage()
		if spent.InputTokens+spent.OutputTokens > 0 || spent.CostUSD > 0 || len(spent.DetectedUsageLimits) > 0 {
			if err := o.usage.RecordUsage(ctx, e.providerID, e.jobID, spent); err != nil {
				e.logger.Warn("Failed to record usage", "error", err)
			}
		}
		if warning == nil && len(spent.DetectedUsageLimits) > 0 {
			w, err := o.usage.CheckExhaustion(ctx, e.providerID)
			if err != nil {
				e.logger.Warn("Usage check failed", "error", err)
			}
			warning = w
		}
	}
	if warning != nil {
		o.notifier.Notify(ctx, e.events.BuildUsageWarningEvent(warning.ProviderID, warning.Message))
	}
}

// commitMessage summarises the job goal as a commit subject.
func commitMessage(j *job.Job) string {
	subject, _, _ := strings.Cut(strings.TrimSpace(j.Goal), "\n")
	if len(subject) > 72 {
		subject = subject[:69] + "..."
	}
	return fmt.Sprintf("%s\n\nagentd job %s", subject, j.ID)
}
