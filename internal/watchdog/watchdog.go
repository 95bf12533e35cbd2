// Package watchdog reconciles jobs whose execution stopped reporting
// liveness. It runs independently of the orchestrator and works only through
// the job repository, so several watchdogs may sweep the same store.
package watchdog

import (
	"agentd/internal/apperrors"
	"agentd/internal/job"
	"agentd/internal/notify"
	"agentd/internal/observability"
	"agentd/internal/process"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Sweep names, as reported in logs and metrics.
const (
	SweepCancel = "cancel"
	SweepStall  = "stall"
	SweepPaused = "paused"
	SweepOrphan = "orphan"
)

// Deps wires a Watchdog. Repo and WorkerID are required.
type Deps struct {
	Repo     job.Repository
	WorkerID string                 // jobs owned by this id may have their process killed
	Notifier notify.Notifier        // optional
	Metrics  *observability.Metrics // optional
}

// Report counts what one pass did.
type Report struct {
	Cancelled int
	Requeued  int
	Failed    int
	Killed    int
}

func (r Report) total() int {
	return r.Cancelled + r.Requeued + r.Failed
}

// Watchdog runs the force-cancel, stall and orphan sweeps.
type Watchdog struct {
	cfg       Config
	repo      job.Repository
	workerID  string
	notifier  notify.Notifier
	metrics   *observability.Metrics
	logger    *slog.Logger
	now       func() time.Time
	terminate func(pid int, grace time.Duration) error
}

// New creates a Watchdog.
func New(cfg Config, deps Deps) *Watchdog {
	return &Watchdog{
		cfg:       cfg.withDefaults(),
		repo:      deps.Repo,
		workerID:  deps.WorkerID,
		notifier:  notify.OrNop(deps.Notifier),
		metrics:   deps.Metrics,
		logger:    slog.With("component", "watchdog", "workerId", deps.WorkerID),
		now:       time.Now,
		terminate: process.Terminate,
	}
}

// Run sweeps immediately and then every Interval until ctx is done.
func (w *Watchdog) Run(ctx context.Context) error {
	w.logger.Info("Watchdog started",
		"interval", w.cfg.Interval,
		"stallThreshold", w.cfg.StallThreshold,
		"orphanThreshold", w.cfg.OrphanThreshold,
	)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		w.Sweep(ctx)

		select {
		case <-ctx.Done():
			w.logger.Info("Watchdog stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep runs one pass over every non-terminal job. Each action is a
// compare-and-swap on the job version: a job changed by anyone else since
// it was listed is left for the next pass.
func (w *Watchdog) Sweep(ctx context.Context) Report {
	var r Report

	jobs, err := w.repo.List(ctx, job.Filter{Statuses: []job.Status{
		job.StatusNew,
		job.StatusPending,
		job.StatusStarted,
		job.StatusProcessing,
		job.StatusPaused,
		job.StatusStalled,
	}})
	if err != nil {
		w.logger.Error("Failed to list jobs", "error", err)
		return r
	}

	now := w.now()
	for _, j := range jobs {
		if ctx.Err() != nil {
			break
		}
		w.reconcile(ctx, j, now, &r)
	}

	if r.total() > 0 {
		w.logger.Info("Watchdog sweep finished",
			"cancelled", r.Cancelled,
			"requeued", r.Requeued,
			"failed", r.Failed,
			"killed", r.Killed,
		)
	}
	return r
}

func (w *Watchdog) reconcile(ctx context.Context, j *job.Job, now time.Time, r *Report) {
	own := j.WorkerID == w.workerID

	switch {
	// Cancellation wins over every other sweep.
	case j.CancelRequested:
		if w.cancelDue(j, now) {
			w.forceCancel(ctx, j, now, r)
		}

	case j.Status == job.StatusStalled:
		// Left behind by a pass that stopped between marking and requeueing.
		if now.Sub(j.UpdatedAt) >= w.cfg.StallThreshold {
			reason := j.Error
			if reason == "" {
				reason = string(job.ReasonStalled)
			}
			w.kill(w.ownPID(j), w.logger.With("jobId", j.ID), r)
			w.requeue(ctx, j, now, SweepStall, reason, r)
		}

	case !j.Status.IsActive():
		// Waiting jobs only matter once cancelled.

	case own && j.Status == job.StatusPaused:
		if j.PausedAt != nil && now.Sub(*j.PausedAt) >= w.cfg.PausedTimeout {
			reason := fmt.Sprintf("no response to %q after %s", j.InteractionPrompt, w.cfg.PausedTimeout)
			w.recover(ctx, j, now, SweepPaused, reason, true, r)
		}

	case own:
		if age := now.Sub(lastBeat(j)); age >= w.cfg.StallThreshold {
			reason := fmt.Sprintf("no heartbeat for %s", age.Round(time.Second))
			w.recover(ctx, j, now, SweepStall, reason, true, r)
		}

	default:
		if age := now.Sub(lastBeat(j)); age >= w.cfg.OrphanThreshold {
			reason := fmt.Sprintf("worker %s stopped reporting %s ago", ownerName(j.WorkerID), age.Round(time.Second))
			w.recover(ctx, j, now, SweepOrphan, reason, false, r)
		}
	}
}

// cancelDue reports whether a cancel request has gone unanswered for the
// grace period. Jobs held by another live worker are left to that worker.
func (w *Watchdog) cancelDue(j *job.Job, now time.Time) bool {
	if j.CancelRequestedAt == nil || now.Sub(*j.CancelRequestedAt) < w.cfg.CancelGrace {
		return false
	}
	if last := j.LastSeenActivity(); !last.IsZero() && now.Sub(last) < w.cfg.CancelGrace {
		return false
	}
	if j.Status.IsActive() && j.WorkerID != "" && j.WorkerID != w.workerID {
		return now.Sub(lastBeat(j)) >= w.cfg.OrphanThreshold
	}
	return true
}

func (w *Watchdog) forceCancel(ctx context.Context, j *job.Job, now time.Time, r *Report) {
	logger := w.logger.With("jobId", j.ID, "sweep", SweepCancel, "status", j.Status)
	pid := w.ownPID(j)

	ok := w.save(ctx, j, logger, func(j *job.Job) error {
		if err := job.Transition(j, job.StatusCancelled, now); err != nil {
			return err
		}
		j.Error = fmt.Sprintf("cancelled by user (forced after %s without response)", w.cfg.CancelGrace)
		return nil
	})
	if !ok {
		return
	}
	w.kill(pid, logger, r)
	r.Cancelled++
	w.record(ctx, SweepCancel, "cancelled")
	logger.Warn("Cancellation forced")
}

// recover takes a stuck job away from its owner. With retries left and a
// process to kill, the job is held in Stalled until the kill is done so its
// project is not handed a new execution meanwhile.
func (w *Watchdog) recover(ctx context.Context, j *job.Job, now time.Time, sweep, reason string, kill bool, r *Report) {
	logger := w.logger.With("jobId", j.ID, "sweep", sweep, "owner", j.WorkerID, "status", j.Status)
	pid := 0
	if kill {
		pid = w.ownPID(j)
	}

	if !j.CanRetry() {
		reason = fmt.Sprintf("%s (retries exhausted after %d attempts)", reason, j.RetryCount+1)
		if !w.save(ctx, j, logger, func(j *job.Job) error { return job.Fail(j, reason, now) }) {
			return
		}
		w.kill(pid, logger, r)
		r.Failed++
		w.record(ctx, sweep, "failed")
		logger.Warn("Stuck job failed", "reason", reason)
		return
	}

	if pid > 0 {
		ok := w.save(ctx, j, logger, func(j *job.Job) error {
			if err := job.Transition(j, job.StatusStalled, now); err != nil {
				return err
			}
			j.Error = reason
			return nil
		})
		if !ok {
			return
		}
		w.kill(pid, logger, r)
	}
	w.requeue(ctx, j, now, sweep, reason, r)
}

func (w *Watchdog) requeue(ctx context.Context, j *job.Job, now time.Time, sweep, reason string, r *Report) {
	logger := w.logger.With("jobId", j.ID, "sweep", sweep, "owner", j.WorkerID, "status", j.Status)
	ok := w.save(ctx, j, logger, func(j *job.Job) error {
		return job.Requeue(j, reason, now, time.Time{})
	})
	if !ok {
		return
	}
	r.Requeued++
	w.record(ctx, sweep, "requeued")
	logger.Warn("Stuck job requeued", "reason", reason, "retryCount", j.RetryCount)
}

// save applies mutate and writes j. It reports false when the transition is
// illegal or the job changed since it was read.
func (w *Watchdog) save(ctx context.Context, j *job.Job, logger *slog.Logger, mutate func(*job.Job) error) bool {
	prev := j.Status
	if err := mutate(j); err != nil {
		logger.Warn("Watchdog transition rejected", "error", err)
		return false
	}
	if err := w.repo.Save(ctx, j); err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			logger.Debug("Job changed during sweep, skipping", "error", err)
		} else {
			logger.Error("Failed to save job", "error", err)
		}
		return false
	}

	events := job.NewEventBuilder(j)
	w.notifier.Notify(ctx, events.BuildStatusEvent(prev))
	if j.Status.IsTerminal() {
		w.notifier.Notify(ctx, events.BuildCompletedEvent())
	}
	return true
}

func (w *Watchdog) kill(pid int, logger *slog.Logger, r *Report) {
	if pid <= 0 {
		return
	}
	if err := w.terminate(pid, w.cfg.KillGrace); err != nil {
		logger.Error("Failed to kill agent process", "pid", pid, "error", err)
		return
	}
	r.Killed++
	logger.Info("Agent process killed", "pid", pid)
}

// ownPID returns the job's process id if this worker owns it. Process ids
// of other hosts mean nothing here.
func (w *Watchdog) ownPID(j *job.Job) int {
	if j.WorkerID != w.workerID {
		return 0
	}
	return j.ProcessID
}

func (w *Watchdog) record(ctx context.Context, sweep, action string) {
	if w.metrics != nil {
		w.metrics.RecordWatchdogAction(ctx, sweep, action)
	}
}

// lastBeat is the most recent liveness signal of an active job.
func lastBeat(j *job.Job) time.Time {
	switch {
	case j.HeartbeatAt != nil:
		return *j.HeartbeatAt
	case j.StartedAt != nil:
		return *j.StartedAt
	default:
		return j.UpdatedAt
	}
}

func ownerName(workerID string) string {
	if workerID == "" {
		return "(none)"
	}
	return workerID
}
