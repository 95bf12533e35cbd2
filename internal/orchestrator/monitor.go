package orchestrator

import (
	"agentd/internal/apperrors"
	"agentd/internal/job"
	"context"
	"errors"
	"time"
)

// monitor runs beside one execution until finished is closed. It refreshes
// the heartbeat, watches the persisted cancellation flag and the job's
// budgets, and cancels the execution when any of them calls for it. Once the
// execution is cancelled it gives the agent CancelGrace to exit before
// killing its process tree.
func (o *Orchestrator) monitor(ctx context.Context, e *execution, finished <-chan struct{}) {
	ticker := time.NewTicker(o.cfg.MonitorInterval)
	defer ticker.Stop()

	criteria := job.CriteriaFor(e.current(), o.cfg.Criteria)
	lastBeat := o.now()
	cancelled := ctx.Done()
	var kill <-chan time.Time

	for {
		select {
		case <-finished:
			return

		case <-cancelled:
			cancelled = nil
			timer := time.NewTimer(o.cfg.CancelGrace)
			defer timer.Stop()
			kill = timer.C

		case <-kill:
			kill = nil
			if pid := e.processID(); pid > 0 {
				e.logger.Warn("Agent did not stop after cancellation, killing process tree", "pid", pid, "grace", o.cfg.CancelGrace)
				if err := o.terminate(pid, 0); err != nil {
					e.logger.Error("Failed to kill agent process", "pid", pid, "error", err)
				}
			}

		case <-ticker.C:
			now := o.now()
			if now.Sub(lastBeat) >= o.cfg.HeartbeatInterval {
				lastBeat = now
				o.heartbeat(ctx, e, now)
			}
			if ctx.Err() == nil {
				o.check(ctx, e, criteria, now)
			}
		}
	}
}

// heartbeat refreshes liveness. A conflict means the job is no longer ours.
func (o *Orchestrator) heartbeat(ctx context.Context, e *execution, now time.Time) {
	wctx, cancel := o.writeCtx(ctx)
	defer cancel()

	err := o.repo.Heartbeat(wctx, e.jobID, o.cfg.WorkerID, now)
	switch {
	case err == nil:
		o.notifier.Notify(ctx, e.events.BuildHeartbeatEvent(now))
	case errors.Is(err, apperrors.ErrConflict):
		e.logger.Warn("Heartbeat rejected, job is no longer owned by this worker", "error", err)
		e.abort(errLostOwnership)
	default:
		e.logger.Warn("Heartbeat failed", "error", err)
	}
}

// check reads the stored job for a cancel request or a change of owner, then
// evaluates budgets against the live state.
func (o *Orchestrator) check(ctx context.Context, e *execution, criteria job.Criteria, now time.Time) {
	stored, err := o.repo.Get(ctx, e.jobID)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Warn("Failed to read job state", "error", err)
		}
		return
	}

	switch {
	case stored.CancelRequested:
		e.logger.Info("Cancellation requested, stopping agent")
		e.abort(errCancelRequested)
		return
	case stored.WorkerID != o.cfg.WorkerID || !stored.Status.IsActive():
		e.logger.Warn("Job was reclaimed by another party", "status", stored.Status, "owner", stored.WorkerID)
		e.abort(errLostOwnership)
		return
	}

	if eval := job.EvaluateCompletion(e.snapshot(), criteria, now); eval.Decided() {
		e.logger.Info("Completion criteria met", "reason", eval.Reason, "complete", eval.Complete)
		e.abort(&verdict{eval: eval})
	}
}
