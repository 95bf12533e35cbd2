package orchestrator

import (
	"agentd/internal/interaction"
	"agentd/internal/job"
	"agentd/internal/provider"
	"context"
	"strings"
	"unicode/utf8"
)

const maxActivityLength = 200

// consume drains one provider call's progress channel. It is the only
// goroutine applying progress to the execution, so events are handled in the
// order the provider sent them.
func (o *Orchestrator) consume(ctx context.Context, e *execution, progress <-chan provider.Progress) {
	for p := range progress {
		o.handleProgress(ctx, e, p)
	}
	if e.isDirty() {
		o.persist(ctx, e)
	}
}

func (o *Orchestrator) handleProgress(ctx context.Context, e *execution, p provider.Progress) {
	now := o.now()

	if p.ProcessID > 0 && e.setPID(p.ProcessID) {
		e.logger.Info("Agent process started", "pid", p.ProcessID)
		// The watchdog needs the pid to kill a stuck agent, so it is not rate-limited.
		o.persist(ctx, e)
	}

	var activity string
	switch {
	case p.ToolName != "":
		activity = "Using " + p.ToolName
	case p.CurrentMessage != "":
		activity = summarize(p.CurrentMessage)
	}
	if activity != "" {
		e.setActivity(activity, now)
		o.notifier.Notify(ctx, e.events.BuildActivityEvent(activity, p.ToolName))
	}

	if p.OutputLine != "" {
		unseen := e.appendLine(p.OutputLine, now)
		o.notifier.Notify(ctx, e.events.BuildMessageEvent(p.OutputLine, p.IsError))

		if req := o.detect(e, unseen); req != nil {
			o.handleInteraction(ctx, e, req)
			return
		}
	}

	if e.persistDue(now, o.cfg.StatusUpdateInterval) {
		o.persist(ctx, e)
	}
}

// detect runs the interaction detector over output not yet examined.
func (o *Orchestrator) detect(e *execution, lines []string) *interaction.Request {
	if len(lines) == 0 {
		return nil
	}
	req := o.detector.Scan(lines)
	if req != nil {
		e.markScanned()
	}
	return req
}

// handleInteraction answers req with a safe default in unattended mode, and
// otherwise pauses the job for an operator. An agent that takes no input is
// never paused: the prompt is reported as activity and the agent runs on.
func (o *Orchestrator) handleInteraction(ctx context.Context, e *execution, req *interaction.Request) {
	logger := e.logger.With("interactionType", req.Type, "confidence", req.Confidence)
	if o.metrics != nil {
		o.metrics.RecordInteraction(ctx, e.providerID, string(req.Type))
	}

	if !e.acceptsInput() {
		activity := summarize("Prompted: " + req.Prompt)
		e.setActivity(activity, o.now())
		o.notifier.Notify(ctx, e.events.BuildActivityEvent(activity, ""))
		logger.Info("Interaction detected, provider takes no input", "prompt", req.Prompt)
		o.persist(ctx, e)
		return
	}

	if o.cfg.AutoRespond {
		if response, ok := interaction.SafeDefault(req); ok && e.send(response) {
			logger.Info("Interaction answered automatically", "prompt", req.Prompt, "response", response)
			activity := summarize("Answered: " + req.Prompt)
			e.setActivity(activity, o.now())
			o.notifier.Notify(ctx, e.events.BuildActivityEvent(activity, ""))
			return
		}
	}

	wctx, cancel := o.writeCtx(ctx)
	defer cancel()

	e.setPaused(true)
	now := o.now()
	var prev job.Status
	j, err := o.update(wctx, e, func(j *job.Job) error {
		prev = j.Status
		if err := job.Transition(j, job.StatusPaused, now); err != nil {
			return err
		}
		j.InteractionPrompt = req.Prompt
		j.InteractionType = string(req.Type)
		j.InteractionChoices = req.Choices
		return nil
	})
	if err != nil {
		e.setPaused(false)
		logger.Warn("Failed to pause job for interaction", "error", err)
		return
	}

	builder := job.NewEventBuilder(j)
	o.notifier.Notify(ctx, builder.BuildStatusEvent(prev))
	o.notifier.Notify(ctx, builder.BuildInteractionEvent())
	logger.Info("Job paused for interaction", "prompt", req.Prompt, "choices", req.Choices)
}

// persist writes the buffered live state. Errors are logged; the next write
// carries the same state.
func (o *Orchestrator) persist(ctx context.Context, e *execution) {
	wctx, cancel := o.writeCtx(ctx)
	defer cancel()
	if _, err := o.update(wctx, e, nil); err != nil {
		e.logger.Warn("Failed to persist progress", "error", err)
	}
}

// summarize returns the first line of s, shortened for the activity field.
func summarize(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	line = strings.TrimSpace(interaction.StripANSI(line))
	if len(line) <= maxActivityLength {
		return line
	}
	cut := maxActivityLength
	for cut > 0 && !utf8.RuneStart(line[cut]) {
		cut--
	}
	return line[:cut] + "…"
}
