package job

import (
	"agentd/pkg/cloudevent"
	"fmt"
	"slices"
	"time"
)

// EventSource is the CloudEvents source attribute for every job event.
const EventSource = "agentd"

// Event types for live job updates
const (
	EventTypeStatus       = "agentd.job.status"
	EventTypeActivity     = "agentd.job.activity"
	EventTypeHeartbeat    = "agentd.job.heartbeat"
	EventTypeMessage      = "agentd.job.message"
	EventTypeCompleted    = "agentd.job.completed"
	EventTypeInteraction  = "agentd.job.interaction"
	EventTypeUsageWarning = "agentd.job.usage_warning"
)

// FilteredEvents returns true if the event type should be sent based on the filter.
// If the filter is empty, all events are allowed.
func FilteredEvents(eventType string, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	return slices.Contains(filter, eventType)
}

// EventBuilder builds CloudEvents for one job. Every event carries the job
// and project ids so list views can route them.
type EventBuilder struct {
	job *Job
}

// NewEventBuilder creates a new EventBuilder over a snapshot of j.
func NewEventBuilder(j *Job) *EventBuilder {
	return &EventBuilder{job: j}
}

// Build creates a new CloudEvent with the given type and data.
func (b *EventBuilder) Build(eventType string, data map[string]any) *cloudevent.CloudEvent {
	if data == nil {
		data = map[string]any{}
	}
	data["jobId"] = b.job.ID
	data["projectId"] = b.job.ProjectID
	eventID := fmt.Sprintf("%s-%d", b.job.ID, time.Now().UnixNano())
	return cloudevent.New(eventType, EventSource, b.job.ID, eventID, data)
}

// BuildStatusEvent creates a status-changed event. prev may be empty for new jobs.
func (b *EventBuilder) BuildStatusEvent(prev Status) *cloudevent.CloudEvent {
	data := map[string]any{
		"status":     b.job.Status,
		"retryCount": b.job.RetryCount,
	}
	if prev != "" {
		data["previousStatus"] = prev
	}
	if b.job.Error != "" {
		data["error"] = b.job.Error
	}
	return b.Build(EventTypeStatus, data)
}

// BuildActivityEvent creates an activity-updated event.
func (b *EventBuilder) BuildActivityEvent(activity, toolName string) *cloudevent.CloudEvent {
	data := map[string]any{
		"activity": activity,
	}
	if toolName != "" {
		data["toolName"] = toolName
	}
	return b.Build(EventTypeActivity, data)
}

// BuildHeartbeatEvent creates a heartbeat event.
func (b *EventBuilder) BuildHeartbeatEvent(at time.Time) *cloudevent.CloudEvent {
	return b.Build(EventTypeHeartbeat, map[string]any{
		"workerId":    b.job.WorkerID,
		"heartbeatAt": at.UTC(),
	})
}

// BuildMessageEvent creates a message-added event for one output line.
func (b *EventBuilder) BuildMessageEvent(line string, isError bool) *cloudevent.CloudEvent {
	return b.Build(EventTypeMessage, map[string]any{
		"line":    line,
		"isError": isError,
	})
}

// BuildCompletedEvent creates a completed event carrying final totals.
func (b *EventBuilder) BuildCompletedEvent() *cloudevent.CloudEvent {
	data := map[string]any{
		"status":       b.job.Status,
		"inputTokens":  b.job.InputTokens,
		"outputTokens": b.job.OutputTokens,
		"costUsd":      b.job.CostUSD,
		"cycles":       b.job.CurrentCycle,
	}
	if b.job.Error != "" {
		data["error"] = b.job.Error
	}
	return b.Build(EventTypeCompleted, data)
}

// BuildInteractionEvent creates an interaction-required event from the job's
// pending interaction.
func (b *EventBuilder) BuildInteractionEvent() *cloudevent.CloudEvent {
	return b.Build(EventTypeInteraction, map[string]any{
		"prompt":  b.job.InteractionPrompt,
		"type":    b.job.InteractionType,
		"choices": b.job.InteractionChoices,
	})
}

// BuildUsageWarningEvent creates a usage-warning event for a provider.
func (b *EventBuilder) BuildUsageWarningEvent(providerID, message string) *cloudevent.CloudEvent {
	return b.Build(EventTypeUsageWarning, map[string]any{
		"providerId": providerID,
		"message":    message,
	})
}
