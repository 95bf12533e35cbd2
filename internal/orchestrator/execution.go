package orchestrator

import (
	"agentd/internal/job"
	"agentd/internal/provider"
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const truncationNotice = "[... earlier output truncated ...]\n"

// console keeps the newest output up to limit bytes, dropping whole lines
// from the front.
type console struct {
	limit     int
	buf       []byte
	truncated bool
}

func (c *console) append(line string) {
	c.buf = append(c.buf, line...)
	c.buf = append(c.buf, '\n')
	if len(c.buf) <= c.limit {
		return
	}
	// Trim to three quarters of the limit to amortise the copy.
	over := len(c.buf) - c.limit*3/4
	if i := bytes.IndexByte(c.buf[over:], '\n'); i >= 0 {
		over += i + 1
	}
	n := copy(c.buf, c.buf[over:])
	c.buf = c.buf[:n]
	c.truncated = true
}

func (c *console) String() string {
	if c.truncated {
		return truncationNotice + string(c.buf)
	}
	return string(c.buf)
}

// execution is the in-memory context of one running job. The main execution
// goroutine, the progress consumer, the monitor and Resume all touch it, so
// every field below mu is guarded by it.
type execution struct {
	jobID      string
	providerID string
	projectID  string
	marker     string
	started    time.Time
	input      chan string
	events     *job.EventBuilder
	logger     *slog.Logger
	cancel     context.CancelCauseFunc

	// saveMu serialises compare-and-swap writes of the job record.
	saveMu sync.Mutex

	mu           sync.Mutex
	job          *job.Job
	console      console
	recent       []string
	contextLines int
	lines        int
	scanFrom     int
	markerSeen   bool
	pid          int
	cycle        int
	paused       bool
	interactive  bool
	dirty        bool
	lastPersist  time.Time
	activity     string
	lastActivity time.Time
	baseRevision string
	sessionID    string
	inputTokens  int64
	outputTokens int64
	costUSD      float64
	messages     []provider.Message
	limits       []provider.UsageLimit

	// Totals carried over from earlier attempts.
	priorInput  int64
	priorOutput int64
	priorCost   float64
}

func newExecution(j *job.Job, cfg Config, logger *slog.Logger) *execution {
	now := time.Now()
	return &execution{
		jobID:       j.ID,
		providerID:  j.ProviderID,
		projectID:   j.ProjectID,
		marker:      cfg.CompletionMarker,
		started:     now,
		input:       make(chan string, 4),
		interactive: true,
		// Events only need the routing fields, so the builder works on a
		// fixed copy instead of the live record.
		events:       job.NewEventBuilder(&job.Job{ID: j.ID, ProjectID: j.ProjectID, WorkerID: j.WorkerID}),
		logger:       logger,
		job:          j.Clone(),
		console:      console{limit: cfg.ConsoleLimit},
		contextLines: cfg.ContextLines,
		lastPersist:  now,
		inputTokens:  j.InputTokens,
		outputTokens: j.OutputTokens,
		costUSD:      j.CostUSD,
		priorInput:   j.InputTokens,
		priorOutput:  j.OutputTokens,
		priorCost:    j.CostUSD,
	}
}

// abort cancels the execution with cause.
func (e *execution) abort(cause error) {
	if e.cancel != nil {
		e.cancel(cause)
	}
}

// snapshot returns the last saved record with the live execution state laid
// over it.
func (e *execution) snapshot() *job.Job {
	e.mu.Lock()
	defer e.mu.Unlock()

	j := e.job.Clone()
	j.Output = e.console.String()
	j.InputTokens = e.inputTokens
	j.OutputTokens = e.outputTokens
	j.CostUSD = e.costUSD
	if e.sessionID != "" {
		j.SessionID = e.sessionID
	}
	if e.pid > 0 {
		j.ProcessID = e.pid
	}
	if e.cycle > 0 {
		j.CurrentCycle = e.cycle
	}
	if e.activity != "" {
		j.Activity = e.activity
	}
	if !e.lastActivity.IsZero() {
		t := e.lastActivity
		j.LastActivityAt = &t
	}
	if e.baseRevision != "" {
		j.BaseRevision = e.baseRevision
	}
	return j
}

// saved records j as the latest persisted version.
func (e *execution) saved(j *job.Job, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.job = j.Clone()
	e.dirty = false
	e.lastPersist = at
}

// current returns a copy of the last saved record.
func (e *execution) current() *job.Job {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job.Clone()
}

// appendLine adds an output line to the console and returns the lines not
// yet examined by the interaction detector.
func (e *execution) appendLine(line string, at time.Time) []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.console.append(line)
	e.lines++
	e.recent = append(e.recent, line)
	if len(e.recent) > e.contextLines {
		e.recent = e.recent[len(e.recent)-e.contextLines:]
	}
	if e.marker != "" && strings.Contains(line, e.marker) {
		e.markerSeen = true
	}
	e.lastActivity = at
	e.dirty = true

	if e.paused {
		return nil
	}
	unseen := min(e.lines-e.scanFrom, len(e.recent))
	return append([]string(nil), e.recent[len(e.recent)-unseen:]...)
}

// markScanned excludes every line seen so far from future detection.
func (e *execution) markScanned() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scanFrom = e.lines
}

func (e *execution) setActivity(activity string, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.activity = activity
	e.lastActivity = at
	e.dirty = true
}

// setPID records the agent process id. Reports whether it changed.
func (e *execution) setPID(pid int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pid == pid {
		return false
	}
	e.pid = pid
	return true
}

func (e *execution) processID() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pid
}

func (e *execution) setCycle(cycle int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cycle = cycle
}

func (e *execution) setBaseRevision(rev string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.baseRevision = rev
}

func (e *execution) revision() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.baseRevision
}

func (e *execution) setPaused(paused bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = paused
	if !paused {
		e.scanFrom = e.lines
	}
}

// unpause clears the paused flag. It reports false if the execution was not
// paused, so concurrent resumes answer the agent only once.
func (e *execution) unpause() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.paused {
		return false
	}
	e.paused = false
	e.scanFrom = e.lines
	return true
}

// persistDue reports whether buffered state should be written now.
func (e *execution) persistDue(now time.Time, interval time.Duration) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dirty && now.Sub(e.lastPersist) >= interval
}

func (e *execution) isDirty() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dirty
}

func (e *execution) session() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

func (e *execution) sawMarker() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.markerSeen
}

// accumulate adds one cycle's result to the running totals.
func (e *execution) accumulate(res *provider.Result) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.inputTokens += res.InputTokens
	e.outputTokens += res.OutputTokens
	e.costUSD += res.CostUSD
	if res.SessionID != "" {
		e.sessionID = res.SessionID
	}
	if e.marker != "" && strings.Contains(res.Output, e.marker) {
		e.markerSeen = true
	}
	e.messages = append(e.messages, res.Messages...)
	e.limits = append(e.limits, res.DetectedUsageLimits...)
	e.dirty = true
}

// usage returns the totals spent by this execution as a provider result, for
// the usage ledger.
func (e *execution) usage() *provider.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return &provider.Result{
		InputTokens:         e.inputTokens - e.priorInput,
		OutputTokens:        e.outputTokens - e.priorOutput,
		CostUSD:             e.costUSD - e.priorCost,
		DetectedUsageLimits: append([]provider.UsageLimit(nil), e.limits...),
	}
}

// transcript converts the collected provider messages into job messages.
func (e *execution) transcript(at time.Time) []job.Message {
	e.mu.Lock()
	defer e.mu.Unlock()

	msgs := make([]job.Message, 0, len(e.messages))
	for _, m := range e.messages {
		msgs = append(msgs, job.Message{
			JobID:     e.jobID,
			Role:      m.Role,
			Content:   m.Content,
			ToolName:  m.ToolName,
			CreatedAt: at,
		})
	}
	return msgs
}

// setInteractive records whether the provider forwards input to the agent.
func (e *execution) setInteractive(interactive bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.interactive = interactive
}

func (e *execution) acceptsInput() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.interactive
}

// send offers response to the agent without blocking. It fails when the
// agent takes no input.
func (e *execution) send(response string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.interactive {
		return false
	}
	select {
	case e.input <- response:
		return true
	default:
		return false
	}
}
