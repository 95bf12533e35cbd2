package orchestrator

import (
	"agentd/internal/job"
	"agentd/internal/provider"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestConsole_Truncates(t *testing.T) {
	t.Parallel()
	c := console{limit: 100}

	for i := range 30 {
		c.append(strings.Repeat("x", 9) + string(rune('a'+i%26)))
	}

	out := c.String()
	if !strings.HasPrefix(out, truncationNotice) {
		t.Fatalf("Expected truncation notice, got %q", out[:20])
	}
	body := strings.TrimPrefix(out, truncationNotice)
	if len(body) > 100 {
		t.Errorf("Expected at most 100 bytes kept, got %d", len(body))
	}
	for _, line := range strings.Split(strings.TrimSuffix(body, "\n"), "\n") {
		if len(line) != 10 {
			t.Errorf("Expected whole lines only, got %q", line)
		}
	}
	if !strings.HasSuffix(body, "xxxxxxxxxd\n") {
		t.Errorf("Expected newest line kept, got %q", body)
	}
}

func TestConsole_UnderLimit(t *testing.T) {
	t.Parallel()
	c := console{limit: 1024}
	c.append("one")
	c.append("two")
	if got := c.String(); got != "one\ntwo\n" {
		t.Errorf("String() = %q", got)
	}
}

func newTestExecution(t *testing.T) *execution {
	t.Helper()
	j := &job.Job{ID: "job-1", ProjectID: "p1", ProviderID: "claude", Status: job.StatusProcessing, InputTokens: 10, OutputTokens: 5, CostUSD: 0.5}
	cfg := Config{ContextLines: 3, ConsoleLimit: 4096}.withDefaults()
	return newExecution(j, cfg, slog.Default())
}

func TestExecution_AppendLineWindow(t *testing.T) {
	t.Parallel()
	e := newTestExecution(t)
	now := time.Now()

	if got := e.appendLine("a", now); len(got) != 1 || got[0] != "a" {
		t.Errorf("appendLine() = %v", got)
	}
	e.appendLine("b", now)
	got := e.appendLine("c", now)
	if strings.Join(got, ",") != "a,b,c" {
		t.Errorf("appendLine() = %v", got)
	}

	// Only lines after the last detection are offered again.
	e.markScanned()
	if got := e.appendLine("d", now); strings.Join(got, ",") != "d" {
		t.Errorf("appendLine() after scan = %v", got)
	}

	// The window never exceeds ContextLines.
	e.appendLine("e", now)
	e.appendLine("f", now)
	if got := e.appendLine("g", now); strings.Join(got, ",") != "e,f,g" {
		t.Errorf("appendLine() window = %v", got)
	}

	e.setPaused(true)
	if got := e.appendLine("h", now); got != nil {
		t.Errorf("Expected no detection while paused, got %v", got)
	}
	e.setPaused(false)
	if got := e.appendLine("i", now); strings.Join(got, ",") != "i" {
		t.Errorf("appendLine() after resume = %v", got)
	}
}

func TestExecution_Marker(t *testing.T) {
	t.Parallel()
	e := newTestExecution(t)

	e.appendLine("working", time.Now())
	if e.sawMarker() {
		t.Fatal("Expected no marker yet")
	}
	e.appendLine("all done "+DefaultCompletionMarker, time.Now())
	if !e.sawMarker() {
		t.Error("Expected marker in output to be seen")
	}

	e2 := newTestExecution(t)
	e2.accumulate(&provider.Result{Output: DefaultCompletionMarker})
	if !e2.sawMarker() {
		t.Error("Expected marker in result output to be seen")
	}
}

func TestExecution_SnapshotAndUsage(t *testing.T) {
	t.Parallel()
	e := newTestExecution(t)
	now := time.Now()

	e.appendLine("hello", now)
	e.setPID(4242)
	e.setCycle(2)
	e.setActivity("Using Bash", now)
	e.setBaseRevision("abc")
	e.accumulate(&provider.Result{
		SessionID:    "sess-1",
		InputTokens:  100,
		OutputTokens: 50,
		CostUSD:      0.25,
		Messages:     []provider.Message{{Role: "assistant", Content: "hi"}},
	})

	s := e.snapshot()
	if s.Output != "hello\n" || s.ProcessID != 4242 || s.CurrentCycle != 2 || s.Activity != "Using Bash" {
		t.Errorf("snapshot() = %+v", s)
	}
	if s.InputTokens != 110 || s.OutputTokens != 55 || s.CostUSD != 0.75 || s.SessionID != "sess-1" || s.BaseRevision != "abc" {
		t.Errorf("snapshot() totals = %+v", s)
	}

	spent := e.usage()
	if spent.InputTokens != 100 || spent.OutputTokens != 50 || spent.CostUSD != 0.25 {
		t.Errorf("usage() = %+v", spent)
	}

	msgs := e.transcript(now)
	if len(msgs) != 1 || msgs[0].JobID != "job-1" || msgs[0].Role != "assistant" {
		t.Errorf("transcript() = %+v", msgs)
	}

	if e.setPID(4242) {
		t.Error("Expected unchanged pid to report false")
	}
}

func TestExecution_PersistDue(t *testing.T) {
	t.Parallel()
	e := newTestExecution(t)
	now := time.Now()

	e.saved(e.current(), now)
	if e.persistDue(now.Add(time.Hour), time.Second) {
		t.Error("Expected nothing due when clean")
	}
	e.appendLine("x", now)
	if e.persistDue(now.Add(500*time.Millisecond), time.Second) {
		t.Error("Expected rate limit to hold")
	}
	if !e.persistDue(now.Add(2*time.Second), time.Second) {
		t.Error("Expected persist to be due")
	}
}

func TestExecution_Send(t *testing.T) {
	t.Parallel()
	e := newTestExecution(t)
	for i := range cap(e.input) {
		if !e.send("y") {
			t.Fatalf("send %d failed", i)
		}
	}
	if e.send("y") {
		t.Error("Expected send to a full input channel to fail")
	}
}

func TestExecution_SendWithoutInput(t *testing.T) {
	t.Parallel()
	e := newTestExecution(t)
	e.setInteractive(false)
	if e.acceptsInput() || e.send("y") {
		t.Error("Expected send to fail when the agent takes no input")
	}
	if len(e.input) != 0 {
		t.Errorf("input buffered %d responses", len(e.input))
	}
}

func TestSummarize(t *testing.T) {
	t.Parallel()
	if got := summarize("  \x1b[1mReading files\x1b[0m\nsecond line"); got != "Reading files" {
		t.Errorf("summarize() = %q", got)
	}
	long := strings.Repeat("é", 150)
	got := summarize(long)
	if !strings.HasSuffix(got, "…") || len(got) > maxActivityLength+len("…") {
		t.Errorf("summarize() length = %d", len(got))
	}
}

func TestCommitMessage(t *testing.T) {
	t.Parallel()
	msg := commitMessage(&job.Job{ID: "j1", Goal: "Fix the flaky test\nmore detail"})
	if msg != "Fix the flaky test\n\nagentd job j1" {
		t.Errorf("commitMessage() = %q", msg)
	}
	msg = commitMessage(&job.Job{ID: "j2", Goal: strings.Repeat("a", 100)})
	if subject, _, _ := strings.Cut(msg, "\n"); len(subject) != 72 {
		t.Errorf("subject length = %d", len(subject))
	}
}
