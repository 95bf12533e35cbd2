package provider

import (
	"bytes"
	"encoding/binary"
	"slices"
	"testing"
	"time"
)

func TestBuildArgs(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Args:        []string{"-p", "{{prompt}}", "--output-format", "stream-json"},
		SessionArgs: []string{"--resume", "{{session}}"},
		ModelArgs:   []string{"--model", "{{model}}"},
		MCPArgs:     []string{"--mcp-config", "{{mcp_config}}"},
	}

	tests := []struct {
		name string
		opts Options
		want []string
	}{
		{
			name: "prompt only",
			want: []string{"-p", "fix it", "--output-format", "stream-json"},
		},
		{
			name: "all options",
			opts: Options{SessionID: "s1", Model: "opus", MCPConfigPath: "/tmp/mcp.json"},
			want: []string{"-p", "fix it", "--output-format", "stream-json", "--resume", "s1", "--model", "opus", "--mcp-config", "/tmp/mcp.json"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := buildArgs(cfg, "fix it", tt.opts); !slices.Equal(got, tt.want) {
				t.Errorf("buildArgs() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBuildArgs_AppendsPromptWithoutPlaceholder(t *testing.T) {
	t.Parallel()
	got := buildArgs(Config{Args: []string{"run"}}, "hello", Options{})
	want := []string{"run", "hello"}
	if !slices.Equal(got, want) {
		t.Errorf("buildArgs() = %q, want %q", got, want)
	}
}

func TestTranscript_StreamJSON(t *testing.T) {
	t.Parallel()

	var tr transcript
	lines := []string{
		`{"type":"system","subtype":"init","session_id":"sess-1"}`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"Looking at the code\nsecond line"},{"type":"tool_use","name":"Edit"}]}}`,
		`{"type":"user","message":{"role":"user","content":"tool output"}}`,
		`{"type":"result","subtype":"success","is_error":false,"result":"Fixed the bug","session_id":"sess-1","total_cost_usd":0.25,"usage":{"input_tokens":120,"output_tokens":45}}`,
	}

	var progress []Progress
	for _, l := range lines {
		progress = append(progress, tr.consume(l, false)...)
	}
	r := tr.finish(0, nil)

	if !r.Success {
		t.Errorf("Success = false, error %q", r.Error)
	}
	if r.SessionID != "sess-1" {
		t.Errorf("SessionID = %q", r.SessionID)
	}
	if r.Output != "Fixed the bug" {
		t.Errorf("Output = %q", r.Output)
	}
	if r.InputTokens != 120 || r.OutputTokens != 45 || r.CostUSD != 0.25 {
		t.Errorf("usage = %d/%d/%v", r.InputTokens, r.OutputTokens, r.CostUSD)
	}
	if len(r.Messages) != 2 || r.Messages[1].ToolName != "Edit" {
		t.Errorf("Messages = %+v", r.Messages)
	}

	var outputLines []string
	var tools []string
	for _, p := range progress {
		if p.OutputLine != "" {
			outputLines = append(outputLines, p.OutputLine)
		}
		if p.ToolName != "" {
			tools = append(tools, p.ToolName)
		}
	}
	if !slices.Equal(outputLines, []string{"Looking at the code", "second line"}) {
		t.Errorf("output lines = %q", outputLines)
	}
	if !slices.Equal(tools, []string{"Edit"}) {
		t.Errorf("tools = %q", tools)
	}
}

func TestTranscript_ResultError(t *testing.T) {
	t.Parallel()

	var tr transcript
	tr.consume(`{"type":"result","subtype":"error_max_turns","is_error":true}`, false)
	r := tr.finish(0, nil)

	if r.Success {
		t.Error("Success = true for error result")
	}
	if r.Error != "agent reported error_max_turns" {
		t.Errorf("Error = %q", r.Error)
	}
}

func TestTranscript_PlainText(t *testing.T) {
	t.Parallel()

	var tr transcript
	tr.consume("line one\r\n", false)
	tr.consume("", false)
	tr.consume("warning: something", true)
	tr.consume("line two", false)

	r := tr.finish(0, nil)
	if !r.Success {
		t.Error("Success = false for clean exit")
	}
	if r.Output != "line one\nline two" {
		t.Errorf("Output = %q", r.Output)
	}

	var failed transcript
	failed.consume("fatal: not logged in", true)
	r = failed.finish(2, nil)
	if r.Success || r.ExitCode != 2 {
		t.Errorf("Success = %v, ExitCode = %d", r.Success, r.ExitCode)
	}
	if r.Error != "fatal: not logged in" {
		t.Errorf("Error = %q", r.Error)
	}

	var silent transcript
	if r := silent.finish(1, nil); r.Error != "agent exited with status 1" {
		t.Errorf("Error = %q", r.Error)
	}
}

func TestTranscript_NonZeroExitOverridesResult(t *testing.T) {
	t.Parallel()
	var tr transcript
	tr.consume(`{"type":"result","subtype":"success","result":"ok"}`, false)
	if r := tr.finish(137, nil); r.Success {
		t.Error("Success = true despite exit code 137")
	}
}

func TestDetectUsageLimit(t *testing.T) {
	t.Parallel()

	limit, ok := detectUsageLimit("Claude AI usage limit reached|1735689600")
	if !ok {
		t.Fatal("epoch form not detected")
	}
	if !limit.ResetsAt.Equal(time.Unix(1735689600, 0)) {
		t.Errorf("ResetsAt = %v", limit.ResetsAt)
	}

	if _, ok := detectUsageLimit("Error: rate limit exceeded, try later"); !ok {
		t.Error("text form not detected")
	}
	if _, ok := detectUsageLimit("Updated the usage docs"); ok {
		t.Error("false positive on ordinary text")
	}

	var tr transcript
	tr.consume("You are out of credits", true)
	if r := tr.finish(1, nil); len(r.DetectedUsageLimits) != 1 {
		t.Errorf("DetectedUsageLimits = %v", r.DetectedUsageLimits)
	}
}

func frame(stream byte, payload string) []byte {
	header := make([]byte, 8)
	header[0] = stream
	binary.BigEndian.PutUint32(header[4:], uint32(len(payload)))
	return append(header, payload...)
}

func TestDemuxLogs(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	buf.Write(frame(1, "hello wo"))
	buf.Write(frame(1, "rld\nsecond\n"))
	buf.Write(frame(2, "bad thing\r\n"))
	buf.Write(frame(1, "tail without newline"))

	type line struct {
		text  string
		isErr bool
	}
	var got []line
	if err := demuxLogs(&buf, func(l string, isErr bool) { got = append(got, line{l, isErr}) }); err != nil {
		t.Fatalf("demuxLogs() error = %v", err)
	}

	want := []line{
		{"hello world", false},
		{"second", false},
		{"bad thing", true},
		{"tail without newline", false},
	}
	if !slices.Equal(got, want) {
		t.Errorf("lines = %+v, want %+v", got, want)
	}
}
