package provider

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// buildArgs renders the configured argument templates for one invocation.
func buildArgs(cfg Config, prompt string, opts Options) []string {
	r := strings.NewReplacer(
		"{{prompt}}", prompt,
		"{{session}}", opts.SessionID,
		"{{model}}", opts.Model,
		"{{mcp_config}}", opts.MCPConfigPath,
	)
	render := func(dst []string, src []string) []string {
		for _, a := range src {
			dst = append(dst, r.Replace(a))
		}
		return dst
	}

	args := render(nil, cfg.Args)
	if opts.SessionID != "" {
		args = render(args, cfg.SessionArgs)
	}
	if opts.Model != "" {
		args = render(args, cfg.ModelArgs)
	}
	if opts.MCPConfigPath != "" {
		args = render(args, cfg.MCPArgs)
	}
	if !containsPrompt(cfg.Args) {
		args = append(args, prompt)
	}
	return args
}

func containsPrompt(args []string) bool {
	for _, a := range args {
		if strings.Contains(a, "{{prompt}}") {
			return true
		}
	}
	return false
}

// streamEvent is one line of an agent's stream-json output.
type streamEvent struct {
	Type         string          `json:"type"`
	Subtype      string          `json:"subtype"`
	SessionID    string          `json:"session_id"`
	Message      *streamMessage  `json:"message"`
	Result       string          `json:"result"`
	IsError      bool            `json:"is_error"`
	TotalCostUSD float64         `json:"total_cost_usd"`
	Usage        *streamUsage    `json:"usage"`
	Error        json.RawMessage `json:"error"`
}

type streamMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type streamBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
	Name string `json:"name"`
}

type streamUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

func (m *streamMessage) blocks() []streamBlock {
	if m == nil || len(m.Content) == 0 {
		return nil
	}
	var blocks []streamBlock
	if err := json.Unmarshal(m.Content, &blocks); err == nil {
		return blocks
	}
	var text string
	if err := json.Unmarshal(m.Content, &text); err == nil && text != "" {
		return []streamBlock{{Type: "text", Text: text}}
	}
	return nil
}

var (
	// "Claude AI usage limit reached|1735689600"
	usageLimitEpoch = regexp.MustCompile(`(?i)usage limit reached\|(\d{9,})`)
	usageLimitText  = regexp.MustCompile(`(?i)\b(usage|rate|quota) limit (reached|exceeded)\b|\bout of (credits|quota)\b`)
)

// detectUsageLimit reports whether line announces an exhausted quota.
func detectUsageLimit(line string) (UsageLimit, bool) {
	if m := usageLimitEpoch.FindStringSubmatch(line); m != nil {
		limit := UsageLimit{Message: strings.TrimSpace(usageLimitEpoch.ReplaceAllString(line, "usage limit reached"))}
		if secs, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			limit.ResetsAt = time.Unix(secs, 0).UTC()
		}
		return limit, true
	}
	if usageLimitText.MatchString(line) {
		return UsageLimit{Message: strings.TrimSpace(line)}, true
	}
	return UsageLimit{}, false
}

// transcript accumulates an invocation's output into a Result. It accepts
// both stream-json lines and plain text.
type transcript struct {
	result    Result
	output    strings.Builder
	lastError string
	sawResult bool
}

// consume folds one raw output line into the transcript and returns the
// progress signals it produces.
func (t *transcript) consume(line string, isErr bool) []Progress {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return nil
	}

	if limit, ok := detectUsageLimit(line); ok {
		t.result.DetectedUsageLimits = append(t.result.DetectedUsageLimits, limit)
	}

	var ev streamEvent
	if strings.HasPrefix(strings.TrimSpace(line), "{") && json.Unmarshal([]byte(line), &ev) == nil && ev.Type != "" {
		return t.consumeEvent(&ev)
	}

	if isErr {
		t.lastError = line
	} else {
		t.appendOutput(line)
	}
	return []Progress{{OutputLine: line, IsError: isErr}}
}

func (t *transcript) consumeEvent(ev *streamEvent) []Progress {
	if ev.SessionID != "" {
		t.result.SessionID = ev.SessionID
	}

	var out []Progress
	switch ev.Type {
	case "assistant":
		for _, b := range ev.Message.blocks() {
			switch b.Type {
			case "text":
				if strings.TrimSpace(b.Text) == "" {
					continue
				}
				t.appendOutput(b.Text)
				t.result.Messages = append(t.result.Messages, Message{Role: "assistant", Content: b.Text})
				for _, l := range strings.Split(b.Text, "\n") {
					if strings.TrimSpace(l) != "" {
						out = append(out, Progress{OutputLine: l, IsStreaming: true, CurrentMessage: b.Text})
					}
				}
			case "tool_use":
				t.result.Messages = append(t.result.Messages, Message{Role: "tool", ToolName: b.Name})
				out = append(out, Progress{ToolName: b.Name})
			}
		}
	case "result":
		t.sawResult = true
		t.result.Success = !ev.IsError && (ev.Subtype == "" || ev.Subtype == "success")
		if ev.Result != "" {
			t.result.Output = ev.Result
		}
		if ev.Usage != nil {
			t.result.InputTokens = ev.Usage.InputTokens
			t.result.OutputTokens = ev.Usage.OutputTokens
		}
		t.result.CostUSD = ev.TotalCostUSD
		if !t.result.Success {
			t.result.Error = resultError(ev)
		}
	case "error":
		t.lastError = resultError(ev)
		out = append(out, Progress{OutputLine: t.lastError, IsError: true})
	}
	return out
}

func resultError(ev *streamEvent) string {
	if len(ev.Error) > 0 {
		var s string
		if json.Unmarshal(ev.Error, &s) == nil && s != "" {
			return s
		}
		var obj struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(ev.Error, &obj) == nil && obj.Message != "" {
			return obj.Message
		}
	}
	if ev.Result != "" {
		return ev.Result
	}
	if ev.Subtype != "" {
		return "agent reported " + ev.Subtype
	}
	return "agent reported an error"
}

func (t *transcript) appendOutput(s string) {
	if t.output.Len() > 0 {
		t.output.WriteByte('\n')
	}
	t.output.WriteString(s)
}

// finish completes the Result once the process has exited.
func (t *transcript) finish(exitCode int, waitErr error) *Result {
	r := t.result
	r.ExitCode = exitCode
	if r.Output == "" {
		r.Output = t.output.String()
	}
	if !t.sawResult {
		r.Success = exitCode == 0 && waitErr == nil
	}
	if exitCode != 0 && r.Success {
		r.Success = false
	}
	if !r.Success && r.Error == "" {
		switch {
		case t.lastError != "":
			r.Error = t.lastError
		case waitErr != nil:
			r.Error = waitErr.Error()
		default:
			r.Error = "agent exited with status " + strconv.Itoa(exitCode)
		}
	}
	return &r
}
