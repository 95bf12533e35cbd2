// Package interaction recognises when an agent subprocess is blocked waiting
// for a human. Detection is heuristic: each output line is matched against an
// ordered rule set and the most confident match wins.
package interaction

import (
	"regexp"
	"strings"
)

// Type classifies what kind of answer a prompt expects.
type Type string

const (
	TypeConfirmation   Type = "confirmation"
	TypePermission     Type = "permission"
	TypeFreeText       Type = "free_text"
	TypeMultipleChoice Type = "multiple_choice"
	TypeContinue       Type = "continue"
	TypeAuthentication Type = "authentication"
)

// Acceptance floors.
const (
	// DefaultThreshold is the floor for single-line detection.
	DefaultThreshold = 0.50
	// ExecutionThreshold is the floor used while supervising a running job,
	// where a false pause costs more than a missed prompt.
	ExecutionThreshold = 0.70

	contextBoost  = 0.10
	maxLineLength = 400
	scanWindow    = 6
)

// Request is a detected interaction.
type Request struct {
	Type              Type     `json:"type"`
	Prompt            string   `json:"prompt"`
	Choices           []string `json:"choices,omitempty"`
	Confidence        float64  `json:"confidence"`
	SuggestedResponse string   `json:"suggestedResponse,omitempty"`

	numbered bool // choices came from a numbered menu
}

type rule struct {
	typ        Type
	confidence float64
	pattern    *regexp.Regexp
}

// rules are evaluated in full; the highest confidence match wins.
var rules = []rule{
	{TypePermission, 0.95, regexp.MustCompile(`(?i)\b(allow|permit|grant|approve|authori[sz]e|trust)\b.*[\[(]\s*y(es)?\s*/\s*n(o)?\s*[\])]\s*[:?]?\s*$`)},
	{TypeConfirmation, 0.95, regexp.MustCompile(`(?i)[\[(]\s*y(es)?\s*/\s*n(o)?\s*[\])]\s*[:?]?\s*$`)},
	{TypeAuthentication, 0.90, regexp.MustCompile(`(?i)\b(password|passphrase|api[ _-]?key|access token|one[- ]time code|otp|verification code|2fa code)\b[^?]*[:?]\s*$`)},
	{TypeContinue, 0.90, regexp.MustCompile(`(?i)\bpress (enter|return|any key)\b.*\b(continue|proceed|resume)\b`)},
	{TypeAuthentication, 0.85, regexp.MustCompile(`(?i)\b(log ?in|sign ?in|authenticate)\b.*\b(browser|url|visit|open|paste)\b`)},
	{TypePermission, 0.85, regexp.MustCompile(`(?i)^(do you want to|would you like to|may i|can i|shall i)\b.*\b(allow|permission|run|execute|write|edit|delete|remove|create|modify|overwrite|install)\b.*\?\s*$`)},
	{TypeMultipleChoice, 0.85, regexp.MustCompile(`(?i)\b(select|choose|pick)\b.*\b(option|one|from|following|number)\b.*[:?]\s*$`)},
	{TypeMultipleChoice, 0.80, regexp.MustCompile(`(?i)(\benter (your )?(choice|selection|option)\b|[\[(]\s*\d+\s*-\s*\d+\s*[\])]\s*[:?]?\s*$)`)},
	{TypeConfirmation, 0.80, regexp.MustCompile(`(?i)^(are you sure|do you want to|would you like to|shall i|should i|ok to|okay to)\b.*\?\s*$`)},
	{TypeContinue, 0.75, regexp.MustCompile(`(?i)^(continue|keep going|proceed|resume)\s*\?\s*$`)},
	{TypeFreeText, 0.70, regexp.MustCompile(`(?i)^(please )?(enter|type|provide|input|specify|describe)\b.*[:?]\s*$`)},
	{TypeFreeText, 0.60, regexp.MustCompile(`(?i)^(what|which|where|how|who|why|when)\b.*\?\s*$`)},
	{TypeFreeText, 0.45, regexp.MustCompile(`\?\s*$`)},
	{TypeFreeText, 0.30, regexp.MustCompile(`:\s*$`)},
}

// noise lines are never prompts.
var noise = []*regexp.Regexp{
	// JSON objects and array fragments from structured output.
	regexp.MustCompile(`^\s*\{`),
	regexp.MustCompile(`^\s*\[\s*("|\{|\[|\]|-?\d+(\.\d+)?\s*[,\]])`),
	regexp.MustCompile(`^\s*[}\]]`),
	regexp.MustCompile(`^\s*"[^"]*"\s*:`),
	// Timestamps.
	regexp.MustCompile(`^\s*\[?\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}`),
	regexp.MustCompile(`^\s*\[?\d{2}:\d{2}:\d{2}`),
	// Log level prefixes.
	regexp.MustCompile(`(?i)^\s*\[?(trace|debug|info|notice|warn|warning|error|fatal|panic)\]?(:|\s)`),
	// Routine tool progress and file operations.
	regexp.MustCompile(`(?i)^\s*(reading|writing|creating|editing|updating|deleting|removing|searching|scanning|loading|saving|running|executing|analy[sz]ing|listing|fetching|downloading|installing|compiling|building|read|wrote|created|updated|modified|deleted|found)\b[^?]*$`),
	// Status glyphs agents print before tool calls and results.
	regexp.MustCompile(`^\s*(⏺|●|⎿|✓|✔|✗|✘|→|\$ )`),
}

var ansi = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07]*\x07|\r`)

// IsNoise reports whether line is known non-interactive output.
func IsNoise(line string) bool {
	line = StripANSI(line)
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || len(trimmed) > maxLineLength {
		return true
	}
	for _, re := range noise {
		if re.MatchString(trimmed) {
			return true
		}
	}
	return false
}

// Detector classifies output lines with a configurable acceptance floor.
type Detector struct {
	Threshold float64
}

// New creates a Detector. A threshold outside (0,1] uses DefaultThreshold.
func New(threshold float64) *Detector {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	return &Detector{Threshold: threshold}
}

// Detect classifies one line at DefaultThreshold. context holds the lines
// printed just before it and is only used for choice extraction.
func Detect(line string, context []string) *Request {
	return classify(line, context, DefaultThreshold, 0)
}

// DetectWithContext scans the tail of lines for a prompt, boosting matches
// that are accompanied by a list of options. Returns nil when nothing clears
// threshold.
func DetectWithContext(lines []string, threshold float64) *Request {
	return New(threshold).Scan(lines)
}

// Detect classifies one line at d's threshold.
func (d *Detector) Detect(line string, context []string) *Request {
	return classify(line, context, d.Threshold, 0)
}

// Scan looks at the last few lines, newest first, and returns the most
// confident request. Ties go to the newest line.
func (d *Detector) Scan(lines []string) *Request {
	var best *Request
	start := max(0, len(lines)-scanWindow)
	for i := len(lines) - 1; i >= start; i-- {
		// Options are usually printed after the question.
		ctx := append(append([]string(nil), lines[start:i]...), lines[i+1:]...)
		boost := 0.0
		if len(numberedChoices(lines[i+1:])) >= 2 {
			boost = contextBoost
		}
		req := classify(lines[i], ctx, d.Threshold, boost)
		if req != nil && (best == nil || req.Confidence > best.Confidence) {
			best = req
		}
	}
	return best
}

func classify(line string, context []string, threshold, boost float64) *Request {
	if IsNoise(line) {
		return nil
	}
	text := strings.TrimSpace(StripANSI(line))

	var best *rule
	for i := range rules {
		r := &rules[i]
		if r.pattern.MatchString(text) && (best == nil || r.confidence > best.confidence) {
			best = r
		}
	}
	if best == nil {
		return nil
	}

	req := &Request{
		Type:       best.typ,
		Prompt:     CleanPrompt(text),
		Confidence: min(1, best.confidence+boost),
	}
	req.Choices, req.numbered = extractChoices(text, context)
	// A question followed by numbered options is a menu, whatever its wording.
	if req.Type == TypeFreeText && len(numberedChoices(context)) >= 2 {
		req.Type = TypeMultipleChoice
	}
	if req.Confidence < threshold {
		return nil
	}
	req.SuggestedResponse = suggest(req)
	return req
}

// StripANSI removes terminal escape sequences and carriage returns.
func StripANSI(s string) string {
	return ansi.ReplaceAllString(s, "")
}
