package interaction

import (
	"regexp"
	"slices"
	"strings"
)

var (
	yesNoPair    = regexp.MustCompile(`(?i)[\[(]\s*(y|yes)\s*/\s*(n|no)\s*[\])]`)
	bracketed    = regexp.MustCompile(`[\[(]\s*([^\[\]()]+?(?:\s*[/|]\s*[^\[\]()/|]+?)+)\s*[\])]\s*[:?]?\s*$`)
	numberedItem = regexp.MustCompile(`^\s*(?:[❯>›]\s*)?(\d{1,2})[.)]\s+(.+?)\s*$`)
	decoration   = regexp.MustCompile(`^[\s?>❯›•*│╭╰─|]+`)
	spaces       = regexp.MustCompile(`\s+`)
)

// ExtractChoices returns the options a prompt offers: a yes/no pair, a
// bracketed option list on the line itself, or a numbered list in context.
func ExtractChoices(line string, context []string) []string {
	choices, _ := extractChoices(line, context)
	return choices
}

func extractChoices(line string, context []string) ([]string, bool) {
	line = StripANSI(line)
	if m := yesNoPair.FindStringSubmatch(line); m != nil {
		return []string{strings.ToLower(m[1]), strings.ToLower(m[2])}, false
	}
	if m := bracketed.FindStringSubmatch(line); m != nil {
		parts := strings.FieldsFunc(m[1], func(r rune) bool { return r == '/' || r == '|' })
		var choices []string
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				choices = append(choices, p)
			}
		}
		if len(choices) >= 2 {
			return choices, false
		}
	}
	if choices := numberedChoices(context); len(choices) >= 2 {
		return choices, true
	}
	return nil, false
}

// numberedChoices collects a contiguous "1. foo" / "2) bar" list.
func numberedChoices(lines []string) []string {
	var choices []string
	for _, l := range lines {
		m := numberedItem.FindStringSubmatch(StripANSI(l))
		if m == nil {
			if len(choices) > 0 && strings.TrimSpace(l) != "" {
				break
			}
			continue
		}
		choices = append(choices, m[2])
	}
	return choices
}

// CleanPrompt strips terminal decorations and answer hints from a prompt.
func CleanPrompt(line string) string {
	s := StripANSI(line)
	s = yesNoPair.ReplaceAllString(s, "")
	if m := bracketed.FindStringIndex(s); m != nil {
		s = s[:m[0]]
	}
	s = decoration.ReplaceAllString(s, "")
	s = spaces.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)
	s = strings.TrimRight(s, ": ")
	return s
}

// SafeDefault returns the response to send when no human is watching.
// Free-text and authentication prompts never have one.
func SafeDefault(req *Request) (string, bool) {
	if req == nil {
		return "", false
	}
	switch req.Type {
	case TypeFreeText, TypeAuthentication:
		return "", false
	case TypePermission, TypeConfirmation, TypeContinue, TypeMultipleChoice:
		return suggest(req), true
	default:
		return "", false
	}
}

// suggest picks the affirmative or first option.
func suggest(req *Request) string {
	if req.numbered {
		return "1"
	}
	switch req.Type {
	case TypePermission, TypeConfirmation:
		for _, yes := range []string{"y", "yes"} {
			if slices.Contains(req.Choices, yes) {
				return yes
			}
		}
		if len(req.Choices) > 0 {
			return req.Choices[0]
		}
		return "y"
	case TypeMultipleChoice:
		if len(req.Choices) > 0 {
			return req.Choices[0]
		}
		return "1"
	default:
		return ""
	}
}
