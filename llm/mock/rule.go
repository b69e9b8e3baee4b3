package mock

import (
	"context"
	"regexp"
	"strings"

	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/core"
)

// DefaultAnswer is returned when no rule applies.
const DefaultAnswer = "Done."

var (
	arithmeticPattern = regexp.MustCompile(`\d+\s*[+\-*/]\s*\d+`)
	expressionPattern = regexp.MustCompile(`[\d(][\d.\s+\-*/()]*[\d)]`)
	writeToPattern    = regexp.MustCompile(`(?i)\bwrite\s+(?:'([^']*)'|"([^"]*)"|(.+?))\s+(?:in)?to\s+(?:the\s+)?(?:file\s+)?([^\s,;]+)`)
	createFilePattern = regexp.MustCompile(`(?i)\bcreate\s+(?:a\s+)?file\s+([^\s,;]+)\s+with\s+(?:content\s+)?(.+)$`)
	txtPathPattern    = regexp.MustCompile(`[A-Za-z0-9_\-/.]+\.txt`)
	searchKeywords    = []string{"search", "who is", "capital of", "react"}
)

// RuleOracle is a deterministic, offline oracle. It picks one tool from
// keyword rules on the prompt and finishes with that tool's observation.
// A failed observation makes it repeat the same action, which the stall
// detector then ends. The deliberate variant opens with a planning step.
type RuleOracle struct{}

// NewRuleOracle creates a rule oracle.
func NewRuleOracle() *RuleOracle {
	return &RuleOracle{}
}

// Decide implements core.Oracle.
func (o *RuleOracle) Decide(ctx context.Context, req core.DecisionRequest) (core.Decision, error) {
	if err := ctx.Err(); err != nil {
		return core.Decision{}, err
	}

	if last, ok := lastAction(req.Steps); ok && !last.Error {
		return finishFrom(last), nil
	}

	if req.Policy.Variant == core.VariantDeliberate && len(req.Steps) == 0 {
		return core.Decision{Thought: "Plan: identify subgoals and choose a tool."}, nil
	}

	return plan(req.Task.Prompt), nil
}

func lastAction(steps []core.Step) (core.Step, bool) {
	if len(steps) == 0 {
		return core.Step{}, false
	}
	last := steps[len(steps)-1]
	return last, last.Action != nil
}

func finishFrom(step core.Step) core.Decision {
	obs := strings.TrimSpace(step.Observation)
	if i := strings.Index(obs, "final="); i >= 0 {
		return core.Finish("I have the final value.", strings.TrimSpace(obs[i+len("final="):]))
	}
	switch step.Action.Tool {
	case "calculator":
		return core.Finish("I have computed the result.", "The result is "+obs)
	case "web_search":
		return core.Finish("The search answered the question.", obs)
	case "read_file":
		return core.Finish("I have read the file.", obs)
	case "write_file":
		return core.Finish("The file is written.", obs)
	}
	return core.Finish("The tool returned what I need.", obs)
}

// plan maps a prompt onto its first action.
func plan(prompt string) core.Decision {
	text := strings.ToLower(prompt)

	if arithmeticPattern.MatchString(text) {
		if expr := expression(prompt); expr != "" {
			return core.Act("Compute the expression "+expr+" by calculator.", "calculator",
				map[string]any{"expression": expr})
		}
	}

	if m := writeToPattern.FindStringSubmatch(prompt); m != nil {
		content := firstNonEmpty(m[1], m[2], m[3])
		path := strings.TrimRight(m[4], ".")
		return core.Act("Persist content into file "+path+".", "write_file",
			map[string]any{"path": path, "content": unquote(content)})
	}

	if m := createFilePattern.FindStringSubmatch(prompt); m != nil {
		path := m[1]
		return core.Act("Create file "+path+".", "write_file",
			map[string]any{"path": path, "content": unquote(strings.TrimRight(m[2], "."))})
	}

	for _, k := range searchKeywords {
		if strings.Contains(text, k) {
			return core.Act("Use search to gather facts.", "web_search", map[string]any{"query": prompt})
		}
	}

	if strings.Contains(text, "read") && strings.Contains(text, ".txt") {
		if path := txtPathPattern.FindString(prompt); path != "" {
			return core.Act("Read file "+path+".", "read_file", map[string]any{"path": path})
		}
	}

	if strings.Contains(text, "list") && (strings.Contains(text, "file") || strings.Contains(text, "director")) {
		return core.Act("List the working directory.", "list_dir", map[string]any{})
	}

	return core.Finish("No action needed; produce answer.", DefaultAnswer)
}

// expression returns the first arithmetic run in s that contains an operator.
func expression(s string) string {
	for _, m := range expressionPattern.FindAllString(s, -1) {
		m = strings.TrimSpace(m)
		if arithmeticPattern.MatchString(m) {
			return m
		}
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

var _ core.Oracle = (*RuleOracle)(nil)
