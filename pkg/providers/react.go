package providers

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/core"
)

const systemPrompt = `You are a helpful assistant that solves tasks step by step with tools.

Available tools:
%s

Always answer in this format:
Thought: your reasoning
Action: one tool name
Action Input: a JSON object with the tool arguments

When you have enough information, answer with:
Thought: your reasoning
Final Answer: the complete answer`

const deliberateHint = "Before the first action, spend one step planning: write only a Thought that lists the subgoals."

// BuildMessages renders the system and user messages for one decision.
// Only the last ContextWindow steps are replayed.
func BuildMessages(req core.DecisionRequest, tools []ToolSpec) []Message {
	var list strings.Builder
	for _, t := range tools {
		fmt.Fprintf(&list, "- %s(%s): %s\n", t.Name, strings.Join(t.Params, ", "), t.Description)
	}
	if len(tools) == 0 {
		list.WriteString("(none)\n")
	}
	system := fmt.Sprintf(systemPrompt, strings.TrimRight(list.String(), "\n"))
	if req.Policy.Variant == core.VariantDeliberate {
		system += "\n\n" + deliberateHint
	}

	steps := req.Steps
	if len(steps) > ContextWindow {
		steps = steps[len(steps)-ContextWindow:]
	}
	var user strings.Builder
	fmt.Fprintf(&user, "Task: %s\n\nRecent steps:\n", req.Task.Prompt)
	if len(steps) == 0 {
		user.WriteString("<none>\n")
	}
	for _, s := range steps {
		fmt.Fprintf(&user, "\nStep %d\nThought: %s\n", s.Index+1, s.Thought)
		if s.Action != nil {
			args, _ := json.Marshal(s.Action.Args)
			fmt.Fprintf(&user, "Action: %s\nAction Input: %s\n", s.Action.Tool, args)
		}
		fmt.Fprintf(&user, "Observation: %s\n", s.Observation)
	}
	user.WriteString("\nIf you already have enough information, give the Final Answer.")

	return []Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user.String()},
	}
}

var labelPattern = regexp.MustCompile(`(?mi)^\s*(thought|action input|action|final answer|observation)\s*:`)

// ParseReAct turns model text into a decision. Action Input may be a
// JSON object or plain text; plain text is mapped onto the tool's Params,
// splitting "first|rest" (or first line / rest) for two-parameter tools.
// Text with neither an action nor a final answer is a thinking-only step.
func ParseReAct(text string, tools []ToolSpec) (core.Decision, error) {
	fields := splitLabels(text)

	thought := fields["thought"]
	if thought == "" && len(fields) == 0 {
		thought = strings.TrimSpace(text)
	}

	if answer, ok := fields["final answer"]; ok {
		return core.Finish(thought, answer), nil
	}

	action := strings.Trim(fields["action"], " `*\"'")
	input := fields["action input"]
	switch strings.ToLower(action) {
	case "":
		return core.Decision{Thought: thought}, nil
	case "none":
		return core.Decision{Thought: thought}, nil
	case "final answer", "finish":
		return core.Finish(thought, input), nil
	}

	args, err := parseArgs(input, specFor(tools, action))
	if err != nil {
		return core.Decision{}, fmt.Errorf("action %s: %w", action, err)
	}
	return core.Act(thought, action, args), nil
}

// splitLabels returns the text under each label; the first occurrence wins.
func splitLabels(text string) map[string]string {
	out := make(map[string]string)
	locs := labelPattern.FindAllStringSubmatchIndex(text, -1)
	for i, loc := range locs {
		label := strings.ToLower(text[loc[2]:loc[3]])
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		if _, seen := out[label]; seen {
			continue
		}
		out[label] = strings.TrimSpace(text[loc[1]:end])
	}
	return out
}

func specFor(tools []ToolSpec, name string) ToolSpec {
	for _, t := range tools {
		if t.Name == name {
			return t
		}
	}
	return ToolSpec{Name: name}
}

var fencePattern = regexp.MustCompile("(?s)^```[a-zA-Z]*\\s*(.*?)\\s*```$")

func parseArgs(input string, spec ToolSpec) (map[string]any, error) {
	input = strings.TrimSpace(input)
	if m := fencePattern.FindStringSubmatch(input); m != nil {
		input = m[1]
	}
	if input == "" {
		return map[string]any{}, nil
	}

	if strings.HasPrefix(input, "{") {
		var args map[string]any
		if err := json.Unmarshal([]byte(input), &args); err != nil {
			return nil, fmt.Errorf("action input is not valid JSON: %w", err)
		}
		return args, nil
	}

	switch len(spec.Params) {
	case 0:
		return map[string]any{"input": input}, nil
	case 1:
		return map[string]any{spec.Params[0]: unquote(input)}, nil
	}

	first, rest, ok := strings.Cut(input, "|")
	if !ok {
		first, rest, _ = strings.Cut(input, "\n")
	}
	return map[string]any{
		spec.Params[0]: unquote(strings.TrimSpace(first)),
		spec.Params[1]: strings.TrimSpace(rest),
	}, nil
}

func unquote(s string) string {
	if len(s) >= 2 && (s[0] == '"' && s[len(s)-1] == '"' || s[0] == '\'' && s[len(s)-1] == '\'') {
		return s[1 : len(s)-1]
	}
	return s
}
