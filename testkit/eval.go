package testkit

import (
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/core"
	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/worker/tools"
)

// CaseMode selects how must_contain fragments are compared.
type CaseMode int

const (
	CaseSensitive CaseMode = iota
	CaseInsensitive
)

// Evaluator scores terminal traces against task expectations.
type Evaluator struct {
	Case CaseMode
}

// Score judges trace against task. sandboxRoot is the directory the
// unit's file tools wrote into; file checks resolve relative to it and
// are skipped when it is empty. The trace must be finalized.
func (e Evaluator) Score(trace *core.Trace, task core.Task, sandboxRoot string) core.Verdict {
	v := core.Verdict{
		TaskID:   task.ID,
		PolicyID: trace.PolicyID,
		RunID:    trace.RunID,
		Status:   trace.Status,
		Summary:  trace.Summary,
	}

	if trace.Status != core.StatusFinished {
		v.Reason = string(trace.Status)
		if trace.Reason != "" && trace.Reason != string(trace.Status) {
			v.Reason += ": " + trace.Reason
		}
		return v
	}

	var failures []string

	answer := trace.Answer()
	for _, frag := range task.Expect.MustContain {
		if e.contains(answer, frag) {
			v.Matched = append(v.Matched, frag)
		} else {
			v.Missing = append(v.Missing, frag)
		}
	}
	if len(v.Missing) > 0 {
		failures = append(failures, fmt.Sprintf("missing %s", quoteAll(v.Missing)))
	}

	if len(task.Expect.FileChecks) > 0 {
		failures = append(failures, checkFiles(task.Expect.FileChecks, sandboxRoot)...)
	}

	if max := task.Expect.MaxSteps; max > 0 && trace.Summary.Steps > max {
		failures = append(failures, fmt.Sprintf("used %d steps, expected at most %d", trace.Summary.Steps, max))
	}

	v.Pass = len(failures) == 0
	v.Reason = strings.Join(failures, "; ")
	return v
}

func (e Evaluator) contains(s, frag string) bool {
	if e.Case == CaseInsensitive {
		return strings.Contains(strings.ToLower(s), strings.ToLower(frag))
	}
	return strings.Contains(s, frag)
}

func checkFiles(checks []core.FileCheck, root string) []string {
	if root == "" {
		return []string{"file checks need a sandbox"}
	}
	sb, err := tools.NewSandbox(root)
	if err != nil {
		return []string{fmt.Sprintf("sandbox: %v", err)}
	}

	var failures []string
	for _, fc := range checks {
		if msg := checkFile(sb, fc); msg != "" {
			failures = append(failures, msg)
		}
	}
	return failures
}

func checkFile(sb *tools.Sandbox, fc core.FileCheck) string {
	path, err := sb.Resolve(fc.Path)
	if err != nil {
		return fmt.Sprintf("file %s: %v", fc.Path, err)
	}

	data, err := os.ReadFile(path)
	exists := err == nil

	wantExists := true
	if fc.Exists != nil {
		wantExists = *fc.Exists
	}
	if !wantExists {
		if exists {
			return fmt.Sprintf("file %s exists", fc.Path)
		}
		return ""
	}
	if !exists {
		if os.IsNotExist(err) {
			return fmt.Sprintf("file %s does not exist", fc.Path)
		}
		return fmt.Sprintf("file %s: %v", fc.Path, err)
	}

	content := string(data)
	if fc.Equals != nil && strings.TrimSpace(content) != strings.TrimSpace(*fc.Equals) {
		return fmt.Sprintf("file %s content %q, expected %q", fc.Path, truncate(strings.TrimSpace(content), 80), *fc.Equals)
	}
	var missing []string
	for _, frag := range fc.Contains {
		if !strings.Contains(content, frag) {
			missing = append(missing, frag)
		}
	}
	if len(missing) > 0 {
		return fmt.Sprintf("file %s missing %s", fc.Path, quoteAll(missing))
	}
	return ""
}

func quoteAll(ss []string) string {
	q := make([]string, len(ss))
	for i, s := range ss {
		q[i] = fmt.Sprintf("%q", s)
	}
	return strings.Join(q, ", ")
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
