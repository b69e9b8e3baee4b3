// Package stall detects a loop that keeps producing the same step.
package stall

import (
	"strings"

	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/core"
)

// Window is the number of trailing steps compared.
const Window = 3

// Signature identifies a step for repetition checks.
type Signature struct {
	Tool        string
	Observation string
}

// Of computes the signature of a step. Thinking-only steps have tool "".
func Of(step core.Step) Signature {
	return Signature{
		Tool:        step.ToolName(),
		Observation: Normalize(step.Observation),
	}
}

// Normalize trims, collapses internal whitespace and lowercases.
func Normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// Stalled reports whether the last Window steps share one signature.
// Fewer than Window steps never stall.
func Stalled(steps []core.Step) bool {
	if len(steps) < Window {
		return false
	}
	tail := steps[len(steps)-Window:]
	first := Of(tail[0])
	for _, s := range tail[1:] {
		if Of(s) != first {
			return false
		}
	}
	return true
}
