package providers

import (
	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/core"
	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/policy/local"
)

// ToolSpec describes a capability to a chat model.
type ToolSpec struct {
	Name        string
	Description string
	// Params lists the argument names in the order a plain-text
	// Action Input maps onto them.
	Params []string
}

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ContextWindow is how many recent steps are replayed to the model.
const ContextWindow = 3

// allowedSpecs keeps the tools policy may call. A policy whose
// whitelist does not compile lists nothing; the bus rejects its calls anyway.
func allowedSpecs(specs []ToolSpec, policy core.Policy) []ToolSpec {
	guard, err := local.ForPolicy(policy)
	if err != nil {
		return nil
	}
	out := make([]ToolSpec, 0, len(specs))
	for _, s := range specs {
		if guard.AllowTool(s.Name) {
			out = append(out, s)
		}
	}
	return out
}
