package cli

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/pkg/registry"
	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/policy/local"
)

func newToolsCmd(g *globalOptions) *cobra.Command {
	var policyPath string

	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the capability table",
		Long: `List every registered tool with its required arguments: the built-in tools,
wasm_run and the tools of any configured MCP server. With --policy only the
tools the policy allows are listed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.config(nil)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, g, cfg)
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			var guard *local.Guard
			if policyPath != "" {
				p, err := registry.LoadPolicy(policyPath)
				if err != nil {
					return configError(err)
				}
				if err := a.tools.ValidatePolicy(p); err != nil {
					return configError(err)
				}
				if guard, err = local.ForPolicy(p); err != nil {
					return configError(err)
				}
			}

			var rows [][3]string
			for _, c := range a.tools.Capabilities() {
				if guard != nil && !guard.AllowTool(c.Name) {
					continue
				}
				args := "-"
				if c.Schema != nil && len(c.Schema.Required) > 0 {
					args = strings.Join(c.Schema.Required, ",")
				}
				rows = append(rows, [3]string{c.Name, args, oneLine(c.Description, 80)})
			}
			newPrinter(cmd.OutOrStdout(), true).capabilities(rows)
			return nil
		},
	}

	cmd.Flags().StringVar(&policyPath, "policy", "", "Only list the tools this policy allows")
	return cmd
}
