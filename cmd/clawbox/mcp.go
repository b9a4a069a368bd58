package main

import (
	"github.com/spf13/cobra"

	"github.com/harrishan/clawbox/internal/mcp"
)

var mcpAgentName string

func init() {
	mcpServeCmd.Flags().StringVar(&mcpAgentName, "agent-name", "", "Actor identifier recorded in the audit log (default mcp-agent)")

	mcpCmd.AddCommand(mcpServeCmd)
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Model Context Protocol server operations",
}

var mcpServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Runs an MCP server over stdio",
	Long: `Exposes the vault to AI agents as MCP tools. The vault is unlocked
with CLAWBOX_PASSWORD at startup and every tool call is checked against
policy.yaml in the vault directory and recorded in the audit log.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := resolveVaultDir()
		if err != nil {
			return err
		}

		srv, err := mcp.NewServer(&mcp.ServerOptions{
			VaultDir:  dir,
			AgentName: mcpAgentName,
		})
		if err != nil {
			return err
		}
		return srv.Run(cmd.Context())
	},
}
