// Package mcp exposes the vault to AI agents over the Model Context
// Protocol. Every tool call is attributed to an AI actor in the audit log
// and passes through the policy layer before it reaches the vault, so
// agents can be held to tighter access ceilings than the human operator.
package mcp

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/harrishan/clawbox/pkg/audit"
	"github.com/harrishan/clawbox/pkg/policy"
	"github.com/harrishan/clawbox/pkg/vault"
)

const serverVersion = "0.3.0"

// Server bridges MCP tool calls to an unlocked vault.
type Server struct {
	server *mcp.Server
	vault  *vault.Vault
	rules  policy.Decision
	actor  audit.Actor
}

// ServerOptions configures the MCP server.
type ServerOptions struct {
	// VaultDir is the directory holding vault.db and policy.yaml.
	// Defaults to ~/.clawbox.
	VaultDir string

	// Password unlocks the vault at startup. If empty, the CLAWBOX_PASSWORD
	// environment variable is consumed (and cleared) instead.
	Password string

	// AgentName identifies the AI agent in audit entries. Defaults to "mcp-agent".
	AgentName string
}

// NewServer opens and unlocks the vault, loads the policy rules, and
// registers the tool set. The vault stays unlocked for the server's
// lifetime and is locked again when Run returns.
func NewServer(opts *ServerOptions) (*Server, error) {
	if opts == nil {
		opts = &ServerOptions{}
	}

	vaultDir := opts.VaultDir
	if vaultDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		vaultDir = filepath.Join(home, ".clawbox")
	}

	rules, err := policy.Load(filepath.Join(vaultDir, policy.RulesFileName))
	if err != nil {
		// No rules file means the built-in ceilings apply.
		log.Printf("warning: using default policy rules: %v", err)
		rules = policy.DefaultRules()
	}

	password := opts.Password
	if password == "" {
		password = os.Getenv("CLAWBOX_PASSWORD")
		os.Unsetenv("CLAWBOX_PASSWORD")
	}
	if password == "" {
		return nil, fmt.Errorf("no password provided: set CLAWBOX_PASSWORD environment variable")
	}

	agent := opts.AgentName
	if agent == "" {
		agent = "mcp-agent"
	}
	actor := audit.AIActor(agent)

	v, err := vault.Open(filepath.Join(vaultDir, "vault.db"))
	if err != nil {
		return nil, err
	}
	v.SetActor(actor)
	v.SetSource(audit.Source{Type: "mcp", Detail: agent})

	if err := v.Unlock(password); err != nil {
		v.Close()
		return nil, fmt.Errorf("failed to unlock vault: %w", err)
	}

	s := &Server{
		server: mcp.NewServer(&mcp.Implementation{Name: "clawbox", Version: serverVersion}, nil),
		vault:  v,
		rules:  rules,
		actor:  actor,
	}
	s.registerTools()
	return s, nil
}

func (s *Server) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "secret_get",
		Description: "Read the plaintext value of a secret by path. Subject to policy: secrets above the agent's access ceiling are denied.",
	}, s.handleSecretGet)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "secret_set",
		Description: "Create or replace a secret at a path with optional access level, tags and note.",
	}, s.handleSecretSet)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "secret_delete",
		Description: "Delete a secret by path. Reports whether the secret existed.",
	}, s.handleSecretDelete)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "secret_list",
		Description: "List secret metadata matching an optional pattern (`*` wildcard). Never returns secret values.",
	}, s.handleSecretList)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "audit_query",
		Description: "Query the audit log with optional key-path, actor-type, action and limit filters. Most recent first.",
	}, s.handleAuditQuery)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "audit_verify",
		Description: "Verify the integrity of the audit hash chain.",
	}, s.handleAuditVerify)
}

// Run serves MCP over stdio until ctx is canceled or the client disconnects.
// The vault is locked on the way out regardless of how Run exits.
func (s *Server) Run(ctx context.Context) error {
	defer s.vault.Close()
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// Close locks and releases the vault.
func (s *Server) Close() error {
	return s.vault.Close()
}
