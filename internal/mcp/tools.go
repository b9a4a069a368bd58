package mcp

import (
	"context"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/harrishan/clawbox/pkg/audit"
	"github.com/harrishan/clawbox/pkg/vault"
)

// SecretGetInput is the input for secret_get.
type SecretGetInput struct {
	Path string `json:"path"`
}

// SecretGetOutput is the output for secret_get.
type SecretGetOutput struct {
	Path   string `json:"path"`
	Value  string `json:"value,omitempty"`
	Status Status `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// SecretSetInput is the input for secret_set.
type SecretSetInput struct {
	Path   string   `json:"path"`
	Value  string   `json:"value"`
	Access string   `json:"access,omitempty"`
	Tags   []string `json:"tags,omitempty"`
	Note   string   `json:"note,omitempty"`
}

// SecretSetOutput is the output for secret_set.
type SecretSetOutput struct {
	Path   string `json:"path"`
	Status Status `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// SecretDeleteInput is the input for secret_delete.
type SecretDeleteInput struct {
	Path string `json:"path"`
}

// SecretDeleteOutput is the output for secret_delete.
type SecretDeleteOutput struct {
	Path    string `json:"path"`
	Existed bool   `json:"existed"`
	Status  Status `json:"status"`
	Reason  string `json:"reason,omitempty"`
}

// SecretListInput is the input for secret_list.
type SecretListInput struct {
	Pattern string `json:"pattern,omitempty"`
}

// SecretMeta is one secret's metadata. Values are never included.
type SecretMeta struct {
	Path      string   `json:"path"`
	Access    string   `json:"access"`
	Tags      []string `json:"tags,omitempty"`
	HasNote   bool     `json:"has_note"`
	ExpiresAt string   `json:"expires_at,omitempty"`
	CreatedAt string   `json:"created_at"`
	UpdatedAt string   `json:"updated_at"`
}

// SecretListOutput is the output for secret_list.
type SecretListOutput struct {
	Secrets []SecretMeta `json:"secrets"`
	Status  Status       `json:"status"`
	Reason  string       `json:"reason,omitempty"`
}

// AuditQueryInput is the input for audit_query.
type AuditQueryInput struct {
	KeyPath   string `json:"key_path,omitempty"`
	ActorType string `json:"actor_type,omitempty"`
	Action    string `json:"action,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// AuditEntryOutput is one audit entry in query results.
type AuditEntryOutput struct {
	Timestamp    string `json:"timestamp"`
	Actor        string `json:"actor"`
	Action       string `json:"action"`
	KeyPath      string `json:"key_path,omitempty"`
	Success      bool   `json:"success"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// AuditQueryOutput is the output for audit_query.
type AuditQueryOutput struct {
	Entries []AuditEntryOutput `json:"entries"`
	Status  Status             `json:"status"`
	Reason  string             `json:"reason,omitempty"`
}

// AuditVerifyInput is the input for audit_verify.
type AuditVerifyInput struct{}

// AuditVerifyOutput is the output for audit_verify.
type AuditVerifyOutput struct {
	Intact bool   `json:"intact"`
	Status Status `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// authorize runs the policy check for one operation. The secret's stored
// access level is looked up first; a path with no stored secret is checked
// at the default level.
func (s *Server) authorize(action audit.Action, path string, level vault.AccessLevel) error {
	return s.rules.Allow(s.actor, action, path, level)
}

// storedAccess returns the access level recorded for path, or AccessNormal
// if no secret exists there.
func (s *Server) storedAccess(path string) vault.AccessLevel {
	infos, err := s.vault.List(path)
	if err == nil && len(infos) == 1 && infos[0].Path == path {
		return infos[0].Access
	}
	return vault.AccessNormal
}

func (s *Server) handleSecretGet(_ context.Context, _ *mcp.CallToolRequest, input SecretGetInput) (*mcp.CallToolResult, SecretGetOutput, error) {
	out := SecretGetOutput{Path: input.Path}
	if input.Path == "" {
		out.Status = StatusUnknown
		out.Reason = "path is required"
		return nil, out, nil
	}

	if err := s.authorize(audit.ActionRead, input.Path, s.storedAccess(input.Path)); err != nil {
		out.Status = StatusUnknown
		out.Reason = err.Error()
		return nil, out, nil
	}

	value, err := s.vault.Get(input.Path)
	out.Status = MapStatus(err)
	if err != nil {
		return nil, out, nil
	}
	out.Value = value
	return nil, out, nil
}

func (s *Server) handleSecretSet(_ context.Context, _ *mcp.CallToolRequest, input SecretSetInput) (*mcp.CallToolResult, SecretSetOutput, error) {
	out := SecretSetOutput{Path: input.Path}
	if input.Path == "" {
		out.Status = StatusUnknown
		out.Reason = "path is required"
		return nil, out, nil
	}

	access, err := vault.ParseAccessLevel(input.Access)
	if err != nil {
		out.Status = StatusUnknown
		out.Reason = err.Error()
		return nil, out, nil
	}

	if err := s.authorize(audit.ActionWrite, input.Path, access); err != nil {
		out.Status = StatusUnknown
		out.Reason = err.Error()
		return nil, out, nil
	}

	err = s.vault.Set(input.Path, input.Value, vault.SetOptions{
		Access: access,
		Tags:   input.Tags,
		Note:   input.Note,
	})
	out.Status = MapStatus(err)
	if err != nil && out.Status == StatusUnknown {
		out.Reason = err.Error()
	}
	return nil, out, nil
}

func (s *Server) handleSecretDelete(_ context.Context, _ *mcp.CallToolRequest, input SecretDeleteInput) (*mcp.CallToolResult, SecretDeleteOutput, error) {
	out := SecretDeleteOutput{Path: input.Path}
	if input.Path == "" {
		out.Status = StatusUnknown
		out.Reason = "path is required"
		return nil, out, nil
	}

	if err := s.authorize(audit.ActionDelete, input.Path, s.storedAccess(input.Path)); err != nil {
		out.Status = StatusUnknown
		out.Reason = err.Error()
		return nil, out, nil
	}

	existed, err := s.vault.Delete(input.Path)
	out.Status = MapStatus(err)
	out.Existed = existed
	return nil, out, nil
}

func (s *Server) handleSecretList(_ context.Context, _ *mcp.CallToolRequest, input SecretListInput) (*mcp.CallToolResult, SecretListOutput, error) {
	var out SecretListOutput

	infos, err := s.vault.List(input.Pattern)
	out.Status = MapStatus(err)
	if err != nil {
		return nil, out, nil
	}

	out.Secrets = make([]SecretMeta, 0, len(infos))
	for _, info := range infos {
		meta := SecretMeta{
			Path:      info.Path,
			Access:    info.Access.String(),
			Tags:      info.Tags,
			HasNote:   info.Note != "",
			CreatedAt: info.CreatedAt.Format(time.RFC3339),
			UpdatedAt: info.UpdatedAt.Format(time.RFC3339),
		}
		if info.ExpiresAt != nil {
			meta.ExpiresAt = info.ExpiresAt.Format(time.RFC3339)
		}
		out.Secrets = append(out.Secrets, meta)
	}
	return nil, out, nil
}

func (s *Server) handleAuditQuery(_ context.Context, _ *mcp.CallToolRequest, input AuditQueryInput) (*mcp.CallToolResult, AuditQueryOutput, error) {
	var out AuditQueryOutput

	entries, err := s.vault.Audit(audit.Filter{
		KeyPath:   input.KeyPath,
		ActorType: input.ActorType,
		Action:    audit.Action(input.Action),
		Limit:     input.Limit,
	})
	out.Status = MapStatus(err)
	if err != nil {
		return nil, out, nil
	}

	out.Entries = make([]AuditEntryOutput, 0, len(entries))
	for _, e := range entries {
		out.Entries = append(out.Entries, AuditEntryOutput{
			Timestamp:    e.Timestamp.Format(time.RFC3339),
			Actor:        e.Actor.String(),
			Action:       string(e.Action),
			KeyPath:      e.KeyPath,
			Success:      e.Success,
			ErrorMessage: e.ErrorMessage,
		})
	}
	return nil, out, nil
}

func (s *Server) handleAuditVerify(_ context.Context, _ *mcp.CallToolRequest, _ AuditVerifyInput) (*mcp.CallToolResult, AuditVerifyOutput, error) {
	var out AuditVerifyOutput

	intact, err := s.vault.VerifyAuditIntegrity()
	out.Status = MapStatus(err)
	if err != nil {
		return nil, out, nil
	}
	out.Intact = intact
	return nil, out, nil
}
