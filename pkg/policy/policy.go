// Package policy layers caller-side access control over the vault.
//
// The vault itself only gates on locked/unlocked; which actors may touch
// which secrets at which access level is decided here, before the vault is
// called. Rules are loaded from a YAML file kept next to the vault and are
// keyed by actor type, so an AI agent can be held to a lower ceiling than
// the human operating the same vault.
package policy

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"

	"gopkg.in/yaml.v3"

	"github.com/harrishan/clawbox/pkg/audit"
	"github.com/harrishan/clawbox/pkg/vault"
)

// RulesFileName is the policy file kept in the vault directory.
const RulesFileName = "policy.yaml"

// Errors
var (
	ErrAccessDenied      = errors.New("policy: access denied")
	ErrRulesNotFound     = errors.New("policy: rules file not found")
	ErrRulesInsecure     = errors.New("policy: rules file has insecure permissions")
	ErrRulesSymlink      = errors.New("policy: rules file is a symlink")
	ErrRulesNotOwned     = errors.New("policy: rules file not owned by current user")
	ErrUnsupportedFormat = errors.New("policy: unsupported rules version")
)

// Decision authorizes one vault operation before it runs. A nil error means
// the operation may proceed.
type Decision interface {
	Allow(actor audit.Actor, action audit.Action, keyPath string, level vault.AccessLevel) error
}

// AllowAll permits everything. Used for the CLI, where the human at the
// terminal already proved ownership by unlocking the vault.
type AllowAll struct{}

func (AllowAll) Allow(audit.Actor, audit.Action, string, vault.AccessLevel) error { return nil }

// ActorRule constrains one actor type.
type ActorRule struct {
	MaxAccess    string   `yaml:"max_access"`
	AllowedPaths []string `yaml:"allowed_paths"`
	DeniedPaths  []string `yaml:"denied_paths"`
}

// Rules is the YAML policy document.
type Rules struct {
	Version       int                  `yaml:"version"`
	DefaultAction string               `yaml:"default_action"`
	Actors        map[string]ActorRule `yaml:"actors"`
}

// DefaultRules holds the built-in policy used when no rules file exists:
// humans are unrestricted, apps stop at sensitive, AI agents stop at normal.
func DefaultRules() *Rules {
	return &Rules{
		Version:       1,
		DefaultAction: "allow",
		Actors: map[string]ActorRule{
			"human": {MaxAccess: "critical"},
			"app":   {MaxAccess: "sensitive"},
			"ai":    {MaxAccess: "normal"},
		},
	}
}

// Load reads the rules file at path. The file must be a regular file owned
// by the current user with mode 0600; the descriptor is stat'ed after open
// so the checks and the read see the same file.
func Load(path string) (*Rules, error) {
	f, err := os.OpenFile(path, os.O_RDONLY|syscall.O_NOFOLLOW, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrRulesNotFound
		}
		if os.IsPermission(err) || errors.Is(err, syscall.ELOOP) {
			return nil, ErrRulesSymlink
		}
		return nil, fmt.Errorf("policy: failed to open rules file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("policy: failed to stat rules file: %w", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		return nil, fmt.Errorf("%w: %o (expected 0600)", ErrRulesInsecure, perm)
	}
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		if stat.Uid != uint32(os.Getuid()) {
			return nil, ErrRulesNotOwned
		}
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("policy: failed to read rules file: %w", err)
	}

	var rules Rules
	if err := yaml.Unmarshal(content, &rules); err != nil {
		return nil, fmt.Errorf("policy: failed to parse rules file: %w", err)
	}
	if rules.Version != 1 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedFormat, rules.Version)
	}
	if rules.DefaultAction == "" {
		rules.DefaultAction = "deny"
	}
	return &rules, nil
}

// Allow evaluates one operation. Order: denied paths, access ceiling,
// allowed paths, then the default action. Actor types without a rule fall
// straight to the default action.
func (r *Rules) Allow(actor audit.Actor, action audit.Action, keyPath string, level vault.AccessLevel) error {
	rule, ok := r.Actors[actor.Type]
	if !ok {
		return r.defaultDecision(actor, keyPath)
	}

	for _, pattern := range rule.DeniedPaths {
		if matchPath(pattern, keyPath) {
			return fmt.Errorf("%w: %s may not access %q (denied pattern %q)",
				ErrAccessDenied, actor, keyPath, pattern)
		}
	}

	if rule.MaxAccess != "" {
		max, err := vault.ParseAccessLevel(rule.MaxAccess)
		if err != nil {
			return err
		}
		if level > max {
			return fmt.Errorf("%w: %s is limited to %s secrets, %q is %s",
				ErrAccessDenied, actor, max, keyPath, level)
		}
	}

	if len(rule.AllowedPaths) > 0 {
		for _, pattern := range rule.AllowedPaths {
			if matchPath(pattern, keyPath) {
				return nil
			}
		}
		return fmt.Errorf("%w: %s may not access %q (not in allowed paths)",
			ErrAccessDenied, actor, keyPath)
	}

	return nil
}

func (r *Rules) defaultDecision(actor audit.Actor, keyPath string) error {
	if r.DefaultAction == "allow" {
		return nil
	}
	return fmt.Errorf("%w: no rule for actor type %q and default action is deny",
		ErrAccessDenied, actor.Type)
}

// matchPath matches key paths against a pattern where a trailing `*`
// matches any suffix, including across slashes.
func matchPath(pattern, path string) bool {
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(path, strings.TrimSuffix(pattern, "*"))
	}
	return path == pattern
}
