package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"golang.org/x/text/unicode/norm"

	"github.com/harrishan/clawbox/pkg/audit"
	"github.com/harrishan/clawbox/pkg/vault"
)

var (
	vaultDir string
	v        *vault.Vault
)

var rootCmd = &cobra.Command{
	Use:   "clawbox",
	Short: "clawbox is a local encrypted secret vault",
	Long: `A password-protected store of named secrets with per-secret access
levels, a tamper-evident audit log, and optional multi-device sync.
Secret values never touch disk in plaintext.`,
	SilenceUsage: true,
	// PersistentPreRunE opens the vault for every subcommand. The MCP
	// server manages its own vault instance and is skipped.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "serve" || cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}

		dir, err := resolveVaultDir()
		if err != nil {
			return err
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create vault directory: %w", err)
		}
		vaultDir = dir

		v, err = vault.Open(filepath.Join(dir, "vault.db"))
		if err != nil {
			return err
		}
		v.SetActor(audit.HumanActor(deviceName()))
		v.SetSource(audit.Source{Type: "cli"})
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if v != nil {
			return v.Close()
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&vaultDir, "vault", "", "Vault directory (default ~/.clawbox)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(setCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(passwordCmd)
	rootCmd.AddCommand(mcpCmd)
}

func resolveVaultDir() (string, error) {
	if vaultDir != "" {
		return vaultDir, nil
	}
	if env := os.Getenv("CLAWBOX_HOME"); env != "" {
		return env, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, ".clawbox"), nil
}

func deviceName() string {
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}

// readPassword prompts for a password without echo. Input is normalized to
// NFC so the same password typed on different platforms derives the same key.
func readPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	if term.IsTerminal(int(syscall.Stdin)) {
		raw, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return norm.NFC.String(string(raw)), nil
	}
	// Piped input
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	return norm.NFC.String(line), nil
}

// ensureUnlocked unlocks the vault, prompting for the master password
// unless CLAWBOX_PASSWORD is set. Key derivation is deliberately slow; a
// spinner runs on stderr while it works.
func ensureUnlocked() error {
	if v.IsUnlocked() {
		return nil
	}

	password := os.Getenv("CLAWBOX_PASSWORD")
	if password == "" {
		p, err := readPassword("Enter master password: ")
		if err != nil {
			return err
		}
		password = p
	}

	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
	s.Suffix = " unlocking vault..."
	s.Start()
	err := v.Unlock(password)
	s.Stop()
	return err
}

// parseDuration parses durations like "30d", "2w", "1y" on top of the
// standard hour-and-below units.
func parseDuration(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("duration too short: %s", s)
	}

	unit := s[len(s)-1]
	valueStr := s[:len(s)-1]

	var value int
	if _, err := fmt.Sscanf(valueStr, "%d", &value); err != nil {
		return time.ParseDuration(s)
	}

	switch unit {
	case 'd':
		return time.Duration(value) * 24 * time.Hour, nil
	case 'w':
		return time.Duration(value) * 7 * 24 * time.Hour, nil
	case 'y':
		return time.Duration(value) * 365 * 24 * time.Hour, nil
	default:
		return time.ParseDuration(s)
	}
}
