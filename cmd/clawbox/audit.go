package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/harrishan/clawbox/pkg/audit"
)

var (
	auditLimit     int
	auditSince     string
	auditUntil     string
	auditKeyPath   string
	auditActorType string
	auditAction    string
)

func init() {
	auditCmd.AddCommand(auditListCmd)
	auditCmd.AddCommand(auditVerifyCmd)

	auditListCmd.Flags().IntVar(&auditLimit, "limit", 100, "Maximum number of entries to show")
	auditListCmd.Flags().StringVar(&auditSince, "since", "", "Show entries since duration (e.g., 24h, 7d)")
	auditListCmd.Flags().StringVar(&auditUntil, "until", "", "Show entries older than duration (e.g., 1h)")
	auditListCmd.Flags().StringVar(&auditKeyPath, "key", "", "Filter by key path substring")
	auditListCmd.Flags().StringVar(&auditActorType, "actor", "", "Filter by actor type: human, ai, app")
	auditListCmd.Flags().StringVar(&auditAction, "action", "", "Filter by action: init, read, write, delete, export, unlock, lock")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit log operations",
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit log entries, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := audit.Filter{
			KeyPath:   auditKeyPath,
			ActorType: auditActorType,
			Action:    audit.Action(auditAction),
			Limit:     auditLimit,
		}
		if auditSince != "" {
			duration, err := parseDuration(auditSince)
			if err != nil {
				return fmt.Errorf("invalid since format: %w", err)
			}
			filter.Since = time.Now().Add(-duration)
		}
		if auditUntil != "" {
			duration, err := parseDuration(auditUntil)
			if err != nil {
				return fmt.Errorf("invalid until format: %w", err)
			}
			filter.Until = time.Now().Add(-duration)
		}

		entries, err := v.Audit(filter)
		if err != nil {
			return fmt.Errorf("failed to query audit log: %w", err)
		}
		if len(entries) == 0 {
			fmt.Println("No audit entries found")
			return nil
		}

		for _, e := range entries {
			result := color.GreenString("ok")
			if !e.Success {
				result = color.RedString("failed")
			}
			line := fmt.Sprintf("%s %-7s %-6s %s",
				e.Timestamp.Format(time.RFC3339), e.Action, result, e.Actor)
			if e.KeyPath != "" {
				line += " " + e.KeyPath
			}
			if e.ErrorMessage != "" {
				line += fmt.Sprintf(" (%s)", e.ErrorMessage)
			}
			fmt.Println(line)
		}

		fmt.Printf("\nTotal: %d entries\n", len(entries))
		return nil
	},
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify audit log hash chain integrity",
	RunE: func(cmd *cobra.Command, args []string) error {
		intact, err := v.VerifyAuditIntegrity()
		if err != nil {
			return fmt.Errorf("failed to verify audit log: %w", err)
		}
		if !intact {
			color.Red("Audit log verification FAILED: hash chain is broken")
			return fmt.Errorf("audit log integrity check failed")
		}
		color.Green("Audit log verified: hash chain intact")
		return nil
	},
}
