package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/harrishan/clawbox/pkg/security"
)

func init() {
	passwordCmd.AddCommand(passwordChangeCmd)
}

var passwordCmd = &cobra.Command{
	Use:   "password",
	Short: "Master password operations",
}

var passwordChangeCmd = &cobra.Command{
	Use:   "change",
	Short: "Changes the master password",
	Long: `Derives a new key from the new password and re-encrypts every stored
secret under it. The old password stops working immediately.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		oldPassword, err := readPassword("Enter current master password: ")
		if err != nil {
			return err
		}

		newPassword1, err := readPassword("Enter new master password: ")
		if err != nil {
			return err
		}
		newPassword2, err := readPassword("Confirm new master password: ")
		if err != nil {
			return err
		}
		if newPassword1 != newPassword2 {
			return fmt.Errorf("passwords do not match")
		}
		if len(newPassword1) < 8 {
			return fmt.Errorf("password must be at least 8 characters")
		}
		if s := security.EvaluatePassword(newPassword1); s < security.StrengthGood {
			color.Yellow("Password strength: %s. Consider a longer passphrase.", s)
		}

		if err := v.ChangePassword(oldPassword, newPassword1); err != nil {
			return fmt.Errorf("failed to change password: %w", err)
		}

		color.Green("Master password changed")
		return nil
	},
}
