package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/atotto/clipboard"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/harrishan/clawbox/internal/cli"
	"github.com/harrishan/clawbox/pkg/security"
	"github.com/harrishan/clawbox/pkg/vault"
)

var (
	setAccess  string
	setTags    string
	setNote    string
	setExpires string

	getCopy         bool
	getShowMetadata bool

	listTree bool

	deleteForce bool
)

func init() {
	setCmd.Flags().StringVar(&setAccess, "access", "normal", "Access level: public, normal, sensitive, critical")
	setCmd.Flags().StringVar(&setTags, "tags", "", "Comma-separated tags (e.g., dev,api)")
	setCmd.Flags().StringVar(&setNote, "note", "", "Attach a note to the secret")
	setCmd.Flags().StringVar(&setExpires, "expires", "", "Expiration duration (e.g., 30d, 1y)")

	getCmd.Flags().BoolVarP(&getCopy, "copy", "c", false, "Copy the value to the clipboard instead of printing it")
	getCmd.Flags().BoolVar(&getShowMetadata, "show-metadata", false, "Show metadata with the secret")

	listCmd.Flags().BoolVar(&listTree, "tree", false, "Render paths as a tree grouped by slash segments")

	deleteCmd.Flags().BoolVarP(&deleteForce, "force", "f", false, "Skip confirmation prompt")
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initializes a new vault",
	RunE: func(cmd *cobra.Command, args []string) error {
		if initialized, err := v.IsInitialized(); err != nil {
			return err
		} else if initialized {
			return fmt.Errorf("vault already initialized at %s", vaultDir)
		}

		password1, err := readPassword("Enter master password: ")
		if err != nil {
			return err
		}
		password2, err := readPassword("Confirm master password: ")
		if err != nil {
			return err
		}
		if password1 != password2 {
			return fmt.Errorf("passwords do not match")
		}
		if len(password1) < 8 {
			return fmt.Errorf("password must be at least 8 characters")
		}
		if s := security.EvaluatePassword(password1); s < security.StrengthGood {
			color.Yellow("Password strength: %s. Consider a longer passphrase.", s)
		}

		if err := v.Init(password1); err != nil {
			return fmt.Errorf("failed to initialize vault: %w", err)
		}

		color.Green("Vault initialized at %s", vaultDir)
		return nil
	},
}

var setCmd = &cobra.Command{
	Use:   "set [path]",
	Short: "Sets a secret value from standard input",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]

		if err := ensureUnlocked(); err != nil {
			return err
		}

		access, err := vault.ParseAccessLevel(setAccess)
		if err != nil {
			return err
		}

		opts := vault.SetOptions{
			Access: access,
			Note:   setNote,
		}
		if setTags != "" {
			opts.Tags = strings.Split(setTags, ",")
		}
		if setExpires != "" {
			duration, err := parseDuration(setExpires)
			if err != nil {
				return fmt.Errorf("invalid expiration format: %w", err)
			}
			expiresAt := time.Now().Add(duration)
			opts.ExpiresAt = &expiresAt
		}

		fmt.Fprint(os.Stderr, "Enter secret value (Ctrl+D to finish): ")
		valueBytes, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read secret value: %w", err)
		}
		fmt.Fprintln(os.Stderr)
		value := strings.TrimSuffix(string(valueBytes), "\n")
		value = strings.TrimSuffix(value, "\r")

		if err := v.Set(path, value, opts); err != nil {
			return fmt.Errorf("failed to set secret: %w", err)
		}

		color.Green("Secret %q saved", path)
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get [path]",
	Short: "Gets a secret value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]

		if err := ensureUnlocked(); err != nil {
			return err
		}

		value, err := v.Get(path)
		if errors.Is(err, vault.ErrSecretNotFound) {
			return fmt.Errorf("secret %q not found", path)
		}
		if err != nil {
			return fmt.Errorf("failed to get secret: %w", err)
		}

		if getCopy {
			if err := clipboard.WriteAll(value); err != nil {
				return fmt.Errorf("failed to copy to clipboard: %w", err)
			}
			color.Green("Secret %q copied to clipboard", path)
		} else {
			fmt.Println(value)
		}

		if getShowMetadata {
			infos, err := v.List(path)
			if err == nil && len(infos) == 1 {
				printMetadata(os.Stderr, infos[0])
			}
		}
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list [pattern]",
	Short: "Lists secrets matching an optional pattern",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pattern := ""
		if len(args) == 1 {
			pattern = args[0]
		}

		if err := ensureUnlocked(); err != nil {
			return err
		}

		infos, err := v.List(pattern)
		if err != nil {
			return fmt.Errorf("failed to list secrets: %w", err)
		}
		if len(infos) == 0 {
			fmt.Println("No secrets stored")
			return nil
		}

		if listTree {
			paths := make([]string, 0, len(infos))
			for _, info := range infos {
				paths = append(paths, info.Path)
			}
			for _, line := range cli.TreeLines(paths) {
				fmt.Println(line)
			}
			return nil
		}

		for _, info := range infos {
			line := info.Path
			if info.Access != vault.AccessNormal {
				line += " " + accessColor(info.Access).Sprintf("[%s]", info.Access)
			}
			if len(info.Tags) > 0 {
				line += fmt.Sprintf(" (%s)", strings.Join(info.Tags, ","))
			}
			if info.ExpiresAt != nil {
				line += fmt.Sprintf(" expires:%s", info.ExpiresAt.Format("2006-01-02"))
			}
			fmt.Println(line)
		}
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:     "rm [pattern...]",
	Aliases: []string{"delete"},
	Short:   "Deletes secrets by path or pattern",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureUnlocked(); err != nil {
			return err
		}

		infos, err := v.List("")
		if err != nil {
			return fmt.Errorf("failed to list secrets: %w", err)
		}
		paths := make([]string, 0, len(infos))
		for _, info := range infos {
			paths = append(paths, info.Path)
		}

		targets, err := cli.ExpandPatterns(args, paths)
		if err != nil {
			return err
		}

		if len(targets) > 1 && !deleteForce {
			fmt.Printf("This will delete %d secrets:\n", len(targets))
			for _, path := range targets {
				fmt.Printf("  %s\n", path)
			}
			fmt.Print("Are you sure? [y/N]: ")
			var response string
			if _, err := fmt.Scanln(&response); err != nil {
				fmt.Println("Aborted")
				return nil
			}
			if response != "y" && response != "Y" {
				fmt.Println("Aborted")
				return nil
			}
		}

		for _, path := range targets {
			if _, err := v.Delete(path); err != nil {
				return fmt.Errorf("failed to delete %q: %w", path, err)
			}
			color.Green("Secret %q deleted", path)
		}
		return nil
	},
}

func accessColor(level vault.AccessLevel) *color.Color {
	switch level {
	case vault.AccessCritical:
		return color.New(color.FgRed)
	case vault.AccessSensitive:
		return color.New(color.FgYellow)
	case vault.AccessPublic:
		return color.New(color.FgCyan)
	default:
		return color.New(color.Reset)
	}
}

func printMetadata(w io.Writer, info vault.SecretInfo) {
	fmt.Fprintf(w, "Access: %s\n", info.Access)
	if len(info.Tags) > 0 {
		fmt.Fprintf(w, "Tags: %s\n", strings.Join(info.Tags, ", "))
	}
	if info.Note != "" {
		fmt.Fprintf(w, "Note: %s\n", info.Note)
	}
	if info.ExpiresAt != nil {
		fmt.Fprintf(w, "Expires: %s\n", info.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "Created: %s by %s\n", info.CreatedAt.Format(time.RFC3339), info.CreatedBy)
	fmt.Fprintf(w, "Updated: %s\n", info.UpdatedAt.Format(time.RFC3339))
}
