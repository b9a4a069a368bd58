package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/harrishan/clawbox/internal/cli"
	"github.com/harrishan/clawbox/pkg/vault"
)

const (
	formatEnv  = "env"
	formatJSON = "json"
)

var (
	exportFormat string
	exportOutput string
	exportKeys   []string
	exportForce  bool
)

func init() {
	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", "env", "Output format: env, json")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file path (default: stdout)")
	exportCmd.Flags().StringSliceVarP(&exportKeys, "key", "k", nil, "Key paths to export (glob pattern supported)")
	exportCmd.Flags().BoolVar(&exportForce, "force", false, "Overwrite an existing output file")
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Exports secrets to .env or JSON format",
	Long: `Decrypts the selected secrets and writes them as a .env or JSON
document. Expired secrets abort the export. Every decryption is recorded
in the audit log.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		exportFormat = strings.ToLower(exportFormat)
		if exportFormat != formatEnv && exportFormat != formatJSON {
			return fmt.Errorf("invalid format %q: must be %q or %q", exportFormat, formatEnv, formatJSON)
		}

		if err := ensureUnlocked(); err != nil {
			return err
		}

		infos, err := v.List("")
		if err != nil {
			return fmt.Errorf("failed to list secrets: %w", err)
		}
		if len(infos) == 0 {
			return fmt.Errorf("no secrets in vault")
		}

		byPath := make(map[string]vault.SecretInfo, len(infos))
		paths := make([]string, 0, len(infos))
		for _, info := range infos {
			byPath[info.Path] = info
			paths = append(paths, info.Path)
		}

		targets := paths
		if len(exportKeys) > 0 {
			targets, err = cli.ExpandPatterns(exportKeys, paths)
			if err != nil {
				return err
			}
		}
		cli.SortPaths(targets)

		now := time.Now()
		values := make(map[string]string, len(targets))
		for _, path := range targets {
			info := byPath[path]
			if info.ExpiresAt != nil && info.ExpiresAt.Before(now) {
				return fmt.Errorf("secret %q expired at %s", path, info.ExpiresAt.Format(time.RFC3339))
			}
			value, err := v.Get(path)
			if err != nil {
				return fmt.Errorf("failed to get secret %q: %w", path, err)
			}
			values[path] = value
		}

		output, err := renderExport(targets, values)
		if err != nil {
			return err
		}

		if exportOutput == "" {
			fmt.Fprintln(os.Stderr, "WARNING: DO NOT COMMIT THIS OUTPUT TO VERSION CONTROL")
			fmt.Print(output)
			return nil
		}
		if err := writeSecureFile(exportOutput, output, exportForce); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Exported %d secrets to %s\n", len(targets), exportOutput)
		return nil
	},
}

func renderExport(paths []string, values map[string]string) (string, error) {
	if exportFormat == formatJSON {
		doc := make(map[string]string, len(paths))
		for _, path := range paths {
			doc[pathToEnvName(path)] = values[path]
		}
		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return "", fmt.Errorf("failed to marshal JSON: %w", err)
		}
		return string(data) + "\n", nil
	}

	var sb strings.Builder
	sb.WriteString("# Generated by clawbox\n")
	sb.WriteString("# WARNING: DO NOT COMMIT THIS FILE TO VERSION CONTROL\n")
	sb.WriteString("#\n")
	for _, path := range paths {
		sb.WriteString(fmt.Sprintf("%s=%s\n", pathToEnvName(path), escapeEnvValue(values[path])))
	}
	return sb.String(), nil
}

// pathToEnvName maps a slash-delimited key path to an environment variable
// name: "github/api-token" becomes "GITHUB_API_TOKEN".
func pathToEnvName(path string) string {
	name := strings.ToUpper(path)
	name = strings.NewReplacer("/", "_", "-", "_", ".", "_").Replace(name)
	return name
}

func escapeEnvValue(value string) string {
	if !strings.ContainsAny(value, " \"'\\\n\r\t#$=") {
		return value
	}
	escaped := strings.NewReplacer(
		"\\", "\\\\",
		"\"", "\\\"",
		"\n", "\\n",
		"\r", "\\r",
		"\t", "\\t",
		"$", "\\$",
	).Replace(value)
	return "\"" + escaped + "\""
}

// writeSecureFile writes content with 0600 permissions, refusing symlinks
// and existing files unless force is set.
func writeSecureFile(path, content string, force bool) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("invalid path: %w", err)
	}

	if info, err := os.Lstat(absPath); err == nil {
		if info.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("refusing to write to symlink: %s", absPath)
		}
		if !force {
			return fmt.Errorf("file already exists: %s (use --force to overwrite)", absPath)
		}
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if force {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(absPath, flags, 0600)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("file already exists: %s (use --force to overwrite)", absPath)
		}
		return fmt.Errorf("failed to create file: %w", err)
	}

	_, writeErr := f.WriteString(content)
	closeErr := f.Close()
	if writeErr != nil {
		return fmt.Errorf("failed to write file: %w", writeErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close file: %w", closeErr)
	}
	return nil
}
