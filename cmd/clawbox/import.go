package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/harrishan/clawbox/pkg/vault"
)

var (
	importFormat       string
	importSkipExisting bool
)

func init() {
	importCmd.Flags().StringVarP(&importFormat, "format", "f", "env", "Input format: env, json")
	importCmd.Flags().BoolVar(&importSkipExisting, "skip-existing", false, "Keep existing secrets instead of overwriting them")
}

// importSecret is one entry of an import document. The env format only
// carries path and value; JSON may include the full metadata.
type importSecret struct {
	Path   string   `json:"path"`
	Value  string   `json:"value"`
	Access string   `json:"access,omitempty"`
	Tags   []string `json:"tags,omitempty"`
	Note   string   `json:"note,omitempty"`
}

var importCmd = &cobra.Command{
	Use:   "import [file]",
	Short: "Imports secrets from a .env or JSON file",
	Long: `Reads secrets from a .env file (KEY=value lines, keys mapped to
lowercase slash paths) or a JSON array of {path, value, access, tags, note}
objects and stores them in the vault. Existing paths are overwritten unless
--skip-existing is set.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		importFormat = strings.ToLower(importFormat)
		if importFormat != formatEnv && importFormat != formatJSON {
			return fmt.Errorf("invalid format %q: must be %q or %q", importFormat, formatEnv, formatJSON)
		}

		content, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read import file: %w", err)
		}

		var secrets []importSecret
		if importFormat == formatJSON {
			if err := json.Unmarshal(content, &secrets); err != nil {
				return fmt.Errorf("failed to parse JSON import: %w", err)
			}
		} else {
			secrets = parseEnvImport(string(content))
		}
		if len(secrets) == 0 {
			return fmt.Errorf("no secrets found in %s", args[0])
		}

		if err := ensureUnlocked(); err != nil {
			return err
		}

		existing := make(map[string]bool)
		if importSkipExisting {
			infos, err := v.List("")
			if err != nil {
				return fmt.Errorf("failed to list secrets: %w", err)
			}
			for _, info := range infos {
				existing[info.Path] = true
			}
		}

		imported, skipped := 0, 0
		for _, s := range secrets {
			if importSkipExisting && existing[s.Path] {
				skipped++
				continue
			}

			access, err := vault.ParseAccessLevel(s.Access)
			if err != nil {
				return fmt.Errorf("secret %q: %w", s.Path, err)
			}
			opts := vault.SetOptions{
				Access: access,
				Tags:   s.Tags,
				Note:   s.Note,
			}
			if err := v.Set(s.Path, s.Value, opts); err != nil {
				return fmt.Errorf("failed to import %q: %w", s.Path, err)
			}
			imported++
		}

		color.Green("Imported %d secrets (%d skipped)", imported, skipped)
		return nil
	},
}

// parseEnvImport reads KEY=value lines. Blank lines and # comments are
// skipped; values lose one layer of surrounding double quotes.
func parseEnvImport(content string) []importSecret {
	var secrets []importSecret
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		secrets = append(secrets, importSecret{
			Path:  envNameToPath(strings.TrimSpace(key)),
			Value: strings.Trim(strings.TrimSpace(value), `"`),
		})
	}
	return secrets
}

// envNameToPath maps an environment variable name to a key path:
// "GITHUB_API_TOKEN" becomes "github/api/token".
func envNameToPath(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), "_", "/")
}
