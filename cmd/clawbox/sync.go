package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/harrishan/clawbox/pkg/crypto"
	"github.com/harrishan/clawbox/pkg/sync"
)

var syncRemote string

func init() {
	syncCmd.PersistentFlags().StringVar(&syncRemote, "remote", "", "Remote directory holding the synced vault (required)")

	syncCmd.AddCommand(syncStatusCmd)
	syncCmd.AddCommand(syncPushCmd)
	syncCmd.AddCommand(syncPullCmd)
}

func newSyncManager() (*sync.Manager, error) {
	if syncRemote == "" {
		return nil, fmt.Errorf("--remote is required")
	}
	return sync.NewManager(vaultDir, &sync.DirTransport{Dir: syncRemote}), nil
}

// withSyncKey unlocks the vault, hands its exported key to the manager, and
// wipes the exported copy before returning.
func withSyncKey(m *sync.Manager) error {
	if err := ensureUnlocked(); err != nil {
		return err
	}
	key, err := v.ExportKey()
	if err != nil {
		return err
	}
	defer crypto.SecureWipe(key)
	return m.SetKey(key)
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize the vault with a remote copy",
	Long: `Compares version counters and pushes or pulls the whole encrypted
vault. The side that is behind adopts the other's snapshot; before a pull
the current local database is preserved as vault.db.backup.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := newSyncManager()
		if err != nil {
			return err
		}
		defer m.Close()

		if err := withSyncKey(m); err != nil {
			return err
		}
		// The vault must not hold the database open while sync replaces it.
		if err := v.Close(); err != nil {
			return err
		}
		v = nil

		result, err := m.Sync()
		if err != nil {
			return err
		}

		switch result.Status {
		case sync.StatusPushed:
			color.Green("Pushed local vault (version %d)", result.LocalVersion)
		case sync.StatusPulled:
			color.Green("Pulled remote vault (version %d); previous database saved as %s",
				result.LocalVersion, sync.BackupFile)
		default:
			fmt.Println("Already up to date")
		}
		return nil
	},
}

var syncStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local and remote sync versions",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := newSyncManager()
		if err != nil {
			return err
		}
		defer m.Close()

		local, err := m.LocalVersion()
		if err != nil {
			return err
		}
		remote, err := m.RemoteVersion()
		if err != nil {
			return err
		}

		fmt.Printf("Local version:  %d\n", local)
		fmt.Printf("Remote version: %d\n", remote)
		switch {
		case remote > local:
			fmt.Println("Remote is ahead; next sync will pull")
		case local > remote:
			fmt.Println("Local is ahead; next sync will push")
		default:
			fmt.Println("Up to date")
		}
		return nil
	},
}

var syncPushCmd = &cobra.Command{
	Use:   "push",
	Short: "Push the local vault to the remote unconditionally",
	Long: `Uploads the local vault even if the remote is ahead. Use this to
preserve local edits that would otherwise be discarded by a pull.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := newSyncManager()
		if err != nil {
			return err
		}
		defer m.Close()

		if err := withSyncKey(m); err != nil {
			return err
		}
		if err := v.Close(); err != nil {
			return err
		}
		v = nil

		result, err := m.Push()
		if err != nil {
			return err
		}
		color.Green("Pushed local vault (version %d)", result.LocalVersion)
		return nil
	},
}

var syncPullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Pull the remote vault unconditionally",
	Long: `Replaces the local vault with the remote one even if the local copy
is ahead. The current database is preserved as vault.db.backup first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := newSyncManager()
		if err != nil {
			return err
		}
		defer m.Close()

		if err := withSyncKey(m); err != nil {
			return err
		}
		if err := v.Close(); err != nil {
			return err
		}
		v = nil

		result, err := m.Pull()
		if err != nil {
			return err
		}
		color.Green("Pulled remote vault (version %d); previous database saved as %s",
			result.LocalVersion, sync.BackupFile)
		return nil
	},
}
