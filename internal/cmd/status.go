package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"restorable.io/cluster-restore/internal/artifact"
)

var (
	statusBackupID uint32
	statusNodeID   uint32
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the apply status a restore recorded in the target",
	Long: `Reads the apply-status record of a backup from the configured target.

The record holds the last applied log position and the epoch the target is
consistent with. A restore that is run again resumes after that position.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Target.Type == "memory" || cfg.Target.Type == "ephemeral" {
			return fmt.Errorf("target type %q does not outlive a restore; nothing to read", cfg.Target.Type)
		}

		ctx := context.Background()
		target, _, err := openTarget(ctx, &cfg.Target, false)
		if err != nil {
			return err
		}
		defer target.Close()

		schemaName, name, err := cfg.Restore.ApplyStatusName()
		if err != nil {
			return err
		}
		st, err := target.ReadApplyStatus(ctx, artifact.ApplyStatusTable(schemaName, name), statusBackupID, statusNodeID)
		if err != nil {
			return fmt.Errorf("failed to read apply status: %w", err)
		}
		if st == nil {
			fmt.Printf("No apply status recorded for backup %d, node %d.\n", statusBackupID, statusNodeID)
			return nil
		}
		fmt.Printf("Backup: %d (node %d)\n", st.BackupID, st.NodeID)
		fmt.Printf("Log position: %d\n", st.LogPosition)
		fmt.Printf("Epoch: %d\n", st.Epoch)
		fmt.Printf("Updated: %s\n", st.UpdatedAt.Format("2006-01-02 15:04:05 UTC"))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().Uint32Var(&statusBackupID, "backup-id", 0, "Backup id")
	statusCmd.Flags().Uint32Var(&statusNodeID, "node-id", 0, "Node id the backup was restored for")
	_ = statusCmd.MarkFlagRequired("backup-id")
}
