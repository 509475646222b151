package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"restorable.io/cluster-restore/internal/report"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Manage restore reports",
	Long:  `List, view, and verify restore reports.`,
}

var reportListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all restore reports",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		reports, err := report.ListReports(cfg.CLI.ReportDir)
		if err != nil {
			return fmt.Errorf("failed to list reports: %w", err)
		}

		if len(reports) == 0 {
			fmt.Println("No reports found.")
			return nil
		}

		renderReportList(os.Stdout, reports)
		return nil
	},
}

var reportShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Display a restore report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reportID := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		rpt, path, err := findReport(cfg.CLI.ReportDir, reportID)
		if err != nil {
			return err
		}

		showJSON, _ := cmd.Flags().GetBool("json")
		if showJSON {
			data, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(rpt, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		// Display human-readable report
		fmt.Printf("Report: %s\n", rpt.ID)
		fmt.Printf("Path: %s\n", path)
		fmt.Printf("Timestamp: %s\n", rpt.Timestamp.Format("2006-01-02 15:04:05 UTC"))
		fmt.Printf("Project: %s (%s)\n", rpt.ProjectName, rpt.ProjectID)
		fmt.Printf("Machine: %s\n", rpt.MachineID)
		fmt.Printf("Backup Source: %s\n", rpt.BackupSource)
		fmt.Println()

		fmt.Printf("Backup: %d (node %d, %d node groups, epochs %d-%d, %d parts)\n",
			rpt.Backup.BackupID, rpt.Backup.NodeID, rpt.Backup.NodeGroups,
			rpt.Backup.StartEpoch, rpt.Backup.StopEpoch, rpt.Backup.Parts)
		fmt.Printf("Target: %s (%d node groups, %d replicas)\n", rpt.Target.Type, rpt.Target.NodeGroups, rpt.Target.Replicas)
		if rpt.Target.NodeGroupMap != "" {
			fmt.Printf("Node group map: %s\n", rpt.Target.NodeGroupMap)
		}
		if r := rpt.Restore; r != nil {
			fmt.Printf("Restored: %d tuples, %d log entries, %d retries\n", r.Tuples, r.LogEntries, r.Retries)
			if r.ApplyStatus != nil {
				fmt.Printf("Apply status: log position %d, epoch %d\n", r.ApplyStatus.LogPosition, r.ApplyStatus.Epoch)
			}
		}
		fmt.Println()

		// Summary
		fmt.Println("Summary:")
		if rpt.Summary.Success {
			fmt.Println("  Status: ✓ Success")
		} else {
			fmt.Println("  Status: ✗ Failed")
		}
		fmt.Printf("  Checks: %d/%d passed\n", rpt.Summary.PassedChecks, rpt.Summary.TotalChecks)
		if rpt.Summary.CriticalFailures > 0 {
			fmt.Printf("  Critical Failures: %d\n", rpt.Summary.CriticalFailures)
		}
		if rpt.Summary.WarningFailures > 0 {
			fmt.Printf("  Warnings: %d\n", rpt.Summary.WarningFailures)
		}
		if rpt.Summary.RestoreDuration != "" {
			fmt.Printf("  Restore Duration: %s\n", rpt.Summary.RestoreDuration)
		}
		if rpt.Summary.Error != "" {
			fmt.Printf("  Error: %s\n", rpt.Summary.Error)
		}
		fmt.Println()

		if len(rpt.Checkpoints) > 0 {
			fmt.Println("Checkpoints:")
			for _, cp := range rpt.Checkpoints {
				fmt.Printf("  %-10s %s\n", cp.Name, cp.At.Format(time.RFC3339))
			}
			fmt.Println()
		}

		// Checks
		fmt.Println("Checks:")
		for _, c := range rpt.Checks {
			status := "✓"
			if !c.Passed {
				status = "✗"
			}
			fmt.Printf("  %s [%s] %s: %s\n", status, c.Level, c.Name, c.Message)
		}
		fmt.Println()

		// Signature
		if rpt.Signature != "" {
			fmt.Printf("Signature: %s...\n", rpt.Signature[:min(32, len(rpt.Signature))])
		} else {
			fmt.Println("Signature: (not signed)")
		}

		return nil
	},
}

var reportVerifyCmd = &cobra.Command{
	Use:   "verify <id>",
	Short: "Verify a report's signature",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reportID := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		rpt, _, err := findReport(cfg.CLI.ReportDir, reportID)
		if err != nil {
			return err
		}

		pubKeyPath := report.PublicKeyPath(cfg.Signing.PrivateKeyPath)
		pubKey, err := report.LoadPublicKey(pubKeyPath)
		if err != nil {
			return fmt.Errorf("failed to load public key: %w", err)
		}

		valid, err := report.Verify(rpt, pubKey)
		if err != nil {
			return fmt.Errorf("signature verification failed: %w", err)
		}

		if !valid {
			fmt.Println("✗ Signature is INVALID")
			return fmt.Errorf("report %s has an invalid signature", rpt.ID)
		}
		fmt.Println("✓ Signature is valid")
		return nil
	},
}

func findReport(dir string, id string) (*report.Report, string, error) {
	reports, err := report.ListReports(dir)
	if err != nil {
		return nil, "", fmt.Errorf("failed to list reports: %w", err)
	}

	// Try exact match first
	for _, r := range reports {
		if r.ID == id {
			rpt, err := report.LoadReport(r.Path)
			return rpt, r.Path, err
		}
	}

	// Try prefix match
	var matches []*report.ReportSummary
	for _, r := range reports {
		if strings.HasPrefix(r.ID, id) {
			matches = append(matches, r)
		}
	}

	if len(matches) == 0 {
		// Try filename match
		pattern := filepath.Join(dir, "*"+id+"*.json")
		files, _ := filepath.Glob(pattern)
		if len(files) == 1 {
			rpt, err := report.LoadReport(files[0])
			return rpt, files[0], err
		}
		return nil, "", fmt.Errorf("report not found: %s", id)
	}

	if len(matches) > 1 {
		return nil, "", fmt.Errorf("ambiguous report ID %q matches %d reports", id, len(matches))
	}

	rpt, err := report.LoadReport(matches[0].Path)
	return rpt, matches[0].Path, err
}

func renderReportList(out io.Writer, reports []*report.ReportSummary) {
	tw := table.NewWriter()
	tw.SetOutputMirror(out)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"ID", "Timestamp", "Project", "Backup", "Status"})
	for _, r := range reports {
		status := "✓ Success"
		if !r.Success {
			status = "✗ Failed"
		}
		tw.AppendRow(table.Row{r.ID, r.Timestamp.Format("2006-01-02 15:04:05"), r.ProjectID, r.BackupID, status})
	}
	tw.Render()
}

func init() {
	rootCmd.AddCommand(reportCmd)
	reportCmd.AddCommand(reportListCmd)
	reportCmd.AddCommand(reportShowCmd)
	reportCmd.AddCommand(reportVerifyCmd)

	reportShowCmd.Flags().Bool("json", false, "Output report as JSON")
}
