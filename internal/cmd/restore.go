package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"restorable.io/cluster-restore/internal/artifact"
	"restorable.io/cluster-restore/internal/backup"
	"restorable.io/cluster-restore/internal/cluster"
	"restorable.io/cluster-restore/internal/config"
	"restorable.io/cluster-restore/internal/consumer"
	"restorable.io/cluster-restore/internal/crypto"
	"restorable.io/cluster-restore/internal/metrics"
	"restorable.io/cluster-restore/internal/nodegroup"
	"restorable.io/cluster-restore/internal/report"
	"restorable.io/cluster-restore/internal/restore"
	"restorable.io/cluster-restore/internal/schema"
	"restorable.io/cluster-restore/internal/verify"
)

type restoreFlags struct {
	dryRun      bool
	print       bool
	parallelism int
	verbose     bool
}

var restoreOpts restoreFlags

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restores a backup into the configured cluster",
	Long: `Runs a backup through the restore protocol into the configured target.

This command performs the following steps:
1. Acquires every part of the backup from the configured source.
2. Decrypts the parts (if configured) and reads their metadata.
3. Maps the backup's node groups onto the node groups of the target.
4. Restores objects, tables, tuples and the change log, then records the apply status.
5. Checks the outcome against the baseline schema of earlier runs.
6. Generates and signs a restore report.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		fmt.Println("✓ Configuration loaded.")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if cfg.Metrics.Addr != "" {
			go func() {
				if err := metrics.Serve(cfg.Metrics.Addr); err != nil {
					log.Warn("metrics endpoint stopped", zap.String("addr", cfg.Metrics.Addr), zap.Error(err))
				}
			}()
		}

		_, err = runRestore(ctx, cfg, restoreOpts, os.Stdout)
		return err
	},
}

// runRestore restores the configured backup and writes the signed report.
// The report is returned whenever the restore got far enough to produce one.
func runRestore(ctx context.Context, cfg *config.Config, flags restoreFlags, out io.Writer) (*report.Report, error) {
	source, err := backup.NewSourceFromConfig(&cfg.Backup)
	if err != nil {
		return nil, fmt.Errorf("failed to create backup source: %w", err)
	}
	decryptor, err := crypto.NewFromConfig(cfg.Encryption)
	if err != nil {
		return nil, fmt.Errorf("failed to create decryptor: %w", err)
	}

	fmt.Fprintf(out, "Acquiring backup from source: %s\n", source.Identifier())
	parts, err := openParts(ctx, source, decryptor)
	if err != nil {
		return nil, err
	}
	defer parts.Close()
	meta := parts.input.Meta
	fmt.Fprintf(out, "✓ Backup %d opened: %d parts, %d tables, %d node groups.\n",
		meta.BackupID, len(parts.input.Parts), len(meta.Tables), meta.NodeGroups)

	target, targetType, err := openTarget(ctx, &cfg.Target, flags.dryRun)
	if err != nil {
		return nil, err
	}
	defer target.Close()
	fmt.Fprintf(out, "✓ Target ready (%s, %d node groups).\n", targetType, cfg.Target.NodeGroups)

	overrides, err := nodegroup.ParseOverrides(cfg.Restore.NodeGroupMap)
	if err != nil {
		return nil, err
	}
	statusSchema, statusName, err := cfg.Restore.ApplyStatusName()
	if err != nil {
		return nil, err
	}
	opts := restore.Options{
		Parallelism:      cfg.Restore.Parallelism,
		RestoreMeta:      cfg.Restore.RestoreMeta,
		RestoreData:      cfg.Restore.RestoreData,
		RestoreEpoch:     cfg.Restore.RestoreEpoch,
		ApplyStatusTable: artifact.ApplyStatusTable(statusSchema, statusName),
		Retry: restore.RetryPolicy{
			MaxRetries:      cfg.Restore.Retry.MaxRetries,
			InitialInterval: cfg.Restore.Retry.InitialInterval,
			MaxInterval:     cfg.Restore.Retry.MaxInterval,
		},
	}
	if flags.parallelism > 0 {
		opts.Parallelism = flags.parallelism
	}

	validation := consumer.NewValidation()
	recorder := report.NewRecorder()
	set := consumer.Set{
		Apply: &consumer.ApplyOptions{
			Cluster:          target,
			Meta:             meta,
			ApplyStatusTable: opts.ApplyStatusTable,
			Overrides:        overrides,
		},
		Validation: validation,
		Primary:    []restore.Consumer{recorder},
	}
	if flags.print {
		set.Print = &consumer.PrintOptions{Meta: true, Data: flags.verbose, Log: flags.verbose, TablePrefix: true}
		set.PrintTo = out
	}

	fmt.Fprintf(out, "Restoring on %d lanes...\n", opts.Parallelism)
	summary, runErr := restore.NewCoordinator(parts.input, set.Factory(opts.RestoreMeta), opts).Run(ctx)
	if runErr != nil {
		fmt.Fprintf(out, "✗ Restore failed: %v\n", runErr)
	} else {
		fmt.Fprintf(out, "✓ Restored %d tables, %d tuples and %d log entries in %s.\n",
			len(summary.RestoredTables()), summary.Tuples, summary.LogEntries, summary.Duration().Round(time.Millisecond))
	}
	if flags.verbose {
		renderTableTuples(out, summary)
	}

	current := restoredSchema(meta, summary)
	baselineStore, err := schema.NewBaselineStoreAt(cfg.CLI.SchemaDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create baseline store: %w", err)
	}
	baseline, err := baselineStore.Load(cfg.Project.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load baseline schema: %w", err)
	}
	if baseline == nil {
		fmt.Fprintln(out, "No baseline schema found. This will be stored as the baseline.")
	} else {
		fmt.Fprintf(out, "✓ Baseline schema loaded (%d tables).\n", len(baseline.Tables))
	}

	fmt.Fprintln(out, "Running checks...")
	checkers := verify.DefaultCheckers(verify.Options{
		Schema:            cfg.Verification.Schema.Enabled,
		Tuples:            cfg.Verification.Tuples.Enabled,
		MinNonEmptyTables: cfg.Verification.Tuples.MinNonEmptyTables,
		MaxDuration:       cfg.Verification.MaxDuration,
	})
	checkResults := verify.RunChecks(ctx, checkers, &verify.Input{
		Summary:       summary,
		Current:       current,
		Baseline:      baseline,
		Findings:      validation.Findings(),
		EpochRestored: opts.RestoreEpoch,
	})
	for _, r := range checkResults {
		status := "✓"
		if !r.Passed {
			status = "✗"
		}
		fmt.Fprintf(out, "  %s [%s] %s: %s\n", status, r.Level, r.Name, r.Message)
	}

	critical, warning, _ := verify.CountFailures(checkResults)
	if critical > 0 {
		fmt.Fprintf(out, "\n✗ Restore checks failed with %d critical failure(s).\n", critical)
	} else if warning > 0 {
		fmt.Fprintf(out, "\n⚠ Restore checks passed with %d warning(s).\n", warning)
	} else {
		fmt.Fprintln(out, "\n✓ All restore checks passed.")
	}

	fmt.Fprintln(out, "\nGenerating report...")
	rpt := report.NewReportBuilder().
		WithID(uuid.New().String()).
		WithProject(cfg.Project.ID, cfg.Project.Name).
		WithMachineID(cfg.CLI.MachineID).
		WithBackupSource(source.Identifier()).
		WithBackup(meta, len(parts.input.Parts)).
		WithTarget(report.TargetInfo{
			Type:         targetType,
			NodeGroups:   cfg.Target.NodeGroups,
			Replicas:     cfg.Target.Replicas,
			NodeGroupMap: describeNodeGroupMap(ctx, target, meta, overrides),
		}).
		WithSchema(current).
		WithRestore(summary, runErr).
		WithCheckpoints(recorder.Checkpoints()).
		WithChecks(checkResults).
		Build()

	privateKey, err := report.LoadPrivateKey(cfg.Signing.PrivateKeyPath)
	if err != nil {
		return rpt, fmt.Errorf("failed to load signing key: %w", err)
	}
	if err := report.Sign(rpt, privateKey); err != nil {
		return rpt, fmt.Errorf("failed to sign report: %w", err)
	}
	fmt.Fprintln(out, "✓ Report signed.")

	reportPath, err := report.WriteJSON(rpt, cfg.CLI.ReportDir)
	if err != nil {
		return rpt, fmt.Errorf("failed to write report: %w", err)
	}
	fmt.Fprintf(out, "✓ Report saved to %s\n", reportPath)

	if baseline == nil && runErr == nil && critical == 0 {
		if err := baselineStore.Save(cfg.Project.ID, current); err != nil {
			return rpt, fmt.Errorf("failed to save baseline schema: %w", err)
		}
		fmt.Fprintln(out, "✓ Schema saved as baseline for future comparisons.")
	}

	fmt.Fprintf(out, "\nRestore completed. Report ID: %s\n", rpt.ID)
	if runErr != nil {
		return rpt, fmt.Errorf("restore failed: %w", runErr)
	}
	if critical > 0 {
		return rpt, fmt.Errorf("restore checks failed with %d critical failure(s)", critical)
	}
	return rpt, nil
}

// restoredSchema lists the tables of the backup that the run did not exclude.
func restoredSchema(meta *artifact.MetaData, summary *restore.Summary) *schema.Schema {
	s := &schema.Schema{
		Version:   "1",
		BackupID:  meta.BackupID,
		Timestamp: time.Now().UTC(),
	}
	for _, t := range meta.Tables {
		if _, excluded := summary.Excluded[t.QualifiedName()]; excluded {
			continue
		}
		s.Tables = append(s.Tables, *t.Clone())
	}
	return s
}

// describeNodeGroupMap rebuilds the map the live-apply consumer used, for
// the report. It is empty when the target cannot be mapped.
func describeNodeGroupMap(ctx context.Context, target cluster.Cluster, meta *artifact.MetaData, overrides map[uint32]uint32) string {
	groups, err := target.NodeGroups(ctx)
	if err != nil {
		return ""
	}
	m, err := nodegroup.New(meta.NodeGroups, uint32(len(groups)),
		nodegroup.WithOverrides(overrides),
		nodegroup.WithTargetReplicas(cluster.ReplicaCounts(groups)))
	if err != nil {
		return ""
	}
	return m.String()
}

func renderTableTuples(out io.Writer, summary *restore.Summary) {
	names := make([]string, 0, len(summary.TableTuples))
	for name := range summary.TableTuples {
		names = append(names, name)
	}
	sort.Strings(names)

	tw := table.NewWriter()
	tw.SetOutputMirror(out)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"Table", "Tuples"})
	for _, name := range names {
		tw.AppendRow(table.Row{name, summary.TableTuples[name]})
	}
	tw.AppendFooter(table.Row{"Total", summary.Tuples})
	tw.Render()
}

func init() {
	rootCmd.AddCommand(restoreCmd)
	restoreCmd.Flags().BoolVar(&restoreOpts.dryRun, "dry-run", false, "Restore into an in-memory cluster instead of the configured target")
	restoreCmd.Flags().BoolVar(&restoreOpts.print, "print", false, "Print the schema (and with -v the data and log) while restoring")
	restoreCmd.Flags().IntVar(&restoreOpts.parallelism, "parallelism", 0, "Number of tuple lanes (default from config)")
	restoreCmd.Flags().BoolVarP(&restoreOpts.verbose, "verbose", "v", false, "Enable verbose output")
}
