package report_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"restorable.io/cluster-restore/internal/artifact"
	"restorable.io/cluster-restore/internal/report"
	"restorable.io/cluster-restore/internal/restore"
	"restorable.io/cluster-restore/internal/schema"
	"restorable.io/cluster-restore/internal/signing"
	"restorable.io/cluster-restore/internal/verify"
)

func meta() *artifact.MetaData {
	return &artifact.MetaData{
		BackupID:   3,
		NodeID:     1,
		NodeGroups: 2,
		StartEpoch: 7,
		StopEpoch:  9,
		Tables: []*schema.Table{{
			ID:                 1,
			Schema:             "db",
			Name:               "t1",
			Columns:            []schema.Column{{Name: "id", DataType: "int"}},
			PrimaryKey:         []string{"id"},
			FragmentCount:      1,
			FragmentNodeGroups: []uint32{0},
		}},
	}
}

func TestRecorderKeepsCheckpointsInOrder(t *testing.T) {
	rec := report.NewRecorder()
	factory := func(int) ([]restore.Consumer, error) { return []restore.Consumer{rec}, nil }
	_, err := restore.NewCoordinator(restore.Input{Meta: meta()}, factory, restore.DefaultOptions()).Run(context.Background())
	require.NoError(t, err)

	cps := rec.Checkpoints()
	names := make([]string, len(cps))
	for i, cp := range cps {
		names[i] = cp.Name
		require.Equal(t, uint32(3), cp.BackupID)
		require.Equal(t, uint32(1), cp.NodeID)
	}
	require.Equal(t, []string{
		report.CheckpointStarted,
		report.CheckpointMetaData,
		report.CheckpointData,
		report.CheckpointLog,
		report.CheckpointCompleted,
	}, names)
}

func sampleReport(restoreErr error) *report.Report {
	start := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	summary := &restore.Summary{
		BackupID:    3,
		NodeID:      1,
		Tables:      []string{"db.t1"},
		TableTuples: map[string]int64{"db.t1": 4},
		StartedAt:   start,
		FinishedAt:  start.Add(2 * time.Second),
	}
	return report.NewReportBuilder().
		WithID("3f2a").
		WithProject("orders", "Orders").
		WithMachineID("restore-01").
		WithBackupSource("local:/backups/3").
		WithBackup(meta(), 2).
		WithTarget(report.TargetInfo{Type: "memory", NodeGroups: 1, Replicas: 1, NodeGroupMap: "0->0 1->0"}).
		WithRestore(summary, restoreErr).
		WithChecks([]verify.CheckResult{
			{Name: "apply_status", Level: verify.LevelCritical, Passed: true},
			{Name: "log_inconsistencies", Level: verify.LevelWarning, Passed: false},
		}).
		Build()
}

func TestBuildSummary(t *testing.T) {
	rpt := sampleReport(nil)
	require.True(t, rpt.Summary.Success)
	require.Equal(t, 2, rpt.Summary.TotalChecks)
	require.Equal(t, 1, rpt.Summary.PassedChecks)
	require.Equal(t, 1, rpt.Summary.WarningFailures)
	require.Equal(t, "2s", rpt.Summary.RestoreDuration)
	require.Equal(t, uint32(2), rpt.Backup.NodeGroups)

	failed := sampleReport(errors.New("log apply failed"))
	require.False(t, failed.Summary.Success)
	require.Equal(t, "log apply failed", failed.Summary.Error)
}

func TestWriteLoadAndList(t *testing.T) {
	dir := t.TempDir()
	older := sampleReport(nil)
	older.ID = "older"
	older.Timestamp = older.Timestamp.Add(-time.Hour)
	newer := sampleReport(nil)
	newer.ID = "newer"

	for _, r := range []*report.Report{older, newer} {
		_, err := report.WriteJSON(r, dir)
		require.NoError(t, err)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "junk.json"), []byte("{"), 0644))

	list, err := report.ListReports(dir)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "newer", list[0].ID)
	require.Equal(t, uint32(3), list[0].BackupID)

	loaded, err := report.LoadReport(list[1].Path)
	require.NoError(t, err)
	require.Equal(t, "older", loaded.ID)
	require.Equal(t, int64(4), loaded.Restore.TableTuples["db.t1"])

	missing, err := report.ListReports(filepath.Join(dir, "none"))
	require.NoError(t, err)
	require.Empty(t, missing)
}

func TestSignAndVerify(t *testing.T) {
	pub, priv, err := signing.GenerateSigningKeyPair()
	require.NoError(t, err)
	dir := t.TempDir()

	rpt := sampleReport(nil)
	require.NoError(t, report.Sign(rpt, priv))
	path, err := report.WriteJSON(rpt, dir)
	require.NoError(t, err)

	loaded, err := report.LoadReport(path)
	require.NoError(t, err)
	ok, err := report.Verify(loaded, pub)
	require.NoError(t, err)
	require.True(t, ok)

	loaded.Summary.Success = false
	ok, err = report.Verify(loaded, pub)
	require.NoError(t, err)
	require.False(t, ok)

	loaded.Signature = ""
	_, err = report.Verify(loaded, pub)
	require.Error(t, err)
}

func TestKeyFiles(t *testing.T) {
	pub, priv, err := signing.GenerateSigningKeyPair()
	require.NoError(t, err)
	dir := t.TempDir()
	privPath := filepath.Join(dir, "signing.key")
	require.Equal(t, filepath.Join(dir, "signing.pub"), report.PublicKeyPath(privPath))

	require.NoError(t, os.WriteFile(privPath, priv, 0600))
	require.NoError(t, os.WriteFile(report.PublicKeyPath(privPath), pub, 0644))

	loadedPriv, err := report.LoadPrivateKey(privPath)
	require.NoError(t, err)
	require.Equal(t, priv, loadedPriv)
	loadedPub, err := report.LoadPublicKey(report.PublicKeyPath(privPath))
	require.NoError(t, err)
	require.Equal(t, pub, loadedPub)

	require.NoError(t, os.WriteFile(privPath, []byte("short"), 0600))
	_, err = report.LoadPrivateKey(privPath)
	require.ErrorContains(t, err, "invalid private key size")
}
