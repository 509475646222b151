package verify_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"restorable.io/cluster-restore/internal/artifact"
	"restorable.io/cluster-restore/internal/restore"
	"restorable.io/cluster-restore/internal/schema"
	"restorable.io/cluster-restore/internal/verify"
)

func snapshot(names ...string) *schema.Schema {
	s := &schema.Schema{}
	for _, n := range names {
		s.Tables = append(s.Tables, schema.Table{Schema: "db", Name: n})
	}
	return s
}

func cleanInput() *verify.Input {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return &verify.Input{
		Summary: &restore.Summary{
			Tables:      []string{"db.a", "db.b"},
			Tuples:      6,
			TableTuples: map[string]int64{"db.a": 4, "db.b": 2},
			LogEntries:  3,
			ApplyStatus: &artifact.ApplyStatus{LogPosition: 3, Epoch: 200},
			StartedAt:   start,
			FinishedAt:  start.Add(1500 * time.Millisecond),
		},
		Current:       snapshot("a", "b"),
		EpochRestored: true,
	}
}

func byName(results []verify.CheckResult) map[string]verify.CheckResult {
	out := make(map[string]verify.CheckResult, len(results))
	for _, r := range results {
		out[r.Name] = r
	}
	return out
}

func TestCleanRestorePassesEverything(t *testing.T) {
	checkers := verify.DefaultCheckers(verify.Options{Schema: true, Tuples: true, MinNonEmptyTables: 2})
	results := verify.RunChecks(context.Background(), checkers, cleanInput())
	require.Len(t, results, 9)
	for _, r := range results {
		require.True(t, r.Passed, "%s: %s", r.Name, r.Message)
	}
	require.False(t, verify.HasCriticalFailure(results))

	got := byName(results)
	require.Equal(t, "Applied through log position 3 at epoch 200", got["apply_status"].Message)
	require.Equal(t, "2/2 tables have data (6 tuples)", got["non_empty_tables"].Message)
	require.Equal(t, "Restore completed in 1.5s", got["restore_duration"].Message)
}

func TestDefaultCheckersHonorsSwitches(t *testing.T) {
	results := verify.RunChecks(context.Background(), verify.DefaultCheckers(verify.Options{}), cleanInput())
	got := byName(results)
	require.Len(t, got, 5)
	require.NotContains(t, got, "tables_exist")
	require.NotContains(t, got, "non_empty_tables")
}

func TestBaselineComparison(t *testing.T) {
	in := cleanInput()
	in.Baseline = snapshot("a", "gone", "b")
	in.Current = snapshot("a", "b", "new")

	got := byName(verify.RunChecks(context.Background(), []verify.Checker{
		verify.NewTablesExistChecker(),
		verify.NewTableCountChecker(),
		verify.NewNewTablesChecker(),
	}, in))

	require.False(t, got["tables_exist"].Passed)
	require.Equal(t, "Missing 1 tables: db.gone", got["tables_exist"].Message)
	require.True(t, got["table_count"].Passed)
	require.Equal(t, "Found 1 new tables: db.new", got["new_tables"].Message)

	in.Current = snapshot("a")
	got = byName(verify.RunChecks(context.Background(), []verify.Checker{verify.NewTableCountChecker()}, in))
	require.False(t, got["table_count"].Passed)
}

func TestRestoreProblemsFail(t *testing.T) {
	in := cleanInput()
	in.Summary.Excluded = map[string]string{"db.b": "finalize: disk full"}
	in.Summary.Inconsistencies = []string{"log entry 2 on db.a: key 7 not found"}
	in.Summary.ApplyStatus = nil
	in.Summary.TableTuples = map[string]int64{"db.a": 0, "db.b": 2}
	in.Findings = multierr.Combine(errors.New("tuple on db.a: duplicate key 1"), errors.New("other"))

	checkers := verify.DefaultCheckers(verify.Options{Tuples: true, MinNonEmptyTables: 1, MaxDuration: time.Second})
	results := verify.RunChecks(context.Background(), checkers, in)
	got := byName(results)

	require.Equal(t, "1 tables excluded: db.b (finalize: disk full)", got["excluded_tables"].Message)
	require.False(t, got["apply_status"].Passed)
	require.False(t, got["log_inconsistencies"].Passed)
	require.Equal(t, "2 validation findings, first: tuple on db.a: duplicate key 1", got["validation"].Message)
	require.Equal(t, "Only 0 tables have data (minimum: 1)", got["non_empty_tables"].Message)
	require.False(t, got["restore_duration"].Passed)
	require.Equal(t, verify.LevelWarning, got["restore_duration"].Level)

	critical, warning, info := verify.CountFailures(results)
	require.Equal(t, 3, critical)
	require.Equal(t, 3, warning)
	require.Zero(t, info)
	require.True(t, verify.HasCriticalFailure(results))
}

func TestApplyStatusSkippedWithoutEpoch(t *testing.T) {
	in := cleanInput()
	in.Summary.ApplyStatus = nil
	in.EpochRestored = false
	r := verify.NewApplyStatusChecker().Check(context.Background(), in)
	require.True(t, r.Passed)
	require.Equal(t, verify.LevelInfo, r.Level)
}
