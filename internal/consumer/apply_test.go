package consumer_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"restorable.io/cluster-restore/internal/artifact"
	"restorable.io/cluster-restore/internal/cluster"
	"restorable.io/cluster-restore/internal/consumer"
	"restorable.io/cluster-restore/internal/nodegroup"
	"restorable.io/cluster-restore/internal/restore"
	"restorable.io/cluster-restore/internal/schema"
)

func applyRun(t *testing.T, s *scenario, target *cluster.Memory, opts restore.Options, overrides map[uint32]uint32) (*restore.Summary, error) {
	t.Helper()
	set := consumer.Set{Apply: &consumer.ApplyOptions{
		Cluster:          target,
		Meta:             s.in.Meta,
		ApplyStatusTable: opts.ApplyStatusTable,
		Overrides:        overrides,
	}}
	return restore.NewCoordinator(s.in, set.Factory(opts.RestoreMeta), opts).Run(context.Background())
}

func keys(rows []cluster.Row) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.Key
	}
	return out
}

func TestApplyShrinksNodeGroups(t *testing.T) {
	s := backup()
	target := cluster.NewMemory(1, 2)
	summary, err := applyRun(t, s, target, options(), nil)
	require.NoError(t, err)

	require.Len(t, target.Objects(), 1)
	require.Equal(t, []string{"db.t1", "db.t2"}, target.Tables())

	created, err := target.LookupTable(context.Background(), "db", "t1")
	require.NoError(t, err)
	require.Equal(t, []uint32{0, 0}, created.FragmentNodeGroups)

	rows := target.Rows("db.t1")
	require.Equal(t, []string{"1", "3", "4", "5"}, keys(rows))
	for _, r := range rows {
		require.Equal(t, uint32(0), r.NodeGroup)
	}
	require.Equal(t, []any{int64(1), "x"}, rows[0].Values)
	require.Len(t, target.Rows("db.t2"), 2)

	require.Equal(t, 1, target.IndexBuilds("db.t1"))
	require.Equal(t, 1, target.IndexBuilds("db.t2"))

	st, err := target.ReadApplyStatus(context.Background(), options().ApplyStatusTable, 5, 1)
	require.NoError(t, err)
	require.NotNil(t, st)
	require.Equal(t, uint64(3), st.LogPosition)
	require.Equal(t, uint64(200), st.Epoch)
	require.Equal(t, st.LogPosition, summary.ApplyStatus.LogPosition)
	require.Empty(t, summary.Inconsistencies)
}

func TestApplyKeepsFragmentsOnSameCount(t *testing.T) {
	s := backup()
	target := cluster.NewMemory(2, 1)
	_, err := applyRun(t, s, target, options(), nil)
	require.NoError(t, err)
	for _, r := range target.Rows("db.t1") {
		require.Equal(t, r.Fragment, r.NodeGroup, "fragment %d", r.Fragment)
	}
}

func TestApplyOverrides(t *testing.T) {
	s := backup()
	target := cluster.NewMemory(2, 1)
	_, err := applyRun(t, s, target, options(), map[uint32]uint32{1: 0})
	require.NoError(t, err)
	for _, r := range target.Rows("db.t1") {
		require.Equal(t, uint32(0), r.NodeGroup)
	}
}

func TestApplyUnplaceableFailsInit(t *testing.T) {
	s := backup()
	target := cluster.NewMemory(2, 1)
	target.SetReplicas(1, 0)
	summary, err := applyRun(t, s, target, options(), nil)
	require.True(t, restore.Is(err, restore.ErrInitFailed), "got %v", err)
	require.True(t, restore.Is(err, nodegroup.ErrUnplaceable), "got %v", err)
	require.Nil(t, summary.ApplyStatus)
	require.Empty(t, target.Tables())
}

func TestApplyDoesNotKeepTupleBuffers(t *testing.T) {
	s := backup()
	target := cluster.NewMemory(1, 1)
	_, err := applyRun(t, s, target, options(), nil)
	require.NoError(t, err)
	for _, tup := range s.tuples {
		tup.Values[1] = "recycled"
	}
	for _, r := range target.Rows("db.t2") {
		require.Equal(t, "b", r.Values[1])
	}
}

func TestApplyInconsistencyIsNotFatal(t *testing.T) {
	s := backup()
	s.in.Parts[0].Log = &logSlice{entries: []*artifact.LogEntry{
		{Seq: 1, Table: s.t1, Op: artifact.OpUpdate, FragmentID: 1, Values: []any{int64(42), "x"}},
		{Seq: 2, Table: s.t1, Op: artifact.OpDelete, FragmentID: 0, Values: []any{int64(43), nil}},
		{Seq: 3, Table: s.t1, Op: artifact.OpInsert, FragmentID: 1, Values: []any{int64(5), "y"}},
	}}
	target := cluster.NewMemory(1, 1)
	summary, err := applyRun(t, s, target, options(), nil)
	require.NoError(t, err)
	require.Len(t, summary.Inconsistencies, 2)
	require.Equal(t, uint64(3), summary.ApplyStatus.LogPosition)
	require.Equal(t, []string{"1", "2", "3", "4", "5"}, keys(target.Rows("db.t1")))
}

func TestApplyResumesAfterStoredPosition(t *testing.T) {
	clean := cluster.NewMemory(1, 1)
	_, err := applyRun(t, backup(), clean, options(), nil)
	require.NoError(t, err)

	// an earlier run got through log entry 2
	target := cluster.NewMemory(1, 1)
	partial := backup()
	log := partial.in.Parts[0].Log.(*logSlice)
	log.entries = log.entries[:2]
	summary, err := applyRun(t, partial, target, options(), nil)
	require.NoError(t, err)
	require.Equal(t, uint64(2), summary.ApplyStatus.LogPosition)

	summary, err = applyRun(t, backup(), target, options(), nil)
	require.NoError(t, err)
	require.Equal(t, uint64(3), summary.ApplyStatus.LogPosition)
	require.Equal(t, clean.Rows("db.t1"), target.Rows("db.t1"))
	require.Equal(t, clean.Rows("db.t2"), target.Rows("db.t2"))
}

func TestApplyRerunIsIdempotent(t *testing.T) {
	target := cluster.NewMemory(1, 1)
	_, err := applyRun(t, backup(), target, options(), nil)
	require.NoError(t, err)
	first := target.Rows("db.t1")

	summary, err := applyRun(t, backup(), target, options(), nil)
	require.NoError(t, err)
	rows := target.Rows("db.t1")
	require.Equal(t, first, rows)
	require.Equal(t, []string{"1", "3", "4", "5"}, keys(rows))
	require.Equal(t, []any{int64(1), "x"}, rows[0].Values)
	require.Equal(t, []string{"db.t1", "db.t2"}, target.Tables())
	require.Equal(t, 1, target.IndexBuilds("db.t1"))
	require.Equal(t, uint64(3), summary.ApplyStatus.LogPosition)
}

func TestApplySummaryKeepsStoredPosition(t *testing.T) {
	ctx := context.Background()
	target := cluster.NewMemory(1, 1)
	_, err := applyRun(t, backup(), target, options(), nil)
	require.NoError(t, err)
	st := options().ApplyStatusTable
	require.NoError(t, target.WriteApplyStatus(ctx, st, &artifact.ApplyStatus{BackupID: 5, NodeID: 1, LogPosition: 5, Epoch: 200}))

	summary, err := applyRun(t, backup(), target, options(), nil)
	require.NoError(t, err)
	stored, err := target.ReadApplyStatus(ctx, st, 5, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(5), stored.LogPosition)
	require.Equal(t, stored.LogPosition, summary.ApplyStatus.LogPosition)
}

func TestApplyRetriesTemporaryFaults(t *testing.T) {
	s := backup()
	target := cluster.NewMemory(1, 1)
	target.InjectTemporaryFaults("Upsert", 2)
	target.InjectTemporaryFaults("WriteApplyStatus", 1)
	summary, err := applyRun(t, s, target, options(), nil)
	require.NoError(t, err)
	require.Equal(t, int64(3), summary.Retries)
	require.Len(t, target.Rows("db.t2"), 2)
}

func TestApplyRetryExhaustion(t *testing.T) {
	s := backup()
	target := cluster.NewMemory(1, 1)
	target.InjectTemporaryFaults("BuildIndexes", 10)
	summary, err := applyRun(t, s, target, options(), nil)
	require.True(t, restore.Is(err, restore.ErrRetryExhausted), "got %v", err)
	require.Nil(t, summary.ApplyStatus)

	st, err := target.ReadApplyStatus(context.Background(), options().ApplyStatusTable, 5, 1)
	require.NoError(t, err)
	require.Nil(t, st)
}

func TestApplyDataOnlyNeedsMatchingTables(t *testing.T) {
	ctx := context.Background()
	opts := options()
	opts.RestoreMeta = false

	target := cluster.NewMemory(1, 1)
	_, err := applyRun(t, backup(), target, opts, nil)
	require.True(t, restore.Is(err, restore.ErrSchemaMismatch), "got %v", err)

	s := backup()
	for _, tbl := range s.in.Meta.Tables {
		require.NoError(t, target.CreateTable(ctx, tbl))
	}
	summary, err := applyRun(t, s, target, opts, nil)
	require.NoError(t, err)
	require.Empty(t, target.Objects())
	require.Equal(t, int64(6), summary.Tuples)
}

func TestApplyParallelLanes(t *testing.T) {
	t1 := table(1, "t1", 0, 1, 2, 3)
	meta := &artifact.MetaData{BackupID: 9, NodeID: 2, NodeGroups: 4, StopEpoch: 50, Tables: []*schema.Table{t1}}
	in := restore.Input{Meta: meta}
	for part := 0; part < 4; part++ {
		tuples := &tupleSlice{}
		for i := 0; i < 10; i++ {
			id := int64(part*10 + i)
			tuples.rows = append(tuples.rows, &artifact.Tuple{Table: t1, FragmentID: uint32(part), Values: []any{id, "v"}})
		}
		// part p holds log sequence numbers p+1, p+5, ...
		log := &logSlice{}
		for seq := uint64(part + 1); seq <= 12; seq += 4 {
			log.entries = append(log.entries, &artifact.LogEntry{
				Seq: seq, Table: t1, Op: artifact.OpInsert, FragmentID: uint32(part),
				Values: []any{int64(1000 + seq), "log"},
			})
		}
		in.Parts = append(in.Parts, restore.Part{Name: fmt.Sprintf("part-%d", part), Tuples: tuples, Log: log})
	}

	target := cluster.NewMemory(2, 1)
	opts := options()
	opts.Parallelism = 4
	set := consumer.Set{Apply: &consumer.ApplyOptions{Cluster: target, Meta: meta, ApplyStatusTable: opts.ApplyStatusTable}}
	summary, err := restore.NewCoordinator(in, set.Factory(true), opts).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, summary.Lanes)
	require.Equal(t, int64(40), summary.Tuples)
	require.Equal(t, int64(12), summary.LogEntries)
	require.Equal(t, uint64(12), summary.ApplyStatus.LogPosition)

	rows := target.Rows("db.t1")
	require.Len(t, rows, 52)
	for _, r := range rows {
		require.Equal(t, r.Fragment%2, r.NodeGroup)
	}
	require.Equal(t, 1, target.IndexBuilds("db.t1"))
}
