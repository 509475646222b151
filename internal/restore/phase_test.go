package restore_test

import (
	"context"
	"testing"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"
	"restorable.io/cluster-restore/internal/artifact"
	"restorable.io/cluster-restore/internal/restore"
)

type closingConsumer struct {
	restore.Base
	closed bool
}

func (c *closingConsumer) Close() error {
	c.closed = true
	return nil
}

func TestGuardRejectsOutOfOrderCalls(t *testing.T) {
	ctx := context.Background()
	j := &journal{}
	g := restore.Guard(newRecorder(j))
	t1 := table(1, "t1", 0)

	err := g.EndOfTables(ctx)
	require.True(t, restore.Is(err, restore.ErrProtocolViolation))
	require.False(t, g.TableEqual(t1), "table_equal needs an initialized consumer")

	require.NoError(t, g.Init(ctx))
	require.True(t, restore.Is(g.Init(ctx), restore.ErrProtocolViolation))
	require.NoError(t, g.Object(ctx, &artifact.Object{ID: 1}))
	require.NoError(t, g.Table(ctx, t1))
	require.NoError(t, g.EndOfTables(ctx))

	require.True(t, restore.Is(g.Table(ctx, t1), restore.ErrProtocolViolation))
	require.True(t, restore.Is(g.Object(ctx, &artifact.Object{ID: 2}), restore.ErrProtocolViolation))

	other := table(9, "other", 0)
	err = g.Tuple(ctx, &artifact.Tuple{Table: other, Values: []any{int64(1), nil}}, 0)
	require.True(t, restore.Is(err, restore.ErrProtocolViolation))

	g.TupleFree(&artifact.Tuple{Table: t1})
	require.Error(t, g.Violations(), "tuple_free outside the tuple phase is recorded")

	require.Equal(t, []string{"init", "object:1", "table:db.t1", "end_of_tables"}, j.all())
	require.Equal(t, restore.PhaseTablesDone, g.Phase())
}

func TestGuardLogAndBookkeeping(t *testing.T) {
	ctx := context.Background()
	g := restore.Guard(newRecorder(&journal{}))
	t1 := table(1, "t1", 0)
	require.NoError(t, g.Init(ctx))
	require.NoError(t, g.Table(ctx, t1))
	require.NoError(t, g.EndOfTables(ctx))

	require.True(t, restore.Is(g.LogEntry(ctx, &artifact.LogEntry{Seq: 1, Table: t1}), restore.ErrProtocolViolation),
		"log entries wait for the end of tuples")
	require.NoError(t, g.EndOfTuples(ctx))
	require.True(t, restore.Is(g.FinalizeTable(ctx, table(9, "other", 0)), restore.ErrProtocolViolation))
	require.NoError(t, g.FinalizeTable(ctx, t1))
	require.NoError(t, g.FinalizeTable(ctx, t1), "finalize may be repeated")

	require.NoError(t, g.LogEntry(ctx, &artifact.LogEntry{Seq: 2, Table: t1}))
	require.True(t, restore.Is(g.LogEntry(ctx, &artifact.LogEntry{Seq: 2, Table: t1}), restore.ErrProtocolViolation))
	require.NoError(t, g.LogEntry(ctx, &artifact.LogEntry{Seq: 5, Table: t1}))
	require.True(t, restore.Is(g.UpdateApplyStatus(ctx, &artifact.MetaData{}), restore.ErrProtocolViolation))
	require.NoError(t, g.EndOfLogEntries(ctx))

	require.NoError(t, g.CreateSystable(ctx, artifact.ApplyStatusTable("restore", "apply_status")))
	require.NoError(t, g.UpdateApplyStatus(ctx, &artifact.MetaData{}))
	require.True(t, restore.Is(g.UpdateApplyStatus(ctx, &artifact.MetaData{}), restore.ErrProtocolViolation),
		"apply status is written once")
	require.True(t, restore.Is(g.CreateSystable(ctx, artifact.ApplyStatusTable("restore", "apply_status")), restore.ErrProtocolViolation))
}

func TestGuardAllowsRetryAfterFailure(t *testing.T) {
	ctx := context.Background()
	rec := newRecorder(&journal{})
	g := restore.Guard(rec)

	rec.fail["init"] = errors.New("connection refused")
	require.Error(t, g.Init(ctx))
	require.Equal(t, restore.PhaseNone, g.Phase())
	delete(rec.fail, "init")
	require.NoError(t, g.Init(ctx))
	require.NoError(t, g.Violations())
}

func TestGuardClosesInner(t *testing.T) {
	inner := &closingConsumer{}
	g := restore.Guard(inner)
	require.NoError(t, g.Close())
	require.True(t, inner.closed)
	require.Same(t, inner, g.Unwrap())

	require.NoError(t, restore.Guard(restore.Base{}).Close())
}

func TestPhaseString(t *testing.T) {
	require.Equal(t, "tuples", restore.PhaseTuples.String())
	require.Equal(t, "status-updated", restore.PhaseStatusUpdated.String())
	require.Equal(t, "unknown", restore.Phase(99).String())
}
