package cluster_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"restorable.io/cluster-restore/internal/artifact"
	"restorable.io/cluster-restore/internal/cluster"
	"restorable.io/cluster-restore/internal/nodegroup"
)

// Needs a Docker daemon; run with CLUSTER_RESTORE_DOCKER_TESTS=1.
func TestEphemeralRoundTrip(t *testing.T) {
	if testing.Short() || os.Getenv("CLUSTER_RESTORE_DOCKER_TESTS") == "" {
		t.Skip("docker tests disabled")
	}
	ctx := context.Background()
	e, err := cluster.StartEphemeral(ctx, cluster.EphemeralOptions{
		Image:    "postgres:16-alpine",
		Database: "restore",
		User:     "restore",
		Password: "restore",
		Postgres: cluster.PostgresOptions{NodeGroups: 1, Replicas: 1},
	})
	require.NoError(t, err)
	defer e.Close()

	tbl := accounts()
	require.NoError(t, e.CreateTable(ctx, tbl))
	require.NoError(t, e.CreateTable(ctx, tbl))
	require.NoError(t, e.Upsert(ctx, tbl, nodegroup.Placement{}, []any{int64(1), "ann"}))
	require.NoError(t, e.Update(ctx, tbl, nodegroup.Placement{}, []any{int64(1), "amy"}))
	err = e.Delete(ctx, tbl, nodegroup.Placement{}, []any{int64(2), nil})
	require.True(t, cluster.ErrKeyNotFound.Equal(err))
	require.NoError(t, e.BuildIndexes(ctx, tbl))
	require.NoError(t, e.BuildIndexes(ctx, tbl))

	st := artifact.ApplyStatusTable("restore", "apply_status")
	got, err := e.ReadApplyStatus(ctx, st, 5, 1)
	require.NoError(t, err)
	require.Nil(t, got)
	require.NoError(t, e.EnsureSystemTable(ctx, st))
	require.NoError(t, e.WriteApplyStatus(ctx, st, &artifact.ApplyStatus{BackupID: 5, NodeID: 1, LogPosition: 3, Epoch: 200}))
	got, err = e.ReadApplyStatus(ctx, st, 5, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(3), got.LogPosition)
}
