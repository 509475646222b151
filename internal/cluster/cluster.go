// Package cluster is the live target a restore writes into.
package cluster

import (
	"context"

	"github.com/pingcap/errors"
	"restorable.io/cluster-restore/internal/artifact"
	"restorable.io/cluster-restore/internal/nodegroup"
	"restorable.io/cluster-restore/internal/schema"
)

var (
	ErrTableNotFound   = errors.Normalize("table %s does not exist", errors.RFCCodeText("Restore:Cluster:ErrTableNotFound"))
	ErrTableExists     = errors.Normalize("table %s already exists with a different definition", errors.RFCCodeText("Restore:Cluster:ErrTableExists"))
	ErrKeyNotFound     = errors.Normalize("no row with key %s in %s", errors.RFCCodeText("Restore:Cluster:ErrKeyNotFound"))
	ErrTemporary       = errors.Normalize("%s: temporary resource shortage", errors.RFCCodeText("Restore:Cluster:ErrTemporary"))
	ErrUnsupportedType = errors.Normalize("column type %q is not supported by the target", errors.RFCCodeText("Restore:Cluster:ErrUnsupportedType"))
)

// NodeGroup is one replica set of the target.
type NodeGroup struct {
	ID       uint32
	Replicas int
}

// Cluster is the storage and DDL surface of a running target cluster.
// Row operations carry the placement chosen by the caller. Implementations
// must not retain the values slice past the call.
type Cluster interface {
	// NodeGroups lists the node groups of the target, ordered by id.
	NodeGroups(ctx context.Context) ([]NodeGroup, error)

	ApplyObject(ctx context.Context, obj *artifact.Object) error
	// CreateTable creates t. Creating a table that exists with an equal
	// definition succeeds.
	CreateTable(ctx context.Context, t *schema.Table) error
	// LookupTable returns the definition of an existing table, or ErrTableNotFound.
	LookupTable(ctx context.Context, schemaName, name string) (*schema.Table, error)

	// Upsert writes a row, replacing any row with the same key.
	Upsert(ctx context.Context, t *schema.Table, p nodegroup.Placement, values []any) error
	// Update replaces an existing row, or fails with ErrKeyNotFound.
	Update(ctx context.Context, t *schema.Table, p nodegroup.Placement, values []any) error
	// Delete removes the row with the key of values, or fails with ErrKeyNotFound.
	Delete(ctx context.Context, t *schema.Table, p nodegroup.Placement, values []any) error
	// BuildIndexes builds the secondary structures of t. It is idempotent.
	BuildIndexes(ctx context.Context, t *schema.Table) error

	// EnsureSystemTable creates t if missing. System tables are not fragmented.
	EnsureSystemTable(ctx context.Context, t *schema.Table) error
	// ReadApplyStatus returns the stored status, or nil if there is none.
	ReadApplyStatus(ctx context.Context, t *schema.Table, backupID, nodeID uint32) (*artifact.ApplyStatus, error)
	WriteApplyStatus(ctx context.Context, t *schema.Table, status *artifact.ApplyStatus) error

	// IsTemporary reports whether err is expected to clear on retry.
	IsTemporary(err error) bool
	Close() error
}

// ReplicaCounts returns the live replica count of every node group.
func ReplicaCounts(groups []NodeGroup) []int {
	out := make([]int, len(groups))
	for i, g := range groups {
		out[i] = g.Replicas
	}
	return out
}
