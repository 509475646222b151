// Package consumer holds the restore consumers the CLI wires into a run:
// live apply into a cluster, printing, and validation.
package consumer

import (
	"context"
	"strconv"
	"time"

	"github.com/pingcap/errors"
	"go.uber.org/zap"
	"restorable.io/cluster-restore/internal/artifact"
	"restorable.io/cluster-restore/internal/cluster"
	"restorable.io/cluster-restore/internal/logutil"
	"restorable.io/cluster-restore/internal/metrics"
	"restorable.io/cluster-restore/internal/nodegroup"
	"restorable.io/cluster-restore/internal/restore"
	"restorable.io/cluster-restore/internal/schema"
)

const tableEqualTimeout = 30 * time.Second

// ApplyOptions configures a live-apply consumer.
type ApplyOptions struct {
	Cluster cluster.Cluster
	// Meta is the backup being restored; its node-group count sizes the map.
	Meta *artifact.MetaData
	// CreateSchema is set on the lane that restores objects and creates
	// tables. Other lanes bind to tables that already exist.
	CreateSchema bool
	// ApplyStatusTable is read at Init to resume an interrupted restore.
	// Nil disables resuming.
	ApplyStatusTable *schema.Table
	// Overrides pins original node groups to target node groups.
	Overrides map[uint32]uint32
}

// Apply writes the backup into a live cluster, remapping fragments onto the
// node groups the target has.
type Apply struct {
	restore.Base

	opts ApplyOptions

	ngMap  *nodegroup.Map
	tables map[uint32]*schema.Table

	resumed    bool
	resumeFrom uint64
	position   uint64
	statusTbl  *schema.Table
	tempErr    bool
}

var _ restore.Consumer = (*Apply)(nil)

// NewApply returns a live-apply consumer. It does nothing until Init.
func NewApply(opts ApplyOptions) *Apply {
	return &Apply{
		opts:   opts,
		tables: make(map[uint32]*schema.Table),
	}
}

// fail remembers whether err is worth a retry.
func (a *Apply) fail(err error) error {
	if err == nil {
		a.tempErr = false
		return nil
	}
	a.tempErr = a.opts.Cluster.IsTemporary(err)
	return err
}

// NodeGroupMap returns the map built at Init.
func (a *Apply) NodeGroupMap() *nodegroup.Map {
	return a.ngMap
}

// Init builds the node-group map from the target topology and reads the
// apply status of a previous attempt.
func (a *Apply) Init(ctx context.Context) error {
	if a.opts.Cluster == nil || a.opts.Meta == nil {
		return errors.New("apply consumer needs a cluster and backup metadata")
	}
	groups, err := a.opts.Cluster.NodeGroups(ctx)
	if err != nil {
		return a.fail(errors.Annotate(err, "read target node groups"))
	}
	m, err := nodegroup.New(a.opts.Meta.NodeGroups, uint32(len(groups)),
		nodegroup.WithOverrides(a.opts.Overrides),
		nodegroup.WithTargetReplicas(cluster.ReplicaCounts(groups)))
	if err != nil {
		a.tempErr = false
		return err
	}
	a.ngMap = m

	if a.opts.ApplyStatusTable != nil {
		st, err := a.opts.Cluster.ReadApplyStatus(ctx, a.opts.ApplyStatusTable, a.opts.Meta.BackupID, a.opts.Meta.NodeID)
		if err != nil {
			return a.fail(errors.Annotate(err, "read apply status"))
		}
		if st != nil {
			a.resumed = true
			a.resumeFrom = st.LogPosition
			a.position = st.LogPosition
		}
	}
	logutil.CL(ctx).Info("live apply ready",
		zap.Stringer("node-group-map", m),
		zap.Uint32("target-node-groups", m.TargetCount()),
		zap.Uint64("resume-from", a.resumeFrom))
	return a.fail(nil)
}

// Object implements restore.Consumer.
func (a *Apply) Object(ctx context.Context, obj *artifact.Object) error {
	if !a.opts.CreateSchema {
		return nil
	}
	return a.fail(a.opts.Cluster.ApplyObject(ctx, obj))
}

// Table creates the remapped table, or binds to the existing one when this
// consumer does not create schema.
func (a *Apply) Table(ctx context.Context, t *schema.Table) error {
	remapped, err := a.ngMap.Remap(t)
	if err != nil {
		a.tempErr = false
		return err
	}
	if a.opts.CreateSchema {
		if err := a.opts.Cluster.CreateTable(ctx, remapped); err != nil {
			return a.fail(err)
		}
	} else if _, err := a.opts.Cluster.LookupTable(ctx, t.Schema, t.Name); err != nil {
		return a.fail(err)
	}
	a.tables[t.ID] = remapped
	return a.fail(nil)
}

// TableEqual compares t with the table in the target. The callback carries
// no context, so the lookup is bounded by tableEqualTimeout.
func (a *Apply) TableEqual(t *schema.Table) bool {
	ctx, cancel := context.WithTimeout(context.Background(), tableEqualTimeout)
	defer cancel()
	existing, err := a.opts.Cluster.LookupTable(ctx, t.Schema, t.Name)
	if err != nil {
		return false
	}
	return schema.Equal(existing, t)
}

func (a *Apply) target(t *schema.Table) (*schema.Table, error) {
	target, ok := a.tables[t.ID]
	if !ok {
		return nil, errors.Errorf("table %s was not announced", t.QualifiedName())
	}
	return target, nil
}

// Tuple places the row by its fragment and upserts it. A resumed restore
// already holds the snapshot, and the log has moved on from it, so its
// tuples are not written again.
func (a *Apply) Tuple(ctx context.Context, tup *artifact.Tuple, fragmentID uint32) error {
	if a.resumed {
		return a.fail(nil)
	}
	target, err := a.target(tup.Table)
	if err != nil {
		return a.fail(err)
	}
	p, err := a.ngMap.Place(tup.Table, fragmentID)
	if err != nil {
		return a.fail(err)
	}
	if err := a.opts.Cluster.Upsert(ctx, target, p, tup.Values); err != nil {
		return a.fail(err)
	}
	metrics.PlacedRows.WithLabelValues(strconv.FormatUint(uint64(p.NodeGroup), 10)).Inc()
	return a.fail(nil)
}

// FinalizeTable builds the indexes of t. Repeated calls are no-ops in the
// target.
func (a *Apply) FinalizeTable(ctx context.Context, t *schema.Table) error {
	target, err := a.target(t)
	if err != nil {
		return a.fail(err)
	}
	return a.fail(a.opts.Cluster.BuildIndexes(ctx, target))
}

// LogEntry replays one change. Entries at or below the resume position were
// applied by an earlier attempt and are skipped.
func (a *Apply) LogEntry(ctx context.Context, e *artifact.LogEntry) error {
	if e.Seq <= a.resumeFrom {
		return a.fail(nil)
	}
	target, err := a.target(e.Table)
	if err != nil {
		return a.fail(err)
	}
	p, err := a.ngMap.Place(e.Table, e.FragmentID)
	if err != nil {
		return a.fail(err)
	}
	switch e.Op {
	case artifact.OpInsert:
		err = a.opts.Cluster.Upsert(ctx, target, p, e.Values)
	case artifact.OpUpdate:
		err = a.opts.Cluster.Update(ctx, target, p, e.Values)
	case artifact.OpDelete:
		err = a.opts.Cluster.Delete(ctx, target, p, e.Values)
	default:
		err = errors.Errorf("log entry %d has unknown operation %s", e.Seq, e.Op)
	}
	if err != nil && cluster.ErrKeyNotFound.Equal(err) {
		a.position = e.Seq
		a.tempErr = false
		return restore.ErrInconsistency.GenWithStackByArgs(e.Seq, e.Table.QualifiedName(), err.Error())
	}
	if err != nil {
		return a.fail(err)
	}
	a.position = e.Seq
	return a.fail(nil)
}

// Position is the sequence number of the last log entry handled, or the
// stored position when nothing past it was applied.
func (a *Apply) Position() uint64 {
	return a.position
}

// CreateSystable implements restore.Consumer.
func (a *Apply) CreateSystable(ctx context.Context, t *schema.Table) error {
	if err := a.opts.Cluster.EnsureSystemTable(ctx, t); err != nil {
		return a.fail(err)
	}
	a.statusTbl = t
	return a.fail(nil)
}

// UpdateApplyStatus records how far the log was applied, and the stop
// epoch of the backup.
func (a *Apply) UpdateApplyStatus(ctx context.Context, meta *artifact.MetaData) error {
	if a.statusTbl == nil {
		return errors.New("apply status table was not created")
	}
	status := &artifact.ApplyStatus{
		BackupID:    meta.BackupID,
		NodeID:      meta.NodeID,
		LogPosition: a.position,
		Epoch:       meta.StopEpoch,
		UpdatedAt:   time.Now().UTC(),
	}
	if err := a.opts.Cluster.WriteApplyStatus(ctx, a.statusTbl, status); err != nil {
		return a.fail(err)
	}
	logutil.CL(ctx).Info("apply status updated",
		zap.Uint64("log-position", status.LogPosition),
		zap.Uint64("epoch", status.Epoch))
	return a.fail(nil)
}

// HasTempError implements restore.Consumer.
func (a *Apply) HasTempError() bool {
	return a.tempErr
}
