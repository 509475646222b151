// Package restore drives backup artifacts through a set of consumers in the
// fixed phase order Init, objects, tables, tuples, finalize, log and
// bookkeeping, and owns the failure policy applied to their callbacks.
package restore

import (
	"context"

	"restorable.io/cluster-restore/internal/artifact"
	"restorable.io/cluster-restore/internal/schema"
)

// Consumer is a sink the coordinator streams a backup through. Callbacks are
// invoked one at a time in phase order; see Guard for the allowed transitions.
//
// Consumers embed Base and override only the phases they care about.
// A consumer that also implements io.Closer is closed when the run ends.
type Consumer interface {
	// Init acquires whatever the consumer needs. Failure aborts the restore.
	Init(ctx context.Context) error

	// Object restores one cluster-level schema object. Failure aborts the restore.
	Object(ctx context.Context, obj *artifact.Object) error

	// Table announces a table. Failure excludes the table from every later phase.
	Table(ctx context.Context, t *schema.Table) error
	// TableEqual reports whether t matches the table already known to the
	// consumer. It must not change consumer state.
	TableEqual(t *schema.Table) bool
	// EndOfTables closes the table phase. Failure aborts the restore.
	EndOfTables(ctx context.Context) error

	// Tuple applies one row of fragment fragmentID. Failure excludes the table.
	Tuple(ctx context.Context, tup *artifact.Tuple, fragmentID uint32) error
	// TupleFree tells the consumer the tuple is about to be recycled.
	TupleFree(tup *artifact.Tuple)
	// EndOfTuples closes the tuple phase. Failure aborts the restore.
	EndOfTuples(ctx context.Context) error

	// FinalizeTable rebuilds indexes and constraints of t. It must be idempotent.
	FinalizeTable(ctx context.Context, t *schema.Table) error

	// LogEntry applies one change, in global sequence order. An error
	// matching ErrInconsistency is recorded and the restore continues.
	LogEntry(ctx context.Context, e *artifact.LogEntry) error
	// EndOfLogEntries closes the log phase. Failure aborts the restore.
	EndOfLogEntries(ctx context.Context) error

	// CreateSystable ensures the table holding the apply status exists.
	CreateSystable(ctx context.Context, t *schema.Table) error
	// UpdateApplyStatus persists the progress marker of the restore.
	UpdateApplyStatus(ctx context.Context, meta *artifact.MetaData) error

	// Report callbacks are best effort: errors are logged and dropped.
	ReportStarted(ctx context.Context, backupID, nodeID uint32) error
	ReportMetaData(ctx context.Context, backupID, nodeID uint32) error
	ReportData(ctx context.Context, backupID, nodeID uint32) error
	ReportLog(ctx context.Context, backupID, nodeID uint32) error
	ReportCompleted(ctx context.Context, backupID, nodeID uint32) error

	// HasTempError reports whether the last failure is expected to clear on retry.
	HasTempError() bool
}

// Positioner is implemented by consumers that persist their own log
// position. After a resume it can be ahead of the entries of the run.
type Positioner interface {
	Position() uint64
}

// Base implements every callback as a successful no-op.
type Base struct{}

var _ Consumer = Base{}

func (Base) Init(context.Context) error                                  { return nil }
func (Base) Object(context.Context, *artifact.Object) error              { return nil }
func (Base) Table(context.Context, *schema.Table) error                  { return nil }
func (Base) TableEqual(*schema.Table) bool                               { return true }
func (Base) EndOfTables(context.Context) error                           { return nil }
func (Base) Tuple(context.Context, *artifact.Tuple, uint32) error        { return nil }
func (Base) TupleFree(*artifact.Tuple)                                   {}
func (Base) EndOfTuples(context.Context) error                           { return nil }
func (Base) FinalizeTable(context.Context, *schema.Table) error          { return nil }
func (Base) LogEntry(context.Context, *artifact.LogEntry) error          { return nil }
func (Base) EndOfLogEntries(context.Context) error                       { return nil }
func (Base) CreateSystable(context.Context, *schema.Table) error         { return nil }
func (Base) UpdateApplyStatus(context.Context, *artifact.MetaData) error { return nil }
func (Base) ReportStarted(context.Context, uint32, uint32) error         { return nil }
func (Base) ReportMetaData(context.Context, uint32, uint32) error        { return nil }
func (Base) ReportData(context.Context, uint32, uint32) error            { return nil }
func (Base) ReportLog(context.Context, uint32, uint32) error             { return nil }
func (Base) ReportCompleted(context.Context, uint32, uint32) error       { return nil }
func (Base) HasTempError() bool                                          { return false }
