package restore

import (
	"context"
	"io"

	"go.uber.org/multierr"
	"restorable.io/cluster-restore/internal/artifact"
	"restorable.io/cluster-restore/internal/schema"
)

// Phase is the position of a consumer in the restore protocol.
type Phase int

const (
	PhaseNone Phase = iota
	PhaseInit
	PhaseObjects
	PhaseTables
	PhaseTablesDone
	PhaseTuples
	PhaseTuplesDone
	PhaseFinalize
	PhaseLog
	PhaseLogDone
	PhaseSystable
	PhaseStatusUpdated
)

var phaseNames = [...]string{
	PhaseNone:          "none",
	PhaseInit:          "init",
	PhaseObjects:       "objects",
	PhaseTables:        "tables",
	PhaseTablesDone:    "tables-done",
	PhaseTuples:        "tuples",
	PhaseTuplesDone:    "tuples-done",
	PhaseFinalize:      "finalize",
	PhaseLog:           "log",
	PhaseLogDone:       "log-done",
	PhaseSystable:      "systable",
	PhaseStatusUpdated: "status-updated",
}

func (p Phase) String() string {
	if p >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return "unknown"
}

func (p Phase) in(allowed ...Phase) bool {
	for _, a := range allowed {
		if p == a {
			return true
		}
	}
	return false
}

// GuardedConsumer enforces the phase order on the consumer it wraps.
// Out-of-order calls fail with ErrProtocolViolation and never reach the
// wrapped consumer.
type GuardedConsumer struct {
	inner Consumer
	phase Phase

	tables  map[uint32]bool
	lastSeq uint64

	violations error
}

var _ Consumer = (*GuardedConsumer)(nil)

// Guard wraps c with the protocol state machine.
func Guard(c Consumer) *GuardedConsumer {
	return &GuardedConsumer{
		inner:  c,
		tables: make(map[uint32]bool),
	}
}

// Unwrap returns the guarded consumer.
func (g *GuardedConsumer) Unwrap() Consumer { return g.inner }

// Phase returns the current phase.
func (g *GuardedConsumer) Phase() Phase { return g.phase }

// Violations returns every protocol violation seen so far, including the
// ones from callbacks that cannot return an error.
func (g *GuardedConsumer) Violations() error { return g.violations }

// Close closes the wrapped consumer if it is an io.Closer.
func (g *GuardedConsumer) Close() error {
	if c, ok := g.inner.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (g *GuardedConsumer) violate(call string) error {
	err := ErrProtocolViolation.GenWithStackByArgs(call, g.phase)
	g.violations = multierr.Append(g.violations, err)
	return err
}

// call moves to next if the current phase allows it and runs fn. A failed
// callback that cannot be repeated from next leaves the phase unchanged so
// the coordinator may retry it.
func (g *GuardedConsumer) call(name string, next Phase, allowed []Phase, fn func() error) error {
	if !g.phase.in(allowed...) {
		return g.violate(name)
	}
	prev := g.phase
	g.phase = next
	err := fn()
	if err != nil && !next.in(allowed...) {
		g.phase = prev
	}
	return err
}

func phases(p ...Phase) []Phase { return p }

func (g *GuardedConsumer) Init(ctx context.Context) error {
	return g.call("init", PhaseInit, phases(PhaseNone), func() error {
		return g.inner.Init(ctx)
	})
}

func (g *GuardedConsumer) Object(ctx context.Context, obj *artifact.Object) error {
	return g.call("object", PhaseObjects, phases(PhaseInit, PhaseObjects), func() error {
		return g.inner.Object(ctx, obj)
	})
}

func (g *GuardedConsumer) Table(ctx context.Context, t *schema.Table) error {
	return g.call("table", PhaseTables, phases(PhaseInit, PhaseObjects, PhaseTables), func() error {
		g.tables[t.ID] = true
		return g.inner.Table(ctx, t)
	})
}

func (g *GuardedConsumer) TableEqual(t *schema.Table) bool {
	if g.phase == PhaseNone {
		g.violate("table_equal")
		return false
	}
	return g.inner.TableEqual(t)
}

func (g *GuardedConsumer) EndOfTables(ctx context.Context) error {
	return g.call("end_of_tables", PhaseTablesDone, phases(PhaseInit, PhaseObjects, PhaseTables), func() error {
		return g.inner.EndOfTables(ctx)
	})
}

func (g *GuardedConsumer) Tuple(ctx context.Context, tup *artifact.Tuple, fragmentID uint32) error {
	if !g.tables[tup.Table.ID] {
		return g.violate("tuple of unannounced table " + tup.Table.QualifiedName())
	}
	return g.call("tuple", PhaseTuples, phases(PhaseTablesDone, PhaseTuples), func() error {
		return g.inner.Tuple(ctx, tup, fragmentID)
	})
}

func (g *GuardedConsumer) TupleFree(tup *artifact.Tuple) {
	if g.phase != PhaseTuples {
		g.violate("tuple_free")
		return
	}
	g.inner.TupleFree(tup)
}

func (g *GuardedConsumer) EndOfTuples(ctx context.Context) error {
	return g.call("end_of_tuples", PhaseTuplesDone, phases(PhaseTablesDone, PhaseTuples), func() error {
		return g.inner.EndOfTuples(ctx)
	})
}

func (g *GuardedConsumer) FinalizeTable(ctx context.Context, t *schema.Table) error {
	if !g.tables[t.ID] {
		return g.violate("finalize_table of unannounced table " + t.QualifiedName())
	}
	return g.call("finalize_table", PhaseFinalize, phases(PhaseTuplesDone, PhaseFinalize), func() error {
		return g.inner.FinalizeTable(ctx, t)
	})
}

func (g *GuardedConsumer) LogEntry(ctx context.Context, e *artifact.LogEntry) error {
	if e.Seq <= g.lastSeq {
		return g.violate("out of order log entry")
	}
	return g.call("log_entry", PhaseLog, phases(PhaseTuplesDone, PhaseFinalize, PhaseLog), func() error {
		err := g.inner.LogEntry(ctx, e)
		if err == nil || IsInconsistency(err) {
			g.lastSeq = e.Seq
		}
		return err
	})
}

func (g *GuardedConsumer) EndOfLogEntries(ctx context.Context) error {
	return g.call("end_of_log_entries", PhaseLogDone, phases(PhaseTuplesDone, PhaseFinalize, PhaseLog), func() error {
		return g.inner.EndOfLogEntries(ctx)
	})
}

func (g *GuardedConsumer) CreateSystable(ctx context.Context, t *schema.Table) error {
	return g.call("create_systable", PhaseSystable, phases(PhaseLogDone, PhaseSystable), func() error {
		return g.inner.CreateSystable(ctx, t)
	})
}

func (g *GuardedConsumer) UpdateApplyStatus(ctx context.Context, meta *artifact.MetaData) error {
	return g.call("update_apply_status", PhaseStatusUpdated, phases(PhaseLogDone, PhaseSystable), func() error {
		return g.inner.UpdateApplyStatus(ctx, meta)
	})
}

func (g *GuardedConsumer) ReportStarted(ctx context.Context, backupID, nodeID uint32) error {
	return g.inner.ReportStarted(ctx, backupID, nodeID)
}

func (g *GuardedConsumer) ReportMetaData(ctx context.Context, backupID, nodeID uint32) error {
	return g.inner.ReportMetaData(ctx, backupID, nodeID)
}

func (g *GuardedConsumer) ReportData(ctx context.Context, backupID, nodeID uint32) error {
	return g.inner.ReportData(ctx, backupID, nodeID)
}

func (g *GuardedConsumer) ReportLog(ctx context.Context, backupID, nodeID uint32) error {
	return g.inner.ReportLog(ctx, backupID, nodeID)
}

func (g *GuardedConsumer) ReportCompleted(ctx context.Context, backupID, nodeID uint32) error {
	return g.inner.ReportCompleted(ctx, backupID, nodeID)
}

func (g *GuardedConsumer) HasTempError() bool {
	return g.inner.HasTempError()
}
