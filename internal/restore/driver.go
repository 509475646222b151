package restore

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/pingcap/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"restorable.io/cluster-restore/internal/artifact"
	"restorable.io/cluster-restore/internal/logutil"
	"restorable.io/cluster-restore/internal/metrics"
	"restorable.io/cluster-restore/internal/schema"
)

// Part is one independently readable slice of a backup, usually the files
// written by one data node.
type Part struct {
	Name   string
	Tuples artifact.TupleSource
	Log    artifact.LogSource
}

// Input is what a run restores.
type Input struct {
	Meta  *artifact.MetaData
	Parts []Part
}

// LaneFactory builds the consumers of one lane. Lane 0 is the primary lane:
// it alone sees objects, finalize, log and bookkeeping callbacks, so only
// its consumers may create schema.
type LaneFactory func(lane int) ([]Consumer, error)

// Options configures a Coordinator.
type Options struct {
	// Parallelism is the number of lanes loading tuples concurrently.
	Parallelism int
	// RestoreMeta enables the object phase and schema creation. When false,
	// every table must already exist and match.
	RestoreMeta bool
	// RestoreData enables the tuple and log phases.
	RestoreData bool
	// RestoreEpoch enables the bookkeeping phase.
	RestoreEpoch bool
	// ApplyStatusTable describes the table the apply status lives in.
	ApplyStatusTable *schema.Table
	Retry            RetryPolicy
	// DisableGuard skips wrapping consumers with Guard.
	DisableGuard bool
}

// DefaultOptions restores everything on a single lane.
func DefaultOptions() Options {
	return Options{
		Parallelism:      1,
		RestoreMeta:      true,
		RestoreData:      true,
		RestoreEpoch:     true,
		ApplyStatusTable: artifact.ApplyStatusTable("restore", "apply_status"),
		Retry:            DefaultRetryPolicy(),
	}
}

// Coordinator runs one backup through one or more lanes of consumers.
type Coordinator struct {
	input   Input
	factory LaneFactory
	opts    Options
}

// NewCoordinator creates a coordinator. Zero option values fall back to DefaultOptions.
func NewCoordinator(input Input, factory LaneFactory, opts Options) *Coordinator {
	def := DefaultOptions()
	if opts.Parallelism < 1 {
		opts.Parallelism = def.Parallelism
	}
	if opts.ApplyStatusTable == nil {
		opts.ApplyStatusTable = def.ApplyStatusTable
	}
	if opts.Retry == (RetryPolicy{}) {
		opts.Retry = def.Retry
	}
	return &Coordinator{input: input, factory: factory, opts: opts}
}

type lane struct {
	id        int
	consumers []Consumer
	parts     []Part
	counts    map[string]int64
}

type driver struct {
	opts        Options
	meta        *artifact.MetaData
	progress    *progress
	backupLabel string
}

// Run restores the input. Cancelling ctx aborts the run at the next phase
// boundary; callbacks already in flight run to completion. The summary is
// returned even when the run fails.
func (c *Coordinator) Run(ctx context.Context) (*Summary, error) {
	meta := c.input.Meta
	if meta == nil {
		return nil, errors.New("restore input has no metadata")
	}
	summary := &Summary{
		BackupID:  meta.BackupID,
		NodeID:    meta.NodeID,
		Parts:     len(c.input.Parts),
		StartedAt: time.Now(),
	}
	for _, t := range meta.Tables {
		summary.Tables = append(summary.Tables, t.QualifiedName())
	}
	d := &driver{
		opts:        c.opts,
		meta:        meta,
		progress:    newProgress(),
		backupLabel: strconv.FormatUint(uint64(meta.BackupID), 10),
	}
	ctx = logutil.ContextWithField(ctx, logutil.Backup(meta.BackupID, meta.NodeID))

	lanes, err := d.buildLanes(c.factory, c.input.Parts)
	summary.Lanes = len(lanes)
	defer func() {
		d.progress.fill(summary)
		summary.FinishedAt = time.Now()
	}()
	if err != nil {
		return summary, err
	}
	defer closeLanes(ctx, lanes)

	status, err := d.run(ctx, lanes)
	summary.ApplyStatus = status
	if err != nil {
		logutil.CL(ctx).Error("restore failed", zap.Error(err))
		return summary, err
	}
	logutil.CL(ctx).Info("restore finished",
		zap.Int64("tuples", d.progress.tuples.Load()),
		zap.Int64("log-entries", d.progress.logEntries.Load()))
	return summary, nil
}

func (d *driver) buildLanes(factory LaneFactory, parts []Part) ([]*lane, error) {
	n := d.opts.Parallelism
	if len(parts) > 0 && n > len(parts) {
		n = len(parts)
	}
	lanes := make([]*lane, 0, n)
	for i := 0; i < n; i++ {
		consumers, err := factory(i)
		if err != nil {
			closeLanes(context.Background(), lanes)
			return nil, errors.Annotatef(err, "build consumers of lane %d", i)
		}
		if len(consumers) == 0 {
			closeLanes(context.Background(), lanes)
			return nil, errors.Errorf("lane %d has no consumers", i)
		}
		if !d.opts.DisableGuard {
			for j, c := range consumers {
				consumers[j] = Guard(c)
			}
		}
		lanes = append(lanes, &lane{id: i, consumers: consumers, counts: make(map[string]int64)})
	}
	for i, p := range parts {
		l := lanes[i%n]
		l.parts = append(l.parts, p)
	}
	return lanes, nil
}

func closeLanes(ctx context.Context, lanes []*lane) {
	var err error
	for _, l := range lanes {
		for _, c := range l.consumers {
			if closer, ok := c.(io.Closer); ok {
				err = multierr.Append(err, closer.Close())
			}
		}
	}
	if err != nil {
		logutil.CL(ctx).Warn("failed to close consumers", zap.Error(err))
	}
}

// boundary is the only place an abort is honored.
func (d *driver) boundary(ctx context.Context, next Phase) error {
	if ctx.Err() != nil {
		logutil.CL(ctx).Warn("abort requested", zap.Stringer("before", next))
		return ErrAborted.GenWithStackByArgs(next)
	}
	return nil
}

func (d *driver) timed(ctx context.Context, phase Phase, fn func() error) error {
	start := time.Now()
	err := fn()
	elapsed := time.Since(start)
	d.progress.timing(phase, elapsed)
	metrics.PhaseDuration.WithLabelValues(d.backupLabel, phase.String()).Observe(elapsed.Seconds())
	logutil.CL(ctx).Debug("phase done", zap.Stringer("phase", phase), zap.Duration("took", elapsed), zap.Error(err))
	return err
}

func (d *driver) run(ctx context.Context, lanes []*lane) (*artifact.ApplyStatus, error) {
	primary := lanes[0]
	// Callbacks never observe cancellation, only phase boundaries do.
	cctx := context.WithoutCancel(logutil.ContextWithField(ctx, logutil.Lane(0)))

	if err := d.boundary(ctx, PhaseInit); err != nil {
		return nil, err
	}
	if err := d.timed(ctx, PhaseInit, func() error { return d.init(cctx, primary) }); err != nil {
		return nil, err
	}
	d.report(cctx, primary, "started", Consumer.ReportStarted)

	if d.opts.RestoreMeta {
		if err := d.boundary(ctx, PhaseObjects); err != nil {
			return nil, err
		}
		if err := d.timed(ctx, PhaseObjects, func() error { return d.objects(cctx, primary) }); err != nil {
			return nil, err
		}
	}

	if err := d.boundary(ctx, PhaseTables); err != nil {
		return nil, err
	}
	err := d.timed(ctx, PhaseTables, func() error {
		if err := d.tables(cctx, primary, !d.opts.RestoreMeta); err != nil {
			return err
		}
		return d.secondaryLanes(ctx, lanes[1:])
	})
	if err != nil {
		return nil, err
	}
	d.report(cctx, primary, "meta_data", Consumer.ReportMetaData)

	if err := d.boundary(ctx, PhaseTuples); err != nil {
		return nil, err
	}
	if err := d.timed(ctx, PhaseTuples, func() error { return d.tupleLanes(ctx, lanes) }); err != nil {
		return nil, err
	}

	if err := d.boundary(ctx, PhaseFinalize); err != nil {
		return nil, err
	}
	if err := d.timed(ctx, PhaseFinalize, func() error { return d.finalize(cctx, primary) }); err != nil {
		return nil, err
	}
	d.report(cctx, primary, "data", Consumer.ReportData)

	if err := d.boundary(ctx, PhaseLog); err != nil {
		return nil, err
	}
	var position uint64
	err = d.timed(ctx, PhaseLog, func() error {
		var err error
		position, err = d.log(cctx, primary, lanes)
		return err
	})
	if err != nil {
		return nil, err
	}
	d.report(cctx, primary, "log", Consumer.ReportLog)

	var status *artifact.ApplyStatus
	if d.opts.RestoreEpoch {
		if err := d.boundary(ctx, PhaseSystable); err != nil {
			return nil, err
		}
		err = d.timed(ctx, PhaseSystable, func() error { return d.bookkeeping(cctx, primary) })
		if err != nil {
			return nil, err
		}
		status = &artifact.ApplyStatus{
			BackupID:    d.meta.BackupID,
			NodeID:      d.meta.NodeID,
			LogPosition: persistedPosition(primary, position),
			Epoch:       d.meta.StopEpoch,
			UpdatedAt:   time.Now().UTC(),
		}
	}
	d.report(cctx, primary, "completed", Consumer.ReportCompleted)
	return status, nil
}

// each calls fn on every consumer of the lane in order, retrying
// temporary failures, and stops at the first failure.
func (d *driver) each(ctx context.Context, l *lane, callback string, fn func(Consumer) error) error {
	for _, c := range l.consumers {
		if err := d.retry(ctx, c, callback, func() error { return fn(c) }); err != nil {
			return err
		}
	}
	return nil
}

func (d *driver) init(ctx context.Context, l *lane) error {
	err := d.each(ctx, l, "init", func(c Consumer) error { return c.Init(ctx) })
	if err != nil {
		return ErrInitFailed.Wrap(err).GenWithStackByArgs()
	}
	return nil
}

func (d *driver) objects(ctx context.Context, l *lane) error {
	for i := range d.meta.Objects {
		obj := &d.meta.Objects[i]
		err := d.each(ctx, l, "object", func(c Consumer) error { return c.Object(ctx, obj) })
		if err != nil {
			return ErrObjectFailed.Wrap(err).GenWithStackByArgs(obj.ID, obj.Type)
		}
		d.progress.objects.Inc()
		metrics.ObjectsRestored.WithLabelValues(d.backupLabel).Inc()
	}
	return nil
}

// tables announces every table that is still part of the restore. When
// existing is set the tables must already be known to every consumer.
func (d *driver) tables(ctx context.Context, l *lane, existing bool) error {
	for _, t := range d.meta.Tables {
		if d.progress.isExcluded(t.ID) {
			continue
		}
		if existing {
			for _, c := range l.consumers {
				if !c.TableEqual(t) {
					return ErrSchemaMismatch.GenWithStackByArgs(t.QualifiedName())
				}
			}
		}
		err := d.each(ctx, l, "table", func(c Consumer) error { return c.Table(ctx, t) })
		if err != nil {
			if Is(err, ErrRetryExhausted) {
				return err
			}
			d.exclude(ctx, t, PhaseTables, err)
		}
	}
	if err := d.each(ctx, l, "end_of_tables", func(c Consumer) error { return c.EndOfTables(ctx) }); err != nil {
		return ErrEndOfTables.Wrap(err).GenWithStackByArgs()
	}
	return nil
}

// secondaryLanes brings every other lane through Init and the table phase
// against the schema the primary lane created. It returns once all of them
// observed EndOfTables.
func (d *driver) secondaryLanes(ctx context.Context, lanes []*lane) error {
	var eg errgroup.Group
	for _, l := range lanes {
		eg.Go(func() error {
			lctx := context.WithoutCancel(logutil.ContextWithField(ctx, logutil.Lane(l.id)))
			if err := d.init(lctx, l); err != nil {
				return err
			}
			return d.tables(lctx, l, true)
		})
	}
	return eg.Wait()
}

func (d *driver) exclude(ctx context.Context, t *schema.Table, phase Phase, err error) {
	reason := fmt.Sprintf("%s: %s", phase, err.Error())
	if d.progress.exclude(t.ID, t.QualifiedName(), reason) {
		metrics.TablesExcluded.WithLabelValues(d.backupLabel, phase.String()).Inc()
		logutil.CL(ctx).Warn("table excluded from restore",
			logutil.Table(t.QualifiedName()),
			zap.Stringer("phase", phase),
			logutil.ShortError(err))
	}
}

// tupleLanes loads the tuples of every lane concurrently and returns after
// every lane has passed EndOfTuples.
func (d *driver) tupleLanes(ctx context.Context, lanes []*lane) error {
	var eg errgroup.Group
	eg.SetLimit(len(lanes))
	for _, l := range lanes {
		eg.Go(func() error {
			lctx := context.WithoutCancel(logutil.ContextWithField(ctx, logutil.Lane(l.id)))
			err := d.tuples(lctx, l)
			d.progress.addTableTuples(l.counts)
			return err
		})
	}
	return eg.Wait()
}

func (d *driver) tuples(ctx context.Context, l *lane) error {
	if d.opts.RestoreData {
		for _, p := range l.parts {
			if err := d.tuplesOfPart(ctx, l, p); err != nil {
				return err
			}
		}
	}
	if err := d.each(ctx, l, "end_of_tuples", func(c Consumer) error { return c.EndOfTuples(ctx) }); err != nil {
		return ErrEndOfTuples.Wrap(err).GenWithStackByArgs()
	}
	return nil
}

func (d *driver) tuplesOfPart(ctx context.Context, l *lane, p Part) error {
	if p.Tuples == nil {
		return nil
	}
	releaser, _ := p.Tuples.(artifact.Releaser)
	laneLabel := strconv.Itoa(l.id)
	for {
		tup, err := p.Tuples.NextTuple()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return ErrSource.Wrap(err).GenWithStackByArgs(p.Name)
		}
		if err := d.tuple(ctx, l, tup); err != nil {
			return err
		}
		if releaser != nil {
			releaser.Release(tup)
		}
		metrics.TuplesRestored.WithLabelValues(d.backupLabel, laneLabel).Inc()
	}
}

func (d *driver) tuple(ctx context.Context, l *lane, tup *artifact.Tuple) error {
	if d.progress.isExcluded(tup.Table.ID) {
		return nil
	}
	handed := 0
	var failed error
	for _, c := range l.consumers {
		handed++
		err := d.retry(ctx, c, "tuple", func() error { return c.Tuple(ctx, tup, tup.FragmentID) })
		if err != nil {
			failed = err
			break
		}
	}
	for _, c := range l.consumers[:handed] {
		c.TupleFree(tup)
	}
	if failed != nil {
		if Is(failed, ErrRetryExhausted) {
			return failed
		}
		d.exclude(ctx, tup.Table, PhaseTuples, failed)
		return nil
	}
	d.progress.tuples.Inc()
	l.counts[tup.Table.QualifiedName()]++
	return nil
}

func (d *driver) finalize(ctx context.Context, l *lane) error {
	for _, t := range d.meta.Tables {
		if d.progress.isExcluded(t.ID) {
			continue
		}
		err := d.each(ctx, l, "finalize_table", func(c Consumer) error { return c.FinalizeTable(ctx, t) })
		if err != nil {
			if Is(err, ErrRetryExhausted) {
				return err
			}
			d.exclude(ctx, t, PhaseFinalize, err)
		}
	}
	return nil
}

// log replays the merged log of every part on the primary lane and returns
// the sequence number of the last entry handed to the consumers.
func (d *driver) log(ctx context.Context, l *lane, lanes []*lane) (uint64, error) {
	var position uint64
	if d.opts.RestoreData {
		var sources []artifact.LogSource
		for _, ln := range lanes {
			for _, p := range ln.parts {
				if p.Log != nil {
					sources = append(sources, p.Log)
				}
			}
		}
		merged := artifact.MergeLogs(sources...)
		for {
			e, err := merged.NextLogEntry()
			if err == io.EOF {
				break
			}
			if err != nil {
				return position, ErrSource.Wrap(err).GenWithStackByArgs("merged log")
			}
			if d.progress.isExcluded(e.Table.ID) {
				metrics.LogEntriesApplied.WithLabelValues(d.backupLabel, "excluded").Inc()
				continue
			}
			err = d.each(ctx, l, "log_entry", func(c Consumer) error { return c.LogEntry(ctx, e) })
			switch {
			case err == nil:
				metrics.LogEntriesApplied.WithLabelValues(d.backupLabel, "applied").Inc()
			case IsInconsistency(err):
				d.progress.inconsistency(err.Error())
				metrics.LogEntriesApplied.WithLabelValues(d.backupLabel, "inconsistent").Inc()
				logutil.CL(ctx).Warn("inconsistent log entry",
					zap.Uint64("seq", e.Seq),
					logutil.Table(e.Table.QualifiedName()),
					logutil.ShortError(err))
			default:
				return position, ErrLogApply.Wrap(err).GenWithStackByArgs(e.Seq)
			}
			position = e.Seq
			d.progress.logEntries.Inc()
		}
	}
	if err := d.each(ctx, l, "end_of_log_entries", func(c Consumer) error { return c.EndOfLogEntries(ctx) }); err != nil {
		return position, ErrEndOfLog.Wrap(err).GenWithStackByArgs()
	}
	return position, nil
}

// persistedPosition is the highest log position a consumer of l recorded,
// and at least the last entry handed out in this run.
func persistedPosition(l *lane, handed uint64) uint64 {
	position := handed
	for _, c := range l.consumers {
		if g, ok := c.(*GuardedConsumer); ok {
			c = g.Unwrap()
		}
		if p, ok := c.(Positioner); ok && p.Position() > position {
			position = p.Position()
		}
	}
	return position
}

func (d *driver) bookkeeping(ctx context.Context, l *lane) error {
	err := d.each(ctx, l, "create_systable", func(c Consumer) error { return c.CreateSystable(ctx, d.opts.ApplyStatusTable) })
	if err != nil {
		return ErrBookkeeping.Wrap(err).GenWithStackByArgs()
	}
	err = d.each(ctx, l, "update_apply_status", func(c Consumer) error { return c.UpdateApplyStatus(ctx, d.meta) })
	if err != nil {
		return ErrBookkeeping.Wrap(err).GenWithStackByArgs()
	}
	return nil
}

type reportFunc func(c Consumer, ctx context.Context, backupID, nodeID uint32) error

// report fires a checkpoint on every consumer. Failures are logged only.
func (d *driver) report(ctx context.Context, l *lane, checkpoint string, fn reportFunc) {
	for _, c := range l.consumers {
		if err := fn(c, ctx, d.meta.BackupID, d.meta.NodeID); err != nil {
			metrics.ReportFailures.WithLabelValues(d.backupLabel, checkpoint).Inc()
			logutil.CL(ctx).Warn("report failed",
				zap.String("checkpoint", checkpoint),
				logutil.ShortError(err))
		}
	}
}
