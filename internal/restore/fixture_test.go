package restore_test

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pingcap/errors"
	"go.uber.org/atomic"
	"restorable.io/cluster-restore/internal/artifact"
	"restorable.io/cluster-restore/internal/restore"
	"restorable.io/cluster-restore/internal/schema"
)

func table(id uint32, name string, groups ...uint32) *schema.Table {
	return &schema.Table{
		ID:     id,
		Schema: "db",
		Name:   name,
		Columns: []schema.Column{
			{Name: "id", DataType: "int"},
			{Name: "v", DataType: "varchar", Nullable: true},
		},
		PrimaryKey:         []string{"id"},
		FragmentCount:      uint32(len(groups)),
		FragmentNodeGroups: groups,
	}
}

type tupleSlice struct {
	rows     []*artifact.Tuple
	released atomic.Int64
}

func (s *tupleSlice) NextTuple() (*artifact.Tuple, error) {
	if len(s.rows) == 0 {
		return nil, io.EOF
	}
	t := s.rows[0]
	s.rows = s.rows[1:]
	return t, nil
}

func (s *tupleSlice) Release(*artifact.Tuple) { s.released.Inc() }

type logSlice struct {
	entries []*artifact.LogEntry
}

func (s *logSlice) NextLogEntry() (*artifact.LogEntry, error) {
	if len(s.entries) == 0 {
		return nil, io.EOF
	}
	e := s.entries[0]
	s.entries = s.entries[1:]
	return e, nil
}

// backup has one object, T1 with 2 fragments and 4 tuples, T2 with 1
// fragment and 2 tuples and 3 log entries on T1, taken on 2 node groups.
func backup() (restore.Input, *tupleSlice) {
	t1 := table(1, "t1", 0, 1)
	t2 := table(2, "t2", 0)
	meta := &artifact.MetaData{
		BackupID:   5,
		NodeID:     1,
		NodeGroups: 2,
		StartEpoch: 100,
		StopEpoch:  200,
		Objects:    []artifact.Object{{ID: 1, Type: artifact.ObjectTablespace, Name: "ts"}},
		Tables:     []*schema.Table{t1, t2},
	}
	tuples := &tupleSlice{}
	for i := int64(1); i <= 4; i++ {
		tuples.rows = append(tuples.rows, &artifact.Tuple{Table: t1, FragmentID: uint32(i % 2), Values: []any{i, "a"}})
	}
	for i := int64(1); i <= 2; i++ {
		tuples.rows = append(tuples.rows, &artifact.Tuple{Table: t2, FragmentID: 0, Values: []any{i, "b"}})
	}
	log := &logSlice{entries: []*artifact.LogEntry{
		{Seq: 1, Table: t1, Op: artifact.OpUpdate, FragmentID: 1, Values: []any{int64(1), "x"}},
		{Seq: 2, Table: t1, Op: artifact.OpDelete, FragmentID: 0, Values: []any{int64(2), nil}},
		{Seq: 3, Table: t1, Op: artifact.OpInsert, FragmentID: 1, Values: []any{int64(5), "y"}},
	}}
	return restore.Input{Meta: meta, Parts: []restore.Part{{Name: "part-0", Tuples: tuples, Log: log}}}, tuples
}

// journal collects the events of every recorder sharing it.
type journal struct {
	mu     sync.Mutex
	events []string
}

func (j *journal) add(ev string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, ev)
}

func (j *journal) all() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.events...)
}

func (j *journal) count(ev string) int {
	n := 0
	for _, e := range j.all() {
		if e == ev {
			n++
		}
	}
	return n
}

// recorder logs every callback. fail makes an event fail permanently,
// temp makes it fail temporarily the given number of times.
type recorder struct {
	restore.Base
	j      *journal
	prefix string
	fail   map[string]error
	temp   map[string]int
	equal  bool

	tempErr bool
	onTuple func()
}

func newRecorder(j *journal) *recorder {
	return &recorder{j: j, fail: map[string]error{}, temp: map[string]int{}, equal: true}
}

func (r *recorder) do(ev string) error {
	r.j.add(r.prefix + ev)
	r.tempErr = false
	if n := r.temp[ev]; n > 0 {
		r.temp[ev] = n - 1
		r.tempErr = true
		return errors.New("temporarily unavailable")
	}
	return r.fail[ev]
}

func (r *recorder) Init(context.Context) error { return r.do("init") }

func (r *recorder) Object(_ context.Context, o *artifact.Object) error {
	return r.do(fmt.Sprintf("object:%d", o.ID))
}

func (r *recorder) Table(_ context.Context, t *schema.Table) error {
	return r.do("table:" + t.QualifiedName())
}

func (r *recorder) TableEqual(*schema.Table) bool { return r.equal }

func (r *recorder) EndOfTables(context.Context) error { return r.do("end_of_tables") }

func (r *recorder) Tuple(_ context.Context, t *artifact.Tuple, frag uint32) error {
	if r.onTuple != nil {
		r.onTuple()
	}
	return r.do(fmt.Sprintf("tuple:%s:%d", t.Table.QualifiedName(), frag))
}

func (r *recorder) TupleFree(*artifact.Tuple) { r.j.add(r.prefix + "free") }

func (r *recorder) EndOfTuples(context.Context) error { return r.do("end_of_tuples") }

func (r *recorder) FinalizeTable(_ context.Context, t *schema.Table) error {
	return r.do("finalize:" + t.QualifiedName())
}

func (r *recorder) LogEntry(_ context.Context, e *artifact.LogEntry) error {
	return r.do(fmt.Sprintf("log:%d", e.Seq))
}

func (r *recorder) EndOfLogEntries(context.Context) error { return r.do("end_of_log") }

func (r *recorder) CreateSystable(_ context.Context, t *schema.Table) error {
	return r.do("systable:" + t.QualifiedName())
}

func (r *recorder) UpdateApplyStatus(context.Context, *artifact.MetaData) error {
	return r.do("apply_status")
}

func (r *recorder) ReportStarted(context.Context, uint32, uint32) error {
	return r.do("report:started")
}

func (r *recorder) ReportMetaData(context.Context, uint32, uint32) error {
	return r.do("report:meta_data")
}

func (r *recorder) ReportData(context.Context, uint32, uint32) error { return r.do("report:data") }

func (r *recorder) ReportLog(context.Context, uint32, uint32) error { return r.do("report:log") }

func (r *recorder) ReportCompleted(context.Context, uint32, uint32) error {
	return r.do("report:completed")
}

func (r *recorder) HasTempError() bool { return r.tempErr }

func single(c restore.Consumer) restore.LaneFactory {
	return func(int) ([]restore.Consumer, error) { return []restore.Consumer{c}, nil }
}

func fastRetry(max int) restore.RetryPolicy {
	return restore.RetryPolicy{MaxRetries: max, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
}
