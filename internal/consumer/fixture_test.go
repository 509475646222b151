package consumer_test

import (
	"io"
	"testing"
	"time"

	"go.uber.org/goleak"
	"restorable.io/cluster-restore/internal/artifact"
	"restorable.io/cluster-restore/internal/restore"
	"restorable.io/cluster-restore/internal/schema"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

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
	rows []*artifact.Tuple
}

func (s *tupleSlice) NextTuple() (*artifact.Tuple, error) {
	if len(s.rows) == 0 {
		return nil, io.EOF
	}
	t := s.rows[0]
	s.rows = s.rows[1:]
	return t, nil
}

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

type scenario struct {
	in     restore.Input
	t1, t2 *schema.Table
	tuples []*artifact.Tuple
}

// backup is taken on 2 node groups: one object, T1 with 2 fragments and 4
// tuples, T2 with 1 fragment and 2 tuples, then 3 log entries on T1.
func backup() *scenario {
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
	var tuples []*artifact.Tuple
	for i := int64(1); i <= 4; i++ {
		tuples = append(tuples, &artifact.Tuple{Table: t1, FragmentID: uint32(i % 2), Values: []any{i, "a"}})
	}
	for i := int64(1); i <= 2; i++ {
		tuples = append(tuples, &artifact.Tuple{Table: t2, FragmentID: 0, Values: []any{i, "b"}})
	}
	log := &logSlice{entries: []*artifact.LogEntry{
		{Seq: 1, Table: t1, Op: artifact.OpUpdate, FragmentID: 1, Values: []any{int64(1), "x"}},
		{Seq: 2, Table: t1, Op: artifact.OpDelete, FragmentID: 0, Values: []any{int64(2), nil}},
		{Seq: 3, Table: t1, Op: artifact.OpInsert, FragmentID: 1, Values: []any{int64(5), "y"}},
	}}
	return &scenario{
		in: restore.Input{Meta: meta, Parts: []restore.Part{
			{Name: "part-0", Tuples: &tupleSlice{rows: append([]*artifact.Tuple(nil), tuples...)}, Log: log},
		}},
		t1:     t1,
		t2:     t2,
		tuples: tuples,
	}
}

func options() restore.Options {
	opts := restore.DefaultOptions()
	opts.Retry = restore.RetryPolicy{MaxRetries: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
	return opts
}
