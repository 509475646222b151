package artifact

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/pingcap/errors"
	"restorable.io/cluster-restore/internal/schema"
)

var jsonAPI = jsoniter.Config{
	EscapeHTML:             true,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
	UseNumber:              true,
}.Froze()

const (
	kindMeta   = "meta"
	kindObject = "object"
	kindTable  = "table"
	kindTuple  = "tuple"
	kindLog    = "log"
)

// section order of a part file
var sectionOf = map[string]int{
	kindMeta:   0,
	kindObject: 1,
	kindTable:  2,
	kindTuple:  3,
	kindLog:    4,
}

type tableRecord struct {
	Kind string `json:"kind"`
	schema.Table
}

type objectRecord struct {
	Kind string `json:"kind"`
	Object
}

type tupleRecord struct {
	Table    uint32 `json:"table"`
	Fragment uint32 `json:"fragment"`
	Values   []any  `json:"values"`
}

type logRecord struct {
	Seq      uint64 `json:"seq"`
	Table    uint32 `json:"table"`
	Op       Op     `json:"op"`
	Fragment uint32 `json:"fragment"`
	Values   []any  `json:"values"`
}

// Decoder reads one part of a JSONL export: a meta line, then objects,
// tables, tuples and log entries, each section in that order.
type Decoder struct {
	r       *bufio.Reader
	line    int
	section int

	pending     []byte
	pendingKind string
	eof         bool

	meta    *MetaData
	tables  map[uint32]*schema.Table
	lastSeq uint64

	pool sync.Pool
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	d := &Decoder{r: bufio.NewReaderSize(r, 64*1024), section: -1}
	d.pool.New = func() any { return &Tuple{} }
	return d
}

// next loads the next non-empty line into pending.
func (d *Decoder) next() error {
	if d.pending != nil || d.eof {
		return nil
	}
	for {
		line, err := d.r.ReadBytes('\n')
		if len(line) > 0 {
			d.line++
			line = bytes.TrimSpace(line)
			if len(line) > 0 {
				kind := jsonAPI.Get(line, "kind").ToString()
				sec, ok := sectionOf[kind]
				if !ok {
					return errors.Errorf("line %d: unknown record kind %q", d.line, kind)
				}
				if sec < d.section {
					return errors.Errorf("line %d: %s record after %s section", d.line, kind, sectionName(d.section))
				}
				if sec == 0 && d.section == 0 {
					return errors.Errorf("line %d: duplicate meta record", d.line)
				}
				d.section = sec
				d.pending = line
				d.pendingKind = kind
				return nil
			}
		}
		if err == io.EOF {
			d.eof = true
			return nil
		}
		if err != nil {
			return errors.Trace(err)
		}
	}
}

func sectionName(sec int) string {
	for k, v := range sectionOf {
		if v == sec {
			return k
		}
	}
	return "unknown"
}

func (d *Decoder) take() []byte {
	line := d.pending
	d.pending = nil
	d.pendingKind = ""
	return line
}

// ReadMeta reads the meta line, the objects and the tables. It must be
// called before NextTuple or NextLogEntry.
func (d *Decoder) ReadMeta() (*MetaData, error) {
	if d.meta != nil {
		return d.meta, nil
	}
	if err := d.next(); err != nil {
		return nil, err
	}
	if d.pendingKind != kindMeta {
		return nil, errors.Errorf("line %d: expected meta record first", d.line)
	}
	meta := &MetaData{}
	if err := jsonAPI.Unmarshal(d.take(), meta); err != nil {
		return nil, errors.Annotatef(err, "line %d: decode meta", d.line)
	}
	d.tables = make(map[uint32]*schema.Table)
	for {
		if err := d.next(); err != nil {
			return nil, err
		}
		switch d.pendingKind {
		case kindObject:
			var rec objectRecord
			if err := jsonAPI.Unmarshal(d.take(), &rec); err != nil {
				return nil, errors.Annotatef(err, "line %d: decode object", d.line)
			}
			meta.Objects = append(meta.Objects, rec.Object)
		case kindTable:
			var rec tableRecord
			if err := jsonAPI.Unmarshal(d.take(), &rec); err != nil {
				return nil, errors.Annotatef(err, "line %d: decode table", d.line)
			}
			t := rec.Table
			meta.Tables = append(meta.Tables, &t)
			d.tables[t.ID] = &t
		default:
			if err := meta.Validate(); err != nil {
				return nil, errors.Trace(err)
			}
			d.meta = meta
			return meta, nil
		}
	}
}

func (d *Decoder) table(id uint32) (*schema.Table, error) {
	t, ok := d.tables[id]
	if !ok {
		return nil, errors.Errorf("line %d: unknown table id %d", d.line, id)
	}
	return t, nil
}

// NextTuple implements TupleSource.
func (d *Decoder) NextTuple() (*Tuple, error) {
	if d.meta == nil {
		return nil, errors.New("ReadMeta must be called first")
	}
	if err := d.next(); err != nil {
		return nil, err
	}
	if d.pendingKind != kindTuple {
		return nil, io.EOF
	}
	t := d.pool.Get().(*Tuple)
	rec := tupleRecord{Values: t.Values[:0]}
	if err := jsonAPI.Unmarshal(d.take(), &rec); err != nil {
		return nil, errors.Annotatef(err, "line %d: decode tuple", d.line)
	}
	tbl, err := d.table(rec.Table)
	if err != nil {
		return nil, err
	}
	t.Table = tbl
	t.FragmentID = rec.Fragment
	t.Values = normalizeValues(rec.Values)
	return t, nil
}

// Release implements Releaser.
func (d *Decoder) Release(t *Tuple) {
	t.Table = nil
	for i := range t.Values {
		t.Values[i] = nil
	}
	d.pool.Put(t)
}

// NextLogEntry implements LogSource. Tuples not yet read are skipped.
func (d *Decoder) NextLogEntry() (*LogEntry, error) {
	if d.meta == nil {
		return nil, errors.New("ReadMeta must be called first")
	}
	for {
		if err := d.next(); err != nil {
			return nil, err
		}
		if d.pendingKind != kindTuple {
			break
		}
		d.take()
	}
	if d.pendingKind != kindLog {
		return nil, io.EOF
	}
	var rec logRecord
	if err := jsonAPI.Unmarshal(d.take(), &rec); err != nil {
		return nil, errors.Annotatef(err, "line %d: decode log entry", d.line)
	}
	if rec.Seq <= d.lastSeq {
		return nil, errors.Errorf("line %d: log sequence %d not after %d", d.line, rec.Seq, d.lastSeq)
	}
	d.lastSeq = rec.Seq
	tbl, err := d.table(rec.Table)
	if err != nil {
		return nil, err
	}
	return &LogEntry{
		Seq:        rec.Seq,
		Table:      tbl,
		Op:         rec.Op,
		FragmentID: rec.Fragment,
		Values:     normalizeValues(rec.Values),
	}, nil
}

// normalizeValues turns json.Number into int64 or float64.
func normalizeValues(values []any) []any {
	for i, v := range values {
		n, ok := v.(json.Number)
		if !ok {
			continue
		}
		if iv, err := n.Int64(); err == nil {
			values[i] = iv
		} else if fv, err := n.Float64(); err == nil {
			values[i] = fv
		} else {
			values[i] = n.String()
		}
	}
	return values
}
