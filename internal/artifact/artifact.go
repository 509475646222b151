// Package artifact holds the units streamed through a restore: schema
// objects, tuples and log entries, plus the metadata shared by every part
// of a backup.
package artifact

import (
	"fmt"
	"strings"
	"time"

	"restorable.io/cluster-restore/internal/schema"
)

// ObjectType tags a cluster-level schema object.
type ObjectType uint32

const (
	ObjectTablespace ObjectType = iota + 1
	ObjectLogfileGroup
	ObjectDatafile
	ObjectUndofile
	ObjectHashMap
)

var objectTypeNames = map[ObjectType]string{
	ObjectTablespace:   "tablespace",
	ObjectLogfileGroup: "logfile_group",
	ObjectDatafile:     "datafile",
	ObjectUndofile:     "undofile",
	ObjectHashMap:      "hash_map",
}

func (t ObjectType) String() string {
	if name, ok := objectTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("object_type(%d)", uint32(t))
}

// MarshalText implements encoding.TextMarshaler.
func (t ObjectType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *ObjectType) UnmarshalText(text []byte) error {
	for k, name := range objectTypeNames {
		if name == string(text) {
			*t = k
			return nil
		}
	}
	return fmt.Errorf("unknown object type %q", text)
}

// Object is a schema object not scoped to a single table.
type Object struct {
	ID      uint32     `json:"id"`
	Type    ObjectType `json:"type"`
	Name    string     `json:"name,omitempty"`
	Payload []byte     `json:"payload,omitempty"`
}

// MetaData is the restore metadata every part of a backup carries.
type MetaData struct {
	BackupID   uint32 `json:"backup_id"`
	NodeID     uint32 `json:"node_id"`
	NodeGroups uint32 `json:"node_groups"`
	StartEpoch uint64 `json:"start_epoch"`
	StopEpoch  uint64 `json:"stop_epoch"`
	Version    string `json:"version,omitempty"`

	Objects []Object        `json:"-"`
	Tables  []*schema.Table `json:"-"`
}

// Table looks a table up by id.
func (m *MetaData) Table(id uint32) *schema.Table {
	for _, t := range m.Tables {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// Validate checks the header and every table descriptor.
func (m *MetaData) Validate() error {
	if m.NodeGroups == 0 {
		return fmt.Errorf("backup %d: node group count is zero", m.BackupID)
	}
	if m.StopEpoch < m.StartEpoch {
		return fmt.Errorf("backup %d: stop epoch %d before start epoch %d", m.BackupID, m.StopEpoch, m.StartEpoch)
	}
	ids := make(map[uint32]bool, len(m.Tables))
	for _, t := range m.Tables {
		if ids[t.ID] {
			return fmt.Errorf("backup %d: duplicate table id %d", m.BackupID, t.ID)
		}
		ids[t.ID] = true
		if err := t.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// SameBackup checks that o is another part of the backup m describes: the
// same backup, node-group count, epochs and table definitions.
func (m *MetaData) SameBackup(o *MetaData) error {
	if m.BackupID != o.BackupID {
		return fmt.Errorf("part of backup %d mixed with backup %d", o.BackupID, m.BackupID)
	}
	if m.NodeGroups != o.NodeGroups || m.StartEpoch != o.StartEpoch || m.StopEpoch != o.StopEpoch {
		return fmt.Errorf("backup %d: parts disagree on node groups or epochs", m.BackupID)
	}
	if len(m.Tables) != len(o.Tables) {
		return fmt.Errorf("backup %d: parts list %d and %d tables", m.BackupID, len(m.Tables), len(o.Tables))
	}
	for _, t := range m.Tables {
		other := o.Table(t.ID)
		if other == nil || !schema.Equal(t, other) {
			return fmt.Errorf("backup %d: parts disagree on table %s", m.BackupID, t.QualifiedName())
		}
	}
	return nil
}

// Tuple is one row of one fragment. A tuple is only valid until it is
// released; consumers copy whatever they keep.
type Tuple struct {
	Table      *schema.Table
	FragmentID uint32
	Values     []any
}

// Key returns the encoded primary key of the row.
func (t *Tuple) Key() (string, error) {
	return t.Table.KeyOf(t.Values)
}

// Op is the kind of change a log entry records.
type Op uint8

const (
	OpInsert Op = iota + 1
	OpUpdate
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (o Op) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *Op) UnmarshalText(text []byte) error {
	op, err := ParseOp(string(text))
	if err != nil {
		return err
	}
	*o = op
	return nil
}

// ParseOp parses insert, update or delete.
func ParseOp(s string) (Op, error) {
	switch strings.ToLower(s) {
	case "insert":
		return OpInsert, nil
	case "update":
		return OpUpdate, nil
	case "delete":
		return OpDelete, nil
	}
	return 0, fmt.Errorf("unknown log operation %q", s)
}

// LogEntry is one change captured after the snapshot point. Seq is the
// global position of the change, starting at 1.
type LogEntry struct {
	Seq        uint64
	Table      *schema.Table
	Op         Op
	FragmentID uint32
	Values     []any
}

// Key returns the encoded primary key of the affected row.
func (e *LogEntry) Key() (string, error) {
	return e.Table.KeyOf(e.Values)
}

// ApplyStatus is the progress marker of a restore, one row per restoring process.
type ApplyStatus struct {
	BackupID    uint32    `json:"backup_id"`
	NodeID      uint32    `json:"node_id"`
	LogPosition uint64    `json:"log_position"`
	Epoch       uint64    `json:"epoch"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ApplyStatusTable describes the system table the apply-status record lives in.
func ApplyStatusTable(schemaName, name string) *schema.Table {
	return &schema.Table{
		Schema: schemaName,
		Name:   name,
		Columns: []schema.Column{
			{Name: "backup_id", DataType: "bigint"},
			{Name: "node_id", DataType: "bigint"},
			{Name: "log_position", DataType: "bigint"},
			{Name: "epoch", DataType: "bigint"},
			{Name: "updated_at", DataType: "timestamptz"},
		},
		PrimaryKey:         []string{"backup_id", "node_id"},
		FragmentCount:      1,
		FragmentNodeGroups: []uint32{0},
		System:             true,
	}
}

// TupleSource yields the tuples of one part, io.EOF when exhausted.
type TupleSource interface {
	NextTuple() (*Tuple, error)
}

// LogSource yields log entries in sequence order, io.EOF when exhausted.
type LogSource interface {
	NextLogEntry() (*LogEntry, error)
}

// Releaser takes back a tuple once the consumers are done with it.
type Releaser interface {
	Release(*Tuple)
}
