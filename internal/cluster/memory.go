package cluster

import (
	"context"
	"sort"
	"sync"

	"github.com/google/btree"
	"github.com/pingcap/errors"
	"restorable.io/cluster-restore/internal/artifact"
	"restorable.io/cluster-restore/internal/nodegroup"
	"restorable.io/cluster-restore/internal/schema"
)

// Row is a stored row together with where it was placed.
type Row struct {
	Key       string
	NodeGroup uint32
	Fragment  uint32
	Values    []any
}

func rowLess(a, b Row) bool { return a.Key < b.Key }

type memTable struct {
	desc        *schema.Table
	rows        *btree.BTreeG[Row]
	indexed     bool
	indexBuilds int
}

// Memory is an in-process cluster. Rows of every table are kept ordered by
// key. It is used for dry runs and tests.
type Memory struct {
	mu      sync.Mutex
	groups  []NodeGroup
	objects map[uint32]artifact.Object
	tables  map[string]*memTable
	status  map[string]map[[2]uint32]artifact.ApplyStatus
	faults  map[string]int
	closed  bool
}

var _ Cluster = (*Memory)(nil)

// NewMemory returns an empty cluster with the given number of node groups,
// each with replicas live replicas.
func NewMemory(nodeGroups, replicas int) *Memory {
	groups := make([]NodeGroup, nodeGroups)
	for i := range groups {
		groups[i] = NodeGroup{ID: uint32(i), Replicas: replicas}
	}
	return &Memory{
		groups:  groups,
		objects: make(map[uint32]artifact.Object),
		tables:  make(map[string]*memTable),
		status:  make(map[string]map[[2]uint32]artifact.ApplyStatus),
		faults:  make(map[string]int),
	}
}

// InjectTemporaryFaults makes the next n calls of op fail with ErrTemporary.
// op is the method name, such as "Upsert".
func (m *Memory) InjectTemporaryFaults(op string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[op] = n
}

// SetReplicas changes the live replica count of a node group.
func (m *Memory) SetReplicas(group uint32, replicas int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[group].Replicas = replicas
}

func (m *Memory) fault(op string) error {
	if n := m.faults[op]; n > 0 {
		m.faults[op] = n - 1
		return ErrTemporary.GenWithStackByArgs(op)
	}
	return nil
}

func (m *Memory) table(t *schema.Table) (*memTable, error) {
	mt, ok := m.tables[t.QualifiedName()]
	if !ok {
		return nil, ErrTableNotFound.GenWithStackByArgs(t.QualifiedName())
	}
	return mt, nil
}

// NodeGroups implements Cluster.
func (m *Memory) NodeGroups(context.Context) ([]NodeGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]NodeGroup(nil), m.groups...), nil
}

// ApplyObject implements Cluster.
func (m *Memory) ApplyObject(_ context.Context, obj *artifact.Object) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("ApplyObject"); err != nil {
		return err
	}
	o := *obj
	o.Payload = append([]byte(nil), obj.Payload...)
	m.objects[obj.ID] = o
	return nil
}

// CreateTable implements Cluster.
func (m *Memory) CreateTable(_ context.Context, t *schema.Table) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("CreateTable"); err != nil {
		return err
	}
	if existing, ok := m.tables[t.QualifiedName()]; ok {
		if !schema.Equal(existing.desc, t) {
			return ErrTableExists.GenWithStackByArgs(t.QualifiedName())
		}
		return nil
	}
	m.tables[t.QualifiedName()] = &memTable{desc: t.Clone(), rows: btree.NewG(16, rowLess)}
	return nil
}

// LookupTable implements Cluster.
func (m *Memory) LookupTable(_ context.Context, schemaName, name string) (*schema.Table, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mt, ok := m.tables[schemaName+"."+name]
	if !ok {
		return nil, ErrTableNotFound.GenWithStackByArgs(schemaName + "." + name)
	}
	return mt.desc.Clone(), nil
}

func (m *Memory) row(op string, t *schema.Table, p nodegroup.Placement, values []any) (*memTable, Row, error) {
	if err := m.fault(op); err != nil {
		return nil, Row{}, err
	}
	mt, err := m.table(t)
	if err != nil {
		return nil, Row{}, err
	}
	key, err := t.KeyOf(values)
	if err != nil {
		return nil, Row{}, errors.Trace(err)
	}
	return mt, Row{
		Key:       key,
		NodeGroup: p.NodeGroup,
		Fragment:  p.Fragment,
		Values:    append([]any(nil), values...),
	}, nil
}

// Upsert implements Cluster.
func (m *Memory) Upsert(_ context.Context, t *schema.Table, p nodegroup.Placement, values []any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mt, r, err := m.row("Upsert", t, p, values)
	if err != nil {
		return err
	}
	mt.rows.ReplaceOrInsert(r)
	return nil
}

// Update implements Cluster.
func (m *Memory) Update(_ context.Context, t *schema.Table, p nodegroup.Placement, values []any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mt, r, err := m.row("Update", t, p, values)
	if err != nil {
		return err
	}
	if _, ok := mt.rows.Get(r); !ok {
		return ErrKeyNotFound.GenWithStackByArgs(r.Key, t.QualifiedName())
	}
	mt.rows.ReplaceOrInsert(r)
	return nil
}

// Delete implements Cluster.
func (m *Memory) Delete(_ context.Context, t *schema.Table, p nodegroup.Placement, values []any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mt, r, err := m.row("Delete", t, p, values)
	if err != nil {
		return err
	}
	if _, ok := mt.rows.Delete(r); !ok {
		return ErrKeyNotFound.GenWithStackByArgs(r.Key, t.QualifiedName())
	}
	return nil
}

// BuildIndexes implements Cluster. Only the first call does work.
func (m *Memory) BuildIndexes(_ context.Context, t *schema.Table) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("BuildIndexes"); err != nil {
		return err
	}
	mt, err := m.table(t)
	if err != nil {
		return err
	}
	if !mt.indexed {
		mt.indexed = true
		mt.indexBuilds++
	}
	return nil
}

// EnsureSystemTable implements Cluster.
func (m *Memory) EnsureSystemTable(_ context.Context, t *schema.Table) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("EnsureSystemTable"); err != nil {
		return err
	}
	if _, ok := m.status[t.QualifiedName()]; !ok {
		m.status[t.QualifiedName()] = make(map[[2]uint32]artifact.ApplyStatus)
	}
	return nil
}

// ReadApplyStatus implements Cluster.
func (m *Memory) ReadApplyStatus(_ context.Context, t *schema.Table, backupID, nodeID uint32) (*artifact.ApplyStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows, ok := m.status[t.QualifiedName()]
	if !ok {
		return nil, nil
	}
	s, ok := rows[[2]uint32{backupID, nodeID}]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

// WriteApplyStatus implements Cluster.
func (m *Memory) WriteApplyStatus(_ context.Context, t *schema.Table, status *artifact.ApplyStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("WriteApplyStatus"); err != nil {
		return err
	}
	rows, ok := m.status[t.QualifiedName()]
	if !ok {
		return ErrTableNotFound.GenWithStackByArgs(t.QualifiedName())
	}
	rows[[2]uint32{status.BackupID, status.NodeID}] = *status
	return nil
}

// IsTemporary implements Cluster.
func (m *Memory) IsTemporary(err error) bool {
	return ErrTemporary.Equal(err)
}

// Close implements Cluster.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close was called.
func (m *Memory) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Rows returns the rows of a table in key order.
func (m *Memory) Rows(qualifiedName string) []Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	mt, ok := m.tables[qualifiedName]
	if !ok {
		return nil
	}
	out := make([]Row, 0, mt.rows.Len())
	mt.rows.Ascend(func(r Row) bool {
		out = append(out, r)
		return true
	})
	return out
}

// IndexBuilds returns how often the indexes of a table were built.
func (m *Memory) IndexBuilds(qualifiedName string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mt, ok := m.tables[qualifiedName]; ok {
		return mt.indexBuilds
	}
	return 0
}

// Objects returns the applied schema objects ordered by id.
func (m *Memory) Objects() []artifact.Object {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]artifact.Object, 0, len(m.objects))
	for _, o := range m.objects {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Tables returns the qualified names of all user tables, sorted.
func (m *Memory) Tables() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.tables))
	for name := range m.tables {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
