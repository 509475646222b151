package consumer

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"restorable.io/cluster-restore/internal/artifact"
	"restorable.io/cluster-restore/internal/restore"
	"restorable.io/cluster-restore/internal/schema"
)

// Validation collects findings about a backup across every lane of a run.
// Findings never fail the restore; they are read with Findings afterwards.
type Validation struct {
	mu       sync.Mutex
	findings error
	count    int
	keys     map[uint32]map[string]struct{}
}

// NewValidation returns an empty validation.
func NewValidation() *Validation {
	return &Validation{keys: make(map[uint32]map[string]struct{})}
}

func (v *Validation) add(format string, args ...any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.findings = multierr.Append(v.findings, fmt.Errorf(format, args...))
	v.count++
}

// seen records a row key and reports whether it was recorded before.
func (v *Validation) seen(tableID uint32, key string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	keys, ok := v.keys[tableID]
	if !ok {
		keys = make(map[string]struct{})
		v.keys[tableID] = keys
	}
	if _, dup := keys[key]; dup {
		return true
	}
	keys[key] = struct{}{}
	return false
}

// Findings returns every finding combined with multierr, or nil.
func (v *Validation) Findings() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.findings
}

// Count is the number of findings.
func (v *Validation) Count() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.count
}

// Consumer returns a validating consumer for one lane.
func (v *Validation) Consumer() *Validate {
	return &Validate{v: v, tables: make(map[uint32]*schema.Table)}
}

// Validate checks the artifacts it is handed without writing anything.
type Validate struct {
	restore.Base

	v       *Validation
	tables  map[uint32]*schema.Table
	lastSeq uint64
}

var _ restore.Consumer = (*Validate)(nil)

// Table implements restore.Consumer.
func (c *Validate) Table(_ context.Context, t *schema.Table) error {
	if _, dup := c.tables[t.ID]; dup {
		c.v.add("table id %d announced twice", t.ID)
		return nil
	}
	if err := t.Validate(); err != nil {
		c.v.add("%v", err)
	}
	c.tables[t.ID] = t
	return nil
}

func (c *Validate) checkRow(what string, t *schema.Table, fragmentID uint32, values []any) bool {
	if _, ok := c.tables[t.ID]; !ok {
		c.v.add("%s references unknown table %s", what, t.QualifiedName())
		return false
	}
	ok := true
	if fragmentID >= t.FragmentCount {
		c.v.add("%s on %s: fragment %d out of range (%d fragments)", what, t.QualifiedName(), fragmentID, t.FragmentCount)
		ok = false
	}
	if len(values) != len(t.Columns) {
		c.v.add("%s on %s: %d values for %d columns", what, t.QualifiedName(), len(values), len(t.Columns))
		ok = false
	}
	return ok
}

// Tuple implements restore.Consumer.
func (c *Validate) Tuple(_ context.Context, tup *artifact.Tuple, fragmentID uint32) error {
	if !c.checkRow("tuple", tup.Table, fragmentID, tup.Values) {
		return nil
	}
	key, err := tup.Key()
	if err != nil {
		c.v.add("tuple on %s: %v", tup.Table.QualifiedName(), err)
		return nil
	}
	if c.v.seen(tup.Table.ID, key) {
		c.v.add("tuple on %s: duplicate key %s", tup.Table.QualifiedName(), key)
	}
	return nil
}

// LogEntry implements restore.Consumer.
func (c *Validate) LogEntry(_ context.Context, e *artifact.LogEntry) error {
	if e.Seq <= c.lastSeq {
		c.v.add("log entry %d follows %d", e.Seq, c.lastSeq)
	}
	c.lastSeq = e.Seq
	what := fmt.Sprintf("log entry %d", e.Seq)
	if !c.checkRow(what, e.Table, e.FragmentID, e.Values) {
		return nil
	}
	if _, err := e.Key(); err != nil {
		c.v.add("%s: %v", what, err)
	}
	return nil
}
