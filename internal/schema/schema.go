package schema

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// keySeparator joins primary-key parts. ASCII Unit Separator never appears in printed values.
const keySeparator = "\x1f"

// Schema is a snapshot of the tables restored by one run.
type Schema struct {
	Version   string    `json:"version"`
	BackupID  uint32    `json:"backup_id"`
	Timestamp time.Time `json:"timestamp"`
	Tables    []Table   `json:"tables"`
}

// Table describes one table of the backup, including the node group
// every fragment was assigned to when the backup was taken.
type Table struct {
	ID                 uint32   `json:"id"`
	Schema             string   `json:"schema"`
	Name               string   `json:"name"`
	Columns            []Column `json:"columns"`
	PrimaryKey         []string `json:"primary_key"`
	FragmentCount      uint32   `json:"fragment_count"`
	FragmentNodeGroups []uint32 `json:"fragment_node_groups"`
	System             bool     `json:"system,omitempty"`
}

// Column represents a table column's metadata.
type Column struct {
	Name     string `json:"name"`
	DataType string `json:"data_type"`
	Nullable bool   `json:"nullable"`
}

// QualifiedName returns schema.table.
func (t *Table) QualifiedName() string {
	return fmt.Sprintf("%s.%s", t.Schema, t.Name)
}

// Validate checks that the descriptor is usable for a restore.
func (t *Table) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("table %d has no name", t.ID)
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("table %s has no columns", t.QualifiedName())
	}
	seen := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		if seen[c.Name] {
			return fmt.Errorf("table %s has duplicate column %q", t.QualifiedName(), c.Name)
		}
		seen[c.Name] = true
	}
	if len(t.PrimaryKey) == 0 {
		return fmt.Errorf("table %s has no primary key", t.QualifiedName())
	}
	for _, pk := range t.PrimaryKey {
		if !seen[pk] {
			return fmt.Errorf("table %s: primary key column %q does not exist", t.QualifiedName(), pk)
		}
	}
	if t.FragmentCount == 0 {
		return fmt.Errorf("table %s has no fragments", t.QualifiedName())
	}
	if uint32(len(t.FragmentNodeGroups)) != t.FragmentCount {
		return fmt.Errorf("table %s: %d fragments but %d node group assignments",
			t.QualifiedName(), t.FragmentCount, len(t.FragmentNodeGroups))
	}
	return nil
}

// OriginalNodeGroup returns the node group that owned the fragment in the backup.
func (t *Table) OriginalNodeGroup(fragmentID uint32) (uint32, error) {
	if fragmentID >= uint32(len(t.FragmentNodeGroups)) {
		return 0, fmt.Errorf("fragment %d out of range for table %s (%d fragments)",
			fragmentID, t.QualifiedName(), len(t.FragmentNodeGroups))
	}
	return t.FragmentNodeGroups[fragmentID], nil
}

// ColumnIndex returns the position of the named column, or -1.
func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// KeyOf encodes the primary-key values of a row into a stable string.
// values must be aligned with Columns.
func (t *Table) KeyOf(values []any) (string, error) {
	if len(values) != len(t.Columns) {
		return "", fmt.Errorf("table %s expects %d values, got %d", t.QualifiedName(), len(t.Columns), len(values))
	}
	parts := make([]string, 0, len(t.PrimaryKey))
	for _, pk := range t.PrimaryKey {
		idx := t.ColumnIndex(pk)
		if idx < 0 {
			return "", fmt.Errorf("table %s: primary key column %q does not exist", t.QualifiedName(), pk)
		}
		v := values[idx]
		if v == nil {
			return "", fmt.Errorf("table %s: primary key column %q is null", t.QualifiedName(), pk)
		}
		parts = append(parts, FormatValue(v))
	}
	return strings.Join(parts, keySeparator), nil
}

// FormatValue renders a column value the same way for keys and printing.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return "0x" + hex.EncodeToString(x)
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}

// Clone returns a deep copy of the descriptor.
func (t *Table) Clone() *Table {
	c := *t
	c.Columns = append([]Column(nil), t.Columns...)
	c.PrimaryKey = append([]string(nil), t.PrimaryKey...)
	c.FragmentNodeGroups = append([]uint32(nil), t.FragmentNodeGroups...)
	return &c
}

// Equal reports whether two descriptors are schema-compatible: same name,
// same columns in the same order, same primary key and fragment count.
// Fragment node groups are not compared since a target may remap them.
func Equal(a, b *Table) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Schema != b.Schema || a.Name != b.Name {
		return false
	}
	if len(a.Columns) != len(b.Columns) || len(a.PrimaryKey) != len(b.PrimaryKey) {
		return false
	}
	for i := range a.Columns {
		if a.Columns[i] != b.Columns[i] {
			return false
		}
	}
	for i := range a.PrimaryKey {
		if a.PrimaryKey[i] != b.PrimaryKey[i] {
			return false
		}
	}
	return a.FragmentCount == b.FragmentCount
}

// TableNames returns a list of fully qualified table names (schema.table).
func (s *Schema) TableNames() []string {
	names := make([]string, len(s.Tables))
	for i, t := range s.Tables {
		names[i] = t.QualifiedName()
	}
	return names
}

// BaselineStore handles persisting and loading baseline schemas.
type BaselineStore struct {
	basePath string
}

// NewBaselineStore creates a store for baseline schemas under ~/.restorable/schemas.
func NewBaselineStore() (*BaselineStore, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("could not get user home directory: %w", err)
	}
	return NewBaselineStoreAt(filepath.Join(homeDir, ".restorable", "schemas"))
}

// NewBaselineStoreAt creates a store rooted at dir.
func NewBaselineStoreAt(dir string) (*BaselineStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create schemas directory: %w", err)
	}
	return &BaselineStore{basePath: dir}, nil
}

// Save persists a schema as the baseline for a project.
func (s *BaselineStore) Save(projectID string, schema *Schema) error {
	path := filepath.Join(s.basePath, projectID+".json")
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal schema: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write schema file: %w", err)
	}
	return nil
}

// Load retrieves the baseline schema for a project.
// Returns nil, nil if no baseline exists.
func (s *BaselineStore) Load(projectID string) (*Schema, error) {
	path := filepath.Join(s.basePath, projectID+".json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file: %w", err)
	}

	var schema Schema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, fmt.Errorf("failed to unmarshal schema: %w", err)
	}
	return &schema, nil
}

// Exists checks if a baseline schema exists for a project.
func (s *BaselineStore) Exists(projectID string) bool {
	path := filepath.Join(s.basePath, projectID+".json")
	_, err := os.Stat(path)
	return err == nil
}
