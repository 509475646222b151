package cluster

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/lib/pq"
	"github.com/pingcap/errors"
	"restorable.io/cluster-restore/internal/artifact"
	"restorable.io/cluster-restore/internal/metrics"
	"restorable.io/cluster-restore/internal/nodegroup"
	"restorable.io/cluster-restore/internal/schema"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	fragmentColumn  = "_fragment"
	nodeGroupColumn = "_node_group"
)

// PostgresOptions describes the topology a PostgreSQL target emulates.
type PostgresOptions struct {
	// CatalogSchema holds the restore catalog and object tables.
	CatalogSchema string
	NodeGroups    int
	Replicas      int
}

// Postgres stores every table of the backup in PostgreSQL. Each row carries
// the fragment and node group it was placed on.
type Postgres struct {
	db   *sql.DB
	opts PostgresOptions
}

var _ Cluster = (*Postgres)(nil)

// OpenPostgres connects to dsn with lib/pq and prepares the catalog.
func OpenPostgres(ctx context.Context, dsn string, opts PostgresOptions) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Annotate(err, "open postgres")
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Annotate(err, "connect to postgres")
	}
	p, err := NewPostgres(ctx, db, opts)
	if err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

// NewPostgres wraps an open database and creates the catalog if missing.
func NewPostgres(ctx context.Context, db *sql.DB, opts PostgresOptions) (*Postgres, error) {
	if opts.CatalogSchema == "" {
		opts.CatalogSchema = "restore"
	}
	if opts.NodeGroups <= 0 {
		opts.NodeGroups = 1
	}
	if opts.Replicas <= 0 {
		opts.Replicas = 1
	}
	p := &Postgres{db: db, opts: opts}
	stmts := []string{
		fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", pq.QuoteIdentifier(opts.CatalogSchema)),
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (schema_name text NOT NULL, table_name text NOT NULL, descriptor jsonb NOT NULL, indexed boolean NOT NULL DEFAULT false, PRIMARY KEY (schema_name, table_name))", p.catalog("tables")),
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (id bigint PRIMARY KEY, type text NOT NULL, name text, payload bytea)", p.catalog("objects")),
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, errors.Annotate(err, "create restore catalog")
		}
	}
	return p, nil
}

func (p *Postgres) catalog(name string) string {
	return pq.QuoteIdentifier(p.opts.CatalogSchema) + "." + pq.QuoteIdentifier(name)
}

func qualified(t *schema.Table) string {
	return pq.QuoteIdentifier(t.Schema) + "." + pq.QuoteIdentifier(t.Name)
}

func observe(op string, start time.Time) {
	metrics.TargetLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// columnType maps backup column types onto PostgreSQL types.
func columnType(dataType string) (string, error) {
	switch strings.ToLower(dataType) {
	case "int", "integer", "bigint", "smallint", "tinyint", "mediumint":
		return "bigint", nil
	case "varchar", "char", "text", "string":
		return "text", nil
	case "decimal", "numeric":
		return "numeric", nil
	case "float", "double", "real":
		return "double precision", nil
	case "blob", "binary", "varbinary", "bytes":
		return "bytea", nil
	case "bool", "boolean":
		return "boolean", nil
	case "datetime", "timestamp", "timestamptz":
		return "timestamptz", nil
	default:
		return "", ErrUnsupportedType.GenWithStackByArgs(dataType)
	}
}

// NodeGroups implements Cluster.
func (p *Postgres) NodeGroups(context.Context) ([]NodeGroup, error) {
	groups := make([]NodeGroup, p.opts.NodeGroups)
	for i := range groups {
		groups[i] = NodeGroup{ID: uint32(i), Replicas: p.opts.Replicas}
	}
	return groups, nil
}

// ApplyObject implements Cluster.
func (p *Postgres) ApplyObject(ctx context.Context, obj *artifact.Object) error {
	defer observe("apply_object", time.Now())
	_, err := p.db.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (id, type, name, payload) VALUES ($1, $2, $3, $4) ON CONFLICT (id) DO UPDATE SET type = EXCLUDED.type, name = EXCLUDED.name, payload = EXCLUDED.payload", p.catalog("objects")),
		obj.ID, obj.Type.String(), obj.Name, obj.Payload)
	return errors.Trace(err)
}

// CreateTable implements Cluster.
func (p *Postgres) CreateTable(ctx context.Context, t *schema.Table) error {
	defer observe("create_table", time.Now())
	existing, err := p.LookupTable(ctx, t.Schema, t.Name)
	if err == nil {
		if !schema.Equal(existing, t) {
			return ErrTableExists.GenWithStackByArgs(t.QualifiedName())
		}
		return nil
	}
	if !ErrTableNotFound.Equal(err) {
		return err
	}

	descriptor, err := json.Marshal(t)
	if err != nil {
		return errors.Trace(err)
	}
	cols := make([]string, 0, len(t.Columns)+3)
	for _, c := range t.Columns {
		colType, err := columnType(c.DataType)
		if err != nil {
			return errors.Annotatef(err, "column %s of %s", c.Name, t.QualifiedName())
		}
		def := pq.QuoteIdentifier(c.Name) + " " + colType
		if !c.Nullable {
			def += " NOT NULL"
		}
		cols = append(cols, def)
	}
	cols = append(cols,
		fragmentColumn+" integer NOT NULL",
		nodeGroupColumn+" integer NOT NULL",
		"PRIMARY KEY ("+quoteAll(t.PrimaryKey)+")")

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Trace(err)
	}
	defer tx.Rollback()
	stmts := []string{
		fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", pq.QuoteIdentifier(t.Schema)),
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", qualified(t), strings.Join(cols, ", ")),
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return errors.Annotatef(err, "create table %s", t.QualifiedName())
		}
	}
	_, err = tx.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (schema_name, table_name, descriptor) VALUES ($1, $2, $3)", p.catalog("tables")),
		t.Schema, t.Name, string(descriptor))
	if err != nil {
		return errors.Annotatef(err, "register table %s", t.QualifiedName())
	}
	return errors.Trace(tx.Commit())
}

// LookupTable implements Cluster.
func (p *Postgres) LookupTable(ctx context.Context, schemaName, name string) (*schema.Table, error) {
	var descriptor string
	err := p.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT descriptor FROM %s WHERE schema_name = $1 AND table_name = $2", p.catalog("tables")),
		schemaName, name).Scan(&descriptor)
	if err == sql.ErrNoRows {
		return nil, ErrTableNotFound.GenWithStackByArgs(schemaName + "." + name)
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	var t schema.Table
	if err := json.Unmarshal([]byte(descriptor), &t); err != nil {
		return nil, errors.Annotatef(err, "decode descriptor of %s.%s", schemaName, name)
	}
	return &t, nil
}

func quoteAll(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = pq.QuoteIdentifier(n)
	}
	return strings.Join(quoted, ", ")
}

func placeholders(from, n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = fmt.Sprintf("$%d", from+i)
	}
	return strings.Join(ph, ", ")
}

func keyArgs(t *schema.Table, values []any) ([]any, error) {
	if len(values) != len(t.Columns) {
		return nil, errors.Errorf("table %s expects %d values, got %d", t.QualifiedName(), len(t.Columns), len(values))
	}
	args := make([]any, len(t.PrimaryKey))
	for i, pk := range t.PrimaryKey {
		args[i] = values[t.ColumnIndex(pk)]
	}
	return args, nil
}

func keyPredicate(t *schema.Table, from int) string {
	preds := make([]string, len(t.PrimaryKey))
	for i, pk := range t.PrimaryKey {
		preds[i] = fmt.Sprintf("%s = $%d", pq.QuoteIdentifier(pk), from+i)
	}
	return strings.Join(preds, " AND ")
}

func isKey(t *schema.Table, column string) bool {
	for _, pk := range t.PrimaryKey {
		if pk == column {
			return true
		}
	}
	return false
}

// Upsert implements Cluster.
func (p *Postgres) Upsert(ctx context.Context, t *schema.Table, pl nodegroup.Placement, values []any) error {
	defer observe("upsert", time.Now())
	if len(values) != len(t.Columns) {
		return errors.Errorf("table %s expects %d values, got %d", t.QualifiedName(), len(t.Columns), len(values))
	}
	names := make([]string, 0, len(t.Columns)+2)
	sets := make([]string, 0, len(t.Columns)+2)
	for _, c := range t.Columns {
		names = append(names, c.Name)
		if !isKey(t, c.Name) {
			sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", pq.QuoteIdentifier(c.Name), pq.QuoteIdentifier(c.Name)))
		}
	}
	names = append(names, fragmentColumn, nodeGroupColumn)
	sets = append(sets,
		fmt.Sprintf("%s = EXCLUDED.%s", fragmentColumn, fragmentColumn),
		fmt.Sprintf("%s = EXCLUDED.%s", nodeGroupColumn, nodeGroupColumn))
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		qualified(t), quoteAll(names), placeholders(1, len(names)), quoteAll(t.PrimaryKey), strings.Join(sets, ", "))
	args := append(append([]any(nil), values...), int64(pl.Fragment), int64(pl.NodeGroup))
	_, err := p.db.ExecContext(ctx, query, args...)
	return errors.Trace(err)
}

// Update implements Cluster.
func (p *Postgres) Update(ctx context.Context, t *schema.Table, pl nodegroup.Placement, values []any) error {
	defer observe("update", time.Now())
	keys, err := keyArgs(t, values)
	if err != nil {
		return err
	}
	var sets []string
	var args []any
	for i, c := range t.Columns {
		if isKey(t, c.Name) {
			continue
		}
		args = append(args, values[i])
		sets = append(sets, fmt.Sprintf("%s = $%d", pq.QuoteIdentifier(c.Name), len(args)))
	}
	args = append(args, int64(pl.Fragment), int64(pl.NodeGroup))
	sets = append(sets,
		fmt.Sprintf("%s = $%d", fragmentColumn, len(args)-1),
		fmt.Sprintf("%s = $%d", nodeGroupColumn, len(args)))
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s", qualified(t), strings.Join(sets, ", "), keyPredicate(t, len(args)+1))
	res, err := p.db.ExecContext(ctx, query, append(args, keys...)...)
	if err != nil {
		return errors.Trace(err)
	}
	return p.affected(res, t, values)
}

// Delete implements Cluster.
func (p *Postgres) Delete(ctx context.Context, t *schema.Table, _ nodegroup.Placement, values []any) error {
	defer observe("delete", time.Now())
	keys, err := keyArgs(t, values)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s", qualified(t), keyPredicate(t, 1)), keys...)
	if err != nil {
		return errors.Trace(err)
	}
	return p.affected(res, t, values)
}

func (p *Postgres) affected(res sql.Result, t *schema.Table, values []any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Trace(err)
	}
	if n == 0 {
		key, _ := t.KeyOf(values)
		return ErrKeyNotFound.GenWithStackByArgs(key, t.QualifiedName())
	}
	return nil
}

// BuildIndexes implements Cluster. The catalog remembers which tables are
// indexed so repeated calls do nothing.
func (p *Postgres) BuildIndexes(ctx context.Context, t *schema.Table) error {
	defer observe("build_indexes", time.Now())
	var indexed bool
	err := p.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT indexed FROM %s WHERE schema_name = $1 AND table_name = $2", p.catalog("tables")),
		t.Schema, t.Name).Scan(&indexed)
	if err == sql.ErrNoRows {
		return ErrTableNotFound.GenWithStackByArgs(t.QualifiedName())
	}
	if err != nil {
		return errors.Trace(err)
	}
	if indexed {
		return nil
	}
	index := pq.QuoteIdentifier(t.Name + nodeGroupColumn + "_idx")
	stmts := []string{
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", index, qualified(t), nodeGroupColumn),
		fmt.Sprintf("ANALYZE %s", qualified(t)),
	}
	for _, stmt := range stmts {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return errors.Annotatef(err, "build indexes of %s", t.QualifiedName())
		}
	}
	_, err = p.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET indexed = true WHERE schema_name = $1 AND table_name = $2", p.catalog("tables")),
		t.Schema, t.Name)
	return errors.Trace(err)
}

// EnsureSystemTable implements Cluster.
func (p *Postgres) EnsureSystemTable(ctx context.Context, t *schema.Table) error {
	cols := make([]string, 0, len(t.Columns)+1)
	for _, c := range t.Columns {
		colType, err := columnType(c.DataType)
		if err != nil {
			return errors.Annotatef(err, "column %s of %s", c.Name, t.QualifiedName())
		}
		cols = append(cols, pq.QuoteIdentifier(c.Name)+" "+colType)
	}
	cols = append(cols, "PRIMARY KEY ("+quoteAll(t.PrimaryKey)+")")
	stmts := []string{
		fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", pq.QuoteIdentifier(t.Schema)),
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", qualified(t), strings.Join(cols, ", ")),
	}
	for _, stmt := range stmts {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return errors.Annotatef(err, "create system table %s", t.QualifiedName())
		}
	}
	return nil
}

// ReadApplyStatus implements Cluster.
func (p *Postgres) ReadApplyStatus(ctx context.Context, t *schema.Table, backupID, nodeID uint32) (*artifact.ApplyStatus, error) {
	s := artifact.ApplyStatus{BackupID: backupID, NodeID: nodeID}
	var position, epoch int64
	err := p.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT log_position, epoch, updated_at FROM %s WHERE backup_id = $1 AND node_id = $2", qualified(t)),
		int64(backupID), int64(nodeID)).Scan(&position, &epoch, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "42P01" {
			// undefined_table: nothing was ever recorded
			return nil, nil
		}
		return nil, errors.Trace(err)
	}
	s.LogPosition = uint64(position)
	s.Epoch = uint64(epoch)
	return &s, nil
}

// WriteApplyStatus implements Cluster.
func (p *Postgres) WriteApplyStatus(ctx context.Context, t *schema.Table, status *artifact.ApplyStatus) error {
	defer observe("write_apply_status", time.Now())
	_, err := p.db.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (backup_id, node_id, log_position, epoch, updated_at) VALUES ($1, $2, $3, $4, $5) ON CONFLICT (backup_id, node_id) DO UPDATE SET log_position = EXCLUDED.log_position, epoch = EXCLUDED.epoch, updated_at = EXCLUDED.updated_at", qualified(t)),
		int64(status.BackupID), int64(status.NodeID), int64(status.LogPosition), int64(status.Epoch), status.UpdatedAt)
	return errors.Trace(err)
}

// IsTemporary implements Cluster. Serialization failures, deadlocks,
// resource shortages and connection loss are retried.
func (p *Postgres) IsTemporary(err error) bool {
	cause := errors.Cause(err)
	if cause == driver.ErrBadConn {
		return true
	}
	pqErr, ok := cause.(*pq.Error)
	if !ok {
		return false
	}
	switch pqErr.Code.Class() {
	case "40", "53", "08":
		return true
	}
	return pqErr.Code == "57P03"
}

// Close implements Cluster.
func (p *Postgres) Close() error {
	return p.db.Close()
}
