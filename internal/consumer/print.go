package consumer

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/jedib0t/go-pretty/v6/table"
	"restorable.io/cluster-restore/internal/artifact"
	"restorable.io/cluster-restore/internal/restore"
	"restorable.io/cluster-restore/internal/schema"
)

// PrintOptions selects what a print consumer writes.
type PrintOptions struct {
	Meta bool
	Data bool
	Log  bool
	// FieldTerminator separates values of a row, tab by default.
	FieldTerminator string
	// LineTerminator ends every row, newline by default.
	LineTerminator string
	// TablePrefix starts every row with the table name.
	TablePrefix bool
}

// Print writes the backup as text instead of restoring it.
type Print struct {
	restore.Base

	w    io.Writer
	opts PrintOptions

	rows map[string]int64
}

var _ restore.Consumer = (*Print)(nil)

// NewPrint returns a print consumer writing to w. Consumers of different
// lanes sharing one writer should wrap it with LockedWriter.
func NewPrint(w io.Writer, opts PrintOptions) *Print {
	if opts.FieldTerminator == "" {
		opts.FieldTerminator = "\t"
	}
	if opts.LineTerminator == "" {
		opts.LineTerminator = "\n"
	}
	return &Print{w: w, opts: opts, rows: make(map[string]int64)}
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// LockedWriter serializes writes to w.
func LockedWriter(w io.Writer) io.Writer {
	return &lockedWriter{w: w}
}

// Object implements restore.Consumer.
func (p *Print) Object(_ context.Context, obj *artifact.Object) error {
	if !p.opts.Meta {
		return nil
	}
	_, err := fmt.Fprintf(p.w, "-- object %d: %s %s (%d bytes)\n", obj.ID, obj.Type, obj.Name, len(obj.Payload))
	return err
}

// Table implements restore.Consumer.
func (p *Print) Table(_ context.Context, t *schema.Table) error {
	if !p.opts.Meta {
		return nil
	}
	tw := table.NewWriter()
	tw.SetTitle(fmt.Sprintf("%s (id %d, %d fragments)", t.QualifiedName(), t.ID, t.FragmentCount))
	tw.AppendHeader(table.Row{"Column", "Type", "Nullable", "Key"})
	for _, c := range t.Columns {
		key := ""
		for _, pk := range t.PrimaryKey {
			if pk == c.Name {
				key = "PK"
			}
		}
		tw.AppendRow(table.Row{c.Name, c.DataType, c.Nullable, key})
	}
	tw.SetStyle(table.StyleLight)
	_, err := fmt.Fprintln(p.w, tw.Render())
	return err
}

func (p *Print) row(prefix string, values []any) string {
	var b strings.Builder
	b.WriteString(prefix)
	for i, v := range values {
		if i > 0 {
			b.WriteString(p.opts.FieldTerminator)
		}
		b.WriteString(schema.FormatValue(v))
	}
	b.WriteString(p.opts.LineTerminator)
	return b.String()
}

// Tuple implements restore.Consumer.
func (p *Print) Tuple(_ context.Context, tup *artifact.Tuple, _ uint32) error {
	if !p.opts.Data {
		return nil
	}
	prefix := ""
	if p.opts.TablePrefix {
		prefix = tup.Table.QualifiedName() + p.opts.FieldTerminator
	}
	if _, err := io.WriteString(p.w, p.row(prefix, tup.Values)); err != nil {
		return err
	}
	p.rows[tup.Table.QualifiedName()]++
	return nil
}

// LogEntry implements restore.Consumer.
func (p *Print) LogEntry(_ context.Context, e *artifact.LogEntry) error {
	if !p.opts.Log {
		return nil
	}
	prefix := fmt.Sprintf("%d%s%s%s%s%s", e.Seq, p.opts.FieldTerminator, e.Op, p.opts.FieldTerminator, e.Table.QualifiedName(), p.opts.FieldTerminator)
	_, err := io.WriteString(p.w, p.row(prefix, e.Values))
	return err
}

// EndOfTuples prints the row counts of this lane.
func (p *Print) EndOfTuples(context.Context) error {
	if !p.opts.Data || len(p.rows) == 0 {
		return nil
	}
	names := make([]string, 0, len(p.rows))
	for name := range p.rows {
		names = append(names, name)
	}
	sort.Strings(names)
	tw := table.NewWriter()
	tw.AppendHeader(table.Row{"Table", "Rows"})
	for _, name := range names {
		tw.AppendRow(table.Row{name, p.rows[name]})
	}
	tw.SetStyle(table.StyleLight)
	_, err := fmt.Fprintln(p.w, tw.Render())
	return err
}
