// Package table implements the column-oriented result container returned by
// every query: a VirtualTable in three flavors (rows, errors, warnings),
// tagged by Kind rather than distinguished by Go type, per the "dynamic
// dispatch over result kinds" design note.
package table

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Kind tags the three result variants a query can produce.
type Kind int

const (
	KindRows Kind = iota
	KindErrors
	KindWarnings
)

func (k Kind) String() string {
	switch k {
	case KindErrors:
		return "Errors"
	case KindWarnings:
		return "Warnings"
	default:
		return "Rows"
	}
}

// Type is a coarse column type, derived from the driver's reported column
// type per the fixed table in §4.4.
type Type int

const (
	TypeUnknown Type = iota
	TypeInt
	TypeFloat
	TypeString
)

// Literal wraps a value that should be emitted verbatim in insert-SQL,
// bypassing Escape (the "(literal, S)" cell shape from §6).
type Literal struct {
	SQL string
}

// Table is the column-oriented result container (§3). Rows share a single
// field list; every row's length matches len(Fields).
type Table struct {
	kind   Kind
	fields []string
	rows   [][]interface{}
	types  []Type

	stream *RowIterator
}

// New builds a Rows table from fields, rows and optional coarse types.
func New(fields []string, rows [][]interface{}, types []Type) *Table {
	t := &Table{kind: KindRows, fields: append([]string(nil), fields...), types: types}
	for _, row := range rows {
		_ = t.Append(row)
	}
	return t
}

// NewErrors builds the canonical (Code, Message) errors table used
// throughout §4.4/§7.
func NewErrors(code int, message string) *Table {
	t := &Table{kind: KindErrors, fields: []string{"Code", "Message"}}
	_ = t.Append([]interface{}{code, message})
	return t
}

// NewWarnings builds an empty warnings table: the underlying driver only
// exposes a count, never the warning text (§4.4 step 4).
func NewWarnings() *Table {
	return &Table{kind: KindWarnings, fields: []string{"Level", "Code", "Message"}}
}

// NewLazy builds a Rows table backed by a pull-based RowIterator. Rows()
// and Len() drain the iterator fully (and cache the result) on first use;
// Iterate lets a caller consume rows one at a time without materializing.
func NewLazy(fields []string, types []Type, stream *RowIterator) *Table {
	return &Table{kind: KindRows, fields: append([]string(nil), fields...), types: types, stream: stream}
}

// RowIterator is a pull-based, explicitly-closeable row source, used when a
// Spec sets StreamResults (§4.4 step 3, design note on streaming control
// flow).
type RowIterator struct {
	NextFunc  func() ([]interface{}, bool, error)
	CloseFunc func() error
	err       error
}

// Next advances the iterator. It returns false at end-of-stream or on error;
// call Err to distinguish the two.
func (it *RowIterator) Next() ([]interface{}, bool) {
	row, ok, err := it.NextFunc()
	if err != nil {
		it.err = err
		return nil, false
	}
	return row, ok
}

// Err returns the first error encountered by Next, if any.
func (it *RowIterator) Err() error { return it.err }

// Close releases the underlying cursor.
func (it *RowIterator) Close() error {
	if it.CloseFunc == nil {
		return nil
	}
	return it.CloseFunc()
}

// Iterate drains the table's stream (if any) one row at a time, invoking fn
// for each row without ever materializing the full row set. Safe to call at
// most once; Rows()/Len() after Iterate will be empty, since the rows were
// already consumed and not buffered.
func (t *Table) Iterate(fn func(row []interface{}) error) error {
	if t.stream == nil {
		for _, row := range t.rows {
			if err := fn(row); err != nil {
				return err
			}
		}
		return nil
	}
	defer t.stream.Close()
	for {
		row, ok := t.stream.Next()
		if !ok {
			break
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	return t.stream.Err()
}

// materialize drains a lazy stream into t.rows exactly once.
func (t *Table) materialize() {
	if t.stream == nil {
		return
	}
	stream := t.stream
	t.stream = nil
	defer stream.Close()
	for {
		row, ok := stream.Next()
		if !ok {
			break
		}
		t.rows = append(t.rows, row)
	}
}

// Kind reports which of the three variants this table is.
func (t *Table) Kind() Kind { return t.kind }

// Fields returns the ordered column names.
func (t *Table) Fields() []string { return t.fields }

// Types returns the coarse per-column type tags, if known.
func (t *Table) Types() []Type { return t.types }

// Rows returns the ordered row data, materializing a streamed table first.
func (t *Table) Rows() [][]interface{} {
	t.materialize()
	return t.rows
}

// Len returns the number of rows, materializing a streamed table first.
func (t *Table) Len() int {
	t.materialize()
	return len(t.rows)
}

// Append appends one row. It returns an error if the row's width doesn't
// match the field count.
func (t *Table) Append(row []interface{}) error {
	if len(row) != len(t.fields) {
		return fmt.Errorf("table: incorrect column count: got %d, want %d", len(row), len(t.fields))
	}
	t.rows = append(t.rows, append([]interface{}(nil), row...))
	return nil
}

// AddField adds a new field, filling every existing row with value. It
// rejects duplicate field names.
func (t *Table) AddField(name string, value interface{}) error {
	for _, f := range t.fields {
		if f == name {
			return fmt.Errorf("table: field %s already exists", name)
		}
	}
	t.materialize()
	t.fields = append(t.fields, name)
	for i, row := range t.rows {
		t.rows[i] = append(row, value)
	}
	return nil
}

// Merge appends another table's rows onto this one. The two tables must
// have identical field lists.
func (t *Table) Merge(other *Table) error {
	if !stringSliceEqual(t.fields, other.Fields()) {
		return fmt.Errorf("table: field lists don't match (%v vs. %v)", t.fields, other.Fields())
	}
	for _, row := range other.Rows() {
		t.rows = append(t.rows, append([]interface{}(nil), row...))
	}
	return nil
}

// Equal reports whether two tables have the same kind, fields (ordered) and
// rows (ordered).
func (t *Table) Equal(other *Table) bool {
	if other == nil {
		return false
	}
	if t.kind != other.kind || !stringSliceEqual(t.fields, other.Fields()) {
		return false
	}
	rows, otherRows := t.Rows(), other.Rows()
	if len(rows) != len(otherRows) {
		return false
	}
	for i := range rows {
		if !rowEqual(rows[i], otherRows[i]) {
			return false
		}
	}
	return true
}

// String renders the table the way callers group results for comparison in
// Execute (§4.6); two equal tables render identically.
func (t *Table) String() string {
	rows := t.Rows()
	var body strings.Builder
	parts := make([]string, 0, len(rows))
	for _, row := range rows {
		cells := make([]string, 0, len(t.fields))
		for i, f := range t.fields {
			var v interface{}
			if i < len(row) {
				v = row[i]
			}
			cells = append(cells, fmt.Sprintf("%s: %v", f, v))
		}
		parts = append(parts, strings.Join(cells, "\n"))
	}
	body.WriteString(strings.Join(parts, "\n*****\n"))
	return fmt.Sprintf("%s returned: %d\n*****\n%s\n", t.kind, len(rows), body.String())
}

// Escape escapes a value for inline SQL embedding: single quotes are
// doubled and the result is wrapped in single quotes (§6 escaping
// contract).
func Escape(value interface{}) string {
	return "'" + strings.ReplaceAll(fmt.Sprint(value), "'", "''") + "'"
}

// GetInsertSQLList turns the table into one or more INSERT statements,
// optionally chunked to maxSize bytes (0 = unlimited) and optionally one
// statement per row (extendedInsert = false). The running length used for
// the maxSize check excludes the trailing ';' (§9(c)), matching the
// original implementation exactly.
func (t *Table) GetInsertSQLList(tableName string, maxSize int, extendedInsert bool) []string {
	rows := t.Rows()
	if len(rows) == 0 {
		return []string{fmt.Sprintf("-- Table %s is empty", tableName)}
	}

	header := fmt.Sprintf("INSERT INTO %s (%s) VALUES ", tableName, strings.Join(t.fields, ","))

	var statements []string
	parts := []string{header}
	length := len(header)

	flush := func() {
		parts = append(parts, ";")
		statements = append(statements, strings.Join(parts, ""))
		parts = []string{header}
		length = len(header)
	}

	for _, row := range rows {
		quoted := make([]string, 0, len(row))
		for _, v := range row {
			if lit, ok := v.(Literal); ok {
				quoted = append(quoted, lit.SQL)
			} else {
				quoted = append(quoted, Escape(v))
			}
		}
		values := "(" + strings.Join(quoted, ",") + ")"

		if (len(parts) > 1 && !extendedInsert) || (maxSize > 0 && length+len(values) >= maxSize) {
			flush()
		}
		if len(parts) > 1 {
			parts = append(parts, ",")
		}
		parts = append(parts, values)
		length += len(values)
	}

	if len(parts) > 1 {
		flush()
	}

	return statements
}

// GetInsertSQL returns the single-statement form of GetInsertSQLList.
func (t *Table) GetInsertSQL(tableName string) string {
	list := t.GetInsertSQLList(tableName, 0, true)
	if len(list) == 0 {
		return ""
	}
	return list[0]
}

func stringSliceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func rowEqual(a, b []interface{}) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if fmt.Sprint(a[i]) != fmt.Sprint(b[i]) {
			return false
		}
	}
	return true
}

// SortedHosts returns the keys of a host->Table map in lexicographic order,
// used wherever the spec requires a "stable, hostname-sorted rendering"
// (§4.6 Execute's InconsistentResponses message, §8 scenario 2).
func SortedHosts(results map[string]*Table) []string {
	hosts := make([]string, 0, len(results))
	for h := range results {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	return hosts
}

// Int64 is a small convenience for reading an integer cell back out,
// tolerating the mix of int64/int/string the driver or tests may produce.
func Int64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case []byte:
		return strconv.ParseInt(string(n), 10, 64)
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("table: cannot convert %T to int64", v)
	}
}
