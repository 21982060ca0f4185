package schema

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cast"

	"mssql-writer/internal/errs"
)

// Table is a destination table as reported by INFORMATION_SCHEMA.
type Table struct {
	Name    string
	Columns []*Column
}

type Column struct {
	Name       string
	DataType   string
	Length     int // -1 for MAX, 0 when not applicable
	IsNullable bool
	IsPK       bool
	PKName     string
}

// Lookup finds a column by name, case-insensitively.
func (t *Table) Lookup(name string) (*Column, bool) {
	for _, c := range t.Columns {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return nil, false
}

// PrimaryKey returns the primary key column names in ordinal order.
func (t *Table) PrimaryKey() []string {
	var pk []string
	for _, c := range t.Columns {
		if c.IsPK {
			pk = append(pk, c.Name)
		}
	}
	return pk
}

// HasPrimaryKey reports whether the table is keyed on exactly keys, in order,
// ignoring case.
func (t *Table) HasPrimaryKey(keys []string) bool {
	pk := t.PrimaryKey()
	if len(pk) != len(keys) {
		return false
	}
	for i, k := range keys {
		if !strings.EqualFold(pk[i], k) {
			return false
		}
	}
	return true
}

// Querier runs a read query and returns every row as column->value.
type Querier interface {
	FetchAll(ctx context.Context, query string, args ...any) ([]map[string]any, error)
}

// TableInfoBuilder renders the column metadata query for a table.
type TableInfoBuilder interface {
	TableInfo(table string) (string, []any, error)
}

// Analyze introspects one destination table. A table with no columns is reported as nil.
func Analyze(ctx context.Context, q Querier, b TableInfoBuilder, table string) (*Table, error) {
	query, args, err := b.TableInfo(table)
	if err != nil {
		return nil, fmt.Errorf("failed to build table info query: %w", err)
	}
	rows, err := q.FetchAll(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query columns of %s: %w", table, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	t := &Table{Name: table}
	for _, row := range rows {
		name := cast.ToString(row["COLUMN_NAME"])
		if name == "" {
			continue
		}
		col := &Column{
			Name:       name,
			DataType:   strings.ToLower(cast.ToString(row["DATA_TYPE"])),
			IsNullable: strings.EqualFold(cast.ToString(row["IS_NULLABLE"]), "YES"),
			PKName:     cast.ToString(row["pk_name"]),
		}
		col.IsPK = col.PKName != ""
		if v, ok := row["CHARACTER_MAXIMUM_LENGTH"]; ok && v != nil {
			col.Length = cast.ToInt(v)
		}
		t.Columns = append(t.Columns, col)
	}
	return t, nil
}

// ValidateTable checks that every exported column exists in dest with the declared type.
func ValidateTable(dest *Table, d *ExportDescriptor) error {
	for _, c := range d.Active() {
		got, ok := dest.Lookup(c.Name)
		if !ok {
			return &errs.SchemaMismatchError{Table: d.Table, Column: c.Name, Declared: c.Type.String()}
		}
		if !strings.EqualFold(got.DataType, c.Type.String()) {
			return &errs.SchemaMismatchError{
				Table:    d.Table,
				Column:   c.Name,
				Declared: c.Type.String(),
				Actual:   got.DataType,
			}
		}
	}
	return nil
}
