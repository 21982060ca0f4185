package schema

import (
	"fmt"
	"strconv"
	"strings"

	"mssql-writer/internal/errs"
)

// LogicalType is the declared type of an export column.
type LogicalType int

const (
	TypeIgnore LogicalType = iota
	TypeInt
	TypeSmallInt
	TypeBigInt
	TypeMoney
	TypeDecimal
	TypeReal
	TypeFloat
	TypeDate
	TypeDateTime
	TypeDateTime2
	TypeSmallDateTime
	TypeTime
	TypeTimestamp
	TypeChar
	TypeVarchar
	TypeText
	TypeNChar
	TypeNVarchar
	TypeNText
	TypeBinary
	TypeVarBinary
	TypeImage
)

var typeNames = map[LogicalType]string{
	TypeIgnore:        "ignore",
	TypeInt:           "int",
	TypeSmallInt:      "smallint",
	TypeBigInt:        "bigint",
	TypeMoney:         "money",
	TypeDecimal:       "decimal",
	TypeReal:          "real",
	TypeFloat:         "float",
	TypeDate:          "date",
	TypeDateTime:      "datetime",
	TypeDateTime2:     "datetime2",
	TypeSmallDateTime: "smalldatetime",
	TypeTime:          "time",
	TypeTimestamp:     "timestamp",
	TypeChar:          "char",
	TypeVarchar:       "varchar",
	TypeText:          "text",
	TypeNChar:         "nchar",
	TypeNVarchar:      "nvarchar",
	TypeNText:         "ntext",
	TypeBinary:        "binary",
	TypeVarBinary:     "varbinary",
	TypeImage:         "image",
}

// ParseLogicalType resolves a configured type name (case-insensitive).
func ParseLogicalType(s string) (LogicalType, error) {
	want := strings.ToLower(strings.TrimSpace(s))
	for t, name := range typeNames {
		if name == want {
			return t, nil
		}
	}
	return TypeIgnore, fmt.Errorf("unsupported column type %q", s)
}

func (t LogicalType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "LogicalType(" + strconv.Itoa(int(t)) + ")"
}

// IsStringLike covers the char and text families.
func (t LogicalType) IsStringLike() bool {
	switch t {
	case TypeChar, TypeVarchar, TypeText, TypeNChar, TypeNVarchar, TypeNText:
		return true
	}
	return false
}

// IsBinary covers binary, varbinary and image.
func (t LogicalType) IsBinary() bool {
	switch t {
	case TypeBinary, TypeVarBinary, TypeImage:
		return true
	}
	return false
}

// IsLargeObject reports legacy LOB types that have no size and no DEFAULT support.
func (t LogicalType) IsLargeObject() bool {
	switch t {
	case TypeText, TypeNText, TypeImage:
		return true
	}
	return false
}

// keepsStagingSize is true for types whose declared length carries over to the staging column.
func (t LogicalType) keepsStagingSize() bool {
	switch t {
	case TypeChar, TypeVarchar, TypeNChar, TypeNVarchar, TypeBinary, TypeVarBinary:
		return true
	}
	return false
}

// ColumnDefinition describes one positional field of the extract.
type ColumnDefinition struct {
	SourceName string
	Name       string // destination column
	Type       LogicalType
	Size       string // "", "255", "10,2", "MAX"
	Nullable   bool
	Default    *string
}

func (c ColumnDefinition) Ignored() bool { return c.Type == TypeIgnore }

func (c ColumnDefinition) HasDefault() bool { return c.Default != nil }

// SQLType renders the type with its size suffix, e.g. "varchar(255)".
func (c ColumnDefinition) SQLType() string {
	if c.Size == "" {
		return c.Type.String()
	}
	return fmt.Sprintf("%s(%s)", c.Type, c.Size)
}

// ExportDescriptor is one destination table and the extract feeding it.
type ExportDescriptor struct {
	Table       string // optionally schema-qualified
	Columns     []ColumnDefinition
	PrimaryKey  []string
	Incremental bool
	SourceFile  string
	// Disabled tables are configured but not exported.
	Disabled bool
}

// Active returns the non-ignored columns in declaration order.
func (d *ExportDescriptor) Active() []ColumnDefinition {
	out := make([]ColumnDefinition, 0, len(d.Columns))
	for _, c := range d.Columns {
		if !c.Ignored() {
			out = append(out, c)
		}
	}
	return out
}

// SourceNames returns every column's extract header name, ignored ones included.
func (d *ExportDescriptor) SourceNames() []string {
	out := make([]string, len(d.Columns))
	for i, c := range d.Columns {
		out[i] = c.SourceName
	}
	return out
}

// Validate checks the descriptor invariants that do not need a database.
func (d *ExportDescriptor) Validate() error {
	if d.Table == "" {
		return &errs.ConfigurationError{Field: "dbName", Reason: "table name is empty"}
	}
	invalid := func(format string, args ...any) error {
		return &errs.ConfigurationError{Field: d.Table, Reason: fmt.Sprintf(format, args...)}
	}
	seen := make(map[string]bool)
	for _, c := range d.Active() {
		key := strings.ToLower(c.Name)
		if c.Name == "" {
			return invalid("column %q has no destination name", c.SourceName)
		}
		if seen[key] {
			return invalid("duplicate destination column %q", c.Name)
		}
		seen[key] = true
	}
	if d.Incremental && len(d.PrimaryKey) == 0 {
		return invalid("incremental write requires a primary key")
	}
	for _, k := range d.PrimaryKey {
		if !seen[strings.ToLower(k)] {
			return invalid("primary key column %q is not an exported column", k)
		}
	}
	return nil
}

// StagingColumns derives the import-friendly staging layout: every active column
// becomes a nullable NVARCHAR wide enough to hold its textual form.
func StagingColumns(cols []ColumnDefinition) []ColumnDefinition {
	out := make([]ColumnDefinition, 0, len(cols))
	for _, c := range cols {
		if c.Ignored() {
			continue
		}
		size := "255"
		if c.Type.keepsStagingSize() && c.Size != "" {
			size = c.Size
			if n, err := strconv.Atoi(c.Size); err == nil && n > 4000 {
				size = "MAX"
			}
		}
		if c.Type.IsLargeObject() || c.Type.IsBinary() {
			size = "MAX"
		}
		out = append(out, ColumnDefinition{
			SourceName: c.SourceName,
			Name:       c.Name,
			Type:       TypeNVarchar,
			Size:       size,
			Nullable:   true,
		})
	}
	return out
}
