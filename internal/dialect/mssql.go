package dialect

import (
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"mssql-writer/internal/schema"
)

// TryCastMinVersion is the first SQL Server major version (2012) with TRY_CAST and TRY_CONVERT.
const TryCastMinVersion = 11

const maxIdentifierLength = 128

type MSSQLDialect struct {
	// NewToken makes constraint names unique per run.
	NewToken func() string
}

func NewMSSQLDialect() *MSSQLDialect {
	return &MSSQLDialect{NewToken: NewToken}
}

// go-mssqldb binds positional parameters as @p1, @p2, ...
var builder = sq.StatementBuilder.PlaceholderFormat(sq.AtP)

// QuoteIdentifier brackets the table segment only: "dbo.orders" -> "dbo.[orders]".
// Schema names are assumed to never need quoting.
func (d *MSSQLDialect) QuoteIdentifier(name string) string {
	schemaName, table := SplitTableName(name)
	quoted := "[" + strings.ReplaceAll(table, "]", "]]") + "]"
	if schemaName == "" {
		return quoted
	}
	return schemaName + "." + quoted
}

func (d *MSSQLDialect) CreateTableQuery(table string, cols []schema.ColumnDefinition, primaryKey []string) string {
	var defs []string
	for _, c := range cols {
		if c.Ignored() {
			continue
		}
		def := fmt.Sprintf("%s %s", d.QuoteIdentifier(c.Name), c.SQLType())
		if c.Nullable {
			def += " NULL"
		} else {
			def += " NOT NULL"
		}
		if c.HasDefault() && !c.Type.IsLargeObject() {
			def += fmt.Sprintf(" DEFAULT CAST('%s' AS %s)", escapeLiteral(*c.Default), c.SQLType())
		}
		defs = append(defs, def)
	}

	if len(primaryKey) > 0 {
		defs = append(defs, fmt.Sprintf("CONSTRAINT %s PRIMARY KEY CLUSTERED (%s)",
			d.QuoteIdentifier(d.constraintName(table, primaryKey)),
			joinMapped(primaryKey, ", ", d.QuoteIdentifier)))
	}

	return fmt.Sprintf("CREATE TABLE %s (%s)", d.QuoteIdentifier(table), strings.Join(defs, ", "))
}

// constraintName derives PK_<table>_<keys>_<token>, trimmed to the identifier limit.
func (d *MSSQLDialect) constraintName(table string, primaryKey []string) string {
	token := NewToken()
	if d.NewToken != nil {
		token = d.NewToken()
	}
	base := fmt.Sprintf("PK_%s_%s", strings.ReplaceAll(table, ".", "_"), strings.Join(primaryKey, "_"))
	if limit := maxIdentifierLength - len(token) - 1; len(base) > limit {
		base = base[:limit]
	}
	return base + "_" + token
}

func (d *MSSQLDialect) DropIfExistsQuery(table string) string {
	q := d.QuoteIdentifier(table)
	return fmt.Sprintf("IF OBJECT_ID(N'%s', N'U') IS NOT NULL DROP TABLE %s", escapeLiteral(q), q)
}

func (d *MSSQLDialect) TruncateQuery(table string) string {
	return fmt.Sprintf("TRUNCATE TABLE %s", d.QuoteIdentifier(table))
}

func (d *MSSQLDialect) AlterIndexQuery(index, table string, action IndexAction) string {
	return fmt.Sprintf("ALTER INDEX %s ON %s %s", d.QuoteIdentifier(index), d.QuoteIdentifier(table), action)
}

func (d *MSSQLDialect) CountRowsQuery(table string) string {
	return fmt.Sprintf("SELECT COUNT(*) AS cnt FROM %s", d.QuoteIdentifier(table))
}

// CastPromoteQuery moves the all-NVARCHAR staging rows into target, casting each
// column to its declared type.
func (d *MSSQLDialect) CastPromoteQuery(target, staging string, cols []schema.ColumnDefinition, serverMajor int) string {
	var casts []string
	for _, c := range cols {
		if c.Ignored() {
			continue
		}
		casts = append(casts, d.castExpr(c, serverMajor))
	}
	return fmt.Sprintf("INSERT INTO %s SELECT %s FROM %s",
		d.QuoteIdentifier(target), strings.Join(casts, ","), d.QuoteIdentifier(staging))
}

func (d *MSSQLDialect) castExpr(c schema.ColumnDefinition, serverMajor int) string {
	name := d.QuoteIdentifier(c.Name)
	trySupported := serverMajor >= TryCastMinVersion

	if c.Type.IsBinary() {
		fn := "CONVERT"
		if trySupported {
			fn = "TRY_CONVERT"
		}
		sqlType := c.SQLType()
		if c.Type == schema.TypeImage {
			sqlType = "varbinary(max)"
		}
		// style 1 decodes 0x-prefixed hex; SQL Server rejects odd-length hex, so those stay literal bytes
		style := fmt.Sprintf("CASE WHEN LEFT(%s, 2) = '0x' AND LEN(%s) %% 2 = 0 THEN 1 ELSE 0 END", name, name)
		expr := fmt.Sprintf("%s(%s, %s, %s)", fn, sqlType, name, style)
		if !c.Nullable {
			expr = fmt.Sprintf("COALESCE(%s, 0x)", expr)
		}
		return expr + " as " + name
	}

	fn := "CAST"
	if trySupported {
		fn = "TRY_CAST"
	}
	src := name
	if c.Nullable {
		src = fmt.Sprintf("NULLIF(%s, '')", name)
	}
	// TRY_CAST of NULL is NULL, which would break NOT NULL string columns.
	if !c.Nullable && (c.Type.IsStringLike() || c.HasDefault()) {
		def := ""
		if c.HasDefault() {
			def = *c.Default
		}
		src = fmt.Sprintf("COALESCE(%s, '%s')", src, escapeLiteral(def))
	}
	return fmt.Sprintf("%s(%s AS %s) as %s", fn, src, c.SQLType(), name)
}

func (d *MSSQLDialect) joinOn(primaryKey []string) string {
	return joinMapped(primaryKey, " AND ", func(k string) string {
		q := d.QuoteIdentifier(k)
		return fmt.Sprintf("a.%s = b.%s", q, q)
	})
}

func (d *MSSQLDialect) activeNames(cols []schema.ColumnDefinition) []string {
	var names []string
	for _, c := range cols {
		if !c.Ignored() {
			names = append(names, c.Name)
		}
	}
	return names
}

// UpsertUpdateQuery overwrites every column of target rows whose key is present in staging.
func (d *MSSQLDialect) UpsertUpdateQuery(target, staging string, cols []schema.ColumnDefinition, primaryKey []string) string {
	set := joinMapped(d.activeNames(cols), ",", func(n string) string {
		q := d.QuoteIdentifier(n)
		return fmt.Sprintf("a.%s = b.%s", q, q)
	})
	return fmt.Sprintf("UPDATE a SET %s FROM %s a INNER JOIN %s b ON %s;",
		set, d.QuoteIdentifier(target), d.QuoteIdentifier(staging), d.joinOn(primaryKey))
}

// UpsertDeleteQuery removes the already-applied rows from staging.
func (d *MSSQLDialect) UpsertDeleteQuery(target, staging string, primaryKey []string) string {
	return fmt.Sprintf("DELETE a FROM %s a INNER JOIN %s b ON %s",
		d.QuoteIdentifier(staging), d.QuoteIdentifier(target), d.joinOn(primaryKey))
}

func (d *MSSQLDialect) UpsertInsertQuery(target, staging string, cols []schema.ColumnDefinition) string {
	list := joinMapped(d.activeNames(cols), ", ", d.QuoteIdentifier)
	return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s",
		d.QuoteIdentifier(target), list, list, d.QuoteIdentifier(staging))
}

func stripBrackets(s string) string {
	return strings.NewReplacer("[", "", "]", "").Replace(s)
}

func (d *MSSQLDialect) TableExists(table string) (string, []any, error) {
	schemaName, name := SplitTableName(table)
	q := builder.Select("TABLE_NAME").
		From("INFORMATION_SCHEMA.TABLES").
		Where(sq.Eq{"TABLE_NAME": stripBrackets(name)})
	if schemaName != "" {
		q = q.Where(sq.Eq{"TABLE_SCHEMA": schemaName})
	}
	return q.ToSql()
}

const primaryKeyColumns = `(SELECT ccu.TABLE_SCHEMA, ccu.TABLE_NAME, ccu.COLUMN_NAME, ccu.CONSTRAINT_NAME AS pk_name
	FROM INFORMATION_SCHEMA.KEY_COLUMN_USAGE AS ccu
	JOIN INFORMATION_SCHEMA.TABLE_CONSTRAINTS AS tc
	ON ccu.CONSTRAINT_NAME = tc.CONSTRAINT_NAME AND ccu.TABLE_NAME = tc.TABLE_NAME AND tc.CONSTRAINT_TYPE = 'PRIMARY KEY'
) AS pk ON pk.TABLE_SCHEMA = c.TABLE_SCHEMA AND pk.TABLE_NAME = c.TABLE_NAME AND pk.COLUMN_NAME = c.COLUMN_NAME`

// TableInfo lists the columns of table with their primary key constraint, if any.
func (d *MSSQLDialect) TableInfo(table string) (string, []any, error) {
	schemaName, name := SplitTableName(table)
	q := builder.Select(
		"c.COLUMN_NAME", "c.DATA_TYPE", "c.IS_NULLABLE", "c.CHARACTER_MAXIMUM_LENGTH", "c.COLUMN_DEFAULT", "pk.pk_name",
	).
		From("INFORMATION_SCHEMA.COLUMNS AS c").
		LeftJoin(primaryKeyColumns).
		Where(sq.Eq{"c.TABLE_NAME": stripBrackets(name)})
	if schemaName != "" {
		q = q.Where(sq.Eq{"c.TABLE_SCHEMA": schemaName})
	}
	return q.OrderBy("c.ORDINAL_POSITION").ToSql()
}

func (d *MSSQLDialect) NonclusteredIndexes(table string) (string, []any, error) {
	schemaName, name := SplitTableName(table)
	q := builder.Select("I.name").
		From("sys.indexes I").
		Join("sys.tables T ON I.object_id = T.object_id").
		Where(sq.Eq{"I.type_desc": "NONCLUSTERED", "T.name": stripBrackets(name)}).
		Where("I.name IS NOT NULL")
	if schemaName != "" {
		q = q.Where(sq.Eq{"SCHEMA_NAME(T.schema_id)": schemaName})
	}
	return q.ToSql()
}

func (d *MSSQLDialect) ServerVersionQuery() string {
	return "SELECT CONVERT(varchar, SERVERPROPERTY('ProductVersion')) AS version"
}

func (d *MSSQLDialect) FormatVersionQuery() string {
	return "SELECT CONVERT(varchar, SERVERPROPERTY('ProductMajorVersion')) AS version"
}

func (d *MSSQLDialect) CollationQuery() string {
	return "SELECT CONVERT(varchar, SERVERPROPERTY('collation')) AS collation"
}
