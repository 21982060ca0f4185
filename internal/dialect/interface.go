package dialect

import "mssql-writer/internal/schema"

// IndexAction is the ALTER INDEX operation used around a merge.
type IndexAction string

const (
	IndexDisable IndexAction = "DISABLE"
	IndexRebuild IndexAction = "REBUILD"
)

// Dialect renders every SQL statement the writer issues. Implementations do no I/O.
type Dialect interface {
	QuoteIdentifier(name string) string

	// DDL
	CreateTableQuery(table string, cols []schema.ColumnDefinition, primaryKey []string) string
	DropIfExistsQuery(table string) string
	TruncateQuery(table string) string
	AlterIndexQuery(index, table string, action IndexAction) string

	// DML
	CastPromoteQuery(target, staging string, cols []schema.ColumnDefinition, serverMajor int) string
	UpsertUpdateQuery(target, staging string, cols []schema.ColumnDefinition, primaryKey []string) string
	UpsertDeleteQuery(target, staging string, primaryKey []string) string
	UpsertInsertQuery(target, staging string, cols []schema.ColumnDefinition) string
	CountRowsQuery(table string) string

	// Metadata queries, parameterized
	TableExists(table string) (string, []any, error)
	TableInfo(table string) (string, []any, error)
	NonclusteredIndexes(table string) (string, []any, error)
	ServerVersionQuery() string
	FormatVersionQuery() string
	CollationQuery() string
}
