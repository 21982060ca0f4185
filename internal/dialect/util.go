package dialect

import (
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// SplitTableName splits "schema.table" into its parts. The schema is empty when absent.
func SplitTableName(name string) (schemaName, table string) {
	if i := strings.Index(name, "."); i >= 0 {
		return name[:i], name[i+1:]
	}
	return "", name
}

// PrefixTableName prefixes the table segment, keeping any schema: ("dbo.t", "tmp_") -> "dbo.tmp_t".
func PrefixTableName(prefix, name string) string {
	schemaName, table := SplitTableName(name)
	if schemaName == "" {
		return prefix + table
	}
	return schemaName + "." + prefix + table
}

// NewToken returns a random identifier-safe token.
func NewToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// StagingName builds a per-run staging table name next to table. The table
// segment is trimmed so the result stays within the identifier limit.
func StagingName(kind, table string) string {
	prefix := kind + "_" + NewToken()[:13] + "_"
	schemaName, name := SplitTableName(table)
	if limit := maxIdentifierLength - utf8.RuneCountInString(prefix); utf8.RuneCountInString(name) > limit {
		name = string([]rune(name)[:limit])
	}
	if schemaName != "" {
		name = schemaName + "." + name
	}
	return PrefixTableName(prefix, name)
}

// escapeLiteral doubles single quotes for a T-SQL string literal.
func escapeLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// joinMapped applies f to each element and joins the results with sep.
func joinMapped[T any](items []T, sep string, f func(T) string) string {
	parts := make([]string, len(items))
	for i, it := range items {
		parts[i] = f(it)
	}
	return strings.Join(parts, sep)
}
