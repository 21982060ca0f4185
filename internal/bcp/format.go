package bcp

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"mssql-writer/internal/dialect"
	"mssql-writer/internal/preprocess"
	"mssql-writer/internal/schema"
)

const (
	DefaultCollation = "SQL_Latin1_General_CP1_CI_AS"

	defaultFormatMajor = 12
	// newer bcp format versions fail with "Unknown error occurred while attempting to read"
	maxFormatMajor = 14

	sourceType = "SQLCHAR"
)

// FormatVersion maps SERVERPROPERTY('ProductMajorVersion') to the format file version line.
func FormatVersion(productMajor string) string {
	major, err := strconv.Atoi(strings.TrimSpace(productMajor))
	if err != nil || major <= 0 {
		major = defaultFormatMajor
	}
	if major > maxFormatMajor {
		major = maxFormatMajor
	}
	return fmt.Sprintf("%d.0", major)
}

// ResolveCollation applies the override, then the server collation, then the default.
func ResolveCollation(override, server string) string {
	if override != "" {
		return override
	}
	if strings.TrimSpace(server) != "" {
		return server
	}
	return DefaultCollation
}

// terminator renders s as a quoted C-style literal.
func terminator(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "\t", `\t`)
	return `"` + r.Replace(s) + `"`
}

// fieldName makes a column name usable as a whitespace-delimited format file token.
func fieldName(name string) string {
	name = strings.Join(strings.Fields(name), "_")
	if name == "" {
		return "_"
	}
	return name
}

// RenderFormat builds a non-XML format file for rows written by the preprocessor.
//
// Every row starts with the enclosure, so a leading "dummy" field terminated by
// that quote absorbs it. Fields then end with `"<~|~>"`, the last with `"\n`.
// Ignored columns keep their positional field but map to server column 0 (skipped).
func RenderFormat(version, collation string, cols []schema.ColumnDefinition) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n%d\n", version, len(cols)+1)

	line := func(field int, term string, dest int, name string) {
		fmt.Fprintf(&b, "%d\t%s\t0\t0\t%s\t%d\t%s\t%s\n", field, sourceType, terminator(term), dest, fieldName(name), collation)
	}
	line(1, preprocess.Enclosure, 0, "dummy")

	dest := 0
	for i, c := range cols {
		term := preprocess.Enclosure + preprocess.Delimiter + preprocess.Enclosure
		if i == len(cols)-1 {
			term = preprocess.Enclosure + preprocess.RowTerminator
		}
		order := 0
		if !c.Ignored() {
			dest++
			order = dest
		}
		name := c.Name
		if name == "" {
			name = c.SourceName
		}
		line(i+2, term, order, name)
	}
	return b.String()
}

// WriteFormatFile stores content in a fresh file named after table.
func WriteFormatFile(dir, table, content string) (string, error) {
	_, name := dialect.SplitTableName(table)
	f, err := os.CreateTemp(dir, "format_file_"+fieldName(filepath.Base(name))+"_*.fmt")
	if err != nil {
		return "", fmt.Errorf("failed to create format file: %w", err)
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to write format file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to write format file: %w", err)
	}
	return f.Name(), nil
}
