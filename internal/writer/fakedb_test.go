package writer_test

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"

	"mssql-writer/internal/writer"
)

// fakeDB interprets the T-SQL the writer generates over in-memory tables.
type fakeDB struct {
	tables     map[string]*fakeTable
	statements []string
	failOn     string // Exec fails for statements containing it
	version    string
}

type fakeColumn struct {
	name     string
	typ      string
	nullable bool
}

type fakeTable struct {
	cols    []fakeColumn
	pk      []string
	rows    []map[string]any
	indexes map[string]bool // name -> disabled
}

func newFakeDB() *fakeDB {
	return &fakeDB{tables: make(map[string]*fakeTable), version: "15.0.2000.5"}
}

var (
	reDrop       = regexp.MustCompile(`^IF OBJECT_ID\(N'.*', N'U'\) IS NOT NULL DROP TABLE (\S+)$`)
	reCreate     = regexp.MustCompile(`(?s)^CREATE TABLE (\S+) \((.*)\)$`)
	reColumnDef  = regexp.MustCompile(`(?:^|, )\[((?:[^\]]|\]\])+)\] (\w+)(?:\([^)]*\))? (NOT NULL|NULL)`)
	rePK         = regexp.MustCompile(`PRIMARY KEY CLUSTERED \((.*)\)$`)
	reTruncate   = regexp.MustCompile(`^TRUNCATE TABLE (\S+)$`)
	reAlterIndex = regexp.MustCompile(`^ALTER INDEX \[(.+)\] ON (\S+) (DISABLE|REBUILD)$`)
	reCount      = regexp.MustCompile(`^SELECT COUNT\(\*\) AS cnt FROM (\S+)$`)
	reUpdate     = regexp.MustCompile(`(?s)^UPDATE a SET (.+) FROM (\S+) a INNER JOIN (\S+) b ON (.+);$`)
	reDelete     = regexp.MustCompile(`^DELETE a FROM (\S+) a INNER JOIN (\S+) b ON (.+)$`)
	reInsertList = regexp.MustCompile(`(?s)^INSERT INTO (\S+) \((.+)\) SELECT .+ FROM (\S+)$`)
	rePromote    = regexp.MustCompile(`(?s)^INSERT INTO (\S+) SELECT (.+) FROM (\S+)$`)
	reBracketed  = regexp.MustCompile(`\[((?:[^\]]|\]\])+)\]`)
	reKeyColumn  = regexp.MustCompile(`a\.\[((?:[^\]]|\]\])+)\] = b\.`)
	reAlias      = regexp.MustCompile(` as \[((?:[^\]]|\]\])+)\]`)
	reDefault    = regexp.MustCompile(`COALESCE\(.*, '((?:[^']|'')*)'\)`)
)

// unquote turns dbo.[users] into dbo.users.
func unquote(name string) string {
	name = strings.NewReplacer("]]", "\x00", "[", "", "]", "").Replace(name)
	return strings.ReplaceAll(name, "\x00", "]")
}

func bracketed(s string) []string {
	var out []string
	for _, m := range reBracketed.FindAllStringSubmatch(s, -1) {
		out = append(out, strings.ReplaceAll(m[1], "]]", "]"))
	}
	return out
}

func (db *fakeDB) Close() error { return nil }

func (db *fakeDB) table(quoted string) (*fakeTable, error) {
	t, ok := db.tables[unquote(quoted)]
	if !ok {
		return nil, fmt.Errorf("Invalid object name '%s'", unquote(quoted))
	}
	return t, nil
}

func (db *fakeDB) Exec(_ context.Context, query string, _ ...any) error {
	db.statements = append(db.statements, query)
	if db.failOn != "" && strings.Contains(query, db.failOn) {
		return fmt.Errorf("statement rejected by server")
	}

	if m := reDrop.FindStringSubmatch(query); m != nil {
		delete(db.tables, unquote(m[1]))
		return nil
	}
	if m := reCreate.FindStringSubmatch(query); m != nil {
		return db.create(unquote(m[1]), m[2])
	}
	if m := reTruncate.FindStringSubmatch(query); m != nil {
		t, err := db.table(m[1])
		if err != nil {
			return err
		}
		t.rows = nil
		return nil
	}
	if m := reAlterIndex.FindStringSubmatch(query); m != nil {
		t, err := db.table(m[2])
		if err != nil {
			return err
		}
		if _, ok := t.indexes[m[1]]; !ok {
			return fmt.Errorf("index %s not found", m[1])
		}
		t.indexes[m[1]] = m[3] == "DISABLE"
		return nil
	}
	if m := reUpdate.FindStringSubmatch(query); m != nil {
		return db.update(m)
	}
	if m := reDelete.FindStringSubmatch(query); m != nil {
		return db.delete(m)
	}
	if m := reInsertList.FindStringSubmatch(query); m != nil {
		return db.insertSelect(m)
	}
	if m := rePromote.FindStringSubmatch(query); m != nil {
		return db.promote(m)
	}
	return fmt.Errorf("fake db cannot execute: %s", query)
}

func (db *fakeDB) create(name, body string) error {
	if _, ok := db.tables[name]; ok {
		return fmt.Errorf("There is already an object named '%s' in the database", name)
	}
	t := &fakeTable{indexes: make(map[string]bool)}
	defs, constraint, _ := strings.Cut(body, ", CONSTRAINT ")
	for _, m := range reColumnDef.FindAllStringSubmatch(defs, -1) {
		t.cols = append(t.cols, fakeColumn{
			name:     strings.ReplaceAll(m[1], "]]", "]"),
			typ:      m[2],
			nullable: m[3] == "NULL",
		})
	}
	if m := rePK.FindStringSubmatch(constraint); m != nil {
		t.pk = bracketed(m[1])
	}
	db.tables[name] = t
	return nil
}

func (t *fakeTable) column(name string) (fakeColumn, bool) {
	for _, c := range t.cols {
		if strings.EqualFold(c.name, name) {
			return c, true
		}
	}
	return fakeColumn{}, false
}

func keyOf(row map[string]any, keys []string) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprint(row[k])
	}
	return strings.Join(parts, "\x1f")
}

func (t *fakeTable) insert(row map[string]any) error {
	for _, c := range t.cols {
		if row[c.name] == nil && !c.nullable {
			return fmt.Errorf("Cannot insert the value NULL into column '%s'", c.name)
		}
	}
	if len(t.pk) > 0 {
		key := keyOf(row, t.pk)
		for _, existing := range t.rows {
			if keyOf(existing, t.pk) == key {
				return fmt.Errorf("Violation of PRIMARY KEY constraint. Duplicate key (%s)", key)
			}
		}
	}
	t.rows = append(t.rows, row)
	return nil
}

func (db *fakeDB) update(m []string) error {
	target, err := db.table(m[2])
	if err != nil {
		return err
	}
	staging, err := db.table(m[3])
	if err != nil {
		return err
	}
	set := reKeyColumn.FindAllStringSubmatch(m[1], -1)
	keys := bracketed(strings.ReplaceAll(m[4], "b.", ""))
	keys = slices.Compact(keys)
	byKey := make(map[string]map[string]any)
	for _, row := range staging.rows {
		byKey[keyOf(row, keys)] = row
	}
	for _, row := range target.rows {
		src, ok := byKey[keyOf(row, keys)]
		if !ok {
			continue
		}
		for _, s := range set {
			row[s[1]] = src[s[1]]
		}
	}
	return nil
}

func (db *fakeDB) delete(m []string) error {
	staging, err := db.table(m[1])
	if err != nil {
		return err
	}
	target, err := db.table(m[2])
	if err != nil {
		return err
	}
	keys := slices.Compact(bracketed(strings.ReplaceAll(m[3], "b.", "")))
	present := make(map[string]bool)
	for _, row := range target.rows {
		present[keyOf(row, keys)] = true
	}
	staging.rows = slices.DeleteFunc(staging.rows, func(row map[string]any) bool {
		return present[keyOf(row, keys)]
	})
	return nil
}

func (db *fakeDB) insertSelect(m []string) error {
	target, err := db.table(m[1])
	if err != nil {
		return err
	}
	source, err := db.table(m[3])
	if err != nil {
		return err
	}
	cols := bracketed(m[2])
	for _, src := range source.rows {
		row := make(map[string]any, len(cols))
		for _, c := range cols {
			row[c] = src[c]
		}
		if err := target.insert(row); err != nil {
			return err
		}
	}
	return nil
}

// promote applies the NULLIF/COALESCE wrapping of each cast; values stay textual.
func (db *fakeDB) promote(m []string) error {
	target, err := db.table(m[1])
	if err != nil {
		return err
	}
	staging, err := db.table(m[3])
	if err != nil {
		return err
	}
	list := m[2]
	type castExpr struct {
		column   string
		nullif   bool
		fallback *string
	}
	var exprs []castExpr
	prev := 0
	for _, loc := range reAlias.FindAllStringSubmatchIndex(list, -1) {
		segment := list[prev:loc[0]]
		e := castExpr{column: strings.ReplaceAll(list[loc[2]:loc[3]], "]]", "]"), nullif: strings.Contains(segment, "NULLIF(")}
		if d := reDefault.FindStringSubmatch(segment); d != nil {
			v := strings.ReplaceAll(d[1], "''", "'")
			e.fallback = &v
		}
		exprs = append(exprs, e)
		prev = loc[1]
	}
	if len(exprs) != len(target.cols) {
		return fmt.Errorf("Column name or number of supplied values does not match table definition")
	}
	for _, src := range staging.rows {
		row := make(map[string]any, len(exprs))
		for i, e := range exprs {
			v := src[e.column]
			if e.nullif && v == "" {
				v = nil
			}
			if v == nil && e.fallback != nil {
				v = *e.fallback
			}
			row[target.cols[i].name] = v
		}
		if err := target.insert(row); err != nil {
			return err
		}
	}
	return nil
}

func (db *fakeDB) FetchAll(_ context.Context, query string, args ...any) ([]map[string]any, error) {
	db.statements = append(db.statements, query)
	switch {
	case strings.Contains(query, "'ProductMajorVersion'"):
		major, _, _ := strings.Cut(db.version, ".")
		return []map[string]any{{"version": major}}, nil
	case strings.Contains(query, "'ProductVersion'"):
		return []map[string]any{{"version": db.version}}, nil
	case strings.Contains(query, "'collation'"):
		return []map[string]any{{"collation": "Latin1_General_CI_AS"}}, nil
	case strings.Contains(query, "INFORMATION_SCHEMA.TABLES"):
		if _, ok := db.tables[argTable(args, 0)]; ok {
			return []map[string]any{{"TABLE_NAME": args[0]}}, nil
		}
		return nil, nil
	case strings.Contains(query, "INFORMATION_SCHEMA.COLUMNS"):
		t, ok := db.tables[argTable(args, 0)]
		if !ok {
			return nil, nil
		}
		var rows []map[string]any
		for _, c := range t.cols {
			pk := ""
			if slices.Contains(t.pk, c.name) {
				pk = "PK_fake"
			}
			nullable := "NO"
			if c.nullable {
				nullable = "YES"
			}
			rows = append(rows, map[string]any{
				"COLUMN_NAME": c.name, "DATA_TYPE": c.typ, "IS_NULLABLE": nullable,
				"CHARACTER_MAXIMUM_LENGTH": nil, "COLUMN_DEFAULT": nil, "pk_name": pk,
			})
		}
		return rows, nil
	case strings.Contains(query, "sys.indexes"):
		t, ok := db.tables[argTable(args, 1)]
		if !ok {
			return nil, nil
		}
		var rows []map[string]any
		for _, name := range sortedKeys(t.indexes) {
			rows = append(rows, map[string]any{"name": name})
		}
		return rows, nil
	}
	if m := reCount.FindStringSubmatch(query); m != nil {
		t, err := db.table(m[1])
		if err != nil {
			return nil, err
		}
		return []map[string]any{{"cnt": int64(len(t.rows))}}, nil
	}
	return nil, fmt.Errorf("fake db cannot query: %s", query)
}

// argTable rebuilds schema.table from the name at args[i] and the optional schema after it.
func argTable(args []any, i int) string {
	name := fmt.Sprint(args[i])
	if len(args) > i+1 {
		return fmt.Sprint(args[i+1]) + "." + name
	}
	return name
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// stagingTables lists tables created by the writer for its own use.
func (db *fakeDB) stagingTables() []string {
	var out []string
	for _, name := range sortedKeys(db.tables) {
		if strings.Contains(name, "stage_") || strings.Contains(name, "tmp_") {
			out = append(out, name)
		}
	}
	return out
}

// textRows returns the rows of table as sorted string tuples in column order.
func (db *fakeDB) textRows(name string) [][]string {
	t := db.tables[name]
	if t == nil {
		return nil
	}
	out := make([][]string, 0, len(t.rows))
	for _, row := range t.rows {
		tuple := make([]string, len(t.cols))
		for i, c := range t.cols {
			if v := row[c.name]; v != nil {
				tuple[i] = fmt.Sprint(v)
			} else {
				tuple[i] = "NULL"
			}
		}
		out = append(out, tuple)
	}
	sort.Slice(out, func(i, j int) bool { return strings.Join(out[i], "|") < strings.Join(out[j], "|") })
	return out
}

// fakeBCP loads the intermediate file into the staging table the way bcp reads
// it through the format file.
type fakeBCP struct {
	db       *fakeDB
	calls    int
	failures int    // the first N calls fail
	rejected string // error file content on failure
}

func (f *fakeBCP) Run(_ context.Context, _ string, args []string) ([]byte, []byte, error) {
	f.calls++
	if f.calls <= f.failures {
		errFile := args[slices.Index(args, "-e")+1]
		if err := os.WriteFile(errFile, []byte(f.rejected), 0o600); err != nil {
			return nil, nil, err
		}
		return []byte("Starting copy..."), nil, fmt.Errorf("exit status 1")
	}

	staging, err := f.db.table(args[0])
	if err != nil {
		return nil, []byte(err.Error()), fmt.Errorf("exit status 1")
	}
	fields, err := readFormat(args[4])
	if err != nil {
		return nil, nil, err
	}
	data, err := os.ReadFile(args[2])
	if err != nil {
		return nil, nil, err
	}

	rest := string(data)
	for n := 1; rest != ""; n++ {
		row := make(map[string]any)
		for _, fd := range fields {
			i := strings.Index(rest, fd.terminator)
			if i < 0 {
				return nil, nil, fmt.Errorf("row %d: missing terminator %q", n, fd.terminator)
			}
			value := rest[:i]
			rest = rest[i+len(fd.terminator):]
			if fd.dest == 0 {
				continue
			}
			col := staging.cols[fd.dest-1].name
			if value == "" {
				row[col] = nil
			} else {
				row[col] = value
			}
		}
		if n == 1 {
			continue // -F2
		}
		if err := staging.insert(row); err != nil {
			return nil, nil, err
		}
	}
	return []byte("rows copied."), nil, nil
}

type formatField struct {
	terminator string
	dest       int
}

func readFormat(path string) ([]formatField, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	count, err := strconv.Atoi(lines[1])
	if err != nil || count != len(lines)-2 {
		return nil, fmt.Errorf("bad column count in format file: %q", lines[1])
	}
	var out []formatField
	for _, line := range lines[2:] {
		parts := strings.Split(line, "\t")
		term, err := strconv.Unquote(parts[4])
		if err != nil {
			return nil, fmt.Errorf("bad terminator %s: %w", parts[4], err)
		}
		dest, err := strconv.Atoi(parts[5])
		if err != nil {
			return nil, err
		}
		out = append(out, formatField{terminator: term, dest: dest})
	}
	return out, nil
}

// testBackend hands out the fake instead of dialing SQL Server.
type testBackend struct {
	*writer.MSSQLBackend
	db       *fakeDB
	connects int
}

func (b *testBackend) CreateConnection(context.Context) (writer.Conn, error) {
	b.connects++
	return b.db, nil
}
