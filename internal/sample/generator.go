// Package sample generates fake extracts shaped like a configured table.
package sample

import (
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v6"

	"mssql-writer/internal/schema"
)

// NullRatio is the share of blank values in nullable columns.
const NullRatio = 0.05

type Generator struct {
	faker *gofakeit.Faker
	now   time.Time
}

// New returns a generator; seed 0 picks a random seed.
func New(seed int64) *Generator {
	return &Generator{faker: gofakeit.New(seed), now: time.Now()}
}

// WriteCSV writes a header row of source names followed by rows fake records.
func (g *Generator) WriteCSV(w io.Writer, d *schema.ExportDescriptor, rows int) error {
	out := csv.NewWriter(w)
	if err := out.Write(d.SourceNames()); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	pk := make(map[string]bool, len(d.PrimaryKey))
	for _, k := range d.PrimaryKey {
		pk[strings.ToLower(k)] = true
	}

	record := make([]string, len(d.Columns))
	for i := 1; i <= rows; i++ {
		for j, c := range d.Columns {
			if pk[strings.ToLower(c.Name)] && !c.Ignored() {
				record[j] = g.key(c, i)
				continue
			}
			record[j] = g.Value(c)
		}
		if err := out.Write(record); err != nil {
			return fmt.Errorf("failed to write row %d: %w", i, err)
		}
	}
	out.Flush()
	return out.Error()
}

// key keeps primary key values unique across rows.
func (g *Generator) key(c schema.ColumnDefinition, row int) string {
	switch {
	case c.Type.IsStringLike():
		return truncate(fmt.Sprintf("K%06d", row), size(c))
	case c.Type.IsBinary():
		return fmt.Sprintf("0x%08X", row)
	default:
		return strconv.Itoa(row)
	}
}

// Value generates one textual value for c, as it would appear in an extract.
func (g *Generator) Value(c schema.ColumnDefinition) string {
	if c.Nullable && g.faker.Float64Range(0, 1) < NullRatio {
		return ""
	}
	hint := meaning(c.Name)
	f := g.faker

	switch c.Type {
	case schema.TypeIgnore:
		return f.Word()
	case schema.TypeInt, schema.TypeSmallInt, schema.TypeBigInt:
		switch hint {
		case "yesno":
			return strconv.Itoa(f.Number(0, 1))
		case "year":
			return strconv.Itoa(f.Number(2000, 2025))
		}
		if c.Type == schema.TypeSmallInt {
			return strconv.Itoa(f.Number(1, 30000))
		}
		return strconv.Itoa(f.Number(1, 50000))
	case schema.TypeMoney, schema.TypeDecimal, schema.TypeReal, schema.TypeFloat:
		return strconv.FormatFloat(f.Price(0.99, 9999.99), 'f', scale(c), 64)
	case schema.TypeDate:
		return g.date().Format(time.DateOnly)
	case schema.TypeTime:
		return g.date().Format(time.TimeOnly)
	case schema.TypeDateTime, schema.TypeDateTime2, schema.TypeSmallDateTime:
		return g.date().Format(time.DateTime)
	case schema.TypeTimestamp:
		// rowversion values are assigned by the server
		return ""
	case schema.TypeBinary, schema.TypeVarBinary, schema.TypeImage:
		n := 8
		if s := size(c); s > 0 && s < n {
			n = s
		}
		b := make([]byte, n)
		for i := range b {
			b[i] = byte(f.Number(0, 255))
		}
		return "0x" + strings.ToUpper(hex.EncodeToString(b))
	}
	return truncate(g.text(hint), size(c))
}

func (g *Generator) text(hint string) string {
	f := g.faker
	switch hint {
	case "email":
		return f.Email()
	case "phone":
		return f.Phone()
	case "zipcode":
		return f.Zip()
	case "address":
		return f.Street()
	case "city":
		return f.City()
	case "country":
		return f.Country()
	case "name":
		return f.Name()
	case "first":
		return f.FirstName()
	case "last":
		return f.LastName()
	case "title", "subject":
		return f.BookTitle()
	case "description", "comment", "text":
		return f.Sentence(10)
	case "yesno":
		return f.RandomString([]string{"Y", "N"})
	case "year":
		return strconv.Itoa(f.Number(2000, 2025))
	case "date":
		return g.date().Format(time.DateOnly)
	case "url":
		return f.URL()
	case "ip":
		return f.IPv4Address()
	case "uuid":
		return f.UUID()
	case "code":
		return strings.ToUpper(f.LetterN(3))
	}
	return f.Word()
}

func (g *Generator) date() time.Time {
	return g.faker.DateRange(g.now.AddDate(-1, 0, 0), g.now)
}

// size reads the first number of the declared size; 0 when absent or MAX.
func size(c schema.ColumnDefinition) int {
	head, _, _ := strings.Cut(c.Size, ",")
	n, err := strconv.Atoi(strings.TrimSpace(head))
	if err != nil {
		return 0
	}
	return n
}

// scale reads the digits after the decimal point from "precision,scale"; default 2.
func scale(c schema.ColumnDefinition) int {
	if c.Type != schema.TypeDecimal {
		return 2
	}
	_, tail, ok := strings.Cut(c.Size, ",")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(tail))
	if err != nil {
		return 2
	}
	return n
}

func truncate(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) > limit {
		return string(runes[:limit])
	}
	return s
}
