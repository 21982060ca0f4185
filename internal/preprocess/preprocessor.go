// Package preprocess rewrites a CSV extract into the delimited layout the bcp
// format file describes.
package preprocess

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"mssql-writer/internal/errs"
)

const (
	// Delimiter separates fields; chosen to never occur in real data.
	Delimiter = "<~|~>"
	Enclosure = `"`
	// RowTerminator ends every row, header included.
	RowTerminator = "\n"
)

type Preprocessor struct {
	TmpDir string // "" uses os.TempDir()
	Logger *slog.Logger
}

func New(tmpDir string, logger *slog.Logger) *Preprocessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Preprocessor{TmpDir: tmpDir, Logger: logger}
}

// ProcessFile opens path and runs Process on it.
func (p *Preprocessor) ProcessFile(ctx context.Context, path string, columns []string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open extract %s: %w", path, err)
	}
	defer f.Close()
	return p.Process(ctx, f, columns)
}

// Process reads a header-bearing CSV extract and writes a fresh intermediate file
// holding columns, in that order, for the header and every data row. Header
// columns not listed in columns are dropped. It returns the file's path.
func (p *Preprocessor) Process(ctx context.Context, extract io.Reader, columns []string) (string, error) {
	r := csv.NewReader(transform.NewReader(extract, transform.Chain(unicode.BOMOverride(transform.Nop), &quotedCR{})))
	r.FieldsPerRecord = 0
	r.ReuseRecord = true

	header, err := r.Read()
	if err != nil {
		return "", &errs.InternalDataError{Row: 1, Reason: fmt.Sprintf("cannot read header: %v", err)}
	}
	for i := range header {
		header[i] = restoreCR(header[i])
	}
	indices, err := mapColumns(header, columns)
	if err != nil {
		return "", err
	}

	out, err := os.CreateTemp(p.TmpDir, "extract_*.dat")
	if err != nil {
		return "", fmt.Errorf("failed to create intermediate file: %w", err)
	}
	path := out.Name()
	fail := func(err error) (string, error) {
		out.Close()
		os.Remove(path)
		return "", err
	}

	w := bufio.NewWriterSize(out, 1<<20)
	if err := writeRow(w, 1, columns); err != nil {
		return fail(err)
	}

	rows := 1
	fields := make([]string, len(indices))
	for {
		if rows%10000 == 0 {
			if err := ctx.Err(); err != nil {
				return fail(err)
			}
		}
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		rows++
		if err != nil {
			return fail(&errs.InternalDataError{Row: rows, Reason: err.Error()})
		}
		for i, idx := range indices {
			fields[i] = restoreCR(record[idx])
		}
		if err := writeRow(w, rows, fields, columns...); err != nil {
			return fail(err)
		}
	}

	if err := w.Flush(); err != nil {
		return fail(fmt.Errorf("failed to write intermediate file: %w", err))
	}
	if err := out.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("failed to close intermediate file: %w", err)
	}

	var size uint64
	if fi, err := os.Stat(path); err == nil {
		size = uint64(fi.Size())
	}
	p.Logger.Info("extract preprocessed",
		"rows", humanize.Comma(int64(rows-1)),
		"size", humanize.Bytes(size),
		"file", path)
	return path, nil
}

// mapColumns resolves each wanted column to its header position.
func mapColumns(header, columns []string) ([]int, error) {
	byName := make(map[string]int, len(header))
	for i, name := range header {
		if _, dup := byName[name]; !dup {
			byName[name] = i
		}
	}
	indices := make([]int, len(columns))
	for i, name := range columns {
		idx, ok := byName[name]
		if !ok {
			return nil, &errs.InternalDataError{Row: 1, Column: name, Reason: "column not found in extract header"}
		}
		indices[i] = idx
	}
	return indices, nil
}

// writeRow emits "v1"<~|~>"v2"...\n. names labels the fields in errors and may be empty.
func writeRow(w *bufio.Writer, row int, fields []string, names ...string) error {
	for i, v := range fields {
		last := i == len(fields)-1
		if strings.Contains(v, Delimiter) || (last && strings.Contains(v, Enclosure+RowTerminator)) {
			col := ""
			if i < len(names) {
				col = names[i]
			}
			return &errs.InternalDataError{Row: row, Column: col, Reason: "value contains a reserved delimiter sequence"}
		}
		if i > 0 {
			w.WriteString(Delimiter)
		}
		w.WriteString(Enclosure)
		w.WriteString(v)
		w.WriteString(Enclosure)
	}
	_, err := w.WriteString(RowTerminator)
	return err
}

// crSentinel stands in for a carriage return inside a quoted field while
// encoding/csv parses, since the reader drops a \r that precedes \n.
const crSentinel = "\uF8FF"

var errReservedRune = errors.New("extract contains the reserved character U+F8FF")

// quotedCR swaps carriage returns inside quoted fields for crSentinel.
type quotedCR struct {
	quoted bool
}

func (t *quotedCR) Reset() { t.quoted = false }

func (t *quotedCR) Transform(dst, src []byte, atEOF bool) (nDst, nSrc int, err error) {
	for nSrc < len(src) {
		c := src[nSrc]
		if c == crSentinel[0] {
			rest := src[nSrc:]
			if bytes.HasPrefix(rest, []byte(crSentinel)) {
				return nDst, nSrc, errReservedRune
			}
			if !atEOF && len(rest) < len(crSentinel) && strings.HasPrefix(crSentinel, string(rest)) {
				return nDst, nSrc, transform.ErrShortSrc
			}
		}
		if c == '\r' && t.quoted {
			if len(dst)-nDst < len(crSentinel) {
				return nDst, nSrc, transform.ErrShortDst
			}
			nDst += copy(dst[nDst:], crSentinel)
			nSrc++
			continue
		}
		if nDst >= len(dst) {
			return nDst, nSrc, transform.ErrShortDst
		}
		if c == '"' {
			t.quoted = !t.quoted
		}
		dst[nDst] = c
		nDst++
		nSrc++
	}
	return nDst, nSrc, nil
}

func restoreCR(v string) string {
	if !strings.Contains(v, crSentinel) {
		return v
	}
	return strings.ReplaceAll(v, crSentinel, "\r")
}
