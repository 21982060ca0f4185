package bcp_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"mssql-writer/internal/bcp"
	"mssql-writer/internal/conn"
	"mssql-writer/internal/dialect"
	"mssql-writer/internal/errs"
	"mssql-writer/internal/logging"
	"mssql-writer/internal/schema"
)

func TestFormatVersion(t *testing.T) {
	t.Parallel()
	cases := []struct{ in, want string }{
		{"", "12.0"},
		{"11", "11.0"},
		{"14", "14.0"},
		{"16", "14.0"},
		{"junk", "12.0"},
	}
	for _, tc := range cases {
		if got := bcp.FormatVersion(tc.in); got != tc.want {
			t.Fatalf("FormatVersion(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestResolveCollation(t *testing.T) {
	t.Parallel()
	if got := bcp.ResolveCollation("Czech_CI_AS", "Latin1_General_CI_AS"); got != "Czech_CI_AS" {
		t.Fatalf("override ignored: %q", got)
	}
	if got := bcp.ResolveCollation("", "Latin1_General_CI_AS"); got != "Latin1_General_CI_AS" {
		t.Fatalf("server collation ignored: %q", got)
	}
	if got := bcp.ResolveCollation("", ""); got != bcp.DefaultCollation {
		t.Fatalf("default not applied: %q", got)
	}
}

func TestRenderFormat(t *testing.T) {
	t.Parallel()
	cols := []schema.ColumnDefinition{
		{SourceName: "id", Name: "id", Type: schema.TypeInt},
		{SourceName: "skip", Name: "skip", Type: schema.TypeIgnore},
		{SourceName: "full name", Name: "full name", Type: schema.TypeNVarchar},
	}
	got := bcp.RenderFormat("14.0", "C", cols)
	want := strings.Join([]string{
		"14.0",
		"4",
		"1\tSQLCHAR\t0\t0\t\"\\\"\"\t0\tdummy\tC",
		"2\tSQLCHAR\t0\t0\t\"\\\"<~|~>\\\"\"\t1\tid\tC",
		"3\tSQLCHAR\t0\t0\t\"\\\"<~|~>\\\"\"\t0\tskip\tC",
		"4\tSQLCHAR\t0\t0\t\"\\\"\\n\"\t2\tfull_name\tC",
		"",
	}, "\n")
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("RenderFormat mismatch (-want +got):\n%s", diff)
	}
}

type fakeRunner struct {
	calls    [][]string
	exitErr  error
	stdout   string
	rejected string // written to the -e file when failing
	wait     time.Duration
}

func (f *fakeRunner) Run(ctx context.Context, name string, args []string) ([]byte, []byte, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	if f.wait > 0 {
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(f.wait):
		}
	}
	// bcp creates the -e file on every run, empty when no row was rejected
	errFile := args[slices.Index(args, "-e")+1]
	if f.exitErr == nil {
		os.WriteFile(errFile, nil, 0o600)
		return []byte(f.stdout), nil, nil
	}
	os.WriteFile(errFile, []byte(f.rejected), 0o600)
	return []byte(f.stdout), []byte("SQLState = 22001"), f.exitErr
}

func newImporter(t *testing.T, r bcp.Runner) (*bcp.Importer, *bytes.Buffer, string) {
	t.Helper()
	dir := t.TempDir()
	var logs bytes.Buffer
	server := conn.Config{Host: "db", Port: "1433", Database: "sales", User: "loader", Password: "s3cret"}
	im := bcp.NewImporter(server, dialect.NewMSSQLDialect(), dir, logging.New(&logs, "debug", "text"))
	im.Runner = r
	return im, &logs, dir
}

func request() bcp.Request {
	return bcp.Request{
		DataFile:      "/tmp/extract.dat",
		Table:         "dbo.stage_x_users",
		Columns:       []schema.ColumnDefinition{{Name: "id", Type: schema.TypeInt}},
		FormatVersion: "14.0",
		Collation:     bcp.DefaultCollation,
	}
}

func TestImport_Command(t *testing.T) {
	t.Parallel()
	r := &fakeRunner{}
	im, logs, dir := newImporter(t, r)

	if err := im.Import(context.Background(), request()); err != nil {
		t.Fatalf("Import error: %v", err)
	}
	if len(r.calls) != 1 {
		t.Fatalf("expected one bcp call, got %d", len(r.calls))
	}
	args := r.calls[0]
	want := []string{"bcp", "dbo.[stage_x_users]", "in", "/tmp/extract.dat", "-f", args[5],
		"-S", "db,1433", "-U", "loader", "-P", "s3cret", "-d", "sales", "-k", "-F2", "-b50000",
		"-e", im.ErrorFile(), "-m1"}
	if diff := cmp.Diff(want, args); diff != "" {
		t.Fatalf("bcp args mismatch (-want +got):\n%s", diff)
	}
	if strings.Contains(logs.String(), "s3cret") {
		t.Fatalf("password leaked into logs: %s", logs.String())
	}
	if !strings.Contains(logs.String(), "*****") {
		t.Fatalf("redacted command not logged: %s", logs.String())
	}
	left, _ := filepath.Glob(filepath.Join(dir, "format_file_*"))
	if len(left) != 0 {
		t.Fatalf("format file not removed after success: %v", left)
	}
	if _, err := os.Stat(im.ErrorFile()); !os.IsNotExist(err) {
		t.Fatalf("error file %s left behind after success", im.ErrorFile())
	}
}

func TestImport_FailureAggregatesDiagnostics(t *testing.T) {
	t.Parallel()
	r := &fakeRunner{exitErr: errors.New("exit status 1"), stdout: "Starting copy...", rejected: "Row 4: truncation"}
	im, _, dir := newImporter(t, r)

	err := im.Import(context.Background(), request())
	var be *errs.BulkTransportError
	if !errors.As(err, &be) {
		t.Fatalf("expected BulkTransportError, got %T %v", err, err)
	}
	for _, part := range []string{"truncation", "Starting copy...", "SQLState = 22001"} {
		if !strings.Contains(err.Error(), part) {
			t.Errorf("error %q does not mention %q", err.Error(), part)
		}
	}
	if strings.Contains(err.Error(), "s3cret") {
		t.Fatal("password leaked into error")
	}
	if !errs.Retryable(err) {
		t.Error("bulk failures should be retryable by the staging loop")
	}
	if _, statErr := os.Stat(im.ErrorFile()); !os.IsNotExist(statErr) {
		t.Error("error file should be discarded after reading")
	}
	left, _ := filepath.Glob(filepath.Join(dir, "format_file_*"))
	if len(left) != 1 {
		t.Fatalf("format file should be kept after a failure, found %v", left)
	}

	r.exitErr = nil
	if err := im.Import(context.Background(), request()); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	left, _ = filepath.Glob(filepath.Join(dir, "format_file_*"))
	if len(left) != 0 {
		t.Fatalf("stale format file not cleaned before retry: %v", left)
	}
}

func TestImport_Timeout(t *testing.T) {
	t.Parallel()
	r := &fakeRunner{wait: time.Second, exitErr: errors.New("killed")}
	im, _, _ := newImporter(t, r)
	im.Timeout = 20 * time.Millisecond

	err := im.Import(context.Background(), request())
	var be *errs.BulkTransportError
	if !errors.As(err, &be) || !strings.Contains(be.Err.Error(), "timed out") {
		t.Fatalf("expected timeout BulkTransportError, got %v", err)
	}
}

func TestImport_CodePage(t *testing.T) {
	t.Parallel()
	r := &fakeRunner{}
	im, _, _ := newImporter(t, r)
	im.CodePage = "65001"
	im.BatchSize = 1000
	if err := im.Import(context.Background(), request()); err != nil {
		t.Fatal(err)
	}
	args := r.calls[0]
	if !slices.Contains(args, "-b1000") || args[len(args)-2] != "-C" || args[len(args)-1] != "65001" {
		t.Fatalf("unexpected args %v", args)
	}
}
