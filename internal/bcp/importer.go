// Package bcp drives the SQL Server bulk copy utility.
package bcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"mssql-writer/internal/conn"
	"mssql-writer/internal/dialect"
	"mssql-writer/internal/errs"
	"mssql-writer/internal/schema"
)

const (
	DefaultBatchSize = 50000
	DefaultTimeout   = time.Hour

	redacted = "*****"
)

// Runner executes an external command and captures its output.
type Runner interface {
	Run(ctx context.Context, name string, args []string) (stdout, stderr []byte, err error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args []string) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 10 * time.Second
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// Quoter quotes the staging table name for the command line.
type Quoter interface {
	QuoteIdentifier(name string) string
}

// Request is one import attempt.
type Request struct {
	DataFile      string
	Table         string
	Columns       []schema.ColumnDefinition
	FormatVersion string
	Collation     string
}

type Importer struct {
	Path      string // bcp executable
	Server    conn.Config
	Quoter    Quoter
	TmpDir    string
	BatchSize int
	Timeout   time.Duration
	CodePage  string // optional -C value, e.g. 65001
	Runner    Runner
	Logger    *slog.Logger

	errorFile string
	// format file of a failed attempt, kept for diagnosis until the next one
	staleFormat string
}

func NewImporter(server conn.Config, q Quoter, tmpDir string, logger *slog.Logger) *Importer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{
		Path:      "bcp",
		Server:    server,
		Quoter:    q,
		TmpDir:    tmpDir,
		BatchSize: DefaultBatchSize,
		Timeout:   DefaultTimeout,
		Runner:    ExecRunner{},
		Logger:    logger,
	}
}

// ErrorFile is where bcp writes rejected rows.
func (im *Importer) ErrorFile() string {
	if im.errorFile == "" {
		dir := im.TmpDir
		if dir == "" {
			dir = os.TempDir()
		}
		im.errorFile = filepath.Join(dir, "wr-db-mssql-errors-"+dialect.NewToken()[:12])
	}
	return im.errorFile
}

// Import loads req.DataFile into req.Table. A non-zero exit is a BulkTransportError.
func (im *Importer) Import(ctx context.Context, req Request) error {
	errorFile := im.ErrorFile()
	os.Remove(errorFile)
	if im.staleFormat != "" {
		os.Remove(im.staleFormat)
		im.staleFormat = ""
	}

	content := RenderFormat(req.FormatVersion, req.Collation, req.Columns)
	im.Logger.Debug("format file", "table", req.Table, "content", content)
	formatFile, err := WriteFormatFile(im.TmpDir, req.Table, content)
	if err != nil {
		return err
	}

	args := im.args(req, formatFile, errorFile)
	im.Logger.Info("executing bcp", "table", req.Table, "command", redact(im.path(), args))

	runCtx := ctx
	if im.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, im.Timeout)
		defer cancel()
	}
	stdout, stderr, runErr := im.Runner.Run(runCtx, im.path(), args)
	if runErr == nil {
		os.Remove(formatFile)
		os.Remove(errorFile)
		return nil
	}

	im.staleFormat = formatFile
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		runErr = fmt.Errorf("bcp timed out after %s: %w", im.Timeout, runErr)
	}
	var rejected []byte
	if data, err := os.ReadFile(errorFile); err == nil {
		rejected = data
		os.Remove(errorFile)
	}
	return &errs.BulkTransportError{
		Output:      im.scrub(string(stdout)),
		ErrorOutput: im.scrub(string(stderr)),
		Errors:      im.scrub(string(rejected)),
		Err:         runErr,
	}
}

func (im *Importer) path() string {
	if im.Path == "" {
		return "bcp"
	}
	return im.Path
}

func (im *Importer) args(req Request, formatFile, errorFile string) []string {
	batch := im.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	args := []string{
		im.Quoter.QuoteIdentifier(req.Table),
		"in", req.DataFile,
		"-f", formatFile,
		"-S", im.Server.BCPServer(),
		"-U", im.Server.User,
		"-P", im.Server.Password,
		"-d", im.Server.Database,
		"-k",
		"-F2",
		"-b" + strconv.Itoa(batch),
		"-e", errorFile,
		"-m1",
	}
	if im.CodePage != "" {
		args = append(args, "-C", im.CodePage)
	}
	return args
}

// scrub removes the password should a tool ever echo it back.
func (im *Importer) scrub(s string) string {
	if im.Server.Password == "" {
		return s
	}
	return strings.ReplaceAll(s, im.Server.Password, redacted)
}

// redact renders the command line with the -P value masked.
func redact(name string, args []string) string {
	out := make([]string, 0, len(args)+1)
	out = append(out, name)
	for i, a := range args {
		if i > 0 && args[i-1] == "-P" {
			a = redacted
		}
		out = append(out, strconv.Quote(a))
	}
	return strings.Join(out, " ")
}
