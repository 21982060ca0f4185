// Package writer sequences staging, bulk import, cast-promote and merge for one
// destination table at a time.
package writer

import (
	"context"
	"log/slog"
	"os"
	"time"

	"mssql-writer/internal/bcp"
	"mssql-writer/internal/conn"
	"mssql-writer/internal/dialect"
	"mssql-writer/internal/preprocess"
)

// Conn executes SQL against one exclusively owned session.
type Conn interface {
	Exec(ctx context.Context, query string, args ...any) error
	FetchAll(ctx context.Context, query string, args ...any) ([]map[string]any, error)
	Close() error
}

// Backend is the per-dialect capability the orchestrator depends on.
type Backend interface {
	Dialect() dialect.Dialect
	CreateConnection(ctx context.Context) (Conn, error)
	CreateWriteAdapter(c Conn) Adapter
}

// MSSQLBackend writes to SQL Server through go-mssqldb and the bcp utility.
type MSSQLBackend struct {
	Server     conn.Config
	SQLPolicy  conn.RetryPolicy
	BulkPolicy conn.RetryPolicy

	BCPPath   string
	BatchSize int
	Timeout   time.Duration
	CodePage  string
	Collation string // overrides the server collation when set
	TmpDir    string
	Runner    bcp.Runner // nil runs the real bcp

	Logger *slog.Logger

	dialect *dialect.MSSQLDialect
}

func NewMSSQLBackend(server conn.Config, logger *slog.Logger) *MSSQLBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &MSSQLBackend{
		Server:     server,
		SQLPolicy:  conn.DefaultSQLPolicy(),
		BulkPolicy: conn.DefaultBulkPolicy(),
		BCPPath:    "bcp",
		BatchSize:  bcp.DefaultBatchSize,
		Timeout:    bcp.DefaultTimeout,
		TmpDir:     os.TempDir(),
		Logger:     logger,
		dialect:    dialect.NewMSSQLDialect(),
	}
}

func (b *MSSQLBackend) Dialect() dialect.Dialect {
	if b.dialect == nil {
		b.dialect = dialect.NewMSSQLDialect()
	}
	return b.dialect
}

func (b *MSSQLBackend) CreateConnection(ctx context.Context) (Conn, error) {
	return conn.Open(ctx, conn.SQLServerOpener(b.Server), b.SQLPolicy, b.Logger)
}

func (b *MSSQLBackend) CreateWriteAdapter(c Conn) Adapter {
	d := b.Dialect()
	im := bcp.NewImporter(b.Server, d, b.TmpDir, b.Logger)
	if b.BCPPath != "" {
		im.Path = b.BCPPath
	}
	if b.BatchSize > 0 {
		im.BatchSize = b.BatchSize
	}
	if b.Timeout > 0 {
		im.Timeout = b.Timeout
	}
	im.CodePage = b.CodePage
	if b.Runner != nil {
		im.Runner = b.Runner
	}
	return &WriteAdapter{
		conn:       c,
		dialect:    d,
		pre:        preprocess.New(b.TmpDir, b.Logger),
		importer:   im,
		bulkPolicy: b.BulkPolicy,
		collation:  b.Collation,
		logger:     b.Logger,
	}
}
