package writer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cast"

	"mssql-writer/internal/bcp"
	"mssql-writer/internal/conn"
	"mssql-writer/internal/dialect"
	"mssql-writer/internal/errs"
	"mssql-writer/internal/preprocess"
	"mssql-writer/internal/schema"
)

// Adapter loads an extract into a table and merges staging tables.
type Adapter interface {
	WriteData(ctx context.Context, table string, d *schema.ExportDescriptor) error
	Upsert(ctx context.Context, d *schema.ExportDescriptor, staging string) error
}

// Importer runs one bulk import attempt.
type Importer interface {
	Import(ctx context.Context, req bcp.Request) error
}

type WriteAdapter struct {
	conn       Conn
	dialect    dialect.Dialect
	pre        *preprocess.Preprocessor
	importer   Importer
	bulkPolicy conn.RetryPolicy
	collation  string
	logger     *slog.Logger
}

// WriteData loads d's extract into table through an all-NVARCHAR staging table
// that is dropped whatever the outcome.
func (a *WriteAdapter) WriteData(ctx context.Context, table string, d *schema.ExportDescriptor) error {
	log := a.logger.With("table", table)

	dataFile, err := a.pre.ProcessFile(ctx, d.SourceFile, d.SourceNames())
	if err != nil {
		return err
	}
	defer os.Remove(dataFile)

	major, err := a.serverMajor(ctx)
	if err != nil {
		return err
	}
	formatVersion, collation, err := a.formatSettings(ctx)
	if err != nil {
		return err
	}

	staging := dialect.StagingName("stage", table)
	log = log.With("staging", staging)
	defer a.dropQuietly(ctx, staging, log)

	stagingCols := schema.StagingColumns(d.Columns)
	attempts, err := a.bulkPolicy.Do(ctx, errs.Retryable, func(attempt int) error {
		if attempt > 1 {
			log.Warn("retrying bulk import", "attempt", attempt)
		}
		if err := a.conn.Exec(ctx, a.dialect.DropIfExistsQuery(staging)); err != nil {
			return err
		}
		if err := a.conn.Exec(ctx, a.dialect.CreateTableQuery(staging, stagingCols, nil)); err != nil {
			return err
		}
		return a.importer.Import(ctx, bcp.Request{
			DataFile:      dataFile,
			Table:         staging,
			Columns:       d.Columns,
			FormatVersion: formatVersion,
			Collation:     collation,
		})
	})
	if err != nil {
		return fmt.Errorf("failed to bulk load %s after %d attempt(s): %w", table, attempts, err)
	}
	log.Info("bulk import finished", "attempts", attempts)

	if err := a.conn.Exec(ctx, a.dialect.CastPromoteQuery(table, staging, d.Columns, major)); err != nil {
		return err
	}
	log.Info("staging promoted", "server_major", major)
	return nil
}

// Upsert merges staging into d.Table and drops staging. Without a primary key
// every staging row is appended.
func (a *WriteAdapter) Upsert(ctx context.Context, d *schema.ExportDescriptor, staging string) error {
	target := d.Table
	log := a.logger.With("table", target, "staging", staging)
	defer a.dropQuietly(ctx, staging, log)

	indexes, err := a.nonclusteredIndexes(ctx, target)
	if err != nil {
		return err
	}
	var disabled []string
	rebuild := func() error {
		for _, ix := range disabled {
			if err := a.conn.Exec(ctx, a.dialect.AlterIndexQuery(ix, target, dialect.IndexRebuild)); err != nil {
				return err
			}
		}
		disabled = nil
		return nil
	}
	defer func() {
		if len(disabled) > 0 {
			if err := rebuild(); err != nil {
				log.Error("failed to rebuild indexes after failed merge", "error", err)
			}
		}
	}()

	for _, ix := range indexes {
		if err := a.conn.Exec(ctx, a.dialect.AlterIndexQuery(ix, target, dialect.IndexDisable)); err != nil {
			return err
		}
		disabled = append(disabled, ix)
	}

	cols := d.Active()
	if len(d.PrimaryKey) > 0 {
		if err := a.conn.Exec(ctx, a.dialect.UpsertUpdateQuery(target, staging, cols, d.PrimaryKey)); err != nil {
			return err
		}
		if err := a.conn.Exec(ctx, a.dialect.UpsertDeleteQuery(target, staging, d.PrimaryKey)); err != nil {
			return err
		}
	}
	if err := a.conn.Exec(ctx, a.dialect.UpsertInsertQuery(target, staging, cols)); err != nil {
		return err
	}
	if err := rebuild(); err != nil {
		return err
	}
	log.Info("merge finished", "indexes", len(indexes), "keyed", len(d.PrimaryKey) > 0)
	return nil
}

func (a *WriteAdapter) nonclusteredIndexes(ctx context.Context, table string) ([]string, error) {
	query, args, err := a.dialect.NonclusteredIndexes(table)
	if err != nil {
		return nil, fmt.Errorf("failed to build index query: %w", err)
	}
	rows, err := a.conn.FetchAll(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(rows))
	for _, row := range rows {
		if name := cast.ToString(row["name"]); name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}

// serverMajor reads the leading segment of ProductVersion, e.g. 15 for "15.0.2000.5".
func (a *WriteAdapter) serverMajor(ctx context.Context) (int, error) {
	v, err := a.scalar(ctx, a.dialect.ServerVersionQuery(), "version")
	if err != nil {
		return 0, err
	}
	head, _, _ := strings.Cut(v, ".")
	major, err := strconv.Atoi(strings.TrimSpace(head))
	if err != nil {
		return 0, fmt.Errorf("unexpected server version %q", v)
	}
	return major, nil
}

func (a *WriteAdapter) formatSettings(ctx context.Context) (version, collation string, err error) {
	major, err := a.scalar(ctx, a.dialect.FormatVersionQuery(), "version")
	if err != nil {
		return "", "", err
	}
	collation = a.collation
	if collation == "" {
		if collation, err = a.scalar(ctx, a.dialect.CollationQuery(), "collation"); err != nil {
			return "", "", err
		}
	}
	return bcp.FormatVersion(major), bcp.ResolveCollation(a.collation, collation), nil
}

func (a *WriteAdapter) scalar(ctx context.Context, query, column string) (string, error) {
	rows, err := a.conn.FetchAll(ctx, query)
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", nil
	}
	return cast.ToString(rows[0][column]), nil
}

// dropQuietly removes a staging table; failures are logged, never returned.
func (a *WriteAdapter) dropQuietly(ctx context.Context, table string, log *slog.Logger) {
	if err := a.conn.Exec(context.WithoutCancel(ctx), a.dialect.DropIfExistsQuery(table)); err != nil {
		log.Warn("failed to drop staging table", "error", err)
	}
}
