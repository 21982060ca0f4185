package conn

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	_ "github.com/microsoft/go-mssqldb" // SQL Server Driver

	"mssql-writer/internal/errs"
)

// DB is the subset of *sqlx.DB the connection uses.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryxContext(ctx context.Context, query string, args ...any) (*sqlx.Rows, error)
	Close() error
}

// Opener establishes a new session.
type Opener func(ctx context.Context) (DB, error)

// SQLServerOpener opens and pings a go-mssqldb connection for cfg.
func SQLServerOpener(cfg Config) Opener {
	return func(ctx context.Context) (DB, error) {
		db, err := sqlx.Open("sqlserver", cfg.DSN())
		if err != nil {
			return nil, fmt.Errorf("failed to open db: %w", err)
		}
		// bcp and the promote SQL run sequentially; one session is enough.
		db.SetMaxOpenConns(1)
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to connect to db %s: %w", cfg, err)
		}
		return db, nil
	}
}

// Connection owns a database handle and replaces it after transient failures.
// It is not safe for concurrent use.
type Connection struct {
	open   Opener
	db     DB
	policy RetryPolicy
	logger *slog.Logger
}

// Open dials immediately so configuration problems surface before any work starts.
func Open(ctx context.Context, open Opener, policy RetryPolicy, logger *slog.Logger) (*Connection, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Connection{open: open, policy: policy, logger: logger}
	attempts, err := policy.Do(ctx, IsTransient, func(attempt int) error {
		db, err := open(ctx)
		if err != nil {
			c.logger.Warn("connection attempt failed", "attempt", attempt, "error", err)
			return err
		}
		c.db = db
		return nil
	})
	if err != nil {
		if IsTransient(err) {
			return nil, &errs.ConnectivityError{Attempts: attempts, Err: err}
		}
		return nil, err
	}
	return c, nil
}

// Exec runs a statement that returns no rows.
func (c *Connection) Exec(ctx context.Context, query string, args ...any) error {
	return c.run(ctx, query, func(db DB) error {
		_, err := db.ExecContext(ctx, query, args...)
		return err
	})
}

// FetchAll runs a query and returns every row as column->value. Byte slices
// are converted to strings.
func (c *Connection) FetchAll(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	var out []map[string]any
	err := c.run(ctx, query, func(db DB) error {
		out = nil
		rows, err := db.QueryxContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			row := make(map[string]any)
			if err := rows.MapScan(row); err != nil {
				return err
			}
			for k, v := range row {
				if b, ok := v.([]byte); ok {
					row[k] = string(b)
				}
			}
			out = append(out, row)
		}
		return rows.Err()
	})
	return out, err
}

func (c *Connection) run(ctx context.Context, query string, fn func(DB) error) error {
	attempts, err := c.policy.Do(ctx, IsTransient, func(attempt int) error {
		if c.db == nil {
			if err := c.reconnect(ctx); err != nil {
				return err
			}
		}
		err := fn(c.db)
		if err != nil && IsTransient(err) {
			c.logger.Warn("transient database error, reconnecting",
				"attempt", attempt, "max_attempts", c.policy.attempts(), "error", err)
			c.drop()
		}
		return err
	})
	if err == nil {
		return nil
	}
	if IsTransient(err) {
		return &errs.ConnectivityError{Statement: query, Attempts: attempts, Err: err}
	}
	return fmt.Errorf("DB query failed: %w\nQuery: %s", err, query)
}

func (c *Connection) reconnect(ctx context.Context) error {
	db, err := c.open(ctx)
	if err != nil {
		return err
	}
	c.db = db
	return nil
}

// drop discards the current handle; the next attempt opens a fresh one.
func (c *Connection) drop() {
	if c.db != nil {
		c.db.Close()
		c.db = nil
	}
}

// Close releases the handle.
func (c *Connection) Close() error {
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
}
