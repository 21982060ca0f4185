package writer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cast"

	"mssql-writer/internal/dialect"
	"mssql-writer/internal/logging"
	"mssql-writer/internal/schema"
)

type Mode string

const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
	ModeSkipped     Mode = "skipped"
)

// WriteResult summarizes one table write, verified by a row count.
type WriteResult struct {
	Table    string
	Mode     Mode
	Rows     int64
	Duration time.Duration
}

// Orchestrator writes one descriptor per call, each on its own connection.
type Orchestrator struct {
	backend Backend
	logger  *slog.Logger
}

// NewOrchestrator returns an orchestrator over b. A nil logger means the logger
// carried by each call's context is used.
func NewOrchestrator(b Backend, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{backend: b, logger: logger}
}

// withTable returns ctx carrying a logger annotated with table.
func (o *Orchestrator) withTable(ctx context.Context, table string) context.Context {
	base := o.logger
	if base == nil {
		base = logging.FromContext(ctx)
	}
	return logging.WithLogger(ctx, base.With("table", table))
}

// Write validates d, then replaces or merges the destination table.
func (o *Orchestrator) Write(ctx context.Context, d *schema.ExportDescriptor) (*WriteResult, error) {
	ctx = o.withTable(ctx, d.Table)
	log := logging.FromContext(ctx)
	if d.Disabled {
		log.Info("export disabled, skipping")
		return &WriteResult{Table: d.Table, Mode: ModeSkipped}, nil
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	c, err := o.backend.CreateConnection(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	a := o.backend.CreateWriteAdapter(c)

	mode := ModeFull
	if d.Incremental {
		mode = ModeIncremental
		err = o.WriteIncremental(ctx, c, a, d)
	} else {
		err = o.WriteFull(ctx, c, a, d)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to write table %s: %w", d.Table, err)
	}

	rows, err := o.countRows(ctx, c, d.Table)
	if err != nil {
		return nil, err
	}
	res := &WriteResult{Table: d.Table, Mode: mode, Rows: rows, Duration: time.Since(start)}
	log.Info("table written", "mode", mode, "rows", rows, "duration", res.Duration)
	return res, nil
}

// WriteFull recreates the destination and loads the extract into it.
func (o *Orchestrator) WriteFull(ctx context.Context, c Conn, a Adapter, d *schema.ExportDescriptor) error {
	q := o.backend.Dialect()
	if err := c.Exec(ctx, q.DropIfExistsQuery(d.Table)); err != nil {
		return err
	}
	if err := c.Exec(ctx, q.CreateTableQuery(d.Table, d.Columns, d.PrimaryKey)); err != nil {
		return err
	}
	return a.WriteData(ctx, d.Table, d)
}

// WriteIncremental loads the extract into a typed temporary table shaped like the
// destination and merges it in. The temporary table never outlives the call.
func (o *Orchestrator) WriteIncremental(ctx context.Context, c Conn, a Adapter, d *schema.ExportDescriptor) error {
	q := o.backend.Dialect()
	tmp := dialect.StagingName("tmp", d.Table)
	log := logging.WithFields(ctx, "staging", tmp)

	merged := false
	defer func() {
		if merged {
			return
		}
		if dropErr := c.Exec(context.WithoutCancel(ctx), q.DropIfExistsQuery(tmp)); dropErr != nil {
			log.Warn("failed to drop merge staging table", "error", dropErr)
		}
	}()

	if err := c.Exec(ctx, q.DropIfExistsQuery(tmp)); err != nil {
		return err
	}
	if err := c.Exec(ctx, q.CreateTableQuery(tmp, d.Columns, nil)); err != nil {
		return err
	}
	if err := a.WriteData(ctx, tmp, d); err != nil {
		return err
	}

	exists, err := o.tableExists(ctx, c, d.Table)
	if err != nil {
		return err
	}
	if !exists {
		log.Info("destination missing, creating it")
		if err := c.Exec(ctx, q.CreateTableQuery(d.Table, d.Columns, d.PrimaryKey)); err != nil {
			return err
		}
	}

	dest, err := schema.Analyze(ctx, c, q, d.Table)
	if err != nil {
		return err
	}
	if dest == nil {
		return fmt.Errorf("destination table %s has no columns", d.Table)
	}
	if err := schema.ValidateTable(dest, d); err != nil {
		return err
	}
	if !dest.HasPrimaryKey(d.PrimaryKey) {
		log.Warn("destination primary key differs from the configured one",
			"configured", d.PrimaryKey, "destination", dest.PrimaryKey())
	}

	// Upsert drops tmp itself, on success or failure.
	merged = true
	return a.Upsert(ctx, d, tmp)
}

// Clean drops the destination, or empties it when truncate is set. Missing tables are ignored.
func (o *Orchestrator) Clean(ctx context.Context, d *schema.ExportDescriptor, truncate bool) error {
	c, err := o.backend.CreateConnection(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	q := o.backend.Dialect()
	if !truncate {
		return c.Exec(ctx, q.DropIfExistsQuery(d.Table))
	}
	exists, err := o.tableExists(ctx, c, d.Table)
	if err != nil {
		return err
	}
	if !exists {
		logging.FromContext(o.withTable(ctx, d.Table)).Debug("table missing, nothing to truncate")
		return nil
	}
	return c.Exec(ctx, q.TruncateQuery(d.Table))
}

func (o *Orchestrator) tableExists(ctx context.Context, c Conn, table string) (bool, error) {
	query, args, err := o.backend.Dialect().TableExists(table)
	if err != nil {
		return false, fmt.Errorf("failed to build table lookup: %w", err)
	}
	rows, err := c.FetchAll(ctx, query, args...)
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

func (o *Orchestrator) countRows(ctx context.Context, c Conn, table string) (int64, error) {
	rows, err := c.FetchAll(ctx, o.backend.Dialect().CountRowsQuery(table))
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return cast.ToInt64E(rows[0]["cnt"])
}
