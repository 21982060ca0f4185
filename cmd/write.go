package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gosuri/uiprogress"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"mssql-writer/internal/logging"
	"mssql-writer/internal/schema"
	"mssql-writer/internal/writer"
)

var (
	tables   []string
	parallel int
	dryRun   bool
)

var writeCmd = &cobra.Command{
	Use:   "write",
	Short: "Write the configured extracts to their destination tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig(viper.GetViper())
		if err != nil {
			return err
		}
		descriptors, err := cfg.Descriptors(tables)
		if err != nil {
			return err
		}

		fmt.Printf("🗄  Target %s\n", cfg.ConnConfig())

		if dryRun {
			fmt.Println("🔍 Write plan (dry run, nothing is written):")
			for i, d := range descriptors {
				printPlan(i+1, d)
			}
			return nil
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		logger := slog.Default()
		ctx = logging.WithLogger(ctx, logger)
		o := writer.NewOrchestrator(cfg.Backend(logger), nil)
		start := time.Now()

		uiprogress.Start()
		bar := uiprogress.AddBar(len(descriptors)).AppendCompleted().PrependElapsed()
		bar.PrependFunc(func(b *uiprogress.Bar) string {
			return fmt.Sprintf("Tables %d/%d: ", b.Current(), len(descriptors))
		})

		results := make([]*writer.WriteResult, len(descriptors))
		failures := make([]error, len(descriptors))
		var g errgroup.Group
		g.SetLimit(max(parallel, 1))
		for i, d := range descriptors {
			g.Go(func() error {
				defer bar.Incr()
				results[i], failures[i] = o.Write(ctx, d)
				return nil
			})
		}
		g.Wait()
		uiprogress.Stop()

		printSummary(descriptors, results, failures, time.Since(start))
		return errors.Join(failures...)
	},
}

func printPlan(n int, d *schema.ExportDescriptor) {
	mode := writer.ModeFull
	switch {
	case d.Disabled:
		mode = writer.ModeSkipped
	case d.Incremental:
		mode = writer.ModeIncremental
	}
	fmt.Printf("[%02d] %-30s %-11s file=%s pk=%v\n", n, d.Table, mode, d.SourceFile, d.PrimaryKey)
	for _, c := range d.Active() {
		null := "NOT NULL"
		if c.Nullable {
			null = "NULL"
		}
		fmt.Printf("     %-24s <- %-24s %s %s\n", c.Name, c.SourceName, c.SQLType(), null)
	}
}

func printSummary(descriptors []*schema.ExportDescriptor, results []*writer.WriteResult, failures []error, elapsed time.Duration) {
	fmt.Println("\n📊 Summary Report:")
	var total int64
	for i, d := range descriptors {
		if failures[i] != nil {
			fmt.Printf("[!] [%02d/%02d] %-30s : FAILED\n", i+1, len(descriptors), d.Table)
			fmt.Printf("    └ Error: %v\n", failures[i])
			continue
		}
		r := results[i]
		fmt.Printf("[✓] [%02d/%02d] %-30s : %s rows (%s) - %s\n",
			i+1, len(descriptors), r.Table, humanize.Comma(r.Rows), r.Mode, r.Duration.Round(time.Millisecond))
		total += r.Rows
	}
	fmt.Println("--------------------------------------------------")
	fmt.Printf("Total rows in written tables: %s\n", humanize.Comma(total))
	slog.Info("write done", "elapsed", elapsed.Round(time.Millisecond))
}

func init() {
	RootCmd.AddCommand(writeCmd)

	writeCmd.Flags().StringSliceVarP(&tables, "tables", "t", []string{}, "Specific tables to write, by tableId or dbName (comma-separated)")
	writeCmd.Flags().IntVar(&parallel, "parallel", 1, "Number of tables written concurrently, each on its own connection")
	writeCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the write plan without touching the database")
}
