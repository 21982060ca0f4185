package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"mssql-writer/internal/logging"
	"mssql-writer/internal/writer"
)

var truncateOnly bool

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Drop (or truncate) the configured destination tables",
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

		logger := slog.Default()
		ctx := logging.WithLogger(cmd.Context(), logger)
		o := writer.NewOrchestrator(cfg.Backend(logger), nil)
		action := "Dropped"
		if truncateOnly {
			action = "Truncated"
		}

		total := len(descriptors)
		for i, d := range descriptors {
			if err := o.Clean(ctx, d, truncateOnly); err != nil {
				return fmt.Errorf("failed to clean %s: %w", d.Table, err)
			}
			if (i+1)%5 == 0 || i+1 == total {
				slog.Info(fmt.Sprintf("%s %d/%d tables", action, i+1, total))
			}
		}

		fmt.Println("Tables Cleaned Successfully!")
		return nil
	},
}

func init() {
	RootCmd.AddCommand(cleanCmd)

	cleanCmd.Flags().BoolVar(&truncateOnly, "truncate", false, "Keep the tables and delete their rows")
	cleanCmd.Flags().StringSliceVarP(&tables, "tables", "t", []string{}, "Specific tables to clean, by tableId or dbName (comma-separated)")
}
