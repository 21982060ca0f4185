package cmd

import (
	"bufio"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"mssql-writer/internal/sample"
)

var (
	sampleRows int
	sampleOut  string
	sampleSeed int64
)

var sampleCmd = &cobra.Command{
	Use:   "sample <tableId>",
	Short: "Generate a fake CSV extract for a configured table",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := decodeConfig(viper.GetViper())
		if err != nil {
			return err
		}
		descriptors, err := cfg.Descriptors(args)
		if err != nil {
			return err
		}
		d := descriptors[0]

		path := sampleOut
		if path == "" {
			path = d.SourceFile
		}
		gen := sample.New(sampleSeed)
		if path == "" || path == "-" {
			return gen.WriteCSV(os.Stdout, d, sampleRows)
		}

		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", path, err)
		}
		defer f.Close()
		w := bufio.NewWriter(f)
		if err := gen.WriteCSV(w, d, sampleRows); err != nil {
			return err
		}
		if err := w.Flush(); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
		fmt.Fprintf(os.Stderr, "🎲 Wrote %s rows for %s to %s\n", humanize.Comma(int64(sampleRows)), d.Table, path)
		return f.Close()
	},
}

func init() {
	RootCmd.AddCommand(sampleCmd)

	sampleCmd.Flags().IntVar(&sampleRows, "rows", 100, "Number of rows to generate")
	sampleCmd.Flags().StringVarP(&sampleOut, "out", "o", "", "Output file (default is the table's configured file, - for stdout)")
	sampleCmd.Flags().Int64Var(&sampleSeed, "seed", 0, "Random seed (0 picks one)")
}
