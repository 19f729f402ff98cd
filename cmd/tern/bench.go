package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tern-db/tern/benchmarks"
)

// bench flags.
var (
	flagBenchN       int
	flagBenchBatch   int
	flagBenchEngines []string
	flagBenchSeed    int64
	flagBenchDir     string
	flagBenchCSV     string
	flagBenchPlot    string
)

// benchCmd runs the comparative workload suite.
var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Run the comparative benchmark suite",
	Long: `Bench loads, queries, mutates, and scans freshly created engines and
reports the measured latencies. The tern tree runs against a pebble
LSM baseline; --engines narrows the run to one of them.

Each engine works in its own subdirectory of a scratch directory that
is deleted afterward unless --dir pins it. --csv and --plot write the
raw measurements and a grouped latency chart next to the summary.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := flagBenchDir
		if dir == "" {
			scratch, err := os.MkdirTemp("", "tern-bench-")
			if err != nil {
				return err
			}
			defer os.RemoveAll(scratch)
			dir = scratch
		}

		opts := benchmarks.DefaultOptions()
		opts.Dir = dir
		opts.N = flagBenchN
		opts.Batch = flagBenchBatch
		opts.Seed = flagBenchSeed
		if len(flagBenchEngines) > 0 {
			opts.Engines = flagBenchEngines
		}

		results, err := benchmarks.Run(opts, func(format string, args ...interface{}) {
			fmt.Fprintf(os.Stderr, format+"\n", args...)
		})
		if err != nil {
			return err
		}

		report := benchmarks.NewReport(results)
		if err := report.GenerateTextReport(os.Stdout); err != nil {
			return err
		}

		if flagBenchCSV != "" {
			if err := benchmarks.WriteCSV(flagBenchCSV, results); err != nil {
				return fmt.Errorf("write csv: %w", err)
			}
			fmt.Printf("results written to %s\n", flagBenchCSV)
		}
		if flagBenchPlot != "" {
			if err := benchmarks.RenderPlot(flagBenchPlot, results); err != nil {
				return fmt.Errorf("render plot: %w", err)
			}
			fmt.Printf("chart written to %s\n", flagBenchPlot)
		}
		return nil
	},
}

func init() {
	defaults := benchmarks.DefaultOptions()
	benchCmd.Flags().IntVar(&flagBenchN, "n", defaults.N, "keys loaded per engine")
	benchCmd.Flags().IntVar(&flagBenchBatch, "batch", defaults.Batch, "tern writes per commit")
	benchCmd.Flags().StringSliceVar(&flagBenchEngines, "engines", nil, "engines to run: tern, pebble")
	benchCmd.Flags().Int64Var(&flagBenchSeed, "seed", defaults.Seed, "workload random seed")
	benchCmd.Flags().StringVar(&flagBenchDir, "dir", "", "working directory (kept after the run)")
	benchCmd.Flags().StringVar(&flagBenchCSV, "csv", "", "write raw results to this CSV file")
	benchCmd.Flags().StringVar(&flagBenchPlot, "plot", "", "write a latency chart to this file (.svg, .png, .pdf)")
	rootCmd.AddCommand(benchCmd)
}
