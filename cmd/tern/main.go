// Package main provides the entry point for the tern index engine CLI.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tern-db/tern/internal/keydom"
	"github.com/tern-db/tern/internal/logging"
	"github.com/tern-db/tern/internal/storage"
	"github.com/tern-db/tern/internal/storage/engine"
	"github.com/tern-db/tern/internal/tx"
)

// rootCmd is the root of the command tree.
var rootCmd = &cobra.Command{
	Use:   "tern",
	Short: "Manage tern index databases",
	Long: `tern manages databases of ordered indexes: prefix-compressed B+ trees
mapping typed keys to sets of object identifiers, backed by a write-ahead
log with crash recovery.

A database is a directory holding the tree volume, the overflow volume,
and the log. Every command that touches it takes --path.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Global flags shared by every subcommand.
var (
	flagPath      string
	flagPageSize  int
	flagFrames    int
	flagSync      bool
	flagLogLevel  string
	flagLogFormat string
)

// keywords resolves column type names in domain specs and key values.
var keywords = keydom.NewRegistry()

func init() {
	defaults := storage.DefaultEngineOptions()
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flagPath, "path", "p", "./tern-data", "database directory")
	pf.IntVar(&flagPageSize, "page-size", defaults.PageSize, "page size in bytes")
	pf.IntVar(&flagFrames, "buffer-frames", defaults.BufferPoolSize, "buffer pool frames")
	pf.BoolVar(&flagSync, "sync", false, "fsync every volume write")
	pf.StringVar(&flagLogLevel, "log-level", "warn", "log level: debug, info, warn, error")
	pf.StringVar(&flagLogFormat, "log-format", "text", "log format: text or json")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newLogger builds the CLI logger from the global flags.
func newLogger() logging.Logger {
	return logging.New(logging.Config{
		Level:  flagLogLevel,
		Format: flagLogFormat,
		Output: "stderr",
	})
}

// engineOptions derives engine options from the global flags.
func engineOptions(create bool) storage.EngineOptions {
	return storage.DefaultEngineOptions().
		WithDataDir(flagPath).
		WithPageSize(flagPageSize).
		WithBufferPoolSize(flagFrames).
		WithSyncOnWrite(flagSync).
		WithCreateIfNotExists(create).
		WithCheckpointInterval(0)
}

// openDB opens the database named by --path. Commands that only read
// existing data pass create=false so a typo'd path fails instead of
// leaving an empty database behind.
func openDB(create bool) (*engine.Engine, error) {
	eng, err := engine.Open(flagPath, engineOptions(create), newLogger())
	if err != nil {
		return nil, fmt.Errorf("open database at %s: %w", flagPath, err)
	}
	return eng, nil
}

// withTx runs fn inside a transaction, committing on success and
// rolling back on error.
func withTx(eng *engine.Engine, level tx.IsolationLevel, fn func(txn *tx.Transaction) error) error {
	txn, err := eng.Begin(level)
	if err != nil {
		return err
	}
	if err := fn(txn); err != nil {
		if aerr := eng.Abort(txn); aerr != nil {
			return fmt.Errorf("%v (rollback also failed: %v)", err, aerr)
		}
		return err
	}
	return eng.Commit(txn)
}

// buildKey parses the textual column values of args into an encoded key
// of the index's domain.
func buildKey(domain keydom.Domain, args []string) ([]byte, error) {
	if len(args) != len(domain.Cols) {
		return nil, fmt.Errorf("key has %d column(s), got %d value(s)", len(domain.Cols), len(args))
	}
	vals := make([]interface{}, len(args))
	for i, arg := range args {
		v, err := keywords.ParseValue(domain.Cols[i], arg)
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}
	return domain.Build(vals...)
}

// formatElapsed renders a duration the way humans read benchmark lines.
func formatElapsed(d time.Duration) string {
	switch {
	case d < time.Millisecond:
		return fmt.Sprintf("%.0fµs", float64(d.Microseconds()))
	case d < time.Second:
		return fmt.Sprintf("%.1fms", float64(d.Microseconds())/1000)
	default:
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
}
