// Package logging provides structured logging for the Tern index engine.
//
// # Overview
//
// The logging package provides a structured logging interface with support for:
//
//   - Multiple log levels (debug, info, warn, error)
//   - Text and JSON output formats
//   - Operation ID tracking for tracing index operations
//   - Field-based contextual logging
//
// # Creating a Logger
//
// Create a logger with configuration:
//
//	logger := logging.New(logging.Config{
//	    Level:  "info",
//	    Format: "json",
//	    Output: "/var/log/tern/tern.log",
//	})
//
// Or use defaults:
//
//	logger := logging.NewDefault() // Info level, text format, stdout
//
// For testing, use a no-op logger:
//
//	logger := logging.NewNop()
//
// # Log Levels
//
// Four log levels are supported:
//
//	logger.Debug("detailed debugging info", "key", "value")
//	logger.Info("informational message", "key", "value")
//	logger.Warn("warning message", "key", "value")
//	logger.Error("error message", "key", "value")
//
// Parse level from string:
//
//	level := logging.ParseLevel("debug") // Returns LevelDebug
//
// # Structured Logging
//
// Add key-value pairs to log entries:
//
//	logger.Info("leaf split",
//	    "page", "1:204",
//	    "separator_len", 3,
//	    "duration_us", 41,
//	)
//
// Output (JSON format):
//
//	{
//	    "ts": "2026-02-18T10:30:00Z",
//	    "level": "info",
//	    "msg": "leaf split",
//	    "page": "1:204",
//	    "separator_len": 3,
//	    "duration_us": 41
//	}
//
// # Operation ID Tracking
//
// Tag all entries of one index operation with a shared ID:
//
//	opID := logging.NewOpID()
//	opLogger := logger.WithOpID(opID)
//
//	opLogger.Info("insert started") // Includes op_id field
//
// # Contextual Fields
//
// Create loggers with persistent fields:
//
//	treeLogger := logger.WithFields(
//	    "root", root.String(),
//	    "unique", true,
//	)
//
//	// All subsequent logs include these fields
//	treeLogger.Info("index opened")
//	treeLogger.Info("scan finished")
//
// # Output Formats
//
// Text format (human-readable):
//
//	2026-02-18T10:30:00Z [info] leaf split page=1:204 separator_len=3
//
// JSON format (machine-parseable):
//
//	{"ts":"2026-02-18T10:30:00Z","level":"info","msg":"leaf split",...}
//
// # Output Destinations
//
// Configure output destination:
//
//	logging.Config{Output: "stdout"}            // Standard output
//	logging.Config{Output: "stderr"}            // Standard error
//	logging.Config{Output: "/var/log/tern.log"} // File path
package logging
