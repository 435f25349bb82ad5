// Package logging provides structured logging for LiteLens Core.
//
// This package wraps Go's standard log/slog package to provide
// consistent, structured logging across the entire application.
//
// # Features
//
//   - JSON output for the desktop shell (machine-parsable)
//   - Text output for terminals (human-readable)
//   - Default fields (service, version) on all log entries
//   - Level-based filtering (debug, info, warn, error)
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stderr"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Info("database opened", "connection_id", id)
//
// # Privacy
//
// Never log SQL text, bound values or row data above debug level. They are
// the user's data.
package logging
