// Package logging provides structured logging for the Gray Logic ACS.
//
// This package wraps Go's standard log/slog package to provide
// consistent, structured logging across the entire application.
//
// # Features
//
//   - JSON output for production, text output for development
//   - Default fields (service, version) on all log entries
//   - Session-scoped loggers carrying session_id and device_id
//   - Credential redaction for attributes named after password parameters
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.ForSession(sc.SessionID, sc.DeviceID).Info("session ended", "rpcs", sc.RPCCount)
package logging
