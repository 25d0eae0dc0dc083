// Package log provides structured protocol logging for the AVSS and
// Transceiver RPC layers.
//
// This package defines the Logger interface and Event types for capturing
// protocol-level events at multiple layers (transport, RPC, AVSS).
// It is separate from operational logging (slog) - protocol capture provides
// a complete machine-readable event trace for debugging and analysis.
//
// # Basic Usage
//
// Applications configure logging by providing a Logger implementation:
//
//	// For development: log to console via slog
//	var logger log.Logger = log.NewSlogAdapter(slog.Default())
//
//	// For production: write to binary file
//	fileLogger, err := log.NewFileLogger("/var/log/anura/session.alog")
//
//	// Both: use MultiLogger
//	logger = log.NewMultiLogger(log.NewSlogAdapter(slog.Default()), fileLogger)
//
//	// Hand it to a client, e.g. coordinator.Config.Logger
//	cfg.Logger = logger
//
// # Event Types
//
// An Event carries one of these payloads:
//   - Raw frame bytes (FrameEvent)
//   - Decoded messages (MessageEvent)
//   - State changes (StateChangeEvent)
//
// Control messages (ping/pong) and errors have dedicated event types.
//
// # File Format
//
// Log files use CBOR encoding with a .alog extension, viewable with the
// reader in reader.go.
package log
