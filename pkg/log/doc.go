// Package log provides a structured trace of discovery activity.
//
// It is separate from operational logging (slog). The trace records every
// client and group state change, browse and resolve callback, filter
// decision and scan outcome as a machine-readable Event, so that a field
// capture can be replayed and analysed later.
//
// # Basic Usage
//
//	// For development: trace to console via slog
//	cfg.Tracer = log.NewSlogAdapter(slog.Default())
//
//	// For production: write to binary file
//	cfg.Tracer, _ = log.NewFileLogger("/var/log/mdnssd/agent.dlog")
//
//	// Both: use MultiLogger
//	cfg.Tracer = log.NewMultiLogger(
//	    log.NewSlogAdapter(slog.Default()),
//	    fileLogger,
//	)
//
// # File Format
//
// Trace files are a stream of CBOR-encoded events with integer keys and
// the .dlog extension. The mdnssd-log tool views and summarises them.
package log
