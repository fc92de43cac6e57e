// Package logger provides structured logging for the mediaset engine.
//
// Every engine package logs through a narrow Logger interface so that tests
// can substitute a mock and applications can plug in their own sink. The
// concrete implementation, LoggerClient, wraps Uber's zap and optionally
// enriches every entry with the OpenTelemetry trace and span IDs found in
// the context.
//
// # Architecture
//
// The package follows the "accept interfaces, return structs" pattern:
//   - Logger: the contract consumed by the dataset, view, merge and store packages
//   - LoggerClient: the zap-backed implementation returned by NewLoggerClient
//   - FXModule: provides both *LoggerClient and Logger to an fx application
//
// # Direct Usage
//
//	log := logger.NewLoggerClient(logger.Config{
//		Level:       logger.Info,
//		ServiceName: "mediaset",
//	})
//
//	log.Info("dataset loaded", nil, map[string]interface{}{
//		"dataset": "quickstart",
//	})
//
//	log.ErrorWithContext(ctx, "merge failed", err, map[string]interface{}{
//		"dataset": "quickstart",
//		"key":     "filepath",
//	})
//
// # FX Module Integration
//
//	app := fx.New(
//		logger.FXModule,
//		fx.Provide(func() logger.Config {
//			return logger.Config{Level: logger.Debug, ServiceName: "mediaset"}
//		}),
//	)
//
// The module flushes buffered entries when the application stops.
//
// # Log Levels
//
//   - Debug: compiled pipelines, cursor restarts, schema waves
//   - Info: dataset lifecycle events (create, load, delete, merge)
//   - Warn: recoverable conditions (stale schema reload, orphaned records)
//   - Error: failed store operations surfaced to the caller
//   - Fatal: unrecoverable startup failures only
//
// # Testing
//
// NewNop returns a LoggerClient that discards all output. A gomock mock of
// the Logger interface is generated into mock_logger.go.
package logger
