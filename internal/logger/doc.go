// Package logger provides structured logging for potbroker, backed by
// zerolog.
//
// Features:
//   - Multiple log levels (TRACE, DEBUG, INFO, WARN, ERROR)
//   - Component-based filtering
//   - Multiple output formats (text, JSON, color)
//   - Thread-safe operations
//   - Configurable output and formatting
//
// Usage:
//
//	log := logger.WithComponent(logger.ComponentSession)
//
//	log.Info("minted pot token", map[string]interface{}{
//		"minter_key": key,
//	})
//
//	config := logger.DefaultConfig()
//	config.Level = logger.DEBUG
//	config.Format = logger.FormatJSON
//	logger.SetGlobalLogger(logger.New(config))
//
// Components:
//   - ComponentApp: process lifecycle logs
//   - ComponentServer: HTTP server lifecycle logs
//   - ComponentSession: session manager (Generate/Invalidate*) logs
//   - ComponentMinter: minter cache state-machine logs
//   - ComponentPOTCache: POT cache state-machine logs
//   - ComponentChallenge: challenge fetcher logs
//   - ComponentVM: BotGuard VM attestation logs
//   - ComponentHTTP: request/response logs
package logger
