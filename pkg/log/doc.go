// Package log provides raftlog's structured logging facade.
//
// # Overview
//
// The package exposes a small Logger interface with leveled methods and a
// Field type for structured context. It is backed by log/slog through a
// bridge handler that feeds our formatter/outputs pipeline, so every
// component renders identically whether it logs through the facade or a
// *slog.Logger.
//
// Quick start
//
//	l := log.NewLogger(
//	    log.WithLevel(log.InfoLevel),
//	    log.WithFormatter(&log.TextFormatter{}),
//	    log.WithOutput(log.NewConsoleOutput()),
//	)
//	l = l.With(log.Component("raft"), log.Uint32("partition", 1))
//	l.Info("became leader", log.Uint64("term", 7))
//
// # Configuration
//
// ApplyConfig builds a logger from a declarative Config: text or JSON
// formatting, console/file/null outputs, key redaction and per-message
// sampling.
//
// # Interop
//
// Pebble and other libraries log through the standard library logger; use
// RedirectStdLog to route them through a Logger, or ToStdLogger to hand a
// *log.Logger to a single dependency.
package log
