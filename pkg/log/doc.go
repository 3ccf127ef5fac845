// Package log provides relay's structured logging facade.
//
// # Overview
//
// The package exposes a small Logger interface with leveled methods and a
// typed Field for structured context. Output runs through a pluggable
// Formatter (text or JSON) and one or more Outputs, so the same facade serves
// console logging in development and machine-readable logs in production.
//
// Quick start
//
//	l := log.NewLogger(
//	    log.WithLevel(log.InfoLevel),
//	    log.WithFormatter(&log.TextFormatter{}),
//	    log.WithOutput(log.NewConsoleOutput()),
//	)
//	l = l.With(log.Component("consumer"), log.Str("service", "chat"))
//	l.Info("consumer started", log.Int("slot", 3))
//
// With returns a child logger carrying additional fields. Construct one
// logger per process and inject it into components.
package log
