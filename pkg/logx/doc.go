// Package logx is a thin structured logging layer on top of zerolog.
//
// It exists so the rest of the codebase can log through a stable, small API
// (Logger + Field helpers) while the Service re-targets sinks and levels at
// runtime when the config file changes. Sinks: human console output and an
// append-only JSON file.
package logx
