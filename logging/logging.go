// Package logging wires structured logging for the balancer on top of
// go.uber.org/zap. Field helpers keep the entity a log line concerns
// (adapter, session, job) named consistently across packages.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap.Logger. pretty selects a human-readable console
// encoder (for local/dev use); otherwise JSON is used.
func New(level string, pretty bool) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}

	if pretty {
		cfg := zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(lvl)
		return cfg.Build()
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// Adapter names the upstream adapter a log line concerns.
func Adapter(name string) zap.Field { return zap.String("adapter", name) }

// Session names the client session a log line concerns.
func Session(id string) zap.Field { return zap.String("session", id) }

// JobID names the balancer-local job id a log line concerns.
func JobID(id uint64) zap.Field { return zap.Uint64("job_id", id) }

// SourceLang names the source language of a routing decision.
func SourceLang(name string) zap.Field { return zap.String("source_lang", name) }

// TargetLang names the target language of a routing decision.
func TargetLang(name string) zap.Field { return zap.String("target_lang", name) }

// Component names the subsystem emitting the log line.
func Component(name string) zap.Field { return zap.String("component", name) }
