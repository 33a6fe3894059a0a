// Package observability provides structured logging and formatted CLI output for job
// runs and their events.
package observability

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Standard field names for structured logging.
const (
	FieldJob        = "job"
	FieldRunID      = "run_id"
	FieldPhase      = "phase"
	FieldNextPhase  = "next_phase"
	FieldAction     = "action"
	FieldAttempt    = "attempt"
	FieldRescue     = "rescue"
	FieldResumed    = "resumed"
	FieldURL        = "url"
	FieldReason     = "reason"
	FieldMissing    = "missing"
	FieldError      = "error"
	FieldCount      = "count"
	FieldDurationMS = "duration_ms"
	FieldMethod     = "method"
	FieldPath       = "path"
	FieldStatus     = "status"
)

// NewLogger builds a SugaredLogger. json selects production JSON output; otherwise a
// console encoder is used. Unknown levels fall back to info.
func NewLogger(level string, json bool) (*zap.SugaredLogger, error) {
	lvl := zap.NewAtomicLevelAt(zap.InfoLevel)
	if level != "" {
		if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
			lvl = zap.NewAtomicLevelAt(zap.InfoLevel)
		}
	}

	var config zap.Config
	if json {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		config.DisableStacktrace = true
	}
	config.Level = lvl

	logger, err := config.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

// Nop returns a logger that discards everything.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
