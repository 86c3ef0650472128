package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Field names shared by every component that logs about a cycle.
const (
	FieldCycleID    = "cycle_id"
	FieldTaskKind   = "task_kind"
	FieldTargetID   = "target_id"
	FieldIntent     = "intent"
	FieldRecipient  = "recipient"
	FieldOutcome    = "outcome"
	FieldDurationMS = "duration_ms"
	FieldError      = "error"
	FieldComponent  = "component"
)

// New builds a sugared logger writing to stderr. JSON output uses the zap
// production encoder; otherwise a console encoder is used.
func New(jsonOutput bool, verbosity int) (*zap.SugaredLogger, error) {
	level := VerbosityToLevel(verbosity)
	if jsonOutput {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(level)
		cfg.OutputPaths = []string{"stderr"}
		l, err := cfg.Build()
		if err != nil {
			return nil, err
		}
		return l.Sugar(), nil
	}
	enc := zap.NewDevelopmentEncoderConfig()
	enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.AddSync(os.Stderr), level)
	return zap.New(core).Sugar(), nil
}

// Nop returns a logger that discards everything.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

// VerbosityToLevel maps -v flag counts to zap levels: none shows warnings,
// -v adds info, -vv and above add debug.
func VerbosityToLevel(verbosity int) zapcore.Level {
	switch {
	case verbosity <= 0:
		return zapcore.WarnLevel
	case verbosity == 1:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}
