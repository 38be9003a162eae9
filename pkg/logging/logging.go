// Package logging provides shared logger configuration for the processor-node binaries.
package logging

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LevelEnv is the environment variable that selects the log level.
const LevelEnv = "PNODE_LOG_LEVEL"

// ConfigureLogger creates a logr.Logger from the PNODE_LOG_LEVEL environment variable.
// output controls where log lines are written ("stdout" or "stderr").
// Supported levels: trace, debug, info, warn, error. Defaults to info.
func ConfigureLogger(output string) logr.Logger {
	zapLevel, level, parseErr := parseLevel(os.Getenv(LevelEnv))

	if output == "" {
		output = "stdout"
	}

	zapCfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      true,
		Encoding:         "console",
		EncoderConfig:    zap.NewDevelopmentEncoderConfig(),
		OutputPaths:      []string{output},
		ErrorOutputPaths: []string{"stderr"},
	}
	zapCfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	zapLog, err := zapCfg.Build()
	if err != nil {
		zapLog, _ = zap.NewDevelopment()
	}

	log := zapr.NewLogger(zapLog)
	if parseErr != nil {
		log.WithName("setup").Info("Invalid "+LevelEnv+", falling back to info", "value", level, "error", parseErr)
	}
	return log
}

// parseLevel maps a level name to a zap level. trace is folded into debug, since
// logr V(1) already maps onto zap's debug level.
func parseLevel(raw string) (zapcore.Level, string, error) {
	level := strings.TrimSpace(strings.ToLower(raw))
	if level == "" {
		level = "info"
	}

	switch level {
	case "trace", "debug":
		return zapcore.DebugLevel, level, nil
	case "info":
		return zapcore.InfoLevel, level, nil
	case "warn", "warning":
		return zapcore.WarnLevel, level, nil
	case "error":
		return zapcore.ErrorLevel, level, nil
	default:
		return zapcore.InfoLevel, level, fmt.Errorf("invalid level %q", level)
	}
}
