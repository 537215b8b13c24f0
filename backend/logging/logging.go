// Package logging is a convenience wrapper around the IPFS logging package,
// which itself is a convenience package around the Zap logger. This package
// discourages usage of global loggers, and allows creating named loggers
// specifying their logging level in one call.
package logging

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ipfs/go-log/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

func init() {
	envfmt := strings.TrimSpace(strings.ToLower(os.Getenv("GOLOG_LOG_FMT")))

	// Overriding the primary logger of the IPFS's go-log package, to have full control of the output.

	cfg := zap.NewProductionEncoderConfig()
	cfg.MessageKey = "msg"
	cfg.LevelKey = "lvl"
	cfg.TimeKey = "ts"
	cfg.NameKey = "log"
	cfg.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		t = t.UTC()
		enc.AppendString(t.Format(time.RFC3339))
	}

	var enc zapcore.Encoder

	// If stderr is not a terminal, we use JSON encoding for logs.
	if !term.IsTerminal(int(os.Stderr.Fd())) || envfmt == "json" {
		enc = zapcore.NewJSONEncoder(cfg)
	} else {
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(cfg)
	}

	log.SetPrimaryCore(zapcore.NewCore(enc, os.Stderr, zap.NewAtomicLevelAt(zapcore.DebugLevel)))
}

// New creates a new named logger with the specified level.
// If a logger with the same name was created before, it will just set the level.
func New(subsystem, level string) *zap.Logger {
	l := log.Logger(subsystem).Desugar()

	if err := log.SetLogLevel(subsystem, level); err != nil {
		panic(err)
	}

	return l
}

// SetLogLevel sets the level on the named logger. It may panic
// in case of a non-existing name.
func SetLogLevel(subsystem, level string) {
	if err := log.SetLogLevel(subsystem, level); err != nil {
		panic(fmt.Errorf("%s %s %w", subsystem, level, err))
	}
}

// SetLogLevelErr is like [SetLogLevel] but returns an error instead of panic.
func SetLogLevelErr(subsystem, level string) error {
	return log.SetLogLevel(subsystem, level)
}
