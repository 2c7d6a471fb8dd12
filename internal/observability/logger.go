// Package observability holds the CLI logger and the per-run metrics
// registry.
package observability

import (
	"fmt"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the process-wide logger for command output on stderr.
// It is a no-op until InitCLILogger runs.
var CLILogger = zap.NewNop()

// InitCLILogger configures CLILogger. Terminals get the console encoder;
// pipes and files get JSON.
func InitCLILogger(name string, verbose bool) {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	console := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
	CLILogger = NewLogger(zapcore.Lock(os.Stderr), name, level, console)
}

// SetLevel re-initializes CLILogger at the named level ("debug", "info",
// "warn", "error").
func SetLevel(name, level string) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}
	console := isatty.IsTerminal(os.Stderr.Fd())
	CLILogger = NewLogger(zapcore.Lock(os.Stderr), name, lvl, console)
	return nil
}

// NewLogger builds a logger writing to ws.
func NewLogger(ws zapcore.WriteSyncer, name string, level zapcore.Level, console bool) *zap.Logger {
	var enc zapcore.Encoder
	if console {
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		cfg.CallerKey = ""
		enc = zapcore.NewConsoleEncoder(cfg)
	} else {
		cfg := zap.NewProductionEncoderConfig()
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(cfg)
	}
	logger := zap.New(zapcore.NewCore(enc, ws, zap.NewAtomicLevelAt(level)))
	if name != "" {
		logger = logger.Named(name)
	}
	return logger
}

// ParseLevel maps a config string to a zap level.
func ParseLevel(s string) (zapcore.Level, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(s)))); err != nil {
		return lvl, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return lvl, nil
}
