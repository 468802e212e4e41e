package logging

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu sync.Mutex
	// Used by the CLI layer until the run logger replaces it
	defaultLogger *zap.Logger
)

// Options controls how a run logger is built.
type Options struct {
	// Level is one of debug, info, warn, error. Empty means LOG_LEVEL or info.
	Level string
	// File is an optional extra output path next to stdout.
	File string
}

// New builds a JSON logger writing to stdout and, when set, opts.File.
func New(opts Options) (*zap.Logger, error) {
	level := opts.Level
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}

	outputs := []string{"stdout"}
	if opts.File != "" {
		outputs = append(outputs, opts.File)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))
	cfg.OutputPaths = outputs
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.EncoderConfig = encoderConfig()
	return cfg.Build()
}

func encoderConfig() zapcore.EncoderConfig {
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "timestamp"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.MessageKey = "message"
	return enc
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zap.DebugLevel
	case "warn", "warning":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// InitLogger installs a stdout logger as the default and as zap's global.
func InitLogger() error {
	logger, err := New(Options{})
	if err != nil {
		return err
	}
	SetDefault(logger)
	return nil
}

// SetDefault replaces the default logger. Sync flushes whichever logger was
// installed last, so the run logger's file output is not lost on exit.
func SetDefault(logger *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
	zap.ReplaceGlobals(logger)
}

// Logger returns the default logger, falling back to a production logger
// when none was installed.
func Logger() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		logger, err := zap.NewProduction()
		if err != nil {
			logger = zap.NewNop()
		}
		defaultLogger = logger
	}
	return defaultLogger
}

// Sync flushes the default logger.
func Sync() error {
	mu.Lock()
	logger := defaultLogger
	mu.Unlock()
	if logger == nil {
		return nil
	}
	return logger.Sync()
}
