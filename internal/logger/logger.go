// Package logger provides the process-wide structured logger shared by every
// citadel-core package. It wraps zap behind a singleton accessor so packages
// can call logger.Logger() the same way they reach for fmt.Sprintf, without
// threading a logger through every constructor.
package logger

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu  sync.RWMutex
	log *zap.SugaredLogger
)

func init() {
	log = mustBuild("info", nil)
}

// Configure installs a new process-wide logger at the given level, writing to
// outputPaths (falling back to stderr if empty). Call once at process start,
// before any goroutine that might log.
func Configure(level string, outputPaths []string) error {
	l, err := build(level, outputPaths)
	if err != nil {
		return err
	}
	mu.Lock()
	log = l
	mu.Unlock()
	return nil
}

// Logger returns the current process-wide logger.
func Logger() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}

// Sync flushes any buffered log entries. Call at process exit.
func Sync() {
	if l := Logger(); l != nil {
		_ = l.Sync()
	}
}

func mustBuild(level string, outputPaths []string) *zap.SugaredLogger {
	l, err := build(level, outputPaths)
	if err != nil {
		panic(err)
	}
	return l
}

func build(level string, outputPaths []string) (*zap.SugaredLogger, error) {
	var lvl zap.AtomicLevel
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	cfg.Encoding = "console"
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if len(outputPaths) > 0 {
		cfg.OutputPaths = outputPaths
	}

	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}
