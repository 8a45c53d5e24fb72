package obs

import (
	"sort"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu    sync.RWMutex
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	base  = newLogger("stdout")
)

func buildLogger(paths ...string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = level
	cfg.Sampling = nil
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	cfg.OutputPaths = paths
	return cfg.Build()
}

func newLogger(paths ...string) *zap.Logger {
	l, err := buildLogger(paths...)
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// SetOutput sends logs to the given zap sinks ("stdout", "stderr" or file
// paths). Programs whose stdout carries data log to stderr.
func SetOutput(paths ...string) error {
	l, err := buildLogger(paths...)
	if err != nil {
		return err
	}
	SetLogger(l)
	return nil
}

// EnableDebug globally enables debug logs.
func EnableDebug(v bool) {
	if v {
		level.SetLevel(zapcore.DebugLevel)
		return
	}
	level.SetLevel(zapcore.InfoLevel)
}

// SetLogger replaces the backing logger (tests use zaptest/observer cores).
func SetLogger(l *zap.Logger) {
	mu.Lock()
	base = l
	mu.Unlock()
}

// Sync flushes buffered log entries.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = base.Sync()
}

type Fields map[string]any

func (f Fields) zap() []zap.Field {
	if len(f) == 0 {
		return nil
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		out = append(out, zap.Any(k, f[k]))
	}
	return out
}

func logger() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

func Info(msg string, f Fields)  { logger().Info(msg, f.zap()...) }
func Error(msg string, f Fields) { logger().Error(msg, f.zap()...) }
func Debug(msg string, f Fields) { logger().Debug(msg, f.zap()...) }
