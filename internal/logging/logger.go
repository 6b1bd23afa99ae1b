// Package logging provides categorized structured logging for the kernel's
// subsystems, built on zap. Until Init is called every helper is a no-op,
// so the pure kernel packages can be exercised in tests with zero log
// output and zero I/O.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category names a kernel subsystem's log stream.
type Category string

const (
	CategoryKernel   Category = "kernel"
	CategoryInit     Category = "init"
	CategorySched    Category = "sched"
	CategoryRouter   Category = "router"
	CategoryCaps     Category = "caps"
	CategoryRegistry Category = "registry"
	CategoryAudit    Category = "audit"
	CategoryHost     Category = "host"
)

var (
	mu   sync.RWMutex
	root *zap.Logger = zap.NewNop()
	subs             = map[Category]*zap.SugaredLogger{}
)

// Config controls where logs go and how much is emitted.
type Config struct {
	// Debug enables debug-level output. Off means info and above only.
	Debug bool
	// Dir, when set, writes JSON logs to <dir>/kernel.log instead of
	// stderr console output.
	Dir string
}

// Init installs the process-wide logger. Safe to call more than once; the
// last call wins.
func Init(cfg Config) error {
	level := zapcore.InfoLevel
	if cfg.Debug {
		level = zapcore.DebugLevel
	}

	var core zapcore.Core
	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(cfg.Dir, "kernel.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		enc := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
		core = zapcore.NewCore(enc, zapcore.AddSync(f), level)
	} else {
		enc := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
		core = zapcore.NewCore(enc, zapcore.AddSync(os.Stderr), level)
	}

	mu.Lock()
	defer mu.Unlock()
	root = zap.New(core)
	subs = map[Category]*zap.SugaredLogger{}
	return nil
}

// Get returns the named sugared logger for a category.
func Get(cat Category) *zap.SugaredLogger {
	mu.Lock()
	defer mu.Unlock()
	if s, ok := subs[cat]; ok {
		return s
	}
	s := root.Named(string(cat)).Sugar()
	subs[cat] = s
	return s
}

// Sync flushes buffered log entries.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = root.Sync()
}

// Per-category debug helpers, matching the call sites' natural grain.

func Kernel(format string, args ...any)   { Get(CategoryKernel).Debugf(format, args...) }
func InitLog(format string, args ...any)  { Get(CategoryInit).Debugf(format, args...) }
func Sched(format string, args ...any)    { Get(CategorySched).Debugf(format, args...) }
func Router(format string, args ...any)   { Get(CategoryRouter).Debugf(format, args...) }
func Caps(format string, args ...any)     { Get(CategoryCaps).Debugf(format, args...) }
func Registry(format string, args ...any) { Get(CategoryRegistry).Debugf(format, args...) }
func Audit(format string, args ...any)    { Get(CategoryAudit).Debugf(format, args...) }
func Host(format string, args ...any)     { Get(CategoryHost).Debugf(format, args...) }
