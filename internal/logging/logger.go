// Package logging provides categorized structured logging for the warden
// daemon. All categories share one zap core tee: a console encoder, a
// rotating file sink, and a bounded in-memory tail that feeds telemetry.
package logging

import (
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Category identifies a daemon subsystem in log output.
type Category string

const (
	CategoryBoot      Category = "boot"      // startup / shutdown sequence
	CategoryEngine    Category = "engine"    // orchestration loop, phase transitions
	CategoryHardware  Category = "hardware"  // capability detection
	CategoryRouting   Category = "routing"   // inference fallback decisions
	CategoryMemory    Category = "memory"    // skill store operations
	CategorySandbox   Category = "sandbox"   // sandbox runs
	CategorySnapshot  Category = "snapshot"  // snapshot create/prune/rollback
	CategoryControl   Category = "control"   // control channel traffic
	CategoryPolicy    Category = "policy"    // risk classification
	CategoryTelemetry Category = "telemetry" // telemetry and heartbeat
)

// Options configures logger construction. Zero values fall back to sane
// console-only defaults so tests need no setup.
type Options struct {
	Level      string
	Format     string // "json" or "console"
	File       string // empty disables the rotating file sink
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	TailLines  int // capacity of the telemetry tail ring
}

var (
	root    atomic.Pointer[zap.Logger]
	tail    atomic.Pointer[tailRing]
	once    sync.Once
	loggers sync.Map // Category -> *zap.SugaredLogger
)

// Initialize builds the global logger. Safe to call more than once; only the
// first call wins.
func Initialize(opts Options) {
	once.Do(func() {
		level := zap.NewAtomicLevel()
		if err := level.UnmarshalText([]byte(opts.Level)); err != nil {
			level.SetLevel(zap.InfoLevel)
		}

		encCfg := zap.NewProductionEncoderConfig()
		encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02T15:04:05.000Z07:00")
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

		var consoleEnc zapcore.Encoder
		if opts.Format == "json" {
			consoleEnc = zapcore.NewJSONEncoder(encCfg)
		} else {
			consoleEnc = zapcore.NewConsoleEncoder(encCfg)
		}

		cores := []zapcore.Core{
			zapcore.NewCore(consoleEnc, zapcore.Lock(os.Stdout), level),
		}

		if opts.File != "" {
			// lumberjack handles rotation and thread-safe writes.
			fileWriter := zapcore.AddSync(&lumberjack.Logger{
				Filename:   opts.File,
				MaxSize:    opts.MaxSizeMB,
				MaxBackups: opts.MaxBackups,
				MaxAge:     opts.MaxAgeDays,
				Compress:   opts.Compress,
			})
			cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), fileWriter, level))
		}

		ringSize := opts.TailLines
		if ringSize <= 0 {
			ringSize = 50
		}
		ring := newTailRing(ringSize)
		tail.Store(ring)
		cores = append(cores, newTailCore(ring, level))

		logger := zap.New(zapcore.NewTee(cores...), zap.AddStacktrace(zap.ErrorLevel))
		root.Store(logger)
		zap.ReplaceGlobals(logger)
	})
}

// Get returns the sugared logger for a category. Always non-nil; before
// Initialize it falls back to a development logger.
func Get(cat Category) *zap.SugaredLogger {
	if cached, ok := loggers.Load(cat); ok {
		return cached.(*zap.SugaredLogger)
	}

	base := root.Load()
	if base == nil {
		l, err := zap.NewDevelopment()
		if err != nil {
			l = zap.NewNop()
		}
		return l.Named(string(cat)).Sugar()
	}

	sugar := base.Named(string(cat)).Sugar()
	actual, _ := loggers.LoadOrStore(cat, sugar)
	return actual.(*zap.SugaredLogger)
}

// Tail returns up to n of the most recent log lines, oldest first.
// Returns nil before Initialize.
func Tail(n int) []string {
	ring := tail.Load()
	if ring == nil {
		return nil
	}
	return ring.last(n)
}

// Sync flushes buffered entries. Call before process exit.
func Sync() {
	if l := root.Load(); l != nil {
		_ = l.Sync() // stdout sync errors are expected on some platforms
	}
}

// ResetForTest clears global state so tests can re-initialize. Test use only.
func ResetForTest() {
	root.Store(nil)
	tail.Store(nil)
	once = sync.Once{}
	loggers.Range(func(k, _ any) bool {
		loggers.Delete(k)
		return true
	})
}
