// Package logging provides categorized logging for sia on top of zap.
// Every subsystem logs through its category (scheduler, ingest, eval, ...).
// Output goes to stderr and, when a logs directory is configured, to a JSON
// file that the operator can tail between cycles.
// Until Initialize is called every logger is a no-op.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/subsystem
type Category string

const (
	CategoryBoot       Category = "boot"       // Startup, config loading
	CategoryScheduler  Category = "scheduler"  // Control loop, cycle lifecycle
	CategoryIngest     Category = "ingest"     // Search/feed ingestion
	CategorySafety     Category = "safety"     // URL policy, robots, rate limiting
	CategoryStore      Category = "store"      // Retrieval index persistence
	CategoryEval       Category = "eval"       // Test suite evaluation
	CategoryABTest     Category = "abtest"     // Candidate comparison
	CategoryPromote    Category = "promote"    // Promotion gate
	CategorySelfUpdate Category = "selfupdate" // Self-patching
	CategoryLLM        Category = "llm"        // Backend calls
	CategoryHistory    Category = "history"    // SQL run ledger
	CategoryAudit      Category = "audit"      // Audit events
)

// Options mirrors config.LoggingConfig to avoid an import cycle.
type Options struct {
	Level      string          // debug, info, warn, error
	JSON       bool            // JSON on stderr instead of console encoding
	File       string          // file name inside the logs directory; empty disables file output
	Categories map[string]bool // explicit false disables a category
}

// Logger is a category-bound sugared zap logger.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	mu          sync.RWMutex
	base        = zap.NewNop()
	opts        Options
	loggers     = make(map[Category]*Logger)
	closeFile   func() error
	baseLevel   = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	initialized bool
)

// Initialize builds the process-wide zap logger.
// logsDir may be empty, in which case only stderr is used.
func Initialize(logsDir string, o Options) error {
	level, err := parseLevel(o.Level)
	if err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()

	baseLevel.SetLevel(level)

	consoleCfg := zap.NewProductionEncoderConfig()
	consoleCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var consoleEnc zapcore.Encoder
	if o.JSON {
		consoleEnc = zapcore.NewJSONEncoder(consoleCfg)
	} else {
		consoleCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		consoleEnc = zapcore.NewConsoleEncoder(consoleCfg)
	}
	cores := []zapcore.Core{
		zapcore.NewCore(consoleEnc, zapcore.Lock(os.Stderr), baseLevel),
	}

	if closeFile != nil {
		_ = closeFile()
		closeFile = nil
	}
	if logsDir != "" && o.File != "" {
		if err := os.MkdirAll(logsDir, 0755); err != nil {
			return fmt.Errorf("failed to create logs directory: %w", err)
		}
		path := filepath.Join(logsDir, o.File)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", path, err)
		}
		closeFile = f.Close
		fileCfg := zap.NewProductionEncoderConfig()
		fileCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(fileCfg), zapcore.AddSync(f), baseLevel))
	}

	base = zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1))
	opts = o
	loggers = make(map[Category]*Logger)
	initialized = true
	return nil
}

// Use installs an existing zap logger, e.g. zaptest.NewLogger in tests or
// the logger built by the CLI.
func Use(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	if l == nil {
		l = zap.NewNop()
	}
	base = l
	opts = Options{}
	loggers = make(map[Category]*Logger)
	initialized = true
}

// Base returns the underlying zap logger for structured call sites.
func Base() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// SetLevel changes the level at runtime (used by --verbose).
func SetLevel(level string) error {
	l, err := parseLevel(level)
	if err != nil {
		return err
	}
	baseLevel.SetLevel(l)
	return nil
}

// IsCategoryEnabled returns whether a category is enabled.
// Categories are enabled unless explicitly set to false.
func IsCategoryEnabled(category Category) bool {
	mu.RLock()
	defer mu.RUnlock()
	if !initialized {
		return false
	}
	if opts.Categories == nil {
		return true
	}
	enabled, ok := opts.Categories[string(category)]
	return !ok || enabled
}

// Get returns (or creates) the logger for a category.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return &Logger{category: category, sugar: zap.NewNop().Sugar()}
	}

	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}
	l := &Logger{
		category: category,
		sugar:    base.With(zap.String("cat", string(category))).Sugar(),
	}
	loggers[category] = l
	return l
}

// Sync flushes buffered entries and closes the log file.
func Sync() {
	mu.Lock()
	defer mu.Unlock()
	_ = base.Sync()
	if closeFile != nil {
		_ = closeFile()
		closeFile = nil
	}
}

func parseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel, nil
	case "", "info":
		return zapcore.InfoLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) { l.sugar.Debugf(format, args...) }

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) { l.sugar.Infof(format, args...) }

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) { l.sugar.Warnf(format, args...) }

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) { l.sugar.Errorf(format, args...) }

// With returns a structured logger carrying the category and the given fields.
func (l *Logger) With(fields ...zap.Field) *zap.Logger {
	return l.sugar.Desugar().With(fields...)
}

// =============================================================================
// CONVENIENCE FUNCTIONS
// =============================================================================

func Boot(format string, args ...interface{})      { Get(CategoryBoot).Info(format, args...) }
func BootWarn(format string, args ...interface{})  { Get(CategoryBoot).Warn(format, args...) }
func Scheduler(format string, args ...interface{}) { Get(CategoryScheduler).Info(format, args...) }
func SchedulerDebug(format string, args ...interface{}) {
	Get(CategoryScheduler).Debug(format, args...)
}
func SchedulerError(format string, args ...interface{}) {
	Get(CategoryScheduler).Error(format, args...)
}
func Ingest(format string, args ...interface{})      { Get(CategoryIngest).Info(format, args...) }
func IngestDebug(format string, args ...interface{}) { Get(CategoryIngest).Debug(format, args...) }
func IngestWarn(format string, args ...interface{})  { Get(CategoryIngest).Warn(format, args...) }
func Safety(format string, args ...interface{})      { Get(CategorySafety).Info(format, args...) }
func SafetyDebug(format string, args ...interface{}) { Get(CategorySafety).Debug(format, args...) }
func SafetyWarn(format string, args ...interface{})  { Get(CategorySafety).Warn(format, args...) }
func Store(format string, args ...interface{})       { Get(CategoryStore).Info(format, args...) }
func StoreDebug(format string, args ...interface{})  { Get(CategoryStore).Debug(format, args...) }
func StoreWarn(format string, args ...interface{})   { Get(CategoryStore).Warn(format, args...) }
func Eval(format string, args ...interface{})        { Get(CategoryEval).Info(format, args...) }
func EvalDebug(format string, args ...interface{})   { Get(CategoryEval).Debug(format, args...) }
func ABTest(format string, args ...interface{})      { Get(CategoryABTest).Info(format, args...) }
func Promote(format string, args ...interface{})     { Get(CategoryPromote).Info(format, args...) }
func SelfUpdate(format string, args ...interface{})  { Get(CategorySelfUpdate).Info(format, args...) }
func SelfUpdateWarn(format string, args ...interface{}) {
	Get(CategorySelfUpdate).Warn(format, args...)
}
func LLM(format string, args ...interface{})      { Get(CategoryLLM).Info(format, args...) }
func LLMDebug(format string, args ...interface{}) { Get(CategoryLLM).Debug(format, args...) }
func History(format string, args ...interface{})  { Get(CategoryHistory).Info(format, args...) }
func HistoryWarn(format string, args ...interface{}) {
	Get(CategoryHistory).Warn(format, args...)
}

// =============================================================================
// TIMING HELPERS
// =============================================================================

// Timer helps measure operation duration
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration at debug level
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithInfo ends the timer and logs at info level
func (t *Timer) StopWithInfo() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Info("%s completed in %v", t.op, elapsed)
	return elapsed
}
