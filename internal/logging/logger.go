// Package logging provides config-driven categorized file-based logging for
// loom. Logs are written to <data-dir>/logs with one file per category.
// When debug mode is off the whole package is a silent no-op so the engine
// can run in production without touching disk for logs.
package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category represents a log category/system.
type Category string

const (
	CategoryBoot       Category = "boot"       // startup and wiring
	CategoryStore      Category = "store"      // SQLite store operations
	CategoryEngine     Category = "engine"     // task engine: claims, retries
	CategorySupervisor Category = "supervisor" // worker Ralph loops
	CategoryObserver   Category = "observer"   // per-iteration observation
	CategoryEscalation Category = "escalation" // escalation lifecycle
	CategoryCapability Category = "capability" // capability planning/scanning
	CategoryReview     Category = "review"     // review cycles and convergence
	CategoryWorktree   Category = "worktree"   // git worktrees and merges
	CategoryRetro      Category = "retro"      // retrospective jobs
	CategoryRunner     Category = "runner"     // LLM sidecar invocations
)

// Log levels.
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Logger wraps a standard logger bound to one category file.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggersMu sync.RWMutex
	loggers   = make(map[Category]*Logger)

	stateMu  sync.RWMutex
	logsDir  string
	enabled  bool
	logLevel = LevelInfo
)

// Initialize sets up the logging directory. Call once at startup with the
// engine data directory; debug=false leaves every call a no-op.
func Initialize(dataDir string, debug bool, level string) error {
	stateMu.Lock()
	defer stateMu.Unlock()

	enabled = debug
	switch level {
	case "debug":
		logLevel = LevelDebug
	case "warn", "warning":
		logLevel = LevelWarn
	case "error":
		logLevel = LevelError
	default:
		logLevel = LevelInfo
	}

	if !enabled {
		return nil
	}
	if dataDir == "" {
		return fmt.Errorf("data directory required")
	}
	logsDir = filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("=== loom logging initialized ===")
	boot.Info("logs directory: %s", logsDir)
	boot.Info("level: %s", level)
	return nil
}

// Enabled reports whether debug logging is active.
func Enabled() bool {
	stateMu.RLock()
	defer stateMu.RUnlock()
	return enabled
}

// Get returns the logger for a category, creating its file on first use.
func Get(category Category) *Logger {
	loggersMu.RLock()
	l, ok := loggers[category]
	loggersMu.RUnlock()
	if ok {
		return l
	}

	loggersMu.Lock()
	defer loggersMu.Unlock()
	if l, ok = loggers[category]; ok {
		return l
	}

	l = &Logger{category: category}
	stateMu.RLock()
	on, dir := enabled, logsDir
	stateMu.RUnlock()
	if on && dir != "" {
		path := filepath.Join(dir, string(category)+".log")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			l.file = f
			l.logger = log.New(f, "", 0)
		}
	}
	loggers[category] = l
	return l
}

func (l *Logger) write(level int, tag, format string, args ...interface{}) {
	if l.logger == nil {
		return
	}
	stateMu.RLock()
	min := logLevel
	stateMu.RUnlock()
	if level < min {
		return
	}
	ts := time.Now().Format("2006-01-02 15:04:05.000")
	l.logger.Printf("%s [%s] %s", ts, tag, fmt.Sprintf(format, args...))
}

// Debug logs at debug level.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.write(LevelDebug, "DEBUG", format, args...)
}

// Info logs at info level.
func (l *Logger) Info(format string, args ...interface{}) {
	l.write(LevelInfo, "INFO", format, args...)
}

// Warn logs at warn level.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.write(LevelWarn, "WARN", format, args...)
}

// Error logs at error level.
func (l *Logger) Error(format string, args ...interface{}) {
	l.write(LevelError, "ERROR", format, args...)
}

// Close flushes and closes all category files. Call on shutdown.
func Close() {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	for _, l := range loggers {
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// =============================================================================
// TIMERS
// =============================================================================

// Timer measures an operation's duration and logs it on Stop. Operations
// slower than the slow threshold are logged at warn level.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

const slowThreshold = 500 * time.Millisecond

// StartTimer begins timing an operation within a category.
func StartTimer(category Category, op string) *Timer {
	return &Timer{category: category, op: op, start: time.Now()}
}

// Stop logs the elapsed time.
func (t *Timer) Stop() {
	elapsed := time.Since(t.start)
	l := Get(t.category)
	if elapsed > slowThreshold {
		l.Warn("%s took %v (slow)", t.op, elapsed)
	} else {
		l.Debug("%s took %v", t.op, elapsed)
	}
}
