// Package logging provides categorized file-based logging for cumulus.
// Logs are written to ~/.cumulus/logs/ with a separate file per category.
// Logging is a silent no-op unless debug mode is enabled in the config.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system.
type Category string

const (
	CategoryBoot       Category = "boot"       // Startup and wiring
	CategoryThread     Category = "thread"     // Thread lifecycle, history, content store
	CategorySupervisor Category = "supervisor" // Subprocess spawning and stream handling
	CategoryRouter     Category = "router"     // Agent routing and interjection
	CategoryControl    Category = "control"    // Local HTTP control API
	CategoryRetrieval  Category = "retrieval"  // Context retrieval
	CategoryStore      Category = "store"      // Session store operations
	CategoryContext    Category = "context"    // Context assembly and budgets
)

// Logger wraps a zap sugared logger bound to one category file.
// A Logger with a nil sugar field is a no-op.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	mu        sync.RWMutex
	loggers   = make(map[Category]*Logger)
	logsDir   string
	debugMode bool
	minLevel  zapcore.Level
)

// Initialize sets up the logging directory. Should be called once at startup.
// When debug is false every logger returned by Get is a no-op.
func Initialize(dir string, debug bool, level string) error {
	mu.Lock()
	defer mu.Unlock()

	debugMode = debug
	logsDir = dir

	switch level {
	case "debug":
		minLevel = zapcore.DebugLevel
	case "warn", "warning":
		minLevel = zapcore.WarnLevel
	case "error":
		minLevel = zapcore.ErrorLevel
	default:
		minLevel = zapcore.InfoLevel
	}

	if !debugMode {
		return nil
	}
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}
	return nil
}

// IsDebugMode reports whether debug logging is enabled.
func IsDebugMode() bool {
	mu.RLock()
	defer mu.RUnlock()
	return debugMode
}

// Get returns (or creates) the logger for a category.
// Returns a no-op logger when debug mode is disabled or the file cannot be opened.
func Get(category Category) *Logger {
	mu.RLock()
	if !debugMode || logsDir == "" {
		mu.RUnlock()
		return &Logger{category: category}
	}
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

	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(logsDir, fmt.Sprintf("%s_%s.log", date, category))
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not open log file %s: %v\n", logPath, err)
		return &Logger{category: category}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(file), minLevel)

	l := &Logger{
		category: category,
		sugar:    zap.New(core).Sugar().Named(string(category)),
	}
	loggers[category] = l
	return l
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Debugf(format, args...)
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Infof(format, args...)
}

// Warn logs a warning message.
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Warnf(format, args...)
}

// Error logs an error message.
func (l *Logger) Error(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Errorf(format, args...)
}

// CloseAll flushes and drops all open loggers (call at shutdown).
func CloseAll() {
	mu.Lock()
	defer mu.Unlock()
	for _, l := range loggers {
		if l.sugar != nil {
			_ = l.sugar.Sync()
		}
	}
	loggers = make(map[Category]*Logger)
}

// =============================================================================
// CONVENIENCE FUNCTIONS - Quick logging without getting a logger first
// These are no-ops if debug mode is disabled
// =============================================================================

// Boot logs to the boot category.
func Boot(format string, args ...interface{}) {
	Get(CategoryBoot).Info(format, args...)
}

// Thread logs to the thread category.
func Thread(format string, args ...interface{}) {
	Get(CategoryThread).Info(format, args...)
}

// ThreadDebug logs debug to the thread category.
func ThreadDebug(format string, args ...interface{}) {
	Get(CategoryThread).Debug(format, args...)
}

// Supervisor logs to the supervisor category.
func Supervisor(format string, args ...interface{}) {
	Get(CategorySupervisor).Info(format, args...)
}

// SupervisorDebug logs debug to the supervisor category.
func SupervisorDebug(format string, args ...interface{}) {
	Get(CategorySupervisor).Debug(format, args...)
}

// Router logs to the router category.
func Router(format string, args ...interface{}) {
	Get(CategoryRouter).Info(format, args...)
}

// Control logs to the control category.
func Control(format string, args ...interface{}) {
	Get(CategoryControl).Info(format, args...)
}

// StoreDebug logs debug to the store category.
func StoreDebug(format string, args ...interface{}) {
	Get(CategoryStore).Debug(format, args...)
}

// ContextDebug logs debug to the context category.
func ContextDebug(format string, args ...interface{}) {
	Get(CategoryContext).Debug(format, args...)
}
