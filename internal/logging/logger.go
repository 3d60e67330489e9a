// Package logging provides config-driven categorized logging for reteul.
// Every category is a named child of one shared zap logger. Logging is
// controlled by the logging section of reteul.yaml; when debug_mode is false
// only warnings and errors are emitted.
package logging

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	// Core system categories
	CategoryBoot   Category = "boot"   // Boot/initialization
	CategoryConfig Category = "config" // Configuration loading

	// Network categories
	CategoryNetwork Category = "network" // Production registration, fact assert/retract
	CategoryAlpha   Category = "alpha"   // Alpha trie construction and activation
	CategoryBeta    Category = "beta"    // Join/memory activation, linking
	CategoryCycle   Category = "cycle"   // Match-act rounds
	CategoryExpr    Category = "expr"    // Expression compilation

	// Collaborator categories
	CategoryStore  Category = "store"  // Fact store and import queue
	CategoryEngine Category = "engine" // Multi-network coordination
	CategoryRules  Category = "rules"  // Rule file loading and hot reload
)

// Config mirrors config.LoggingConfig to avoid circular imports
type Config struct {
	DebugMode  bool
	Level      string
	JSONFormat bool
	Categories map[string]bool
}

// Logger is a category-scoped printf-style logger
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	base      = zap.NewNop()
	config    Config
	configMu  sync.RWMutex
)

// Initialize builds the shared zap logger from cfg.
// Should be called once at startup.
func Initialize(cfg Config) error {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return err
	}
	if !cfg.DebugMode && level < zapcore.WarnLevel {
		level = zapcore.WarnLevel
	}

	zcfg := zap.NewProductionConfig()
	if !cfg.JSONFormat {
		zcfg.Encoding = "console"
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.OutputPaths = []string{"stderr"}

	l, err := zcfg.Build()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	configMu.Lock()
	config = cfg
	configMu.Unlock()
	SetLogger(l)

	bootLogger := Get(CategoryBoot)
	bootLogger.Debug("=== reteul logging initialized ===")
	bootLogger.Debug("Debug mode: %v, level: %s", cfg.DebugMode, level)
	return nil
}

// SetLogger replaces the shared zap logger. Tests pass zap.NewNop() or an
// observer core here.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	loggersMu.Lock()
	base = l
	loggers = make(map[Category]*Logger)
	loggersMu.Unlock()
}

// Sync flushes buffered entries (call at shutdown)
func Sync() {
	loggersMu.RLock()
	l := base
	loggersMu.RUnlock()
	_ = l.Sync()
}

func parseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	}
	return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", s)
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	configMu.RLock()
	defer configMu.RUnlock()

	if config.Categories == nil {
		return true
	}
	enabled, exists := config.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Disabled categories get a no-op logger.
func Get(category Category) *Logger {
	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()

	if l, ok := loggers[category]; ok {
		return l
	}

	z := base
	if !IsCategoryEnabled(category) {
		z = zap.NewNop()
	}
	l := &Logger{category: category, sugar: z.Named(string(category)).Sugar()}
	loggers[category] = l
	return l
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) {
	l.sugar.Infof(format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

// With returns a logger carrying structured key-value context.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{category: l.category, sugar: l.sugar.With(keysAndValues...)}
}

// =============================================================================
// CONVENIENCE FUNCTIONS - Quick logging without getting a logger first
// =============================================================================

// Boot logs to the boot category
func Boot(format string, args ...interface{}) {
	Get(CategoryBoot).Info(format, args...)
}

// BootDebug logs debug to the boot category
func BootDebug(format string, args ...interface{}) {
	Get(CategoryBoot).Debug(format, args...)
}

// Network logs to the network category
func Network(format string, args ...interface{}) {
	Get(CategoryNetwork).Info(format, args...)
}

// NetworkDebug logs debug to the network category
func NetworkDebug(format string, args ...interface{}) {
	Get(CategoryNetwork).Debug(format, args...)
}

// AlphaDebug logs debug to the alpha category
func AlphaDebug(format string, args ...interface{}) {
	Get(CategoryAlpha).Debug(format, args...)
}

// BetaDebug logs debug to the beta category
func BetaDebug(format string, args ...interface{}) {
	Get(CategoryBeta).Debug(format, args...)
}

// Cycle logs to the cycle category
func Cycle(format string, args ...interface{}) {
	Get(CategoryCycle).Info(format, args...)
}

// CycleDebug logs debug to the cycle category
func CycleDebug(format string, args ...interface{}) {
	Get(CategoryCycle).Debug(format, args...)
}

// ExprDebug logs debug to the expr category
func ExprDebug(format string, args ...interface{}) {
	Get(CategoryExpr).Debug(format, args...)
}

// Store logs to the store category
func Store(format string, args ...interface{}) {
	Get(CategoryStore).Info(format, args...)
}

// StoreDebug logs debug to the store category
func StoreDebug(format string, args ...interface{}) {
	Get(CategoryStore).Debug(format, args...)
}

// Engine logs to the engine category
func Engine(format string, args ...interface{}) {
	Get(CategoryEngine).Info(format, args...)
}

// EngineDebug logs debug to the engine category
func EngineDebug(format string, args ...interface{}) {
	Get(CategoryEngine).Debug(format, args...)
}

// Rules logs to the rules category
func Rules(format string, args ...interface{}) {
	Get(CategoryRules).Info(format, args...)
}

// RulesDebug logs debug to the rules category
func RulesDebug(format string, args ...interface{}) {
	Get(CategoryRules).Debug(format, args...)
}

// RulesWarn logs a warning to the rules category
func RulesWarn(format string, args ...interface{}) {
	Get(CategoryRules).Warn(format, args...)
}

// =============================================================================
// TIMING
// =============================================================================

// Timer helps measure operation duration
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{
		category: category,
		op:       operation,
		start:    time.Now(),
	}
}

// Stop ends the timer and logs the duration
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs warning if duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
