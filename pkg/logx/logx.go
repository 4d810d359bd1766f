// Package logx provides structured logging with stage-scoped debug domains.
package logx

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// Logger writes leveled log lines tagged with a component ID (run ID, stage
// name, or agent name).
type Logger struct {
	id     string
	logger *log.Logger
}

// Level is a log severity level.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// debugConfig controls debug logging behavior.
type debugConfig struct {
	Enabled bool
	Domains map[string]bool // Which stage domains to enable debug for (nil = all)
}

var (
	cfg   = &debugConfig{}
	cfgMu sync.RWMutex
)

//nolint:gochecknoinits // Required for env var initialization
func init() {
	initDebugFromEnv()
}

// initDebugFromEnv reads DEBUG and DEBUG_DOMAINS.
//
//	DEBUG=1                              # debug for all domains
//	DEBUG=1 DEBUG_DOMAINS=stage,invoke   # debug for selected domains
func initDebugFromEnv() {
	cfgMu.Lock()
	defer cfgMu.Unlock()

	if debug := os.Getenv("DEBUG"); debug == "1" || strings.EqualFold(debug, "true") {
		cfg.Enabled = true
	}
	if domains := os.Getenv("DEBUG_DOMAINS"); domains != "" {
		cfg.Domains = make(map[string]bool)
		for _, domain := range strings.Split(domains, ",") {
			cfg.Domains[strings.TrimSpace(domain)] = true
		}
	}
}

// NewLogger creates a logger tagged with the given component ID.
func NewLogger(id string) *Logger {
	return &Logger{
		id:     id,
		logger: log.New(os.Stderr, "", 0), // Log to stderr for CLI compatibility
	}
}

// SetDebug configures debug logging programmatically, overriding env vars.
func SetDebug(enabled bool, domains []string) {
	cfgMu.Lock()
	defer cfgMu.Unlock()

	cfg.Enabled = enabled
	if len(domains) == 0 {
		cfg.Domains = nil // all domains
		return
	}
	cfg.Domains = make(map[string]bool)
	for _, domain := range domains {
		cfg.Domains[strings.TrimSpace(domain)] = true
	}
}

// DebugEnabledFor reports whether debug logging is enabled for a domain.
func DebugEnabledFor(domain string) bool {
	cfgMu.RLock()
	defer cfgMu.RUnlock()

	if !cfg.Enabled {
		return false
	}
	if cfg.Domains == nil {
		return true
	}
	return cfg.Domains[domain]
}

func (l *Logger) log(level Level, domain, format string, args ...any) {
	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	message := fmt.Sprintf(format, args...)
	if domain != "" {
		l.logger.Printf("[%s] [%s] %s: [%s] %s", timestamp, l.id, level, domain, message)
	} else {
		l.logger.Printf("[%s] [%s] %s: %s", timestamp, l.id, level, message)
	}
}

// Debug logs a debug message when debug logging is enabled.
func (l *Logger) Debug(format string, args ...any) {
	cfgMu.RLock()
	enabled := cfg.Enabled
	cfgMu.RUnlock()
	if !enabled {
		return
	}
	l.log(LevelDebug, "", format, args...)
}

// DebugDomain logs a debug message under a stage domain, honoring
// DEBUG_DOMAINS filtering.
func (l *Logger) DebugDomain(domain, format string, args ...any) {
	if !DebugEnabledFor(domain) {
		return
	}
	l.log(LevelDebug, domain, format, args...)
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...any) {
	l.log(LevelInfo, "", format, args...)
}

// Warn logs a warning message.
func (l *Logger) Warn(format string, args ...any) {
	l.log(LevelWarn, "", format, args...)
}

// Error logs an error message.
func (l *Logger) Error(format string, args ...any) {
	l.log(LevelError, "", format, args...)
}

// WithID returns a logger for a different component sharing the same sink.
func (l *Logger) WithID(id string) *Logger {
	return &Logger{id: id, logger: l.logger}
}
