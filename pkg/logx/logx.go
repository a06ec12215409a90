// Package logx provides component-scoped logging with domain-filtered debug output.
package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level is a log severity.
type Level string

// Log levels.
const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

const timestampFormat = "2006-01-02T15:04:05.000Z"

// Logger writes lines tagged with a component name.
type Logger struct {
	component string
}

// LogEntry is a captured log line, served to observers.
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Component string `json:"component"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Domain    string `json:"domain,omitempty"`
}

// Buffer keeps the most recent log entries in memory.
type Buffer struct {
	entries []LogEntry
	mu      sync.RWMutex
	maxSize int
}

type debugSettings struct {
	enabled bool
	domains map[string]bool // nil = all domains
}

type ctxKey struct{}

//nolint:gochecknoglobals // process-wide logging configuration
var (
	debugCfg   debugSettings
	debugMu    sync.RWMutex
	writer     io.Writer = os.Stderr
	writerMu   sync.Mutex
	buffer               = &Buffer{maxSize: 1000}
	defaultLog           = NewLogger("system")
)

func init() { //nolint:gochecknoinits // env driven defaults
	loadDebugFromEnv()
}

// loadDebugFromEnv reads DEBUG=1 and DEBUG_DOMAINS=gate,mirror.
func loadDebugFromEnv() {
	debugMu.Lock()
	defer debugMu.Unlock()

	if v := os.Getenv("DEBUG"); v == "1" || strings.EqualFold(v, "true") {
		debugCfg.enabled = true
	}
	if domains := os.Getenv("DEBUG_DOMAINS"); domains != "" {
		debugCfg.domains = parseDomains(strings.Split(domains, ","))
	}
}

func parseDomains(list []string) map[string]bool {
	if len(list) == 0 {
		return nil
	}
	out := make(map[string]bool, len(list))
	for _, d := range list {
		if d = strings.TrimSpace(d); d != "" {
			out[d] = true
		}
	}
	return out
}

// NewLogger returns a logger for component.
func NewLogger(component string) *Logger {
	return &Logger{component: component}
}

// Component returns the logger's component name.
func (l *Logger) Component() string {
	return l.component
}

// With returns a logger for a sub-component, e.g. "gate/3f2a".
func (l *Logger) With(sub string) *Logger {
	return &Logger{component: l.component + "/" + sub}
}

// SetOutput redirects all log output. Passing nil restores stderr.
func SetOutput(w io.Writer) {
	writerMu.Lock()
	defer writerMu.Unlock()
	if w == nil {
		w = os.Stderr
	}
	writer = w
}

// SetDebug enables or disables debug output, optionally limited to domains.
func SetDebug(enabled bool, domains ...string) {
	debugMu.Lock()
	defer debugMu.Unlock()
	debugCfg.enabled = enabled
	debugCfg.domains = parseDomains(domains)
}

// IsDebugEnabled reports whether debug output is on.
func IsDebugEnabled() bool {
	debugMu.RLock()
	defer debugMu.RUnlock()
	return debugCfg.enabled
}

// IsDebugEnabledForDomain reports whether debug output is on for domain.
func IsDebugEnabledForDomain(domain string) bool {
	debugMu.RLock()
	defer debugMu.RUnlock()
	if !debugCfg.enabled {
		return false
	}
	if debugCfg.domains == nil {
		return true
	}
	return debugCfg.domains[domain]
}

// WithComponent stores a component name in ctx for Debug.
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, ctxKey{}, component)
}

func componentFrom(ctx context.Context) string {
	if ctx != nil {
		if v, ok := ctx.Value(ctxKey{}).(string); ok {
			return v
		}
	}
	return "unknown"
}

func emit(component string, level Level, domain, message string) {
	ts := time.Now().UTC().Format(timestampFormat)
	line := fmt.Sprintf("[%s] [%s] %s: %s\n", ts, component, level, message)

	writerMu.Lock()
	_, _ = io.WriteString(writer, line)
	writerMu.Unlock()

	buffer.Add(LogEntry{
		Timestamp: ts,
		Component: component,
		Level:     string(level),
		Message:   message,
		Domain:    domain,
	})
}

func (l *Logger) log(level Level, format string, args ...any) {
	emit(l.component, level, "", fmt.Sprintf(format, args...))
}

// Debug logs when debug output is enabled.
func (l *Logger) Debug(format string, args ...any) {
	if !IsDebugEnabled() {
		return
	}
	l.log(LevelDebug, format, args...)
}

func (l *Logger) Info(format string, args ...any) {
	l.log(LevelInfo, format, args...)
}

func (l *Logger) Warn(format string, args ...any) {
	l.log(LevelWarn, format, args...)
}

func (l *Logger) Error(format string, args ...any) {
	l.log(LevelError, format, args...)
}

// Debug logs a domain-filtered debug message attributed to the component in ctx.
//
//	DEBUG=1 DEBUG_DOMAINS=gate  # only gate debug lines
func Debug(ctx context.Context, domain, format string, args ...any) {
	if !IsDebugEnabledForDomain(domain) {
		return
	}
	emit(componentFrom(ctx), LevelDebug, domain, fmt.Sprintf("[%s] %s", domain, fmt.Sprintf(format, args...)))
}

// DebugState logs a state-machine event for domain.
func DebugState(ctx context.Context, domain, action, state string) {
	Debug(ctx, domain, "State %s: %s", action, state)
}

// Add appends an entry, dropping the oldest beyond the buffer size.
func (b *Buffer) Add(entry LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, entry)
	if len(b.entries) > b.maxSize {
		b.entries = b.entries[len(b.entries)-b.maxSize:]
	}
}

// Entries returns entries at or after since, optionally limited to a component prefix.
func (b *Buffer) Entries(component string, since time.Time) []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]LogEntry, 0, len(b.entries))
	for i := range b.entries {
		e := b.entries[i]
		if component != "" && !strings.HasPrefix(e.Component, component) {
			continue
		}
		if !since.IsZero() {
			ts, err := time.Parse(timestampFormat, e.Timestamp)
			if err != nil || ts.Before(since) {
				continue
			}
		}
		out = append(out, e)
	}
	return out
}

// RecentEntries returns captured entries from the process-wide buffer.
func RecentEntries(component string, since time.Time) []LogEntry {
	return buffer.Entries(component, since)
}

func Infof(format string, args ...any) {
	defaultLog.Info(format, args...)
}

func Warnf(format string, args ...any) {
	defaultLog.Warn(format, args...)
}

// Errorf logs and returns the formatted error.
func Errorf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	defaultLog.Error("%s", err.Error())
	return err
}

// Wrap logs and returns fmt.Errorf("%s: %w", msg, err). A nil err stays nil.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("%s: %w", msg, err)
	defaultLog.Error("%s", wrapped.Error())
	return wrapped
}
