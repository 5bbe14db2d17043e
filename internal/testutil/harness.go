// Package testutil provides end-to-end test infrastructure: an isolated
// environment harness with step logging, and an in-process fake of the
// authentication and organization API.
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// =============================================================================
// Logger - Structured logging for E2E tests
// =============================================================================

// LogLevel represents the severity of a log message.
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// LogEntry represents a single log entry.
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Test      string         `json:"test"`
	Step      string         `json:"step,omitempty"`
	Message   string         `json:"message"`
	Duration  string         `json:"duration,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Logger writes step-tagged entries to the test log. Entries below WARN
// are only shown with -v.
type Logger struct {
	t         testing.TB
	step      string
	minLevel  LogLevel
	startTime time.Time
	verbose   bool
	jsonMode  bool
	done      atomic.Bool
}

// NewLogger creates a new logger for the given test.
func NewLogger(t testing.TB) *Logger {
	l := &Logger{
		t:         t,
		minLevel:  INFO,
		startTime: time.Now(),
		verbose:   testing.Verbose(),
	}
	// Background goroutines may still log after the test returns.
	t.Cleanup(func() { l.done.Store(true) })
	return l
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level LogLevel) { l.minLevel = level }

// SetJSONMode enables JSON output for CI integration.
func (l *Logger) SetJSONMode(enabled bool) { l.jsonMode = enabled }

// SetStep sets the current test step for context.
func (l *Logger) SetStep(step string) { l.step = step }

// Step returns the current test step.
func (l *Logger) Step() string { return l.step }

func (l *Logger) log(level LogLevel, msg string, data map[string]any) {
	if level < l.minLevel || l.done.Load() {
		return
	}
	entry := LogEntry{
		Timestamp: time.Now(),
		Level:     level.String(),
		Test:      l.t.Name(),
		Step:      l.step,
		Message:   msg,
		Duration:  time.Since(l.startTime).Round(time.Microsecond).String(),
		Data:      data,
	}

	if l.jsonMode {
		b, _ := json.Marshal(entry)
		l.t.Log(string(b))
		return
	}
	if !l.verbose && level < WARN {
		return
	}
	line := fmt.Sprintf("[%s] %s", entry.Level, entry.Duration)
	if l.step != "" {
		line += fmt.Sprintf(" [%s]", l.step)
	}
	line += " " + msg
	if len(data) > 0 {
		b, _ := json.Marshal(data)
		line += " " + string(b)
	}
	l.t.Log(line)
}

func first(data []map[string]any) map[string]any {
	if len(data) > 0 {
		return data[0]
	}
	return nil
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, data ...map[string]any) { l.log(DEBUG, msg, first(data)) }

// Info logs an info message.
func (l *Logger) Info(msg string, data ...map[string]any) { l.log(INFO, msg, first(data)) }

// Warn logs a warning message.
func (l *Logger) Warn(msg string, data ...map[string]any) { l.log(WARN, msg, first(data)) }

// Error logs an error message.
func (l *Logger) Error(msg string, data ...map[string]any) { l.log(ERROR, msg, first(data)) }

// Slog returns a *slog.Logger that feeds this logger, so code under test
// logs into the same step-tagged stream.
func (l *Logger) Slog() *slog.Logger {
	return slog.New(&slogHandler{l: l})
}

type slogHandler struct {
	l     *Logger
	attrs []slog.Attr
}

func (h *slogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return levelFromSlog(level) >= h.l.minLevel
}

func (h *slogHandler) Handle(_ context.Context, r slog.Record) error {
	data := make(map[string]any, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		data[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		data[a.Key] = a.Value.Any()
		return true
	})
	if err, ok := data["error"].(error); ok {
		data["error"] = err.Error()
	}
	if len(data) == 0 {
		data = nil
	}
	h.l.log(levelFromSlog(r.Level), r.Message, data)
	return nil
}

func (h *slogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &slogHandler{l: h.l, attrs: append(append([]slog.Attr{}, h.attrs...), attrs...)}
}

// WithGroup flattens groups; test output does not need them.
func (h *slogHandler) WithGroup(string) slog.Handler { return h }

func levelFromSlog(level slog.Level) LogLevel {
	switch {
	case level >= slog.LevelError:
		return ERROR
	case level >= slog.LevelWarn:
		return WARN
	case level >= slog.LevelInfo:
		return INFO
	default:
		return DEBUG
	}
}

// =============================================================================
// TestHarness - Test environment management
// =============================================================================

// envVars are the variables that point tenantctl at state outside the test.
var envVars = []string{
	"TENANTCTL_HOME", "TENANTCTL_API_URL", "TENANTCTL_HTTP_TIMEOUT",
	"TENANTCTL_STORE_BACKEND", "TENANTCTL_STORE_PATH", "TENANTCTL_REDIS_ADDR",
	"TENANTCTL_WATCH", "TENANTCTL_LOG_LEVEL", "TENANTCTL_PASSPHRASE",
	"XDG_CONFIG_HOME", "XDG_DATA_HOME",
}

// TestHarness manages an isolated tenantctl environment.
type TestHarness struct {
	T       *testing.T
	Log     *Logger
	TempDir string

	// Home is the isolated TENANTCTL_HOME.
	Home string

	savedEnv map[string]string
	envSet   map[string]bool
	cleanups []func()
}

// NewHarness creates a harness whose TENANTCTL_HOME is a fresh temp dir
// and whose other tenantctl variables are unset.
func NewHarness(t *testing.T) *TestHarness {
	h := &TestHarness{
		T:        t,
		Log:      NewLogger(t),
		TempDir:  t.TempDir(),
		savedEnv: make(map[string]string),
		envSet:   make(map[string]bool),
	}
	for _, k := range envVars {
		h.UnsetEnv(k)
	}
	h.Home = h.SubDir("home")
	h.SetEnv("TENANTCTL_HOME", h.Home)

	h.Log.Info("Test harness initialized", map[string]any{"home": h.Home})
	return h
}

// StartServer starts a fake API server and points TENANTCTL_API_URL at it.
func (h *TestHarness) StartServer(opts ...Option) *Server {
	srv := NewServer(h.T, opts...)
	h.SetEnv("TENANTCTL_API_URL", srv.BaseURL())
	h.Log.Info("Fake API server started", map[string]any{"url": srv.BaseURL()})
	return srv
}

// SetEnv sets an environment variable and saves the original for cleanup.
func (h *TestHarness) SetEnv(key, value string) {
	h.save(key)
	os.Setenv(key, value)
	h.Log.Debug("Set environment variable", map[string]any{"key": key, "value": value})
}

// UnsetEnv unsets an environment variable and saves the original for cleanup.
func (h *TestHarness) UnsetEnv(key string) {
	h.save(key)
	os.Unsetenv(key)
}

func (h *TestHarness) save(key string) {
	if _, saved := h.savedEnv[key]; saved {
		return
	}
	v, ok := os.LookupEnv(key)
	h.savedEnv[key] = v
	h.envSet[key] = ok
}

// AddCleanup registers a cleanup function to run when Close is called.
func (h *TestHarness) AddCleanup(fn func()) {
	h.cleanups = append(h.cleanups, fn)
}

// Close runs cleanup functions in reverse order and restores the
// environment.
func (h *TestHarness) Close() {
	h.Log.SetStep("cleanup")

	for i := len(h.cleanups) - 1; i >= 0; i-- {
		h.cleanups[i]()
	}
	h.cleanups = nil

	for key, value := range h.savedEnv {
		if h.envSet[key] {
			os.Setenv(key, value)
		} else {
			os.Unsetenv(key)
		}
	}

	h.Log.Info("Test harness closed")
}

// SubDir creates a subdirectory in the temp directory.
func (h *TestHarness) SubDir(name string) string {
	dir := filepath.Join(h.TempDir, name)
	if err := os.MkdirAll(dir, 0700); err != nil {
		h.T.Fatalf("Failed to create subdir %s: %v", name, err)
	}
	return dir
}

// WriteFile writes content to a file in the temp directory.
func (h *TestHarness) WriteFile(relPath, content string) string {
	fullPath := filepath.Join(h.TempDir, relPath)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0700); err != nil {
		h.T.Fatalf("Failed to create dir for %s: %v", relPath, err)
	}
	if err := os.WriteFile(fullPath, []byte(content), 0600); err != nil {
		h.T.Fatalf("Failed to write file %s: %v", relPath, err)
	}
	h.Log.Debug("Wrote file", map[string]any{"path": relPath, "size": len(content)})
	return fullPath
}

// WriteConfig writes config.yaml into the harness home.
func (h *TestHarness) WriteConfig(yaml string) string {
	rel, _ := filepath.Rel(h.TempDir, filepath.Join(h.Home, "config.yaml"))
	return h.WriteFile(rel, yaml)
}

// HomePath joins elem onto the harness home.
func (h *TestHarness) HomePath(elem ...string) string {
	return filepath.Join(append([]string{h.Home}, elem...)...)
}

// =============================================================================
// Assertion Helpers - Test assertions with detailed error messages
// =============================================================================

// FileExists asserts that a file exists.
func (h *TestHarness) FileExists(path string) bool {
	h.T.Helper()
	info, err := os.Stat(path)
	if err != nil {
		h.T.Errorf("FileExists: %s: %v", path, err)
		return false
	}
	if info.IsDir() {
		h.T.Errorf("FileExists: path is a directory, not a file: %s", path)
		return false
	}
	return true
}

// FileNotExists asserts that a file does not exist.
func (h *TestHarness) FileNotExists(path string) bool {
	h.T.Helper()
	_, err := os.Stat(path)
	if err == nil {
		h.T.Errorf("FileNotExists: file exists but should not: %s", path)
		return false
	}
	if !os.IsNotExist(err) {
		h.T.Errorf("FileNotExists: unexpected error checking file %s: %v", path, err)
		return false
	}
	return true
}

// FileContains asserts that a file contains the given substring.
func (h *TestHarness) FileContains(path, substring string) bool {
	h.T.Helper()
	content, err := os.ReadFile(path)
	if err != nil {
		h.T.Errorf("FileContains: failed to read file %s: %v", path, err)
		return false
	}
	if !strings.Contains(string(content), substring) {
		h.T.Errorf("FileContains: file %s does not contain %q\nContent: %s", path, substring, content)
		return false
	}
	return true
}

// FileNotContains asserts that a file does not contain the given substring.
// Use it to check that secrets are not stored in the clear.
func (h *TestHarness) FileNotContains(path, substring string) bool {
	h.T.Helper()
	content, err := os.ReadFile(path)
	if err != nil {
		h.T.Errorf("FileNotContains: failed to read file %s: %v", path, err)
		return false
	}
	if strings.Contains(string(content), substring) {
		h.T.Errorf("FileNotContains: file %s contains %q", path, substring)
		return false
	}
	return true
}

// FilePermissions asserts that a file has the expected permissions.
func (h *TestHarness) FilePermissions(path string, expected os.FileMode) bool {
	h.T.Helper()
	info, err := os.Stat(path)
	if err != nil {
		h.T.Errorf("FilePermissions: failed to stat %s: %v", path, err)
		return false
	}
	if actual := info.Mode().Perm(); actual != expected {
		h.T.Errorf("FilePermissions: %s has permissions %o, expected %o", path, actual, expected)
		return false
	}
	return true
}
