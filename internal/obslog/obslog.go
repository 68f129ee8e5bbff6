// Package obslog provides structured logging for the coordinator process
// using slog, mirroring the teacher CLI's logging package: one JSON log
// file per process, context-carried repo/session/component attributes, and
// a LogDuration helper for timing long-running operations.
package obslog

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/s9nkit/devops-agent-core/internal/kitpaths"
)

// LogLevelEnvVar controls log level; settings.json can also supply one via SetLogLevelGetter.
const LogLevelEnvVar = "KITAGENT_LOG_LEVEL"

// LogsDirName is the directory (relative to the configured base dir) logs are written under.
const LogsDirName = "logs"

var (
	logger       *slog.Logger
	logFile      *os.File
	logBufWriter *bufio.Writer
	mu           sync.RWMutex

	logLevelGetter func() string
)

// SetLogLevelGetter registers a callback used to get the log level from
// settings when KITAGENT_LOG_LEVEL is unset. Avoids a circular dependency
// on internal/config.
func SetLogLevelGetter(getter func() string) {
	mu.Lock()
	defer mu.Unlock()
	logLevelGetter = getter
}

// Init initializes the process-wide logger, writing JSON logs to
// <baseDir>/logs/<component>.log. Falls back to stderr if the file cannot
// be created.
func Init(baseDir, component string) error {
	if err := kitpaths.ValidateAgentID(component); err != nil {
		return fmt.Errorf("invalid logger component: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()

	if logBufWriter != nil {
		_ = logBufWriter.Flush()
		logBufWriter = nil
	}
	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}

	levelStr := os.Getenv(LogLevelEnvVar)
	if levelStr == "" && logLevelGetter != nil {
		levelStr = logLevelGetter()
	}
	level := parseLogLevel(levelStr)

	logsPath := filepath.Join(baseDir, LogsDirName)
	if err := os.MkdirAll(logsPath, 0o750); err != nil {
		logger = createLogger(os.Stderr, level)
		return nil
	}

	logFilePath := filepath.Join(logsPath, component+".log")
	f, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // component validated above
	if err != nil {
		logger = createLogger(os.Stderr, level)
		return nil
	}

	logFile = f
	logBufWriter = bufio.NewWriterSize(f, 8192)
	logger = createLogger(logBufWriter, level)

	return nil
}

// Close flushes and closes the log file. Safe to call multiple times.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if logBufWriter != nil {
		_ = logBufWriter.Flush()
		logBufWriter = nil
	}
	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}
}

func getLogger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if logger == nil {
		return slog.Default()
	}
	return logger
}

func createLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func Debug(ctx context.Context, msg string, attrs ...any) { log(ctx, slog.LevelDebug, msg, attrs...) }
func Info(ctx context.Context, msg string, attrs ...any)  { log(ctx, slog.LevelInfo, msg, attrs...) }
func Warn(ctx context.Context, msg string, attrs ...any)  { log(ctx, slog.LevelWarn, msg, attrs...) }
func Error(ctx context.Context, msg string, attrs ...any) { log(ctx, slog.LevelError, msg, attrs...) }

// LogDuration logs msg with a duration_ms attribute computed from start.
// Designed for use with defer:
//
//	defer obslog.LogDuration(ctx, slog.LevelInfo, "rebase tick", time.Now())
func LogDuration(ctx context.Context, level slog.Level, msg string, start time.Time, attrs ...any) {
	allAttrs := make([]any, 0, len(attrs)+1)
	allAttrs = append(allAttrs, slog.Int64("duration_ms", time.Since(start).Milliseconds()))
	allAttrs = append(allAttrs, attrs...)
	log(ctx, level, msg, allAttrs...)
}

func log(ctx context.Context, level slog.Level, msg string, attrs ...any) {
	l := getLogger()

	var allAttrs []any
	for _, a := range attrsFromContext(ctx) {
		allAttrs = append(allAttrs, a)
	}
	allAttrs = append(allAttrs, attrs...)

	l.Log(nil, level, msg, allAttrs...) //nolint:staticcheck // context values already extracted as attributes
}

func attrsFromContext(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	var attrs []slog.Attr
	if v, ok := ctx.Value(repoPathKey).(string); ok && v != "" {
		attrs = append(attrs, slog.String("repo_path", v))
	}
	if v, ok := ctx.Value(sessionIDKey).(string); ok && v != "" {
		attrs = append(attrs, slog.String("session_id", v))
	}
	if v, ok := ctx.Value(agentIDKey).(string); ok && v != "" {
		attrs = append(attrs, slog.String("agent_id", v))
	}
	if v, ok := ctx.Value(componentKey).(string); ok && v != "" {
		attrs = append(attrs, slog.String("component", v))
	}
	return attrs
}
