// ABOUTME: Per-run logger: echoes each line to slog and appends it to run_logs.
// ABOUTME: Database writes are best-effort; a failed append never fails the run.
package runlog

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// Levels stored in run_logs.level.
const (
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Appender persists run log rows (store.Store).
type Appender interface {
	AppendRunLog(ctx context.Context, runID uuid.UUID, level, message string) error
}

// Logger writes log lines for one pipeline run.
type Logger struct {
	store Appender
	runID uuid.UUID
	log   *slog.Logger
}

// New creates a Logger. A nil store or a zero runID logs to slog only, which
// is how setup and self-improvement jobs (no pipeline run) are logged.
func New(s Appender, runID uuid.UUID, base *slog.Logger) *Logger {
	if base == nil {
		base = slog.Default()
	}
	if runID != uuid.Nil {
		base = base.With("run_id", runID)
	}
	return &Logger{store: s, runID: runID, log: base}
}

// Log records message at level. Unknown levels are stored as given and
// echoed at info.
func (l *Logger) Log(ctx context.Context, level, message string) {
	l.log.Log(ctx, slogLevel(level), message)
	if l.store == nil || l.runID == uuid.Nil {
		return
	}
	if err := l.store.AppendRunLog(ctx, l.runID, level, message); err != nil {
		l.log.WarnContext(ctx, "append run log", "error", err)
	}
}

// Infof logs a formatted info line.
func (l *Logger) Infof(ctx context.Context, format string, args ...any) {
	l.Log(ctx, LevelInfo, fmt.Sprintf(format, args...))
}

// Errorf logs a formatted error line.
func (l *Logger) Errorf(ctx context.Context, format string, args ...any) {
	l.Log(ctx, LevelError, fmt.Sprintf(format, args...))
}

func slogLevel(level string) slog.Level {
	switch level {
	case LevelError:
		return slog.LevelError
	case LevelWarn, "warning":
		return slog.LevelWarn
	case "debug":
		return slog.LevelDebug
	}
	return slog.LevelInfo
}
