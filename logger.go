package guestmem

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with guestmem-specific fields.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// WithRegion tags the logger with a fastmem window base.
func (l *Logger) WithRegion(base uintptr) *Logger {
	return &Logger{
		Logger: l.Logger.With("region", base),
	}
}

// WithVAddr adds a guest address field.
func (l *Logger) WithVAddr(vaddr VAddr) *Logger {
	return &Logger{
		Logger: l.Logger.With("vaddr", uint32(vaddr)),
	}
}

// WithSize adds a size field.
func (l *Logger) WithSize(size uint64) *Logger {
	return &Logger{
		Logger: l.Logger.With("size", size),
	}
}

// LogMap logs the outcome of a Map or Unmap walk.
func (l *Logger) LogMap(ctx context.Context, op string, vaddr VAddr, size uint64, committed, reverted, indirect int, err error) {
	if err != nil {
		l.ErrorContext(ctx, op+" failed",
			"vaddr", uint32(vaddr),
			"size", size,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, op+" completed",
		"vaddr", uint32(vaddr),
		"size", size,
		"committed", committed,
		"reverted", reverted,
		"indirect", indirect,
	)
}

// LogSyscall logs a failed host primitive before it is returned.
func (l *Logger) LogSyscall(ctx context.Context, err *SyscallError) {
	l.ErrorContext(ctx, "host virtual memory call failed",
		"op", err.Op,
		"addr", err.Addr,
		"error", err.Err,
	)
}
