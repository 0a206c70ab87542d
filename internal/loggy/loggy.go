package loggy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

var (
	defaultLogger *Logger
	initOnce      sync.Once
)

// Config configures the logger
type Config struct {
	Level      slog.Level
	Format     string // "json" or "text"
	Output     string // "stdout", "stderr", or a file path
	AddSource  bool
	TimeFormat string // empty keeps slog's default
}

// DefaultConfig returns the configuration used when nothing is set
func DefaultConfig() Config {
	return Config{
		Level:      slog.LevelInfo,
		Format:     "text",
		Output:     "stderr",
		AddSource:  true,
		TimeFormat: time.RFC3339,
	}
}

// Logger wraps slog.Logger and stamps every record with its call site
type Logger struct {
	slogger   *slog.Logger
	addSource bool
	closer    io.Closer
}

// NewLogger builds a standalone logger from cfg
func NewLogger(cfg Config) (*Logger, error) {
	out, closer, err := openOutput(cfg.Output)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: cfg.Level}
	if cfg.TimeFormat != "" {
		format := cfg.TimeFormat
		opts.ReplaceAttr = func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					return slog.String(a.Key, t.Format(format))
				}
			}
			return a
		}
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return &Logger{slogger: slog.New(handler), addSource: cfg.AddSource, closer: closer}, nil
}

func openOutput(output string) (io.Writer, io.Closer, error) {
	switch output {
	case "", "stderr":
		return os.Stderr, nil, nil
	case "stdout":
		return os.Stdout, nil, nil
	}

	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating log directory: %w", err)
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}
	return f, f, nil
}

// Init builds the process-wide logger used by the package-level helpers.
// Only the first call has any effect.
func Init(cfg Config) (*Logger, error) {
	var err error
	initOnce.Do(func() {
		var l *Logger
		l, err = NewLogger(cfg)
		if err != nil {
			return
		}
		defaultLogger = l
	})
	if err != nil {
		return NewNoopLogger(), err
	}
	return Default(), nil
}

// Default returns the process-wide logger, or a noop logger before Init
func Default() *Logger {
	if defaultLogger == nil {
		return NewNoopLogger()
	}
	return defaultLogger
}

// NewNoopLogger returns a logger that discards everything, for tests
func NewNoopLogger() *Logger {
	return &Logger{slogger: slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))}
}

// NewWriterLogger logs text records at debug level to w
func NewWriterLogger(w io.Writer) *Logger {
	return &Logger{slogger: slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))}
}

// Close releases the log file, if any
func (l *Logger) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

func (l *Logger) log(level slog.Level, msg string, args ...any) {
	if l == nil || l.slogger == nil {
		return
	}
	ctx := context.Background()
	if !l.slogger.Enabled(ctx, level) {
		return
	}

	r := slog.NewRecord(time.Now(), level, msg, 0)
	if l.addSource {
		// skip runtime.Caller, log, and the exported wrapper
		if _, file, line, ok := runtime.Caller(2); ok {
			r.AddAttrs(slog.String("source", fmt.Sprintf("%s:%d", filepath.Base(file), line)))
		}
	}
	r.Add(args...)
	_ = l.slogger.Handler().Handle(ctx, r)
}

func (l *Logger) Debug(msg string, args ...any) { l.log(slog.LevelDebug, msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.log(slog.LevelInfo, msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.log(slog.LevelWarn, msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.log(slog.LevelError, msg, args...) }

// With returns a logger that adds args to every record
func (l *Logger) With(args ...any) *Logger {
	if l == nil || l.slogger == nil {
		return l
	}
	return &Logger{slogger: l.slogger.With(args...), addSource: l.addSource}
}

// WithError attaches err and its dynamic type
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.With("error", err.Error(), "error_type", fmt.Sprintf("%T", err))
}

// WithComponent names the subsystem emitting the record
func (l *Logger) WithComponent(name string) *Logger {
	return l.With("component", name)
}

// Package-level helpers write through the process-wide logger.

func Debug(msg string, args ...any) { Default().log(slog.LevelDebug, msg, args...) }
func Info(msg string, args ...any)  { Default().log(slog.LevelInfo, msg, args...) }
func Warn(msg string, args ...any)  { Default().log(slog.LevelWarn, msg, args...) }
func Error(msg string, args ...any) { Default().log(slog.LevelError, msg, args...) }
