// Package logging configures the process-wide structured logger shared by
// the daemon's packages.
package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls optional log file rotation. A zero value logs to stdout
// only.
type Options struct {
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Setup installs a JSON slog logger as the process default and returns it.
// Every line carries the service name and, when provided, the deployment
// environment. When opts.File is set, output is duplicated to a size-rotated
// file so long-running daemons do not fill the disk.
func Setup(service, env string, opts Options) *slog.Logger {
	handler := newHandler(writerFor(opts))

	attrs := []slog.Attr{slog.String("service", strings.TrimSpace(service))}
	if env = strings.TrimSpace(env); env != "" {
		attrs = append(attrs, slog.String("env", env))
	}
	args := make([]any, 0, len(attrs))
	for _, attr := range attrs {
		args = append(args, attr)
	}

	base := slog.New(handler).With(args...)
	slog.SetDefault(base)
	redirectStdLog(handler.WithAttrs(attrs))
	return base
}

// writerFor selects stdout, teeing into the rotated file when configured.
func writerFor(opts Options) io.Writer {
	if strings.TrimSpace(opts.File) == "" {
		return os.Stdout
	}
	return io.MultiWriter(os.Stdout, &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   true,
	})
}

// newHandler builds the JSON handler with the field names the log pipeline
// expects: timestamp, severity, message.
func newHandler(out io.Writer) *slog.JSONHandler {
	return slog.NewJSONHandler(out, &slog.HandlerOptions{
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.TimeKey:
				attr.Key = "timestamp"
			case slog.LevelKey:
				return slog.String("severity", strings.ToUpper(attr.Value.String()))
			case slog.MessageKey:
				attr.Key = "message"
			}
			return attr
		},
	})
}

// redirectStdLog routes the standard library logger through the structured
// handler. net/http server errors and the cmd wrapper's fatal path log
// there.
func redirectStdLog(h slog.Handler) {
	bridge := slog.NewLogLogger(h, slog.LevelInfo)
	bridge.SetFlags(0)
	log.SetOutput(bridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")
}
