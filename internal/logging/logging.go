// Package logging builds the process logger: colored console output plus an
// optional plain-text log file.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/sneakersync/sneakersync/internal/utils"
)

const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

type Options struct {
	// Console receives colored output. Nil disables it.
	Console io.Writer
	// FilePath is appended to across runs. Empty disables the file.
	FilePath string
	Level    slog.Level
}

// Logger is a configured slog logger that owns its log file.
type Logger struct {
	*slog.Logger
	lines *LineWriter
	file  *os.File
}

func New(opts Options) (*Logger, error) {
	var handlers []slog.Handler
	l := &Logger{}

	if opts.Console != nil {
		handlers = append(handlers, tint.NewHandler(opts.Console, &tint.Options{
			Level:      opts.Level,
			TimeFormat: consoleTimeFormat,
			NoColor:    !isTerminal(opts.Console),
		}))
	}

	if opts.FilePath != "" {
		path, err := utils.ResolvePath(opts.FilePath)
		if err != nil {
			return nil, fmt.Errorf("log path %s: %w", opts.FilePath, err)
		}
		if err := utils.EnsureParent(path); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		l.file = file
		l.lines = NewLineWriter(file, nil)
		handlers = append(handlers, slog.NewTextHandler(l.lines, &slog.HandlerOptions{
			Level: opts.Level,
			// the line writer stamps the time
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if a.Key == slog.TimeKey && len(groups) == 0 {
					return slog.Attr{}
				}
				return a
			},
		}))
	}

	if len(handlers) == 0 {
		handlers = append(handlers, slog.NewTextHandler(io.Discard, nil))
	}
	l.Logger = slog.New(NewFanoutHandler(handlers...))
	return l, nil
}

// Close flushes and closes the log file, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	flushErr := l.lines.Close()
	if err := l.file.Close(); err != nil {
		return err
	}
	return flushErr
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
