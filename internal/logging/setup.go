package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the process-wide root logger
type Options struct {
	Level       string
	FileEnabled bool
	File        string
	MaxSizeMB   int
	MaxBackups  int
	MaxAgeDays  int
	Console     io.Writer // defaults to os.Stderr
}

// Setup builds the root logger. The returned closer flushes and closes the
// rotating log file; it is a no-op when file logging is disabled.
func Setup(component string, opts Options) (*Logger, io.Closer, error) {
	console := opts.Console
	if console == nil {
		console = os.Stderr
	}

	if !opts.FileEnabled || opts.File == "" {
		return NewLogger(component, ParseLevel(opts.Level), console), nopCloser{}, nil
	}

	if dir := filepath.Dir(opts.File); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	file := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
	}

	out := NewMultiWriter(console, file, true)
	return NewLogger(component, ParseLevel(opts.Level), out), file, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
