// Package logging builds the process log sink.
//
// Components take a *log.Logger with a bracketed prefix. The sink behind
// those loggers is stderr, optionally teed into a size-rotated file.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the sink.
type Options struct {
	// File receives a copy of every line when set.
	File string

	// MaxSizeMB is the size that triggers rotation.
	MaxSizeMB int

	// MaxBackups is the number of rotated files kept.
	MaxBackups int

	// MaxAgeDays removes rotated files older than this.
	MaxAgeDays int

	// Quiet drops stderr output. File output is unaffected.
	Quiet bool

	// Stderr overrides os.Stderr, for tests.
	Stderr io.Writer
}

// Sink is a shared log destination.
type Sink struct {
	w    io.Writer
	file *lumberjack.Logger
}

// NewSink opens the sink described by opts.
func NewSink(opts Options) (*Sink, error) {
	var stderr io.Writer = os.Stderr
	if opts.Stderr != nil {
		stderr = opts.Stderr
	}
	if opts.Quiet {
		stderr = io.Discard
	}

	if opts.File == "" {
		return &Sink{w: stderr}, nil
	}

	if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
		return nil, err
	}
	file := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
	}
	return &Sink{w: io.MultiWriter(stderr, file), file: file}, nil
}

// Writer returns the underlying writer.
func (s *Sink) Writer() io.Writer {
	return s.w
}

// New returns a logger for a component. The name is rendered as "[name] ".
func (s *Sink) New(name string) *log.Logger {
	prefix := ""
	if name = strings.TrimSpace(name); name != "" {
		prefix = "[" + name + "] "
	}
	return log.New(s.w, prefix, log.LstdFlags)
}

// Rotate starts a new log file. It is a no-op without a file.
func (s *Sink) Rotate() error {
	if s.file == nil {
		return nil
	}
	return s.file.Rotate()
}

// Close closes the log file, if any.
func (s *Sink) Close() error {
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}
