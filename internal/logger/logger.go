package logger

import (
	"io"
	"os"
	"path/filepath"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation constants for supervised child output.
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config describes file destinations for a supervised child's stdout and stderr.
// Rotation parameters follow lumberjack semantics.
type Config struct {
	StdoutPath string // empty leaves stdout unredirected
	StderrPath string // empty leaves stderr unredirected
	MaxSizeMB  int    // megabytes before rotation (default 10)
	MaxBackups int    // number of backups to keep (default 3)
	MaxAgeDays int    // days to keep (default 7)
	Compress   bool   // gzip rotated files
}

// Writers returns io.WriteClosers for stdout and stderr. A nil writer means
// the stream is not redirected to a file. When both paths are equal a single
// rotating writer is shared so the two streams interleave in one file.
func (c Config) Writers() (io.WriteCloser, io.WriteCloser, error) {
	var outW, errW io.WriteCloser
	if c.StdoutPath != "" {
		if err := os.MkdirAll(filepath.Dir(c.StdoutPath), 0o750); err != nil {
			return nil, nil, err
		}
		outW = c.rotating(c.StdoutPath)
	}
	if c.StderrPath != "" {
		if c.StderrPath == c.StdoutPath {
			return outW, nopCloser{outW}, nil
		}
		if err := os.MkdirAll(filepath.Dir(c.StderrPath), 0o750); err != nil {
			return nil, nil, err
		}
		errW = c.rotating(c.StderrPath)
	}
	return outW, errW, nil
}

func (c Config) rotating(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
