// Package history appends session-history lines to a file in the user data
// directory: one line per tracking transition and per successful submission.
package history

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// Log is a file-backed session-history writer.
type Log struct {
	logger *logrus.Logger
	file   *os.File
}

// Open creates (or appends to) the history file at path.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open history file: %w", err)
	}

	logger := logrus.New()
	logger.SetOutput(file)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
		DisableColors:   true,
	})

	return &Log{logger: logger, file: file}, nil
}

// Append writes one history line.
func (l *Log) Append(format string, args ...any) {
	l.logger.Infof(format, args...)
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	return l.file.Close()
}

// Discard is a HistoryAppender that drops everything, for commands that do
// not track sessions.
type Discard struct{}

func (Discard) Append(string, ...any) {}
