// Package logging configures the shared logrus logger used across every
// profile state machine and demo command. Grounded on the pack's
// Protei_Monitoring internal/logger package: a rotation-backed io.Writer
// built with gopkg.in/natefinch/lumberjack.v2, here adapted to sit behind
// logrus (this module's ambient logger) instead of zerolog.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls where log output goes and how it rotates. A zero-value
// Config logs to stdout with no rotation.
type Config struct {
	// Path is the log file to write to. Empty means stdout.
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	Level      logrus.Level
}

// New builds a *logrus.Logger per cfg. When cfg.Path is set, output is
// written through a lumberjack.Logger so long-running profile servers
// don't grow an unbounded log file.
func New(cfg Config) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	var out io.Writer = os.Stdout
	if cfg.Path != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
	}
	log.SetOutput(out)

	level := cfg.Level
	if level == 0 {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	return log
}
