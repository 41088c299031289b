// Package logging provides the leveled logger shared by the daemon and
// the CLI. Output goes to stderr by default; the serve command can add a
// rotating file sink.
package logging

import (
	"io"
	"log"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Level filters log output.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a config string to a level, defaulting to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger is a thin leveled wrapper over the standard logger.
type Logger struct {
	l     *log.Logger
	level Level
}

// New creates a logger writing to stderr.
func New(level Level) *Logger {
	return &Logger{l: log.New(os.Stderr, "", log.LstdFlags), level: level}
}

// NewWithFile creates a logger that also writes to a rotating log file.
func NewWithFile(level Level, path string) *Logger {
	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    20, // megabytes
		MaxBackups: 5,
		MaxAge:     14, // days
		Compress:   true,
	}
	w := io.MultiWriter(os.Stderr, rotator)
	return &Logger{l: log.New(w, "", log.LstdFlags), level: level}
}

func (lg *Logger) logf(level Level, prefix, format string, args ...any) {
	if lg == nil || level < lg.level {
		return
	}
	lg.l.Printf(prefix+format, args...)
}

func (lg *Logger) Debugf(format string, args ...any) { lg.logf(LevelDebug, "[DEBUG] ", format, args...) }
func (lg *Logger) Infof(format string, args ...any)  { lg.logf(LevelInfo, "[INFO] ", format, args...) }
func (lg *Logger) Warnf(format string, args ...any)  { lg.logf(LevelWarn, "[WARN] ", format, args...) }
func (lg *Logger) Errorf(format string, args ...any) { lg.logf(LevelError, "[ERROR] ", format, args...) }
