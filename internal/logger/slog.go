package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// New returns the process logger. Level names follow slog ("debug", "info",
// "warn", "error"); anything else means info.
func New(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: lvl,
	}))
}

// BadgerLogger routes badger's printf-style logging into slog.
type BadgerLogger struct {
	logger *slog.Logger
}

func NewBadgerLogger(logger *slog.Logger) *BadgerLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &BadgerLogger{logger: logger.With("component", "badger")}
}

func format(f string, v ...any) string {
	return strings.TrimSpace(fmt.Sprintf(f, v...))
}

func (l *BadgerLogger) Errorf(f string, v ...any) {
	l.logger.Error(format(f, v...))
}

func (l *BadgerLogger) Warningf(f string, v ...any) {
	l.logger.Warn(format(f, v...))
}

func (l *BadgerLogger) Infof(f string, v ...any) {
	l.logger.Debug(format(f, v...))
}

func (l *BadgerLogger) Debugf(f string, v ...any) {
	l.logger.Log(context.Background(), slog.LevelDebug-1, format(f, v...))
}
