// Package logging wires the process-wide slog logger: tinted output on
// the terminal, JSON records in a rotated file when one is configured.
package logging

import (
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
	slogmulti "github.com/samber/slog-multi"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

var levelMap = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

type Options struct {
	Level string
	File  string // empty disables the file handler
}

// Setup builds the logger and installs it as the slog default.
func Setup(opts Options) *slog.Logger {
	lvl, ok := levelMap[opts.Level]
	if !ok {
		lvl = slog.LevelInfo
	}

	handlers := []slog.Handler{
		tint.NewHandler(os.Stdout, &tint.Options{Level: lvl}),
	}

	if opts.File != "" {
		rotated := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    20, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
		}
		handlers = append(handlers, slog.NewJSONHandler(rotated, &slog.HandlerOptions{
			Level: lvl,
		}))
	}

	logger := slog.New(slogmulti.Fanout(handlers...))
	slog.SetDefault(logger)
	return logger
}
