// Package logging builds the zap logger shared by the daemon and its
// components.
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options select the minimum level and an optional rotating log file.
type Options struct {
	Level string
	File  string
}

// EncoderConfig uses ISO8601 times and colored level names.
func EncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalColorLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

// ParseLevel maps a config level name to a zap level. Unknown names fall
// back to info.
func ParseLevel(s string) zapcore.Level {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(s))); err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

// New returns a named sugared logger writing to stdout and, when opts.File
// is set, to a rotating file as well.
func New(name string, opts Options) *zap.SugaredLogger {
	level := zap.NewAtomicLevelAt(ParseLevel(opts.Level))

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(EncoderConfig()), zapcore.Lock(os.Stdout), level),
	}
	if opts.File != "" {
		fileCfg := EncoderConfig()
		fileCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		sink := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    64,
			MaxBackups: 5,
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(fileCfg), zapcore.AddSync(sink), level))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()).Named(name).Sugar()
}
