// Package logging builds the agent's structured logger: always stdout, plus
// a rotating file sink when a path is configured, with a hot-reloadable level so a
// heartbeat ACK's remote log_level can take effect without a restart.
package logging

import (
	"os"
	"time"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures the logger. Mirrors the teacher's config.Log fields,
// generalized with a JSON/console stdout toggle and the level split out so
// it can be swapped at runtime via the returned AtomicLevel.
type Options struct {
	Path       string // rotating file path; empty disables the file sink
	Level      string // "debug", "info", "warn", "error"
	JSONStdout bool   // true: JSON encoder on stdout; false: human console encoder
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

var levelMap = map[string]zapcore.Level{
	"debug":  zapcore.DebugLevel,
	"info":   zapcore.InfoLevel,
	"warn":   zapcore.WarnLevel,
	"error":  zapcore.ErrorLevel,
	"dpanic": zapcore.DPanicLevel,
	"panic":  zapcore.PanicLevel,
	"fatal":  zapcore.FatalLevel,
}

func parseLevel(s string) zapcore.Level {
	if lvl, ok := levelMap[s]; ok {
		return lvl
	}
	return zapcore.InfoLevel
}

// New builds the logger and returns the AtomicLevel backing it, so callers
// (internal/runtime's ApplyRemoteConfig) can hot-swap the active level.
func New(opts Options) (*zap.Logger, zap.AtomicLevel) {
	atomicLevel := zap.NewAtomicLevelAt(parseLevel(opts.Level))

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     timeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var cores []zapcore.Core

	if opts.Path != "" {
		hook := &lumberjack.Logger{
			Filename:   opts.Path,
			MaxSize:    orDefault(opts.MaxSizeMB, 1024),
			MaxBackups: orDefault(opts.MaxBackups, 5),
			MaxAge:     orDefault(opts.MaxAgeDays, 30),
			Compress:   opts.Compress,
		}
		fileEncoder := zapcore.NewJSONEncoder(encoderConfig)
		cores = append(cores, zapcore.NewCore(fileEncoder, zapcore.AddSync(hook), atomicLevel))
	}

	stdoutEncoder := zapcore.NewConsoleEncoder(encoderConfig)
	if opts.JSONStdout {
		stdoutEncoder = zapcore.NewJSONEncoder(encoderConfig)
	}
	cores = append(cores, zapcore.NewCore(stdoutEncoder, zapcore.AddSync(os.Stdout), atomicLevel))

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	return logger, atomicLevel
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func timeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006-01-02 15:04:05.000"))
}

// SetLevel applies a hot level change, ignoring unrecognized strings.
func SetLevel(atomicLevel zap.AtomicLevel, level string) {
	if lvl, ok := levelMap[level]; ok {
		atomicLevel.SetLevel(lvl)
	}
}
