// Package logging provides the structured logger used across the agent.
//
// The interface is deliberately small and sugared (key/value pairs rather
// than a builder API) so call sites at the audio hot path stay cheap and
// readable under load.
package logging

import (
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the structured logging surface used throughout the agent.
// Benchmark exists alongside the leveled methods because a handful of
// callers (link setup, session open) want a single duration measurement
// without composing it by hand every time.
type Logger interface {
	Debugw(msg string, kv ...interface{})
	Infow(msg string, kv ...interface{})
	Warnw(msg string, kv ...interface{})
	Errorw(msg string, kv ...interface{})
	Benchmark(op string, d time.Duration)
	With(kv ...interface{}) Logger
	Sync() error
}

type zapLogger struct {
	s *zap.SugaredLogger
}

// Options controls construction of the default Logger implementation.
type Options struct {
	Level     string // debug, info, warn, error
	Verbose   bool   // forces debug level regardless of Level
	FilePath  string // when non-empty, logs rotate to this file via lumberjack
	MaxSizeMB int
	MaxAgeDay int
	MaxBackup int
}

// New builds a zap-backed Logger. With FilePath unset it logs to stderr;
// with it set, output is duplicated to a rotating file the way the
// teacher's production configs run (zap + lumberjack).
func New(opts Options) (Logger, error) {
	level := parseLevel(opts.Level)
	if opts.Verbose {
		level = zapcore.DebugLevel
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encoderCfg)

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(os.Stderr)), level),
	}
	if opts.FilePath != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    orDefault(opts.MaxSizeMB, 100),
			MaxAge:     orDefault(opts.MaxAgeDay, 14),
			MaxBackups: orDefault(opts.MaxBackup, 5),
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(rotator), level))
	}

	core := zapcore.NewTee(cores...)
	base := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	return &zapLogger{s: base.Sugar()}, nil
}

func parseLevel(s string) zapcore.Level {
	switch s {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func (l *zapLogger) Debugw(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
func (l *zapLogger) Infow(msg string, kv ...interface{})  { l.s.Infow(msg, kv...) }
func (l *zapLogger) Warnw(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }
func (l *zapLogger) Errorw(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }

func (l *zapLogger) Benchmark(op string, d time.Duration) {
	l.s.Infow("benchmark", "op", op, "duration_ms", d.Milliseconds())
}

func (l *zapLogger) With(kv ...interface{}) Logger {
	return &zapLogger{s: l.s.With(kv...)}
}

func (l *zapLogger) Sync() error { return l.s.Sync() }

// Nop returns a Logger that discards everything; useful for tests.
func Nop() Logger { return &zapLogger{s: zap.NewNop().Sugar()} }
