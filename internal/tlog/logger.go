// Package tlog is the ambient logging layer shared by every consensus
// component. It follows pkg/wklog's tiered-logger shape (one JSON core
// per severity, rotated independently) rather than a single combined
// stream, so an operator can tail error.log on a fleet of tablets without
// wading through per-heartbeat debug noise.
package tlog

import (
	"os"
	"path"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	infoLogger  *zap.Logger
	warnLogger  *zap.Logger
	errorLogger *zap.Logger
	panicLogger *zap.Logger
	focusLogger *zap.Logger // always-on, used for term/lease/role transitions
	atom        = zap.NewAtomicLevel()
	opts        = NewOptions()
)

func Configure(o *Options) {
	opts = o
	atom.SetLevel(o.Level)

	var loggerOpts []zap.Option
	if o.AddCaller {
		loggerOpts = append(loggerOpts, zap.AddCaller(), zap.AddCallerSkip(2))
	}

	var sinks []zapcore.WriteSyncer
	if !o.NoStdout {
		sinks = append(sinks, zapcore.AddSync(os.Stdout))
	}

	tier := func(file string, level zapcore.LevelEnabler) *zap.Logger {
		w := zapcore.AddSync(&lumberjack.Logger{
			Filename:   path.Join(o.LogDir, file),
			MaxSize:    500,
			MaxBackups: 3,
			MaxAge:     28,
		})
		core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig()), zapcore.NewMultiWriteSyncer(append(sinks, w)...), level)
		return zap.New(core, loggerOpts...)
	}

	infoLogger = tier("info.log", atom)
	warnLogger = tier("warn.log", zap.WarnLevel)
	errorLogger = tier("error.log", zap.ErrorLevel)
	panicLogger = tier("panic.log", zap.PanicLevel)
	focusLogger = tier("focus.log", zap.InfoLevel)
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:      "time",
		LevelKey:     "level",
		NameKey:      "logger",
		CallerKey:    "caller",
		MessageKey:   "msg",
		LineEnding:   zapcore.DefaultLineEnding,
		EncodeLevel:  zapcore.LowercaseLevelEncoder,
		EncodeCaller: zapcore.ShortCallerEncoder,
		EncodeTime: func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendString(t.Format("2006-01-02T15:04:05.999999999-07:00"))
		},
		EncodeDuration: func(d time.Duration, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendInt64(int64(d) / int64(time.Millisecond))
		},
	}
}

func ensureConfigured() {
	if infoLogger == nil {
		Configure(NewOptions())
	}
}

// Logger is the interface every component embeds, named after the
// component and tablet it belongs to (e.g. "consensus[tablet-7]").
type Logger interface {
	Debug(msg string, fields ...zap.Field)
	Info(msg string, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Error(msg string, fields ...zap.Field)
	Fatal(msg string, fields ...zap.Field)
	Panic(msg string, fields ...zap.Field)
	// Focus always logs at info level regardless of the configured level;
	// reserved for term advances, role transitions, and lease changes.
	Focus(msg string, fields ...zap.Field)
}

type namedLogger struct {
	name string
}

func New(name string) Logger {
	return &namedLogger{name: name}
}

func (l *namedLogger) with(fields []zap.Field) []zap.Field {
	return append(fields, zap.String("component", l.name))
}

func (l *namedLogger) Debug(msg string, fields ...zap.Field) {
	ensureConfigured()
	infoLogger.Debug(msg, l.with(fields)...)
}

func (l *namedLogger) Info(msg string, fields ...zap.Field) {
	ensureConfigured()
	infoLogger.Info(msg, l.with(fields)...)
}

func (l *namedLogger) Warn(msg string, fields ...zap.Field) {
	ensureConfigured()
	warnLogger.Warn(msg, l.with(fields)...)
}

func (l *namedLogger) Error(msg string, fields ...zap.Field) {
	ensureConfigured()
	errorLogger.Error(msg, l.with(fields)...)
}

func (l *namedLogger) Fatal(msg string, fields ...zap.Field) {
	ensureConfigured()
	panicLogger.Fatal(msg, l.with(fields)...)
}

func (l *namedLogger) Panic(msg string, fields ...zap.Field) {
	ensureConfigured()
	panicLogger.Panic(msg, l.with(fields)...)
}

func (l *namedLogger) Focus(msg string, fields ...zap.Field) {
	ensureConfigured()
	focusLogger.Info(msg, l.with(fields)...)
}

func Sync() {
	for _, lg := range []*zap.Logger{infoLogger, warnLogger, errorLogger, panicLogger, focusLogger} {
		if lg != nil {
			_ = lg.Sync()
		}
	}
}
