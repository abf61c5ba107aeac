package tlog

import "go.uber.org/zap/zapcore"

// Options configures the package-wide logger tiers. Configure is called
// once, early in process startup, before any tablet is opened.
type Options struct {
	// Level is the minimum level written to the info tier (debug/info).
	// The warn/error/focus tiers are unaffected by it.
	Level zapcore.Level
	// LogDir holds the rotated log files (info.log, warn.log, error.log,
	// focus.log), rotated by lumberjack.
	LogDir string
	// NoStdout disables the stdout sink, used in tests to keep output quiet.
	NoStdout bool
	// AddCaller adds file:line to every record; costly, off by default.
	AddCaller bool
}

func NewOptions() *Options {
	return &Options{
		Level: zapcore.InfoLevel,
	}
}
