package topology

import (
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/hashicorp/go-hclog"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// raftLogger adapts a zap.Logger to the hclog.Logger interface the
// hashicorp raft stack logs through. Sub-loggers share one atomic level so
// SetLevel affects the whole raft tree.
type raftLogger struct {
	zl    *zap.Logger
	name  string
	level zap.AtomicLevel
}

// NewRaftLogger wraps a zap logger for use as raft's logger. The initial
// level follows what the zap core has enabled.
func NewRaftLogger(zl *zap.Logger) hclog.Logger {
	initial := zap.InfoLevel
	if zl.Core().Enabled(zap.DebugLevel) {
		initial = zap.DebugLevel
	}
	return &raftLogger{zl: zl, level: zap.NewAtomicLevelAt(initial)}
}

func (l *raftLogger) Log(level hclog.Level, msg string, args ...interface{}) {
	switch level {
	case hclog.Trace, hclog.Debug:
		l.write(zap.DebugLevel, msg, args...)
	case hclog.Warn:
		l.write(zap.WarnLevel, msg, args...)
	case hclog.Error:
		l.write(zap.ErrorLevel, msg, args...)
	default:
		l.write(zap.InfoLevel, msg, args...)
	}
}

func (l *raftLogger) Trace(msg string, args ...interface{}) { l.write(zap.DebugLevel, msg, args...) }
func (l *raftLogger) Debug(msg string, args ...interface{}) { l.write(zap.DebugLevel, msg, args...) }
func (l *raftLogger) Info(msg string, args ...interface{})  { l.write(zap.InfoLevel, msg, args...) }
func (l *raftLogger) Warn(msg string, args ...interface{})  { l.write(zap.WarnLevel, msg, args...) }
func (l *raftLogger) Error(msg string, args ...interface{}) { l.write(zap.ErrorLevel, msg, args...) }

func (l *raftLogger) write(level zapcore.Level, msg string, args ...interface{}) {
	// raft-boltdb emits a "tx closed" line on every store access.
	if strings.Contains(msg, "tx closed") {
		return
	}
	if !l.level.Enabled(level) {
		return
	}
	if ce := l.zl.Check(level, msg); ce != nil {
		ce.Write(kvToFields(args...)...)
	}
}

func (l *raftLogger) IsTrace() bool { return l.level.Enabled(zap.DebugLevel) }
func (l *raftLogger) IsDebug() bool { return l.level.Enabled(zap.DebugLevel) }
func (l *raftLogger) IsInfo() bool  { return l.level.Enabled(zap.InfoLevel) }
func (l *raftLogger) IsWarn() bool  { return l.level.Enabled(zap.WarnLevel) }
func (l *raftLogger) IsError() bool { return l.level.Enabled(zap.ErrorLevel) }

func (l *raftLogger) With(args ...interface{}) hclog.Logger {
	return &raftLogger{zl: l.zl.With(kvToFields(args...)...), name: l.name, level: l.level}
}

func (l *raftLogger) Named(name string) hclog.Logger {
	full := name
	if l.name != "" {
		full = l.name + "." + name
	}
	return &raftLogger{zl: l.zl.Named(name), name: full, level: l.level}
}

func (l *raftLogger) ResetNamed(name string) hclog.Logger {
	return &raftLogger{zl: l.zl.Named(name), name: name, level: l.level}
}

func (l *raftLogger) GetLevel() hclog.Level {
	switch l.level.Level() {
	case zapcore.DebugLevel:
		return hclog.Debug
	case zapcore.WarnLevel:
		return hclog.Warn
	case zapcore.ErrorLevel:
		return hclog.Error
	default:
		return hclog.Info
	}
}

func (l *raftLogger) SetLevel(level hclog.Level) {
	switch level {
	case hclog.Trace, hclog.Debug:
		l.level.SetLevel(zap.DebugLevel)
	case hclog.Warn:
		l.level.SetLevel(zap.WarnLevel)
	case hclog.Error:
		l.level.SetLevel(zap.ErrorLevel)
	default:
		l.level.SetLevel(zap.InfoLevel)
	}
}

func (l *raftLogger) ImpliedArgs() []interface{} { return nil }

func (l *raftLogger) Name() string { return l.name }

func (l *raftLogger) StandardLogger(*hclog.StandardLoggerOptions) *log.Logger { return nil }

func (l *raftLogger) StandardWriter(*hclog.StandardLoggerOptions) io.Writer { return nil }

func kvToFields(args ...interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprintf("arg%d", i)
		}
		if i+1 >= len(args) {
			fields = append(fields, zap.Any(key, "(missing)"))
			break
		}
		fields = append(fields, zap.Any(key, args[i+1]))
	}
	return fields
}
