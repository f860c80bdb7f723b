package monitor

import (
	"context"
	"strings"

	"go.uber.org/zap/zapcore"
)

// core forwards log entries to the collector's logs path
type core struct {
	zapcore.LevelEnabler
	m      *Monitor
	fields []zapcore.Field
}

// NewCore returns a zapcore.Core that reports entries at or above level.
// Tee it with the application core. Entries of the monitor's own named
// logger are skipped.
func NewCore(m *Monitor, level zapcore.LevelEnabler) zapcore.Core {
	return &core{LevelEnabler: level, m: m}
}

func (c *core) With(fields []zapcore.Field) zapcore.Core {
	clone := &core{
		LevelEnabler: c.LevelEnabler,
		m:            c.m,
		fields:       make([]zapcore.Field, 0, len(c.fields)+len(fields)),
	}
	clone.fields = append(clone.fields, c.fields...)
	clone.fields = append(clone.fields, fields...)
	return clone
}

func (c *core) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.Enabled(ent.Level) || !c.m.IsEnabled() {
		return ce
	}
	if ent.LoggerName == PluginName || strings.HasPrefix(ent.LoggerName, PluginName+".") {
		return ce
	}
	return ce.AddCore(ent, c)
}

func (c *core) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range c.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}

	c.m.Log(context.Background(), zapLevel(ent.Level), ent.Message, ent.Time, MapOf(enc.Fields))
	return nil
}

func (c *core) Sync() error {
	return nil
}

func zapLevel(l zapcore.Level) Level {
	switch l {
	case zapcore.DebugLevel:
		return LevelDebug
	case zapcore.InfoLevel:
		return LevelInfo
	case zapcore.WarnLevel:
		return LevelWarning
	case zapcore.ErrorLevel:
		return LevelError
	case zapcore.DPanicLevel:
		return LevelCritical
	case zapcore.PanicLevel:
		return LevelAlert
	case zapcore.FatalLevel:
		return LevelEmergency
	default:
		return LevelError
	}
}
