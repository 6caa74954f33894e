package tchannel

import "go.uber.org/zap"

// Logger is the logging contract used throughout the channel and
// connection machinery. It mirrors the teacher's Logger/NullLogger shape
// so call sites (ch.log.Errorf(...), c.log.Warnf(...)) are unchanged; only
// the concrete implementation moves from op/go-logging to zap.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// NullLogger discards everything. It is the default when no Logger is
// supplied in ChannelOptions, so a Channel never panics on a nil logger.
type NullLogger struct{}

func (NullLogger) Debugf(string, ...interface{}) {}
func (NullLogger) Infof(string, ...interface{})  {}
func (NullLogger) Warnf(string, ...interface{})  {}
func (NullLogger) Errorf(string, ...interface{}) {}

// zapLogger adapts a *zap.SugaredLogger to the Logger interface.
type zapLogger struct {
	s *zap.SugaredLogger
}

// NewLogger builds a Logger backed by a production zap configuration.
func NewLogger() Logger {
	z, err := zap.NewProduction()
	if err != nil {
		return NullLogger{}
	}
	return &zapLogger{s: z.Sugar()}
}

// NewLoggerFrom adapts an existing zap logger, e.g. one configured by the
// embedding application.
func NewLoggerFrom(z *zap.Logger) Logger {
	return &zapLogger{s: z.Sugar()}
}

func (l *zapLogger) Debugf(format string, args ...interface{}) { l.s.Debugf(format, args...) }
func (l *zapLogger) Infof(format string, args ...interface{})  { l.s.Infof(format, args...) }
func (l *zapLogger) Warnf(format string, args ...interface{})  { l.s.Warnf(format, args...) }
func (l *zapLogger) Errorf(format string, args ...interface{}) { l.s.Errorf(format, args...) }
