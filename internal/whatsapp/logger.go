package whatsapp

import (
	waLog "go.mau.fi/whatsmeow/util/log"
	"go.uber.org/zap"
)

// zapLogger routes whatsmeow logs into the process logger.
type zapLogger struct {
	l *zap.SugaredLogger
}

// NewLogger returns a whatsmeow logger backed by zap.L(), named after module.
func NewLogger(module string) waLog.Logger {
	return &zapLogger{l: zap.L().Named(module).Sugar()}
}

func (z *zapLogger) Warnf(msg string, args ...interface{}) {
	z.l.Warnf(msg, args...)
}

func (z *zapLogger) Errorf(msg string, args ...interface{}) {
	z.l.Errorf(msg, args...)
}

func (z *zapLogger) Infof(msg string, args ...interface{}) {
	z.l.Infof(msg, args...)
}

func (z *zapLogger) Debugf(msg string, args ...interface{}) {
	z.l.Debugf(msg, args...)
}

func (z *zapLogger) Sub(module string) waLog.Logger {
	return &zapLogger{l: z.l.Named(module)}
}
