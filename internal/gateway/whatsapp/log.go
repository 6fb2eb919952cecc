package whatsapp

import (
	waLog "go.mau.fi/whatsmeow/util/log"

	logx "promosched/pkg/logx"
)

// waLogger bridges whatsmeow's logger onto logx.
type waLogger struct {
	log logx.Logger
}

func newWALogger(log logx.Logger, module string) waLog.Logger {
	return waLogger{log: log.With(logx.String("wa", module))}
}

func (l waLogger) Debugf(msg string, args ...any) { l.log.Debugf(msg, args...) }
func (l waLogger) Infof(msg string, args ...any)  { l.log.Infof(msg, args...) }
func (l waLogger) Warnf(msg string, args ...any)  { l.log.Warnf(msg, args...) }
func (l waLogger) Errorf(msg string, args ...any) { l.log.Errorf(msg, args...) }

func (l waLogger) Sub(module string) waLog.Logger {
	return waLogger{log: l.log.With(logx.String("wa_sub", module))}
}
