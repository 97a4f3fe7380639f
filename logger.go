package gofetchdata

import (
	"fmt"
	"log/slog"
	"strings"
)

// restyLogger forwards resty's printf-style logs to slog.
type restyLogger struct {
	logger *slog.Logger
}

func (l restyLogger) Errorf(format string, v ...interface{}) {
	l.logger.Error(l.message(format, v), "component", "resty")
}

func (l restyLogger) Warnf(format string, v ...interface{}) {
	l.logger.Warn(l.message(format, v), "component", "resty")
}

func (l restyLogger) Debugf(format string, v ...interface{}) {
	l.logger.Debug(l.message(format, v), "component", "resty")
}

func (restyLogger) message(format string, v []interface{}) string {
	return strings.TrimSpace(fmt.Sprintf(format, v...))
}
