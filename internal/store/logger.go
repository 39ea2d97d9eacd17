package store

import (
	"fmt"
	"log/slog"
	"strings"
)

// badgerLogger はbadger.Loggerをslogに橋渡しする。
type badgerLogger struct {
	logger *slog.Logger
}

func newBadgerLogger(logger *slog.Logger) *badgerLogger {
	return &badgerLogger{logger: logger.With(slog.String("component", "badger"))}
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(formatMessage(format, args))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(formatMessage(format, args))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(formatMessage(format, args))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(formatMessage(format, args))
}

// badgerのメッセージは末尾に改行を含むため除去する
func formatMessage(format string, args []interface{}) string {
	return strings.TrimRight(fmt.Sprintf(format, args...), "\n")
}
