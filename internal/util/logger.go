package util

import (
	"context"
	"log"
	"log/slog"
	"strings"
)

// StdLogger returns a standard library logger that forwards each line to the
// slog logger for component at level. net/http servers take one as ErrorLog.
func StdLogger(component string, level slog.Level) *log.Logger {
	return log.New(&logWriter{logger: Component(component), level: level}, "", 0)
}

type logWriter struct {
	logger *slog.Logger
	level  slog.Level
}

func (w *logWriter) Write(p []byte) (n int, err error) {
	w.logger.Log(context.Background(), w.level, strings.TrimRight(string(p), "\n"))
	return len(p), nil
}
