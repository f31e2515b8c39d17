package obs

import (
	"log/slog"
	"os"
	"sync"
)

var (
	loggerOnce sync.Once
	logger     *slog.Logger
)

// Logger returns the shared structured logger used across the service.
// Output is one JSON object per line so log shippers can ingest it directly.
func Logger() *slog.Logger {
	loggerOnce.Do(func() {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	})
	return logger
}

// SetLogger replaces the shared logger. Intended for tests that need to
// capture output; production code configures the logger via Logger only.
func SetLogger(l *slog.Logger) {
	loggerOnce.Do(func() {})
	logger = l
}
