package transport

import "log/slog"

// Logger builds the shared slog tagging for a channel implementation.
func Logger(id string, attrs ...any) *slog.Logger {
	logger := slog.With("component", "transport", "transport", id)
	if len(attrs) == 0 {
		return logger
	}

	return logger.With(attrs...)
}
