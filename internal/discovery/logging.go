package discovery

import (
	"io"
	"log/slog"
)

// orDefault returns the given logger, or a discard logger when nil, so
// callers never have to nil-check before logging.
func orDefault(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
