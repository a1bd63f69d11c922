// Package testutil provides shared test helpers. Container-backed helpers for
// integration tests live behind the "integration" build tag.
package testutil

import (
	"log/slog"
	"os"
)

// TestLogger returns a logger configured for test output (warns only).
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
