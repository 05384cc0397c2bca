package testutil

import (
	"log"
	"os"
	"testing"
)

// TestLogger returns a logger for use in tests, restoring its output
// to stderr when the test finishes.
func TestLogger(t *testing.T) *log.Logger {
	logger := log.New(os.Stdout, "[multidraw-test] ", log.LstdFlags)
	t.Cleanup(func() {
		logger.SetOutput(os.Stderr)
	})
	return logger
}
