// Package logging wires the structured logger used by every service below
// main.go's startup banner. Production gets JSON output; anything else gets
// the human-readable console encoder.
package logging

import (
	"os"

	"go.uber.org/zap"
)

// New builds a *zap.SugaredLogger appropriate for the environment. GIN_MODE
// mirrors the teacher's own convention for detecting a production run.
func New() *zap.SugaredLogger {
	var logger *zap.Logger
	var err error

	if os.Getenv("GIN_MODE") == "release" {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		// Fall back to a no-op logger rather than crash the process over a
		// logging misconfiguration.
		logger = zap.NewNop()
	}
	return logger.Sugar()
}
