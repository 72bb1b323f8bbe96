// Package startup wires loom's components together and runs them.
package startup

import (
	"context"

	"github.com/hurricanerix/loom/internal/diagnose"
	"github.com/hurricanerix/loom/internal/logging"
)

// Pinger checks that the job server answers.
type Pinger interface {
	Ping(ctx context.Context) error
	Endpoint() string
}

// CheckServer pings the job server and logs a diagnosis when it is not
// reachable. The server may come up later, so the result is advisory.
func CheckServer(ctx context.Context, server Pinger, logger *logging.Logger) error {
	if err := server.Ping(ctx); err != nil {
		report := diagnose.Explain("Job server unavailable", err)
		logger.Warn("%s: %s", report.Title, report.Message)
		for _, hint := range report.Hints {
			logger.Warn("  - %s", hint)
		}
		return err
	}
	logger.Info("Connected to job server at %s", server.Endpoint())
	return nil
}
