// Package diagnose turns job errors into user-facing reports with a short
// checklist of things to look at.
package diagnose

import (
	"context"
	"errors"

	"github.com/hurricanerix/loom/internal/channel"
	"github.com/hurricanerix/loom/internal/comfy"
	"github.com/hurricanerix/loom/internal/tracker"
)

// Category groups errors that share a checklist.
type Category string

const (
	CategoryTimeout      Category = "timeout"
	CategoryConnectivity Category = "connectivity"
	CategoryChannel      Category = "channel"
	CategoryExecution    Category = "execution"
	CategoryGeneric      Category = "generic"
)

// Report is what the user sees when a job fails.
type Report struct {
	Title    string   `json:"title"`
	Message  string   `json:"message"`
	Category Category `json:"category"`
	Hints    []string `json:"hints"`
}

var hints = map[Category][]string{
	CategoryTimeout: {
		"The server did not answer in time",
		"Check that the server is not overloaded",
		"Check the network path to the server",
	},
	CategoryConnectivity: {
		"Is the job server running?",
		"Is it listening on port 8188, or the port in settings?",
		"Is a firewall blocking the connection?",
	},
	CategoryChannel: {
		"The network connection may be unstable",
		"The server's websocket endpoint may be disabled",
		"The port may be blocked or in use",
	},
	CategoryExecution: {
		"Check the server console for the full error",
		"Check that every model the workflow uses is installed",
		"Try a simpler workflow",
	},
	CategoryGeneric: {
		"Retry the request",
		"Check the server console for errors",
		"Try a simpler workflow",
	},
}

// Classify picks the category err belongs to.
func Classify(err error) Category {
	var execErr *tracker.ExecutionError
	switch {
	case errors.Is(err, comfy.ErrConnectionTimeout),
		errors.Is(err, channel.ErrConnectionTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return CategoryTimeout
	case errors.Is(err, comfy.ErrConnectivity):
		return CategoryConnectivity
	case errors.Is(err, channel.ErrChannel):
		return CategoryChannel
	case errors.As(err, &execErr), errors.Is(err, tracker.ErrExecution):
		return CategoryExecution
	default:
		return CategoryGeneric
	}
}

// Explain builds the report for err under title. The message is the
// error text as-is.
func Explain(title string, err error) Report {
	if err == nil {
		return Report{Title: title}
	}
	cat := Classify(err)
	msg := err.Error()

	var execErr *tracker.ExecutionError
	if errors.As(err, &execErr) {
		msg = execErr.Message
	}

	return Report{
		Title:    title,
		Message:  msg,
		Category: cat,
		Hints:    append([]string(nil), hints[cat]...),
	}
}
