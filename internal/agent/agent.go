// Package agent runs the external coding agent against a task workspace,
// either through the local CLI or a remote hosted session, and surfaces
// its activity as a uniform event stream.
package agent

import (
	"context"
	"time"
)

// EventKind identifies a single event in an agent run.
type EventKind string

const (
	EventTurnStarted   EventKind = "turn_started"
	EventToolUse       EventKind = "tool_use"
	EventToolResult    EventKind = "tool_result"
	EventAssistantText EventKind = "assistant_text"
	EventCompleted     EventKind = "completed"
)

// Event is one observation from a running agent. Only the fields relevant
// to the Kind are populated.
type Event struct {
	Kind EventKind

	// Tool and Input are set for EventToolUse.
	Tool  string
	Input map[string]any

	// Text is set for EventAssistantText.
	Text string

	// Duration is set for EventCompleted.
	Duration time.Duration
}

// Request describes one agent run.
type Request struct {
	Prompt       string
	WorkDir      string
	AllowedTools []string
	MaxTurns     int
}

// Result is the terminal summary of an agent run.
type Result struct {
	// Text is the agent's final natural-language response.
	Text string

	// Turns is the number of turns the run consumed.
	Turns int

	Duration time.Duration
}

// Client executes an agent run, invoking onEvent for each observed event
// before returning the terminal result. Cancellation of ctx aborts the
// in-flight run.
type Client interface {
	Execute(ctx context.Context, req Request, onEvent func(Event)) (*Result, error)
}
