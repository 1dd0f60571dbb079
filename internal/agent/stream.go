package agent

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// maxStreamLine bounds a single stream-json line. Tool inputs can carry
// whole file bodies.
const maxStreamLine = 10 * 1024 * 1024

// streamLine is one line of the agent's stream-json output. The same
// framing is used by the local CLI and the hosted-session backend.
type streamLine struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	Message struct {
		Content []contentBlock `json:"content"`
	} `json:"message"`

	// Terminal "result" line fields.
	IsError    bool   `json:"is_error,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	NumTurns   int    `json:"num_turns,omitempty"`
	Result     string `json:"result,omitempty"`
}

type contentBlock struct {
	Type  string         `json:"type"`
	Text  string         `json:"text,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`
}

// decodeStream consumes newline-delimited stream-json from r, emitting
// events until the terminal result line. Unknown line types are skipped so
// protocol additions do not break older readers.
func decodeStream(r io.Reader, onEvent func(Event)) (*Result, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxStreamLine)

	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var line streamLine
		if err := json.Unmarshal(raw, &line); err != nil {
			// Startup noise or partial writes; skip rather than abort.
			continue
		}

		switch line.Type {
		case "assistant":
			emit(onEvent, Event{Kind: EventTurnStarted})
			for _, block := range line.Message.Content {
				switch block.Type {
				case "text":
					emit(onEvent, Event{Kind: EventAssistantText, Text: block.Text})
				case "tool_use":
					emit(onEvent, Event{Kind: EventToolUse, Tool: block.Name, Input: block.Input})
				}
			}
		case "user":
			for _, block := range line.Message.Content {
				if block.Type == "tool_result" {
					emit(onEvent, Event{Kind: EventToolResult})
				}
			}
		case "result":
			result := &Result{
				Text:     line.Result,
				Turns:    line.NumTurns,
				Duration: time.Duration(line.DurationMS) * time.Millisecond,
			}
			emit(onEvent, Event{Kind: EventCompleted, Duration: result.Duration})
			if line.IsError {
				return result, fmt.Errorf("agent run failed: %s", line.Result)
			}
			return result, nil
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("agent stream read failed: %w", err)
	}
	return nil, fmt.Errorf("agent stream ended without a result")
}

func emit(onEvent func(Event), ev Event) {
	if onEvent != nil {
		onEvent(ev)
	}
}
