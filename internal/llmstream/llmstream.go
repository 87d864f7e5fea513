// Package llmstream turns one model turn into a finite sequence of events:
// reasoning and text deltas, tool calls, usage, then finish or error.
package llmstream

import (
	"context"
	"time"

	"github.com/vinayprograms/agentkit/llm"

	"github.com/vinayprograms/agentcore/internal/session"
)

// EventType names a stream event.
type EventType string

const (
	ReasoningDelta EventType = "reasoning-delta"
	TextDelta      EventType = "text-delta"
	ToolCall       EventType = "tool-call"
	Usage          EventType = "usage"
	Finish         EventType = "finish"
	Error          EventType = "error"
)

// Finish reasons.
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool-calls"
	FinishLength    = "length"
)

// Event is one element of a turn. A stream ends with exactly one Finish or
// Error event and is then closed.
type Event struct {
	Type EventType
	Text string
	Call *session.ToolCall

	InputTokens  int
	OutputTokens int
	Model        string
	Latency      time.Duration

	FinishReason string
	Err          error
}

// Request is the input to one turn.
type Request struct {
	System   string
	Messages []session.Message
	Tools    []llm.ToolDef
}

// Streamer produces the events of one model turn. The returned channel is not
// restartable; a retry is a new call.
type Streamer interface {
	Stream(ctx context.Context, req Request) (<-chan Event, error)
}

// Terminal reports whether a finish reason ends the agent's work, as opposed
// to asking for tool execution or being cut off.
func Terminal(reason string) bool {
	switch reason {
	case FinishToolCalls, FinishLength:
		return false
	}
	return true
}
