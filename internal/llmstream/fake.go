package llmstream

import (
	"context"
	"sync"

	"github.com/vinayprograms/agentcore/internal/session"
)

// Fake replays scripted turns. Each Stream call consumes the next script;
// when the scripts run out it finishes with FinishStop. Intended for tests.
type Fake struct {
	mu       sync.Mutex
	scripts  [][]Event
	requests []Request
	// OnStream, if set, runs at the start of every Stream call with the
	// 1-based turn number.
	OnStream func(turn int)
}

// NewFake creates a fake with one script per turn.
func NewFake(scripts ...[]Event) *Fake {
	return &Fake{scripts: scripts}
}

// Requests returns the requests received so far.
func (f *Fake) Requests() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Request(nil), f.requests...)
}

// Stream implements Streamer.
func (f *Fake) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	turn := len(f.requests)
	var script []Event
	if len(f.scripts) > 0 {
		script = f.scripts[0]
		f.scripts = f.scripts[1:]
	} else {
		script = []Event{{Type: Finish, FinishReason: FinishStop}}
	}
	hook := f.OnStream
	f.mu.Unlock()

	if hook != nil {
		hook(turn)
	}
	out := make(chan Event, len(script))
	for _, e := range script {
		out <- e
	}
	close(out)
	return out, nil
}

// Text scripts a turn that answers with text and stops.
func Text(s string) []Event {
	return []Event{{Type: TextDelta, Text: s}, {Type: Finish, FinishReason: FinishStop}}
}

// Call builds a tool-call event.
func Call(id, name string, args map[string]interface{}) Event {
	return Event{Type: ToolCall, Call: &session.ToolCall{ID: id, Name: name, Args: args}}
}

// Calls scripts a turn that requests tool calls.
func Calls(calls ...Event) []Event {
	return append(calls, Event{Type: Finish, FinishReason: FinishToolCalls})
}
