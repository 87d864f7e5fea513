// Package events carries per-session progress events from the orchestrator to
// observers (terminal, watch server, message bus, logs).
//
// Each session owns one bounded Bus. Progress events never block: when the
// buffer is full they are dropped and counted. Terminal events (finish, error)
// go into reserved headroom and, once that is used up, wait a bounded time for
// room. Delivery is at-most-once and ordered within a bus.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Type names an event.
type Type string

const (
	TextDelta      Type = "text-delta"
	ReasoningDelta Type = "reasoning-delta"
	ToolStart      Type = "tool-start"
	ToolComplete   Type = "tool-complete"
	Finish         Type = "finish"
	Error          Type = "error"

	StepStart  Type = "step-start"
	Paused     Type = "paused"
	Resumed    Type = "resumed"
	Compaction Type = "compaction"
	Subagent   Type = "subagent"
)

// Event is one observable occurrence in a session.
type Event struct {
	Type      Type                   `json:"type"`
	SessionID string                 `json:"session_id"`
	Seq       int64                  `json:"seq"`
	Time      time.Time              `json:"time"`
	Step      int                    `json:"step,omitempty"`
	Text      string                 `json:"text,omitempty"`
	Tool      string                 `json:"tool,omitempty"`
	CallID    string                 `json:"call_id,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Emitter accepts events. Emit reports whether the event was queued.
type Emitter interface {
	Emit(e Event) bool
}

// Discard is an Emitter that drops everything.
var Discard Emitter = discard{}

type discard struct{}

func (discard) Emit(Event) bool { return false }

// Bus is a bounded, single-producer event channel for one session.
type Bus struct {
	sessionID    string
	ch           chan Event
	size         int
	terminalWait time.Duration

	mu     sync.Mutex
	closed bool
	seq    int64

	dropped atomic.Int64
}

const (
	// DefaultBuffer is used when NewBus gets a non-positive size.
	DefaultBuffer = 256

	// terminalReserve slots are kept free of progress events.
	terminalReserve = 16
	// DefaultTerminalWait bounds how long a terminal event waits for room.
	DefaultTerminalWait = 5 * time.Second
)

// NewBus creates a bus for sessionID.
func NewBus(sessionID string, size int) *Bus {
	if size <= 0 {
		size = DefaultBuffer
	}
	return &Bus{
		sessionID:    sessionID,
		ch:           make(chan Event, size+terminalReserve),
		size:         size,
		terminalWait: DefaultTerminalWait,
	}
}

// Terminal reports whether t ends a session's event stream.
func Terminal(t Type) bool { return t == Finish || t == Error }

// SessionID returns the owning session id.
func (b *Bus) SessionID() string { return b.sessionID }

// Emit stamps and queues e. Only terminal events may wait, and only once the
// reserve is full. Events for other sessions (from nested subagents) keep
// their own SessionID.
func (b *Bus) Emit(e Event) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	if e.SessionID == "" {
		e.SessionID = b.sessionID
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	b.seq++
	e.Seq = b.seq

	terminal := Terminal(e.Type)
	if terminal || len(b.ch) < b.size {
		select {
		case b.ch <- e:
			return true
		default:
		}
	}
	if terminal {
		timer := time.NewTimer(b.terminalWait)
		defer timer.Stop()
		select {
		case b.ch <- e:
			return true
		case <-timer.C:
		}
	}
	b.dropped.Add(1)
	return false
}

// Events returns the receive side. It is closed by Close.
func (b *Bus) Events() <-chan Event { return b.ch }

// Dropped returns how many events were discarded because the buffer was full.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Close stops the bus. Safe to call more than once.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.ch)
}

// Tagged wraps an emitter and adds fixed data keys to every event.
func Tagged(next Emitter, tags map[string]interface{}) Emitter {
	return tagged{next: next, tags: tags}
}

type tagged struct {
	next Emitter
	tags map[string]interface{}
}

func (t tagged) Emit(e Event) bool {
	data := make(map[string]interface{}, len(e.Data)+len(t.tags))
	for k, v := range e.Data {
		data[k] = v
	}
	for k, v := range t.tags {
		if _, ok := data[k]; !ok {
			data[k] = v
		}
	}
	e.Data = data
	return t.next.Emit(e)
}

// ForSession wraps an emitter so events without a session id are attributed
// to sessionID. Nested sessions use it to share their parent's bus.
func ForSession(next Emitter, sessionID string) Emitter {
	return scoped{next: next, sessionID: sessionID}
}

type scoped struct {
	next      Emitter
	sessionID string
}

func (s scoped) Emit(e Event) bool {
	if e.SessionID == "" {
		e.SessionID = s.sessionID
	}
	return s.next.Emit(e)
}
