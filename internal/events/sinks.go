package events

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/vinayprograms/agentkit/logging"
)

// Sink consumes events delivered by Fanout.
type Sink interface {
	Handle(e Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(e Event) error

// Handle implements Sink.
func (f SinkFunc) Handle(e Event) error { return f(e) }

// Fanout delivers every event from bus to each sink in order until the bus is
// closed or ctx is done. Sink errors are logged and do not stop delivery.
func Fanout(ctx context.Context, bus *Bus, sinks ...Sink) {
	logger := logging.New().WithComponent("events")
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-bus.Events():
			if !ok {
				return
			}
			for _, s := range sinks {
				if err := s.Handle(e); err != nil {
					logger.Warn("event sink failed", map[string]interface{}{
						"type":  string(e.Type),
						"error": err.Error(),
					})
				}
			}
		}
	}
}

// JSONL appends events to a file, one JSON object per line.
type JSONL struct {
	mu sync.Mutex
	f  *os.File
	en *json.Encoder
}

// OpenJSONL opens (or creates) path for appending.
func OpenJSONL(path string) (*JSONL, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create event log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	return &JSONL{f: f, en: json.NewEncoder(f)}, nil
}

// Handle implements Sink.
func (j *JSONL) Handle(e Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.en.Encode(e)
}

// Close closes the underlying file.
func (j *JSONL) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}

// EventLogger is satisfied by telemetry exporters.
type EventLogger interface {
	LogEvent(name string, data map[string]interface{})
}

// TelemetrySink forwards lifecycle events to a telemetry exporter. Streaming
// deltas are skipped.
type TelemetrySink struct {
	Exporter EventLogger
}

// Handle implements Sink.
func (t TelemetrySink) Handle(e Event) error {
	switch e.Type {
	case TextDelta, ReasoningDelta:
		return nil
	}
	data := map[string]interface{}{"session": e.SessionID}
	if e.Tool != "" {
		data["tool"] = e.Tool
	}
	if e.Reason != "" {
		data["reason"] = e.Reason
	}
	if e.Error != "" {
		data["error"] = e.Error
	}
	for k, v := range e.Data {
		data[k] = v
	}
	t.Exporter.LogEvent(string(e.Type), data)
	return nil
}

// Hub broadcasts events to dynamic subscribers (e.g. websocket clients).
// A subscriber that falls behind misses events rather than slowing the hub.
type Hub struct {
	mu   sync.Mutex
	subs map[int]*subscriber
	next int
}

type subscriber struct {
	session string
	ch      chan Event
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]*subscriber)}
}

// Subscribe registers a subscriber for one session ("" for all sessions). The
// returned cancel func unregisters it and closes the channel.
func (h *Hub) Subscribe(sessionID string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	s := &subscriber{session: sessionID, ch: make(chan Event, buffer)}
	h.subs[id] = s

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(s.ch)
		})
	}
}

// Handle implements Sink.
func (h *Hub) Handle(e Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs {
		if s.session != "" && s.session != e.SessionID && e.Data["root"] != s.session {
			continue
		}
		select {
		case s.ch <- e:
		default:
		}
	}
	return nil
}
