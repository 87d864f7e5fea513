package orchestrator

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/vinayprograms/agentcore/internal/agenterr"
	"github.com/vinayprograms/agentcore/internal/events"
	"github.com/vinayprograms/agentcore/internal/llmstream"
	"github.com/vinayprograms/agentcore/internal/session"
)

// turn is one model turn buffered in memory until the post-turn poll.
type turn struct {
	text      string
	reasoning string
	calls     []session.ToolCall
	finish    string
}

// stream runs one model turn, relaying deltas to the event surface and
// buffering tool calls. An interrupt abandons the stream.
func (o *Orchestrator) stream(ctx context.Context) (*turn, error) {
	o.setState(StateStreaming)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, err := o.cfg.Streamer.Stream(ctx, llmstream.Request{
		System:   o.cfg.System,
		Messages: o.transcript,
		Tools:    o.cfg.Pipeline.Definitions(),
	})
	if err != nil {
		return nil, agenterr.Wrap(agenterr.KindLLMStream, "orchestrator.stream", err)
	}

	var text, reasoning strings.Builder
	t := &turn{}
	for {
		var ev llmstream.Event
		var ok bool
		select {
		case ev, ok = <-ch:
		case <-o.cfg.Control.Done():
			return nil, agenterr.New(agenterr.KindInterrupted, "orchestrator.stream", "interrupted mid-stream")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if !ok {
			return nil, agenterr.New(agenterr.KindLLMStream, "orchestrator.stream", "stream ended without a finish event")
		}

		switch ev.Type {
		case llmstream.ReasoningDelta:
			reasoning.WriteString(ev.Text)
			o.cfg.Events.Emit(events.Event{Type: events.ReasoningDelta, Step: o.step, Text: ev.Text})
		case llmstream.TextDelta:
			text.WriteString(ev.Text)
			o.cfg.Events.Emit(events.Event{Type: events.TextDelta, Step: o.step, Text: ev.Text})
		case llmstream.ToolCall:
			if ev.Call != nil {
				call := *ev.Call
				if call.ID == "" {
					call.ID = "call_" + uuid.NewString()
				}
				t.calls = append(t.calls, call)
			}
		case llmstream.Usage:
			o.cfg.Metrics.AddLLM(ev.InputTokens, ev.OutputTokens, ev.Latency)
		case llmstream.Error:
			err := ev.Err
			if agenterr.KindOf(err) == "" {
				err = agenterr.Wrap(agenterr.KindLLMStream, "orchestrator.stream", err)
			}
			return nil, err
		case llmstream.Finish:
			t.text = text.String()
			t.reasoning = reasoning.String()
			t.finish = ev.FinishReason
			if len(t.calls) > 0 {
				t.finish = llmstream.FinishToolCalls
			}
			return t, nil
		}
	}
}
