package llmstream

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/vinayprograms/agentkit/llm"
	"github.com/vinayprograms/agentkit/logging"

	"github.com/vinayprograms/agentcore/internal/agenterr"
	"github.com/vinayprograms/agentcore/internal/session"
)

// ProviderStreamer adapts an agentkit provider. The provider answers a whole
// turn at once; the adapter replays it as deltas so callers handle streaming
// and non-streaming providers the same way.
type ProviderStreamer struct {
	provider   llm.Provider
	maxRetries int
	maxBackoff time.Duration
	logger     *logging.Logger
}

// Option configures a ProviderStreamer.
type Option func(*ProviderStreamer)

// WithRetries sets how many times a failed turn is retried and the cap on the
// wait between attempts.
func WithRetries(n int, maxBackoff time.Duration) Option {
	return func(p *ProviderStreamer) {
		p.maxRetries = n
		p.maxBackoff = maxBackoff
	}
}

// NewProviderStreamer wraps provider.
func NewProviderStreamer(provider llm.Provider, opts ...Option) *ProviderStreamer {
	p := &ProviderStreamer{
		provider:   provider,
		maxRetries: 3,
		maxBackoff: 30 * time.Second,
		logger:     logging.New().WithComponent("llmstream"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Stream implements Streamer.
func (p *ProviderStreamer) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	chatReq := llm.ChatRequest{
		Messages: ToLLMMessages(req.System, req.Messages),
		Tools:    req.Tools,
	}
	out := make(chan Event, 16)
	go func() {
		defer close(out)
		start := time.Now()
		resp, err := p.chat(ctx, chatReq)
		if err != nil {
			send(ctx, out, Event{Type: Error, Err: agenterr.Wrap(agenterr.KindLLMStream, "llm.chat", err)})
			return
		}
		latency := time.Since(start)

		if resp.Thinking != "" && !send(ctx, out, Event{Type: ReasoningDelta, Text: resp.Thinking}) {
			return
		}
		if resp.Content != "" && !send(ctx, out, Event{Type: TextDelta, Text: resp.Content}) {
			return
		}
		for _, tc := range resp.ToolCalls {
			id := tc.ID
			if id == "" {
				id = "call_" + uuid.NewString()
			}
			call := &session.ToolCall{ID: id, Name: tc.Name, Args: tc.Args}
			if !send(ctx, out, Event{Type: ToolCall, Call: call}) {
				return
			}
		}
		if !send(ctx, out, Event{
			Type:         Usage,
			InputTokens:  resp.InputTokens,
			OutputTokens: resp.OutputTokens,
			Model:        resp.Model,
			Latency:      latency,
		}) {
			return
		}
		send(ctx, out, Event{Type: Finish, FinishReason: finishReason(resp)})
	}()
	return out, nil
}

func (p *ProviderStreamer) chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	b := backoff.NewExponentialBackOff()
	if p.maxBackoff > 0 {
		b.MaxInterval = p.maxBackoff
		if b.InitialInterval > p.maxBackoff {
			b.InitialInterval = p.maxBackoff
		}
	}
	attempt := 0
	return backoff.Retry(ctx, func() (*llm.ChatResponse, error) {
		attempt++
		resp, err := p.provider.Chat(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			p.logger.Warn("model call failed", map[string]interface{}{
				"attempt": attempt,
				"error":   err.Error(),
			})
			return nil, err
		}
		if resp == nil {
			return nil, backoff.Permanent(fmt.Errorf("provider returned no response"))
		}
		return resp, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(p.maxRetries+1)))
}

func finishReason(resp *llm.ChatResponse) string {
	if len(resp.ToolCalls) > 0 {
		return FinishToolCalls
	}
	switch strings.ToLower(resp.StopReason) {
	case "max_tokens", "length":
		return FinishLength
	}
	return FinishStop
}

func send(ctx context.Context, out chan<- Event, e Event) bool {
	select {
	case out <- e:
		return true
	case <-ctx.Done():
		return false
	}
}

// ToLLMMessages converts a session transcript to provider messages.
func ToLLMMessages(system string, msgs []session.Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs)+1)
	if system != "" {
		out = append(out, llm.Message{Role: "system", Content: system})
	}
	for _, m := range msgs {
		switch {
		case m.Role == session.RoleTool && m.Result != nil:
			out = append(out, llm.Message{
				Role:       "tool",
				Content:    m.Result.Output,
				ToolCallID: m.Result.CallID,
			})
		case m.Role == session.RoleAssistant:
			msg := llm.Message{Role: "assistant", Content: m.Content}
			for _, tc := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, llm.ToolCallResponse{ID: tc.ID, Name: tc.Name, Args: tc.Args})
			}
			out = append(out, msg)
		default:
			out = append(out, llm.Message{Role: m.Role, Content: m.Content})
		}
	}
	return out
}
