package llmstream

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vinayprograms/agentkit/llm"

	"github.com/vinayprograms/agentcore/internal/agenterr"
	"github.com/vinayprograms/agentcore/internal/session"
)

func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, e)
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}
}

func types(evs []Event) []EventType {
	var out []EventType
	for _, e := range evs {
		out = append(out, e.Type)
	}
	return out
}

func TestProviderStreamer_TextTurn(t *testing.T) {
	provider := llm.NewMockProvider()
	provider.ChatFunc = func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
		return &llm.ChatResponse{
			Content:      "done",
			Thinking:     "hmm",
			Model:        "mock",
			InputTokens:  12,
			OutputTokens: 3,
		}, nil
	}

	s := NewProviderStreamer(provider)
	ch, err := s.Stream(context.Background(), Request{System: "sys", Messages: []session.Message{{Role: session.RoleUser, Content: "hi"}}})
	require.NoError(t, err)
	evs := collect(t, ch)

	assert.Equal(t, []EventType{ReasoningDelta, TextDelta, Usage, Finish}, types(evs))
	assert.Equal(t, "hmm", evs[0].Text)
	assert.Equal(t, "done", evs[1].Text)
	assert.Equal(t, 12, evs[2].InputTokens)
	assert.Equal(t, "mock", evs[2].Model)
	assert.Equal(t, FinishStop, evs[3].FinishReason)

	req := provider.LastRequest()
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "system", req.Messages[0].Role)
}

func TestProviderStreamer_ToolCalls(t *testing.T) {
	provider := llm.NewMockProvider()
	provider.ChatFunc = func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
		return &llm.ChatResponse{ToolCalls: []llm.ToolCallResponse{
			{ID: "tc1", Name: "read", Args: map[string]interface{}{"path": "a"}},
			{Name: "ls"},
		}}, nil
	}

	ch, err := NewProviderStreamer(provider).Stream(context.Background(), Request{})
	require.NoError(t, err)
	evs := collect(t, ch)

	assert.Equal(t, []EventType{ToolCall, ToolCall, Usage, Finish}, types(evs))
	assert.Equal(t, "tc1", evs[0].Call.ID)
	assert.Contains(t, evs[1].Call.ID, "call_", "missing ids are assigned")
	assert.Equal(t, FinishToolCalls, evs[3].FinishReason)
}

func TestProviderStreamer_LengthFinish(t *testing.T) {
	provider := llm.NewMockProvider()
	provider.ChatFunc = func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
		return &llm.ChatResponse{Content: "partial", StopReason: "max_tokens"}, nil
	}
	ch, err := NewProviderStreamer(provider).Stream(context.Background(), Request{})
	require.NoError(t, err)
	evs := collect(t, ch)
	assert.Equal(t, FinishLength, evs[len(evs)-1].FinishReason)
	assert.False(t, Terminal(FinishLength))
	assert.True(t, Terminal(FinishStop))
}

func TestProviderStreamer_RetryThenSuccess(t *testing.T) {
	var calls int32
	provider := llm.NewMockProvider()
	provider.ChatFunc = func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, errors.New("overloaded")
		}
		return &llm.ChatResponse{Content: "ok"}, nil
	}

	s := NewProviderStreamer(provider, WithRetries(2, time.Millisecond))
	ch, err := s.Stream(context.Background(), Request{})
	require.NoError(t, err)
	evs := collect(t, ch)

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, Finish, evs[len(evs)-1].Type)
}

func TestProviderStreamer_RetriesExhausted(t *testing.T) {
	var calls int32
	provider := llm.NewMockProvider()
	provider.ChatFunc = func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("rate limit exceeded")
	}

	s := NewProviderStreamer(provider, WithRetries(1, time.Millisecond))
	ch, err := s.Stream(context.Background(), Request{})
	require.NoError(t, err)
	evs := collect(t, ch)

	require.Len(t, evs, 1)
	assert.Equal(t, Error, evs[0].Type)
	assert.True(t, errors.Is(evs[0].Err, agenterr.ErrLLMStream))
	assert.ErrorContains(t, evs[0].Err, "rate limit")
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestProviderStreamer_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	provider := llm.NewMockProvider()
	provider.ChatFunc = func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
		cancel()
		return nil, ctx.Err()
	}
	ch, err := NewProviderStreamer(provider, WithRetries(5, time.Millisecond)).Stream(ctx, Request{})
	require.NoError(t, err)
	for range ch {
	}
}

func TestToLLMMessages(t *testing.T) {
	msgs := []session.Message{
		{Role: session.RoleUser, Content: "fix it"},
		{Role: session.RoleAssistant, Content: "looking", ToolCalls: []session.ToolCall{{ID: "c1", Name: "read", Args: map[string]interface{}{"path": "x"}}}},
		{Role: session.RoleTool, Result: &session.ToolResult{CallID: "c1", Tool: "read", Output: "contents"}},
	}
	out := ToLLMMessages("", msgs)
	require.Len(t, out, 3)
	assert.Equal(t, "user", out[0].Role)
	require.Len(t, out[1].ToolCalls, 1)
	assert.Equal(t, "c1", out[1].ToolCalls[0].ID)
	assert.Equal(t, "tool", out[2].Role)
	assert.Equal(t, "c1", out[2].ToolCallID)
	assert.Equal(t, "contents", out[2].Content)
}

func TestFake(t *testing.T) {
	var turns []int
	f := NewFake(Calls(Call("c1", "ls", nil)), Text("bye"))
	f.OnStream = func(turn int) { turns = append(turns, turn) }

	ch, _ := f.Stream(context.Background(), Request{System: "a"})
	evs := collect(t, ch)
	assert.Equal(t, []EventType{ToolCall, Finish}, types(evs))

	ch, _ = f.Stream(context.Background(), Request{})
	evs = collect(t, ch)
	assert.Equal(t, "bye", evs[0].Text)

	ch, _ = f.Stream(context.Background(), Request{})
	evs = collect(t, ch)
	assert.Equal(t, []EventType{Finish}, types(evs))

	assert.Equal(t, []int{1, 2, 3}, turns)
	assert.Len(t, f.Requests(), 3)
	assert.Equal(t, "a", f.Requests()[0].System)
}
