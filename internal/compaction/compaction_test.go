package compaction

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vinayprograms/agentkit/llm"

	"github.com/vinayprograms/agentcore/internal/agenterr"
	"github.com/vinayprograms/agentcore/internal/session"
)

// transcript builds system + user + n read/result pairs with outputs of size bytes.
func transcript(n, size int) []session.Message {
	msgs := []session.Message{
		{Seq: 1, Role: session.RoleSystem, Content: "you are a coding agent"},
		{Seq: 2, Role: session.RoleUser, Content: "fix the build"},
	}
	seq := 3
	for i := 0; i < n; i++ {
		id := "call" + string(rune('a'+i))
		msgs = append(msgs,
			session.Message{Seq: seq, Role: session.RoleAssistant, ToolCalls: []session.ToolCall{
				{ID: id, Name: "read", Args: map[string]interface{}{"path": "main.go"}, MessageSeq: seq},
			}},
			session.Message{Seq: seq + 1, Role: session.RoleTool, Result: &session.ToolResult{
				CallID: id, Tool: "read", Output: strings.Repeat("x", size),
			}},
		)
		seq += 2
	}
	return msgs
}

func TestCheck_UnderThresholdIsNoop(t *testing.T) {
	m := New(Config{Threshold: 100000, ProtectedTail: 2})
	msgs := transcript(3, 100)

	res, err := m.Check(context.Background(), msgs)
	require.NoError(t, err)
	assert.Nil(t, res.Event)
	assert.Equal(t, msgs, res.Messages)
}

func TestCheck_DisabledThreshold(t *testing.T) {
	m := New(Config{Threshold: 0})
	res, err := m.Check(context.Background(), transcript(5, 40000))
	require.NoError(t, err)
	assert.Nil(t, res.Event)
}

func TestPrune_OldestFirstAndProtectedTail(t *testing.T) {
	m := New(Config{Threshold: 1500, ProtectedTail: 2})
	msgs := transcript(3, 4000)
	require.Greater(t, m.Estimate(msgs), 3000)

	res, err := m.Check(context.Background(), msgs)
	require.NoError(t, err)
	require.NotNil(t, res.Event)

	assert.Equal(t, "prune", res.Event.Policy)
	assert.Equal(t, 4, res.Event.FromSeq)
	assert.Equal(t, 6, res.Event.ToSeq)
	assert.Equal(t, 2, res.Event.Messages)
	assert.Less(t, res.Event.TokensAfter, res.Event.TokensBefore)
	assert.LessOrEqual(t, res.Event.TokensAfter, 1500)

	out := res.Messages
	require.Len(t, out, len(msgs))
	assert.Contains(t, out[3].Result.Output, "[output pruned")
	assert.Equal(t, true, out[3].Result.Metadata["pruned"])
	assert.Equal(t, 4000, out[3].Result.Metadata["pruned_bytes"])
	assert.Contains(t, out[5].Result.Output, "[output pruned")

	// tail untouched
	assert.Len(t, out[7].Result.Output, 4000)
	// input not mutated
	assert.Len(t, msgs[3].Result.Output, 4000)
	assert.Nil(t, msgs[3].Result.Metadata)
}

func TestPrune_Idempotent(t *testing.T) {
	m := New(Config{Threshold: 500, ProtectedTail: 2})
	msgs := transcript(3, 4000)

	first, err := m.Check(context.Background(), msgs)
	require.NoError(t, err)
	require.NotNil(t, first.Event)

	// still over threshold because of the protected tail, but nothing left to prune
	require.Greater(t, m.Estimate(first.Messages), 500)
	second, err := m.Check(context.Background(), first.Messages)
	require.NoError(t, err)
	assert.Nil(t, second.Event)
	assert.Equal(t, first.Messages, second.Messages)
}

func TestPrune_PurgeSpill(t *testing.T) {
	dir := t.TempDir()
	spill := filepath.Join(dir, "calla.txt")
	require.NoError(t, os.WriteFile(spill, []byte("full output"), 0o644))

	msgs := transcript(2, 4000)
	msgs[3].Result.Metadata = map[string]interface{}{"spill_path": spill}

	m := New(Config{Threshold: 1000, ProtectedTail: 2, Policy: &Prune{PurgeSpill: true}})
	res, err := m.Check(context.Background(), msgs)
	require.NoError(t, err)
	require.NotNil(t, res.Event)

	_, statErr := os.Stat(spill)
	assert.True(t, os.IsNotExist(statErr))
	assert.NotContains(t, res.Messages[3].Result.Metadata, "spill_path")
	assert.Equal(t, spill, msgs[3].Result.Metadata["spill_path"])
}

func TestTailStart_NeverSplitsToolPair(t *testing.T) {
	msgs := transcript(3, 10)

	m := New(Config{ProtectedTail: 1})
	idx := m.tailStart(msgs)
	assert.Equal(t, session.RoleAssistant, msgs[idx].Role)
	assert.Equal(t, len(msgs)-2, idx)

	m = New(Config{ProtectedTail: 100})
	assert.Equal(t, 0, m.tailStart(msgs))
}

func TestTailStart_ProtectsUnansweredCalls(t *testing.T) {
	msgs := transcript(2, 10)
	msgs = append(msgs,
		session.Message{Seq: 7, Role: session.RoleAssistant, ToolCalls: []session.ToolCall{
			{ID: "p1", Name: "read", MessageSeq: 7},
			{ID: "p2", Name: "read", MessageSeq: 7},
		}},
		session.Message{Seq: 8, Role: session.RoleTool, Result: &session.ToolResult{CallID: "p1", Tool: "read", Output: "ok"}},
		session.Message{Seq: 9, Role: session.RoleUser, Content: "keep going", Synthetic: true},
	)

	m := New(Config{ProtectedTail: 1})
	assert.Equal(t, 6, m.tailStart(msgs))

	// once every call is answered only the tail length applies
	msgs = append(msgs[:8],
		session.Message{Seq: 9, Role: session.RoleTool, Result: &session.ToolResult{CallID: "p2", Tool: "read"}},
		session.Message{Seq: 10, Role: session.RoleUser, Content: "keep going", Synthetic: true},
	)
	assert.Equal(t, 9, m.tailStart(msgs))
}

func TestSummarize_ZeroTailKeepsPendingCalls(t *testing.T) {
	provider := llm.NewMockProvider()
	provider.ChatFunc = func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
		return &llm.ChatResponse{Content: "earlier reads"}, nil
	}
	m := New(Config{
		Threshold:     1500,
		ProtectedTail: 0,
		Policy:        &Summarize{Summarizer: &LLMSummarizer{Provider: provider}},
	})
	msgs := append(transcript(3, 4000), session.Message{Seq: 9, Role: session.RoleAssistant, ToolCalls: []session.ToolCall{
		{ID: "next", Name: "read", MessageSeq: 9},
	}})

	res, err := m.Check(context.Background(), msgs)
	require.NoError(t, err)
	require.NotNil(t, res.Event)
	assert.Equal(t, 8, res.Event.ToSeq)

	last := res.Messages[len(res.Messages)-1]
	assert.Equal(t, 9, last.Seq)
	require.Len(t, last.ToolCalls, 1)
	assert.Equal(t, "next", last.ToolCalls[0].ID)
}

func TestLeadingContext(t *testing.T) {
	msgs := transcript(1, 10)
	assert.Equal(t, 2, leadingContext(msgs))
	assert.Equal(t, 0, leadingContext(nil))
	assert.Equal(t, 1, leadingContext(msgs[1:]))
}

func TestSummarize_WithProvider(t *testing.T) {
	provider := llm.NewMockProvider()
	var prompt string
	provider.ChatFunc = func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
		prompt = req.Messages[0].Content
		return &llm.ChatResponse{Content: "read main.go twice, build still broken"}, nil
	}

	m := New(Config{
		Threshold:     1500,
		ProtectedTail: 2,
		Policy:        &Summarize{Summarizer: &LLMSummarizer{Provider: provider, MaxOutput: 50}},
	})
	msgs := transcript(3, 4000)

	res, err := m.Check(context.Background(), msgs)
	require.NoError(t, err)
	require.NotNil(t, res.Event)
	assert.Equal(t, "summarize", res.Event.Policy)
	assert.Equal(t, 3, res.Event.FromSeq)
	assert.Equal(t, 6, res.Event.ToSeq)
	assert.Equal(t, 4, res.Event.Messages)

	out := res.Messages
	require.Len(t, out, 5)
	assert.Equal(t, "fix the build", out[1].Content)
	assert.True(t, out[2].Synthetic)
	assert.Equal(t, 3, out[2].Seq)
	assert.Contains(t, out[2].Content, "build still broken")
	assert.Equal(t, 7, out[3].Seq)
	assert.Equal(t, 8, out[4].Seq)

	assert.Contains(t, prompt, "read result: ")
	assert.NotContains(t, prompt, strings.Repeat("x", 51))

	// second pass has nothing to fold
	again, err := m.Check(context.Background(), out)
	require.NoError(t, err)
	assert.Nil(t, again.Event)
}

type failingSummarizer struct{}

func (failingSummarizer) Summarize(context.Context, []session.Message) (string, error) {
	return "", errors.New("model unavailable")
}

func TestSummarize_FailureKeepsTranscript(t *testing.T) {
	m := New(Config{Threshold: 1500, ProtectedTail: 2, Policy: &Summarize{Summarizer: failingSummarizer{}}})
	msgs := transcript(3, 4000)

	res, err := m.Check(context.Background(), msgs)
	require.Error(t, err)
	assert.True(t, errors.Is(err, agenterr.ErrCompaction))
	assert.Equal(t, msgs, res.Messages)
	assert.Nil(t, res.Event)
}

func TestForPolicy(t *testing.T) {
	p, err := ForPolicy("", nil, false)
	require.NoError(t, err)
	assert.Equal(t, "prune", p.Name())

	_, err = ForPolicy("summarize", nil, false)
	assert.Error(t, err)

	p, err = ForPolicy("summarize", failingSummarizer{}, false)
	require.NoError(t, err)
	assert.Equal(t, "summarize", p.Name())

	_, err = ForPolicy("truncate", nil, false)
	assert.Error(t, err)
}
