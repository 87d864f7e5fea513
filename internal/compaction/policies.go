package compaction

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/vinayprograms/agentkit/llm"

	"github.com/vinayprograms/agentcore/internal/session"
)

// Prune replaces the oldest tool outputs with a placeholder until the
// transcript is back under the threshold.
type Prune struct {
	PurgeSpill bool // also delete spilled full outputs of pruned results
}

// Name implements Policy.
func (p *Prune) Name() string { return "prune" }

// Apply implements Policy.
func (p *Prune) Apply(ctx context.Context, msgs []session.Message, span Span, m *Manager) ([]session.Message, SeqRange, error) {
	out := append([]session.Message(nil), msgs...)
	total := m.Estimate(out)
	var rng SeqRange

	for i := span.Start; i < span.End && total > m.threshold; i++ {
		if err := ctx.Err(); err != nil {
			return nil, SeqRange{}, err
		}
		msg := out[i]
		if msg.Role != session.RoleTool || msg.Result == nil || pruned(msg.Result) {
			continue
		}
		before := m.EstimateMessage(&msg)

		res := *msg.Result
		res.Metadata = copyMeta(msg.Result.Metadata)
		res.Metadata["pruned"] = true
		res.Metadata["pruned_bytes"] = len(msg.Result.Output)
		res.Output = fmt.Sprintf("[output pruned to save context: %d bytes]", len(msg.Result.Output))
		if p.PurgeSpill {
			if path, ok := res.Metadata["spill_path"].(string); ok && path != "" {
				if err := os.Remove(path); err == nil || os.IsNotExist(err) {
					delete(res.Metadata, "spill_path")
				}
			}
		}
		msg.Result = &res
		out[i] = msg

		total -= before - m.EstimateMessage(&msg)
		if rng.Count == 0 {
			rng.From = msg.Seq
		}
		rng.To = msg.Seq
		rng.Count++
	}
	return out, rng, nil
}

func pruned(r *session.ToolResult) bool {
	v, _ := r.Metadata["pruned"].(bool)
	return v
}

func copyMeta(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in)+2)
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Summarizer condenses a run of messages into text.
type Summarizer interface {
	Summarize(ctx context.Context, msgs []session.Message) (string, error)
}

// Summarize replaces everything between the leading context and the
// protected tail with a single summary message.
type Summarize struct {
	Summarizer Summarizer
}

// Name implements Policy.
func (s *Summarize) Name() string { return "summarize" }

// Apply implements Policy.
func (s *Summarize) Apply(ctx context.Context, msgs []session.Message, span Span, m *Manager) ([]session.Message, SeqRange, error) {
	run := msgs[span.Start:span.End]
	if len(run) < 2 {
		return msgs, SeqRange{}, nil
	}
	summary, err := s.Summarizer.Summarize(ctx, run)
	if err != nil {
		return nil, SeqRange{}, err
	}
	if strings.TrimSpace(summary) == "" {
		return nil, SeqRange{}, fmt.Errorf("summarizer returned an empty summary")
	}

	out := make([]session.Message, 0, len(msgs)-len(run)+1)
	out = append(out, msgs[:span.Start]...)
	out = append(out, session.Message{
		Seq:       run[0].Seq,
		Role:      session.RoleUser,
		Content:   "Summary of the earlier conversation:\n\n" + summary,
		CreatedAt: run[len(run)-1].CreatedAt,
		Synthetic: true,
	})
	out = append(out, msgs[span.End:]...)

	return out, SeqRange{From: run[0].Seq, To: run[len(run)-1].Seq, Count: len(run)}, nil
}

// LLMSummarizer asks an auxiliary model for the summary.
type LLMSummarizer struct {
	Provider  llm.Provider
	MaxOutput int // characters of each tool output included in the prompt
}

const summaryPrompt = `Summarize the following agent conversation so the agent can continue the task.
Keep file paths, decisions, open problems and the current plan. Be concise.

`

// Summarize implements Summarizer.
func (s *LLMSummarizer) Summarize(ctx context.Context, msgs []session.Message) (string, error) {
	limit := s.MaxOutput
	if limit <= 0 {
		limit = 2000
	}
	var b strings.Builder
	b.WriteString(summaryPrompt)
	for _, msg := range msgs {
		fmt.Fprintf(&b, "[%s] ", msg.Role)
		switch {
		case msg.Result != nil:
			out := msg.Result.Output
			if len(out) > limit {
				out = out[:limit] + "..."
			}
			fmt.Fprintf(&b, "%s result: %s\n", msg.Result.Tool, out)
		default:
			b.WriteString(msg.Content)
			for _, tc := range msg.ToolCalls {
				fmt.Fprintf(&b, " (calls %s %v)", tc.Name, tc.Args)
			}
			b.WriteString("\n")
		}
	}

	resp, err := s.Provider.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{{Role: "user", Content: b.String()}},
	})
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	return resp.Content, nil
}
