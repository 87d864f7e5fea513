// Package compaction keeps the in-context transcript under a token budget.
//
// Compaction only rewrites the live view handed to the model. Persisted message
// files are never touched; the prune policy can optionally delete spill files
// of the outputs it prunes.
package compaction

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vinayprograms/agentkit/logging"

	"github.com/vinayprograms/agentcore/internal/agenterr"
	"github.com/vinayprograms/agentcore/internal/session"
	"github.com/vinayprograms/agentcore/internal/tokens"
)

// perMessageOverhead approximates role and framing tokens.
const perMessageOverhead = 4

// Span is the half-open index range [Start, End) of the transcript a policy may
// rewrite. Messages at or after End form the protected tail.
type Span struct {
	Start int
	End   int
}

// Policy rewrites part of a transcript.
type Policy interface {
	Name() string
	// Apply returns the new transcript and the sequence range it touched. A
	// zero range means nothing was compacted.
	Apply(ctx context.Context, msgs []session.Message, span Span, m *Manager) ([]session.Message, SeqRange, error)
}

// SeqRange is an inclusive range of message sequence numbers.
type SeqRange struct {
	From, To int
	Count    int
}

// Config configures a Manager.
type Config struct {
	Threshold     int // tokens; <= 0 disables compaction
	ProtectedTail int // at least 1
	Policy        Policy
	Estimator     tokens.Estimator
}

// Manager decides when to compact and applies the configured policy.
type Manager struct {
	threshold int
	tail      int
	policy    Policy
	est       tokens.Estimator
	logger    *logging.Logger
}

// New creates a manager.
func New(cfg Config) *Manager {
	est := cfg.Estimator
	if est == nil {
		est = tokens.Heuristic{}
	}
	policy := cfg.Policy
	if policy == nil {
		policy = &Prune{}
	}
	tail := cfg.ProtectedTail
	if tail < 1 {
		tail = 1
	}
	return &Manager{
		threshold: cfg.Threshold,
		tail:      tail,
		policy:    policy,
		est:       est,
		logger:    logging.New().WithComponent("compaction"),
	}
}

// Threshold returns the configured token threshold.
func (m *Manager) Threshold() int { return m.threshold }

// Estimate returns the token estimate for a whole transcript.
func (m *Manager) Estimate(msgs []session.Message) int {
	total := 0
	for i := range msgs {
		total += m.EstimateMessage(&msgs[i])
	}
	return total
}

// EstimateMessage returns the token estimate for one message.
func (m *Manager) EstimateMessage(msg *session.Message) int {
	n := perMessageOverhead + m.est.Estimate(msg.Content) + m.est.Estimate(msg.Reasoning)
	for _, tc := range msg.ToolCalls {
		args, _ := json.Marshal(tc.Args)
		n += m.est.Estimate(tc.Name) + m.est.Estimate(string(args))
	}
	if msg.Result != nil {
		n += m.est.Estimate(msg.Result.Title) + m.est.Estimate(msg.Result.Output)
	}
	return n
}

// Result is the outcome of a compaction check.
type Result struct {
	Messages []session.Message
	Event    *session.CompactionEvent // nil when nothing was compacted
}

// Check compacts msgs if they exceed the threshold. The input slice is never
// modified. Failures are returned as CompactionFailure with the original
// transcript, so callers can log and continue.
func (m *Manager) Check(ctx context.Context, msgs []session.Message) (Result, error) {
	if m.threshold <= 0 {
		return Result{Messages: msgs}, nil
	}
	before := m.Estimate(msgs)
	if before <= m.threshold {
		return Result{Messages: msgs}, nil
	}

	span := Span{Start: leadingContext(msgs), End: m.tailStart(msgs)}
	if span.End <= span.Start {
		return Result{Messages: msgs}, nil
	}

	out, rng, err := m.policy.Apply(ctx, msgs, span, m)
	if err != nil {
		return Result{Messages: msgs}, agenterr.Wrap(agenterr.KindCompaction, "compaction."+m.policy.Name(), err)
	}
	if rng.Count == 0 {
		return Result{Messages: msgs}, nil
	}

	after := m.Estimate(out)
	ev := &session.CompactionEvent{
		FromSeq:      rng.From,
		ToSeq:        rng.To,
		Policy:       m.policy.Name(),
		TokensBefore: before,
		TokensAfter:  after,
		Messages:     rng.Count,
		At:           time.Now().UTC(),
	}
	m.logger.Info("transcript compacted", map[string]interface{}{
		"policy":   ev.Policy,
		"from_seq": ev.FromSeq,
		"to_seq":   ev.ToSeq,
		"before":   before,
		"after":    after,
	})
	return Result{Messages: out, Event: ev}, nil
}

// tailStart returns the index of the first protected message. The boundary
// moves earlier so that a tool result is never separated from the assistant
// message that requested it, and the last assistant message stays protected
// while any of its calls is unanswered.
func (m *Manager) tailStart(msgs []session.Message) int {
	idx := len(msgs) - m.tail
	if idx < 0 {
		idx = 0
	}
	for idx > 0 && idx < len(msgs) && msgs[idx].Role == session.RoleTool {
		idx--
	}
	if p := unanswered(msgs); p >= 0 && p < idx {
		idx = p
	}
	return idx
}

// unanswered returns the index of the last assistant message when some of its
// tool calls have no result yet, or -1.
func unanswered(msgs []session.Message) int {
	last := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == session.RoleAssistant {
			last = i
			break
		}
	}
	if last < 0 || len(msgs[last].ToolCalls) == 0 {
		return -1
	}
	answered := make(map[string]bool)
	for _, msg := range msgs[last+1:] {
		if msg.Result != nil {
			answered[msg.Result.CallID] = true
		}
	}
	for _, tc := range msgs[last].ToolCalls {
		if !answered[tc.ID] {
			return last
		}
	}
	return -1
}

// leadingContext returns the index after the leading system messages and the
// first user request, which are always kept verbatim.
func leadingContext(msgs []session.Message) int {
	i := 0
	for i < len(msgs) && msgs[i].Role == session.RoleSystem && !msgs[i].Synthetic {
		i++
	}
	if i < len(msgs) && msgs[i].Role == session.RoleUser && !msgs[i].Synthetic {
		i++
	}
	return i
}

// ForPolicy builds a policy by name.
func ForPolicy(name string, summarizer Summarizer, purgeSpill bool) (Policy, error) {
	switch name {
	case "", "prune":
		return &Prune{PurgeSpill: purgeSpill}, nil
	case "summarize":
		if summarizer == nil {
			return nil, fmt.Errorf("summarize policy needs a summarizer")
		}
		return &Summarize{Summarizer: summarizer}, nil
	}
	return nil, fmt.Errorf("unknown compaction policy %q", name)
}
