// Package metrics holds per-step and per-session counters.
package metrics

import (
	"sync"
	"time"
)

// StepMetrics are the counters for one orchestrator step.
type StepMetrics struct {
	Step         int            `json:"step"`
	InputTokens  int            `json:"input_tokens"`
	OutputTokens int            `json:"output_tokens"`
	LLMLatency   time.Duration  `json:"llm_latency"`
	ToolCalls    int            `json:"tool_calls"`
	ToolErrors   map[string]int `json:"tool_errors,omitempty"` // by error category
	Compacted    bool           `json:"compacted,omitempty"`
}

// Snapshot is a point-in-time copy of session counters.
type Snapshot struct {
	Steps        int            `json:"steps"`
	InputTokens  int            `json:"input_tokens"`
	OutputTokens int            `json:"output_tokens"`
	LLMLatency   time.Duration  `json:"llm_latency"`
	ToolCalls    int            `json:"tool_calls"`
	ToolErrors   map[string]int `json:"tool_errors,omitempty"`
	Compactions  int            `json:"compactions"`
	Subagents    int            `json:"subagents"`
}

// TotalToolErrors sums errors across categories.
func (s Snapshot) TotalToolErrors() int {
	n := 0
	for _, v := range s.ToolErrors {
		n += v
	}
	return n
}

// Session accumulates counters for one session. The owning orchestrator is the
// only writer; readers (watch server, reporting) take snapshots.
type Session struct {
	mu   sync.Mutex
	snap Snapshot
	step StepMetrics
}

// NewSession creates session metrics, optionally seeded from a persisted snapshot.
func NewSession(seed *Snapshot) *Session {
	s := &Session{}
	if seed != nil {
		s.snap = seed.clone()
	}
	return s
}

// BeginStep starts counting a new step.
func (s *Session) BeginStep(step int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.step = StepMetrics{Step: step}
}

// AddLLM records one model turn.
func (s *Session) AddLLM(inputTokens, outputTokens int, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.step.InputTokens += inputTokens
	s.step.OutputTokens += outputTokens
	s.step.LLMLatency += latency
}

// AddTool records one tool invocation; category is empty on success.
func (s *Session) AddTool(category string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.step.ToolCalls++
	if category != "" {
		if s.step.ToolErrors == nil {
			s.step.ToolErrors = make(map[string]int)
		}
		s.step.ToolErrors[category]++
	}
}

// MarkCompacted flags the current step as having compacted the transcript.
func (s *Session) MarkCompacted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.step.Compacted = true
}

// EndStep folds the current step into the session totals and returns it.
func (s *Session) EndStep() StepMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	step := s.step
	s.snap.Steps++
	s.fold(step)
	if step.Compacted {
		s.snap.Compactions++
	}
	s.step = StepMetrics{Step: step.Step + 1}
	return step
}

// Merge adds a child session's totals (tokens, steps, tool counters).
func (s *Session) Merge(child Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Steps += child.Steps
	s.snap.InputTokens += child.InputTokens
	s.snap.OutputTokens += child.OutputTokens
	s.snap.LLMLatency += child.LLMLatency
	s.snap.ToolCalls += child.ToolCalls
	s.snap.Compactions += child.Compactions
	s.snap.Subagents += child.Subagents + 1
	for k, v := range child.ToolErrors {
		if s.snap.ToolErrors == nil {
			s.snap.ToolErrors = make(map[string]int)
		}
		s.snap.ToolErrors[k] += v
	}
}

// Snapshot returns the totals, including the step in progress.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.snap.clone()
	out.InputTokens += s.step.InputTokens
	out.OutputTokens += s.step.OutputTokens
	out.LLMLatency += s.step.LLMLatency
	out.ToolCalls += s.step.ToolCalls
	for k, v := range s.step.ToolErrors {
		if out.ToolErrors == nil {
			out.ToolErrors = make(map[string]int)
		}
		out.ToolErrors[k] += v
	}
	return out
}

func (s *Session) fold(step StepMetrics) {
	s.snap.InputTokens += step.InputTokens
	s.snap.OutputTokens += step.OutputTokens
	s.snap.LLMLatency += step.LLMLatency
	s.snap.ToolCalls += step.ToolCalls
	for k, v := range step.ToolErrors {
		if s.snap.ToolErrors == nil {
			s.snap.ToolErrors = make(map[string]int)
		}
		s.snap.ToolErrors[k] += v
	}
}

func (s Snapshot) clone() Snapshot {
	out := s
	if s.ToolErrors != nil {
		out.ToolErrors = make(map[string]int, len(s.ToolErrors))
		for k, v := range s.ToolErrors {
			out.ToolErrors[k] = v
		}
	}
	return out
}
