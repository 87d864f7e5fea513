package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSession_StepFolding(t *testing.T) {
	m := NewSession(nil)

	m.BeginStep(1)
	m.AddLLM(100, 20, time.Second)
	m.AddTool("")
	m.AddTool("tool-execution-error")
	step := m.EndStep()

	assert.Equal(t, 1, step.Step)
	assert.Equal(t, 2, step.ToolCalls)
	assert.Equal(t, 1, step.ToolErrors["tool-execution-error"])

	m.BeginStep(2)
	m.AddLLM(50, 5, time.Second)
	m.MarkCompacted()
	m.EndStep()

	snap := m.Snapshot()
	assert.Equal(t, 2, snap.Steps)
	assert.Equal(t, 150, snap.InputTokens)
	assert.Equal(t, 25, snap.OutputTokens)
	assert.Equal(t, 2*time.Second, snap.LLMLatency)
	assert.Equal(t, 1, snap.Compactions)
	assert.Equal(t, 1, snap.TotalToolErrors())
}

func TestSession_SnapshotIncludesInProgressStep(t *testing.T) {
	m := NewSession(nil)
	m.BeginStep(1)
	m.AddLLM(10, 1, 0)

	snap := m.Snapshot()
	assert.Equal(t, 0, snap.Steps)
	assert.Equal(t, 10, snap.InputTokens)
}

func TestSession_Merge(t *testing.T) {
	parent := NewSession(&Snapshot{Steps: 3, InputTokens: 100})
	parent.Merge(Snapshot{
		Steps:        4,
		InputTokens:  40,
		OutputTokens: 8,
		ToolCalls:    5,
		ToolErrors:   map[string]int{"permission-denied": 2},
		Subagents:    1,
	})

	snap := parent.Snapshot()
	assert.Equal(t, 7, snap.Steps)
	assert.Equal(t, 140, snap.InputTokens)
	assert.Equal(t, 5, snap.ToolCalls)
	assert.Equal(t, 2, snap.ToolErrors["permission-denied"])
	assert.Equal(t, 2, snap.Subagents)
}

func TestSnapshot_CloneIsIndependent(t *testing.T) {
	m := NewSession(nil)
	m.BeginStep(1)
	m.AddTool("x")
	snap := m.Snapshot()
	snap.ToolErrors["x"] = 99

	assert.Equal(t, 1, m.Snapshot().ToolErrors["x"])
}
