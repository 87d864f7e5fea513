package subagent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/agentcore/internal/agenterr"
	"github.com/vinayprograms/agentcore/internal/control"
	"github.com/vinayprograms/agentcore/internal/events"
	"github.com/vinayprograms/agentcore/internal/llmstream"
	"github.com/vinayprograms/agentcore/internal/orchestrator"
	"github.com/vinayprograms/agentcore/internal/pathguard"
	"github.com/vinayprograms/agentcore/internal/permission"
	"github.com/vinayprograms/agentcore/internal/session"
	"github.com/vinayprograms/agentcore/internal/tools"
)

type env struct {
	store *session.Store
	work  string
	bus   *events.Bus
	h     *session.Handle
	o     *orchestrator.Orchestrator
	sp    *Spawner
}

func setup(t *testing.T, agentType string, depth, maxDepth int, fake *llmstream.Fake) *env {
	t.Helper()
	store, err := session.NewStore(t.TempDir(), session.WithDebounce(time.Millisecond))
	require.NoError(t, err)
	work := t.TempDir()

	reg := tools.NewRegistry()
	require.NoError(t, tools.NewAgentkit(nil, nil).Register(reg))
	rules, err := permission.NewTable(permission.Defaults()...)
	require.NoError(t, err)
	deps := orchestrator.Deps{Streamer: fake, Registry: reg, Rules: rules, MaxSteps: 10}

	sp := New(store, deps, maxDepth)
	require.NoError(t, sp.Register(reg))

	h, err := store.Create(session.CreateOptions{AgentType: agentType, WorkDir: work, Depth: depth})
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })

	guard, err := pathguard.New(pathguard.Config{WorkDir: work})
	require.NoError(t, err)
	bus := events.NewBus(h.ID(), 1024)
	o, err := orchestrator.Assemble(deps, orchestrator.Binding{Session: h, Guard: guard, Control: control.New(), Events: bus})
	require.NoError(t, err)
	return &env{store: store, work: work, bus: bus, h: h, o: o, sp: sp}
}

func taskCall(agentType, prompt string) llmstream.Event {
	return llmstream.Call("t1", ToolName, map[string]interface{}{
		"agent_type":  agentType,
		"description": "look around",
		"prompt":      prompt,
	})
}

func drain(bus *events.Bus) []events.Event {
	var out []events.Event
	for {
		select {
		case e := <-bus.Events():
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestTask_RunsChildAndReturnsFinalMessage(t *testing.T) {
	fake := llmstream.NewFake(
		llmstream.Calls(taskCall("explore", "find the config")),
		llmstream.Text("config lives in agent.toml"), // child
		llmstream.Text("done"),
	)
	e := setup(t, "build", 0, 2, fake)
	var started, completed string
	e.sp.OnStart = func(parent, child, agent string) { started = child }
	e.sp.OnComplete = func(parent, child string, res *orchestrator.Result, err error) { completed = child }

	res, err := e.o.Run(context.Background(), "where is the config?")
	require.NoError(t, err)
	assert.Equal(t, orchestrator.ReasonCompleted, res.Reason)
	assert.Equal(t, 1, res.Metrics.Subagents)

	msgs := e.h.Messages()
	require.Len(t, msgs, 4)
	result := msgs[2].Result
	require.NotNil(t, result)
	assert.False(t, result.IsError)
	assert.Equal(t, "config lives in agent.toml", result.Output)
	assert.Equal(t, "explore: look around", result.Title)

	childID := session.ChildID(e.h.ID(), "explore", 1)
	assert.Equal(t, childID, result.Metadata["session_id"])
	assert.Equal(t, childID, started)
	assert.Equal(t, childID, completed)

	snap, err := e.store.Load(childID)
	require.NoError(t, err)
	assert.Equal(t, e.h.ID(), snap.Session.Parent)
	assert.Equal(t, 1, snap.Session.Depth)
	assert.Equal(t, session.StatusCompleted, snap.Session.Status)
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, "find the config", snap.Messages[0].Content)

	// the child tool table hides denied tools
	reqs := fake.Requests()
	var childTools []string
	for _, d := range reqs[1].Tools {
		childTools = append(childTools, d.Name)
	}
	assert.ElementsMatch(t, []string{"read", "glob", "grep", "ls"}, childTools)

	var sawChild, sawStart bool
	for _, ev := range drain(e.bus) {
		if ev.SessionID == childID {
			sawChild = true
			assert.Equal(t, e.h.ID(), ev.Data["root"])
			assert.Equal(t, e.h.ID(), ev.Data["parent"])
		}
		if ev.Type == events.Subagent && ev.Reason == "start" {
			sawStart = true
		}
	}
	assert.True(t, sawChild)
	assert.True(t, sawStart)
}

func TestTask_SecondChildGetsNextID(t *testing.T) {
	fake := llmstream.NewFake(
		llmstream.Calls(taskCall("explore", "one")),
		llmstream.Text("first"),
		llmstream.Calls(taskCall("explore", "two")),
		llmstream.Text("second"),
		llmstream.Text("done"),
	)
	e := setup(t, "build", 0, 2, fake)
	_, err := e.o.Run(context.Background(), "go")
	require.NoError(t, err)

	_, err = e.store.Load(session.ChildID(e.h.ID(), "explore", 2))
	assert.NoError(t, err)
}

func TestTask_DepthLimit(t *testing.T) {
	fake := llmstream.NewFake(
		llmstream.Calls(taskCall("explore", "nested")),
		llmstream.Text("gave up"),
	)
	e := setup(t, "build", 1, 1, fake)

	_, err := e.o.Run(context.Background(), "go")
	require.NoError(t, err)
	result := e.h.Messages()[2].Result
	require.NotNil(t, result)
	assert.True(t, result.IsError)
	assert.Equal(t, string(agenterr.KindPermissionDenied), result.Metadata["error_kind"])
	assert.Contains(t, result.Output, "depth limit")
	assert.Len(t, fake.Requests(), 2, "no child turn was streamed")
}

func TestTask_AllowedSubagentList(t *testing.T) {
	fake := llmstream.NewFake(
		llmstream.Calls(taskCall("general", "do everything")),
		llmstream.Text("ok"),
	)
	e := setup(t, "plan", 0, 2, fake)

	_, err := e.o.Run(context.Background(), "plan it")
	require.NoError(t, err)
	result := e.h.Messages()[2].Result
	require.NotNil(t, result)
	assert.True(t, result.IsError)
	assert.Contains(t, result.Output, "may not start general subagents")
}

func TestTask_RequiresSessionScope(t *testing.T) {
	e := setup(t, "build", 0, 2, llmstream.NewFake())
	_, err := e.sp.Execute(context.Background(), map[string]interface{}{"agent_type": "explore", "prompt": "x"})
	assert.Error(t, err)
}
