package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/vinayprograms/agentcore/internal/config"
	"github.com/vinayprograms/agentcore/internal/llmstream"
	"github.com/vinayprograms/agentcore/internal/orchestrator"
	"github.com/vinayprograms/agentcore/internal/session"
	"github.com/vinayprograms/agentcore/internal/tools"
)

type allowAll struct{}

func (allowAll) Confirm(context.Context, tools.ConfirmRequest) (bool, error) { return true, nil }

// testRuntime wires a runtime against a scripted model and temp storage.
func testRuntime(t *testing.T, fake *llmstream.Fake) (*runtime, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Path = t.TempDir()
	cfg.Storage.Debounce = "1ms"
	cfg.Safety.ScratchDir = t.TempDir()
	cfg.Compaction.Encoding = "heuristic"
	cfg.Events.Log = true

	rt := newRuntime(cfg, nil)
	var out, errOut bytes.Buffer
	rt.out, rt.errOut = &out, &errOut
	rt.streamer = fake
	rt.confirmer = allowAll{}
	if err := rt.setup(); err != nil {
		t.Fatalf("setup: %v", err)
	}
	t.Cleanup(rt.cleanup)
	return rt, &out, &errOut
}

func TestRuntime_RunSession(t *testing.T) {
	fake := llmstream.NewFake(
		llmstream.Calls(llmstream.Call("c1", "write", map[string]interface{}{"path": "notes.txt", "content": "hello"})),
		llmstream.Text("Wrote notes.txt."),
	)
	rt, out, errOut := testRuntime(t, fake)

	work := t.TempDir()
	h, err := rt.store.Create(session.CreateOptions{AgentType: "build", WorkDir: work})
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	res, err := rt.runSession(context.Background(), h, "write some notes", sessionOptions{})
	if err != nil {
		t.Fatalf("runSession: %v", err)
	}
	if res.Reason != orchestrator.ReasonCompleted || res.Status != session.StatusCompleted {
		t.Errorf("result = %+v", res)
	}
	if err := rt.report(res, err); err != nil {
		t.Errorf("report: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(work, "notes.txt"))
	if err != nil || string(data) != "hello" {
		t.Errorf("notes.txt = %q, %v", data, err)
	}
	if !strings.Contains(out.String(), "Wrote notes.txt.") {
		t.Errorf("stdout = %q", out.String())
	}
	if !strings.Contains(errOut.String(), "→ write notes.txt") || !strings.Contains(errOut.String(), "completed in 2 steps") {
		t.Errorf("stderr = %q", errOut.String())
	}

	log, err := os.ReadFile(filepath.Join(h.Dir(), "events.jsonl"))
	if err != nil {
		t.Fatalf("event log: %v", err)
	}
	if !strings.Contains(string(log), `"type":"finish"`) {
		t.Errorf("event log has no finish event:\n%s", log)
	}
}

func TestRuntime_MaxStepsOverride(t *testing.T) {
	call := func(id string) []llmstream.Event {
		return llmstream.Calls(llmstream.Call(id, "ls", map[string]interface{}{"path": "."}))
	}
	fake := llmstream.NewFake(call("c1"), call("c2"), call("c3"))
	rt, _, errOut := testRuntime(t, fake)

	h, err := rt.store.Create(session.CreateOptions{AgentType: "build", WorkDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	res, err := rt.runSession(context.Background(), h, "look around", sessionOptions{maxSteps: 2})
	if err != nil {
		t.Fatalf("runSession: %v", err)
	}
	if res.Reason != orchestrator.ReasonMaxSteps {
		t.Errorf("reason = %q", res.Reason)
	}
	rerr := rt.report(res, err)
	ec, ok := rerr.(exitCoder)
	if !ok || ec.ExitCode() != exitMaxSteps {
		t.Errorf("report = %v", rerr)
	}
	if !strings.Contains(errOut.String(), "agent resume "+h.ID()) {
		t.Errorf("stderr = %q", errOut.String())
	}
}

func TestRuntime_SubagentIsListedUnderParent(t *testing.T) {
	fake := llmstream.NewFake(
		llmstream.Calls(llmstream.Call("c1", "task", map[string]interface{}{
			"agent_type": "explore", "description": "find mains", "prompt": "find main packages",
		})),
		llmstream.Text("cmd/agent"),
		llmstream.Text("The main package is cmd/agent."),
	)
	rt, _, errOut := testRuntime(t, fake)

	h, err := rt.store.Create(session.CreateOptions{AgentType: "build", WorkDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	res, err := rt.runSession(context.Background(), h, "where is main?", sessionOptions{})
	if err != nil {
		t.Fatalf("runSession: %v", err)
	}
	if res.Reason != orchestrator.ReasonCompleted {
		t.Errorf("reason = %q", res.Reason)
	}
	if !strings.Contains(errOut.String(), "⊕ subagent explore") {
		t.Errorf("stderr = %q", errOut.String())
	}

	list, err := rt.store.List()
	if err != nil {
		t.Fatal(err)
	}
	top, _ := filterSessions(list, false, "")
	all, _ := filterSessions(list, true, "")
	if len(top) != 1 || len(all) != 2 {
		t.Fatalf("sessions: top=%d all=%d", len(top), len(all))
	}
	if all[1].Parent != h.ID() && all[0].Parent != h.ID() {
		t.Errorf("child not linked to parent: %+v", all)
	}
}
