// Package subagent implements the task tool: it runs a nested session with a
// restricted agent type and returns that session's final answer.
package subagent

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/vinayprograms/agentkit/logging"
	"github.com/vinayprograms/agentkit/telemetry"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vinayprograms/agentcore/internal/agenterr"
	"github.com/vinayprograms/agentcore/internal/events"
	"github.com/vinayprograms/agentcore/internal/orchestrator"
	"github.com/vinayprograms/agentcore/internal/permission"
	"github.com/vinayprograms/agentcore/internal/session"
	"github.com/vinayprograms/agentcore/internal/tools"
)

// ToolName is the name the model calls.
const ToolName = "task"

// DefaultMaxDepth is how deep sessions may nest; the root is depth 0.
const DefaultMaxDepth = 2

// Spawner runs child sessions. One spawner serves every session in the
// process; per-session state arrives through the call context.
type Spawner struct {
	store    *session.Store
	deps     orchestrator.Deps
	rules    *permission.Table
	maxDepth int
	logger   *logging.Logger

	mu       sync.Mutex
	children map[string]int // parent id + agent type -> last child number

	// OnStart and OnComplete observe child sessions.
	OnStart    func(parentID, childID, agentType string)
	OnComplete func(parentID, childID string, res *orchestrator.Result, err error)
}

// New creates a spawner. deps.Rules must be set.
func New(store *session.Store, deps orchestrator.Deps, maxDepth int) *Spawner {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Spawner{
		store:    store,
		deps:     deps,
		rules:    deps.Rules,
		maxDepth: maxDepth,
		logger:   logging.New().WithComponent("subagent"),
		children: make(map[string]int),
	}
}

// Register adds the task tool to r.
func (s *Spawner) Register(r *tools.Registry) error {
	return r.Register(tools.Descriptor{
		Name: ToolName,
		Description: "Delegate a self-contained task to a subagent with its own session. " +
			"The subagent works with a restricted tool set and returns its final answer.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"agent_type":  map[string]interface{}{"type": "string", "description": "Subagent type, e.g. explore or general"},
				"description": map[string]interface{}{"type": "string", "description": "Short (3-5 word) label for the task"},
				"prompt":      map[string]interface{}{"type": "string", "description": "Full instructions for the subagent"},
			},
			"required": []string{"agent_type", "prompt"},
		},
		Class: tools.ClassTask,
	}, s)
}

// Execute implements tools.Handler.
func (s *Spawner) Execute(ctx context.Context, args map[string]interface{}) (tools.Output, error) {
	scope, ok := orchestrator.ScopeFrom(ctx)
	if !ok {
		return tools.Output{}, fmt.Errorf("task: no running session in context")
	}
	agentType, _ := args["agent_type"].(string)
	prompt, _ := args["prompt"].(string)
	description, _ := args["description"].(string)
	if agentType == "" {
		return tools.Output{}, fmt.Errorf("agent_type is required")
	}
	if prompt == "" {
		return tools.Output{}, fmt.Errorf("prompt is required")
	}

	depth := scope.Depth + 1
	if depth > s.maxDepth {
		return tools.Output{}, agenterr.New(agenterr.KindPermissionDenied, ToolName,
			fmt.Sprintf("subagent depth limit %d reached", s.maxDepth))
	}
	parentRules, ok := s.rules.Get(scope.AgentType)
	if !ok || !parentRules.CanSpawn(agentType) {
		return tools.Output{}, agenterr.New(agenterr.KindPermissionDenied, ToolName,
			fmt.Sprintf("agent %s may not start %s subagents", scope.AgentType, agentType))
	}
	if _, ok := s.rules.Get(agentType); !ok {
		return tools.Output{}, fmt.Errorf("unknown agent type %q", agentType)
	}

	h, err := s.store.Create(session.CreateOptions{
		ID:        s.nextID(scope.SessionID, agentType),
		AgentType: agentType,
		WorkDir:   scope.Guard.WorkDir(),
		Parent:    scope.SessionID,
		Depth:     depth,
		Title:     description,
	})
	if err != nil {
		return tools.Output{}, err
	}
	defer h.Close()
	childID := h.ID()

	ctx, span := telemetry.GetTracer().StartSpan(ctx, "subagent."+agentType)
	span.SetAttributes(
		attribute.String("subagent.session", childID),
		attribute.String("subagent.parent", scope.SessionID),
		attribute.Int("subagent.depth", depth),
	)
	defer span.End()

	emitter := events.ForSession(events.Tagged(scope.Events, map[string]interface{}{
		"parent": scope.SessionID,
		"root":   scope.Root,
	}), childID)
	scope.Events.Emit(events.Event{
		Type:   events.Subagent,
		Reason: "start",
		Text:   description,
		Data:   map[string]interface{}{"child": childID, "agent": agentType},
	})
	if s.OnStart != nil {
		s.OnStart(scope.SessionID, childID, agentType)
	}
	s.logger.Info("subagent started", map[string]interface{}{
		"parent": scope.SessionID,
		"child":  childID,
		"agent":  agentType,
		"depth":  depth,
	})

	orch, err := orchestrator.Assemble(s.deps, orchestrator.Binding{
		Session:  h,
		Guard:    scope.Guard.Derive(),
		Control:  scope.Control.Child(),
		Events:   emitter,
		Registry: s.childRegistry(depth),
	})
	if err != nil {
		return tools.Output{}, err
	}

	start := time.Now()
	res, runErr := orch.Run(ctx, prompt)
	if res != nil {
		scope.Metrics.Merge(res.Metrics)
	}
	if runErr != nil {
		span.RecordError(runErr)
	}
	if s.OnComplete != nil {
		s.OnComplete(scope.SessionID, childID, res, runErr)
	}

	meta := map[string]interface{}{
		"session_id":  childID,
		"agent_type":  agentType,
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if res != nil {
		meta["status"] = string(res.Status)
		meta["reason"] = res.Reason
		meta["steps"] = res.Steps
	}
	scope.Events.Emit(events.Event{
		Type:   events.Subagent,
		Reason: "complete",
		Data:   meta,
	})

	title := agentType
	if description != "" {
		title = agentType + ": " + description
	}
	out := tools.Output{Title: title, Metadata: meta}
	if res != nil {
		out.Output = res.Final
	}
	if runErr != nil {
		return out, fmt.Errorf("subagent %s ended with %s: %w", childID, meta["reason"], runErr)
	}
	if out.Output == "" {
		out.Output = "(subagent finished without a final message)"
	}
	return out, nil
}

// childRegistry drops the task tool when the child may not nest further.
func (s *Spawner) childRegistry(depth int) *tools.Registry {
	if depth < s.maxDepth {
		return nil
	}
	return s.deps.Registry.Filter(func(t *tools.Tool) bool { return t.Name != ToolName })
}

// nextID picks the next unused child id for parent and agent type.
func (s *Spawner) nextID(parent, agentType string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := parent + "\x00" + agentType
	for {
		s.children[key]++
		id := session.ChildID(parent, agentType, s.children[key])
		if _, err := os.Stat(s.store.Dir(id)); os.IsNotExist(err) {
			return id
		}
	}
}
