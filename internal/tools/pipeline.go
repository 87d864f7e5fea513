package tools

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vinayprograms/agentkit/llm"
	"github.com/vinayprograms/agentkit/logging"
	"github.com/vinayprograms/agentkit/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vinayprograms/agentcore/internal/agenterr"
	"github.com/vinayprograms/agentcore/internal/doomloop"
	"github.com/vinayprograms/agentcore/internal/events"
	"github.com/vinayprograms/agentcore/internal/metrics"
	"github.com/vinayprograms/agentcore/internal/pathguard"
	"github.com/vinayprograms/agentcore/internal/permission"
	"github.com/vinayprograms/agentcore/internal/session"
)

// ConfirmKind says what a confirmation request is about.
type ConfirmKind string

const (
	ConfirmTool ConfirmKind = "tool"
	ConfirmPath ConfirmKind = "path"
)

// ConfirmRequest asks the user to approve a tool call or a write path.
type ConfirmRequest struct {
	Kind      ConfirmKind
	SessionID string
	AgentType string
	Tool      string
	Args      map[string]interface{}
	Path      string
}

// Confirmer asks the user. A false answer, an error or ctx expiry all deny.
type Confirmer interface {
	Confirm(ctx context.Context, req ConfirmRequest) (bool, error)
}

// Recorder persists tool result messages.
type Recorder interface {
	Append(m session.Message) (session.Message, error)
}

// Rules resolves the permission decision for a tool and agent type.
type Rules interface {
	Decide(tool, agentType string) permission.Decision
}

// Timeouts bound tool execution per class. Zero disables the bound.
type Timeouts struct {
	Shell   time.Duration
	Default time.Duration
	MCP     time.Duration
}

// Config wires a Pipeline to one session.
type Config struct {
	Registry  *Registry
	Rules     Rules
	AgentType string
	SessionID string
	Depth     int

	Guard     *pathguard.Guard
	Tracker   *FileTracker
	Doom      *doomloop.Detector
	Metrics   *metrics.Session
	Events    events.Emitter
	Recorder  Recorder
	Todos     TodoStore
	Confirmer Confirmer

	ConfirmTimeout time.Duration
	Timeouts       Timeouts
	Truncator      Truncator
}

// Pipeline runs tool calls for one session: permission, path guard, freshness
// check, bounded execution, truncation, then recording. Not safe for
// concurrent use; calls are dispatched sequentially in emission order.
type Pipeline struct {
	cfg    Config
	logger *logging.Logger
}

// NewPipeline validates cfg and creates a pipeline.
func NewPipeline(cfg Config) (*Pipeline, error) {
	switch {
	case cfg.Registry == nil:
		return nil, fmt.Errorf("pipeline: registry is required")
	case cfg.Rules == nil:
		return nil, fmt.Errorf("pipeline: rules are required")
	case cfg.Guard == nil:
		return nil, fmt.Errorf("pipeline: path guard is required")
	case cfg.Recorder == nil:
		return nil, fmt.Errorf("pipeline: recorder is required")
	}
	if cfg.Tracker == nil {
		cfg.Tracker = NewFileTracker()
	}
	if cfg.Doom == nil {
		cfg.Doom = doomloop.New(doomloop.DefaultThreshold, 0)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewSession(nil)
	}
	if cfg.Events == nil {
		cfg.Events = events.Discard
	}
	return &Pipeline{cfg: cfg, logger: logging.New().WithComponent("tools")}, nil
}

// Registry returns the tool table.
func (p *Pipeline) Registry() *Registry { return p.cfg.Registry }

// Guard returns the session path guard.
func (p *Pipeline) Guard() *pathguard.Guard { return p.cfg.Guard }

// Tracker returns the session file tracker.
func (p *Pipeline) Tracker() *FileTracker { return p.cfg.Tracker }

// Definitions returns schemas for the tools this agent type may call at all.
// Denied tools are hidden from the model.
func (p *Pipeline) Definitions() []llm.ToolDef {
	var defs []llm.ToolDef
	for _, d := range p.cfg.Registry.Definitions() {
		if p.cfg.Rules.Decide(d.Name, p.cfg.AgentType) == permission.Deny {
			continue
		}
		defs = append(defs, d)
	}
	return defs
}

// Dispatch runs one call and records its result message. Tool-level failures
// become error-flagged results and a nil error. A non-nil error is fatal for
// the session (doom loop, persistence).
func (p *Pipeline) Dispatch(ctx context.Context, call session.ToolCall, step int) (session.Message, error) {
	if call.ID == "" {
		call.ID = "call_" + uuid.NewString()
	}
	start := time.Now()
	ctx, span := p.startToolSpan(ctx, call)

	p.cfg.Events.Emit(events.Event{
		Type:   events.ToolStart,
		Step:   step,
		Tool:   call.Name,
		CallID: call.ID,
		Data:   map[string]interface{}{"args": call.Args},
	})

	fp := doomloop.Fingerprint(call.Name, call.Args)
	p.cfg.Doom.Advance(step)
	var fatal error
	out, runErr := Output{}, p.cfg.Doom.Check(fp)
	if runErr != nil {
		fatal = runErr
	} else {
		out, runErr = p.run(ctx, call, step)
	}

	if runErr != nil {
		runErr = classify(runErr)
	}
	if runErr == nil || out.Output != "" {
		if err := p.cfg.Truncator.Apply(&out, p.cfg.SessionID, call.ID); err != nil {
			p.logger.Warn("output spill failed", map[string]interface{}{"tool": call.Name, "error": err.Error()})
		}
	}

	res := &session.ToolResult{
		CallID:   call.ID,
		Tool:     call.Name,
		Title:    out.Title,
		Output:   out.Output,
		Metadata: out.Metadata,
	}
	if runErr != nil {
		res.IsError = true
		if res.Metadata == nil {
			res.Metadata = make(map[string]interface{})
		}
		res.Metadata["error_kind"] = string(agenterr.KindOf(runErr))
		if res.Output == "" {
			res.Output = "Error: " + runErr.Error()
		} else {
			res.Output += "\n\nError: " + runErr.Error()
		}
	}

	msg, err := p.cfg.Recorder.Append(session.Message{
		Role:      session.RoleTool,
		Result:    res,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		err = agenterr.Wrap(agenterr.KindPersistence, "tools.record", err)
		p.endToolSpan(span, err)
		return session.Message{}, err
	}

	if fatal == nil {
		fatal = p.cfg.Doom.Record(fp, step)
	}

	category := ""
	if runErr != nil {
		category = string(agenterr.KindOf(runErr))
	}
	p.cfg.Metrics.AddTool(category)

	dur := time.Since(start)
	p.logger.ToolResult(call.Name, dur, runErr)
	complete := events.Event{
		Type:   events.ToolComplete,
		Step:   step,
		Tool:   call.Name,
		CallID: call.ID,
		Text:   res.Title,
		Data: map[string]interface{}{
			"seq":         msg.Seq,
			"duration_ms": dur.Milliseconds(),
			"is_error":    res.IsError,
		},
	}
	if runErr != nil {
		complete.Error = runErr.Error()
	}
	p.cfg.Events.Emit(complete)
	p.endToolSpan(span, runErr)

	return msg, fatal
}

// run performs the permission, path and freshness checks, then executes.
func (p *Pipeline) run(ctx context.Context, call session.ToolCall, step int) (Output, error) {
	tool, ok := p.cfg.Registry.Get(call.Name)
	if !ok {
		return Output{}, agenterr.New(agenterr.KindToolExecution, call.Name, "unknown tool "+call.Name)
	}

	switch p.cfg.Rules.Decide(call.Name, p.cfg.AgentType) {
	case permission.Allow:
	case permission.Ask:
		if !p.confirm(ctx, ConfirmRequest{Kind: ConfirmTool, Tool: call.Name, Args: call.Args}) {
			return Output{}, agenterr.New(agenterr.KindPermissionDenied, call.Name,
				"the user declined "+call.Name)
		}
	default:
		return Output{}, agenterr.New(agenterr.KindPermissionDenied, call.Name,
			fmt.Sprintf("agent type %s may not use %s", p.cfg.AgentType, call.Name))
	}

	paths := p.paths(tool, call.Args)
	if tool.Class == ClassWrite {
		for _, path := range paths {
			if err := p.checkPath(ctx, call, path); err != nil {
				return Output{}, err
			}
			if err := p.cfg.Tracker.Verify(path); err != nil {
				return Output{}, err
			}
		}
	}

	runCtx := WithRunInfo(ctx, RunInfo{
		SessionID: p.cfg.SessionID,
		AgentType: p.cfg.AgentType,
		Depth:     p.cfg.Depth,
		Step:      step,
		CallID:    call.ID,
		WorkDir:   p.cfg.Guard.WorkDir(),
	})
	if p.cfg.Todos != nil {
		runCtx = WithTodos(runCtx, p.cfg.Todos)
	}
	args := resolveArgs(tool, call.Args, paths)
	var out Output
	var err error
	if d := p.timeout(tool); d > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, d)
		defer cancel()
		out, err = executeBounded(runCtx, tool.Handler, args)
	} else {
		out, err = tool.Handler.Execute(runCtx, args)
	}
	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			err = fmt.Errorf("%s timed out after %s: %w", call.Name, p.timeout(tool), err)
		}
		return out, err
	}

	if tool.Class == ClassRead || tool.Class == ClassWrite {
		for _, path := range paths {
			if err := p.cfg.Tracker.MarkRead(path); err != nil {
				p.logger.Debug("track read failed", map[string]interface{}{"path": path, "error": err.Error()})
			}
		}
	}
	return out, nil
}

func (p *Pipeline) checkPath(ctx context.Context, call session.ToolCall, path string) error {
	res, err := p.cfg.Guard.Check(path)
	if err != nil {
		return agenterr.Wrap(agenterr.KindPathNotAllowed, call.Name, err)
	}
	switch res.Decision {
	case permission.Allow:
		return nil
	case permission.Ask:
		if p.confirm(ctx, ConfirmRequest{Kind: ConfirmPath, Tool: call.Name, Args: call.Args, Path: res.Path}) {
			if err := p.cfg.Guard.Confirm(res.Path); err != nil {
				return err
			}
			return nil
		}
		p.logger.SecurityWarning("write outside allowed paths declined", map[string]interface{}{
			"tool": call.Name,
			"path": res.Path,
		})
		return agenterr.New(agenterr.KindPathNotAllowed, call.Name,
			fmt.Sprintf("writing %s was not approved", res.Path))
	default:
		p.logger.SecurityWarning("write outside allowed paths denied", map[string]interface{}{
			"tool":   call.Name,
			"path":   res.Path,
			"source": string(res.Source),
		})
		return agenterr.New(agenterr.KindPathNotAllowed, call.Name,
			fmt.Sprintf("%s is outside the allowed paths and the confirmation limit is reached", res.Path))
	}
}

func (p *Pipeline) confirm(ctx context.Context, req ConfirmRequest) bool {
	if p.cfg.Confirmer == nil {
		return false
	}
	req.SessionID = p.cfg.SessionID
	req.AgentType = p.cfg.AgentType
	if p.cfg.ConfirmTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.ConfirmTimeout)
		defer cancel()
	}
	ok, err := p.cfg.Confirmer.Confirm(ctx, req)
	if err != nil {
		p.logger.Warn("confirmation failed", map[string]interface{}{
			"tool":  req.Tool,
			"kind":  string(req.Kind),
			"error": err.Error(),
		})
		return false
	}
	return ok && ctx.Err() == nil
}

// paths returns the absolute file paths named by the tool's path arguments.
func (p *Pipeline) paths(tool *Tool, args map[string]interface{}) []string {
	var out []string
	for _, name := range tool.PathArgs {
		v, ok := args[name].(string)
		if !ok || v == "" {
			continue
		}
		if !filepath.IsAbs(v) {
			v = filepath.Join(p.cfg.Guard.WorkDir(), v)
		}
		out = append(out, filepath.Clean(v))
	}
	return out
}

// resolveArgs returns a copy of args with the path arguments replaced by
// their resolved form. paths is in PathArgs order, skipping unset arguments.
func resolveArgs(tool *Tool, args map[string]interface{}, paths []string) map[string]interface{} {
	if len(paths) == 0 {
		return args
	}
	out := make(map[string]interface{}, len(args))
	for k, v := range args {
		out[k] = v
	}
	i := 0
	for _, name := range tool.PathArgs {
		if v, ok := args[name].(string); !ok || v == "" {
			continue
		}
		out[name] = paths[i]
		i++
	}
	return out
}

// executeBounded returns when the handler does or when ctx ends, whichever is
// first. A handler that outlives ctx (a shell whose children still hold its
// output pipes) finishes in the background and its result is dropped.
func executeBounded(ctx context.Context, h Handler, args map[string]interface{}) (Output, error) {
	type result struct {
		out Output
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := h.Execute(ctx, args)
		done <- result{out, err}
	}()
	select {
	case r := <-done:
		return r.out, r.err
	case <-ctx.Done():
		return Output{}, ctx.Err()
	}
}

func (p *Pipeline) timeout(tool *Tool) time.Duration {
	if tool.Timeout > 0 {
		return tool.Timeout
	}
	switch {
	case tool.Class == ClassShell:
		return p.cfg.Timeouts.Shell
	case tool.Class == ClassTask:
		return 0
	case strings.HasPrefix(tool.Name, "mcp_"):
		return p.cfg.Timeouts.MCP
	}
	return p.cfg.Timeouts.Default
}

// classify tags plain handler errors as tool execution errors.
func classify(err error) error {
	if agenterr.KindOf(err) != "" {
		return err
	}
	return agenterr.Wrap(agenterr.KindToolExecution, "tools.execute", err)
}

func (p *Pipeline) startToolSpan(ctx context.Context, call session.ToolCall) (context.Context, trace.Span) {
	tracer := telemetry.GetTracer()
	ctx, span := tracer.StartSpan(ctx, "tool."+call.Name)
	span.SetAttributes(
		attribute.String("tool.name", call.Name),
		attribute.String("tool.call_id", call.ID),
		attribute.String("session.id", p.cfg.SessionID),
	)
	return ctx, span
}

func (p *Pipeline) endToolSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}
