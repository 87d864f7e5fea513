// Package orchestrator drives one session: it alternates model turns with
// tool execution, honours control signals, persists every step and stops on a
// terminal finish, the step limit or a fatal error.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vinayprograms/agentkit/logging"
	"go.opentelemetry.io/otel/trace"

	"github.com/vinayprograms/agentcore/internal/agenterr"
	"github.com/vinayprograms/agentcore/internal/compaction"
	"github.com/vinayprograms/agentcore/internal/control"
	"github.com/vinayprograms/agentcore/internal/events"
	"github.com/vinayprograms/agentcore/internal/llmstream"
	"github.com/vinayprograms/agentcore/internal/metrics"
	"github.com/vinayprograms/agentcore/internal/session"
	"github.com/vinayprograms/agentcore/internal/tools"
)

// State is the loop's position in its state machine.
type State string

const (
	StateIdle          State = "idle"
	StateStreaming     State = "streaming"
	StateToolExecuting State = "tool-executing"
	StatePaused        State = "paused"
	StateCompacting    State = "compacting"
	StateTerminated    State = "terminated"
)

// Termination reasons recorded in session metadata. Fatal errors use their
// error kind as the reason.
const (
	ReasonCompleted   = "completed"
	ReasonMaxSteps    = "max-steps"
	ReasonInterrupted = string(agenterr.KindInterrupted)
)

// DefaultMaxSteps bounds a run when the config leaves it unset.
const DefaultMaxSteps = 50

// Ledger receives per-step and per-session metric rows.
type Ledger interface {
	RecordStep(ctx context.Context, sessionID string, step metrics.StepMetrics) error
	RecordSession(ctx context.Context, row metrics.SessionRow) error
}

// Config wires an Orchestrator. Streamer, Pipeline, Session and Control are
// required.
type Config struct {
	Streamer  llmstream.Streamer
	Pipeline  *tools.Pipeline
	Session   *session.Handle
	Control   *control.Surface
	Events    events.Emitter
	Compactor *compaction.Manager
	Metrics   *metrics.Session
	Ledger    Ledger

	System   string
	MaxSteps int
}

// Result summarizes a finished run.
type Result struct {
	SessionID string
	Status    session.Status
	Reason    string
	Steps     int
	Final     string
	Metrics   metrics.Snapshot
}

// Orchestrator runs the agent loop for one session. It is not safe for
// concurrent use; one goroutine owns it.
type Orchestrator struct {
	cfg    Config
	logger *logging.Logger
	state  State
	// state to restore when a pause ends
	resumeState State

	transcript []session.Message
	pending    []session.ToolCall
	finish     string
	final      string
	step       int

	// OnStateChange is called on every state transition.
	OnStateChange func(from, to State)
}

// New validates cfg and creates an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Streamer == nil:
		return nil, errors.New("orchestrator: streamer is required")
	case cfg.Pipeline == nil:
		return nil, errors.New("orchestrator: pipeline is required")
	case cfg.Session == nil:
		return nil, errors.New("orchestrator: session is required")
	case cfg.Control == nil:
		return nil, errors.New("orchestrator: control surface is required")
	}
	if cfg.Events == nil {
		cfg.Events = events.Discard
	}
	if cfg.Metrics == nil {
		meta := cfg.Session.Meta()
		cfg.Metrics = metrics.NewSession(&meta.Metrics)
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	o := &Orchestrator{
		cfg:    cfg,
		logger: logging.New().WithComponent("orchestrator"),
		state:  StateIdle,
	}
	cfg.Control.SetObserver(o.observe)
	return o, nil
}

// State returns the current loop state. Owner goroutine only.
func (o *Orchestrator) State() State { return o.state }

// Run drives the session until it terminates. A non-empty prompt is appended
// as a user message first; an empty prompt continues a resumed session,
// dispatching any tool calls left without results. The returned error is nil
// for completed and max-steps runs.
func (o *Orchestrator) Run(ctx context.Context, prompt string) (*Result, error) {
	h := o.cfg.Session
	id := h.ID()
	start := time.Now()
	o.logger.ExecutionStart(id)
	ctx, span := o.startRunSpan(ctx, h.Meta())
	ctx = tools.WithRunInfo(ctx, tools.RunInfo{SessionID: id, AgentType: h.Meta().AgentType, Depth: h.Meta().Depth})
	ctx = o.withScope(ctx)

	o.transcript = h.Messages()
	o.step = h.Meta().Steps
	o.pending = danglingCalls(o.transcript)
	o.finish = lastFinish(o.transcript)
	if len(o.pending) > 0 {
		o.logger.Info("dispatching dangling tool calls", map[string]interface{}{
			"session": id,
			"calls":   len(o.pending),
		})
	}

	if prompt != "" {
		msg, err := h.Append(session.Message{Role: session.RoleUser, Content: prompt})
		if err != nil {
			return o.terminate(ctx, span, start, "", agenterr.Wrap(agenterr.KindPersistence, "orchestrator.prompt", err))
		}
		o.transcript = append(o.transcript, msg)
		o.finish = ""
	}

	reason, err := o.loop(ctx)
	return o.terminate(ctx, span, start, reason, err)
}

func (o *Orchestrator) loop(ctx context.Context) (string, error) {
	ctrl := o.cfg.Control
	for turns := 0; ; turns++ {
		// interrupt ends the run; pause blocks here
		if err := ctrl.Poll(ctx, control.LoopTop); err != nil {
			return "", err
		}
		o.cfg.Metrics.BeginStep(o.step + 1)

		if err := o.dispatchPending(ctx); err != nil {
			return "", err
		}

		// exit conditions
		if len(o.pending) == 0 && o.finish != "" && llmstream.Terminal(o.finish) {
			open := openTodos(o.cfg.Session.Todos())
			if len(open) == 0 {
				return ReasonCompleted, nil
			}
			if turns >= o.cfg.MaxSteps {
				return ReasonMaxSteps, nil
			}
			if err := o.remind(open); err != nil {
				return "", err
			}
		}
		if turns >= o.cfg.MaxSteps {
			return ReasonMaxSteps, nil
		}

		o.step++
		o.cfg.Events.Emit(events.Event{Type: events.StepStart, Step: o.step})
		stepCtx, stepSpan := o.startStepSpan(ctx, o.step)
		turn, err := o.stream(stepCtx)
		if err == nil {
			err = ctrl.Poll(ctx, control.PostTurn)
		}
		if err != nil {
			// the turn in flight is discarded
			o.step--
			o.endStepSpan(stepSpan, err)
			return "", err
		}

		err = o.commit(stepCtx, turn)
		o.endStepSpan(stepSpan, err)
		if err != nil {
			return "", err
		}
	}
}

// dispatchPending executes the previous turn's tool calls in emission order.
func (o *Orchestrator) dispatchPending(ctx context.Context) error {
	if len(o.pending) == 0 {
		return nil
	}
	o.setState(StateToolExecuting)
	for len(o.pending) > 0 {
		if err := o.cfg.Control.Poll(ctx, control.PreTool); err != nil {
			return err
		}
		call := o.pending[0]
		msg, err := o.cfg.Pipeline.Dispatch(ctx, call, o.step)
		if msg.Seq > 0 {
			o.transcript = append(o.transcript, msg)
			o.pending = o.pending[1:]
		}
		if err != nil {
			return err
		}
		if err := o.cfg.Session.Flush(); err != nil {
			return agenterr.Wrap(agenterr.KindPersistence, "orchestrator.checkpoint", err)
		}
	}
	return nil
}

// remind appends a user message listing unfinished todos so the model keeps
// working instead of stopping.
func (o *Orchestrator) remind(open []session.Todo) error {
	var b strings.Builder
	b.WriteString("You stopped with unfinished todos. Complete them or mark them cancelled:\n")
	for _, t := range open {
		fmt.Fprintf(&b, "- [%s] %s (%s)\n", t.ID, t.Content, t.Status)
	}
	msg, err := o.cfg.Session.Append(session.Message{Role: session.RoleUser, Content: b.String()})
	if err != nil {
		return agenterr.Wrap(agenterr.KindPersistence, "orchestrator.remind", err)
	}
	o.transcript = append(o.transcript, msg)
	o.finish = ""
	o.logger.Debug("open todos at finish", map[string]interface{}{"open": len(open)})
	return nil
}

// commit persists the turn, runs the compaction check and closes the step.
func (o *Orchestrator) commit(ctx context.Context, t *turn) error {
	h := o.cfg.Session
	msg, err := h.Append(session.Message{
		Role:      session.RoleAssistant,
		Content:   t.text,
		Reasoning: t.reasoning,
		ToolCalls: t.calls,
		Finish:    t.finish,
	})
	if err != nil {
		return agenterr.Wrap(agenterr.KindPersistence, "orchestrator.commit", err)
	}
	o.transcript = append(o.transcript, msg)
	o.pending = msg.ToolCalls
	o.finish = t.finish
	if t.text != "" {
		o.final = t.text
	}

	if o.cfg.Compactor != nil {
		o.compact(ctx)
	}

	step := o.cfg.Metrics.EndStep()
	snap := o.cfg.Metrics.Snapshot()
	if err := h.Update(func(s *session.Session) {
		s.Steps = o.step
		s.Metrics = snap
	}); err != nil {
		return agenterr.Wrap(agenterr.KindPersistence, "orchestrator.commit", err)
	}
	if err := h.Flush(); err != nil {
		return agenterr.Wrap(agenterr.KindPersistence, "orchestrator.checkpoint", err)
	}
	if o.cfg.Ledger != nil {
		if err := o.cfg.Ledger.RecordStep(ctx, h.ID(), step); err != nil {
			o.logger.Warn("metrics ledger write failed", map[string]interface{}{"error": err.Error()})
		}
	}
	return nil
}

// compact rewrites the live transcript when it is over budget. Failures are
// logged and the step continues with the uncompacted transcript.
func (o *Orchestrator) compact(ctx context.Context) {
	prev := o.state
	o.setState(StateCompacting)
	defer o.setState(prev)

	res, err := o.cfg.Compactor.Check(ctx, o.transcript)
	if err != nil {
		o.logger.Warn("compaction skipped", map[string]interface{}{
			"step":  o.step,
			"error": err.Error(),
		})
		o.cfg.Events.Emit(events.Event{Type: events.Error, Step: o.step, Error: err.Error(), Reason: string(agenterr.KindCompaction)})
		return
	}
	if res.Event == nil {
		return
	}
	o.transcript = res.Messages
	if err := o.cfg.Session.RecordCompaction(*res.Event); err != nil {
		o.logger.Warn("compaction event not recorded", map[string]interface{}{"error": err.Error()})
	}
	o.cfg.Metrics.MarkCompacted()
	o.cfg.Events.Emit(events.Event{
		Type: events.Compaction,
		Step: o.step,
		Data: map[string]interface{}{
			"policy":        res.Event.Policy,
			"from_seq":      res.Event.FromSeq,
			"to_seq":        res.Event.ToSeq,
			"tokens_before": res.Event.TokensBefore,
			"tokens_after":  res.Event.TokensAfter,
		},
	})
}

// terminate records the outcome, forces a final flush and publishes the
// finish event.
func (o *Orchestrator) terminate(ctx context.Context, span trace.Span, start time.Time, reason string, err error) (*Result, error) {
	h := o.cfg.Session
	o.setState(StateTerminated)

	status := session.StatusCompleted
	if err != nil {
		if errors.Is(err, context.Canceled) {
			err = agenterr.Wrap(agenterr.KindInterrupted, "orchestrator", err)
		}
		reason = string(agenterr.KindOf(err))
		if reason == "" {
			reason = "error"
		}
		status = session.StatusErrored
		if agenterr.KindOf(err) == agenterr.KindInterrupted {
			status = session.StatusPaused
		}
	}

	snap := o.cfg.Metrics.Snapshot()
	if uerr := h.Update(func(s *session.Session) {
		s.Steps = o.step
		s.Metrics = snap
		if err != nil && status == session.StatusErrored {
			s.Error = err.Error()
		}
	}); uerr != nil && err == nil {
		err = agenterr.Wrap(agenterr.KindPersistence, "orchestrator.terminate", uerr)
	}
	if serr := h.SetStatus(status, reason); serr != nil {
		o.logger.Warn("status not updated", map[string]interface{}{"error": serr.Error()})
	}
	if ferr := h.Flush(); ferr != nil {
		o.logger.Error("final flush failed", map[string]interface{}{"session": h.ID(), "error": ferr.Error()})
		if err == nil {
			err = agenterr.Wrap(agenterr.KindPersistence, "orchestrator.flush", ferr)
			status, reason = session.StatusErrored, string(agenterr.KindPersistence)
		}
	}

	if err != nil && status == session.StatusErrored {
		o.cfg.Events.Emit(events.Event{Type: events.Error, Step: o.step, Reason: reason, Error: err.Error()})
	}
	o.cfg.Events.Emit(events.Event{
		Type:   events.Finish,
		Step:   o.step,
		Reason: reason,
		Text:   o.final,
		Data:   map[string]interface{}{"status": string(status)},
	})

	if o.cfg.Ledger != nil {
		row := metrics.SessionRow{
			SessionID: h.ID(),
			AgentType: h.Meta().AgentType,
			Parent:    h.Meta().Parent,
			Status:    string(status),
			Reason:    reason,
			Snapshot:  snap,
		}
		if lerr := o.cfg.Ledger.RecordSession(ctx, row); lerr != nil {
			o.logger.Warn("metrics ledger write failed", map[string]interface{}{"error": lerr.Error()})
		}
	}

	o.logger.ExecutionComplete(h.ID(), time.Since(start), reason)
	o.endRunSpan(span, string(status), reason, err)
	return &Result{
		SessionID: h.ID(),
		Status:    status,
		Reason:    reason,
		Steps:     o.step,
		Final:     o.final,
		Metrics:   snap,
	}, err
}

func (o *Orchestrator) setState(s State) {
	if o.state == s {
		return
	}
	from := o.state
	o.state = s
	if o.OnStateChange != nil {
		o.OnStateChange(from, s)
	}
}

func (o *Orchestrator) observe(point control.Point, paused bool) {
	if paused {
		o.resumeState = o.state
		o.setState(StatePaused)
		o.cfg.Events.Emit(events.Event{Type: events.Paused, Step: o.step, Reason: string(point)})
		return
	}
	o.setState(o.resumeState)
	o.cfg.Events.Emit(events.Event{Type: events.Resumed, Step: o.step, Reason: string(point)})
}

// danglingCalls returns the tool calls of the last assistant message that have
// no recorded result.
func danglingCalls(msgs []session.Message) []session.ToolCall {
	last := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == session.RoleAssistant {
			last = i
			break
		}
	}
	if last < 0 || len(msgs[last].ToolCalls) == 0 {
		return nil
	}
	done := make(map[string]bool)
	for _, m := range msgs[last+1:] {
		if m.Result != nil {
			done[m.Result.CallID] = true
		}
	}
	var out []session.ToolCall
	for _, c := range msgs[last].ToolCalls {
		if !done[c.ID] {
			out = append(out, c)
		}
	}
	return out
}

// lastFinish returns the finish reason of the final message when it is an
// assistant turn.
func lastFinish(msgs []session.Message) string {
	if len(msgs) == 0 {
		return ""
	}
	m := msgs[len(msgs)-1]
	if m.Role != session.RoleAssistant {
		return ""
	}
	return m.Finish
}

func openTodos(todos []session.Todo) []session.Todo {
	var out []session.Todo
	for _, t := range todos {
		if t.Open() {
			out = append(out, t)
		}
	}
	return out
}
