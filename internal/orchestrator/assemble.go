package orchestrator

import (
	"errors"
	"time"

	"github.com/vinayprograms/agentcore/internal/compaction"
	"github.com/vinayprograms/agentcore/internal/control"
	"github.com/vinayprograms/agentcore/internal/doomloop"
	"github.com/vinayprograms/agentcore/internal/events"
	"github.com/vinayprograms/agentcore/internal/llmstream"
	"github.com/vinayprograms/agentcore/internal/metrics"
	"github.com/vinayprograms/agentcore/internal/pathguard"
	"github.com/vinayprograms/agentcore/internal/permission"
	"github.com/vinayprograms/agentcore/internal/session"
	"github.com/vinayprograms/agentcore/internal/tools"
)

// Deps are the collaborators shared by every session in the process.
type Deps struct {
	Streamer  llmstream.Streamer
	Registry  *tools.Registry
	Rules     *permission.Table
	Confirmer tools.Confirmer
	Compactor *compaction.Manager
	Ledger    Ledger

	ConfirmTimeout time.Duration
	Timeouts       tools.Timeouts
	Truncator      tools.Truncator
	DoomThreshold  int
	DoomWindow     int
	MaxSteps       int
}

// Binding is the per-session state: nothing in it is shared with another
// session.
type Binding struct {
	Session *session.Handle
	Guard   *pathguard.Guard
	Control *control.Surface
	Events  events.Emitter
	Metrics *metrics.Session
	// Registry overrides Deps.Registry, e.g. with a filtered table.
	Registry *tools.Registry
}

// Assemble builds a pipeline and orchestrator for one session.
func Assemble(d Deps, b Binding) (*Orchestrator, error) {
	if b.Session == nil || b.Guard == nil {
		return nil, errors.New("orchestrator: session and guard are required")
	}
	meta := b.Session.Meta()
	if b.Control == nil {
		b.Control = control.New()
	}
	if b.Metrics == nil {
		b.Metrics = metrics.NewSession(&meta.Metrics)
	}
	if b.Events == nil {
		b.Events = events.Discard
	}
	reg := b.Registry
	if reg == nil {
		reg = d.Registry
	}
	threshold := d.DoomThreshold
	if threshold <= 0 {
		threshold = doomloop.DefaultThreshold
	}

	pipe, err := tools.NewPipeline(tools.Config{
		Registry:       reg,
		Rules:          d.Rules,
		AgentType:      meta.AgentType,
		SessionID:      meta.ID,
		Depth:          meta.Depth,
		Guard:          b.Guard,
		Doom:           doomloop.New(threshold, d.DoomWindow),
		Metrics:        b.Metrics,
		Events:         b.Events,
		Recorder:       b.Session,
		Todos:          b.Session,
		Confirmer:      d.Confirmer,
		ConfirmTimeout: d.ConfirmTimeout,
		Timeouts:       d.Timeouts,
		Truncator:      d.Truncator,
	})
	if err != nil {
		return nil, err
	}

	system := ""
	if rs, ok := d.Rules.Get(meta.AgentType); ok {
		system = rs.Prompt
	}
	return New(Config{
		Streamer:  d.Streamer,
		Pipeline:  pipe,
		Session:   b.Session,
		Control:   b.Control,
		Events:    b.Events,
		Compactor: d.Compactor,
		Metrics:   b.Metrics,
		Ledger:    d.Ledger,
		System:    system,
		MaxSteps:  d.MaxSteps,
	})
}
