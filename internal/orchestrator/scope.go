package orchestrator

import (
	"context"

	"github.com/vinayprograms/agentcore/internal/control"
	"github.com/vinayprograms/agentcore/internal/events"
	"github.com/vinayprograms/agentcore/internal/metrics"
	"github.com/vinayprograms/agentcore/internal/pathguard"
)

type scopeKey struct{}

// Scope is what a running session lends to tools that start nested sessions.
type Scope struct {
	SessionID string
	AgentType string
	Depth     int
	// Root is the id of the outermost session.
	Root string

	Guard   *pathguard.Guard
	Control *control.Surface
	Events  events.Emitter
	Metrics *metrics.Session
}

// ScopeFrom returns the scope of the session whose tool call ctx belongs to.
func ScopeFrom(ctx context.Context) (Scope, bool) {
	s, ok := ctx.Value(scopeKey{}).(Scope)
	return s, ok
}

func (o *Orchestrator) withScope(ctx context.Context) context.Context {
	meta := o.cfg.Session.Meta()
	root := meta.ID
	if outer, ok := ScopeFrom(ctx); ok && outer.Root != "" {
		root = outer.Root
	}
	return context.WithValue(ctx, scopeKey{}, Scope{
		SessionID: meta.ID,
		AgentType: meta.AgentType,
		Depth:     meta.Depth,
		Root:      root,
		Guard:     o.cfg.Pipeline.Guard(),
		Control:   o.cfg.Control,
		Events:    o.cfg.Events,
		Metrics:   o.cfg.Metrics,
	})
}
