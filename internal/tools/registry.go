// Package tools holds the tool table and the dispatch pipeline that runs every
// model-requested tool call through permission, path and freshness checks.
package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/vinayprograms/agentkit/llm"
)

// Class groups tools by side effect. It selects path guarding, read tracking
// and default timeouts.
type Class string

const (
	ClassRead  Class = "read"
	ClassWrite Class = "write"
	ClassShell Class = "shell"
	ClassTask  Class = "task"
	ClassOther Class = "other"
)

// Output is what a tool returns to the model.
type Output struct {
	Title    string
	Output   string
	Metadata map[string]interface{}
}

// Handler executes one tool.
type Handler interface {
	Execute(ctx context.Context, args map[string]interface{}) (Output, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, args map[string]interface{}) (Output, error)

// Execute implements Handler.
func (f HandlerFunc) Execute(ctx context.Context, args map[string]interface{}) (Output, error) {
	return f(ctx, args)
}

// Descriptor describes a tool to the model and to the pipeline.
type Descriptor struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
	Class       Class
	// PathArgs names the arguments holding file paths. Write-class tools have
	// them checked by the path guard; read-class tools have them tracked.
	PathArgs []string
	// Timeout overrides the class default. Zero means use the default.
	Timeout time.Duration
}

// Tool is a registered descriptor and its handler.
type Tool struct {
	Descriptor
	Handler Handler
}

// Registry is the explicit tool table, built once at startup.
type Registry struct {
	order []string
	tools map[string]*Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool. Names must be unique.
func (r *Registry) Register(desc Descriptor, h Handler) error {
	if desc.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if h == nil {
		return fmt.Errorf("tool %s: handler is required", desc.Name)
	}
	if _, ok := r.tools[desc.Name]; ok {
		return fmt.Errorf("tool %s already registered", desc.Name)
	}
	if desc.Class == "" {
		desc.Class = ClassOther
	}
	if desc.Parameters == nil {
		desc.Parameters = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
	}
	r.tools[desc.Name] = &Tool{Descriptor: desc, Handler: h}
	r.order = append(r.order, desc.Name)
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.tools[name]
	return ok
}

// Names returns tool names in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Len returns the number of tools.
func (r *Registry) Len() int { return len(r.order) }

// Definitions returns model-facing tool schemas in registration order.
func (r *Registry) Definitions() []llm.ToolDef {
	defs := make([]llm.ToolDef, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		defs = append(defs, llm.ToolDef{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return defs
}

// Filter returns a new registry holding the tools keep accepts. Handlers are
// shared.
func (r *Registry) Filter(keep func(t *Tool) bool) *Registry {
	out := NewRegistry()
	for _, name := range r.order {
		t := r.tools[name]
		if keep(t) {
			out.tools[name] = t
			out.order = append(out.order, name)
		}
	}
	return out
}
