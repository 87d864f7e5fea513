package tools

import (
	"context"

	"github.com/vinayprograms/agentcore/internal/session"
)

// Context keys for per-session state handed to tools.
type ctxKey int

const (
	ctxKeyRunInfo ctxKey = iota
	ctxKeyTodos
)

// RunInfo identifies the session a tool call belongs to.
type RunInfo struct {
	SessionID string
	AgentType string
	Depth     int
	Step      int
	CallID    string
	// WorkDir is the session working directory relative paths resolve against.
	WorkDir string
}

// WithRunInfo returns a context carrying info.
func WithRunInfo(ctx context.Context, info RunInfo) context.Context {
	return context.WithValue(ctx, ctxKeyRunInfo, info)
}

// RunInfoFrom extracts run info from ctx.
func RunInfoFrom(ctx context.Context) RunInfo {
	info, _ := ctx.Value(ctxKeyRunInfo).(RunInfo)
	return info
}

// TodoStore is the session task list.
type TodoStore interface {
	Todos() []session.Todo
	SetTodos(todos []session.Todo) error
}

// WithTodos returns a context carrying the session task list.
func WithTodos(ctx context.Context, store TodoStore) context.Context {
	return context.WithValue(ctx, ctxKeyTodos, store)
}

func todosFrom(ctx context.Context) TodoStore {
	s, _ := ctx.Value(ctxKeyTodos).(TodoStore)
	return s
}
