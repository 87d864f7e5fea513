package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vinayprograms/agentcore/internal/session"
)

// RegisterTodo adds todo_write and todo_read. Both operate on the task list of
// the session found in the call context.
func RegisterTodo(r *Registry) error {
	item := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"id":       map[string]interface{}{"type": "string"},
			"content":  map[string]interface{}{"type": "string"},
			"status":   map[string]interface{}{"type": "string", "enum": []string{session.TodoPending, session.TodoInProgress, session.TodoCompleted, session.TodoCancelled}},
			"priority": map[string]interface{}{"type": "string", "enum": []string{"high", "medium", "low"}},
		},
		"required": []string{"id", "content", "status"},
	}
	if err := r.Register(Descriptor{
		Name:        "todo_write",
		Description: "Replace the session task list. Keep it current: mark items in_progress when starting and completed when done.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"todos": map[string]interface{}{"type": "array", "items": item},
			},
			"required": []string{"todos"},
		},
		Class: ClassOther,
	}, HandlerFunc(todoWrite)); err != nil {
		return err
	}
	return r.Register(Descriptor{
		Name:        "todo_read",
		Description: "Read the session task list.",
		Class:       ClassOther,
	}, HandlerFunc(todoRead))
}

func todoWrite(ctx context.Context, args map[string]interface{}) (Output, error) {
	store := todosFrom(ctx)
	if store == nil {
		return Output{}, fmt.Errorf("no session task list")
	}
	raw, ok := args["todos"]
	if !ok {
		return Output{}, fmt.Errorf("todos is required")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return Output{}, fmt.Errorf("todos: %w", err)
	}
	var todos []session.Todo
	if err := json.Unmarshal(data, &todos); err != nil {
		return Output{}, fmt.Errorf("todos must be a list of {id, content, status}: %w", err)
	}
	seen := make(map[string]bool, len(todos))
	for i, t := range todos {
		switch {
		case t.ID == "":
			return Output{}, fmt.Errorf("todo %d: id is required", i)
		case seen[t.ID]:
			return Output{}, fmt.Errorf("todo %d: duplicate id %q", i, t.ID)
		case !validTodoStatus(t.Status):
			return Output{}, fmt.Errorf("todo %q: invalid status %q", t.ID, t.Status)
		}
		seen[t.ID] = true
	}
	if err := store.SetTodos(todos); err != nil {
		return Output{}, err
	}
	return Output{
		Title:    fmt.Sprintf("%d todos", countOpen(todos)),
		Output:   formatTodos(todos),
		Metadata: map[string]interface{}{"open": countOpen(todos)},
	}, nil
}

func todoRead(ctx context.Context, _ map[string]interface{}) (Output, error) {
	store := todosFrom(ctx)
	if store == nil {
		return Output{}, fmt.Errorf("no session task list")
	}
	todos := store.Todos()
	return Output{
		Title:    fmt.Sprintf("%d todos", countOpen(todos)),
		Output:   formatTodos(todos),
		Metadata: map[string]interface{}{"open": countOpen(todos)},
	}, nil
}

func validTodoStatus(s string) bool {
	switch s {
	case session.TodoPending, session.TodoInProgress, session.TodoCompleted, session.TodoCancelled:
		return true
	}
	return false
}

func countOpen(todos []session.Todo) int {
	n := 0
	for _, t := range todos {
		if t.Open() {
			n++
		}
	}
	return n
}

func formatTodos(todos []session.Todo) string {
	if len(todos) == 0 {
		return "(no todos)"
	}
	var b strings.Builder
	for _, t := range todos {
		mark := " "
		switch t.Status {
		case session.TodoCompleted:
			mark = "x"
		case session.TodoInProgress:
			mark = ">"
		case session.TodoCancelled:
			mark = "-"
		}
		fmt.Fprintf(&b, "[%s] %s %s\n", mark, t.ID, t.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}
