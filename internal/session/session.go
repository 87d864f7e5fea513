// Package session provides session management and persistence.
package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/vinayprograms/agentcore/internal/metrics"
)

// Status of a session.
type Status string

// Status constants for sessions.
const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusErrored   Status = "errored"
)

// CanTransition reports whether a session may move from one status to another.
// Allowed: active→paused, active→completed, active→errored, paused→active.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusActive:
		return to == StatusPaused || to == StatusCompleted || to == StatusErrored
	case StatusPaused:
		return to == StatusActive
	}
	return false
}

// Terminal reports whether a session in this status can never run again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusErrored
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
	RoleSystem    = "system"
)

// Session is the persisted metadata for one agent run (session.json).
type Session struct {
	ID         string    `json:"id"`
	AgentType  string    `json:"agent_type"`
	Parent     string    `json:"parent,omitempty"`
	Depth      int       `json:"depth,omitempty"`
	Status     Status    `json:"status"`
	Reason     string    `json:"reason,omitempty"` // terminal reason, e.g. max-steps
	Error      string    `json:"error,omitempty"`
	WorkDir    string    `json:"work_dir"`
	StartPaths []string  `json:"start_paths,omitempty"`
	PID        int       `json:"pid"`
	Title      string    `json:"title,omitempty"`
	LastSeq    int       `json:"last_seq"`
	Steps      int       `json:"steps"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`

	Metrics     metrics.Snapshot  `json:"metrics"`
	Compactions []CompactionEvent `json:"compactions,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Args       map[string]interface{} `json:"args"`
	MessageSeq int                    `json:"message_seq"`
}

// ToolResult is the outcome of a ToolCall.
type ToolResult struct {
	CallID   string                 `json:"call_id"`
	Tool     string                 `json:"tool"`
	Title    string                 `json:"title,omitempty"`
	Output   string                 `json:"output"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	IsError  bool                   `json:"is_error,omitempty"`
}

// Message is one ordered unit of conversation (messages/<seq>.json).
type Message struct {
	Seq       int         `json:"seq"`
	Role      string      `json:"role"`
	Content   string      `json:"content,omitempty"`
	Reasoning string      `json:"reasoning,omitempty"`
	ToolCalls []ToolCall  `json:"tool_calls,omitempty"`
	Result    *ToolResult `json:"result,omitempty"`
	Finish    string      `json:"finish,omitempty"` // model finish reason for assistant messages
	CreatedAt time.Time   `json:"created_at"`

	// Synthetic marks in-context messages produced by compaction. They are
	// never persisted.
	Synthetic bool `json:"-"`
}

// Todo is one entry of the session task list (todos.json).
type Todo struct {
	ID       string `json:"id"`
	Content  string `json:"content"`
	Status   string `json:"status"` // pending | in_progress | completed | cancelled
	Priority string `json:"priority,omitempty"`
}

// Todo statuses.
const (
	TodoPending    = "pending"
	TodoInProgress = "in_progress"
	TodoCompleted  = "completed"
	TodoCancelled  = "cancelled"
)

// Open reports whether the todo still needs work.
func (t Todo) Open() bool {
	return t.Status != TodoCompleted && t.Status != TodoCancelled
}

// CompactionEvent records one compaction of the in-context transcript.
type CompactionEvent struct {
	FromSeq      int       `json:"from_seq"`
	ToSeq        int       `json:"to_seq"`
	Policy       string    `json:"policy"`
	TokensBefore int       `json:"tokens_before"`
	TokensAfter  int       `json:"tokens_after"`
	Messages     int       `json:"messages"` // messages pruned or summarized
	At           time.Time `json:"at"`
}

// Snapshot is a read-only view of a stored session.
type Snapshot struct {
	Session  Session
	Messages []Message
	Todos    []Todo
}

// NewID formats a session id: {AgentType}_{date}_{time}.
func NewID(agentType string, t time.Time) string {
	return fmt.Sprintf("%s_%s_%s", agentType, t.Format("20060102"), t.Format("150405"))
}

// ChildID derives a nested session id from its parent.
func ChildID(parentID, agentType string, n int) string {
	return fmt.Sprintf("%s-%s%d", parentID, agentType, n)
}

// ValidateID rejects ids that could escape the store root.
func ValidateID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("session id is empty")
	case strings.ContainsAny(id, `/\`):
		return fmt.Errorf("session id %q contains a path separator", id)
	case strings.Contains(id, ".."):
		return fmt.Errorf("session id %q contains '..'", id)
	case strings.HasPrefix(id, "."):
		return fmt.Errorf("session id %q has a leading dot", id)
	case strings.ContainsRune(id, 0):
		return fmt.Errorf("session id contains a NUL byte")
	}
	return nil
}
