package replay

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/vinayprograms/agentcore/internal/session"
)

// Replayer formats stored sessions as a timeline.
type Replayer struct {
	output         io.Writer
	verbosity      int // 0=normal, 1=verbose (-v), 2=very verbose (-vv)
	maxContentSize int // Maximum bytes shown per content field (0 = unlimited)
}

// Option configures a Replayer.
type Option func(*Replayer)

// WithMaxContentSize limits how much of each message body is shown.
func WithMaxContentSize(size int) Option {
	return func(r *Replayer) {
		r.maxContentSize = size
	}
}

// New creates a Replayer.
func New(output io.Writer, verbosity int, opts ...Option) *Replayer {
	r := &Replayer{
		output:         output,
		verbosity:      verbosity,
		maxContentSize: 50 * 1024,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Render writes one session: header, message timeline, todos.
func (r *Replayer) Render(snap *session.Snapshot) error {
	if snap == nil {
		return fmt.Errorf("no session to render")
	}
	r.header(snap.Session)
	for _, m := range snap.Messages {
		r.message(m)
	}
	r.todos(snap.Todos)
	r.footer(snap.Session)
	return nil
}

// RenderTree renders a session followed by every descendant session, depth
// first in creation order.
func (r *Replayer) RenderTree(store *session.Store, id string) error {
	all, err := store.List()
	if err != nil {
		return err
	}
	children := make(map[string][]string)
	for _, s := range all {
		if s.Parent != "" {
			children[s.Parent] = append(children[s.Parent], s.ID)
		}
	}

	var walk func(id string) error
	walk = func(id string) error {
		snap, err := store.Load(id)
		if err != nil {
			return err
		}
		if err := r.Render(snap); err != nil {
			return err
		}
		for _, c := range children[id] {
			fmt.Fprintln(r.output)
			if err := walk(c); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(id)
}

// String renders a session tree to a string.
func String(store *session.Store, id string, verbosity int) (string, error) {
	var buf strings.Builder
	if err := New(&buf, verbosity).RenderTree(store, id); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (r *Replayer) header(s session.Session) {
	fmt.Fprintln(r.output, divider)
	label := "SESSION"
	if s.Parent != "" {
		label = "SUBAGENT SESSION"
	}
	fmt.Fprintf(r.output, "%s %s\n", titleStyle.Render(label), valueStyle.Render(s.ID))
	if s.Title != "" {
		fmt.Fprintf(r.output, "%s %s\n", labelStyle.Render("title:"), valueStyle.Render(s.Title))
	}
	fmt.Fprintf(r.output, "%s %s  %s %s  %s %d\n",
		labelStyle.Render("agent:"), valueStyle.Render(s.AgentType),
		labelStyle.Render("status:"), statusText(s.Status, s.Reason),
		labelStyle.Render("steps:"), s.Steps)
	if s.Parent != "" {
		fmt.Fprintf(r.output, "%s %s  %s %d\n",
			labelStyle.Render("parent:"), valueStyle.Render(s.Parent),
			labelStyle.Render("depth:"), s.Depth)
	}
	fmt.Fprintf(r.output, "%s %s\n", labelStyle.Render("workdir:"), valueStyle.Render(s.WorkDir))
	fmt.Fprintf(r.output, "%s %s\n", labelStyle.Render("started:"),
		valueStyle.Render(s.CreatedAt.Format("2006-01-02 15:04:05")))
	fmt.Fprintln(r.output, divider)
	fmt.Fprintln(r.output)
}

func statusText(st session.Status, reason string) string {
	text := string(st)
	if reason != "" && reason != text {
		text += " (" + reason + ")"
	}
	switch st {
	case session.StatusCompleted:
		return successStyle.Render(text)
	case session.StatusErrored:
		return errorStyle.Render(text)
	case session.StatusPaused:
		return warnStyle.Render(text)
	}
	return valueStyle.Render(text)
}

func (r *Replayer) message(m session.Message) {
	seq := seqStyle.Render(fmt.Sprintf("%d", m.Seq))
	ts := timeStyle.Render(m.CreatedAt.Format("15:04:05"))

	switch m.Role {
	case session.RoleUser:
		fmt.Fprintf(r.output, "%s │ %s │ %s %s\n", seq, ts,
			userStyle.Render("USER:"), firstLine(m.Content))
		r.body(m.Content, assistantStyle)
	case session.RoleAssistant:
		r.assistant(seq, ts, m)
	case session.RoleTool:
		r.toolResult(seq, ts, m)
	default:
		fmt.Fprintf(r.output, "%s │ %s │ %s\n", seq, ts, dimStyle.Render(m.Role))
	}
}

func (r *Replayer) assistant(seq, ts string, m session.Message) {
	if r.verbosity >= 1 && m.Reasoning != "" {
		fmt.Fprintf(r.output, "%s │ %s │ %s\n", seq, ts, reasoningStyle.Render("THINKING"))
		r.lines(r.clip(m.Reasoning), reasoningStyle, 0)
		seq, ts = seqStyle.Render(""), timeStyle.Render("        ")
	}
	if m.Content != "" {
		fmt.Fprintf(r.output, "%s │ %s │ %s %s\n", seq, ts,
			titleStyle.Render("ASSISTANT:"), firstLine(m.Content))
		r.body(m.Content, assistantStyle)
		seq, ts = seqStyle.Render(""), timeStyle.Render("        ")
	}
	for _, c := range m.ToolCalls {
		style := toolStyle
		if c.Name == "task" {
			style = subagentStyle
		}
		fmt.Fprintf(r.output, "%s │ %s │ %s %s %s\n", seq, ts,
			style.Render("→"), style.Render(c.Name), dimStyle.Render(argSummary(c.Args)))
		if r.verbosity >= 2 {
			r.args(c.Args)
		}
		seq, ts = seqStyle.Render(""), timeStyle.Render("        ")
	}
	if m.Finish != "" && r.verbosity >= 1 {
		fmt.Fprintf(r.output, "%s%s %s\n", gutter, labelStyle.Render("finish:"), dimStyle.Render(m.Finish))
	}
}

func (r *Replayer) toolResult(seq, ts string, m session.Message) {
	res := m.Result
	if res == nil {
		fmt.Fprintf(r.output, "%s │ %s │ %s\n", seq, ts, dimStyle.Render("tool result (empty)"))
		return
	}
	style := toolStyle
	if res.Tool == "task" {
		style = subagentStyle
	}
	status := successStyle.Render("ok")
	if res.IsError {
		status = errorStyle.Render("error")
		if kind, ok := res.Metadata["error_kind"].(string); ok {
			status = errorStyle.Render(kind)
		}
	}
	title := res.Title
	if title == "" {
		title = res.Tool
	}
	fmt.Fprintf(r.output, "%s │ %s │ %s %s %s\n", seq, ts, style.Render("←"), style.Render(title), status)
	if res.Tool == "task" {
		if child, ok := res.Metadata["session_id"].(string); ok {
			fmt.Fprintf(r.output, "%s%s %s\n", gutter, labelStyle.Render("session:"), subagentStyle.Render(child))
		}
	}
	if truncated, _ := res.Metadata["truncated"].(bool); truncated {
		fmt.Fprintf(r.output, "%s%s\n", gutter, warnStyle.Render("output truncated"))
	}

	limit := 10
	switch {
	case r.verbosity >= 2:
		limit = 0
	case r.verbosity == 1:
		limit = 50
	}
	outStyle := dimStyle
	if res.IsError {
		outStyle = errorStyle
	}
	r.lines(r.clip(res.Output), outStyle, limit)
}

// body prints the remainder of a multi-line message in verbose mode.
func (r *Replayer) body(content string, style lipgloss.Style) {
	if r.verbosity < 1 {
		return
	}
	rest := strings.SplitN(r.clip(content), "\n", 2)
	if len(rest) < 2 {
		return
	}
	for _, line := range strings.Split(rest[1], "\n") {
		fmt.Fprintf(r.output, "%s%s\n", gutter, style.Render(line))
	}
}

func (r *Replayer) lines(content string, style lipgloss.Style, limit int) {
	if content == "" {
		return
	}
	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	for i, line := range lines {
		if limit > 0 && i >= limit {
			fmt.Fprintf(r.output, "%s%s\n", gutter,
				dimStyle.Render(fmt.Sprintf("... (%d more lines)", len(lines)-limit)))
			return
		}
		fmt.Fprintf(r.output, "%s%s\n", gutter, style.Render(line))
	}
}

func (r *Replayer) args(args map[string]interface{}) {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(r.output, "%s%s %v\n", gutter, labelStyle.Render(k+":"), args[k])
	}
}

func (r *Replayer) todos(todos []session.Todo) {
	if len(todos) == 0 {
		return
	}
	fmt.Fprintln(r.output)
	fmt.Fprintln(r.output, titleStyle.Render("TODOS"))
	for _, t := range todos {
		mark := "[ ]"
		style := valueStyle
		switch t.Status {
		case session.TodoCompleted:
			mark, style = "[x]", successStyle
		case session.TodoInProgress:
			mark, style = "[~]", warnStyle
		case session.TodoCancelled:
			mark, style = "[-]", dimStyle
		}
		fmt.Fprintf(r.output, "  %s %s\n", style.Render(mark), style.Render(t.Content))
	}
}

func (r *Replayer) footer(s session.Session) {
	fmt.Fprintln(r.output)
	m := s.Metrics
	fmt.Fprintf(r.output, "%s %s  %s %s  %s %s\n",
		labelStyle.Render("tokens:"), valueStyle.Render(fmt.Sprintf("%d in / %d out", m.InputTokens, m.OutputTokens)),
		labelStyle.Render("llm:"), valueStyle.Render(m.LLMLatency.Round(time.Millisecond).String()),
		labelStyle.Render("tools:"), valueStyle.Render(fmt.Sprintf("%d calls, %d errors", m.ToolCalls, m.TotalToolErrors())))
	if m.Compactions > 0 || m.Subagents > 0 {
		fmt.Fprintf(r.output, "%s %d  %s %d\n",
			labelStyle.Render("compactions:"), m.Compactions,
			labelStyle.Render("subagents:"), m.Subagents)
	}
	if r.verbosity >= 1 {
		for _, c := range s.Compactions {
			fmt.Fprintf(r.output, "  %s %s %s\n", dimStyle.Render(c.At.Format("15:04:05")),
				warnStyle.Render(c.Policy),
				dimStyle.Render(fmt.Sprintf("seq %d-%d, %d messages, %d -> %d tokens",
					c.FromSeq, c.ToSeq, c.Messages, c.TokensBefore, c.TokensAfter)))
		}
	}
	if s.Error != "" {
		fmt.Fprintf(r.output, "%s %s\n", errorStyle.Render("error:"), s.Error)
	}
}

func (r *Replayer) clip(s string) string {
	if r.maxContentSize > 0 && len(s) > r.maxContentSize {
		return s[:r.maxContentSize] + fmt.Sprintf("\n... [%d bytes clipped]", len(s)-r.maxContentSize)
	}
	return s
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// argSummary renders call arguments compactly on one line.
func argSummary(args map[string]interface{}) string {
	if len(args) == 0 {
		return ""
	}
	for _, k := range []string{"path", "command", "pattern", "agent_type"} {
		if v, ok := args[k].(string); ok {
			return truncate(v, 80)
		}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return ""
	}
	return truncate(string(data), 80)
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
