package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/vinayprograms/agentcore/internal/events"
)

// progress prints session events to the terminal. Assistant text of the top
// session streams to out; everything else is a status line on errOut.
type progress struct {
	out    io.Writer
	errOut io.Writer
	quiet  bool

	mu      sync.Mutex
	midLine bool // out has text without a trailing newline
}

func newProgress(out, errOut io.Writer, quiet bool) *progress {
	return &progress{out: out, errOut: errOut, quiet: quiet}
}

// Handle implements events.Sink.
func (p *progress) Handle(e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	child := e.Data["parent"] != nil
	if p.quiet && e.Type != events.Error {
		return nil
	}

	switch e.Type {
	case events.TextDelta:
		if child {
			return nil
		}
		fmt.Fprint(p.out, e.Text)
		p.midLine = !strings.HasSuffix(e.Text, "\n")
	case events.ToolStart:
		p.status(e, "→ %s %s", e.Tool, argHint(e.Data["args"]))
	case events.ToolComplete:
		if isErr, _ := e.Data["is_error"].(bool); isErr {
			p.status(e, "✗ %s: %s", e.Tool, firstLine(e.Error))
		} else if e.Tool == "task" {
			p.status(e, "⊖ %s", e.Text)
		}
	case events.Subagent:
		if e.Reason == "start" {
			p.status(e, "⊕ subagent %v: %s", e.Data["agent"], e.Text)
		}
	case events.Paused:
		p.status(e, "⏸ paused at %s", e.Reason)
	case events.Resumed:
		p.status(e, "▶ resumed")
	case events.Compaction:
		p.status(e, "⇣ compacted context (%v → %v tokens)", e.Data["tokens_before"], e.Data["tokens_after"])
	case events.Error:
		p.status(e, "✗ %s: %s", e.Reason, e.Error)
	case events.Finish:
		if !child {
			p.endLine()
		}
	}
	return nil
}

func (p *progress) status(e events.Event, format string, args ...interface{}) {
	p.endLine()
	prefix := "  "
	if e.Data["parent"] != nil {
		prefix = "    [" + e.SessionID + "] "
	}
	fmt.Fprintf(p.errOut, prefix+format+"\n", args...)
}

func (p *progress) endLine() {
	if p.midLine {
		fmt.Fprintln(p.out)
		p.midLine = false
	}
}

// argHint picks the most telling argument of a tool call for a status line.
func argHint(v interface{}) string {
	args, ok := v.(map[string]interface{})
	if !ok {
		return ""
	}
	for _, k := range []string{"path", "pattern", "command", "agent_type", "url", "query"} {
		if s, ok := args[k].(string); ok && s != "" {
			return truncate(firstLine(s), 80)
		}
	}
	return ""
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
