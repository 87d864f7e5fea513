// Package prompt asks the user to approve tool calls and writes outside the
// workspace.
package prompt

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/vinayprograms/agentcore/internal/tools"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("11"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("170")).
			Bold(true)

	normalStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252"))
)

// Answer is the user's decision.
type Answer int

const (
	Deny Answer = iota
	Allow
	AllowAlways // allow this tool (or path) for the rest of the session
)

// Confirmer implements tools.Confirmer. Requests are serialized; "always"
// answers are remembered per session and subject.
type Confirmer struct {
	in  io.Reader
	out io.Writer
	tty bool

	readOnce sync.Once
	lines    chan string

	mu     sync.Mutex
	always map[string]bool
	ask    func(ctx context.Context, req tools.ConfirmRequest) (Answer, error)
}

// New creates a confirmer on stdin/stdout, interactive when both are terminals.
func New() *Confirmer {
	tty := term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
	return NewWithIO(os.Stdin, os.Stdout, tty)
}

// NewWithIO creates a confirmer on the given streams.
func NewWithIO(in io.Reader, out io.Writer, tty bool) *Confirmer {
	c := &Confirmer{in: in, out: out, tty: tty, always: make(map[string]bool)}
	if tty {
		c.ask = c.askTUI
	} else {
		c.ask = c.askLine
	}
	return c
}

// Confirm implements tools.Confirmer.
func (c *Confirmer) Confirm(ctx context.Context, req tools.ConfirmRequest) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := subject(req)
	if c.always[key] {
		return true, nil
	}
	answer, err := c.ask(ctx, req)
	if err != nil {
		return false, err
	}
	if answer == AllowAlways {
		c.always[key] = true
	}
	return answer != Deny, nil
}

func subject(req tools.ConfirmRequest) string {
	if req.Kind == tools.ConfirmPath {
		return req.SessionID + "\x00path\x00" + req.Path
	}
	return req.SessionID + "\x00tool\x00" + req.Tool
}

// Describe renders a request for display.
func Describe(req tools.ConfirmRequest) string {
	var b strings.Builder
	switch req.Kind {
	case tools.ConfirmPath:
		fmt.Fprintf(&b, "%s wants to write outside the workspace\n", orUnknown(req.Tool))
		fmt.Fprintf(&b, "  %s %s\n", labelStyle.Render("path:"), req.Path)
	default:
		fmt.Fprintf(&b, "Allow %s?\n", orUnknown(req.Tool))
		keys := make([]string, 0, len(req.Args))
		for k := range req.Args {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "  %s %s\n", labelStyle.Render(k+":"), argText(req.Args[k]))
		}
	}
	if req.AgentType != "" {
		fmt.Fprintf(&b, "  %s %s", labelStyle.Render("agent:"), req.AgentType)
		if req.SessionID != "" {
			fmt.Fprintf(&b, " (%s)", req.SessionID)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func orUnknown(s string) string {
	if s == "" {
		return "a tool"
	}
	return s
}

func argText(v interface{}) string {
	s, ok := v.(string)
	if !ok {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		s = string(data)
	}
	if len(s) > 400 {
		s = s[:400] + "..."
	}
	return s
}

// askLine reads y/n/a from a line-oriented stream.
func (c *Confirmer) askLine(ctx context.Context, req tools.ConfirmRequest) (Answer, error) {
	fmt.Fprint(c.out, Describe(req))
	fmt.Fprint(c.out, "[y]es / [n]o / [a]lways: ")

	c.startReader()
	select {
	case <-ctx.Done():
		fmt.Fprintln(c.out)
		return Deny, ctx.Err()
	case line, ok := <-c.lines:
		if !ok {
			return Deny, io.EOF
		}
		return parseAnswer(line), nil
	}
}

// startReader reads input lines in the background. A single reader outlives
// timed-out prompts so no input is lost to an abandoned read.
func (c *Confirmer) startReader() {
	c.readOnce.Do(func() {
		c.lines = make(chan string)
		go func() {
			defer close(c.lines)
			sc := bufio.NewScanner(c.in)
			for sc.Scan() {
				c.lines <- sc.Text()
			}
		}()
	})
}

func parseAnswer(s string) Answer {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes":
		return Allow
	case "a", "always":
		return AllowAlways
	}
	return Deny
}

// askTUI runs a one-shot bubbletea selector.
func (c *Confirmer) askTUI(ctx context.Context, req tools.ConfirmRequest) (Answer, error) {
	m := newModel(req)
	prog := tea.NewProgram(m, tea.WithContext(ctx), tea.WithInput(c.in), tea.WithOutput(c.out))
	final, err := prog.Run()
	if err != nil {
		return Deny, err
	}
	return final.(*model).answer, nil
}

var choices = []struct {
	label  string
	answer Answer
}{
	{"Yes", Allow},
	{"Always for this session", AllowAlways},
	{"No", Deny},
}

type model struct {
	req    tools.ConfirmRequest
	cursor int
	answer Answer
	done   bool
}

func newModel(req tools.ConfirmRequest) *model {
	return &model{req: req}
}

func (m *model) Init() tea.Cmd { return nil }

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	key, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}
	switch key.String() {
	case "ctrl+c", "esc", "n":
		return m.finish(Deny)
	case "y":
		return m.finish(Allow)
	case "a":
		return m.finish(AllowAlways)
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j", "tab":
		if m.cursor < len(choices)-1 {
			m.cursor++
		}
	case "enter":
		return m.finish(choices[m.cursor].answer)
	}
	return m, nil
}

func (m *model) finish(a Answer) (tea.Model, tea.Cmd) {
	m.answer = a
	m.done = true
	return m, tea.Quit
}

func (m *model) View() string {
	if m.done {
		return ""
	}
	var b strings.Builder
	b.WriteString(headerStyle.Render("Confirmation required"))
	b.WriteString("\n")
	b.WriteString(Describe(m.req))
	b.WriteString("\n")
	for i, ch := range choices {
		if i == m.cursor {
			b.WriteString(selectedStyle.Render("> " + ch.label))
		} else {
			b.WriteString(normalStyle.Render("  " + ch.label))
		}
		b.WriteString("\n")
	}
	b.WriteString(labelStyle.Render("y/a/n or arrows + enter"))
	b.WriteString("\n")
	return b.String()
}
