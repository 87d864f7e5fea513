package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"github.com/vinayprograms/agentcore/internal/config"
	"github.com/vinayprograms/agentcore/internal/metrics"
	"github.com/vinayprograms/agentcore/internal/natsbridge"
	"github.com/vinayprograms/agentcore/internal/permission"
	"github.com/vinayprograms/agentcore/internal/replay"
	"github.com/vinayprograms/agentcore/internal/session"
	"github.com/vinayprograms/agentcore/internal/setup"
)

// Run implements RunCmd.
func (c *RunCmd) Run(g *globals) error {
	text, err := readPrompt(c.Prompt, os.Stdin)
	if err != nil {
		return err
	}
	if text == "" {
		return fmt.Errorf("no prompt given")
	}

	rt := newRuntime(g.cfg, g.creds)
	rt.quiet = c.Quiet
	defer rt.cleanup()
	if err := rt.setup(); err != nil {
		return err
	}

	agentType := c.Agent
	if agentType == "" {
		agentType = g.cfg.Agent.Type
	}
	if _, ok := rt.rules.Get(agentType); !ok {
		return fmt.Errorf("unknown agent type %q (have: %s)", agentType, strings.Join(rt.rules.Names(), ", "))
	}
	workspace := c.Workspace
	if workspace == "" {
		workspace = config.ExpandPath(g.cfg.Agent.Workspace)
	}
	if workspace, err = filepath.Abs(workspace); err != nil {
		return err
	}

	h, err := rt.store.Create(session.CreateOptions{
		AgentType:  agentType,
		WorkDir:    workspace,
		StartPaths: c.Path,
		Title:      c.Title,
	})
	if err != nil {
		return err
	}
	defer h.Close()
	if !c.Quiet {
		fmt.Fprintf(rt.errOut, "session %s (%s)\n", h.ID(), agentType)
	}

	res, err := rt.runSession(context.Background(), h, text, sessionOptions{
		wild:     c.Wild,
		step:     c.Step,
		watch:    orDefault(c.Watch, g.cfg.Watch.Addr),
		maxSteps: c.MaxSteps,
	})
	return rt.report(res, err)
}

// Run implements ResumeCmd.
func (c *ResumeCmd) Run(g *globals) error {
	text, err := readPrompt(c.Prompt, nil)
	if err != nil {
		return err
	}

	rt := newRuntime(g.cfg, g.creds)
	rt.quiet = c.Quiet
	defer rt.cleanup()
	if err := rt.setup(); err != nil {
		return err
	}

	h, err := rt.store.Resume(c.Session)
	if err != nil {
		return err
	}
	defer h.Close()
	if !c.Quiet {
		meta := h.Meta()
		fmt.Fprintf(rt.errOut, "resuming %s (%s, %d messages, step %d)\n", meta.ID, meta.AgentType, meta.LastSeq, meta.Steps)
	}

	res, err := rt.runSession(context.Background(), h, text, sessionOptions{
		wild:     c.Wild,
		watch:    orDefault(c.Watch, g.cfg.Watch.Addr),
		maxSteps: c.MaxSteps,
	})
	return rt.report(res, err)
}

// Run implements SessionsCmd.
func (c *SessionsCmd) Run(g *globals) error {
	store, err := openStore(g.cfg)
	if err != nil {
		return err
	}
	list, err := store.List()
	if err != nil {
		return err
	}
	list, err = filterSessions(list, c.All, c.Status)
	if err != nil {
		return err
	}
	return printSessions(os.Stdout, list, c.JSON)
}

// filterSessions drops subagent sessions unless all is set and keeps only
// status when it is non-empty.
func filterSessions(list []session.Session, all bool, status string) ([]session.Session, error) {
	switch session.Status(status) {
	case "", session.StatusActive, session.StatusPaused, session.StatusCompleted, session.StatusErrored:
	default:
		return nil, fmt.Errorf("unknown status %q", status)
	}
	out := list[:0:0]
	for _, s := range list {
		if !all && s.Parent != "" {
			continue
		}
		if status != "" && string(s.Status) != status {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func printSessions(w io.Writer, list []session.Session, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if list == nil {
			list = []session.Session{}
		}
		return enc.Encode(list)
	}
	if len(list) == 0 {
		fmt.Fprintln(w, "no sessions")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tAGENT\tSTATUS\tSTEPS\tUPDATED\tTITLE")
	for _, s := range list {
		status := string(s.Status)
		if s.Reason != "" && s.Reason != string(s.Status) {
			status += " (" + s.Reason + ")"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			s.ID, s.AgentType, status, s.Steps, s.UpdatedAt.Local().Format("2006-01-02 15:04"), truncate(s.Title, 40))
	}
	return tw.Flush()
}

// Run implements InspectCmd.
func (c *InspectCmd) Run(g *globals) error {
	store, err := openStore(g.cfg)
	if err != nil {
		return err
	}
	if _, err := store.Load(c.Session); err != nil {
		return err
	}

	if c.Steps {
		return c.printSteps(g.cfg)
	}

	render := func() (string, error) { return replay.String(store, c.Session, c.Verbose) }
	if c.Follow {
		dir := store.Dir(c.Session)
		return replay.Follow("agent inspect "+c.Session, []string{dir, filepath.Join(dir, "messages")}, render)
	}

	out, err := render()
	if err != nil {
		return err
	}
	if c.NoPager || !isTerminal() {
		fmt.Print(out)
		return nil
	}
	return replay.Page("agent inspect "+c.Session, out)
}

func (c *InspectCmd) printSteps(cfg *config.Config) error {
	if cfg.Metrics.Path == "" {
		return fmt.Errorf("metrics.path is not configured")
	}
	ledger, err := metrics.OpenLedger(config.ExpandPath(cfg.Metrics.Path))
	if err != nil {
		return err
	}
	defer ledger.Close()

	rows, err := ledger.Steps(context.Background(), c.Session)
	if err != nil {
		return err
	}
	return printSteps(os.Stdout, rows)
}

func printSteps(w io.Writer, rows []metrics.StepRow) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tIN\tOUT\tLATENCY\tTOOLS\tERRORS\tCOMPACTED")
	for _, r := range rows {
		errs := 0
		for _, n := range r.ToolErrors {
			errs += n
		}
		compacted := ""
		if r.Compacted {
			compacted = "yes"
		}
		fmt.Fprintf(tw, "%d\t%d\t%d\t%s\t%d\t%d\t%s\n",
			r.Step, r.InputTokens, r.OutputTokens, r.LLMLatency.Round(time.Millisecond), r.ToolCalls, errs, compacted)
	}
	return tw.Flush()
}

// Run implements SignalCmd.
func (c *SignalCmd) Run(g *globals) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if c.NATS {
		if g.cfg.NATS.URL == "" {
			return fmt.Errorf("nats.url is not configured")
		}
		a, err := natsbridge.Request(ctx, g.cfg.NATS.URL, g.cfg.NATS.SubjectPrefix, c.Session, c.Signal)
		if err != nil {
			return err
		}
		if !a.OK {
			return fmt.Errorf("%s: %s", c.Session, a.Error)
		}
		fmt.Printf("%s: %s (%s)\n", c.Session, c.Signal, a.State)
		return nil
	}

	addr := orDefault(c.Addr, g.cfg.Watch.Addr)
	if addr == "" {
		return fmt.Errorf("no watch address: pass --addr or set watch.addr")
	}
	state, err := postSignal(ctx, http.DefaultClient, addr, c.Session, c.Signal)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s (%s)\n", c.Session, c.Signal, state)
	return nil
}

// postSignal delivers a signal through the watch API and returns the
// session's control state.
func postSignal(ctx context.Context, client *http.Client, addr, id, signal string) (string, error) {
	base := addr
	if !strings.Contains(base, "://") {
		if strings.HasPrefix(base, ":") {
			base = "localhost" + base
		}
		base = "http://" + base
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(base, "/")+"/sessions/"+id+"/"+signal, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var reply struct {
		State string `json:"state"`
		Error string `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&reply)
	if resp.StatusCode >= 300 {
		if reply.Error == "" {
			reply.Error = resp.Status
		}
		return "", fmt.Errorf("%s: %s", id, reply.Error)
	}
	return reply.State, nil
}

// Run implements AgentsCmd.
func (c *AgentsCmd) Run(g *globals) error {
	table, err := permission.LoadDir(config.ExpandPath(g.cfg.Agent.RulesDir))
	if err != nil {
		return err
	}
	return printAgents(os.Stdout, table)
}

func printAgents(w io.Writer, table *permission.Table) error {
	for _, name := range table.Names() {
		rs, _ := table.Get(name)
		fmt.Fprintf(w, "%s", name)
		if rs.Description != "" {
			fmt.Fprintf(w, " - %s", rs.Description)
		}
		fmt.Fprintln(w)
		fmt.Fprintf(w, "  default: %s\n", rs.Default)
		tools := make([]string, 0, len(rs.Tools))
		for t := range rs.Tools {
			tools = append(tools, t)
		}
		sort.Strings(tools)
		for _, t := range tools {
			fmt.Fprintf(w, "  %-12s %s\n", t, rs.Tools[t])
		}
		if len(rs.Subagents) > 0 {
			fmt.Fprintf(w, "  subagents: %s\n", strings.Join(rs.Subagents, ", "))
		}
	}
	return nil
}

// Run implements InitCmd.
func (c *InitCmd) Run(g *globals) error {
	return setup.Run(c.Dir)
}

// readPrompt joins args into a prompt. A lone "-" or no args reads stdin
// when it is not nil.
func readPrompt(args []string, stdin io.Reader) (string, error) {
	text := strings.TrimSpace(strings.Join(args, " "))
	if (text == "" || text == "-") && stdin != nil {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("reading prompt: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	if text == "-" {
		return "", nil
	}
	return text, nil
}

func openStore(cfg *config.Config) (*session.Store, error) {
	return session.NewStore(filepath.Join(config.ExpandPath(cfg.Storage.Path), "sessions"))
}

func orDefault(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

func isTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}
