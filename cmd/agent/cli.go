// Package main defines the CLI structure using kong.
package main

import "github.com/alecthomas/kong"

// CLI defines the command-line interface.
type CLI struct {
	Config string `short:"c" help:"Config file path (default: ./agent.toml if present)" type:"path"`

	Run      RunCmd      `cmd:"" help:"Start a new session"`
	Resume   ResumeCmd   `cmd:"" help:"Resume a paused or active session"`
	Sessions SessionsCmd `cmd:"" help:"List stored sessions"`
	Inspect  InspectCmd  `cmd:"" help:"Show a session timeline"`
	Signal   SignalCmd   `cmd:"" help:"Send pause/resume/step/interrupt to a running session"`
	Agents   AgentsCmd   `cmd:"" help:"List agent types and their permissions"`
	Init     InitCmd     `cmd:"" help:"Interactive setup: choose a model and write agent.toml"`
	Version  VersionCmd  `cmd:"" help:"Show version information"`
}

// RunCmd starts a new session.
type RunCmd struct {
	Prompt    []string `arg:"" optional:"" help:"Task for the agent; '-' or empty reads stdin"`
	Agent     string   `short:"a" help:"Agent type (build, plan, general, explore or a custom ruleset)"`
	Workspace string   `short:"w" help:"Working directory" type:"path"`
	Path      []string `short:"p" help:"Extra path the agent may write without asking (repeatable)" type:"path"`
	Title     string   `help:"Session title"`
	MaxSteps  int      `help:"Override loop.max_steps"`
	Wild      bool     `help:"Skip confirmation for writes outside the workspace"`
	Watch     string   `help:"Serve the watch API on this address (overrides watch.addr)" placeholder:"ADDR"`
	Step      bool     `help:"Start paused; advance one step at a time with 'agent signal ID step'"`
	Quiet     bool     `short:"q" help:"Only print the final answer"`
}

// ResumeCmd resumes a stored session.
type ResumeCmd struct {
	Session  string   `arg:"" help:"Session ID"`
	Prompt   []string `arg:"" optional:"" help:"Optional follow-up message"`
	MaxSteps int      `help:"Override loop.max_steps"`
	Wild     bool     `help:"Skip confirmation for writes outside the workspace"`
	Watch    string   `help:"Serve the watch API on this address (overrides watch.addr)" placeholder:"ADDR"`
	Quiet    bool     `short:"q" help:"Only print the final answer"`
}

// SessionsCmd lists sessions.
type SessionsCmd struct {
	All    bool   `help:"Include subagent sessions"`
	Status string `help:"Only sessions with this status (active, paused, completed, errored)"`
	JSON   bool   `help:"Print JSON"`
}

// InspectCmd renders a session and its subagents.
type InspectCmd struct {
	Session string `arg:"" help:"Session ID"`
	Verbose int    `short:"v" type:"counter" help:"Verbosity level (-v, -vv)"`
	NoPager bool   `help:"Disable pager for output"`
	Follow  bool   `short:"f" help:"Keep the pager open and re-render as the session changes"`
	Steps   bool   `help:"Print per-step metrics from the metrics ledger"`
}

// SignalCmd delivers a control signal over the watch API or NATS.
type SignalCmd struct {
	Session string `arg:"" help:"Session ID"`
	Signal  string `arg:"" enum:"pause,resume,step,interrupt" help:"pause, resume, step or interrupt"`
	Addr    string `help:"Watch API address (default: watch.addr)"`
	NATS    bool   `name:"nats" help:"Send over NATS (nats.url) instead of HTTP"`
}

// AgentsCmd lists agent types.
type AgentsCmd struct{}

// InitCmd runs the setup wizard.
type InitCmd struct {
	Dir string `arg:"" optional:"" default:"." type:"existingdir" help:"Directory to write agent.toml into"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

// kongVars returns variables for kong (version info).
func kongVars() kong.Vars {
	return kong.Vars{
		"version": version,
	}
}
