// Package main is the entry point for the agent CLI.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/vinayprograms/agentkit/credentials"

	"github.com/vinayprograms/agentcore/internal/config"
)

// Build-time variables (set via ldflags)
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

// Exit codes.
const (
	exitOK          = 0
	exitError       = 1
	exitMaxSteps    = 3
	exitInterrupted = 130
)

// globals are resolved once and handed to every command's Run.
type globals struct {
	cfg     *config.Config
	cfgPath string
	creds   *credentials.Credentials
}

func main() {
	// Load .env for any additional env vars
	_ = godotenv.Load()

	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("agent"),
		kong.Description("Autonomous coding agent with resumable sessions."),
		kong.UsageOnError(),
		kongVars(),
	)

	g, err := loadGlobals(cli.Config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitError)
	}

	code, err := dispatch(ctx, g)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if code == exitOK {
			code = exitError
		}
	}
	os.Exit(code)
}

// exitCoder lets a command choose its exit status.
type exitCoder interface {
	ExitCode() int
}

func dispatch(ctx *kong.Context, g *globals) (int, error) {
	err := ctx.Run(g)
	if ec, ok := err.(exitCoder); ok {
		return ec.ExitCode(), nil
	}
	if err != nil {
		return exitError, err
	}
	return exitOK, nil
}

// loadGlobals reads the config file and credentials. An explicit path must
// exist; the default ./agent.toml is optional.
func loadGlobals(path string) (*globals, error) {
	g := &globals{cfgPath: path}
	var err error
	switch {
	case path != "":
		g.cfg, err = config.LoadFile(path)
	default:
		if _, statErr := os.Stat("agent.toml"); statErr == nil {
			g.cfgPath = "agent.toml"
			g.cfg, err = config.LoadDefault()
		} else {
			g.cfg = config.Default()
		}
	}
	if err != nil {
		return nil, err
	}

	// Priority: credentials.toml > env vars (handled by GetAPIKey)
	if creds, _, err := credentials.Load(); err == nil && creds != nil {
		g.creds = creds
	} else {
		g.creds = &credentials.Credentials{}
	}
	return g, nil
}

// Run implements VersionCmd.
func (c *VersionCmd) Run(g *globals) error {
	fmt.Printf("agent version %s (commit: %s, built: %s)\n", version, commit, buildTime)
	return nil
}
