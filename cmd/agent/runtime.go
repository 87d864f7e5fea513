// Package main provides runtime wiring for agent sessions.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/vinayprograms/agentkit/credentials"
	"github.com/vinayprograms/agentkit/llm"
	"github.com/vinayprograms/agentkit/logging"
	"github.com/vinayprograms/agentkit/mcp"
	"github.com/vinayprograms/agentkit/policy"
	"github.com/vinayprograms/agentkit/telemetry"
	"golang.org/x/sync/errgroup"

	"github.com/vinayprograms/agentcore/internal/compaction"
	"github.com/vinayprograms/agentcore/internal/config"
	"github.com/vinayprograms/agentcore/internal/control"
	"github.com/vinayprograms/agentcore/internal/events"
	"github.com/vinayprograms/agentcore/internal/llmstream"
	"github.com/vinayprograms/agentcore/internal/metrics"
	"github.com/vinayprograms/agentcore/internal/natsbridge"
	"github.com/vinayprograms/agentcore/internal/orchestrator"
	"github.com/vinayprograms/agentcore/internal/pathguard"
	"github.com/vinayprograms/agentcore/internal/permission"
	"github.com/vinayprograms/agentcore/internal/prompt"
	"github.com/vinayprograms/agentcore/internal/session"
	"github.com/vinayprograms/agentcore/internal/skills"
	"github.com/vinayprograms/agentcore/internal/subagent"
	"github.com/vinayprograms/agentcore/internal/tokens"
	"github.com/vinayprograms/agentcore/internal/tools"
	"github.com/vinayprograms/agentcore/internal/watch"
)

// runtime holds the process-wide components shared by every session.
type runtime struct {
	cfg    *config.Config
	creds  *credentials.Credentials
	logger *logging.Logger

	out    io.Writer
	errOut io.Writer
	quiet  bool

	// Components
	streamer   llmstream.Streamer
	provider   llm.Provider
	registry   *tools.Registry
	rules      *permission.Table
	confirmer  tools.Confirmer
	compactor  *compaction.Manager
	spawner    *subagent.Spawner
	ledger     *metrics.Ledger
	telem      telemetry.Exporter
	mcpManager *mcp.Manager
	deps       orchestrator.Deps

	// Storage
	storagePath string
	store       *session.Store

	// Observers
	controls *watch.Controls
	hub      *events.Hub
	natsConn natsbridge.Conn
	listener *natsbridge.Listener

	// Cleanup
	closers []func()
}

// newRuntime creates a runtime from loaded configuration.
func newRuntime(cfg *config.Config, creds *credentials.Credentials) *runtime {
	if creds == nil {
		creds = &credentials.Credentials{}
	}
	return &runtime{
		cfg:         cfg,
		creds:       creds,
		logger:      logging.New().WithComponent("runtime"),
		out:         os.Stdout,
		errOut:      os.Stderr,
		storagePath: config.ExpandPath(cfg.Storage.Path),
		controls:    watch.NewControls(),
		hub:         events.NewHub(),
	}
}

// setup initializes all runtime components. A streamer or confirmer set
// beforehand is kept.
func (rt *runtime) setup() error {
	if err := os.MkdirAll(rt.storagePath, 0755); err != nil {
		return fmt.Errorf("creating storage directory: %w", err)
	}
	if err := rt.setupStore(); err != nil {
		return err
	}
	if rt.streamer == nil {
		if err := rt.createProvider(); err != nil {
			return err
		}
	}
	if err := rt.setupRules(); err != nil {
		return err
	}
	if err := rt.setupCompaction(); err != nil {
		return err
	}
	if err := rt.setupLedger(); err != nil {
		return err
	}
	if err := rt.setupTelemetry(); err != nil {
		return err
	}
	if rt.confirmer == nil {
		rt.confirmer = prompt.New()
	}
	rt.buildDeps()
	if err := rt.setupRegistry(); err != nil {
		return err
	}
	rt.setupNATS()
	return nil
}

func (rt *runtime) setupStore() error {
	var err error
	rt.store, err = session.NewStore(filepath.Join(rt.storagePath, "sessions"),
		session.WithDebounce(config.Duration(rt.cfg.Storage.Debounce, 250*time.Millisecond)))
	if err != nil {
		return fmt.Errorf("opening session store: %w", err)
	}
	return nil
}

// createProvider creates the main LLM provider and its streamer.
func (rt *runtime) createProvider() error {
	var err error
	rt.provider, err = newProvider(rt.cfg.LLM, rt.creds)
	if err != nil {
		return err
	}
	rt.streamer = llmstream.NewProviderStreamer(rt.provider,
		llmstream.WithRetries(rt.cfg.LLM.MaxRetries, config.Duration(rt.cfg.LLM.RetryBackoff, 60*time.Second)))
	return nil
}

func newProvider(c config.LLMConfig, creds *credentials.Credentials) (llm.Provider, error) {
	name := c.Provider
	if name == "" {
		name = llm.InferProviderFromModel(c.Model)
	}
	if name == "" && c.Model == "" {
		return nil, fmt.Errorf("LLM model not configured")
	}
	apiKey := creds.GetAPIKey(name)
	if apiKey == "" {
		apiKey = config.APIKey(c)
	}
	p, err := llm.NewProvider(llm.ProviderConfig{
		Provider:  name,
		Model:     c.Model,
		APIKey:    apiKey,
		MaxTokens: c.MaxTokens,
		BaseURL:   c.BaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating LLM provider: %w", err)
	}
	return p, nil
}

func (rt *runtime) setupRules() error {
	var err error
	rt.rules, err = permission.LoadDir(config.ExpandPath(rt.cfg.Agent.RulesDir))
	if err != nil {
		return fmt.Errorf("loading agent rulesets: %w", err)
	}
	return nil
}

func (rt *runtime) setupCompaction() error {
	var summarizer compaction.Summarizer
	if rt.cfg.Compaction.Policy == "summarize" {
		small := rt.cfg.SummarizerLLM()
		var p llm.Provider
		if small.Model == rt.cfg.LLM.Model && rt.provider != nil {
			p = rt.provider
		} else {
			var err error
			if p, err = newProvider(small, rt.creds); err != nil {
				return fmt.Errorf("summarizer: %w", err)
			}
		}
		summarizer = &compaction.LLMSummarizer{Provider: p}
	}
	policy, err := compaction.ForPolicy(rt.cfg.Compaction.Policy, summarizer, rt.cfg.Compaction.PurgeSpill)
	if err != nil {
		return err
	}
	est, err := tokens.ForEncoding(rt.cfg.Compaction.Encoding)
	if err != nil {
		rt.logger.Warn("token encoding unavailable, using heuristic", map[string]interface{}{
			"encoding": rt.cfg.Compaction.Encoding,
			"error":    err.Error(),
		})
		est = tokens.Heuristic{}
	}
	rt.compactor = compaction.New(compaction.Config{
		Threshold:     rt.cfg.Compaction.ThresholdTokens,
		ProtectedTail: rt.cfg.Compaction.ProtectedTail,
		Policy:        policy,
		Estimator:     est,
	})
	return nil
}

func (rt *runtime) setupLedger() error {
	if rt.cfg.Metrics.Path == "" {
		return nil
	}
	var err error
	rt.ledger, err = metrics.OpenLedger(config.ExpandPath(rt.cfg.Metrics.Path))
	if err != nil {
		return fmt.Errorf("opening metrics ledger: %w", err)
	}
	rt.addCloser(func() { rt.ledger.Close() })
	return nil
}

// setupTelemetry creates the telemetry exporter.
func (rt *runtime) setupTelemetry() error {
	var err error
	if rt.cfg.Telemetry.Enabled {
		rt.telem, err = telemetry.NewExporter(rt.cfg.Telemetry.Protocol, rt.cfg.Telemetry.Endpoint)
		if err != nil {
			return fmt.Errorf("creating telemetry exporter: %w", err)
		}
	} else {
		rt.telem = telemetry.NewNoopExporter()
	}
	rt.addCloser(func() { rt.telem.Close() })
	return nil
}

func (rt *runtime) buildDeps() {
	spill := rt.cfg.Tools.SpillDir
	if spill == "" {
		spill = filepath.Join(rt.storagePath, "spill")
	}
	rt.deps = orchestrator.Deps{
		Streamer:       rt.streamer,
		Rules:          rt.rules,
		Confirmer:      rt.confirmer,
		Compactor:      rt.compactor,
		ConfirmTimeout: config.Duration(rt.cfg.Safety.ConfirmTimeout, 0),
		Timeouts: tools.Timeouts{
			Shell:   config.Duration(rt.cfg.Tools.ShellTimeout, 2*time.Minute),
			Default: config.Duration(rt.cfg.Tools.DefaultTimeout, 5*time.Minute),
			MCP:     config.Duration(rt.cfg.Tools.MCPTimeout, time.Minute),
		},
		Truncator:     tools.Truncator{Limit: rt.cfg.Tools.OutputLimit, SpillDir: config.ExpandPath(spill)},
		DoomThreshold: rt.cfg.Loop.DoomThreshold,
		DoomWindow:    rt.cfg.Loop.DoomWindow,
		MaxSteps:      rt.cfg.Loop.MaxSteps,
	}
	// A nil *metrics.Ledger must not become a non-nil interface.
	if rt.ledger != nil {
		rt.deps.Ledger = rt.ledger
	}
}

// setupRegistry builds the tool table: todos, agentkit's file, shell and web
// tools, MCP servers, skills and the task tool.
func (rt *runtime) setupRegistry() error {
	rt.registry = tools.NewRegistry()
	workspace := config.ExpandPath(rt.cfg.Agent.Workspace)
	if err := tools.RegisterTodo(rt.registry); err != nil {
		return err
	}
	pol := policy.New()
	if path := rt.cfg.Safety.PolicyFile; path != "" {
		var err error
		if pol, err = policy.LoadFile(config.ExpandPath(path)); err != nil {
			return err
		}
	}
	if err := tools.NewAgentkit(pol, rt.creds).Register(rt.registry); err != nil {
		return fmt.Errorf("registering agentkit tools: %w", err)
	}

	if err := rt.setupMCP(); err != nil {
		return err
	}
	if err := rt.setupSkills(workspace); err != nil {
		return err
	}

	rt.deps.Registry = rt.registry
	rt.spawner = subagent.New(rt.store, rt.deps, rt.cfg.Loop.MaxDepth)
	rt.spawner.OnStart = func(parent, child, agent string) {
		rt.telem.LogEvent("subagent_start", map[string]interface{}{"parent": parent, "session": child, "agent": agent})
	}
	rt.spawner.OnComplete = func(parent, child string, res *orchestrator.Result, err error) {
		data := map[string]interface{}{"parent": parent, "session": child}
		if res != nil {
			data["reason"] = res.Reason
		}
		if err != nil {
			data["error"] = err.Error()
		}
		rt.telem.LogEvent("subagent_complete", data)
	}
	return rt.spawner.Register(rt.registry)
}

// setupSkills registers the skill tool over the configured skill folders.
func (rt *runtime) setupSkills(workspace string) error {
	dirs := make([]string, 0, len(rt.cfg.Agent.SkillsDirs))
	for _, d := range rt.cfg.Agent.SkillsDirs {
		d = config.ExpandPath(d)
		if !filepath.IsAbs(d) {
			d = filepath.Join(workspace, d)
		}
		dirs = append(dirs, d)
	}
	catalog, err := skills.NewCatalog(dirs...)
	if err != nil {
		return err
	}
	if catalog.Len() > 0 {
		rt.logger.Info("skills loaded", map[string]interface{}{"count": catalog.Len()})
	}
	return catalog.Register(rt.registry)
}

// setupMCP connects configured MCP servers and registers their tools.
func (rt *runtime) setupMCP() error {
	if len(rt.cfg.MCP.Servers) == 0 {
		return nil
	}

	rt.mcpManager = mcp.NewManager()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	writeTools := make(map[string][]string)
	for name, serverCfg := range rt.cfg.MCP.Servers {
		err := rt.mcpManager.Connect(ctx, name, mcp.ServerConfig{
			Command: serverCfg.Command,
			Args:    serverCfg.Args,
			Env:     serverCfg.Env,
		})
		if err != nil {
			rt.logger.Warn("MCP server not connected", map[string]interface{}{"server": name, "error": err.Error()})
			continue
		}
		if len(serverCfg.DeniedTools) > 0 {
			rt.mcpManager.SetDeniedTools(name, serverCfg.DeniedTools)
		}
		writeTools[name] = serverCfg.WriteTools
		rt.logger.Info("MCP server connected", map[string]interface{}{"server": name})
	}
	rt.addCloser(func() { rt.mcpManager.Close() })
	return tools.FromMCP(rt.registry, rt.mcpManager, writeTools)
}

// setupNATS connects the event publisher and control listener. A broker that
// cannot be reached is logged and skipped.
func (rt *runtime) setupNATS() {
	if rt.cfg.NATS.URL == "" {
		return
	}
	conn, err := natsbridge.Connect(rt.cfg.NATS.URL)
	if err != nil {
		rt.logger.Warn("NATS bridge disabled", map[string]interface{}{"error": err.Error()})
		return
	}
	rt.natsConn = conn
	rt.listener = natsbridge.NewListener(conn, rt.cfg.NATS.SubjectPrefix, rt.controls)
	if err := rt.listener.Start(); err != nil {
		rt.logger.Warn("NATS control listener not started", map[string]interface{}{"error": err.Error()})
	}
	rt.addCloser(func() {
		rt.listener.Stop()
		conn.Close()
	})
}

// sessionOptions are per-invocation overrides.
type sessionOptions struct {
	wild     bool
	step     bool
	watch    string
	maxSteps int
}

// runSession drives one top-level session to a stop point: completion, a
// terminal error, max steps or an interrupt.
func (rt *runtime) runSession(ctx context.Context, h *session.Handle, userPrompt string, opts sessionOptions) (*orchestrator.Result, error) {
	meta := h.Meta()
	guard, err := pathguard.New(pathguard.Config{
		WorkDir:          meta.WorkDir,
		ScratchDir:       config.ExpandPath(rt.cfg.Safety.ScratchDir),
		SessionPaths:     meta.StartPaths,
		ConfigPaths:      expandAll(rt.cfg.Safety.AllowedPaths),
		MaxConfirmations: rt.cfg.Safety.MaxConfirmations,
		Wild:             opts.wild || rt.cfg.Safety.WildMode,
	})
	if err != nil {
		return nil, err
	}

	surface := control.New()
	if opts.step {
		if err := surface.Pause(); err != nil {
			return nil, err
		}
	}
	remove := rt.controls.Add(meta.ID, surface)
	defer remove()

	sinks, closeSinks, err := rt.sinks(h)
	if err != nil {
		return nil, err
	}
	defer closeSinks()

	deps := rt.deps
	if opts.maxSteps > 0 {
		deps.MaxSteps = opts.maxSteps
	}
	bus := events.NewBus(meta.ID, rt.cfg.Events.Buffer)
	orch, err := orchestrator.Assemble(deps, orchestrator.Binding{
		Session: h,
		Guard:   guard,
		Control: surface,
		Events:  bus,
	})
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := rt.handleSignals(surface, cancel)
	defer stop()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		// drains until the bus is closed so the finish event is delivered
		events.Fanout(context.Background(), bus, sinks...)
		return nil
	})
	if opts.watch != "" {
		srv := watch.New(rt.store, rt.controls, rt.hub)
		g.Go(func() error {
			if err := srv.ListenAndServe(gctx, opts.watch); err != nil {
				rt.logger.Warn("watch server stopped", map[string]interface{}{"addr": opts.watch, "error": err.Error()})
			}
			return nil
		})
	}

	var res *orchestrator.Result
	g.Go(func() error {
		defer cancel()
		defer bus.Close()
		var runErr error
		res, runErr = orch.Run(runCtx, userPrompt)
		return runErr
	})
	err = g.Wait()
	if dropped := bus.Dropped(); dropped > 0 {
		rt.logger.Debug("events dropped", map[string]interface{}{"session": meta.ID, "count": dropped})
	}
	return res, err
}

// sinks returns the observers for one session's bus.
func (rt *runtime) sinks(h *session.Handle) ([]events.Sink, func(), error) {
	sinks := []events.Sink{
		newProgress(rt.out, rt.errOut, rt.quiet),
		rt.hub,
		events.TelemetrySink{Exporter: rt.telem},
	}
	if rt.natsConn != nil {
		sinks = append(sinks, natsbridge.NewPublisher(rt.natsConn, rt.cfg.NATS.SubjectPrefix))
	}
	closeFn := func() {}
	if rt.cfg.Events.Log {
		log, err := events.OpenJSONL(filepath.Join(h.Dir(), "events.jsonl"))
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, log)
		closeFn = func() { log.Close() }
	}
	return sinks, closeFn, nil
}

// handleSignals turns the first SIGINT/SIGTERM into an orderly interrupt and a
// second one into cancellation.
func (rt *runtime) handleSignals(surface *control.Surface, cancel context.CancelFunc) func() {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		count := 0
		for {
			select {
			case <-done:
				return
			case <-ch:
				count++
				if count == 1 {
					fmt.Fprintln(rt.errOut, "\ninterrupting (press Ctrl-C again to abort)")
					surface.Interrupt()
					continue
				}
				cancel()
				return
			}
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}

// report prints how a session ended and maps it to an exit status.
func (rt *runtime) report(res *orchestrator.Result, err error) error {
	if res == nil {
		if err == nil {
			err = errors.New("session did not run")
		}
		return err
	}
	if rt.quiet && res.Final != "" {
		fmt.Fprintln(rt.out, res.Final)
	}
	switch {
	case res.Status == session.StatusPaused:
		fmt.Fprintf(rt.errOut, "\nsession %s paused (%s); continue with: agent resume %s\n", res.SessionID, res.Reason, res.SessionID)
		return exitStatus(exitInterrupted)
	case res.Reason == orchestrator.ReasonMaxSteps:
		fmt.Fprintf(rt.errOut, "\nsession %s stopped after %d steps; continue with: agent resume %s\n", res.SessionID, res.Steps, res.SessionID)
		return exitStatus(exitMaxSteps)
	case err != nil:
		fmt.Fprintf(rt.errOut, "\nsession %s failed (%s): %v\n", res.SessionID, res.Reason, err)
		return exitStatus(exitError)
	}
	if !rt.quiet {
		m := res.Metrics
		fmt.Fprintf(rt.errOut, "\n✓ %s completed in %d steps (%d in / %d out tokens, %d tool calls)\n",
			res.SessionID, res.Steps, m.InputTokens, m.OutputTokens, m.ToolCalls)
	}
	return nil
}

// exitStatus is an error that only carries a process exit code.
type exitStatus int

func (e exitStatus) Error() string { return fmt.Sprintf("exit status %d", int(e)) }
func (e exitStatus) ExitCode() int { return int(e) }

// cleanup runs all registered cleanup functions.
func (rt *runtime) cleanup() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

// addCloser registers a cleanup function.
func (rt *runtime) addCloser(fn func()) {
	rt.closers = append(rt.closers, fn)
}

func expandAll(paths []string) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = config.ExpandPath(p)
	}
	return out
}
