// Package pathguard decides whether a write-class operation may touch a path.
//
// Checks run in a fixed priority order: the session working directory, the
// scratch directory, paths supplied at session start, paths from configuration
// and finally directories the user confirmed during this session. Anything else
// needs confirmation, which is capped per session.
//
// A Guard belongs to exactly one session and is not safe for concurrent use.
package pathguard

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/vinayprograms/agentcore/internal/agenterr"
	"github.com/vinayprograms/agentcore/internal/permission"
	"github.com/vinayprograms/agentkit/logging"
)

// Source names the whitelist that matched a path.
type Source string

const (
	SourceWorkDir     Source = "workdir"
	SourceScratch     Source = "scratch"
	SourceSession     Source = "session"
	SourceConfig      Source = "config"
	SourceConfirmed   Source = "confirmed"
	SourceWild        Source = "wild"
	SourceNone        Source = ""
	SourceCapExceeded Source = "cap-exceeded"
)

// Result is the outcome of a path check.
type Result struct {
	Path     string // resolved absolute path
	Decision permission.Decision
	Source   Source
}

// Config configures a Guard.
type Config struct {
	WorkDir          string
	ScratchDir       string
	SessionPaths     []string // supplied at session start
	ConfigPaths      []string // from persisted configuration
	MaxConfirmations int
	Wild             bool
}

// Guard is the per-session path safety guard.
type Guard struct {
	workDir      string
	scratchDir   string
	sessionPaths []string
	configPaths  []string
	maxConfirm   int
	wild         bool
	confirmed    []string
	logger       *logging.Logger
}

// New creates a guard. Relative entries are resolved against the working directory.
func New(cfg Config) (*Guard, error) {
	if cfg.WorkDir == "" {
		return nil, fmt.Errorf("pathguard: working directory is required")
	}
	workDir, err := resolve(cfg.WorkDir, "")
	if err != nil {
		return nil, fmt.Errorf("pathguard: resolve working directory: %w", err)
	}
	g := &Guard{
		workDir:    workDir,
		maxConfirm: cfg.MaxConfirmations,
		wild:       cfg.Wild,
		logger:     logging.New().WithComponent("pathguard"),
	}
	if cfg.ScratchDir != "" {
		if g.scratchDir, err = resolve(cfg.ScratchDir, workDir); err != nil {
			return nil, fmt.Errorf("pathguard: resolve scratch dir: %w", err)
		}
	}
	if g.sessionPaths, err = resolveAll(cfg.SessionPaths, workDir); err != nil {
		return nil, err
	}
	if g.configPaths, err = resolveAll(cfg.ConfigPaths, workDir); err != nil {
		return nil, err
	}
	if g.wild {
		g.logger.SecurityWarning("wild mode enabled: all write paths are allowed without confirmation", map[string]interface{}{
			"workdir": workDir,
		})
	}
	return g, nil
}

// Check resolves the decision for a candidate write path.
func (g *Guard) Check(path string) (Result, error) {
	abs, err := resolve(path, g.workDir)
	if err != nil {
		return Result{}, fmt.Errorf("pathguard: resolve %s: %w", path, err)
	}
	if g.wild {
		return Result{Path: abs, Decision: permission.Allow, Source: SourceWild}, nil
	}
	if within(abs, g.workDir) {
		return Result{Path: abs, Decision: permission.Allow, Source: SourceWorkDir}, nil
	}
	if g.scratchDir != "" && within(abs, g.scratchDir) {
		return Result{Path: abs, Decision: permission.Allow, Source: SourceScratch}, nil
	}
	if withinAny(abs, g.sessionPaths) {
		return Result{Path: abs, Decision: permission.Allow, Source: SourceSession}, nil
	}
	if withinAny(abs, g.configPaths) {
		return Result{Path: abs, Decision: permission.Allow, Source: SourceConfig}, nil
	}
	if withinAny(abs, g.confirmed) {
		return Result{Path: abs, Decision: permission.Allow, Source: SourceConfirmed}, nil
	}
	if len(g.confirmed) >= g.maxConfirm {
		return Result{Path: abs, Decision: permission.Deny, Source: SourceCapExceeded}, nil
	}
	return Result{Path: abs, Decision: permission.Ask, Source: SourceNone}, nil
}

// Confirm records a user approval for path, adding its containing directory to
// the confirmation set. It is a no-op in wild mode and fails once the cap is hit.
func (g *Guard) Confirm(path string) error {
	if g.wild {
		return nil
	}
	abs, err := resolve(path, g.workDir)
	if err != nil {
		return fmt.Errorf("pathguard: resolve %s: %w", path, err)
	}
	dir := abs
	if info, err := os.Stat(abs); err != nil || !info.IsDir() {
		dir = filepath.Dir(abs)
	}
	if withinAny(dir, g.confirmed) {
		return nil
	}
	if len(g.confirmed) >= g.maxConfirm {
		return agenterr.New(agenterr.KindPathNotAllowed, "pathguard",
			fmt.Sprintf("confirmation limit of %d reached", g.maxConfirm))
	}
	g.confirmed = append(g.confirmed, dir)
	g.logger.Info("path confirmed", map[string]interface{}{
		"dir":   dir,
		"count": len(g.confirmed),
	})
	return nil
}

// Confirmed returns a copy of the confirmation set.
func (g *Guard) Confirmed() []string {
	return append([]string(nil), g.confirmed...)
}

// Wild reports whether wild mode is on.
func (g *Guard) Wild() bool { return g.wild }

// WorkDir returns the resolved working directory.
func (g *Guard) WorkDir() string { return g.workDir }

// Derive creates a guard for a child session: same whitelists and wild mode,
// an empty confirmation set.
func (g *Guard) Derive() *Guard {
	return &Guard{
		workDir:      g.workDir,
		scratchDir:   g.scratchDir,
		sessionPaths: append([]string(nil), g.sessionPaths...),
		configPaths:  append([]string(nil), g.configPaths...),
		maxConfirm:   g.maxConfirm,
		wild:         g.wild,
		logger:       g.logger,
	}
}

func resolveAll(paths []string, base string) ([]string, error) {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if p == "" {
			continue
		}
		abs, err := resolve(p, base)
		if err != nil {
			return nil, fmt.Errorf("pathguard: resolve %s: %w", p, err)
		}
		out = append(out, abs)
	}
	return out, nil
}

// resolve makes p absolute and resolves symlinks on its longest existing
// prefix, so a link inside an allowed tree cannot point writes outside it.
func resolve(p, base string) (string, error) {
	if !filepath.IsAbs(p) {
		if base == "" {
			abs, err := filepath.Abs(p)
			if err != nil {
				return "", err
			}
			p = abs
		} else {
			p = filepath.Join(base, p)
		}
	}
	p = filepath.Clean(p)

	existing := p
	var rest []string
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return p, nil
		}
		rest = append([]string{filepath.Base(existing)}, rest...)
		existing = parent
	}
	real, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", err
	}
	return filepath.Join(append([]string{real}, rest...)...), nil
}

func within(path, root string) bool {
	if path == root {
		return true
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

func withinAny(path string, roots []string) bool {
	for _, r := range roots {
		if within(path, r) {
			return true
		}
	}
	return false
}
