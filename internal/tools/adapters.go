package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/vinayprograms/agentkit/mcp"
	"github.com/vinayprograms/agentkit/policy"
	aktools "github.com/vinayprograms/agentkit/tools"
)

// agentkitTool says how the pipeline treats an agentkit tool. Arguments in
// paths are resolved against the session working directory before the call.
type agentkitTool struct {
	class Class
	paths []string
}

var agentkitTools = map[string]agentkitTool{
	"read":       {ClassRead, []string{"path"}},
	"glob":       {ClassRead, nil},
	"grep":       {ClassRead, []string{"path"}},
	"ls":         {ClassRead, []string{"path"}},
	"head":       {ClassRead, []string{"path"}},
	"tail":       {ClassRead, []string{"path"}},
	"tree":       {ClassRead, []string{"path"}},
	"diff":       {ClassRead, []string{"file_a", "file_b"}},
	"write":      {ClassWrite, []string{"path"}},
	"edit":       {ClassWrite, []string{"path"}},
	"patch":      {ClassWrite, []string{"path"}},
	"mkdir":      {ClassWrite, []string{"path"}},
	"rm":         {ClassWrite, []string{"path"}},
	"mv":         {ClassWrite, []string{"source", "destination"}},
	"cp":         {ClassWrite, []string{"source", "destination"}},
	"bash":       {ClassShell, nil},
	"git":        {ClassOther, []string{"cwd"}},
	"web_fetch":  {ClassOther, nil},
	"web_search": {ClassOther, nil},
}

// The task tool owns delegation; agentkit's spawners are never bound.
var agentkitSkipped = map[string]bool{
	"spawn_agent":  true,
	"spawn_agents": true,
}

// Agentkit serves agentkit's built-in tools from one agentkit registry per
// working directory, so relative paths, bash and git run inside the tree of
// the session that called them.
type Agentkit struct {
	policy *policy.Policy
	creds  aktools.CredentialProvider

	mu   sync.Mutex
	regs map[string]*aktools.Registry
}

// NewAgentkit creates the adapter. A nil policy means agentkit defaults.
func NewAgentkit(pol *policy.Policy, creds aktools.CredentialProvider) *Agentkit {
	if pol == nil {
		pol = policy.New()
	}
	return &Agentkit{policy: pol, creds: creds, regs: make(map[string]*aktools.Registry)}
}

// registry returns the agentkit registry rooted at workDir, building it with
// bash enabled behind a fail-closed checker on first use.
func (a *Agentkit) registry(workDir string) *aktools.Registry {
	a.mu.Lock()
	defer a.mu.Unlock()
	if reg, ok := a.regs[workDir]; ok {
		return reg
	}
	pol := *a.policy
	pol.Workspace = workDir
	reg := aktools.NewRegistry(&pol)
	reg.EnableBash()

	bash := pol.GetToolPolicy("bash")
	allowedDirs := bash.AllowedDirs
	if len(allowedDirs) == 0 {
		dir := workDir
		if dir == "" {
			dir = "."
		}
		allowedDirs = []string{dir}
	}
	reg.SetBashChecker(policy.NewBashChecker(workDir, allowedDirs, bash.Denylist))
	if a.creds != nil {
		reg.SetCredentials(a.creds)
	}
	a.regs[workDir] = reg
	return reg
}

// Register adds every agentkit tool the table does not already have.
func (a *Agentkit) Register(r *Registry) error {
	defs := a.registry("").Definitions()
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	for _, def := range defs {
		if r.Has(def.Name) || agentkitSkipped[def.Name] {
			continue
		}
		known, ok := agentkitTools[def.Name]
		if !ok {
			known = agentkitTool{class: ClassOther}
		}
		desc := Descriptor{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.Parameters,
			Class:       known.class,
			PathArgs:    known.paths,
		}
		if err := r.Register(desc, a.handler(def.Name)); err != nil {
			return err
		}
	}
	return nil
}

func (a *Agentkit) handler(name string) Handler {
	return HandlerFunc(func(ctx context.Context, args map[string]interface{}) (Output, error) {
		workDir := RunInfoFrom(ctx).WorkDir
		args = withWorkDir(name, args, workDir)
		res, err := a.registry(workDir).Execute(ctx, name, args)
		if err != nil {
			return Output{}, err
		}
		return render(name, res)
	})
}

// withWorkDir anchors the arguments agentkit would otherwise resolve against
// the process working directory.
func withWorkDir(name string, args map[string]interface{}, workDir string) map[string]interface{} {
	if workDir == "" {
		return args
	}
	out := make(map[string]interface{}, len(args)+1)
	for k, v := range args {
		out[k] = v
	}
	switch name {
	case "glob":
		if p, ok := out["pattern"].(string); ok && p != "" && !filepath.IsAbs(p) {
			out["pattern"] = filepath.Join(workDir, p)
		}
	case "git":
		if c, _ := out["cwd"].(string); c == "" {
			out["cwd"] = workDir
		}
	}
	return out
}

// render turns agentkit results into model-facing text.
func render(name string, res interface{}) (Output, error) {
	switch v := res.(type) {
	case *aktools.ExecResult:
		out := v.Stdout
		if v.Stderr != "" {
			out += "\n[stderr]\n" + v.Stderr
		}
		o := Output{Title: name, Output: out, Metadata: map[string]interface{}{"exit_code": v.ExitCode}}
		if v.ExitCode != 0 {
			return o, fmt.Errorf("command exited with code %d", v.ExitCode)
		}
		return o, nil
	case []aktools.DirEntry:
		names := make([]string, 0, len(v))
		for _, e := range v {
			if e.IsDir {
				names = append(names, e.Name+"/")
			} else {
				names = append(names, e.Name)
			}
		}
		sort.Strings(names)
		return Output{Title: name, Output: strings.Join(names, "\n")}, nil
	case []aktools.GrepMatch:
		lines := make([]string, 0, len(v))
		for _, m := range v {
			lines = append(lines, fmt.Sprintf("%s:%d:%s", m.File, m.Line, m.Content))
		}
		return Output{
			Title:    name,
			Output:   strings.Join(lines, "\n"),
			Metadata: map[string]interface{}{"matches": len(v)},
		}, nil
	case []string:
		return Output{
			Title:    name,
			Output:   strings.Join(v, "\n"),
			Metadata: map[string]interface{}{"count": len(v)},
		}, nil
	}
	return Output{Title: name, Output: stringify(res)}, nil
}

// FromMCP registers every tool of the connected MCP servers as
// mcp_<server>_<tool>. Tools listed in writeTools[server] are write-class and
// have their "path" argument guarded.
func FromMCP(r *Registry, m *mcp.Manager, writeTools map[string][]string) error {
	if m == nil {
		return nil
	}
	for _, t := range m.AllTools() {
		server, toolName := t.Server, t.Tool.Name
		desc := Descriptor{
			Name:        MCPToolName(server, toolName),
			Description: fmt.Sprintf("[MCP:%s] %s", server, t.Tool.Description),
			Parameters:  t.Tool.InputSchema,
			Class:       ClassOther,
		}
		for _, w := range writeTools[server] {
			if w == toolName {
				desc.Class = ClassWrite
				desc.PathArgs = []string{"path"}
			}
		}
		h := HandlerFunc(func(ctx context.Context, args map[string]interface{}) (Output, error) {
			res, err := m.CallTool(ctx, server, toolName, args)
			if err != nil {
				return Output{}, err
			}
			var b strings.Builder
			for _, c := range res.Content {
				if c.Type == "text" {
					b.WriteString(c.Text)
				}
			}
			return Output{
				Title:    server + "/" + toolName,
				Output:   b.String(),
				Metadata: map[string]interface{}{"mcp_server": server},
			}, nil
		})
		if err := r.Register(desc, h); err != nil {
			return err
		}
	}
	return nil
}

// MCPToolName is the table name of an MCP tool.
func MCPToolName(server, tool string) string {
	return "mcp_" + server + "_" + tool
}

func stringify(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
