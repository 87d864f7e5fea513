// Package permission holds the static per-agent-type tool rulesets.
package permission

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Decision is the outcome of a permission or path check.
type Decision string

const (
	Allow Decision = "allow"
	Ask   Decision = "ask"
	Deny  Decision = "deny"
)

// Valid reports whether d is one of the three decisions.
func (d Decision) Valid() bool {
	return d == Allow || d == Ask || d == Deny
}

// Ruleset maps tool names to decisions for one agent type.
type Ruleset struct {
	Name        string              `yaml:"name"`
	Description string              `yaml:"description,omitempty"`
	Default     Decision            `yaml:"default"`
	Tools       map[string]Decision `yaml:"tools"`
	Subagents   []string            `yaml:"subagents,omitempty"` // agent types the task tool may spawn
	Prompt      string              `yaml:"prompt,omitempty"`
}

// Decide returns the decision for a tool. Exact names win over prefix
// patterns ending in "*"; the longest matching prefix wins.
func (r *Ruleset) Decide(tool string) Decision {
	if d, ok := r.Tools[tool]; ok {
		return d
	}
	best := -1
	var decision Decision
	for pattern, d := range r.Tools {
		if !strings.HasSuffix(pattern, "*") {
			continue
		}
		prefix := strings.TrimSuffix(pattern, "*")
		if strings.HasPrefix(tool, prefix) && len(prefix) > best {
			best = len(prefix)
			decision = d
		}
	}
	if best >= 0 {
		return decision
	}
	if r.Default.Valid() {
		return r.Default
	}
	return Ask
}

// CanSpawn reports whether this agent type may delegate to child.
func (r *Ruleset) CanSpawn(child string) bool {
	for _, s := range r.Subagents {
		if s == child || s == "*" {
			return true
		}
	}
	return false
}

func (r *Ruleset) validate() error {
	if r.Name == "" {
		return fmt.Errorf("ruleset missing name")
	}
	if strings.ContainsAny(r.Name, `/\_`) || strings.HasPrefix(r.Name, ".") {
		return fmt.Errorf("ruleset name %q must not contain path separators, underscores or a leading dot", r.Name)
	}
	if r.Default != "" && !r.Default.Valid() {
		return fmt.Errorf("ruleset %s: invalid default %q", r.Name, r.Default)
	}
	for tool, d := range r.Tools {
		if !d.Valid() {
			return fmt.Errorf("ruleset %s: invalid decision %q for tool %s", r.Name, d, tool)
		}
	}
	return nil
}

// Table is the set of known agent types. It is read-only after construction.
type Table struct {
	rulesets map[string]*Ruleset
}

// NewTable builds a table from rulesets; later entries replace earlier ones
// with the same name.
func NewTable(rulesets ...*Ruleset) (*Table, error) {
	t := &Table{rulesets: make(map[string]*Ruleset)}
	for _, r := range rulesets {
		if err := r.validate(); err != nil {
			return nil, err
		}
		t.rulesets[r.Name] = r
	}
	return t, nil
}

// Get returns the ruleset for an agent type.
func (t *Table) Get(agentType string) (*Ruleset, bool) {
	r, ok := t.rulesets[agentType]
	return r, ok
}

// Decide looks up the decision for (tool, agent type). Unknown agent types deny.
func (t *Table) Decide(tool, agentType string) Decision {
	r, ok := t.rulesets[agentType]
	if !ok {
		return Deny
	}
	return r.Decide(tool)
}

// Names returns the known agent types, sorted.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.rulesets))
	for n := range t.rulesets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Parse decodes a YAML ruleset.
func Parse(data []byte) (*Ruleset, error) {
	r := &Ruleset{}
	if err := yaml.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("invalid ruleset: %w", err)
	}
	if err := r.validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// LoadDir loads every *.yaml / *.yml ruleset in dir on top of the built-in
// defaults. A missing directory yields just the defaults.
func LoadDir(dir string) (*Table, error) {
	rulesets := Defaults()
	if dir == "" {
		return NewTable(rulesets...)
	}
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return NewTable(rulesets...)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read rules dir: %w", err)
	}
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", e.Name(), err)
		}
		r, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", e.Name(), err)
		}
		rulesets = append(rulesets, r)
	}
	return NewTable(rulesets...)
}

// Defaults returns the built-in agent types.
func Defaults() []*Ruleset {
	return []*Ruleset{
		{
			Name:        "build",
			Description: "Full access agent for making changes",
			Default:     Allow,
			Tools:       map[string]Decision{"mcp_*": Ask},
			Subagents:   []string{"explore", "general"},
		},
		{
			Name:        "plan",
			Description: "Read-only planning agent",
			Default:     Allow,
			Tools: map[string]Decision{
				"write": Deny,
				"edit":  Deny,
				"patch": Deny,
				"mkdir": Deny,
				"rm":    Deny,
				"mv":    Deny,
				"cp":    Deny,
				"bash":  Ask,
				"git":   Ask,
				"mcp_*": Ask,
			},
			Subagents: []string{"explore"},
		},
		{
			Name:        "general",
			Description: "General-purpose subagent for multi-step tasks",
			Default:     Allow,
			Tools: map[string]Decision{
				"task":       Deny,
				"todo_write": Deny,
				"mcp_*":      Ask,
			},
		},
		{
			Name:        "explore",
			Description: "Fast read-only codebase exploration",
			Default:     Deny,
			Tools: map[string]Decision{
				"read": Allow,
				"glob": Allow,
				"grep": Allow,
				"ls":   Allow,
			},
		},
	}
}
