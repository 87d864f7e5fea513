// Package skills loads Agent Skills (folders holding a SKILL.md) and exposes
// them to the model through the skill tool.
package skills

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/vinayprograms/agentcore/internal/tools"
)

// ToolName is the name the model calls.
const ToolName = "skill"

// Skill is a loaded skill.
type Skill struct {
	Name          string            `yaml:"name"`
	Description   string            `yaml:"description"`
	License       string            `yaml:"license,omitempty"`
	Compatibility string            `yaml:"compatibility,omitempty"`
	Metadata      map[string]string `yaml:"metadata,omitempty"`
	AllowedTools  string            `yaml:"allowed-tools,omitempty"`

	Instructions string `yaml:"-"`
	Path         string `yaml:"-"`
}

// Ref is the frontmatter of a skill, enough to list it.
type Ref struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	Path        string `yaml:"-" json:"path"`
}

// Load loads a skill from a directory. The skill name must match the
// directory name.
func Load(dir string) (*Skill, error) {
	content, err := os.ReadFile(filepath.Join(dir, "SKILL.md"))
	if err != nil {
		return nil, fmt.Errorf("failed to read SKILL.md: %w", err)
	}
	skill, err := Parse(string(content))
	if err != nil {
		return nil, err
	}
	skill.Path = dir
	if base := filepath.Base(dir); skill.Name != base {
		return nil, fmt.Errorf("skill name %q does not match directory name %q", skill.Name, base)
	}
	return skill, nil
}

// Parse parses SKILL.md content.
func Parse(content string) (*Skill, error) {
	frontmatter, body, err := splitFrontmatter(content)
	if err != nil {
		return nil, err
	}
	skill := &Skill{}
	if err := yaml.Unmarshal([]byte(frontmatter), skill); err != nil {
		return nil, fmt.Errorf("invalid frontmatter: %w", err)
	}
	if skill.Name == "" {
		return nil, fmt.Errorf("missing required field: name")
	}
	if skill.Description == "" {
		return nil, fmt.Errorf("missing required field: description")
	}
	if err := validateName(skill.Name); err != nil {
		return nil, err
	}
	skill.Instructions = strings.TrimSpace(body)
	return skill, nil
}

func splitFrontmatter(content string) (frontmatter, body string, err error) {
	lines := strings.Split(content, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return "", "", fmt.Errorf("missing frontmatter delimiter")
	}
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			return strings.Join(lines[1:i], "\n"), strings.Join(lines[i+1:], "\n"), nil
		}
	}
	return "", "", fmt.Errorf("unclosed frontmatter")
}

// validateName accepts 1-64 lowercase letters, digits and single hyphens.
func validateName(name string) error {
	if len(name) == 0 || len(name) > 64 {
		return fmt.Errorf("name must be 1-64 characters")
	}
	if strings.HasPrefix(name, "-") || strings.HasSuffix(name, "-") {
		return fmt.Errorf("name cannot start or end with hyphen")
	}
	if strings.Contains(name, "--") {
		return fmt.Errorf("name cannot contain consecutive hyphens")
	}
	for _, r := range name {
		if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-') {
			return fmt.Errorf("name can only contain lowercase letters, numbers, and hyphens")
		}
	}
	return nil
}

// Discover lists the skills directly under dir. A missing dir is empty;
// folders without a readable SKILL.md are skipped.
func Discover(dir string) ([]Ref, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var refs []Ref
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		ref, err := parseRef(filepath.Join(dir, entry.Name(), "SKILL.md"))
		if err != nil || ref.Name != entry.Name() {
			continue
		}
		ref.Path = filepath.Join(dir, entry.Name())
		refs = append(refs, ref)
	}
	return refs, nil
}

// parseRef reads only the frontmatter.
func parseRef(path string) (Ref, error) {
	f, err := os.Open(path)
	if err != nil {
		return Ref{}, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var inFrontmatter bool
	var fm []string
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if !inFrontmatter {
			if trimmed == "---" {
				inFrontmatter = true
			}
			continue
		}
		if trimmed == "---" {
			break
		}
		fm = append(fm, line)
	}
	var ref Ref
	if err := yaml.Unmarshal([]byte(strings.Join(fm, "\n")), &ref); err != nil {
		return Ref{}, err
	}
	return ref, nil
}

// ReadReference reads a file from the skill's references/ folder.
func (s *Skill) ReadReference(name string) (string, error) {
	if name != filepath.Base(name) {
		return "", fmt.Errorf("invalid reference name %q", name)
	}
	content, err := os.ReadFile(filepath.Join(s.Path, "references", name))
	if err != nil {
		return "", fmt.Errorf("failed to read reference %s: %w", name, err)
	}
	return string(content), nil
}

// ListScripts lists the files in the skill's scripts/ folder.
func (s *Skill) ListScripts() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.Path, "scripts"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var scripts []string
	for _, entry := range entries {
		if !entry.IsDir() {
			scripts = append(scripts, entry.Name())
		}
	}
	return scripts, nil
}

// Catalog is the set of skills visible to a process. Earlier directories
// win when two define the same name.
type Catalog struct {
	refs map[string]Ref
}

// NewCatalog discovers skills in dirs.
func NewCatalog(dirs ...string) (*Catalog, error) {
	c := &Catalog{refs: make(map[string]Ref)}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		refs, err := Discover(dir)
		if err != nil {
			return nil, fmt.Errorf("discovering skills in %s: %w", dir, err)
		}
		for _, r := range refs {
			if _, seen := c.refs[r.Name]; !seen {
				c.refs[r.Name] = r
			}
		}
	}
	return c, nil
}

// Refs returns the skills sorted by name.
func (c *Catalog) Refs() []Ref {
	out := make([]Ref, 0, len(c.refs))
	for _, r := range c.refs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len is the number of skills.
func (c *Catalog) Len() int { return len(c.refs) }

// Register adds the skill tool to r. An empty catalog registers nothing.
func (c *Catalog) Register(r *tools.Registry) error {
	if c.Len() == 0 {
		return nil
	}
	var b strings.Builder
	b.WriteString("Load the instructions of a skill. Call it when a task matches one of these skills:\n")
	for _, ref := range c.Refs() {
		fmt.Fprintf(&b, "- %s: %s\n", ref.Name, ref.Description)
	}
	return r.Register(tools.Descriptor{
		Name:        ToolName,
		Description: strings.TrimRight(b.String(), "\n"),
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"name":      map[string]interface{}{"type": "string", "description": "Skill name"},
				"reference": map[string]interface{}{"type": "string", "description": "Optional file from the skill's references/ folder"},
			},
			"required": []string{"name"},
		},
		Class: tools.ClassRead,
	}, tools.HandlerFunc(c.execute))
}

func (c *Catalog) execute(ctx context.Context, args map[string]interface{}) (tools.Output, error) {
	name, _ := args["name"].(string)
	ref, ok := c.refs[name]
	if !ok {
		return tools.Output{}, fmt.Errorf("unknown skill %q", name)
	}
	skill, err := Load(ref.Path)
	if err != nil {
		return tools.Output{}, err
	}

	if file, _ := args["reference"].(string); file != "" {
		content, err := skill.ReadReference(file)
		if err != nil {
			return tools.Output{}, err
		}
		return tools.Output{Title: name + "/" + file, Output: content}, nil
	}

	var b strings.Builder
	b.WriteString(skill.Instructions)
	scripts, err := skill.ListScripts()
	if err != nil {
		return tools.Output{}, err
	}
	if len(scripts) > 0 {
		b.WriteString("\n\nScripts (run with bash):\n")
		for _, s := range scripts {
			fmt.Fprintf(&b, "- %s\n", filepath.Join(skill.Path, "scripts", s))
		}
	}
	return tools.Output{
		Title:    name,
		Output:   b.String(),
		Metadata: map[string]interface{}{"path": skill.Path},
	}, nil
}
