// Package setup provides the interactive wizard behind "agent init": it picks
// a provider and model, stores the API key and writes agent.toml.
package setup

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/vinayprograms/agentkit/credentials"

	"github.com/vinayprograms/agentcore/internal/config"
)

// Provider options
const (
	ProviderAnthropic   = "anthropic"
	ProviderOpenAI      = "openai"
	ProviderGoogle      = "google"
	ProviderGroq        = "groq"
	ProviderMistral     = "mistral"
	ProviderOpenRouter  = "openrouter"
	ProviderOllamaLocal = "ollama-local"
	ProviderCustom      = "custom"
)

// Answers holds what the user chose.
type Answers struct {
	Provider  string
	Model     string
	APIKey    string
	BaseURL   string
	AgentType string
	Workspace string
	Storage   string
	WatchAddr string
}

// Step represents a wizard step.
type Step int

const (
	StepProvider Step = iota
	StepModel
	StepCustomModel
	StepBaseURL
	StepAPIKey
	StepAgentType
	StepWorkspace
	StepStorage
	StepWatch
	StepConfirm
	StepComplete
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("99"))
	subtitleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).MarginBottom(1)
	selectedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("170")).Bold(true)
	normalStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	successStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("82"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

type option struct {
	id   string
	name string
	desc string
}

var providers = []option{
	{ProviderAnthropic, "Anthropic", "Claude models"},
	{ProviderOpenAI, "OpenAI", "GPT and o-series models"},
	{ProviderGoogle, "Google", "Gemini models"},
	{ProviderGroq, "Groq", "Fast inference"},
	{ProviderMistral, "Mistral", "Mistral models"},
	{ProviderOpenRouter, "OpenRouter", "Multi-provider router"},
	{ProviderOllamaLocal, "Ollama Local", "Local models, no API key"},
	{ProviderCustom, "Custom", "OpenAI-compatible endpoint"},
}

var agentTypes = []option{
	{"build", "build", "full access, asks for MCP tools"},
	{"plan", "plan", "read-only, asks before bash"},
}

func models(provider string) []option {
	switch provider {
	case ProviderAnthropic:
		return []option{
			{"claude-sonnet-4-20250514", "Claude Sonnet 4", ""},
			{"claude-opus-4-20250514", "Claude Opus 4", ""},
			{"claude-3-5-haiku-20241022", "Claude 3.5 Haiku", "fast"},
		}
	case ProviderOpenAI:
		return []option{
			{"gpt-4o", "GPT-4o", ""},
			{"gpt-4o-mini", "GPT-4o Mini", "fast"},
			{"o3", "o3", "reasoning"},
		}
	case ProviderGoogle:
		return []option{
			{"gemini-2.0-flash", "Gemini 2.0 Flash", ""},
			{"gemini-1.5-pro", "Gemini 1.5 Pro", ""},
		}
	case ProviderGroq:
		return []option{{"llama-3.3-70b-versatile", "Llama 3.3 70B", ""}}
	case ProviderMistral:
		return []option{{"mistral-large-latest", "Mistral Large", ""}}
	}
	return nil
}

// Model is the bubbletea model for the wizard.
type Model struct {
	step      Step
	answers   Answers
	cursor    int
	textInput textinput.Model
	dir       string // where agent.toml is written

	written []string
	err     error
}

// New creates a wizard that writes into dir.
func New(dir string) Model {
	ti := textinput.New()
	ti.Focus()
	ti.CharLimit = 256
	ti.Width = 50
	return Model{
		step:      StepProvider,
		textInput: ti,
		dir:       dir,
		answers: Answers{
			AgentType: "build",
			Workspace: ".",
			Storage:   config.Default().Storage.Path,
		},
	}
}

// Answers returns the current answers.
func (m Model) Answers() Answers { return m.answers }

// Err returns the error that ended the wizard, if any.
func (m Model) Err() error { return m.err }

func (m Model) Init() tea.Cmd {
	return textinput.Blink
}

type filesWrittenMsg struct {
	files []string
}

type errMsg struct {
	error error
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case filesWrittenMsg:
		m.written = msg.files
		m.step = StepComplete
		return m, nil
	case errMsg:
		m.err = msg.error
		m.step = StepComplete
		return m, nil

	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		if m.isTextStep() {
			switch msg.String() {
			case "enter":
				return m.handleEnter()
			case "esc":
				return m.back(), nil
			}
			var cmd tea.Cmd
			m.textInput, cmd = m.textInput.Update(msg)
			return m, cmd
		}
		switch msg.String() {
		case "q", "esc":
			if m.step == StepComplete || m.step == StepProvider {
				return m, tea.Quit
			}
			return m.back(), nil
		case "enter":
			return m.handleEnter()
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(m.choices())-1 {
				m.cursor++
			}
		}
	}
	return m, nil
}

func (m Model) isTextStep() bool {
	switch m.step {
	case StepCustomModel, StepBaseURL, StepAPIKey, StepWorkspace, StepStorage, StepWatch:
		return true
	}
	return false
}

// choices lists the options of a selection step.
func (m Model) choices() []option {
	switch m.step {
	case StepProvider:
		return providers
	case StepModel:
		return append(models(m.answers.Provider), option{"", "Other...", "type a model name"})
	case StepAgentType:
		return agentTypes
	case StepConfirm:
		return []option{{"write", "Write files", ""}, {"back", "Go back", ""}}
	}
	return nil
}

func (m Model) needsBaseURL() bool {
	switch m.answers.Provider {
	case ProviderCustom, ProviderOllamaLocal, ProviderOpenRouter:
		return true
	}
	return false
}

// defaultBaseURL pre-fills the endpoint of providers that have a usual one.
func defaultBaseURL(provider string) string {
	switch provider {
	case ProviderOllamaLocal:
		return "http://localhost:11434/v1"
	case ProviderOpenRouter:
		return "https://openrouter.ai/api/v1"
	}
	return ""
}

func (m Model) needsAPIKey() bool {
	return m.answers.Provider != ProviderOllamaLocal
}

func (m Model) previousStep() Step {
	switch m.step {
	case StepModel:
		return StepProvider
	case StepCustomModel:
		if len(models(m.answers.Provider)) == 0 {
			return StepProvider
		}
		return StepModel
	case StepBaseURL:
		return StepCustomModel
	case StepAPIKey:
		if m.needsBaseURL() {
			return StepBaseURL
		}
		return StepModel
	case StepAgentType:
		if m.needsAPIKey() {
			return StepAPIKey
		}
		return StepBaseURL
	}
	if m.step > StepProvider {
		return m.step - 1
	}
	return StepProvider
}

// back returns to the previous step, refilling text steps with the earlier
// answer.
func (m Model) back() Model {
	prev := m.previousStep()
	a := m.answers
	switch prev {
	case StepCustomModel:
		return m.ask(prev, a.Model, false)
	case StepBaseURL:
		return m.ask(prev, a.BaseURL, false)
	case StepAPIKey:
		return m.ask(prev, a.APIKey, true)
	case StepWorkspace:
		return m.ask(prev, a.Workspace, false)
	case StepStorage:
		return m.ask(prev, a.Storage, false)
	case StepWatch:
		return m.ask(prev, a.WatchAddr, false)
	}
	m.step, m.cursor = prev, 0
	return m
}

// ask moves to a text step with an initial value.
func (m Model) ask(step Step, value string, secret bool) Model {
	m.step = step
	m.cursor = 0
	m.textInput.SetValue(value)
	m.textInput.CursorEnd()
	if secret {
		m.textInput.EchoMode = textinput.EchoPassword
	} else {
		m.textInput.EchoMode = textinput.EchoNormal
	}
	return m
}

func (m Model) handleEnter() (tea.Model, tea.Cmd) {
	value := strings.TrimSpace(m.textInput.Value())
	switch m.step {
	case StepProvider:
		m.answers.Provider = providers[m.cursor].id
		if len(models(m.answers.Provider)) == 0 {
			return m.ask(StepCustomModel, m.answers.Model, false), nil
		}
		m.step, m.cursor = StepModel, 0
	case StepModel:
		choice := m.choices()[m.cursor]
		if choice.id == "" {
			return m.ask(StepCustomModel, "", false), nil
		}
		m.answers.Model = choice.id
		return m.afterModel(), nil
	case StepCustomModel:
		if value == "" {
			return m, nil
		}
		m.answers.Model = value
		return m.afterModel(), nil
	case StepBaseURL:
		m.answers.BaseURL = value
		if m.needsAPIKey() {
			return m.ask(StepAPIKey, "", true), nil
		}
		m.step, m.cursor = StepAgentType, 0
	case StepAPIKey:
		m.answers.APIKey = value
		m.step, m.cursor = StepAgentType, 0
	case StepAgentType:
		m.answers.AgentType = agentTypes[m.cursor].id
		return m.ask(StepWorkspace, m.answers.Workspace, false), nil
	case StepWorkspace:
		if value != "" {
			m.answers.Workspace = value
		}
		return m.ask(StepStorage, m.answers.Storage, false), nil
	case StepStorage:
		if value != "" {
			m.answers.Storage = value
		}
		return m.ask(StepWatch, m.answers.WatchAddr, false), nil
	case StepWatch:
		m.answers.WatchAddr = value
		m.step, m.cursor = StepConfirm, 0
	case StepConfirm:
		if m.cursor == 1 {
			return m.ask(StepWatch, m.answers.WatchAddr, false), nil
		}
		return m, m.writeFiles()
	case StepComplete:
		return m, tea.Quit
	}
	return m, nil
}

func (m Model) afterModel() Model {
	if m.needsBaseURL() {
		url := m.answers.BaseURL
		if url == "" {
			url = defaultBaseURL(m.answers.Provider)
		}
		return m.ask(StepBaseURL, url, false)
	}
	if m.needsAPIKey() {
		return m.ask(StepAPIKey, "", true)
	}
	m.step, m.cursor = StepAgentType, 0
	return m
}

func (m Model) writeFiles() tea.Cmd {
	return func() tea.Msg {
		files, err := Write(m.dir, m.answers)
		if err != nil {
			return errMsg{err}
		}
		return filesWrittenMsg{files}
	}
}

// Write stores the API key in the credentials file and writes agent.toml
// into dir. It returns the paths written.
func Write(dir string, a Answers) ([]string, error) {
	var files []string
	if a.APIKey != "" {
		creds, _, _ := credentials.Load()
		if creds == nil {
			creds = &credentials.Credentials{}
		}
		creds.SetAPIKey(llmProvider(a.Provider), a.APIKey)
		if err := creds.Save(); err != nil {
			return nil, fmt.Errorf("saving credentials: %w", err)
		}
		files = append(files, credentials.DefaultPath())
	}

	data, err := AgentTOML(a)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "agent.toml")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return nil, err
	}
	return append(files, path), nil
}

// AgentTOML renders the configuration for a. Every other setting keeps its
// default so the file documents what can be tuned.
func AgentTOML(a Answers) ([]byte, error) {
	cfg := config.Default()
	cfg.Agent.Type = a.AgentType
	cfg.Agent.Workspace = a.Workspace
	cfg.LLM.Provider = llmProvider(a.Provider)
	cfg.LLM.Model = a.Model
	cfg.LLM.BaseURL = a.BaseURL
	if a.APIKey == "" && cfg.LLM.Provider != "" && a.Provider != ProviderOllamaLocal {
		cfg.LLM.APIKeyEnv = config.DefaultAPIKeyEnv(cfg.LLM.Provider)
	}
	cfg.Storage.Path = a.Storage
	cfg.Watch.Addr = a.WatchAddr

	var buf bytes.Buffer
	buf.WriteString("# Agent configuration\n# Generated by: agent init\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return nil, fmt.Errorf("encoding agent.toml: %w", err)
	}
	return buf.Bytes(), nil
}

// llmProvider maps wizard choices onto provider names the LLM layer knows.
func llmProvider(p string) string {
	switch p {
	case ProviderOllamaLocal:
		return "ollama"
	case ProviderCustom:
		return "openai-compat"
	}
	return p
}

// View renders the current step.
func (m Model) View() string {
	var s strings.Builder
	switch m.step {
	case StepProvider:
		m.list(&s, "LLM Provider", "Select your main LLM provider")
	case StepModel:
		m.list(&s, "Model", "Select a model for "+m.answers.Provider)
	case StepCustomModel:
		m.input(&s, "Model", "Model name")
	case StepBaseURL:
		m.input(&s, "Base URL", "OpenAI-compatible endpoint")
	case StepAPIKey:
		m.input(&s, "API Key", "Saved to "+credentials.DefaultPath()+"; leave empty to use "+config.DefaultAPIKeyEnv(llmProvider(m.answers.Provider)))
	case StepAgentType:
		m.list(&s, "Agent Type", "Default agent for 'agent run'")
	case StepWorkspace:
		m.input(&s, "Workspace", "Directory the agent may write without asking")
	case StepStorage:
		m.input(&s, "Session Storage", "Sessions are kept under <path>/sessions")
	case StepWatch:
		m.input(&s, "Watch API", "Address for the HTTP watch server, e.g. :7777 (empty disables)")
	case StepConfirm:
		m.summary(&s)
	case StepComplete:
		m.complete(&s)
	}
	return s.String()
}

func (m Model) list(s *strings.Builder, title, subtitle string) {
	s.WriteString(titleStyle.Render(title) + "\n")
	s.WriteString(subtitleStyle.Render(subtitle) + "\n\n")
	for i, o := range m.choices() {
		cursor, style := "  ", normalStyle
		if i == m.cursor {
			cursor, style = "> ", selectedStyle
		}
		line := cursor + style.Render(o.name)
		if o.desc != "" {
			line += " " + dimStyle.Render(o.desc)
		}
		s.WriteString(line + "\n")
	}
	s.WriteString("\n" + dimStyle.Render("↑/↓ to move, enter to select, q to go back"))
}

func (m Model) input(s *strings.Builder, title, subtitle string) {
	s.WriteString(titleStyle.Render(title) + "\n")
	s.WriteString(subtitleStyle.Render(subtitle) + "\n\n")
	s.WriteString(m.textInput.View() + "\n\n")
	s.WriteString(dimStyle.Render("enter to continue"))
}

func (m Model) summary(s *strings.Builder) {
	a := m.answers
	s.WriteString(titleStyle.Render("Configuration Summary") + "\n\n")
	row := func(k, v string) {
		if v != "" {
			s.WriteString(normalStyle.Render(k+": ") + selectedStyle.Render(v) + "\n")
		}
	}
	row("Provider", a.Provider)
	row("Model", a.Model)
	row("Base URL", a.BaseURL)
	if a.APIKey != "" {
		row("API key", "saved to credentials file")
	}
	row("Agent", a.AgentType)
	row("Workspace", a.Workspace)
	row("Storage", a.Storage)
	row("Watch", a.WatchAddr)
	s.WriteString("\n" + dimStyle.Render("Writes "+filepath.Join(m.dir, "agent.toml")) + "\n\n")
	for i, o := range m.choices() {
		cursor, style := "  ", normalStyle
		if i == m.cursor {
			cursor, style = "> ", selectedStyle
		}
		s.WriteString(cursor + style.Render(o.name) + "\n")
	}
}

func (m Model) complete(s *strings.Builder) {
	if m.err != nil {
		s.WriteString(errorStyle.Render("Error") + "\n\n" + normalStyle.Render(m.err.Error()) + "\n\n")
		s.WriteString(dimStyle.Render("Press q to exit"))
		return
	}
	s.WriteString(successStyle.Render("✓ Setup complete") + "\n\n")
	for _, f := range m.written {
		s.WriteString(dimStyle.Render("  - "+f) + "\n")
	}
	s.WriteString("\n" + normalStyle.Render("Next: agent run \"describe the task\"") + "\n\n")
	s.WriteString(dimStyle.Render("Press q to exit"))
}

// Run starts the wizard in the terminal.
func Run(dir string) error {
	final, err := tea.NewProgram(New(dir)).Run()
	if err != nil {
		return err
	}
	if m, ok := final.(Model); ok {
		return m.Err()
	}
	return nil
}
