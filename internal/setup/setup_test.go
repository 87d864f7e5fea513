package setup

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/vinayprograms/agentcore/internal/config"
)

func key(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "down":
		return tea.KeyMsg{Type: tea.KeyDown}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func send(t *testing.T, m Model, keys ...string) Model {
	t.Helper()
	for _, k := range keys {
		next, _ := m.Update(key(k))
		m = next.(Model)
	}
	return m
}

func TestWizard_AnthropicFlow(t *testing.T) {
	m := New(t.TempDir())
	m = send(t, m, "enter") // Anthropic
	if m.step != StepModel {
		t.Fatalf("step = %v, want model", m.step)
	}
	m = send(t, m, "down", "enter") // Claude Opus 4
	if m.step != StepAPIKey {
		t.Fatalf("step = %v, want API key", m.step)
	}
	m = send(t, m, "sk-test", "enter")
	m = send(t, m, "down", "enter") // plan
	m = send(t, m, "enter")         // workspace "."
	m = send(t, m, "enter")         // default storage
	m = send(t, m, ":7777", "enter")
	if m.step != StepConfirm {
		t.Fatalf("step = %v, want confirm", m.step)
	}

	a := m.Answers()
	if a.Provider != ProviderAnthropic || a.Model != "claude-opus-4-20250514" || a.APIKey != "sk-test" {
		t.Errorf("answers = %+v", a)
	}
	if a.AgentType != "plan" || a.Workspace != "." || a.WatchAddr != ":7777" {
		t.Errorf("answers = %+v", a)
	}
	if strings.Contains(m.View(), "sk-test") {
		t.Error("summary shows the API key")
	}
}

func TestWizard_LocalOllamaSkipsAPIKey(t *testing.T) {
	m := New(t.TempDir())
	for i := 0; i < 6; i++ {
		m = send(t, m, "down")
	}
	m = send(t, m, "enter") // Ollama Local
	if m.step != StepCustomModel {
		t.Fatalf("step = %v, want custom model", m.step)
	}
	m = send(t, m, "enter") // empty model is refused
	if m.step != StepCustomModel {
		t.Fatalf("empty model accepted")
	}
	m = send(t, m, "llama3.2", "enter")
	if m.step != StepBaseURL || m.textInput.Value() != "http://localhost:11434/v1" {
		t.Fatalf("step = %v, base url = %q", m.step, m.textInput.Value())
	}
	m = send(t, m, "enter")
	if m.step != StepAgentType {
		t.Fatalf("step = %v, want agent type", m.step)
	}

	// going back lands on the base URL with the earlier answer
	m = send(t, m, "q")
	if m.step != StepBaseURL || m.textInput.Value() != "http://localhost:11434/v1" {
		t.Errorf("back: step = %v, value = %q", m.step, m.textInput.Value())
	}
}

func TestAgentTOML_LoadsBack(t *testing.T) {
	data, err := AgentTOML(Answers{
		Provider:  ProviderOllamaLocal,
		Model:     "llama3.2",
		BaseURL:   "http://localhost:11434/v1",
		AgentType: "plan",
		Workspace: "/src/app",
		Storage:   "/var/lib/agent",
		WatchAddr: ":7777",
	})
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "agent.toml")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v\n%s", err, data)
	}
	if cfg.LLM.Provider != "ollama" || cfg.LLM.Model != "llama3.2" || cfg.LLM.BaseURL != "http://localhost:11434/v1" {
		t.Errorf("llm = %+v", cfg.LLM)
	}
	if cfg.LLM.APIKeyEnv != "" {
		t.Errorf("local provider got api_key_env %q", cfg.LLM.APIKeyEnv)
	}
	if cfg.Agent.Type != "plan" || cfg.Storage.Path != "/var/lib/agent" || cfg.Watch.Addr != ":7777" {
		t.Errorf("config = %+v %+v %+v", cfg.Agent, cfg.Storage, cfg.Watch)
	}
	// untouched settings keep their defaults
	if cfg.Loop.MaxSteps != config.Default().Loop.MaxSteps {
		t.Errorf("max_steps = %d", cfg.Loop.MaxSteps)
	}
}

func TestAgentTOML_EnvKeyWhenNoKeyGiven(t *testing.T) {
	data, err := AgentTOML(Answers{Provider: ProviderOpenAI, Model: "gpt-4o", AgentType: "build", Workspace: "."})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `api_key_env = "OPENAI_API_KEY"`) {
		t.Errorf("missing api_key_env:\n%s", data)
	}
}
