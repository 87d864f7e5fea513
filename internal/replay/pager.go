package replay

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fsnotify/fsnotify"
	"github.com/muesli/reflow/wordwrap"
)

var (
	pagerTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	pagerInfoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))
)

// Page shows content in an interactive pager.
func Page(title, content string) error {
	prog := tea.NewProgram(newPagerModel(title, content, nil, nil),
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
	)
	_, err := prog.Run()
	return err
}

// Follow pages the output of render and re-renders whenever a file under one
// of dirs changes. The view sticks to the bottom until the user scrolls up.
func Follow(title string, dirs []string, render func() (string, error)) error {
	content, err := render()
	if err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()
	for _, d := range dirs {
		if err := watcher.Add(d); err != nil {
			return fmt.Errorf("failed to watch %s: %w", d, err)
		}
	}

	prog := tea.NewProgram(newPagerModel(title, content, render, watcher),
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
	)
	_, err = prog.Run()
	return err
}

// contentChangedMsg is sent when a watched file changes.
type contentChangedMsg struct{}

type pagerModel struct {
	viewport  viewport.Model
	title     string
	content   string
	wrapped   string // content wrapped to the viewport width; search runs on this
	ready     bool
	render    func() (string, error)
	watcher   *fsnotify.Watcher
	following bool

	searching   bool
	searchInput textinput.Model
	query       string
	matches     []int // wrapped line numbers
	matchIndex  int
	notFound    bool
}

func newPagerModel(title, content string, render func() (string, error), watcher *fsnotify.Watcher) *pagerModel {
	return &pagerModel{
		title:     title,
		content:   content,
		render:    render,
		watcher:   watcher,
		following: render != nil,
	}
}

func (m *pagerModel) live() bool { return m.render != nil }

func (m *pagerModel) Init() tea.Cmd {
	if m.watcher != nil {
		return m.waitForChange()
	}
	return nil
}

func (m *pagerModel) waitForChange() tea.Cmd {
	return func() tea.Msg {
		for {
			select {
			case ev, ok := <-m.watcher.Events:
				if !ok {
					return nil
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					// let the debounced flush finish its batch
					time.Sleep(100 * time.Millisecond)
					return contentChangedMsg{}
				}
			case _, ok := <-m.watcher.Errors:
				if !ok {
					return nil
				}
			}
		}
	}
}

func (m *pagerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		cmd  tea.Cmd
		cmds []tea.Cmd
	)

	if m.searching {
		if key, ok := msg.(tea.KeyMsg); ok {
			switch key.String() {
			case "enter":
				m.query = m.searchInput.Value()
				m.searching = false
				m.search()
				if len(m.matches) > 0 {
					m.jumpTo(0)
				}
				return m, nil
			case "esc", "ctrl+c":
				m.searching = false
				m.clearSearch()
				return m, nil
			}
		}
		m.searchInput, cmd = m.searchInput.Update(msg)
		return m, cmd
	}

	switch msg := msg.(type) {
	case contentChangedMsg:
		m.reload()
		if m.watcher != nil {
			cmds = append(cmds, m.waitForChange())
		}

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "esc":
			if m.query == "" {
				return m, tea.Quit
			}
			m.clearSearch()
		case "g":
			m.following = false
			m.viewport.GotoTop()
		case "G":
			m.viewport.GotoBottom()
		case "f", "F":
			if m.live() {
				m.following = true
				m.viewport.GotoBottom()
			}
		case "/":
			m.searching = true
			m.searchInput = textinput.New()
			m.searchInput.Placeholder = "Search..."
			m.searchInput.CharLimit = 100
			m.searchInput.Width = 40
			m.searchInput.SetValue(m.query)
			m.searchInput.Focus()
			return m, textinput.Blink
		case "n":
			if len(m.matches) > 0 {
				m.jumpTo((m.matchIndex + 1) % len(m.matches))
			}
		case "N":
			if len(m.matches) > 0 {
				m.jumpTo((m.matchIndex - 1 + len(m.matches)) % len(m.matches))
			}
		case "up", "k", "pgup", "b", "u":
			m.following = false
		}

	case tea.WindowSizeMsg:
		height := msg.Height - 2 // header + footer
		if !m.ready {
			m.viewport = viewport.New(msg.Width, height)
			m.viewport.YPosition = 1
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = height
		}
		m.setContent()
		if m.following {
			m.viewport.GotoBottom()
		}
	}

	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m *pagerModel) reload() {
	if m.render == nil {
		return
	}
	content, err := m.render()
	if err != nil {
		// a half-written session; keep the last good view
		return
	}
	offset := m.viewport.YOffset
	m.content = content
	m.setContent()
	if m.following {
		m.viewport.GotoBottom()
	} else {
		m.viewport.SetYOffset(offset)
	}
}

func (m *pagerModel) setContent() {
	m.wrapped = wrapContent(m.content, m.viewport.Width)
	m.viewport.SetContent(m.wrapped)
	if m.query != "" {
		m.search()
	}
}

func (m *pagerModel) clearSearch() {
	m.query = ""
	m.matches = nil
	m.notFound = false
}

func (m *pagerModel) search() {
	m.matches = nil
	m.matchIndex = 0
	m.notFound = false
	if m.query == "" {
		return
	}
	q := strings.ToLower(m.query)
	for i, line := range strings.Split(m.wrapped, "\n") {
		if strings.Contains(strings.ToLower(line), q) {
			m.matches = append(m.matches, i)
		}
	}
	m.notFound = len(m.matches) == 0
}

// jumpTo centres match i on screen.
func (m *pagerModel) jumpTo(i int) {
	if i < 0 || i >= len(m.matches) {
		return
	}
	m.matchIndex = i
	m.following = false
	target := m.matches[i] - m.viewport.Height/2
	maxOffset := m.viewport.TotalLineCount() - m.viewport.Height
	if target > maxOffset {
		target = maxOffset
	}
	if target < 0 {
		target = 0
	}
	m.viewport.SetYOffset(target)
}

func (m *pagerModel) View() string {
	if !m.ready {
		return "\n  Loading..."
	}

	title := pagerTitleStyle.Render(m.title)
	header := lipgloss.JoinHorizontal(lipgloss.Center, title,
		pagerInfoStyle.Render(strings.Repeat("─", max(0, m.viewport.Width-lipgloss.Width(title)))))

	info := fmt.Sprintf(" %d%% ", int(m.viewport.ScrollPercent()*100))

	var footer string
	switch {
	case m.searching:
		footer = warnStyle.Render("/") + m.searchInput.View()
	default:
		var help string
		switch {
		case m.notFound:
			help = fmt.Sprintf(" %s │ /: search ", errorStyle.Render("Pattern not found"))
		case len(m.matches) > 0:
			help = fmt.Sprintf(" %s │ n/N: next/prev │ /: search │ esc: clear ",
				warnStyle.Render(fmt.Sprintf("[%d/%d]", m.matchIndex+1, len(m.matches))))
		case m.live():
			indicator := successStyle.Bold(true).Render("● LIVE")
			if !m.following {
				indicator = dimStyle.Render("○ PAUSED")
			}
			help = fmt.Sprintf(" %s │ q: quit │ /: search │ f: follow │ g/G: top/bottom ", indicator)
		default:
			help = " q: quit │ /: search │ n/N: next/prev │ g/G: top/bottom "
		}
		fill := max(0, m.viewport.Width-lipgloss.Width(help)-lipgloss.Width(info))
		footer = pagerInfoStyle.Render(help) + pagerInfoStyle.Render(strings.Repeat("─", fill)) + pagerInfoStyle.Render(info)
	}

	return header + "\n" + m.viewport.View() + "\n" + footer
}

// wrapContent wraps lines to width. Timeline rows ("seq │ time │ text") wrap
// only their text column and continue under it.
func wrapContent(content string, width int) string {
	if width <= 0 {
		return content
	}
	var out []string
	for _, line := range strings.Split(content, "\n") {
		if lipgloss.Width(line) <= width {
			out = append(out, line)
			continue
		}
		if last := strings.LastIndex(line, "│"); last > 0 && last < len(line)-len("│") {
			start := last + len("│")
			for start < len(line) && line[start] == ' ' {
				start++
			}
			indent := lipgloss.Width(line[:start])
			textWidth := width - indent
			if textWidth < 20 {
				textWidth = 20
			}
			parts := strings.Split(wordwrap.String(line[start:], textWidth), "\n")
			out = append(out, line[:start]+parts[0])
			pad := strings.Repeat(" ", indent)
			for _, p := range parts[1:] {
				out = append(out, pad+p)
			}
			continue
		}
		out = append(out, strings.Split(wordwrap.String(line, width), "\n")...)
	}
	return strings.Join(out, "\n")
}
