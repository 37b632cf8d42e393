// Package tui is the terminal status board for a running detection service.
package tui

import (
	"fmt"
	"strings"

	"dfir-detect/internal/tui/api"
	"dfir-detect/internal/tui/scenes"
	"dfir-detect/internal/tui/styles"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Scene represents the current view
type Scene int

const (
	SceneDashboard Scene = iota
	SceneRules
	SceneSystem

	sceneCount = 3
)

// Model is the main TUI model
type Model struct {
	client *api.Client

	scene Scene

	// Only the active scene receives ticks.
	dashboard *scenes.DashboardScene
	rules     *scenes.RulesScene
	system    *scenes.SystemScene

	width  int
	height int

	quitting bool
}

// New creates a model polling baseURL. apiKey may be empty.
func New(baseURL, apiKey string) *Model {
	client := api.NewClient(baseURL).WithAPIKey(apiKey)

	return &Model{
		client:    client,
		scene:     SceneDashboard,
		dashboard: scenes.NewDashboardScene(client),
		rules:     scenes.NewRulesScene(client),
		system:    scenes.NewSystemScene(client),
	}
}

// Init initializes the TUI
func (m *Model) Init() tea.Cmd {
	return tea.Batch(
		m.dashboard.Init(),
		m.activeTick(),
	)
}

func (m *Model) activeTick() tea.Cmd {
	switch m.scene {
	case SceneDashboard:
		return m.dashboard.TickCmd()
	case SceneRules:
		return m.rules.TickCmd()
	case SceneSystem:
		return m.system.TickCmd()
	default:
		return nil
	}
}

func (m *Model) activeInit() tea.Cmd {
	switch m.scene {
	case SceneDashboard:
		return m.dashboard.Init()
	case SceneRules:
		return m.rules.Init()
	case SceneSystem:
		return m.system.Init()
	default:
		return nil
	}
}

func (m *Model) switchTo(scene Scene) tea.Cmd {
	if m.scene == scene {
		return nil
	}
	m.scene = scene
	return tea.Batch(m.activeInit(), m.activeTick())
}

// Update handles all messages
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "1":
			return m, m.switchTo(SceneDashboard)
		case "2":
			return m, m.switchTo(SceneRules)
		case "3":
			return m, m.switchTo(SceneSystem)
		case "tab":
			return m, m.switchTo((m.scene + 1) % sceneCount)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.dashboard, _ = m.dashboard.Update(msg)
		m.rules, _ = m.rules.Update(msg)
		m.system, _ = m.system.Update(msg)
		return m, nil

	case scenes.TickMsg:
		var cmd tea.Cmd
		switch m.scene {
		case SceneDashboard:
			m.dashboard, cmd = m.dashboard.Update(msg)
		case SceneRules:
			m.rules, cmd = m.rules.Update(msg)
		case SceneSystem:
			m.system, cmd = m.system.Update(msg)
		}
		return m, tea.Batch(cmd, m.activeTick())
	}

	// Snapshots go to every scene; each ignores the ones it did not request.
	var cmd tea.Cmd
	switch m.scene {
	case SceneDashboard:
		m.dashboard, cmd = m.dashboard.Update(msg)
	case SceneRules:
		m.rules, cmd = m.rules.Update(msg)
	case SceneSystem:
		m.system, cmd = m.system.Update(msg)
	}
	if m.scene != SceneDashboard {
		m.dashboard, _ = m.dashboard.Update(msg)
	}
	if m.scene != SceneSystem {
		m.system, _ = m.system.Update(msg)
	}
	return m, cmd
}

// View renders the current view
func (m *Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString("\n")

	switch m.scene {
	case SceneDashboard:
		b.WriteString(m.dashboard.View())
	case SceneRules:
		b.WriteString(m.rules.View())
	case SceneSystem:
		b.WriteString(m.system.View())
	}

	b.WriteString("\n")
	b.WriteString(styles.Help.Render(" [1-3] Switch tabs  [Tab] Next tab  [↑↓/jk] Navigate  [r] Refresh  [q] Quit "))
	return b.String()
}

func (m *Model) renderHeader() string {
	tabs := []struct {
		name  string
		key   string
		scene Scene
	}{
		{"Dashboard", "1", SceneDashboard},
		{"Rules", "2", SceneRules},
		{"System", "3", SceneSystem},
	}

	var tabViews []string
	for _, tab := range tabs {
		label := fmt.Sprintf(" %s %s ", tab.key, tab.name)
		if tab.scene == m.scene {
			tabViews = append(tabViews, styles.TabActive.Render(label))
		} else {
			tabViews = append(tabViews, styles.TabInactive.Render(label))
		}
	}

	return styles.TabBar.
		Width(m.width).
		Render(lipgloss.JoinHorizontal(lipgloss.Top, tabViews...))
}

// Run starts the status board.
func Run(baseURL, apiKey string) error {
	p := tea.NewProgram(New(baseURL, apiKey), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
