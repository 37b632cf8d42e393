// Package styles holds the lipgloss styles shared by the detect-top scenes.
package styles

import "github.com/charmbracelet/lipgloss"

// Palette.
var (
	Primary    = lipgloss.Color("#0EA5E9")
	Healthy    = lipgloss.Color("#22C55E")
	Degraded   = lipgloss.Color("#EAB308")
	Failing    = lipgloss.Color("#DC2626")
	MutedColor = lipgloss.Color("#64748B")
	White      = lipgloss.Color("#F8FAFC")
)

var (
	Muted = lipgloss.NewStyle().Foreground(MutedColor)

	Title = lipgloss.NewStyle().
		Bold(true).
		Foreground(Primary).
		MarginBottom(1)

	Subtitle = lipgloss.NewStyle().
			Foreground(MutedColor).
			Italic(true)

	StatusOK      = lipgloss.NewStyle().Foreground(Healthy).Bold(true)
	StatusWarning = lipgloss.NewStyle().Foreground(Degraded).Bold(true)
	StatusError   = lipgloss.NewStyle().Foreground(Failing).Bold(true)

	TabActive = lipgloss.NewStyle().
			Foreground(White).
			Background(Primary).
			Padding(0, 2).
			Bold(true)

	TabInactive = lipgloss.NewStyle().
			Foreground(MutedColor).
			Padding(0, 2)

	TabBar = lipgloss.NewStyle().
		BorderBottom(true).
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(MutedColor)

	Help = lipgloss.NewStyle().
		Foreground(MutedColor).
		MarginTop(1)

	TableHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(Primary).
			BorderBottom(true).
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(MutedColor)

	RowSelected = lipgloss.NewStyle().
			Foreground(White).
			Background(Primary)

	// MetricCard frames one counter on the dashboard.
	MetricCard = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(MutedColor).
			Padding(0, 2).
			Width(16).
			Align(lipgloss.Center)

	MetricValue = lipgloss.NewStyle().Bold(true).Foreground(Healthy)
	MetricLabel = lipgloss.NewStyle().Foreground(MutedColor)
)

// Badge renders a colored dot followed by label.
func Badge(style lipgloss.Style, label string) string {
	return style.Render("● " + label)
}
