// Package scenes provides the status board scenes.
package scenes

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"dfir-detect/internal/tui/api"
	"dfir-detect/internal/tui/styles"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// DashboardScene shows engine counters and per-tenant buffer sizes.
type DashboardScene struct {
	client *api.Client
	snap   *api.Snapshot
	prev   *api.Snapshot
	width  int
	height int

	loading bool
}

type snapshotMsg struct {
	scene string
	snap  *api.Snapshot
}

// NewDashboardScene creates a new dashboard scene.
func NewDashboardScene(client *api.Client) *DashboardScene {
	return &DashboardScene{
		client:  client,
		loading: true,
	}
}

// Init fetches the first snapshot.
func (d *DashboardScene) Init() tea.Cmd {
	return fetchSnapshot(d.client, "dashboard")
}

func fetchSnapshot(client *api.Client, scene string) tea.Cmd {
	return func() tea.Msg {
		return snapshotMsg{scene: scene, snap: client.GetSnapshot()}
	}
}

// TickCmd returns the dashboard refresh tick. The parent model only
// schedules it while the dashboard is active.
func (d *DashboardScene) TickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return TickMsg{Scene: "dashboard", Time: t}
	})
}

// TickMsg is sent on each scene tick.
type TickMsg struct {
	Scene string
	Time  time.Time
}

// Update handles messages for the dashboard.
func (d *DashboardScene) Update(msg tea.Msg) (*DashboardScene, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		d.width = msg.Width
		d.height = msg.Height
		return d, nil

	case snapshotMsg:
		if msg.scene != "dashboard" {
			return d, nil
		}
		d.loading = false
		d.prev, d.snap = d.snap, msg.snap
		return d, nil

	case TickMsg:
		if msg.Scene == "dashboard" {
			return d, fetchSnapshot(d.client, "dashboard")
		}
		return d, nil
	}

	return d, nil
}

// IngestRate is events per second between the last two snapshots.
func (d *DashboardScene) IngestRate() float64 {
	if d.prev == nil || d.snap == nil {
		return 0
	}
	elapsed := d.snap.Fetched.Sub(d.prev.Fetched).Seconds()
	cur, prev := d.snap.Stats.Engine.Ingested, d.prev.Stats.Engine.Ingested
	if elapsed <= 0 || cur < prev {
		return 0
	}
	return float64(cur-prev) / elapsed
}

// View renders the dashboard.
func (d *DashboardScene) View() string {
	var b strings.Builder

	b.WriteString(styles.Title.Render("  Detection Engine"))
	b.WriteString("\n\n")

	if d.loading || d.snap == nil {
		b.WriteString(styles.Muted.Render("Loading..."))
		return b.String()
	}

	b.WriteString(fmt.Sprintf("  Status: %s  %s\n\n",
		statusBadge(d.snap.Health.Status), styles.Muted.Render(d.snap.Reason)))

	eng := d.snap.Stats.Engine
	cards := []string{
		renderMetricCard("Ingested", formatNumber(eng.Ingested)),
		renderMetricCard("Events/sec", fmt.Sprintf("%.1f", d.IngestRate())),
		renderMetricCard("Alerts", formatNumber(eng.Alerts)),
		renderMetricCard("Rules", fmt.Sprintf("%d", eng.Rules)),
		renderMetricCard("Queue", fmt.Sprintf("%d/%d", eng.Queue.Len, eng.Queue.Depth)),
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, cards...))
	b.WriteString("\n\n")

	b.WriteString(styles.Subtitle.Render("  Event Buffer"))
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("  Horizon %s  |  Buffered %s  |  Duplicates %s  |  Evicted %s  |  Rejected %s\n",
		eng.Horizon,
		formatNumber(uint64(eng.Buffer.Buffered)),
		formatNumber(eng.Buffer.Duplicates),
		formatNumber(eng.Buffer.Evicted),
		formatNumber(eng.Rejected),
	))
	b.WriteString(d.renderTenants())
	b.WriteString("\n")

	b.WriteString(styles.Muted.Render(fmt.Sprintf("  Uptime %s  |  Last updated: %s",
		api.FormatUptime(d.snap.Health.UptimeSeconds), d.snap.Fetched.Format("15:04:05"))))

	return b.String()
}

func (d *DashboardScene) renderTenants() string {
	tenants := d.snap.Stats.Engine.Buffer.Tenants
	if len(tenants) == 0 {
		return styles.Muted.Render("  No tenants buffered yet.") + "\n"
	}

	ids := make([]string, 0, len(tenants))
	for id := range tenants {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if tenants[ids[i]] != tenants[ids[j]] {
			return tenants[ids[i]] > tenants[ids[j]]
		}
		return ids[i] < ids[j]
	})

	limit := 8
	if d.height > 0 {
		limit = max(3, d.height-20)
	}
	var rows []string
	for i, id := range ids {
		if i == limit {
			rows = append(rows, styles.Muted.Render(fmt.Sprintf("  ... %d more", len(ids)-limit)))
			break
		}
		rows = append(rows, fmt.Sprintf("  %s %-24s %s", styles.StatusOK.Render("●"), truncate(id, 24), formatNumber(uint64(tenants[id]))))
	}
	return strings.Join(rows, "\n") + "\n"
}

func renderMetricCard(label, value string) string {
	return styles.MetricCard.Render(fmt.Sprintf("%s\n%s",
		styles.MetricValue.Render(value),
		styles.MetricLabel.Render(label),
	))
}

func statusBadge(status string) string {
	switch status {
	case "healthy":
		return styles.Badge(styles.StatusOK, "HEALTHY")
	case "degraded":
		return styles.Badge(styles.StatusWarning, "DEGRADED")
	case "unhealthy":
		return styles.Badge(styles.StatusError, "UNHEALTHY")
	default:
		return styles.Badge(styles.StatusError, "UNREACHABLE")
	}
}

func formatNumber(n uint64) string {
	if n >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(n)/1000000)
	}
	if n >= 1000 {
		return fmt.Sprintf("%.1fK", float64(n)/1000)
	}
	return fmt.Sprintf("%d", n)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
