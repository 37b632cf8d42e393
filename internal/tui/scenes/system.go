package scenes

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"dfir-detect/internal/tui/api"
	"dfir-detect/internal/tui/styles"

	tea "github.com/charmbracelet/bubbletea"
)

// SystemScene shows the trigger queue, buffer internals and the stats of
// every enabled backend (Kafka, ClickHouse, alert delivery, rate limiter).
type SystemScene struct {
	client  *api.Client
	snap    *api.Snapshot
	width   int
	height  int
	loading bool
}

// NewSystemScene creates a new system scene.
func NewSystemScene(client *api.Client) *SystemScene {
	return &SystemScene{
		client:  client,
		loading: true,
	}
}

// Init fetches the first snapshot.
func (s *SystemScene) Init() tea.Cmd {
	return fetchSnapshot(s.client, "system")
}

// TickCmd returns the system refresh tick.
func (s *SystemScene) TickCmd() tea.Cmd {
	return tea.Tick(10*time.Second, func(t time.Time) tea.Msg {
		return TickMsg{Scene: "system", Time: t}
	})
}

// Update handles messages for the system scene.
func (s *SystemScene) Update(msg tea.Msg) (*SystemScene, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		s.width = msg.Width
		s.height = msg.Height
		return s, nil

	case snapshotMsg:
		if msg.scene == "system" {
			s.loading = false
			s.snap = msg.snap
		}
		return s, nil

	case TickMsg:
		if msg.Scene == "system" {
			return s, fetchSnapshot(s.client, "system")
		}
		return s, nil
	}

	return s, nil
}

// View renders the system scene.
func (s *SystemScene) View() string {
	var b strings.Builder

	b.WriteString(styles.Title.Render("  System"))
	b.WriteString("\n\n")

	if s.loading || s.snap == nil {
		b.WriteString(styles.Muted.Render("Loading system information..."))
		return b.String()
	}

	b.WriteString(styles.Subtitle.Render("  Backend Connection"))
	b.WriteString("\n")
	if s.snap.Health.Status == "unknown" {
		b.WriteString(fmt.Sprintf("  %s Not connected\n", styles.StatusError.Render("●")))
		b.WriteString(fmt.Sprintf("  %s Reason: %s\n", styles.Muted.Render("└"), s.snap.Reason))
		return b.String()
	}
	b.WriteString(fmt.Sprintf("  %s %s\n", statusBadge(s.snap.Health.Status), s.snap.Reason))
	b.WriteString(fmt.Sprintf("  %s Uptime: %s\n\n", styles.Muted.Render("└"), api.FormatUptime(s.snap.Health.UptimeSeconds)))

	eng := s.snap.Stats.Engine
	b.WriteString(styles.Subtitle.Render("  Trigger Queue"))
	b.WriteString("\n")
	b.WriteString(renderKV([][2]string{
		{"pushed", formatNumber(eng.Queue.Pushed)},
		{"popped", formatNumber(eng.Queue.Popped)},
		{"dropped", formatNumber(eng.Queue.Dropped)},
		{"pending", fmt.Sprintf("%d / %d", eng.Queue.Len, eng.Queue.Depth)},
	}))
	b.WriteString("\n")

	b.WriteString(styles.Subtitle.Render("  Event Buffer"))
	b.WriteString("\n")
	b.WriteString(renderKV([][2]string{
		{"appended", formatNumber(eng.Buffer.Appended)},
		{"duplicates", formatNumber(eng.Buffer.Duplicates)},
		{"evicted", formatNumber(eng.Buffer.Evicted)},
		{"cap exhausted", formatNumber(eng.Buffer.Exhausted)},
		{"chained alerts", formatNumber(eng.Chained)},
	}))

	names := make([]string, 0, len(s.snap.Stats.Components))
	for name := range s.snap.Stats.Components {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		b.WriteString("\n")
		b.WriteString(styles.Subtitle.Render("  " + name))
		b.WriteString("\n")
		b.WriteString(renderKV(flattenComponent(s.snap.Stats.Components[name])))
	}

	return b.String()
}

// flattenComponent turns a component's JSON stats into sorted key/value
// pairs, joining nested keys with dots.
func flattenComponent(raw json.RawMessage) [][2]string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return [][2]string{{"error", err.Error()}}
	}

	var out [][2]string
	var walk func(prefix string, v any)
	walk = func(prefix string, v any) {
		switch t := v.(type) {
		case map[string]any:
			for k, child := range t {
				key := k
				if prefix != "" {
					key = prefix + "." + k
				}
				walk(key, child)
			}
		case float64:
			if t == float64(uint64(t)) {
				out = append(out, [2]string{prefix, formatNumber(uint64(t))})
			} else {
				out = append(out, [2]string{prefix, fmt.Sprintf("%.2f", t)})
			}
		case nil:
			out = append(out, [2]string{prefix, "-"})
		default:
			out = append(out, [2]string{prefix, fmt.Sprint(t)})
		}
	}
	walk("", v)

	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}

func renderKV(pairs [][2]string) string {
	var b strings.Builder
	for i, kv := range pairs {
		branch := "├"
		if i == len(pairs)-1 {
			branch = "└"
		}
		b.WriteString(fmt.Sprintf("  %s %-18s %s\n", styles.Muted.Render(branch), kv[0], kv[1]))
	}
	return b.String()
}
