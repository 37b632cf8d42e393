package scenes

import (
	"fmt"
	"strings"
	"time"

	"dfir-detect/internal/detection"
	"dfir-detect/internal/tui/api"
	"dfir-detect/internal/tui/styles"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// RulesScene lists suppressed, erroring, disabled and invalid rules.
type RulesScene struct {
	client     *api.Client
	rules      []detection.RuleHealth
	err        string
	width      int
	height     int
	cursor     int
	offset     int
	loading    bool
	maxRows    int
	lastUpdate time.Time
}

type rulesMsg struct {
	rules []detection.RuleHealth
	err   string
}

// NewRulesScene creates a new rule health scene.
func NewRulesScene(client *api.Client) *RulesScene {
	return &RulesScene{
		client:  client,
		loading: true,
		maxRows: 10,
	}
}

// Init fetches rule health.
func (r *RulesScene) Init() tea.Cmd {
	return r.fetchRules()
}

func (r *RulesScene) fetchRules() tea.Cmd {
	return func() tea.Msg {
		resp, err := r.client.GetRuleHealth("")
		if err != nil {
			return rulesMsg{err: err.Error()}
		}
		return rulesMsg{rules: resp.Rules}
	}
}

// TickCmd returns the rule health refresh tick.
func (r *RulesScene) TickCmd() tea.Cmd {
	return tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
		return TickMsg{Scene: "rules", Time: t}
	})
}

// Selected returns the rule under the cursor.
func (r *RulesScene) Selected() (detection.RuleHealth, bool) {
	if r.cursor < 0 || r.cursor >= len(r.rules) {
		return detection.RuleHealth{}, false
	}
	return r.rules[r.cursor], true
}

// Update handles messages for the rules scene.
func (r *RulesScene) Update(msg tea.Msg) (*RulesScene, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		r.width = msg.Width
		r.height = msg.Height
		r.maxRows = max(5, r.height-14)
		return r, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "up", "k":
			if r.cursor > 0 {
				r.cursor--
				if r.cursor < r.offset {
					r.offset = r.cursor
				}
			}
		case "down", "j":
			if r.cursor < len(r.rules)-1 {
				r.cursor++
				if r.cursor >= r.offset+r.maxRows {
					r.offset = r.cursor - r.maxRows + 1
				}
			}
		case "r":
			r.loading = true
			return r, r.fetchRules()
		}
		return r, nil

	case rulesMsg:
		r.loading = false
		r.rules = msg.rules
		r.err = msg.err
		r.lastUpdate = time.Now()
		if r.cursor >= len(r.rules) {
			r.cursor = max(0, len(r.rules)-1)
		}
		if r.offset > r.cursor {
			r.offset = r.cursor
		}
		return r, nil

	case TickMsg:
		if msg.Scene == "rules" {
			return r, r.fetchRules()
		}
		return r, nil
	}

	return r, nil
}

// View renders the rule health table and the selected rule's last error.
func (r *RulesScene) View() string {
	var b strings.Builder

	b.WriteString(styles.Title.Render("  Rule Health"))
	b.WriteString("\n\n")

	if r.loading && len(r.rules) == 0 && r.err == "" {
		b.WriteString(styles.Muted.Render("  Loading rule health..."))
		return b.String()
	}

	if r.err != "" {
		b.WriteString(styles.StatusError.Render(fmt.Sprintf("  Error: %s", r.err)))
		b.WriteString("\n")
		b.WriteString(styles.Muted.Render("  Press [r] to retry."))
		return b.String()
	}

	if len(r.rules) == 0 {
		b.WriteString(styles.StatusOK.Render("  All rules healthy."))
		return b.String()
	}

	b.WriteString(styles.Subtitle.Render(fmt.Sprintf("  %d rule(s) need attention", len(r.rules))))
	b.WriteString("\n\n")

	header := fmt.Sprintf("  %-16s %-32s %-12s %s", "Tenant", "Rule", "State", "Failures")
	b.WriteString(styles.TableHeader.Render(header))
	b.WriteString("\n")

	end := min(r.offset+r.maxRows, len(r.rules))
	for i, rule := range r.rules[r.offset:end] {
		b.WriteString(renderRuleRow(rule, r.offset+i == r.cursor))
		b.WriteString("\n")
	}

	if sel, ok := r.Selected(); ok && (sel.LastError != "" || sel.Document != "") {
		b.WriteString("\n")
		if sel.Document != "" {
			b.WriteString(styles.Muted.Render("  Document: " + sel.Document))
			b.WriteString("\n")
		}
		if sel.LastError != "" {
			b.WriteString(styles.StatusWarning.Render("  " + truncate(sel.LastError, max(40, r.width-4))))
			b.WriteString("\n")
		}
	}

	if len(r.rules) > r.maxRows {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("\n  %d-%d of %d (↑↓ to scroll, [r] refresh)",
			r.offset+1, end, len(r.rules))))
	} else {
		b.WriteString(styles.Muted.Render("\n  [r] Refresh"))
	}
	if !r.lastUpdate.IsZero() {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("  |  Updated: %s", r.lastUpdate.Format("15:04:05"))))
	}

	return b.String()
}

func renderRuleRow(rule detection.RuleHealth, selected bool) string {
	state := formatState(rule.State)
	row := fmt.Sprintf("  %-16s %-32s %s %d",
		truncate(rule.TenantID, 16), truncate(rule.RuleID, 32), state, rule.Failures)

	if selected {
		return styles.RowSelected.Render(row)
	}
	return row
}

func formatState(state string) string {
	var style lipgloss.Style
	switch state {
	case "suppressed", detection.HealthInvalid:
		style = styles.StatusError
	case detection.HealthErroring:
		style = styles.StatusWarning
	default:
		style = styles.Muted
	}
	return style.Render(fmt.Sprintf("%-12s", strings.ToUpper(state)))
}
