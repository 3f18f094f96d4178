package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/pithecene-io/virtsnd/metrics"
)

// StatsModel is a Bubble Tea model for endpoint counter views.
type StatsModel struct {
	viewType string
	data     any
	width    int
	height   int
	quitting bool
}

// NewStatsModel creates a new stats model.
func NewStatsModel(viewType string, data any) StatsModel {
	return StatsModel{
		viewType: viewType,
		data:     data,
	}
}

// Init implements tea.Model.
func (m StatsModel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m StatsModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		if key.Matches(msg, keys.Quit) {
			m.quitting = true
			return m, tea.Quit
		}
	}

	return m, nil
}

// View implements tea.Model.
func (m StatsModel) View() string {
	if m.quitting {
		return ""
	}

	var content string
	switch m.viewType {
	case "stats_endpoint":
		content = m.renderEndpoint()
	default:
		content = fmt.Sprintf("Unknown view type: %s", m.viewType)
	}

	help := HelpStyle.Render("Press q or Ctrl+C to quit")
	return content + "\n" + help
}

func (m StatsModel) renderEndpoint() string {
	data, ok := m.data.(*metrics.Snapshot)
	if !ok {
		return "Invalid data type for stats_endpoint"
	}

	var b strings.Builder
	title := "Endpoint Counters"
	if data.DomainName != "" {
		title = fmt.Sprintf("Endpoint Counters — %s (%s)", data.DomainName, data.Role)
	}
	b.WriteString(TitleStyle.Render(title))
	b.WriteString("\n\n")

	requests := []string{
		m.renderStatBox("Sent", data.RequestsSent, highlightColor),
		m.renderStatBox("Completed", data.RequestsCompleted, successColor),
		m.renderStatBox("Timed Out", data.RequestsTimedOut, errorColor),
		m.renderStatBox("Retried", data.RequestsRetried, warningColor),
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, requests...))
	b.WriteString("\n\n")

	notes := []string{
		m.renderStatBox("Queued", data.NotificationsQueued, warningColor),
		m.renderStatBox("Delivered", data.NotificationsDelivered, successColor),
		m.renderStatBox("Dropped", data.NotificationsDropped, errorColor),
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, notes...))
	b.WriteString("\n\n")

	streams := []string{
		m.renderStatBox("Publishes", data.PositionPublishes, highlightColor),
		m.renderStatBox("Missed IRQ", data.MissedInterrupts, warningColor),
		m.renderStatBox("Denied", data.PermissionDenials, errorColor),
		m.renderStatBox("Bad Frames", data.DecodeErrors, errorColor),
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, streams...))

	return b.String()
}

func (m StatsModel) renderStatBox(label string, value int64, color lipgloss.Color) string {
	boxStyle := StatBoxStyle.BorderForeground(color)

	valueStr := StatValueStyle.Foreground(color).Render(fmt.Sprintf("%d", value))
	labelStr := StatLabelStyle.Render(label)

	content := lipgloss.JoinVertical(lipgloss.Center, valueStr, labelStr)

	return boxStyle.Render(content)
}

// RunStatsTUI runs the stats TUI.
func RunStatsTUI(viewType string, data any) error {
	model := NewStatsModel(viewType, data)
	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// RenderStatsStatic renders stats data without full TUI (for fallback).
func RenderStatsStatic(viewType string, data any) string {
	model := NewStatsModel(viewType, data)
	model.width = 80
	model.height = 24
	return lipgloss.NewStyle().Padding(1, 2).Render(model.View())
}
