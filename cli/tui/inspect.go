package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/pithecene-io/virtsnd/cli/reader"
)

// InspectModel is a Bubble Tea model for trace inspection.
type InspectModel struct {
	viewType string
	data     any
	width    int
	height   int
	quitting bool
}

// NewInspectModel creates a new inspect model.
func NewInspectModel(viewType string, data any) InspectModel {
	return InspectModel{
		viewType: viewType,
		data:     data,
	}
}

// Init implements tea.Model.
func (m InspectModel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m InspectModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
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
func (m InspectModel) View() string {
	if m.quitting {
		return ""
	}

	var content string
	switch m.viewType {
	case "inspect_trace":
		content = m.renderTraceSummary()
	default:
		content = fmt.Sprintf("Unknown view type: %s", m.viewType)
	}

	help := HelpStyle.Render("Press q or Ctrl+C to quit")
	return content + "\n" + help
}

func (m InspectModel) renderTraceSummary() string {
	data, ok := m.data.(*reader.TraceSummary)
	if !ok {
		return "Invalid data type for inspect_trace"
	}

	var b strings.Builder
	b.WriteString(TitleStyle.Render("Trace Summary"))
	b.WriteString("\n\n")

	rows := [][]string{
		{"Path", data.Path},
		{"Messages", fmt.Sprintf("%d", data.Total)},
		{"PCM", fmt.Sprintf("%d", data.PCM)},
		{"Kcontrol", fmt.Sprintf("%d", data.Kctl)},
		{"Config", fmt.Sprintf("%d", data.Cfg)},
		{"Failed", fmt.Sprintf("%d", data.Failed)},
	}
	if len(data.Domains) > 0 {
		rows = append(rows, []string{"Domains", strings.Join(data.Domains, ", ")})
	}
	if data.First != nil {
		rows = append(rows, []string{"First", data.First.Format("2006-01-02 15:04:05")})
	}
	if data.Last != nil {
		rows = append(rows, []string{"Last", data.Last.Format("2006-01-02 15:04:05")})
	}

	for _, row := range rows {
		label := LabelStyle.Render(row[0] + ":")
		value := ValueStyle.Render(row[1])
		if row[0] == "Failed" && data.Failed > 0 {
			value = ErrorStyle.Render(row[1])
		}
		b.WriteString(fmt.Sprintf("%s %s\n", label, value))
	}

	return BoxStyle.Render(b.String())
}

// keyMap defines key bindings.
type keyMap struct {
	Quit key.Binding
}

var keys = keyMap{
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
}

// RunInspectTUI runs the inspect TUI.
func RunInspectTUI(viewType string, data any) error {
	model := NewInspectModel(viewType, data)
	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// RenderInspectStatic renders inspect data without full TUI (for fallback).
func RenderInspectStatic(viewType string, data any) string {
	model := NewInspectModel(viewType, data)
	model.width = 80
	model.height = 24
	return lipgloss.NewStyle().Padding(1, 2).Render(model.View())
}
