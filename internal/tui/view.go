package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"taskchat/internal/domain"
)

var (
	titleStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	userStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	assistantStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	bannerStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("62")).Padding(0, 1)

	statusStyles = map[domain.TaskStatus]lipgloss.Style{
		domain.TaskPending:   lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		domain.TaskCompleted: lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		domain.TaskFailed:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
)

func (m model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render(m.title))
	b.WriteString("\n\n")

	lines := m.renderHistory()
	if m.showTasks {
		lines = m.renderTasks()
	}
	available := m.height - 4 - len(m.order)
	if m.height > 0 && available < 3 {
		available = 3
	}
	if m.height > 0 && len(lines) > available {
		lines = lines[len(lines)-available:]
	}
	for _, l := range lines {
		b.WriteString(l)
		b.WriteString("\n")
	}

	if banner := m.renderBanner(); banner != "" {
		b.WriteString("\n")
		b.WriteString(banner)
		b.WriteString("\n")
	}

	b.WriteString("\n> ")
	b.WriteString(renderCursor(m.input, m.cursor))
	b.WriteString("\n")
	if m.waiting {
		b.WriteString(dimStyle.Render("waiting for the assistant..."))
	}
	b.WriteString("\n")
	return b.String()
}

func (m model) renderHistory() []string {
	var lines []string
	for _, e := range m.history {
		var prefix string
		style := dimStyle
		switch e.role {
		case roleUser:
			prefix, style = "You: ", userStyle
		case roleAssistant:
			prefix, style = "Assistant: ", assistantStyle
		default:
			if strings.HasPrefix(e.text, "Error:") {
				style = errorStyle
			}
		}
		for _, l := range strings.Split(e.text, "\n") {
			lines = append(lines, style.Render(prefix+l))
		}
	}
	return lines
}

// renderBanner shows one line per tracked task.
func (m model) renderBanner() string {
	if len(m.order) == 0 {
		return ""
	}
	rows := make([]string, 0, len(m.order)+1)
	for _, id := range m.order {
		t := m.tasks[id]
		status := statusStyles[t.Status].Render(string(t.Status))
		row := fmt.Sprintf("%s %s", id, status)
		if t.ActionType != "" {
			row = fmt.Sprintf("%s (%s) %s", id, t.ActionType, status)
		}
		if t.Detail != "" {
			row += dimStyle.Render(" " + t.Detail)
		}
		rows = append(rows, row)
	}
	if m.pollErr != "" {
		rows = append(rows, errorStyle.Render(m.pollErr))
	}
	return bannerStyle.Render(strings.Join(rows, "\n"))
}

// renderTasks lists the session's tasks, preferring the latest polled state.
func (m model) renderTasks() []string {
	lines := []string{titleStyle.Render("Tasks") + dimStyle.Render(" (Ctrl+T to close)")}
	if m.tasksErr != "" {
		lines = append(lines, errorStyle.Render(m.tasksErr))
	}
	if len(m.taskList) == 0 {
		return append(lines, dimStyle.Render("No tasks yet."))
	}
	for _, t := range m.taskList {
		if tracked, ok := m.tasks[t.ID]; ok {
			t.Status, t.Detail = tracked.Status, tracked.Detail
		}
		row := fmt.Sprintf("%s  %s (%s) %s", t.CreatedAt.Local().Format("15:04:05"), t.ID, t.ActionType, statusStyles[t.Status].Render(string(t.Status)))
		if t.Detail != "" {
			row += dimStyle.Render(" " + t.Detail)
		}
		lines = append(lines, row)
	}
	return lines
}

func renderCursor(input []rune, cursor int) string {
	if cursor >= len(input) {
		return string(input) + "_"
	}
	return string(input[:cursor]) + "_" + string(input[cursor:])
}
