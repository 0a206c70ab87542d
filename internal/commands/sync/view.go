package sync

import (
	"fmt"
	"strings"

	"github.com/tildaslashalef/caresync/internal/queue"
)

// View renders the sync TUI.
func (m Model) View() string {
	var sb strings.Builder

	network := m.styles.Success.Render("online")
	if !m.online {
		network = m.styles.Error.Render("offline")
	}
	sb.WriteString(m.styles.Title.Render("CareSync queue") + "  " + network)
	sb.WriteString("\n\n")

	sb.WriteString(m.renderCounts())
	sb.WriteString("\n")

	switch {
	case m.err != "":
		sb.WriteString(m.styles.Error.Render("Error: " + m.err))
	case m.syncing:
		sb.WriteString(fmt.Sprintf("%s %s %d/%d", m.spinner.View(), m.status, m.done, m.total))
		sb.WriteString("\n")
		sb.WriteString(m.progress.ViewAs(m.ratio()))
	default:
		sb.WriteString(m.styles.StatusText.Render(m.status))
	}
	sb.WriteString("\n")

	if r := m.result; r != nil && !m.syncing {
		summary := fmt.Sprintf("Last pass: %d processed, %d sent, %d failed, %d conflicts (%d resolved)",
			r.Processed, r.Completed, r.Failed, r.Conflicts, r.Resolved)
		sb.WriteString(m.styles.Subtle.Render(summary))
		sb.WriteString("\n")
	}

	sb.WriteString("\n")
	sb.WriteString(m.renderEvents())
	sb.WriteString("\n")
	sb.WriteString(m.help.View(m.keymap))

	return m.styles.Paragraph.Render(sb.String())
}

func (m Model) renderCounts() string {
	rows := []struct {
		label  string
		status queue.Status
	}{
		{"Pending", queue.StatusPending},
		{"Processing", queue.StatusProcessing},
		{"Errors", queue.StatusError},
		{"Conflicts", queue.StatusConflict},
		{"Completed", queue.StatusCompleted},
	}

	var sb strings.Builder
	for _, r := range rows {
		value := fmt.Sprintf("%d", m.counts[r.status])
		switch {
		case r.status == queue.StatusError && m.counts[r.status] > 0:
			value = m.styles.Error.Render(value)
		case r.status == queue.StatusConflict && m.counts[r.status] > 0:
			value = m.styles.Conflict.Render(value)
		}
		sb.WriteString(m.styles.Label.Render(r.label) + value + "\n")
	}
	return sb.String()
}

func (m Model) renderEvents() string {
	if len(m.events) == 0 {
		return m.styles.Box.Render(m.styles.Subtle.Render("No events yet"))
	}

	lines := make([]string, 0, len(m.events))
	for _, e := range m.events {
		line := m.styles.Subtle.Render(e.at.Format("15:04:05")) + " " + m.styles.forEvent(e.kind).Render(e.text)
		lines = append(lines, line)
	}
	return m.styles.Box.Render(strings.Join(lines, "\n"))
}
