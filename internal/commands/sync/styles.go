package sync

import (
	"github.com/charmbracelet/lipgloss"

	syncsvc "github.com/tildaslashalef/caresync/internal/sync"
)

// Styles holds the lipgloss styles of the sync TUI
type Styles struct {
	Title      lipgloss.Style
	Label      lipgloss.Style
	Paragraph  lipgloss.Style
	StatusText lipgloss.Style
	Subtle     lipgloss.Style
	Success    lipgloss.Style
	Warning    lipgloss.Style
	Error      lipgloss.Style
	Conflict   lipgloss.Style
	Box        lipgloss.Style
}

// DefaultStyles returns the Gruvbox-inspired styles
func DefaultStyles() Styles {
	return Styles{
		Title:      lipgloss.NewStyle().Bold(true).Foreground(lipgloss.AdaptiveColor{Light: "#076678", Dark: "#83a598"}),
		Label:      lipgloss.NewStyle().Width(12).Foreground(lipgloss.AdaptiveColor{Light: "#504945", Dark: "#d5c4a1"}),
		Paragraph:  lipgloss.NewStyle().Padding(0, 1),
		StatusText: lipgloss.NewStyle().Italic(true).Foreground(lipgloss.AdaptiveColor{Light: "#7c6f64", Dark: "#a89984"}),
		Subtle:     lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#928374", Dark: "#7c6f64"}),
		Success:    lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#98971a", Dark: "#b8bb26"}),
		Warning:    lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#d79921", Dark: "#fabd2f"}),
		Error:      lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#cc241d", Dark: "#fb4934"}),
		Conflict:   lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#8f3f71", Dark: "#d3869b"}),
		Box: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.AdaptiveColor{Light: "#bdae93", Dark: "#504945"}).
			Padding(0, 1),
	}
}

// forEvent picks the style an event line is rendered in
func (s Styles) forEvent(t syncsvc.EventType) lipgloss.Style {
	switch t {
	case syncsvc.EventCompleted, syncsvc.EventConflictResolved, syncsvc.EventOnline:
		return s.Success
	case syncsvc.EventFailed, syncsvc.EventOffline:
		return s.Error
	case syncsvc.EventConflictDetected:
		return s.Conflict
	case syncsvc.EventSyncFinished:
		return s.Title
	default:
		return s.Subtle
	}
}
