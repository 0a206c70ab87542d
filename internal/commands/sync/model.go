// Package sync is the interactive monitor for the sync queue
package sync

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/tildaslashalef/caresync/internal/queue"
	syncsvc "github.com/tildaslashalef/caresync/internal/sync"
)

// maxEventLines is how many recent events the log keeps
const maxEventLines = 12

// Engine is what the TUI needs from the sync service
type Engine interface {
	Stats(ctx context.Context) (map[queue.Status]int, error)
	ProcessQueue(ctx context.Context) (*syncsvc.SyncResult, error)
	RetryFailedOperations(ctx context.Context) (*syncsvc.SyncResult, error)
	IsProcessing() bool
}

// Network reports connectivity
type Network interface {
	IsOnline() bool
}

// eventLine is one rendered row of the event log
type eventLine struct {
	at   time.Time
	kind syncsvc.EventType
	text string
}

// Model is the Bubble Tea model for the sync TUI
type Model struct {
	ctx      context.Context
	engine   Engine
	network  Network
	stream   <-chan syncsvc.Event
	keymap   KeyMap
	help     help.Model
	spinner  spinner.Model
	progress progress.Model
	styles   Styles

	// UI state
	autoStart bool
	retry     bool
	width     int
	height    int
	status    string
	err       string
	online    bool
	counts    map[queue.Status]int
	events    []eventLine

	// current pass
	syncing bool
	total   int
	done    int
	result  *syncsvc.SyncResult
}

// Options configures NewModel
type Options struct {
	// AutoStart runs a pass as soon as the TUI opens
	AutoStart bool
	// Retry makes the automatic pass requeue failed operations first
	Retry bool
}

// NewModel initializes and returns a new Model. stream should come from
// the engine's event bus and is drained until it closes.
func NewModel(ctx context.Context, engine Engine, network Network, stream <-chan syncsvc.Event, opts Options) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	m := Model{
		ctx:       ctx,
		engine:    engine,
		network:   network,
		stream:    stream,
		keymap:    DefaultKeyMap(),
		help:      help.New(),
		spinner:   s,
		progress:  progress.New(progress.WithDefaultGradient()),
		styles:    DefaultStyles(),
		autoStart: opts.AutoStart,
		retry:     opts.Retry,
		status:    "Loading queue...",
		counts:    map[queue.Status]int{},
	}
	if opts.AutoStart {
		m.syncing = true
		m.status = "Syncing..."
	}
	return m
}

// Init initializes the model and returns the initial command
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{m.spinner.Tick, m.loadStats, m.waitForEvent}
	switch {
	case m.autoStart && m.retry:
		cmds = append(cmds, m.retryFailed)
	case m.autoStart:
		cmds = append(cmds, m.runSync)
	}
	return tea.Batch(cmds...)
}
