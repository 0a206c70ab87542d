package sync

import (
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/tildaslashalef/caresync/internal/loggy"
	"github.com/tildaslashalef/caresync/internal/queue"
	syncsvc "github.com/tildaslashalef/caresync/internal/sync"
)

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		m.progress.Width = max(msg.Width-10, 10)

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keymap.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keymap.Help):
			m.help.ShowAll = !m.help.ShowAll
		case key.Matches(msg, m.keymap.Sync):
			if m.startPass(m.counts[queue.StatusPending]) {
				cmds = append(cmds, m.runSync, m.spinner.Tick)
			}
		case key.Matches(msg, m.keymap.Retry):
			if m.startPass(m.counts[queue.StatusPending] + m.counts[queue.StatusError]) {
				cmds = append(cmds, m.retryFailed, m.spinner.Tick)
			}
		}

	case spinner.TickMsg:
		if m.syncing {
			m.spinner, cmd = m.spinner.Update(msg)
			cmds = append(cmds, cmd)
		}

	case progress.FrameMsg:
		progressModel, cmd := m.progress.Update(msg)
		m.progress = progressModel.(progress.Model)
		cmds = append(cmds, cmd)

	case StatsMsg:
		m.online = msg.Online
		if msg.Err != nil {
			m.err = msg.Err.Error()
			break
		}
		m.counts = msg.Counts
		if !m.syncing {
			m.status = m.idleStatus()
		}

	case EventMsg:
		cmds = append(cmds, m.waitForEvent)
		if m.handleEvent(msg.Event) {
			cmds = append(cmds, m.loadStats)
		}

	case StreamClosedMsg:
		m.stream = nil

	case SyncDoneMsg:
		m.syncing = false
		m.result = msg.Result
		switch {
		case errors.Is(msg.Err, syncsvc.ErrOffline):
			m.status = "Server unreachable. Writes stay queued until it is back."
		case errors.Is(msg.Err, syncsvc.ErrSyncInProgress):
			m.status = "A sync pass is already running."
		case msg.Err != nil:
			m.err = msg.Err.Error()
			loggy.Error("Sync from TUI failed", "error", msg.Err)
		default:
			m.err = ""
			m.status = "Sync complete."
		}
		cmds = append(cmds, m.loadStats)
	}

	return m, tea.Batch(cmds...)
}

// startPass resets the progress counters. It reports false when a pass is
// already running.
func (m *Model) startPass(total int) bool {
	if m.syncing || m.engine.IsProcessing() {
		m.status = "A sync pass is already running."
		return false
	}
	m.syncing = true
	m.total = total
	m.done = 0
	m.result = nil
	m.err = ""
	m.status = "Syncing..."
	return true
}

// handleEvent records e and reports whether the counts should be reloaded
func (m *Model) handleEvent(e syncsvc.Event) bool {
	m.appendEvent(e)

	switch e.Type {
	case syncsvc.EventCompleted, syncsvc.EventFailed, syncsvc.EventConflictDetected:
		if m.syncing {
			m.done++
			if m.done > m.total {
				m.total = m.done
			}
		}
		return false
	case syncsvc.EventOnline:
		m.online = true
	case syncsvc.EventOffline:
		m.online = false
	}
	return true
}

func (m *Model) appendEvent(e syncsvc.Event) {
	at := e.Time
	if at.IsZero() {
		at = time.Now()
	}
	m.events = append(m.events, eventLine{at: at, kind: e.Type, text: describe(e)})
	if len(m.events) > maxEventLines {
		m.events = m.events[len(m.events)-maxEventLines:]
	}
}

// describe renders an event as one log line
func describe(e syncsvc.Event) string {
	var target string
	if op := e.Operation; op != nil {
		target = fmt.Sprintf("%s %s", op.Method, op.URL)
	}

	switch e.Type {
	case syncsvc.EventQueued:
		return "queued " + target
	case syncsvc.EventCompleted:
		return "sent " + target
	case syncsvc.EventFailed:
		return fmt.Sprintf("failed %s: %s", target, e.Error)
	case syncsvc.EventConflictDetected:
		kind := ""
		if e.Conflict != nil {
			kind = string(e.Conflict.Type) + " "
		}
		return fmt.Sprintf("conflict %son %s", kind, target)
	case syncsvc.EventConflictResolved:
		strategy := ""
		if e.Resolution != nil {
			strategy = string(e.Resolution.Strategy)
		}
		return fmt.Sprintf("resolved %s with %s", target, strategy)
	case syncsvc.EventOnline:
		return "server reachable"
	case syncsvc.EventOffline:
		return "server unreachable"
	case syncsvc.EventSyncFinished:
		if r := e.Result; r != nil {
			return fmt.Sprintf("%s pass: %d sent, %d failed, %d conflicts", r.Type, r.Completed, r.Failed, r.Conflicts)
		}
		return "pass finished"
	default:
		return string(e.Type)
	}
}

func (m Model) idleStatus() string {
	pending := m.counts[queue.StatusPending]
	if pending == 0 {
		return "Queue is empty."
	}
	return fmt.Sprintf("%d write(s) waiting. Press enter to sync.", pending)
}

// ratio is the completed share of the current pass
func (m Model) ratio() float64 {
	if m.total == 0 {
		return 0
	}
	return float64(m.done) / float64(m.total)
}
