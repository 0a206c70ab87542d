package sync

import (
	tea "github.com/charmbracelet/bubbletea"
)

// loadStats reads the queue counts and connectivity
func (m Model) loadStats() tea.Msg {
	counts, err := m.engine.Stats(m.ctx)
	online := true
	if m.network != nil {
		online = m.network.IsOnline()
	}
	return StatsMsg{Counts: counts, Online: online, Err: err}
}

// waitForEvent blocks for the next event on the stream
func (m Model) waitForEvent() tea.Msg {
	if m.stream == nil {
		return nil
	}
	select {
	case e, ok := <-m.stream:
		if !ok {
			return StreamClosedMsg{}
		}
		return EventMsg{Event: e}
	case <-m.ctx.Done():
		return StreamClosedMsg{}
	}
}

// runSync drains the queue once
func (m Model) runSync() tea.Msg {
	result, err := m.engine.ProcessQueue(m.ctx)
	return SyncDoneMsg{Result: result, Err: err}
}

// retryFailed requeues failed operations and drains the queue
func (m Model) retryFailed() tea.Msg {
	result, err := m.engine.RetryFailedOperations(m.ctx)
	return SyncDoneMsg{Result: result, Err: err}
}
