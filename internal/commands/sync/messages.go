package sync

import (
	"github.com/tildaslashalef/caresync/internal/queue"
	syncsvc "github.com/tildaslashalef/caresync/internal/sync"
)

type (
	// StatsMsg carries fresh queue counts
	StatsMsg struct {
		Counts map[queue.Status]int
		Online bool
		Err    error
	}

	// EventMsg wraps one engine event read from the stream
	EventMsg struct {
		Event syncsvc.Event
	}

	// StreamClosedMsg is sent once the event stream is closed
	StreamClosedMsg struct{}

	// SyncDoneMsg is sent when a pass started from the TUI returns
	SyncDoneMsg struct {
		Result *syncsvc.SyncResult
		Err    error
	}
)
