package sync

import (
	gosync "sync"
	"time"

	"github.com/tildaslashalef/caresync/internal/conflict"
	"github.com/tildaslashalef/caresync/internal/loggy"
	"github.com/tildaslashalef/caresync/internal/queue"
)

// EventType names what happened to the queue
type EventType string

const (
	EventQueued           EventType = "queued"
	EventCompleted        EventType = "completed"
	EventFailed           EventType = "failed"
	EventConflictDetected EventType = "conflict-detected"
	EventConflictResolved EventType = "conflict-resolved"
	EventOnline           EventType = "online"
	EventOffline          EventType = "offline"
	EventSyncFinished     EventType = "sync-finished"
)

// Event is published on every queue state change
type Event struct {
	Type       EventType            `json:"type"`
	Operation  *queue.Operation     `json:"operation,omitempty"`
	Conflict   *conflict.Data       `json:"conflict,omitempty"`
	Resolution *conflict.Resolution `json:"resolution,omitempty"`
	Result     *SyncResult          `json:"result,omitempty"`
	Error      string               `json:"error,omitempty"`
	Time       time.Time            `json:"time"`
}

type subscriber struct {
	key string
	fn  func(Event)
}

// Bus fans events out to keyed callbacks and buffered streams. A slow
// stream drops events rather than stalling the processor.
type Bus struct {
	mu      gosync.RWMutex
	subs    []subscriber
	streams map[int]chan Event
	nextID  int
	logger  *loggy.Logger
}

// NewBus creates an empty bus
func NewBus(logger *loggy.Logger) *Bus {
	return &Bus{
		streams: make(map[int]chan Event),
		logger:  logger.WithComponent("events"),
	}
}

// Subscribe registers fn under key, replacing any earlier callback
func (b *Bus) Subscribe(key string, fn func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.subs {
		if b.subs[i].key == key {
			b.subs[i].fn = fn
			return
		}
	}
	b.subs = append(b.subs, subscriber{key: key, fn: fn})
}

// Unsubscribe removes key. Unknown keys are ignored.
func (b *Bus) Unsubscribe(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.subs[:0]
	for _, s := range b.subs {
		if s.key != key {
			out = append(out, s)
		}
	}
	b.subs = out
}

// Stream returns a channel receiving every event until cancel is called
func (b *Bus) Stream(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.streams[id] = ch
	b.mu.Unlock()

	var once gosync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.streams[id]; ok {
				delete(b.streams, id)
				close(ch)
			}
		})
	}
	return ch, cancel
}

// Publish delivers e to every subscriber then every stream
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	subs := append([]subscriber(nil), b.subs...)
	for _, ch := range b.streams {
		select {
		case ch <- e:
		default:
			b.logger.Warn("Dropping event for slow stream", "type", e.Type)
		}
	}
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(s, e)
	}
}

func (b *Bus) deliver(s subscriber, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event subscriber panicked", "subscriber", s.key, "type", e.Type, "panic", r)
		}
	}()
	s.fn(e)
}

// Close drops every subscriber and closes open streams
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = nil
	for id, ch := range b.streams {
		close(ch)
		delete(b.streams, id)
	}
}
