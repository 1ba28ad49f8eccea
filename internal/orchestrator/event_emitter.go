package orchestrator

import (
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// emitTimeout is how long Emit waits on a full subscriber before dropping.
const emitTimeout = 100 * time.Millisecond

// EventEmitter fans engine events out to subscribers. Each subscriber has
// its own buffered channel; a subscriber that stays full is skipped for
// that event rather than stalling the run loop.
type EventEmitter struct {
	bufferSize int

	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
	closed bool

	droppedCount atomic.Uint64
	// onDrop is called for every dropped event, for telemetry.
	onDrop func(EventType)
}

type subscriber struct {
	runID string
	ch    chan Event
}

// NewEventEmitter creates a new EventEmitter with the given per-subscriber buffer size.
func NewEventEmitter(bufferSize int) *EventEmitter {
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &EventEmitter{
		bufferSize: bufferSize,
		subs:       make(map[int]*subscriber),
	}
}

// Subscribe registers a subscriber. An empty runID receives events for
// every run. The returned function unsubscribes and closes the channel.
func (e *EventEmitter) Subscribe(runID string) (<-chan Event, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ch := make(chan Event, e.bufferSize)
	if e.closed {
		close(ch)
		return ch, func() {}
	}
	id := e.nextID
	e.nextID++
	e.subs[id] = &subscriber{runID: runID, ch: ch}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			if s, ok := e.subs[id]; ok {
				delete(e.subs, id)
				close(s.ch)
			}
		})
	}
}

// Emit sends an event to every matching subscriber.
// If a subscriber is full, it tries with a timeout before dropping the event.
func (e *EventEmitter) Emit(event Event) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, s := range e.subs {
		if s.runID != "" && s.runID != event.RunID {
			continue
		}
		e.send(s, event)
	}
}

func (e *EventEmitter) send(s *subscriber, event Event) {
	// Try immediate send first
	select {
	case s.ch <- event:
		return
	default:
	}

	// Give the receiver a chance to drain
	timer := time.NewTimer(emitTimeout)
	defer timer.Stop()
	select {
	case s.ch <- event:
	case <-timer.C:
		count := e.droppedCount.Add(1)
		if e.onDrop != nil {
			e.onDrop(event.Type)
		}
		if count%10 == 1 { // Log every 10th drop to avoid spam
			log.Printf("[orchestrator] WARNING: subscriber full, dropped event (total dropped: %d): type=%s run=%s", count, event.Type, event.RunID)
		}
	}
}

// DroppedCount returns the total number of events that have been dropped.
func (e *EventEmitter) DroppedCount() uint64 {
	return e.droppedCount.Load()
}

// Subscribers returns the number of live subscribers.
func (e *EventEmitter) Subscribers() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subs)
}

// Close closes every subscriber channel. Later subscriptions receive a
// closed channel.
func (e *EventEmitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for id, s := range e.subs {
		close(s.ch)
		delete(e.subs, id)
	}
}
