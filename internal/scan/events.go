package scan

import (
	"context"
	"sync"
)

// EventType tags a progress event.
type EventType string

const (
	EventProgress EventType = "progress"
	EventDone     EventType = "done"
	EventError    EventType = "error"
)

// Event is one entry of a scan's append-only progress log. Step is the
// 1-based count of pairs processed so far; Total is fixed at scan start.
type Event struct {
	Type    EventType `json:"type"`
	Step    int       `json:"step,omitempty"`
	Total   int       `json:"total,omitempty"`
	Country string    `json:"country,omitempty"`
	Keyword string    `json:"keyword,omitempty"`
	Message string    `json:"message,omitempty"`
}

// Terminal reports whether the event closes the stream.
func (e Event) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

// EventLog is the per-scan append-only event buffer. Subscribers replay
// every buffered event from the beginning and then follow live appends,
// in order and without gaps; the terminal event ends each subscription.
type EventLog struct {
	mu     sync.Mutex
	cond   *sync.Cond
	events []Event
	closed bool
}

// NewEventLog returns an empty log.
func NewEventLog() *EventLog {
	l := &EventLog{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Append adds an event. Appending a terminal event closes the log;
// appends after close are dropped.
func (l *EventLog) Append(ev Event) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.events = append(l.events, ev)
	if ev.Terminal() {
		l.closed = true
	}
	l.mu.Unlock()
	l.cond.Broadcast()
}

// Events returns a copy of the buffer.
func (l *EventLog) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// Closed reports whether a terminal event has been appended.
func (l *EventLog) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Subscribe returns a channel that yields the full buffer from the
// start and then live events until the terminal event, the log closing,
// or ctx ending. The channel is closed when the subscription ends.
func (l *EventLog) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)

	// Wake the reader loop when the context ends; cond.Wait cannot
	// observe ctx on its own.
	go func() {
		<-ctx.Done()
		l.cond.Broadcast()
	}()

	go func() {
		defer close(ch)
		idx := 0
		for {
			l.mu.Lock()
			for idx >= len(l.events) && !l.closed && ctx.Err() == nil {
				l.cond.Wait()
			}
			if ctx.Err() != nil || (idx >= len(l.events) && l.closed) {
				l.mu.Unlock()
				return
			}
			ev := l.events[idx]
			idx++
			l.mu.Unlock()

			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
			if ev.Terminal() {
				return
			}
		}
	}()
	return ch
}
