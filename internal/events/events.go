// Package events provides an in-process pub/sub bus for check-loop progress.
// Metrics, health reporting, and tests subscribe; the loop publishes without
// ever blocking on a slow consumer.
package events

import (
	"sync"
)

// Type represents the kind of check-loop event.
type Type int

const (
	IterationStarted Type = iota
	TableChecked
	DriftDetected
	IterationCompleted
	StateChanged
)

// Event represents one check-loop occurrence. Table is empty for
// iteration-level and state events.
type Event struct {
	Type       Type
	Table      string
	Iteration  uint64
	Version    int
	Mismatches int
	PairErrors int
	State      string
	Err        string
	Timestamp  int64
}

// Bus provides an in-process pub/sub bus for check-loop events.
type Bus struct {
	subscribers sync.Map
	bufferSize  int
}

// NewBus creates a new bus instance.
func NewBus(bufferSize int) *Bus {
	return &Bus{
		bufferSize: bufferSize,
	}
}

// Publish sends an event to all subscribers.
// Non-blocking: if a subscriber's channel is full, the event is dropped.
func (b *Bus) Publish(ev Event) {
	b.subscribers.Range(func(key, value interface{}) bool {
		sub := value.(*Subscriber)
		if b.matchesFilter(sub, ev.Table) {
			select {
			case sub.Ch <- ev:
			default:
				// Channel full - drop event, do NOT block
			}
		}
		return true
	})
}

// Subscribe adds a new subscriber to the bus with a custom ID.
func (b *Bus) Subscribe(id string, filters []string) *Subscriber {
	ch := make(chan Event, b.bufferSize)
	sub := &Subscriber{
		ID:      id,
		Filters: filters,
		Ch:      ch,
	}
	b.subscribers.Store(sub.ID, sub)
	return sub
}

// Unsubscribe removes a subscriber from the bus and closes their channel.
func (b *Bus) Unsubscribe(subID string) {
	if value, ok := b.subscribers.LoadAndDelete(subID); ok {
		sub := value.(*Subscriber)
		close(sub.Ch)
	}
}

// matchesFilter checks if the event's table matches the subscriber's filters.
func (b *Bus) matchesFilter(sub *Subscriber, table string) bool {
	if len(sub.Filters) == 0 {
		return true // No filters - receive all events
	}
	for _, filter := range sub.Filters {
		if len(filter) == 0 {
			return true
		}
		if len(table) >= len(filter) && table[:len(filter)] == filter {
			return true
		}
	}
	return false
}

// Subscriber represents an event subscriber.
type Subscriber struct {
	ID      string
	Filters []string
	Ch      chan Event
}
