// Package events fans batch lifecycle events out to in-process subscribers and WebSocket clients.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// EventType names an event, e.g. "batch:progress".
type EventType string

// Event is one published event.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Subscriber receives events.
type Subscriber func(Event)

type subscription struct {
	ch    chan Event
	types map[EventType]bool
}

func (s *subscription) wants(t EventType) bool {
	return len(s.types) == 0 || s.types[t]
}

// Bus is a non-blocking publish/subscribe bus.
// Each subscriber gets a buffered channel drained by its own goroutine, so a subscriber sees
// events in publish order. When a subscriber's buffer is full the event is dropped for it.
type Bus struct {
	mu         sync.RWMutex
	subs       []*subscription
	bufferSize int
	closed     bool
	dropped    atomic.Int64
	logger     *slog.Logger
}

// NewBus creates a bus with bufferSize slots per subscriber.
func NewBus(bufferSize int, logger *slog.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{bufferSize: bufferSize, logger: logger}
}

// Subscribe registers fn for the given types, or for every type when none are given.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(fn Subscriber, types ...EventType) func() {
	sub := &subscription{ch: make(chan Event, b.bufferSize)}
	if len(types) > 0 {
		sub.types = make(map[EventType]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return func() {}
	}
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	go func() {
		for event := range sub.ch {
			func() {
				defer func() {
					if r := recover(); r != nil {
						b.logger.Error("event subscriber panicked", "type", event.Type, "panic", r)
					}
				}()
				fn(event)
			}()
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s == sub {
					b.subs = append(b.subs[:i], b.subs[i+1:]...)
					close(sub.ch)
					break
				}
			}
		})
	}
}

// Publish delivers an event to every interested subscriber without blocking.
func (b *Bus) Publish(eventType EventType, data map[string]any) {
	event := Event{Type: eventType, Timestamp: time.Now().UTC(), Data: data}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		if !s.wants(eventType) {
			continue
		}
		select {
		case s.ch <- event:
		default:
			b.dropped.Add(1)
			b.logger.Warn("event dropped, subscriber buffer full", "type", eventType)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Emit publishes a string-typed event.
func (b *Bus) Emit(eventType string, payload map[string]any) {
	b.Publish(EventType(eventType), payload)
}

// Close closes every subscription. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, s := range b.subs {
		close(s.ch)
	}
	b.subs = nil
}
