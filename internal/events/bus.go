// Package events implements the fire-and-forget broadcast channel for queue
// state changes: an in-process pub/sub bus plus a websocket hub that relays
// bus events to observer UIs.
package events

import (
	"sync"
	"time"
)

// EventType represents the type of event being published.
type EventType string

const (
	// EventQueueStateChanged is published after every persisted queue
	// mutation, carrying the full queue snapshot and the live run flags.
	EventQueueStateChanged EventType = "queue_state_changed"
	// EventJobStarted is published when a job is handed to the runner.
	EventJobStarted EventType = "job_started"
	// EventJobFinished is published when the runner returns, success or not.
	EventJobFinished EventType = "job_finished"
	// EventCooldownStarted is published when the inter-job cooldown begins.
	EventCooldownStarted EventType = "cooldown_started"
	// EventBatchHalted is published when a checkpoint write failed past its
	// retries and the run loop aborted.
	EventBatchHalted EventType = "batch_halted"
	// EventResolveFallback is published when the resolution engine located a
	// target through a fallback strategy, a sign the primary lookup table is
	// drifting from the live page.
	EventResolveFallback EventType = "resolve_fallback"
	// EventCheckpointDrift is published when a checkpoint file changed on
	// disk outside the daemon.
	EventCheckpointDrift EventType = "checkpoint_drift"
)

// Event represents a system event.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

// wildcard is the internal key for subscribers that want every event type.
const wildcard EventType = "*"

// Bus is a non-blocking publish/subscribe bus. Delivery is asynchronous via
// buffered channels; when a subscriber's buffer is full the event is dropped
// silently. Publishers must never depend on receipt.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
}

// NewBus creates a new event bus with the specified buffer size per
// subscriber.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a subscriber for a specific event type. The function
// is invoked asynchronously. Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	return b.subscribe(eventType, fn)
}

// SubscribeAll registers a subscriber for every event type.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	return b.subscribe(wildcard, fn)
}

func (b *Bus) subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	go func() {
		for event := range ch {
			func() {
				// A panicking subscriber must not take the bus down.
				defer func() { _ = recover() }()
				fn(event)
			}()
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[eventType]
		for i, subCh := range subs {
			if subCh == ch {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
}

// Publish sends an event to all subscribers of the given type and to
// wildcard subscribers. Never blocks; full buffers drop the event.
func (b *Bus) Publish(eventType EventType, data map[string]any) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	for _, ch := range b.subscribers[eventType] {
		select {
		case ch <- event:
		default:
		}
	}
	if eventType == wildcard {
		return
	}
	for _, ch := range b.subscribers[wildcard] {
		select {
		case ch <- event:
		default:
		}
	}
}

// Close closes all subscriber channels and clears subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
}
