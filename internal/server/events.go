package server

import (
	"context"
	"sync"
	"time"

	"github.com/ceritalabs/storysync/internal/syncer"
)

const (
	// EventSyncComplete is published after every completed drain pass.
	EventSyncComplete = "sync-complete"
	eventHeartbeat    = "heartbeat"
)

// SyncEvent is one message on the event stream.
type SyncEvent struct {
	EventType string             `json:"eventType"`
	Result    syncer.DrainResult `json:"result"`
	Timestamp time.Time          `json:"timestamp"`
}

// EventDispatcher fans drain results out to event-stream subscribers. Slow
// subscribers drop messages rather than block the publisher.
type EventDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*eventSubscriber
	nextID      int64
	bufferSize  int
}

type eventSubscriber struct {
	id     int64
	stream chan SyncEvent
}

// NewEventDispatcher returns an empty dispatcher.
func NewEventDispatcher() *EventDispatcher {
	return &EventDispatcher{
		subscribers: make(map[int64]*eventSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a stream that lives until the context ends or the
// cleanup function is called.
func (d *EventDispatcher) Subscribe(ctx context.Context) (<-chan SyncEvent, func()) {
	subscriber := &eventSubscriber{
		id:     d.nextSequence(),
		stream: make(chan SyncEvent, d.bufferSize),
	}
	d.register(subscriber)
	cleanup := func() {
		d.unregister(subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers the event to every subscriber, dropping it for any whose
// buffer is full.
func (d *EventDispatcher) Publish(event SyncEvent) {
	if event.EventType == "" {
		return
	}
	d.mu.RLock()
	copies := make([]*eventSubscriber, 0, len(d.subscribers))
	for _, subscriber := range d.subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

func (d *EventDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *EventDispatcher) register(subscriber *eventSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribers[subscriber.id] = subscriber
}

func (d *EventDispatcher) unregister(subscriberID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.subscribers, subscriberID)
}
