package realtime

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

const defaultSubscriberBuffer = 16

// Dispatcher fans feed updates out to local subscribers of a channel. Slow subscribers
// miss updates instead of blocking the bridge.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]*subscriber
	bufferSize  int
}

type subscriber struct {
	id     string
	stream chan FeedUpdate
}

// NewDispatcher returns an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[string]map[string]*subscriber),
		bufferSize:  defaultSubscriberBuffer,
	}
}

// Subscribe registers for updates of channel until ctx ends or the returned cleanup runs.
func (d *Dispatcher) Subscribe(ctx context.Context, channel string) (<-chan FeedUpdate, func()) {
	if channel == "" {
		stream := make(chan FeedUpdate)
		close(stream)
		return stream, func() {}
	}
	sub := &subscriber{
		id:     uuid.NewString(),
		stream: make(chan FeedUpdate, d.bufferSize),
	}
	d.register(channel, sub)

	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregister(channel, sub.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Publish delivers update to every subscriber of update.Channel without blocking.
func (d *Dispatcher) Publish(update FeedUpdate) {
	if update.Channel == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[update.Channel]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*subscriber, 0, len(subscribers))
	for _, sub := range subscribers {
		copies = append(copies, sub)
	}
	d.mu.RUnlock()
	for _, sub := range copies {
		select {
		case sub.stream <- update:
		default:
		}
	}
}

// SubscriberCount returns the number of live subscribers of channel.
func (d *Dispatcher) SubscriberCount(channel string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[channel])
}

func (d *Dispatcher) register(channel string, sub *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[channel]; !ok {
		d.subscribers[channel] = make(map[string]*subscriber)
	}
	d.subscribers[channel][sub.id] = sub
}

func (d *Dispatcher) unregister(channel, subscriberID string) {
	d.mu.Lock()
	subscribers := d.subscribers[channel]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, channel)
		}
	}
	d.mu.Unlock()
}
