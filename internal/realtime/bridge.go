// Package realtime merges backend change notifications into an in-memory feed for the UI.
package realtime

import (
	"errors"
	"sync"
	"time"

	"github.com/tenantshowcase/inappdb/internal/debounce"
	"github.com/tenantshowcase/inappdb/internal/metrics"
	"go.uber.org/zap"
)

// DefaultDebounce is the default batching window of the bridge.
const DefaultDebounce = 250 * time.Millisecond

var errMissingDispatcher = errors.New("realtime: dispatcher is required")

// BridgeConfig describes a Bridge.
type BridgeConfig struct {
	Dispatcher *Dispatcher
	Feed       *FeedState
	Debounce   time.Duration
	Logger     *zap.Logger
}

// Bridge batches change notifications over a debounce window, merges each batch into the
// feed state and publishes one update per touched channel.
type Bridge struct {
	dispatcher *Dispatcher
	feed       *FeedState
	scheduler  *debounce.Scheduler[struct{}]
	logger     *zap.Logger

	mu      sync.Mutex
	pending []Event
}

// NewBridge validates the configuration and returns an idle Bridge.
func NewBridge(cfg BridgeConfig) (*Bridge, error) {
	if cfg.Dispatcher == nil {
		return nil, errMissingDispatcher
	}
	feed := cfg.Feed
	if feed == nil {
		feed = NewFeedState(DefaultFeedLimit)
	}
	delay := cfg.Debounce
	if delay <= 0 {
		delay = DefaultDebounce
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	bridge := &Bridge{
		dispatcher: cfg.Dispatcher,
		feed:       feed,
		logger:     logger,
	}
	scheduler, err := debounce.NewScheduler(debounce.Config[struct{}]{
		Delay: delay,
		Emit: func(struct{}) error {
			bridge.drain()
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	bridge.scheduler = scheduler
	return bridge, nil
}

// Feed returns the feed state the bridge merges into.
func (b *Bridge) Feed() *FeedState {
	return b.feed
}

// HandleMessage decodes one raw notification and queues it. Undecodable payloads are logged and dropped.
func (b *Bridge) HandleMessage(data []byte) {
	event, err := ParseEnvelope(data)
	if err != nil {
		b.logger.Warn("realtime notification dropped",
			zap.String("operation", "realtime.decode"),
			zap.String("reason", "invalid_envelope"),
			zap.Error(err),
		)
		return
	}
	b.Ingest(event)
}

// Ingest queues event for the next batch.
func (b *Bridge) Ingest(event Event) {
	metrics.ObserveRealtimeEvent(event.Table)
	b.mu.Lock()
	b.pending = append(b.pending, event)
	b.mu.Unlock()
	b.scheduler.Schedule(struct{}{})
}

// Flush merges queued events immediately.
func (b *Bridge) Flush() {
	b.scheduler.Flush()
}

// Close merges anything still queued.
func (b *Bridge) Close() {
	b.scheduler.Flush()
}

// Reset drops queued events and the feed state.
func (b *Bridge) Reset() {
	b.scheduler.Cancel()
	b.mu.Lock()
	b.pending = nil
	b.mu.Unlock()
	b.feed.Reset()
}

func (b *Bridge) drain() {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	metrics.ObserveRealtimeBatch(len(batch))
	channels := b.feed.Apply(batch)
	for _, channel := range channels {
		b.dispatcher.Publish(b.feed.Snapshot(channel))
	}
	b.logger.Debug("realtime batch merged",
		zap.Int("events", len(batch)),
		zap.Strings("channels", channels),
	)
}
