package realtime

import (
	"sort"
	"sync"

	"github.com/tenantshowcase/inappdb/internal/inappdb"
)

// DefaultFeedLimit caps the messages kept per channel.
const DefaultFeedLimit = 200

// FeedUpdate is the state of one channel after a merged batch.
type FeedUpdate struct {
	Channel  string                   `json:"channel"`
	Messages []inappdb.ChannelMessage `json:"messages"`
	Activity *inappdb.ChannelActivity `json:"activity,omitempty"`
}

type channelFeed struct {
	messages map[string]inappdb.ChannelMessage
	activity *inappdb.ChannelActivity
}

// FeedState is the in-memory UI-facing feed. It never touches the persisted store.
type FeedState struct {
	mu       sync.RWMutex
	limit    int
	channels map[string]*channelFeed
}

// NewFeedState returns an empty feed keeping at most limit messages per channel.
func NewFeedState(limit int) *FeedState {
	if limit <= 0 {
		limit = DefaultFeedLimit
	}
	return &FeedState{limit: limit, channels: make(map[string]*channelFeed)}
}

// Apply merges events in order and returns the channels they touched.
func (f *FeedState) Apply(events []Event) []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	touched := make(map[string]struct{})
	for _, event := range events {
		channel := event.Channel()
		if channel == "" {
			continue
		}
		feed := f.channelLocked(channel)
		switch {
		case event.Message != nil:
			if event.Message.ID == "" {
				continue
			}
			if event.Type == EventDelete {
				delete(feed.messages, event.Message.ID)
			} else {
				feed.messages[event.Message.ID] = *event.Message
			}
		case event.Activity != nil:
			if event.Type == EventDelete {
				feed.activity = nil
			} else {
				activity := *event.Activity
				feed.activity = &activity
			}
		}
		touched[channel] = struct{}{}
	}

	channels := make([]string, 0, len(touched))
	for channel := range touched {
		f.trimLocked(f.channels[channel])
		channels = append(channels, channel)
	}
	sort.Strings(channels)
	return channels
}

// Snapshot returns the current feed of channel, messages oldest first.
func (f *FeedState) Snapshot(channel string) FeedUpdate {
	f.mu.RLock()
	defer f.mu.RUnlock()
	update := FeedUpdate{Channel: channel, Messages: []inappdb.ChannelMessage{}}
	feed, ok := f.channels[channel]
	if !ok {
		return update
	}
	update.Messages = orderedMessages(feed.messages)
	if feed.activity != nil {
		activity := *feed.activity
		update.Activity = &activity
	}
	return update
}

// Reset drops every channel.
func (f *FeedState) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels = make(map[string]*channelFeed)
}

func (f *FeedState) channelLocked(channel string) *channelFeed {
	feed, ok := f.channels[channel]
	if !ok {
		feed = &channelFeed{messages: make(map[string]inappdb.ChannelMessage)}
		f.channels[channel] = feed
	}
	return feed
}

func (f *FeedState) trimLocked(feed *channelFeed) {
	if len(feed.messages) <= f.limit {
		return
	}
	ordered := orderedMessages(feed.messages)
	for _, message := range ordered[:len(ordered)-f.limit] {
		delete(feed.messages, message.ID)
	}
}

func orderedMessages(messages map[string]inappdb.ChannelMessage) []inappdb.ChannelMessage {
	ordered := make([]inappdb.ChannelMessage, 0, len(messages))
	for _, message := range messages {
		ordered = append(ordered, message)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if order := inappdb.CompareTimestamps(ordered[i].CreatedAt, ordered[j].CreatedAt); order != 0 {
			return order < 0
		}
		return ordered[i].ID < ordered[j].ID
	})
	return ordered
}
