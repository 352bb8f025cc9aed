package inappdb

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// SnapshotVersion is the layout version written into every persisted blob.
const SnapshotVersion = 1

var (
	// ErrUnsupportedSnapshot indicates a blob written with an unknown layout version.
	ErrUnsupportedSnapshot = errors.New("inappdb: unsupported snapshot version")
	errMalformedPair       = errors.New("inappdb: snapshot entry must be a [key, value] pair")
)

// Pair is one key/value entry of a partition. It serializes as a two-element array.
type Pair[V any] struct {
	Key   string
	Value V
}

// MarshalJSON encodes the pair as [key, value].
func (p Pair[V]) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{p.Key, p.Value})
}

// UnmarshalJSON decodes a [key, value] array.
func (p *Pair[V]) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return errMalformedPair
	}
	if err := json.Unmarshal(raw[0], &p.Key); err != nil {
		return fmt.Errorf("%w: %v", errMalformedPair, err)
	}
	return json.Unmarshal(raw[1], &p.Value)
}

// Snapshot is the serialized form of every partition, in key order.
type Snapshot struct {
	Version           int                          `json:"version"`
	Users             []Pair[User]                 `json:"users"`
	ChannelMessages   []Pair[ChannelMessage]       `json:"channels_messages"`
	ChannelActivity   []Pair[ChannelActivity]      `json:"channels_activity"`
	UserLanguage      []Pair[UserLanguage]         `json:"user_language"`
	UserNotifications []Pair[UserNotificationPref] `json:"user_notifications"`
	PushSubscriptions []Pair[PushSubscription]     `json:"push_subscriptions"`
	TenantRequests    []Pair[TenantRequest]        `json:"tenant_requests"`
	UserLocation      []Pair[UserLocation]         `json:"user_location"`
	ChannelFollows    []Pair[ChannelFollow]        `json:"user_channel_follow"`
	ChannelLastViewed []Pair[ChannelLastViewed]    `json:"user_channel_last_viewed"`
}

// EncodeSnapshot serializes snapshot.
func EncodeSnapshot(snapshot Snapshot) ([]byte, error) {
	snapshot.Version = SnapshotVersion
	return json.Marshal(snapshot)
}

// DecodeSnapshot parses a persisted blob. Missing partitions decode as empty.
func DecodeSnapshot(blob []byte) (Snapshot, error) {
	var snapshot Snapshot
	if err := json.Unmarshal(blob, &snapshot); err != nil {
		return Snapshot{}, fmt.Errorf("inappdb: decode snapshot: %w", err)
	}
	if snapshot.Version != SnapshotVersion {
		return Snapshot{}, fmt.Errorf("%w: %d", ErrUnsupportedSnapshot, snapshot.Version)
	}
	return snapshot, nil
}

// Snapshot captures the current state of every partition.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	return Snapshot{
		Version:           SnapshotVersion,
		Users:             s.Users.pairsLocked(),
		ChannelMessages:   s.ChannelMessages.pairsLocked(),
		ChannelActivity:   s.ChannelActivity.pairsLocked(),
		UserLanguage:      s.UserLanguage.pairsLocked(),
		UserNotifications: s.UserNotifications.pairsLocked(),
		PushSubscriptions: s.PushSubscriptions.pairsLocked(),
		TenantRequests:    s.TenantRequests.pairsLocked(),
		UserLocation:      s.UserLocation.pairsLocked(),
		ChannelFollows:    s.ChannelFollows.pairsLocked(),
		ChannelLastViewed: s.ChannelLastViewed.pairsLocked(),
	}
}

// loadSnapshot replaces every partition whose content differs from snapshot.
func (s *Store) loadSnapshot(tx *Tx, snapshot Snapshot) {
	loadPairs(tx, s.Users, snapshot.Users)
	loadPairs(tx, s.ChannelMessages, snapshot.ChannelMessages)
	loadPairs(tx, s.ChannelActivity, snapshot.ChannelActivity)
	loadPairs(tx, s.UserLanguage, snapshot.UserLanguage)
	loadPairs(tx, s.UserNotifications, snapshot.UserNotifications)
	loadPairs(tx, s.PushSubscriptions, snapshot.PushSubscriptions)
	loadPairs(tx, s.TenantRequests, snapshot.TenantRequests)
	loadPairs(tx, s.UserLocation, snapshot.UserLocation)
	loadPairs(tx, s.ChannelFollows, snapshot.ChannelFollows)
	loadPairs(tx, s.ChannelLastViewed, snapshot.ChannelLastViewed)
}

func loadPairs[V any](tx *Tx, p *Partition[V], pairs []Pair[V]) {
	next := make(map[string]V, len(pairs))
	for _, pair := range pairs {
		next[pair.Key] = canonicalize(pair.Value)
	}
	if !entriesDiffer(p.entries, next) {
		return
	}
	tx.touch(p.name)
	p.entries = next
}

// entriesDiffer compares entries by their persisted encoding.
func entriesDiffer[V any](current, next map[string]V) bool {
	if len(current) != len(next) {
		return true
	}
	for key, value := range next {
		existing, ok := current[key]
		if !ok {
			return true
		}
		existingJSON, err := json.Marshal(existing)
		if err != nil {
			return true
		}
		nextJSON, err := json.Marshal(value)
		if err != nil || !bytes.Equal(existingJSON, nextJSON) {
			return true
		}
	}
	return false
}
