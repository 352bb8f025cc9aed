// Package inappdb is the local-first cache: ten typed, observable partitions that mirror
// a subset of server tables, persisted as one debounced snapshot blob.
//
// Reads are served from memory. Every mutation batch notifies subscribers synchronously
// and schedules a write-through of the serialized snapshot; bursts inside the debounce
// window collapse into a single write of the final state. Storage failures are logged
// and the store keeps working from memory.
package inappdb

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/tenantshowcase/inappdb/internal/storage"
	"go.uber.org/zap"
)

const (
	// DefaultDebounce is the persistence debounce window.
	DefaultDebounce  = time.Second
	defaultIOTimeout = 10 * time.Second
)

var errMissingStorageKey = errors.New("inappdb: storage key is required when a backend is configured")

// Change lists the partitions touched by one mutation batch.
type Change struct {
	Partitions []PartitionName
}

// Touched reports whether the change includes partition.
func (c Change) Touched(partition PartitionName) bool {
	for _, name := range c.Partitions {
		if name == partition {
			return true
		}
	}
	return false
}

// StoreConfig describes how a Store persists itself. A nil Backend keeps the store in memory only.
type StoreConfig struct {
	Backend    storage.Backend
	StorageKey string
	Debounce   time.Duration
	IOTimeout  time.Duration
	Logger     *zap.Logger
}

// Store holds the entity partitions. Construct it with NewStore.
type Store struct {
	mu sync.RWMutex

	Users             *Partition[User]
	ChannelMessages   *Partition[ChannelMessage]
	ChannelActivity   *Partition[ChannelActivity]
	UserLanguage      *Partition[UserLanguage]
	UserNotifications *Partition[UserNotificationPref]
	PushSubscriptions *Partition[PushSubscription]
	TenantRequests    *Partition[TenantRequest]
	UserLocation      *Partition[UserLocation]
	ChannelFollows    *Partition[ChannelFollow]
	ChannelLastViewed *Partition[ChannelLastViewed]

	partitions []resettable

	subMu          sync.Mutex
	subscribers    map[uint64]func(Change)
	nextSubscriber uint64

	persister *persister
	logger    *zap.Logger
}

// NewStore builds an empty store. Call Rehydrate to load the last persisted snapshot.
func NewStore(cfg StoreConfig) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	store := &Store{
		subscribers: make(map[uint64]func(Change)),
		logger:      logger,
	}
	store.Users = newPartition(store, PartitionUsers, userKey)
	store.ChannelMessages = newPartition(store, PartitionChannelMessages, messageKey)
	store.ChannelActivity = newPartition(store, PartitionChannelActivity, activityKey)
	store.UserLanguage = newPartition(store, PartitionUserLanguage, languageKey)
	store.UserNotifications = newPartition(store, PartitionUserNotifications, notificationKey)
	store.PushSubscriptions = newPartition(store, PartitionPushSubscriptions, pushSubscriptionKey)
	store.TenantRequests = newPartition(store, PartitionTenantRequests, tenantRequestKey)
	store.UserLocation = newPartition(store, PartitionUserLocation, locationKey)
	store.ChannelFollows = newPartition(store, PartitionChannelFollows, followKey)
	store.ChannelLastViewed = newPartition(store, PartitionChannelLastViewed, lastViewedKey)
	store.partitions = []resettable{
		store.Users,
		store.ChannelMessages,
		store.ChannelActivity,
		store.UserLanguage,
		store.UserNotifications,
		store.PushSubscriptions,
		store.TenantRequests,
		store.UserLocation,
		store.ChannelFollows,
		store.ChannelLastViewed,
	}

	if cfg.Backend != nil {
		if cfg.StorageKey == "" {
			return nil, errMissingStorageKey
		}
		persister, err := newPersister(cfg, logger)
		if err != nil {
			return nil, err
		}
		store.persister = persister
	}

	return store, nil
}

// Update applies fn as one state transition: readers never observe a partial batch,
// subscribers are notified once, and one persistence write is scheduled.
// fn must use the Tx helpers (Put, Get, Delete, Clear, Replace) rather than Partition methods.
func (s *Store) Update(fn func(tx *Tx)) {
	change := s.apply(fn, true)
	if len(change.Partitions) > 0 {
		s.notify(change)
	}
}

// ClearAll removes every entry from every partition.
func (s *Store) ClearAll() {
	s.Update(func(tx *Tx) {
		for _, partition := range s.partitions {
			partition.reset()
			tx.touch(partition.partitionName())
		}
	})
}

// Subscribe registers fn to run after every mutation batch. The returned func unsubscribes.
func (s *Store) Subscribe(fn func(Change)) func() {
	s.subMu.Lock()
	s.nextSubscriber++
	id := s.nextSubscriber
	s.subscribers[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subscribers, id)
		s.subMu.Unlock()
	}
}

// Flush writes any pending snapshot immediately. It reports whether a write happened.
func (s *Store) Flush() bool {
	if s.persister == nil {
		return false
	}
	return s.persister.scheduler.Flush()
}

// Close flushes pending persistence. The store stays usable in memory.
func (s *Store) Close() {
	s.Flush()
}

func (s *Store) apply(fn func(tx *Tx), persist bool) Change {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &Tx{store: s, touched: make(map[PartitionName]struct{})}
	fn(tx)
	tx.done = true

	if len(tx.touched) == 0 {
		return Change{}
	}
	names := make([]PartitionName, 0, len(tx.touched))
	for name := range tx.touched {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })

	if persist && s.persister != nil {
		s.schedulePersistLocked()
	}
	return Change{Partitions: names}
}

func (s *Store) notify(change Change) {
	s.subMu.Lock()
	ids := make([]uint64, 0, len(s.subscribers))
	for id := range s.subscribers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	handlers := make([]func(Change), 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, s.subscribers[id])
	}
	s.subMu.Unlock()

	for _, handler := range handlers {
		handler(change)
	}
}

func (s *Store) schedulePersistLocked() {
	blob, err := EncodeSnapshot(s.snapshotLocked())
	if err != nil {
		s.logger.Error("snapshot encode failed",
			zap.String("operation", "inappdb.persist"),
			zap.String("reason", "encode_failed"),
			zap.Error(err))
		return
	}
	s.persister.scheduler.Schedule(blob)
}

// Tx is the handle passed to Store.Update. It is only valid inside the callback.
type Tx struct {
	store   *Store
	touched map[PartitionName]struct{}
	done    bool
}

func (tx *Tx) touch(name PartitionName) {
	if tx.done {
		panic("inappdb: transaction used after Update returned")
	}
	tx.touched[name] = struct{}{}
}

type resettable interface {
	partitionName() PartitionName
	reset()
}
